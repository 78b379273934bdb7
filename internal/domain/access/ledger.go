package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/domain/patient"
	"github.com/medvault/medvault/internal/platform/encryption"
)

const (
	maxReasonLen   = 500
	maxIdentityLen = 320
	maxPayloadSize = 1 << 20
)

// Listener observes committed transitions. Listeners run on the caller's
// goroutine after the change is stored and must not block.
type Listener func(ctx context.Context, ev Event)

// Credentials reports whether a doctor identity belongs to a verified
// doctor.
type Credentials interface {
	IsVerified(ctx context.Context, doctorIdentity string) (bool, error)
}

// Ledger is the single source of truth for access requests.
type Ledger struct {
	store    Store
	payloads PayloadStore
	enc      encryption.Encryptor
	cfg      Config
	inTx     Transactor
	creds    Credentials
	logger   zerolog.Logger
	nowFn    func() time.Time
	cache    *payloadCache

	mu        sync.RWMutex
	listeners []Listener
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithTransactor makes payload writes and state swaps commit together.
func WithTransactor(tx Transactor) LedgerOption {
	return func(l *Ledger) { l.inTx = tx }
}

// WithCredentialCheck makes Create refuse doctors creds does not report as
// verified.
func WithCredentialCheck(creds Credentials) LedgerOption {
	return func(l *Ledger) { l.creds = creds }
}

func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.nowFn = now }
}

func NewLedger(store Store, payloads PayloadStore, enc encryption.Encryptor, cfg Config, logger zerolog.Logger, opts ...LedgerOption) *Ledger {
	def := DefaultConfig()
	if cfg.WaitingWindow <= 0 {
		cfg.WaitingWindow = def.WaitingWindow
	}
	if cfg.GrantDuration <= 0 {
		cfg.GrantDuration = def.GrantDuration
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	l := &Ledger{
		store:    store,
		payloads: payloads,
		enc:      enc,
		cfg:      cfg,
		inTx:     noTx,
		logger:   logger,
		nowFn:    time.Now,
		cache:    newPayloadCache(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Subscribe registers fn for every committed transition.
func (l *Ledger) Subscribe(fn Listener) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

func (l *Ledger) emit(ctx context.Context, kind EventKind, r *AccessRequest, at time.Time) {
	l.mu.RLock()
	listeners := l.listeners
	l.mu.RUnlock()
	ev := Event{Kind: kind, Request: *r.clone(), At: at}
	for _, fn := range listeners {
		fn(ctx, ev)
	}
}

func (l *Ledger) now() time.Time { return l.nowFn().UTC() }

// Create opens a pending request from doctorIdentity to patientID.
func (l *Ledger) Create(ctx context.Context, doctorIdentity, patientID, reason string) (string, error) {
	if !patient.ValidID(patientID) {
		return "", ErrInvalidPatient
	}
	doctorIdentity = strings.TrimSpace(doctorIdentity)
	if doctorIdentity == "" || len(doctorIdentity) > maxIdentityLen {
		return "", fmt.Errorf("%w: doctor identity is required", ErrInvalidInput)
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLen {
		return "", fmt.Errorf("%w: reason longer than %d characters", ErrInvalidInput, maxReasonLen)
	}
	if l.creds != nil {
		ok, err := l.creds.IsVerified(ctx, doctorIdentity)
		if err != nil {
			return "", fmt.Errorf("check doctor credentials: %w", err)
		}
		if !ok {
			l.logger.Warn().Str("doctor", doctorIdentity).Str("patient_id", patientID).Msg("access request from unverified doctor refused")
			return "", ErrDoctorNotVerified
		}
	}

	now := l.now()
	r := &AccessRequest{
		RequestID:      uuid.NewString(),
		DoctorIdentity: doctorIdentity,
		PatientID:      patientID,
		State:          StatePending,
		Reason:         reason,
		CreatedAt:      now,
	}
	if err := l.store.Insert(ctx, r); err != nil {
		return "", err
	}
	l.logger.Info().
		Str("request_id", r.RequestID).
		Str("patient_id", patientID).
		Str("doctor", doctorIdentity).
		Msg("access request created")
	l.emit(ctx, EventCreated, r, now)
	return r.RequestID, nil
}

// Get returns the stored record without evaluating it against the clock.
func (l *Ledger) Get(ctx context.Context, requestID string) (*AccessRequest, error) {
	return l.store.Get(ctx, requestID)
}

// rejection explains why a request that is no longer pending cannot be decided.
func rejection(r *AccessRequest) error {
	if r.State == StateExpired && r.DecidedAt == nil {
		return ErrExpiredRequest
	}
	return ErrAlreadyDecided
}

// checkDecision validates the decision and, for an approval, its payload.
func checkDecision(decision Decision, payload json.RawMessage) error {
	switch decision {
	case DecisionApproved:
		if len(payload) == 0 || string(payload) == "null" {
			return ErrPayloadRequired
		}
		if len(payload) > maxPayloadSize {
			return fmt.Errorf("%w: payload too large", ErrInvalidInput)
		}
		if !json.Valid(payload) {
			return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidInput)
		}
	case DecisionDenied:
	default:
		return ErrInvalidDecision
	}
	return nil
}

// Decide records the patient's single decision. Approval requires payload,
// which is encrypted and stored apart from the request. An unknown or
// settled request is reported before anything about the decision itself.
func (l *Ledger) Decide(ctx context.Context, requestID string, decision Decision, payload json.RawMessage) error {
	r, err := l.store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if r.State != StatePending {
		return rejection(r)
	}
	now := l.now()
	if !now.Before(r.CreatedAt.Add(l.cfg.WaitingWindow)) {
		return ErrExpiredRequest
	}
	if err := checkDecision(decision, payload); err != nil {
		return err
	}

	next := r.clone()
	next.DecidedAt = &now
	kind := EventDenied

	var swapped bool
	if decision == DecisionApproved {
		kind = EventApproved
		grantEnd := now.Add(l.cfg.GrantDuration)
		next.State = StateApproved
		next.GrantExpiresAt = &grantEnd
		next.PayloadRef = uuid.NewString()

		ciphertext, err := l.enc.Encrypt(payload)
		if err != nil {
			return fmt.Errorf("encrypt payload: %w", err)
		}
		err = l.inTx(ctx, func(ctx context.Context) error {
			if err := l.payloads.Put(ctx, next.PayloadRef, next.RequestID, ciphertext); err != nil {
				return err
			}
			ok, err := l.store.CompareAndSwap(ctx, StatePending, next)
			if err != nil {
				return err
			}
			if !ok {
				if err := l.payloads.Delete(ctx, next.PayloadRef); err != nil {
					l.logger.Warn().Err(err).Str("request_id", next.RequestID).Msg("failed to delete payload after lost decision race")
				}
				return errLostRace
			}
			swapped = true
			return nil
		})
		if err != nil && !errors.Is(err, errLostRace) {
			return err
		}
		if swapped {
			l.cache.put(next.RequestID, append([]byte(nil), payload...), grantEnd)
		}
	} else {
		next.State = StateDenied
		swapped, err = l.store.CompareAndSwap(ctx, StatePending, next)
		if err != nil {
			return err
		}
	}

	if !swapped {
		cur, err := l.store.Get(ctx, requestID)
		if err != nil {
			return err
		}
		return rejection(cur)
	}

	l.logger.Info().
		Str("request_id", requestID).
		Str("patient_id", r.PatientID).
		Str("decision", string(decision)).
		Msg("access request decided")
	l.emit(ctx, kind, next, now)
	return nil
}

var errLostRace = errors.New("state changed concurrently")

// effectiveState evaluates r against now so a lagging sweep never widens
// access.
func (l *Ledger) effectiveState(r *AccessRequest, now time.Time) State {
	switch r.State {
	case StatePending:
		if !now.Before(r.CreatedAt.Add(l.cfg.WaitingWindow)) {
			return StateExpired
		}
	case StateApproved:
		if r.GrantExpiresAt == nil || !now.Before(*r.GrantExpiresAt) {
			return StateExpired
		}
	}
	return r.State
}

// GetStatus is a side-effect free read of a request as of now. The payload
// is included only while the grant is live.
func (l *Ledger) GetStatus(ctx context.Context, requestID string) (Status, error) {
	r, err := l.store.Get(ctx, requestID)
	if err != nil {
		return Status{}, err
	}
	now := l.now()
	st := Status{
		RequestID: r.RequestID,
		State:     l.effectiveState(r, now),
		Decided:   r.DecidedAt != nil,
	}
	if st.State != StateApproved {
		return st, nil
	}
	st.GrantExpiresAt = copyTime(r.GrantExpiresAt)

	payload, err := l.loadPayload(ctx, r, now)
	if errors.Is(err, ErrNotFound) {
		// Revoked or swept between the two reads.
		return Status{RequestID: r.RequestID, State: StateExpired, Decided: true}, nil
	}
	if err != nil {
		return Status{}, err
	}
	st.Payload = payload
	return st, nil
}

// PollStatus is GetStatus for callers polling on a fixed cadence.
func (l *Ledger) PollStatus(ctx context.Context, requestID string) (Status, error) {
	return l.GetStatus(ctx, requestID)
}

func (l *Ledger) loadPayload(ctx context.Context, r *AccessRequest, now time.Time) ([]byte, error) {
	if b, ok := l.cache.get(r.RequestID, now); ok {
		return append([]byte(nil), b...), nil
	}
	if r.PayloadRef == "" {
		return nil, ErrNotFound
	}
	ciphertext, err := l.payloads.Get(ctx, r.PayloadRef)
	if err != nil {
		return nil, err
	}
	plain, err := l.enc.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}
	l.cache.put(r.RequestID, plain, *r.GrantExpiresAt)
	return append([]byte(nil), plain...), nil
}

// ListPendingFor returns the oldest live pending request addressed to
// patientID, or nil.
func (l *Ledger) ListPendingFor(ctx context.Context, patientID string) (*AccessRequest, error) {
	if !patient.ValidID(patientID) {
		return nil, ErrInvalidPatient
	}
	cutoff := l.now().Add(-l.cfg.WaitingWindow)
	return l.store.OldestPending(ctx, patientID, cutoff)
}

// ActiveGrant returns the live grant doctorIdentity holds on patientID, or
// ErrNotGranted.
func (l *Ledger) ActiveGrant(ctx context.Context, doctorIdentity, patientID string) (*AccessRequest, error) {
	r, err := l.store.LiveGrant(ctx, doctorIdentity, patientID, l.now())
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrNotGranted
	}
	return r, nil
}

// History lists every retained request addressed to patientID, newest first,
// with states evaluated against the clock.
func (l *Ledger) History(ctx context.Context, patientID string, limit, offset int) ([]*AccessRequest, int, error) {
	if !patient.ValidID(patientID) {
		return nil, 0, ErrInvalidPatient
	}
	items, total, err := l.store.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	now := l.now()
	for _, r := range items {
		if st := l.effectiveState(r, now); st != r.State {
			r.State = st
			r.GrantExpiresAt = nil
		}
	}
	return items, total, nil
}

// Revoke ends a live grant early on behalf of its patient.
func (l *Ledger) Revoke(ctx context.Context, requestID, patientID string) error {
	r, err := l.store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if r.PatientID != patientID {
		return ErrNotFound
	}
	now := l.now()
	if l.effectiveState(r, now) != StateApproved {
		return ErrNotGranted
	}

	next := r.clone()
	next.State = StateExpired
	next.GrantExpiresAt = nil
	next.ExpiredAt = &now
	next.RevokedAt = &now
	next.PayloadRef = ""

	ok, err := l.store.CompareAndSwap(ctx, StateApproved, next)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotGranted
	}
	l.dropPayload(ctx, r)
	l.logger.Info().Str("request_id", requestID).Str("patient_id", patientID).Msg("access grant revoked")
	l.emit(ctx, EventRevoked, next, now)
	return nil
}

// ExpireGrant expires requestID if its grant has ended. It re-reads the
// ledger first and is a no-op for anything not currently an ended grant.
func (l *Ledger) ExpireGrant(ctx context.Context, requestID string) (bool, error) {
	r, err := l.store.Get(ctx, requestID)
	if err != nil {
		return false, err
	}
	now := l.now()
	if r.State != StateApproved || l.effectiveState(r, now) != StateExpired {
		return false, nil
	}
	return l.expire(ctx, r, now)
}

func (l *Ledger) expire(ctx context.Context, r *AccessRequest, now time.Time) (bool, error) {
	next := r.clone()
	next.State = StateExpired
	next.GrantExpiresAt = nil
	next.ExpiredAt = &now
	next.PayloadRef = ""

	ok, err := l.store.CompareAndSwap(ctx, r.State, next)
	if err != nil || !ok {
		return false, err
	}
	if r.State == StateApproved {
		l.dropPayload(ctx, r)
	}
	l.emit(ctx, EventExpired, next, now)
	return true, nil
}

func (l *Ledger) dropPayload(ctx context.Context, r *AccessRequest) {
	l.cache.evict(r.RequestID)
	if r.PayloadRef == "" {
		return
	}
	if err := l.payloads.Delete(ctx, r.PayloadRef); err != nil {
		// The request is already expired; an orphaned ciphertext is purged
		// with its request.
		l.logger.Warn().Err(err).Str("request_id", r.RequestID).Msg("failed to delete access payload")
	}
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	ExpiredPending int
	ExpiredGrants  int
	Purged         int
}

// Sweep expires lapsed pending requests and ended grants, then purges
// terminal requests older than the retention window. Sweeping twice is the
// same as sweeping once.
func (l *Ledger) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := l.now()

	due, err := l.store.ListDue(ctx, now.Add(-l.cfg.WaitingWindow), now)
	if err != nil {
		return res, fmt.Errorf("list due requests: %w", err)
	}
	for _, r := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ok, err := l.expire(ctx, r, now)
		if err != nil {
			l.logger.Error().Err(err).Str("request_id", r.RequestID).Msg("sweep failed to expire request")
			continue
		}
		if !ok {
			continue
		}
		if r.State == StatePending {
			res.ExpiredPending++
		} else {
			res.ExpiredGrants++
		}
	}

	n, err := l.store.Purge(ctx, now.Add(-l.cfg.Retention))
	if err != nil {
		return res, fmt.Errorf("purge requests: %w", err)
	}
	res.Purged = n
	return res, nil
}

// CachedPayloads reports how many decrypted payloads are held in memory.
func (l *Ledger) CachedPayloads() int { return l.cache.len() }

// EvictPayload drops requestID's decrypted payload from memory.
func (l *Ledger) EvictPayload(requestID string) { l.cache.evict(requestID) }
