package access

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/encryption"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testLedger struct {
	*Ledger
	clock    *fakeClock
	store    Store
	payloads *memoryPayloads
}

func newTestLedger(t *testing.T) *testLedger {
	t.Helper()
	key, err := encryption.NewRandomKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	enc, err := encryption.NewAESEncryptor(key, encryption.PurposePayload)
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	clock := newFakeClock()
	store := NewMemoryStore()
	payloads := NewMemoryPayloadStore().(*memoryPayloads)
	l := NewLedger(store, payloads, enc, DefaultConfig(), zerolog.Nop(), WithClock(clock.Now))
	return &testLedger{Ledger: l, clock: clock, store: store, payloads: payloads}
}

func (tl *testLedger) payloadCount() int {
	tl.payloads.mu.RLock()
	defer tl.payloads.mu.RUnlock()
	return len(tl.payloads.data)
}

var bundle = json.RawMessage(`{"bloodType":"O+","allergies":["penicillin"]}`)

func TestLedger_Create_Validation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for _, pid := range []string{"", "P-26-047", "p-2026-047", "P-2026-04", "P-2026-047x"} {
		if _, err := l.Create(ctx, "dr@example.com", pid, ""); !errors.Is(err, ErrInvalidPatient) {
			t.Errorf("Create(%q): expected ErrInvalidPatient, got %v", pid, err)
		}
	}
	if _, err := l.Create(ctx, "  ", "P-2026-047", ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty doctor, got %v", err)
	}
	if _, err := l.Create(ctx, "dr@example.com", "P-2026-047", string(bytes.Repeat([]byte("x"), 501))); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for long reason, got %v", err)
	}
	id, err := l.Create(ctx, "dr@example.com", "P-2026-047123", "follow-up")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, _ := l.Get(ctx, id)
	if r.State != StatePending || r.GrantExpiresAt != nil || r.DecidedAt != nil {
		t.Errorf("unexpected new request: %+v", r)
	}
}

func TestLedger_ApproveThenExpire(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	id, err := l.Create(ctx, "dr.chen@example.com", "P-2026-047", "ER admission")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pending, err := l.ListPendingFor(ctx, "P-2026-047")
	if err != nil || pending == nil || pending.RequestID != id {
		t.Fatalf("expected pending request %s, got %+v (%v)", id, pending, err)
	}
	st, _ := l.GetStatus(ctx, id)
	if st.State != StatePending || st.Payload != nil {
		t.Fatalf("expected pending without payload, got %+v", st)
	}

	l.clock.Advance(time.Minute)
	approvedAt := l.clock.Now()
	if err := l.Decide(ctx, id, DecisionApproved, bundle); err != nil {
		t.Fatalf("decide: %v", err)
	}

	st, err = l.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StateApproved {
		t.Fatalf("expected approved, got %s", st.State)
	}
	if st.GrantExpiresAt == nil || !st.GrantExpiresAt.Equal(approvedAt.Add(15*time.Minute)) {
		t.Errorf("expected grant to end at %v, got %v", approvedAt.Add(15*time.Minute), st.GrantExpiresAt)
	}
	if !bytes.Equal(st.Payload, bundle) {
		t.Errorf("expected payload %s, got %s", bundle, st.Payload)
	}

	// Ciphertext at rest must not contain the plaintext.
	l.payloads.mu.RLock()
	for _, ct := range l.payloads.data {
		if bytes.Contains(ct, []byte("penicillin")) {
			t.Error("payload stored in plaintext")
		}
	}
	l.payloads.mu.RUnlock()

	l.clock.Advance(15*time.Minute - time.Second)
	if st, _ := l.GetStatus(ctx, id); st.State != StateApproved || st.Payload == nil {
		t.Fatalf("expected grant still live one second before expiry, got %+v", st)
	}

	l.clock.Advance(time.Second)
	st, _ = l.GetStatus(ctx, id)
	if st.State != StateExpired || st.Payload != nil || st.GrantExpiresAt != nil {
		t.Fatalf("expected expired without payload at grant end, got %+v", st)
	}
	if st.RequesterState() != StateExpired {
		t.Errorf("a lapsed grant reads as expired, got %s", st.RequesterState())
	}

	res, err := l.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.ExpiredGrants != 1 || res.ExpiredPending != 0 {
		t.Errorf("unexpected sweep result %+v", res)
	}
	r, _ := l.Get(ctx, id)
	if r.State != StateExpired || r.GrantExpiresAt != nil || r.ExpiredAt == nil || r.PayloadRef != "" {
		t.Errorf("unexpected swept record %+v", r)
	}
	if n := l.payloadCount(); n != 0 {
		t.Errorf("expected payload deleted, %d remain", n)
	}
	if n := l.CachedPayloads(); n != 0 {
		t.Errorf("expected cache empty, %d entries", n)
	}
}

func TestLedger_Deny(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	id, _ := l.Create(ctx, "dr@example.com", "P-2026-047", "")
	if err := l.Decide(ctx, id, DecisionDenied, nil); err != nil {
		t.Fatalf("deny: %v", err)
	}
	st, _ := l.GetStatus(ctx, id)
	if st.State != StateDenied || st.GrantExpiresAt != nil || st.Payload != nil {
		t.Errorf("unexpected status %+v", st)
	}
	if err := l.Decide(ctx, id, DecisionApproved, bundle); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("expected ErrAlreadyDecided, got %v", err)
	}
	if err := l.Decide(ctx, id, DecisionDenied, nil); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("expected ErrAlreadyDecided, got %v", err)
	}
}

func TestLedger_Decide_Validation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	id, _ := l.Create(ctx, "dr@example.com", "P-2026-047", "")

	if err := l.Decide(ctx, id, DecisionApproved, nil); !errors.Is(err, ErrPayloadRequired) {
		t.Errorf("expected ErrPayloadRequired, got %v", err)
	}
	if err := l.Decide(ctx, id, DecisionApproved, json.RawMessage(`{bad`)); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if err := l.Decide(ctx, id, Decision("maybe"), nil); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("expected ErrInvalidDecision, got %v", err)
	}
	if err := l.Decide(ctx, "missing", DecisionDenied, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if r, _ := l.Get(ctx, id); r.State != StatePending {
		t.Errorf("rejected decisions must not change state, got %s", r.State)
	}
}

func TestLedger_Decide_ReportsRequestBeforePayload(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.Decide(ctx, "no-such-id", DecisionApproved, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: expected ErrNotFound, got %v", err)
	}
	if err := l.Decide(ctx, "no-such-id", Decision("maybe"), nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id with bad decision: expected ErrNotFound, got %v", err)
	}

	denied, _ := l.Create(ctx, "dr@example.com", "P-2026-047", "")
	l.Decide(ctx, denied, DecisionDenied, nil)
	if err := l.Decide(ctx, denied, DecisionApproved, nil); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("decided request: expected ErrAlreadyDecided, got %v", err)
	}

	lapsed, _ := l.Create(ctx, "dr@example.com", "P-2026-048", "")
	l.clock.Advance(5 * time.Minute)
	if err := l.Decide(ctx, lapsed, DecisionApproved, nil); !errors.Is(err, ErrExpiredRequest) {
		t.Errorf("lapsed request: expected ErrExpiredRequest, got %v", err)
	}
}

// racingStore lets a competing denial land just before every swap.
type racingStore struct {
	Store
}

func (s racingStore) CompareAndSwap(ctx context.Context, expect State, next *AccessRequest) (bool, error) {
	other := next.clone()
	other.State = StateDenied
	other.GrantExpiresAt = nil
	other.PayloadRef = ""
	if _, err := s.Store.CompareAndSwap(ctx, expect, other); err != nil {
		return false, err
	}
	return s.Store.CompareAndSwap(ctx, expect, next)
}

type undeletablePayloads struct {
	PayloadStore
}

func (undeletablePayloads) Delete(context.Context, string) error {
	return errors.New("disk full")
}

func TestLedger_Decide_LostRaceLogsPayloadCleanupFailure(t *testing.T) {
	clock := newFakeClock()
	var logs bytes.Buffer
	store := racingStore{NewMemoryStore()}
	l := NewLedger(store, undeletablePayloads{NewMemoryPayloadStore()}, encryption.NopEncryptor{},
		DefaultConfig(), zerolog.New(&logs), WithClock(clock.Now))
	ctx := context.Background()

	id, _ := l.Create(ctx, "dr@example.com", "P-2026-047", "")
	if err := l.Decide(ctx, id, DecisionApproved, bundle); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided after losing the race, got %v", err)
	}
	if !bytes.Contains(logs.Bytes(), []byte("failed to delete payload after lost decision race")) {
		t.Errorf("expected cleanup failure to be logged, got %s", logs.String())
	}
	if l.CachedPayloads() != 0 {
		t.Errorf("losing decision must not cache its payload")
	}
}

func TestLedger_WaitingWindowExpiry(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	id, _ := l.Create(ctx, "dr@example.com", "P-2026-047", "")
	l.clock.Advance(5 * time.Minute)

	st, _ := l.GetStatus(ctx, id)
	if st.State != StateExpired {
		t.Fatalf("expected expired at the window, got %s", st.State)
	}
	if st.RequesterState() != StateDenied {
		t.Errorf("requester should see an unanswered request as denied, got %s", st.RequesterState())
	}
	if r, _ := l.ListPendingFor(ctx, "P-2026-047"); r != nil {
		t.Errorf("expected no pending request past the window, got %+v", r)
	}
	if err := l.Decide(ctx, id, DecisionApproved, bundle); !errors.Is(err, ErrExpiredRequest) {
		t.Errorf("expected ErrExpiredRequest before sweep, got %v", err)
	}

	res, _ := l.Sweep(ctx)
	if res.ExpiredPending != 1 {
		t.Errorf("expected one expired pending request, got %+v", res)
	}
	res, _ = l.Sweep(ctx)
	if res != (SweepResult{}) {
		t.Errorf("second sweep should be a no-op, got %+v", res)
	}
	if err := l.Decide(ctx, id, DecisionApproved, bundle); !errors.Is(err, ErrExpiredRequest) {
		t.Errorf("expected ErrExpiredRequest after sweep, got %v", err)
	}
	if n := l.payloadCount(); n != 0 {
		t.Errorf("expected no payload stored, got %d", n)
	}
}

func TestLedger_ConcurrentDecide(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	id, _ := l.Create(ctx, "dr@example.com", "P-2026-047", "")

	const n = 32
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				errs <- l.Decide(ctx, id, DecisionApproved, bundle)
			} else {
				errs <- l.Decide(ctx, id, DecisionDenied, nil)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyDecided):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one decision to win, got %d", wins)
	}

	r, _ := l.Get(ctx, id)
	if (r.State == StateApproved) != (r.GrantExpiresAt != nil) {
		t.Errorf("grantExpiresAt must be set iff approved: %+v", r)
	}
	want := 0
	if r.State == StateApproved {
		want = 1
	}
	if got := l.payloadCount(); got != want {
		t.Errorf("expected %d stored payloads, got %d", want, got)
	}
}

func TestLedger_Revoke(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	id, _ := l.Create(ctx, "dr@example.com", "P-2026-047", "")
	if err := l.Revoke(ctx, id, "P-2026-047"); !errors.Is(err, ErrNotGranted) {
		t.Errorf("expected ErrNotGranted for pending request, got %v", err)
	}
	if err := l.Decide(ctx, id, DecisionApproved, bundle); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.Revoke(ctx, id, "P-2026-999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for another patient, got %v", err)
	}
	if err := l.Revoke(ctx, id, "P-2026-047"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	st, _ := l.GetStatus(ctx, id)
	if st.State != StateExpired || st.Payload != nil {
		t.Errorf("expected revoked grant to read as expired, got %+v", st)
	}
	r, _ := l.Get(ctx, id)
	if r.RevokedAt == nil || r.GrantExpiresAt != nil {
		t.Errorf("unexpected revoked record %+v", r)
	}
	if n := l.payloadCount(); n != 0 {
		t.Errorf("expected payload deleted on revoke, %d remain", n)
	}
	if err := l.Revoke(ctx, id, "P-2026-047"); !errors.Is(err, ErrNotGranted) {
		t.Errorf("expected ErrNotGranted on second revoke, got %v", err)
	}
	if err := l.Decide(ctx, id, DecisionApproved, bundle); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("revocation must not reopen the decision, got %v", err)
	}
	if ok, err := l.ExpireGrant(ctx, id); ok || err != nil {
		t.Errorf("ExpireGrant after revoke should be a no-op, got %v, %v", ok, err)
	}
}

func TestLedger_ListPendingFor(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	first, _ := l.Create(ctx, "a@example.com", "P-2026-047", "")
	l.clock.Advance(time.Second)
	l.Create(ctx, "b@example.com", "P-2026-047", "")
	l.Create(ctx, "c@example.com", "P-2026-100", "")

	r, err := l.ListPendingFor(ctx, "P-2026-047")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r == nil || r.RequestID != first {
		t.Errorf("expected oldest request %s, got %+v", first, r)
	}
	if r, _ := l.ListPendingFor(ctx, "P-2026-555"); r != nil {
		t.Errorf("expected nil for patient with no requests, got %+v", r)
	}
	if _, err := l.ListPendingFor(ctx, "bogus"); !errors.Is(err, ErrInvalidPatient) {
		t.Errorf("expected ErrInvalidPatient, got %v", err)
	}

	l.Decide(ctx, first, DecisionDenied, nil)
	r, _ = l.ListPendingFor(ctx, "P-2026-047")
	if r == nil || r.DoctorIdentity != "b@example.com" {
		t.Errorf("expected the next pending request, got %+v", r)
	}
}

func TestLedger_SweepPurgesAfterRetention(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	denied, _ := l.Create(ctx, "dr@example.com", "P-2026-047", "")
	l.Decide(ctx, denied, DecisionDenied, nil)
	approved, _ := l.Create(ctx, "dr@example.com", "P-2026-047", "")
	l.Decide(ctx, approved, DecisionApproved, bundle)

	l.clock.Advance(DefaultConfig().Retention + time.Second)
	res, err := l.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.ExpiredGrants != 1 {
		t.Errorf("expected the grant to expire first, got %+v", res)
	}
	if res.Purged != 1 {
		t.Errorf("expected only the old denial to be purged, got %+v", res)
	}
	if _, err := l.Get(ctx, denied); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected denied request purged, got %v", err)
	}

	l.clock.Advance(DefaultConfig().Retention + time.Second)
	res, _ = l.Sweep(ctx)
	if res.Purged != 1 {
		t.Errorf("expected expired grant purged, got %+v", res)
	}
	items, total, _ := l.History(ctx, "P-2026-047", 10, 0)
	if total != 0 || len(items) != 0 {
		t.Errorf("expected empty history, got %d", total)
	}
}

func TestLedger_History(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	old, _ := l.Create(ctx, "a@example.com", "P-2026-047", "")
	l.clock.Advance(time.Minute)
	recent, _ := l.Create(ctx, "b@example.com", "P-2026-047", "")
	l.Decide(ctx, recent, DecisionApproved, bundle)
	l.clock.Advance(5 * time.Minute)

	items, total, err := l.History(ctx, "P-2026-047", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 requests, got %d/%d", len(items), total)
	}
	if items[0].RequestID != recent || items[1].RequestID != old {
		t.Errorf("expected newest first")
	}
	if items[0].State != StateApproved || items[1].State != StateExpired {
		t.Errorf("unexpected states %s, %s", items[0].State, items[1].State)
	}
}

func TestLedger_Events(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	var mu sync.Mutex
	var kinds []EventKind
	l.Subscribe(func(_ context.Context, ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	a, _ := l.Create(ctx, "dr@example.com", "P-2026-047", "")
	l.Decide(ctx, a, DecisionApproved, bundle)
	l.Revoke(ctx, a, "P-2026-047")
	b, _ := l.Create(ctx, "dr@example.com", "P-2026-047", "")
	l.Decide(ctx, b, DecisionDenied, nil)
	l.Create(ctx, "dr@example.com", "P-2026-047", "")
	l.clock.Advance(10 * time.Minute)
	l.Sweep(ctx)

	want := []EventKind{EventCreated, EventApproved, EventRevoked, EventCreated, EventDenied, EventCreated, EventExpired}
	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
}

func TestLedger_ApproveRollsBackPayloadOnLostRace(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	id, _ := l.Create(ctx, "dr@example.com", "P-2026-047", "")

	// Deny inside the transaction so the approval's swap fails.
	l.inTx = func(ctx context.Context, fn func(context.Context) error) error {
		cur, _ := l.store.Get(ctx, id)
		next := cur.clone()
		next.State = StateDenied
		now := l.clock.Now()
		next.DecidedAt = &now
		l.store.CompareAndSwap(ctx, StatePending, next)
		return fn(ctx)
	}
	if err := l.Decide(ctx, id, DecisionApproved, bundle); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
	if n := l.payloadCount(); n != 0 {
		t.Errorf("expected orphaned payload removed, %d remain", n)
	}
	if n := l.CachedPayloads(); n != 0 {
		t.Errorf("expected nothing cached, got %d", n)
	}
}

func TestLedger_ActiveGrant(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.ActiveGrant(ctx, "dr@example.com", "P-2026-047"); !errors.Is(err, ErrNotGranted) {
		t.Fatalf("expected ErrNotGranted, got %v", err)
	}
	id, _ := l.Create(ctx, "Dr@Example.com", "P-2026-047", "")
	l.Decide(ctx, id, DecisionApproved, bundle)

	r, err := l.ActiveGrant(ctx, "dr@example.com", "P-2026-047")
	if err != nil || r.RequestID != id {
		t.Fatalf("expected grant %s, got %+v (%v)", id, r, err)
	}
	if _, err := l.ActiveGrant(ctx, "dr@example.com", "P-2026-100"); !errors.Is(err, ErrNotGranted) {
		t.Errorf("grant must not cover another patient, got %v", err)
	}
	if _, err := l.ActiveGrant(ctx, "other@example.com", "P-2026-047"); !errors.Is(err, ErrNotGranted) {
		t.Errorf("grant must not cover another doctor, got %v", err)
	}

	l.clock.Advance(15 * time.Minute)
	if _, err := l.ActiveGrant(ctx, "dr@example.com", "P-2026-047"); !errors.Is(err, ErrNotGranted) {
		t.Errorf("expected no grant once it ends, even before a sweep, got %v", err)
	}
}

type fakeCredentials struct {
	verified map[string]bool
	err      error
}

func (f fakeCredentials) IsVerified(_ context.Context, identity string) (bool, error) {
	return f.verified[identity], f.err
}

func TestLedger_Create_RequiresVerifiedDoctor(t *testing.T) {
	creds := fakeCredentials{verified: map[string]bool{"dr.chen@example.com": true}}
	l := NewLedger(NewMemoryStore(), NewMemoryPayloadStore(), encryption.NopEncryptor{}, DefaultConfig(), zerolog.Nop(),
		WithCredentialCheck(creds))
	ctx := context.Background()

	if _, err := l.Create(ctx, "dr.chen@example.com", "P-2026-047", "follow-up"); err != nil {
		t.Fatalf("verified doctor: %v", err)
	}
	if _, err := l.Create(ctx, "dr.new@example.com", "P-2026-047", "follow-up"); !errors.Is(err, ErrDoctorNotVerified) {
		t.Fatalf("expected ErrDoctorNotVerified, got %v", err)
	}
	_, total, err := l.History(ctx, "P-2026-047", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("refused request was stored: %d requests", total)
	}

	// Input errors are reported before the registry is consulted.
	if _, err := l.Create(ctx, "dr.new@example.com", "47", ""); !errors.Is(err, ErrInvalidPatient) {
		t.Errorf("expected ErrInvalidPatient, got %v", err)
	}
}

func TestLedger_Create_CredentialLookupFailure(t *testing.T) {
	boom := errors.New("registry down")
	l := NewLedger(NewMemoryStore(), NewMemoryPayloadStore(), encryption.NopEncryptor{}, DefaultConfig(), zerolog.Nop(),
		WithCredentialCheck(fakeCredentials{err: boom}))
	_, err := l.Create(context.Background(), "dr.chen@example.com", "P-2026-047", "")
	if !errors.Is(err, boom) || errors.Is(err, ErrDoctorNotVerified) {
		t.Errorf("expected the lookup error, got %v", err)
	}
}
