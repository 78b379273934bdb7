package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/domain/access"
	"github.com/medvault/medvault/internal/domain/patient"
	"github.com/medvault/medvault/internal/platform/audit"
	"github.com/medvault/medvault/internal/platform/encryption"
	"github.com/medvault/medvault/internal/platform/summarizer"
)

// Grants reports whether a doctor currently holds an approved grant.
type Grants interface {
	ActiveGrant(ctx context.Context, doctorIdentity, patientID string) (*access.AccessRequest, error)
}

// Directory supplies the emergency dataset.
type Directory interface {
	LifePacket(ctx context.Context, patientID string) (patient.LifePacket, error)
}

const (
	defaultEmergencyReason = "Emergency Override - Life Packet"
	maxLifePacketDocs      = 20
)

type Service struct {
	repo   Repository
	enc    encryption.Encryptor
	grants Grants
	dir    Directory
	creds  access.Credentials
	sink   audit.Sink
	summ   summarizer.Summarizer
	logger zerolog.Logger
	nowFn  func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCredentials makes the doctor-facing paths refuse doctors creds does
// not report as verified.
func WithCredentials(creds access.Credentials) Option {
	return func(s *Service) { s.creds = creds }
}

func NewService(repo Repository, enc encryption.Encryptor, grants Grants, dir Directory, sink audit.Sink, summ summarizer.Summarizer, logger zerolog.Logger, opts ...Option) *Service {
	if sink == nil {
		sink = audit.NopSink{}
	}
	s := &Service{
		repo:   repo,
		enc:    enc,
		grants: grants,
		dir:    dir,
		sink:   sink,
		summ:   summ,
		logger: logger,
		nowFn:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// verified returns access.ErrDoctorNotVerified unless doctor has been
// verified. Without a credential registry every doctor passes.
func (s *Service) verified(ctx context.Context, doctor string) error {
	if s.creds == nil {
		return nil
	}
	ok, err := s.creds.IsVerified(ctx, doctor)
	if err != nil {
		return fmt.Errorf("check doctor credentials: %w", err)
	}
	if !ok {
		s.logger.Warn().Str("doctor", doctor).Msg("unverified doctor refused")
		return access.ErrDoctorNotVerified
	}
	return nil
}

// RecordHash is the identifier doctors use to ask for a document.
func RecordHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func normalizeContentType(ct string) (string, error) {
	if ct == "" {
		return "", ErrInvalidContentType
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || !AllowedContentTypes[mt] {
		return "", ErrInvalidContentType
	}
	return mt, nil
}

// Store encrypts content and files it under patientID.
func (s *Service) Store(ctx context.Context, patientID, name, contentType string, tier Tier, content []byte) (*Document, error) {
	if !patient.ValidID(patientID) {
		return nil, ErrInvalidPatient
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrMissingName
	}
	if tier == "" {
		tier = TierVault
	}
	if !tier.Valid() {
		return nil, ErrInvalidTier
	}
	ct, err := normalizeContentType(contentType)
	if err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, ErrEmptyDocument
	}
	if len(content) > MaxDocumentSize {
		return nil, ErrTooLarge
	}

	ciphertext, err := s.enc.Encrypt(content)
	if err != nil {
		return nil, fmt.Errorf("encrypt document: %w", err)
	}
	d := &Document{
		ID:          uuid.New(),
		PatientID:   patientID,
		Name:        name,
		ContentType: ct,
		Tier:        tier,
		RecordHash:  RecordHash(content),
		Size:        int64(len(content)),
		CreatedAt:   s.nowFn().UTC(),
		Ciphertext:  ciphertext,
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("patient_id", patientID).
		Str("document_id", d.ID.String()).
		Str("tier", string(tier)).
		Msg("vault document stored")
	d.Ciphertext = nil
	return d, nil
}

func (s *Service) List(ctx context.Context, patientID string, tier Tier, limit, offset int) ([]*Document, int, error) {
	if !patient.ValidID(patientID) {
		return nil, 0, ErrInvalidPatient
	}
	if tier != "" && !tier.Valid() {
		return nil, 0, ErrInvalidTier
	}
	return s.repo.ListByPatient(ctx, patientID, tier, limit, offset)
}

func (s *Service) open(d *Document) ([]byte, error) {
	plain, err := s.enc.Decrypt(d.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if RecordHash(plain) != d.RecordHash {
		return nil, ErrIntegrity
	}
	return plain, nil
}

// record writes an audit entry. A failing sink never blocks access.
func (s *Service) record(ctx context.Context, e audit.Entry) *audit.Receipt {
	e.At = s.nowFn().UTC()
	rcpt, err := s.sink.Record(ctx, e)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("action", e.Action).
			Str("patient_id", e.PatientID).
			Msg("audit record failed; access continues")
		return nil
	}
	return &rcpt
}

// Gatekeeper releases the document identified by recordHash to doctor, who
// must hold a live grant on its patient and state why they need it.
func (s *Service) Gatekeeper(ctx context.Context, doctor, recordHash, reason string) (*Unlocked, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) < MinReasonLength {
		return nil, ErrReasonTooShort
	}
	recordHash = strings.ToLower(strings.TrimSpace(recordHash))
	if _, err := hex.DecodeString(recordHash); err != nil || len(recordHash) != sha256.Size*2 {
		return nil, ErrNotFound
	}
	if err := s.verified(ctx, doctor); err != nil {
		return nil, err
	}

	docs, err := s.repo.FindByHash(ctx, recordHash)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}

	var doc *Document
	for _, d := range docs {
		_, err := s.grants.ActiveGrant(ctx, doctor, d.PatientID)
		if err == nil {
			doc = d
			break
		}
		if !errors.Is(err, access.ErrNotGranted) {
			return nil, err
		}
	}
	if doc == nil {
		return nil, ErrNoGrant
	}

	rcpt := s.record(ctx, audit.Entry{
		Actor:      doctor,
		PatientID:  doc.PatientID,
		Action:     audit.ActionGatekeeper,
		Reason:     reason,
		RecordHash: recordHash,
	})
	plain, err := s.open(doc)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("doctor", doctor).
		Str("patient_id", doc.PatientID).
		Str("document_id", doc.ID.String()).
		Msg("gatekeeper released document")
	doc.Ciphertext = nil
	return &Unlocked{Document: doc, Content: plain, Receipt: rcpt}, nil
}

// EmergencyOverride is the break-glass path: no grant is needed, but the
// doctor must accept legal responsibility and only the Life Packet is
// released.
func (s *Service) EmergencyOverride(ctx context.Context, doctor, patientID, reason string, legalAck bool) (*EmergencyAccess, error) {
	if !patient.ValidID(patientID) {
		return nil, ErrInvalidPatient
	}
	if !legalAck {
		return nil, ErrLegalAck
	}
	if err := s.verified(ctx, doctor); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultEmergencyReason
	}

	packet, err := s.dir.LifePacket(ctx, patientID)
	if errors.Is(err, patient.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rcpt := s.record(ctx, audit.Entry{
		Actor:      doctor,
		PatientID:  patientID,
		Action:     audit.ActionEmergency,
		Reason:     reason,
		RecordHash: "EMERGENCY_" + patientID,
	})
	s.logger.Warn().
		Str("doctor", doctor).
		Str("patient_id", patientID).
		Msg("emergency override invoked")

	metas, _, err := s.repo.ListByPatient(ctx, patientID, TierLifePacket, maxLifePacketDocs, 0)
	if err != nil {
		return nil, err
	}
	out := &EmergencyAccess{LifePacket: packet, Documents: []Unlocked{}, Receipt: rcpt}
	for _, m := range metas {
		d, err := s.repo.Get(ctx, m.ID.String())
		if err != nil {
			return nil, err
		}
		plain, err := s.open(d)
		if err != nil {
			s.logger.Error().Err(err).Str("document_id", m.ID.String()).Msg("life packet document unreadable")
			continue
		}
		d.Ciphertext = nil
		out.Documents = append(out.Documents, Unlocked{Document: d, Content: plain})
	}
	return out, nil
}

// Summarize condenses clinical notes. patientID is optional and only used
// for logging.
func (s *Service) Summarize(ctx context.Context, patientID, text string) (summarizer.Summary, error) {
	if patientID != "" && !patient.ValidID(patientID) {
		return summarizer.Summary{}, ErrInvalidPatient
	}
	sum, err := s.summ.Summarize(ctx, text)
	if err != nil {
		return summarizer.Summary{}, err
	}
	s.logger.Debug().
		Str("patient_id", patientID).
		Str("model", sum.Model).
		Int("input_chars", len(text)).
		Msg("clinical notes summarised")
	return sum, nil
}

// looksLikeText reports whether content is safe to feed the summariser.
func looksLikeText(contentType string, content []byte) bool {
	return strings.HasPrefix(contentType, "text/") && !bytes.ContainsRune(content, 0)
}

// SummarizeDocument unlocks a text document through the gatekeeper and
// summarises it. The unlock is audited like any other.
func (s *Service) SummarizeDocument(ctx context.Context, doctor, recordHash, reason string) (summarizer.Summary, error) {
	u, err := s.Gatekeeper(ctx, doctor, recordHash, reason)
	if err != nil {
		return summarizer.Summary{}, err
	}
	if !looksLikeText(u.Document.ContentType, u.Content) {
		return summarizer.Summary{}, ErrInvalidContentType
	}
	return s.Summarize(ctx, u.Document.PatientID, string(u.Content))
}
