package vault

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/domain/access"
	"github.com/medvault/medvault/internal/domain/patient"
	"github.com/medvault/medvault/internal/platform/audit"
	"github.com/medvault/medvault/internal/platform/encryption"
	"github.com/medvault/medvault/internal/platform/summarizer"
)

type fakeGrants map[string]bool

func (g fakeGrants) ActiveGrant(_ context.Context, doctor, patientID string) (*access.AccessRequest, error) {
	if !g[doctor+"|"+patientID] {
		return nil, access.ErrNotGranted
	}
	return &access.AccessRequest{DoctorIdentity: doctor, PatientID: patientID, State: access.StateApproved}, nil
}

type fakeDirectory map[string]patient.LifePacket

func (d fakeDirectory) LifePacket(_ context.Context, pid string) (patient.LifePacket, error) {
	p, ok := d[pid]
	if !ok {
		return patient.LifePacket{}, patient.ErrNotFound
	}
	return p, nil
}

type failingSink struct{}

func (failingSink) Record(context.Context, audit.Entry) (audit.Receipt, error) {
	return audit.Receipt{}, errors.New("ledger offline")
}

type fixture struct {
	svc    *Service
	repo   Repository
	grants fakeGrants
	sink   *audit.MemorySink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := encryption.NewRandomKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	enc, err := encryption.NewAESEncryptor(key, encryption.PurposeVault)
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	f := &fixture{
		repo:   NewMemoryRepo(),
		grants: fakeGrants{},
		sink:   audit.NewMemorySink(),
	}
	dir := fakeDirectory{"P-2026-047": {PatientID: "P-2026-047", FullName: "Asha Rao", BloodType: "O+", Allergies: "penicillin"}}
	f.svc = NewService(f.repo, enc, f.grants, dir, f.sink, summarizer.NewExtractive(1), zerolog.Nop())
	return f
}

var labReport = []byte("Hemoglobin 13.2 g/dL. Platelets normal.")

func TestStore_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		pid         string
		docName     string
		contentType string
		tier        Tier
		content     []byte
		want        error
	}{
		{"bad patient", "47", "a.txt", "text/plain", TierVault, labReport, ErrInvalidPatient},
		{"no name", "P-2026-047", " ", "text/plain", TierVault, labReport, ErrMissingName},
		{"bad tier", "P-2026-047", "a.txt", "text/plain", Tier("secret"), labReport, ErrInvalidTier},
		{"bad type", "P-2026-047", "a.exe", "application/x-msdownload", TierVault, labReport, ErrInvalidContentType},
		{"empty", "P-2026-047", "a.txt", "text/plain", TierVault, nil, ErrEmptyDocument},
		{"too large", "P-2026-047", "a.txt", "text/plain", TierVault, make([]byte, MaxDocumentSize+1), ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Store(ctx, tt.pid, tt.docName, tt.contentType, tt.tier, tt.content); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestStore_EncryptsAndHashes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.svc.Store(ctx, "P-2026-047", "labs.txt", "text/plain; charset=utf-8", "", labReport)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if doc.Tier != TierVault || doc.ContentType != "text/plain" {
		t.Errorf("unexpected defaults: %+v", doc)
	}
	if doc.RecordHash != RecordHash(labReport) || len(doc.RecordHash) != 64 {
		t.Errorf("unexpected record hash %q", doc.RecordHash)
	}
	if doc.Ciphertext != nil {
		t.Error("ciphertext must not be returned to callers")
	}

	stored, _ := f.repo.Get(ctx, doc.ID.String())
	if strings.Contains(string(stored.Ciphertext), "Hemoglobin") {
		t.Error("document stored in plaintext")
	}

	if _, err := f.svc.Store(ctx, "P-2026-047", "again.txt", "text/plain", TierVault, labReport); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	// The same file may be filed by a different patient.
	if _, err := f.svc.Store(ctx, "P-2026-100", "labs.txt", "text/plain", TierVault, labReport); err != nil {
		t.Errorf("unexpected error for second patient: %v", err)
	}
}

func TestGatekeeper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, _ := f.svc.Store(ctx, "P-2026-047", "labs.txt", "text/plain", TierVault, labReport)

	if _, err := f.svc.Gatekeeper(ctx, "dr@example.com", doc.RecordHash, "labs"); !errors.Is(err, ErrReasonTooShort) {
		t.Errorf("expected ErrReasonTooShort, got %v", err)
	}
	if _, err := f.svc.Gatekeeper(ctx, "dr@example.com", "not-a-hash", "checking labs"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for malformed hash, got %v", err)
	}
	if _, err := f.svc.Gatekeeper(ctx, "dr@example.com", RecordHash([]byte("other")), "checking labs"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown hash, got %v", err)
	}
	if _, err := f.svc.Gatekeeper(ctx, "dr@example.com", doc.RecordHash, "checking labs"); !errors.Is(err, ErrNoGrant) {
		t.Errorf("expected ErrNoGrant without approval, got %v", err)
	}
	if n := len(f.sink.Entries()); n != 0 {
		t.Errorf("denied unlocks must not be audited as access, got %d entries", n)
	}

	f.grants["dr@example.com|P-2026-047"] = true
	u, err := f.svc.Gatekeeper(ctx, "dr@example.com", strings.ToUpper(doc.RecordHash), " checking labs ")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if string(u.Content) != string(labReport) {
		t.Errorf("unexpected content %q", u.Content)
	}
	if u.Receipt == nil || u.Receipt.Backend != "memory" {
		t.Errorf("expected memory receipt, got %+v", u.Receipt)
	}
	entries := f.sink.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Action != audit.ActionGatekeeper || e.Reason != "checking labs" || e.RecordHash != doc.RecordHash || e.PatientID != "P-2026-047" {
		t.Errorf("unexpected audit entry %+v", e)
	}
}

func TestGatekeeper_PicksGrantedPatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.Store(ctx, "P-2026-047", "labs.txt", "text/plain", TierVault, labReport)
	f.svc.Store(ctx, "P-2026-100", "labs.txt", "text/plain", TierVault, labReport)
	f.grants["dr@example.com|P-2026-100"] = true

	u, err := f.svc.Gatekeeper(ctx, "dr@example.com", RecordHash(labReport), "checking labs")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if u.Document.PatientID != "P-2026-100" {
		t.Errorf("expected the granted patient's copy, got %s", u.Document.PatientID)
	}
}

func TestGatekeeper_AuditFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	f.svc.sink = failingSink{}
	ctx := context.Background()
	doc, _ := f.svc.Store(ctx, "P-2026-047", "labs.txt", "text/plain", TierVault, labReport)
	f.grants["dr@example.com|P-2026-047"] = true

	u, err := f.svc.Gatekeeper(ctx, "dr@example.com", doc.RecordHash, "checking labs")
	if err != nil {
		t.Fatalf("expected access despite audit failure, got %v", err)
	}
	if u.Receipt != nil {
		t.Errorf("expected no receipt, got %+v", u.Receipt)
	}
}

func TestGatekeeper_Integrity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, _ := f.svc.Store(ctx, "P-2026-047", "labs.txt", "text/plain", TierVault, labReport)
	f.grants["dr@example.com|P-2026-047"] = true

	m := f.repo.(*memoryRepo)
	m.mu.Lock()
	ct := m.docs[doc.ID.String()].Ciphertext
	ct[len(ct)-1] ^= 0xff
	m.mu.Unlock()

	if _, err := f.svc.Gatekeeper(ctx, "dr@example.com", doc.RecordHash, "checking labs"); !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
}

func TestEmergencyOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.Store(ctx, "P-2026-047", "allergy-card.txt", "text/plain", TierLifePacket, []byte("Severe penicillin allergy."))
	f.svc.Store(ctx, "P-2026-047", "psych.txt", "text/plain", TierVault, []byte("Confidential notes."))

	if _, err := f.svc.EmergencyOverride(ctx, "dr@example.com", "P-2026-047", "", false); !errors.Is(err, ErrLegalAck) {
		t.Errorf("expected ErrLegalAck, got %v", err)
	}
	if _, err := f.svc.EmergencyOverride(ctx, "dr@example.com", "nope", "", true); !errors.Is(err, ErrInvalidPatient) {
		t.Errorf("expected ErrInvalidPatient, got %v", err)
	}
	if _, err := f.svc.EmergencyOverride(ctx, "dr@example.com", "P-2026-999", "", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	out, err := f.svc.EmergencyOverride(ctx, "dr@example.com", "P-2026-047", "", true)
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if out.LifePacket.BloodType != "O+" || out.LifePacket.Allergies != "penicillin" {
		t.Errorf("unexpected life packet %+v", out.LifePacket)
	}
	if len(out.Documents) != 1 || out.Documents[0].Document.Tier != TierLifePacket {
		t.Fatalf("expected only the life packet document, got %+v", out.Documents)
	}

	entries := f.sink.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Action != audit.ActionEmergency || e.RecordHash != "EMERGENCY_P-2026-047" || e.Reason != defaultEmergencyReason {
		t.Errorf("unexpected audit entry %+v", e)
	}
}

func TestEmergencyOverride_AuditFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	f.svc.sink = failingSink{}
	out, err := f.svc.EmergencyOverride(context.Background(), "dr@example.com", "P-2026-047", "cardiac arrest", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Receipt != nil || out.LifePacket.PatientID != "P-2026-047" {
		t.Errorf("unexpected result %+v", out)
	}
}

func TestSummarize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Summarize(ctx, "bad", "text"); !errors.Is(err, ErrInvalidPatient) {
		t.Errorf("expected ErrInvalidPatient, got %v", err)
	}
	if _, err := f.svc.Summarize(ctx, "", "<p> </p>"); !errors.Is(err, summarizer.ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
	sum, err := f.svc.Summarize(ctx, "P-2026-047", "<b>Chest pain</b> since morning.")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Text != "Chest pain since morning." || sum.Model != "extractive" {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestSummarizeDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, _ := f.svc.Store(ctx, "P-2026-047", "labs.txt", "text/plain", TierVault, labReport)
	img, _ := f.svc.Store(ctx, "P-2026-047", "xray.png", "image/png", TierVault, []byte{0x89, 'P', 'N', 'G', 0})
	f.grants["dr@example.com|P-2026-047"] = true

	sum, err := f.svc.SummarizeDocument(ctx, "dr@example.com", doc.RecordHash, "pre-op review")
	if err != nil {
		t.Fatalf("summarize document: %v", err)
	}
	if sum.Text == "" {
		t.Error("expected a summary")
	}
	if _, err := f.svc.SummarizeDocument(ctx, "dr@example.com", img.RecordHash, "pre-op review"); !errors.Is(err, ErrInvalidContentType) {
		t.Errorf("expected ErrInvalidContentType for an image, got %v", err)
	}
}

type fakeCredentials map[string]bool

func (c fakeCredentials) IsVerified(_ context.Context, doctor string) (bool, error) {
	return c[doctor], nil
}

func TestUnverifiedDoctorRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, _ := f.svc.Store(ctx, "P-2026-047", "life.txt", "text/plain", TierLifePacket, labReport)
	f.grants["dr@example.com|P-2026-047"] = true
	creds := fakeCredentials{}
	WithCredentials(creds)(f.svc)

	if _, err := f.svc.Gatekeeper(ctx, "dr@example.com", doc.RecordHash, "checking labs"); !errors.Is(err, access.ErrDoctorNotVerified) {
		t.Errorf("gatekeeper: expected ErrDoctorNotVerified, got %v", err)
	}
	if _, err := f.svc.EmergencyOverride(ctx, "dr@example.com", "P-2026-047", "", true); !errors.Is(err, access.ErrDoctorNotVerified) {
		t.Errorf("override: expected ErrDoctorNotVerified, got %v", err)
	}
	if _, err := f.svc.SummarizeDocument(ctx, "dr@example.com", doc.RecordHash, "checking labs"); !errors.Is(err, access.ErrDoctorNotVerified) {
		t.Errorf("summarize: expected ErrDoctorNotVerified, got %v", err)
	}
	if n := len(f.sink.Entries()); n != 0 {
		t.Errorf("refused doctors must leave no access entries, got %d", n)
	}

	creds["dr@example.com"] = true
	if _, err := f.svc.Gatekeeper(ctx, "dr@example.com", doc.RecordHash, "checking labs"); err != nil {
		t.Errorf("verified doctor: %v", err)
	}
	if _, err := f.svc.EmergencyOverride(ctx, "dr@example.com", "P-2026-047", "", true); err != nil {
		t.Errorf("verified override: %v", err)
	}
}
