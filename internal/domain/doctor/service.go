package doctor

import (
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

	"github.com/medvault/medvault/internal/domain/patient"
	"github.com/medvault/medvault/internal/platform/encryption"
	"github.com/medvault/medvault/internal/platform/notification"
)

const (
	maxFullName    = 255
	maxSpecialty   = 128
	maxExperience  = 70
	maxReviewNote  = 2000
	maxCredentialN = 255
)

// Mailer tells a doctor how their application was reviewed.
type Mailer interface {
	SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*notification.Notification, error)
}

type Service struct {
	repo   Repository
	enc    encryption.Encryptor
	mailer Mailer
	logger zerolog.Logger
	nowFn  func() time.Time
}

// NewService builds the onboarding service. mailer may be nil.
func NewService(repo Repository, enc encryption.Encryptor, mailer Mailer, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		enc:    enc,
		mailer: mailer,
		logger: logger,
		nowFn:  time.Now,
	}
}

func (a *Application) normalize() error {
	a.FullName = strings.TrimSpace(a.FullName)
	a.Specialty = strings.TrimSpace(a.Specialty)
	a.LicenseID = strings.ToUpper(strings.TrimSpace(a.LicenseID))
	switch {
	case a.FullName == "":
		return fmt.Errorf("%w: full name is required", ErrValidation)
	case len(a.FullName) > maxFullName:
		return fmt.Errorf("%w: full name too long", ErrValidation)
	case a.Specialty == "":
		return fmt.Errorf("%w: specialty is required", ErrValidation)
	case len(a.Specialty) > maxSpecialty:
		return fmt.Errorf("%w: specialty too long", ErrValidation)
	case a.ExperienceYears < 0 || a.ExperienceYears > maxExperience:
		return fmt.Errorf("%w: experience must be between 0 and %d years", ErrValidation, maxExperience)
	case !LicensePattern.MatchString(a.LicenseID):
		return fmt.Errorf("%w: licence id must look like MED-78451", ErrValidation)
	}
	return nil
}

// Apply submits or amends the application of userID. A new or rejected
// application becomes pending; a verified doctor cannot re-apply.
func (s *Service) Apply(ctx context.Context, userID, email string, app Application) (*Doctor, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	email, err := patient.NormalizeEmail(email)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := app.normalize(); err != nil {
		return nil, err
	}

	d, err := s.repo.GetByUserID(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		d = &Doctor{
			UserID:          userID,
			Email:           email,
			FullName:        app.FullName,
			Specialty:       app.Specialty,
			ExperienceYears: app.ExperienceYears,
			LicenseID:       app.LicenseID,
			Status:          StatusPending,
		}
		if err := s.repo.Create(ctx, d); err != nil {
			return nil, err
		}
		s.logger.Info().
			Str("doctor_id", d.ID.String()).
			Str("license_id", d.LicenseID).
			Msg("doctor application submitted")
		return d, nil
	case err != nil:
		return nil, fmt.Errorf("lookup doctor: %w", err)
	case d.Status == StatusVerified:
		return nil, ErrAlreadyVerified
	}

	d.FullName = app.FullName
	d.Specialty = app.Specialty
	d.ExperienceYears = app.ExperienceYears
	d.LicenseID = app.LicenseID
	if err := s.repo.UpdateApplication(ctx, d); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("doctor_id", d.ID.String()).
		Str("license_id", d.LicenseID).
		Msg("doctor application amended")
	return d, nil
}

func (s *Service) Me(ctx context.Context, userID string) (*Doctor, error) {
	return s.repo.GetByUserID(ctx, userID)
}

func (s *Service) Get(ctx context.Context, id string) (*Doctor, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.repo.GetByID(ctx, uid)
}

func (s *Service) List(ctx context.Context, status Status, limit, offset int) ([]*Doctor, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	return s.repo.List(ctx, status, limit, offset)
}

// UploadCredential stores the licence document of userID's pending
// application, replacing any earlier upload.
func (s *Service) UploadCredential(ctx context.Context, userID, name, contentType string, content []byte) (*Credential, error) {
	d, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusVerified {
		return nil, ErrAlreadyVerified
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || !CredentialTypes[mt] {
		return nil, ErrContentType
	}
	if len(content) == 0 {
		return nil, ErrEmptyCredential
	}
	if len(content) > MaxCredentialSize {
		return nil, ErrTooLarge
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "licence"
	}
	if len(name) > maxCredentialN {
		name = name[:maxCredentialN]
	}

	ciphertext, err := s.enc.Encrypt(content)
	if err != nil {
		return nil, fmt.Errorf("encrypt credential: %w", err)
	}
	sum := sha256.Sum256(content)
	c := &Credential{
		Name:        name,
		ContentType: mt,
		Hash:        hex.EncodeToString(sum[:]),
		Size:        int64(len(content)),
		UploadedAt:  s.nowFn().UTC(),
		Ciphertext:  ciphertext,
	}
	if err := s.repo.PutCredential(ctx, d.ID, c); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("doctor_id", d.ID.String()).
		Str("sha256", c.Hash).
		Msg("doctor credential uploaded")
	c.Ciphertext = nil
	return c, nil
}

// Credential returns the decrypted licence document of doctor id.
func (s *Service) Credential(ctx context.Context, id string) (*Credential, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := s.repo.GetCredential(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	plain, err := s.enc.Decrypt(c.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}
	c.Content, c.Ciphertext = plain, nil
	return c, nil
}

// Review moves doctor id to status on behalf of reviewer. Verifying needs a
// credential on file; rejecting a verified doctor suspends them.
func (s *Service) Review(ctx context.Context, id string, status Status, note, reviewer string) (*Doctor, error) {
	note = strings.TrimSpace(note)
	if len(note) > maxReviewNote {
		return nil, fmt.Errorf("%w: note too long", ErrValidation)
	}
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canReview(d.Status, status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrNotReviewable, d.Status, status)
	}
	if status == StatusVerified && !d.HasCredential {
		return nil, ErrNoCredential
	}

	from := d.Status
	d, err = s.repo.SetStatus(ctx, d.ID, from, Review{
		Status:   status,
		Note:     note,
		Reviewer: reviewer,
		At:       s.nowFn().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("doctor_id", d.ID.String()).
		Str("from", string(from)).
		Str("to", string(status)).
		Str("reviewer", reviewer).
		Msg("doctor application reviewed")
	s.notify(ctx, d)
	return d, nil
}

func (s *Service) notify(ctx context.Context, d *Doctor) {
	if s.mailer == nil {
		return
	}
	data := map[string]string{
		"name":        d.FullName,
		"license_id":  d.LicenseID,
		"status":      string(d.Status),
		"note":        d.ReviewNote,
		"reviewed_at": d.ReviewedAt.Format(time.RFC3339),
	}
	if _, err := s.mailer.SendFromTemplate(ctx, notification.TemplateDoctorReview, data, d.Email); err != nil {
		s.logger.Warn().Err(err).Str("doctor_id", d.ID.String()).Msg("review notice not delivered")
	}
}

// IsVerified reports whether identity names a verified doctor. identity is
// an email address, a user id or a licence id; unknown identities are not
// verified.
func (s *Service) IsVerified(ctx context.Context, identity string) (bool, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return false, nil
	}
	lookups := []func() (*Doctor, error){
		func() (*Doctor, error) { return s.repo.GetByUserID(ctx, identity) },
		func() (*Doctor, error) { return s.repo.GetByLicense(ctx, strings.ToUpper(identity)) },
	}
	if strings.Contains(identity, "@") {
		lookups = []func() (*Doctor, error){
			func() (*Doctor, error) { return s.repo.GetByEmail(ctx, strings.ToLower(identity)) },
		}
	}
	for _, lookup := range lookups {
		d, err := lookup()
		switch {
		case err == nil:
			return d.Status == StatusVerified, nil
		case !errors.Is(err, ErrNotFound):
			return false, err
		}
	}
	return false, nil
}

// Counts returns how many applications sit in each status.
func (s *Service) Counts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, 3)
	for _, st := range []Status{StatusPending, StatusVerified, StatusRejected} {
		_, n, err := s.repo.List(ctx, st, 1, 0)
		if err != nil {
			return nil, err
		}
		out[string(st)] = n
	}
	return out, nil
}
