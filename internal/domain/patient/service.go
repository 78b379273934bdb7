package patient

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"
)

const (
	maxFullName     = 255
	maxAllergies    = 4000
	maxContactField = 255
	// idAttempts is how many random suffixes are tried before widening.
	idAttempts = 8
)

type Service struct {
	repo  Repository
	nowFn func() time.Time
	// randIntn returns a uniform integer in [0, n).
	randIntn func(n int64) (int64, error)
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:  repo,
		nowFn: time.Now,
		randIntn: func(n int64) (int64, error) {
			v, err := rand.Int(rand.Reader, big.NewInt(n))
			if err != nil {
				return 0, err
			}
			return v.Int64(), nil
		},
	}
}

// NormalizeEmail lowercases and trims an address, returning ErrValidation
// when it does not parse.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrValidation)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email address", ErrValidation)
	}
	return email, nil
}

// Register creates the patient record for userID, or returns the existing one.
// The boolean reports whether a new record was created.
func (s *Service) Register(ctx context.Context, userID, email, fullName string) (*Patient, bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, false, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, false, err
	}
	fullName = strings.TrimSpace(fullName)
	if len(fullName) > maxFullName {
		return nil, false, fmt.Errorf("%w: full name too long", ErrValidation)
	}

	existing, err := s.repo.GetByUserID(ctx, userID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, fmt.Errorf("lookup user: %w", err)
	}

	year := s.nowFn().Year()
	for attempt := 0; attempt < 2*idAttempts; attempt++ {
		// Three digit suffixes first, then six once the space looks crowded.
		width := 3
		if attempt >= idAttempts {
			width = 6
		}
		pid, err := s.newPatientID(year, width)
		if err != nil {
			return nil, false, err
		}
		p := &Patient{UserID: userID, Email: email, PatientID: pid, FullName: fullName}

		err = s.repo.Create(ctx, p)
		switch {
		case err == nil:
			return p, true, nil
		case errors.Is(err, ErrDuplicatePatientID):
			continue
		case errors.Is(err, ErrDuplicateUser):
			// Lost a race with a concurrent registration of the same user.
			existing, gerr := s.repo.GetByUserID(ctx, userID)
			if gerr != nil {
				return nil, false, fmt.Errorf("lookup user: %w", gerr)
			}
			return existing, false, nil
		default:
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("could not allocate a patient id for %d", year)
}

func (s *Service) newPatientID(year, width int) (string, error) {
	lo := int64(1)
	for i := 1; i < width; i++ {
		lo *= 10
	}
	n, err := s.randIntn(9 * lo)
	if err != nil {
		return "", fmt.Errorf("generate patient id: %w", err)
	}
	return fmt.Sprintf("P-%04d-%d", year, lo+n), nil
}

func (s *Service) GetByPatientID(ctx context.Context, patientID string) (*Patient, error) {
	if !ValidID(patientID) {
		return nil, ErrNotFound
	}
	return s.repo.GetByPatientID(ctx, patientID)
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*Patient, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByEmail(ctx, email)
}

func (s *Service) UpdateProfile(ctx context.Context, patientID string, u ProfileUpdate) (*Patient, error) {
	p, err := s.GetByPatientID(ctx, patientID)
	if err != nil {
		return nil, err
	}

	set := func(dst *string, src *string, max int, field string) error {
		if src == nil {
			return nil
		}
		v := strings.TrimSpace(*src)
		if len(v) > max {
			return fmt.Errorf("%w: %s too long", ErrValidation, field)
		}
		*dst = v
		return nil
	}
	if err := set(&p.FullName, u.FullName, maxFullName, "full_name"); err != nil {
		return nil, err
	}
	if u.BloodType != nil {
		bt := strings.ToUpper(strings.TrimSpace(*u.BloodType))
		if !ValidBloodType(bt) {
			return nil, fmt.Errorf("%w: unknown blood type %q", ErrValidation, *u.BloodType)
		}
		p.BloodType = bt
	}
	if err := set(&p.Allergies, u.Allergies, maxAllergies, "allergies"); err != nil {
		return nil, err
	}
	if err := set(&p.EmergencyContactName, u.EmergencyContactName, maxContactField, "emergency_contact_name"); err != nil {
		return nil, err
	}
	if err := set(&p.EmergencyContactPhone, u.EmergencyContactPhone, maxContactField, "emergency_contact_phone"); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Reachable returns the address used to notify patientID of access requests.
func (s *Service) Reachable(ctx context.Context, patientID string) (string, error) {
	p, err := s.GetByPatientID(ctx, patientID)
	if err != nil {
		return "", err
	}
	if p.Email == "" {
		return "", ErrUnreachable
	}
	return p.Email, nil
}

// LifePacket returns the emergency dataset for patientID.
func (s *Service) LifePacket(ctx context.Context, patientID string) (LifePacket, error) {
	p, err := s.GetByPatientID(ctx, patientID)
	if err != nil {
		return LifePacket{}, err
	}
	return p.LifePacket(), nil
}
