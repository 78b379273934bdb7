// Package otp issues and verifies one-time email login codes.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/medvault/medvault/internal/domain/patient"
	"github.com/medvault/medvault/internal/platform/notification"
	"github.com/medvault/medvault/internal/platform/upstream"
)

var (
	ErrInvalidCode     = errors.New("invalid or expired OTP")
	ErrTooManyAttempts = errors.New("too many failed attempts")
	ErrThrottled       = errors.New("too many codes requested")
)

// Mailer delivers the rendered otp-code template.
type Mailer interface {
	SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*notification.Notification, error)
}

// Directory answers whether an email already belongs to a patient.
type Directory interface {
	GetByEmail(ctx context.Context, email string) (*patient.Patient, error)
}

type Config struct {
	TTL         time.Duration
	MaxAttempts int
	// SendEvery and SendBurst throttle Issue per email address.
	SendEvery time.Duration
	SendBurst int
}

func DefaultConfig() Config {
	return Config{TTL: 5 * time.Minute, MaxAttempts: 5, SendEvery: 30 * time.Second, SendBurst: 3}
}

// VerifyResult mirrors the JSON the login page expects.
type VerifyResult struct {
	Verified     bool   `json:"-"`
	IsNewPatient bool   `json:"isNewPatient"`
	Email        string `json:"email"`
	PatientID    string `json:"patientId,omitempty"`
}

type Service struct {
	store     Store
	mailer    Mailer
	directory Directory
	cfg       Config
	logger    zerolog.Logger
	nowFn     func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewService(store Store, mailer Mailer, directory Directory, cfg Config, logger zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.SendEvery <= 0 {
		cfg.SendEvery = def.SendEvery
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = def.SendBurst
	}
	return &Service{
		store:     store,
		mailer:    mailer,
		directory: directory,
		cfg:       cfg,
		logger:    logger,
		nowFn:     time.Now,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// maxLimiters bounds the throttle table; beyond it the table is reset.
const maxLimiters = 10000

func (s *Service) allow(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[email]
	if !ok {
		if len(s.limiters) >= maxLimiters {
			s.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rate.Every(s.cfg.SendEvery), s.cfg.SendBurst)
		s.limiters[email] = l
	}
	return l.AllowN(s.nowFn(), 1)
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+100000, 10), nil
}

// Issue creates a fresh code for email, replacing any outstanding one, and
// mails it. Delivery failure is returned wrapped as ErrUpstreamUnavailable.
func (s *Service) Issue(ctx context.Context, email string) error {
	email, err := patient.NormalizeEmail(email)
	if err != nil {
		return err
	}
	if !s.allow(email) {
		return ErrThrottled
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("generate otp: %w", err)
	}
	rec := Record{Code: code, ExpiresAt: s.nowFn().Add(s.cfg.TTL)}
	if err := s.store.Put(ctx, email, rec); err != nil {
		return upstream.Wrap("otp store", err)
	}

	data := map[string]string{
		"code":        code,
		"ttl_minutes": strconv.Itoa(int(s.cfg.TTL.Minutes())),
	}
	if _, err := s.mailer.SendFromTemplate(ctx, notification.TemplateOTPCode, data, email); err != nil {
		return upstream.Wrap("mail relay", err)
	}
	s.logger.Info().Str("email", email).Msg("otp issued")
	return nil
}

// Verify checks code for email. A correct code is consumed; each wrong guess
// counts towards MaxAttempts, after which the code is discarded.
func (s *Service) Verify(ctx context.Context, email, code string) (VerifyResult, error) {
	email, err := patient.NormalizeEmail(email)
	if err != nil {
		return VerifyResult{}, err
	}

	rec, err := s.store.Get(ctx, email)
	if errors.Is(err, ErrNoCode) {
		return VerifyResult{}, ErrInvalidCode
	}
	if err != nil {
		return VerifyResult{}, upstream.Wrap("otp store", err)
	}
	if rec.Attempts >= s.cfg.MaxAttempts {
		s.store.Delete(ctx, email)
		return VerifyResult{}, ErrTooManyAttempts
	}

	if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1 {
		n, err := s.store.IncrementAttempts(ctx, email)
		switch {
		case errors.Is(err, ErrNoCode):
			return VerifyResult{}, ErrInvalidCode
		case err != nil:
			// An uncounted guess would sidestep the lockout.
			return VerifyResult{}, upstream.Wrap("otp store", err)
		}
		if n >= s.cfg.MaxAttempts {
			s.store.Delete(ctx, email)
			s.logger.Warn().Str("email", email).Int("attempts", n).Msg("otp discarded after repeated failures")
			return VerifyResult{}, ErrTooManyAttempts
		}
		return VerifyResult{}, ErrInvalidCode
	}

	removed, err := s.store.Delete(ctx, email)
	if err != nil {
		return VerifyResult{}, upstream.Wrap("otp store", err)
	}
	if !removed {
		// Consumed by a concurrent verification.
		return VerifyResult{}, ErrInvalidCode
	}

	res := VerifyResult{Verified: true, IsNewPatient: true, Email: email}
	p, err := s.directory.GetByEmail(ctx, email)
	switch {
	case err == nil:
		res.IsNewPatient = false
		res.PatientID = p.PatientID
	case errors.Is(err, patient.ErrNotFound):
	default:
		s.logger.Warn().Err(err).Str("email", email).Msg("could not check patient status; assuming new patient")
	}
	return res, nil
}
