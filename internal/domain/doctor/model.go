// Package doctor onboards clinicians: a doctor applies with a profile and a
// licence document, and an administrator verifies or rejects the
// credentials. Only verified doctors may request or unlock patient records.
package doctor

import (
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("doctor not found")
	ErrValidation      = errors.New("invalid doctor application")
	ErrDuplicateUser   = errors.New("user already applied")
	ErrEmailTaken      = errors.New("email already registered to another doctor")
	ErrLicenseTaken    = errors.New("licence id already registered to another doctor")
	ErrAlreadyVerified = errors.New("doctor is already verified")
	ErrNoCredential    = errors.New("no credential document on file")
	ErrNotReviewable   = errors.New("application cannot be reviewed from its current status")
	ErrStatusChanged   = errors.New("application status changed concurrently")
	ErrContentType     = errors.New("credential must be a PDF, JPEG or PNG")
	ErrEmptyCredential = errors.New("credential document is empty")
	ErrTooLarge        = errors.New("credential document exceeds maximum allowed size")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusRejected Status = "rejected"
)

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusVerified || s == StatusRejected
}

// reviews lists the transitions an administrator may make. A rejected
// doctor goes back to pending by applying again.
var reviews = map[Status][]Status{
	StatusPending:  {StatusVerified, StatusRejected},
	StatusVerified: {StatusRejected},
}

func canReview(from, to Status) bool {
	for _, s := range reviews[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LicensePattern matches practitioner licence ids such as MED-78451.
var LicensePattern = regexp.MustCompile(`^[A-Z]{2,5}-\d{4,10}$`)

// MaxCredentialSize bounds a licence upload (10 MB).
const MaxCredentialSize = 10 << 20

// CredentialTypes are the accepted licence document formats.
var CredentialTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
}

// Doctor maps to the doctor table.
type Doctor struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	UserID          string     `db:"user_id" json:"user_id"`
	Email           string     `db:"email" json:"email"`
	FullName        string     `db:"full_name" json:"full_name"`
	Specialty       string     `db:"specialty" json:"specialty"`
	ExperienceYears int        `db:"experience_years" json:"experience_years"`
	LicenseID       string     `db:"license_id" json:"license_id"`
	Status          Status     `db:"status" json:"status"`
	HasCredential   bool       `db:"-" json:"has_credential"`
	ReviewNote      string     `db:"review_note" json:"review_note,omitempty"`
	ReviewedBy      string     `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Application is what a doctor submits during onboarding.
type Application struct {
	FullName        string `json:"fullName"`
	Specialty       string `json:"specialty"`
	ExperienceYears int    `json:"experienceYears"`
	LicenseID       string `json:"licenseId"`
}

// Credential is the uploaded licence document. Ciphertext is what is stored;
// Content is only set on the admin download path.
type Credential struct {
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Hash        string    `json:"hash"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploaded_at"`
	Ciphertext  []byte    `json:"-"`
	Content     []byte    `json:"-"`
}

// Review is an administrator's decision on an application.
type Review struct {
	Status   Status
	Note     string
	Reviewer string
	At       time.Time
}
