// Package vault keeps encrypted patient documents and releases them to
// doctors through the zero-trust gatekeeper or the emergency override.
package vault

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/internal/domain/patient"
	"github.com/medvault/medvault/internal/platform/audit"
)

var (
	ErrNotFound           = errors.New("document not found")
	ErrDuplicate          = errors.New("document already stored for this patient")
	ErrInvalidPatient     = errors.New("invalid patient id")
	ErrInvalidTier        = errors.New("tier must be life_packet or vault")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingName        = errors.New("document name is required")
	ErrEmptyDocument      = errors.New("document is empty")
	ErrTooLarge           = errors.New("document exceeds maximum allowed size")
	ErrReasonTooShort     = errors.New("reason must be at least 5 characters")
	ErrNoGrant            = errors.New("no active access grant for this record")
	ErrLegalAck           = errors.New("legal responsibility must be acknowledged")
	ErrIntegrity          = errors.New("document failed integrity check")
)

// MaxDocumentSize bounds a single upload (10 MB).
const MaxDocumentSize = 10 << 20

// MinReasonLength is the shortest accepted reason for access.
const MinReasonLength = 5

type Tier string

const (
	// TierLifePacket documents are released under emergency override.
	TierLifePacket Tier = "life_packet"
	// TierVault documents need an approved grant.
	TierVault Tier = "vault"
)

func (t Tier) Valid() bool { return t == TierLifePacket || t == TierVault }

// AllowedContentTypes lists the document formats the vault accepts.
var AllowedContentTypes = map[string]bool{
	"application/pdf":       true,
	"application/json":      true,
	"application/fhir+json": true,
	"application/dicom":     true,
	"image/png":             true,
	"image/jpeg":            true,
	"text/plain":            true,
}

// Document maps to the vault_document table. RecordHash is the hex SHA-256
// of the plaintext; the stored bytes are ciphertext.
type Document struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PatientID   string    `db:"patient_id" json:"patient_id"`
	Name        string    `db:"name" json:"name"`
	ContentType string    `db:"content_type" json:"content_type"`
	Tier        Tier      `db:"tier" json:"tier"`
	RecordHash  string    `db:"record_hash" json:"record_hash"`
	Size        int64     `db:"size_bytes" json:"size"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	Ciphertext  []byte    `db:"ciphertext" json:"-"`
}

// Unlocked is a decrypted document with the receipt of the audit entry that
// justified releasing it.
type Unlocked struct {
	Document *Document      `json:"document"`
	Content  []byte         `json:"content"`
	Receipt  *audit.Receipt `json:"audit,omitempty"`
}

// EmergencyAccess is what a break-glass override releases.
type EmergencyAccess struct {
	LifePacket patient.LifePacket `json:"life_packet"`
	Documents  []Unlocked         `json:"documents"`
	Receipt    *audit.Receipt     `json:"audit,omitempty"`
}
