package doctor

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists doctors and their credential documents. Create and
// UpdateApplication report unique-key conflicts with ErrDuplicateUser,
// ErrEmailTaken or ErrLicenseTaken; lookups return ErrNotFound.
type Repository interface {
	Create(ctx context.Context, d *Doctor) error
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetByUserID(ctx context.Context, userID string) (*Doctor, error)
	GetByEmail(ctx context.Context, email string) (*Doctor, error)
	GetByLicense(ctx context.Context, licenseID string) (*Doctor, error)
	// UpdateApplication replaces the profile fields and resets the status
	// to pending, clearing any previous review.
	UpdateApplication(ctx context.Context, d *Doctor) error
	// SetStatus applies r only if the stored status still equals from,
	// otherwise it returns ErrStatusChanged.
	SetStatus(ctx context.Context, id uuid.UUID, from Status, r Review) (*Doctor, error)
	PutCredential(ctx context.Context, id uuid.UUID, c *Credential) error
	GetCredential(ctx context.Context, id uuid.UUID) (*Credential, error)
	// List returns doctors in status (all when empty), oldest application
	// first.
	List(ctx context.Context, status Status, limit, offset int) ([]*Doctor, int, error)
}
