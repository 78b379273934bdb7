package patient

import "context"

// Repository persists patients. Create reports unique-key conflicts with
// ErrDuplicateUser, ErrEmailTaken or ErrDuplicatePatientID; lookups return
// ErrNotFound.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByUserID(ctx context.Context, userID string) (*Patient, error)
	GetByPatientID(ctx context.Context, patientID string) (*Patient, error)
	GetByEmail(ctx context.Context, email string) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
}
