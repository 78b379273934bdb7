package vault

import "context"

// Repository persists vault documents.
type Repository interface {
	Create(ctx context.Context, d *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	// FindByHash returns every stored document with recordHash, across
	// patients.
	FindByHash(ctx context.Context, recordHash string) ([]*Document, error)
	// ListByPatient returns metadata only; Ciphertext is nil. An empty tier
	// matches all tiers.
	ListByPatient(ctx context.Context, patientID string, tier Tier, limit, offset int) ([]*Document, int, error)
}
