package access

import (
	"context"
	"time"
)

// Store persists access requests. Implementations make CompareAndSwap atomic:
// it replaces the stored record with next only if the stored state still
// equals expect, and reports whether it did.
type Store interface {
	Insert(ctx context.Context, r *AccessRequest) error
	Get(ctx context.Context, id string) (*AccessRequest, error)
	CompareAndSwap(ctx context.Context, expect State, next *AccessRequest) (bool, error)
	// OldestPending returns the oldest pending request for patientID created
	// after createdAfter, or nil.
	OldestPending(ctx context.Context, patientID string, createdAfter time.Time) (*AccessRequest, error)
	// ListDue returns pending requests created at or before pendingBefore and
	// approved requests whose grant ends at or before grantBefore.
	ListDue(ctx context.Context, pendingBefore, grantBefore time.Time) ([]*AccessRequest, error)
	// LiveGrant returns the approved request from doctorIdentity to
	// patientID whose grant ends latest after at, or nil. Identities compare
	// case-insensitively.
	LiveGrant(ctx context.Context, doctorIdentity, patientID string, at time.Time) (*AccessRequest, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*AccessRequest, int, error)
	// Purge deletes denied and expired requests last touched before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// PayloadStore keeps the encrypted data bundles released on approval.
type PayloadStore interface {
	Put(ctx context.Context, ref, requestID string, ciphertext []byte) error
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// Transactor runs fn atomically when the backing stores support it.
type Transactor func(ctx context.Context, fn func(ctx context.Context) error) error

func noTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// lastTouched is used for retention.
func lastTouched(r *AccessRequest) time.Time {
	switch {
	case r.ExpiredAt != nil:
		return *r.ExpiredAt
	case r.DecidedAt != nil:
		return *r.DecidedAt
	default:
		return r.CreatedAt
	}
}
