package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medvault/medvault/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type storePG struct {
	pool *pgxpool.Pool
}

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const requestCols = `id, doctor_identity, patient_id, state, reason, created_at,
	decided_at, grant_expires_at, expired_at, revoked_at, payload_ref`

func (s *storePG) Insert(ctx context.Context, r *AccessRequest) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO access_request (id, doctor_identity, patient_id, state, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.RequestID, r.DoctorIdentity, r.PatientID, string(r.State), r.Reason, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("access request insert: %w", err)
	}
	return nil
}

func (s *storePG) Get(ctx context.Context, id string) (*AccessRequest, error) {
	// Malformed ids cannot exist; skip the round trip and the cast error.
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	r, err := scanRequest(s.conn(ctx).QueryRow(ctx,
		`SELECT `+requestCols+` FROM access_request WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// CompareAndSwap relies on the row lock taken by UPDATE: of two concurrent
// swaps from the same state only one sees the WHERE clause match.
func (s *storePG) CompareAndSwap(ctx context.Context, expect State, next *AccessRequest) (bool, error) {
	var payloadRef *string
	if next.PayloadRef != "" {
		payloadRef = &next.PayloadRef
	}
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE access_request SET
			state = $3, decided_at = $4, grant_expires_at = $5,
			expired_at = $6, revoked_at = $7, payload_ref = $8
		WHERE id = $1 AND state = $2`,
		next.RequestID, string(expect), string(next.State), next.DecidedAt, next.GrantExpiresAt,
		next.ExpiredAt, next.RevokedAt, payloadRef,
	)
	if err != nil {
		return false, fmt.Errorf("access request update: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *storePG) OldestPending(ctx context.Context, patientID string, createdAfter time.Time) (*AccessRequest, error) {
	r, err := scanRequest(s.conn(ctx).QueryRow(ctx, `
		SELECT `+requestCols+` FROM access_request
		WHERE patient_id = $1 AND state = 'pending' AND created_at > $2
		ORDER BY created_at ASC
		LIMIT 1`, patientID, createdAfter))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *storePG) ListDue(ctx context.Context, pendingBefore, grantBefore time.Time) ([]*AccessRequest, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+requestCols+` FROM access_request
		WHERE (state = 'pending' AND created_at <= $1)
		   OR (state = 'approved' AND grant_expires_at <= $2)`, pendingBefore, grantBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (s *storePG) LiveGrant(ctx context.Context, doctorIdentity, patientID string, at time.Time) (*AccessRequest, error) {
	r, err := scanRequest(s.conn(ctx).QueryRow(ctx, `
		SELECT `+requestCols+` FROM access_request
		WHERE patient_id = $1 AND lower(doctor_identity) = lower($2)
		  AND state = 'approved' AND grant_expires_at > $3
		ORDER BY grant_expires_at DESC
		LIMIT 1`, patientID, doctorIdentity, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *storePG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*AccessRequest, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM access_request WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+requestCols+` FROM access_request
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out, err := collectRequests(rows)
	return out, total, err
}

func (s *storePG) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
		DELETE FROM access_request
		WHERE state IN ('denied', 'expired')
		  AND COALESCE(expired_at, decided_at, created_at) < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("access request purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func collectRequests(rows pgx.Rows) ([]*AccessRequest, error) {
	var out []*AccessRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (*AccessRequest, error) {
	var (
		r          AccessRequest
		id         uuid.UUID
		state      string
		payloadRef *string
	)
	err := row.Scan(
		&id, &r.DoctorIdentity, &r.PatientID, &state, &r.Reason, &r.CreatedAt,
		&r.DecidedAt, &r.GrantExpiresAt, &r.ExpiredAt, &r.RevokedAt, &payloadRef,
	)
	if err != nil {
		return nil, err
	}
	r.RequestID = id.String()
	r.State = State(state)
	if payloadRef != nil {
		r.PayloadRef = *payloadRef
	}
	return &r, nil
}

type payloadsPG struct {
	pool *pgxpool.Pool
}

func NewPayloadStorePG(pool *pgxpool.Pool) PayloadStore {
	return &payloadsPG{pool: pool}
}

func (p *payloadsPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return p.pool
}

func (p *payloadsPG) Put(ctx context.Context, ref, requestID string, ciphertext []byte) error {
	_, err := p.conn(ctx).Exec(ctx,
		`INSERT INTO access_payload (ref, request_id, ciphertext) VALUES ($1, $2, $3)`,
		ref, requestID, ciphertext)
	if err != nil {
		return fmt.Errorf("access payload insert: %w", err)
	}
	return nil
}

func (p *payloadsPG) Get(ctx context.Context, ref string) ([]byte, error) {
	var b []byte
	err := p.conn(ctx).QueryRow(ctx, `SELECT ciphertext FROM access_payload WHERE ref = $1`, ref).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *payloadsPG) Delete(ctx context.Context, ref string) error {
	_, err := p.conn(ctx).Exec(ctx, `DELETE FROM access_payload WHERE ref = $1`, ref)
	return err
}

// PGTransactor runs ledger steps in one database transaction.
func PGTransactor(pool *pgxpool.Pool) Transactor {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.WithTx(ctx, pool, fn)
	}
}
