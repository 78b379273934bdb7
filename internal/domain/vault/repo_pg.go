package vault

import (
	"context"
	"errors"
	"fmt"

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

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const docMetaCols = `id, patient_id, name, content_type, tier, record_hash, size_bytes, created_at`

func (r *repoPG) Create(ctx context.Context, d *Document) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO vault_document (id, patient_id, name, content_type, tier, record_hash, size_bytes, ciphertext, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.PatientID, d.Name, d.ContentType, string(d.Tier), d.RecordHash, d.Size, d.Ciphertext, d.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("vault document insert: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, id string) (*Document, error) {
	docID, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	d, err := scanDoc(r.conn(ctx).QueryRow(ctx,
		`SELECT `+docMetaCols+`, ciphertext FROM vault_document WHERE id = $1`, docID), true)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (r *repoPG) FindByHash(ctx context.Context, recordHash string) ([]*Document, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+docMetaCols+`, ciphertext FROM vault_document
		WHERE record_hash = $1
		ORDER BY created_at ASC`, recordHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Document
	for rows.Next() {
		d, err := scanDoc(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID string, tier Tier, limit, offset int) ([]*Document, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM vault_document
		WHERE patient_id = $1 AND ($2 = '' OR tier = $2)`, patientID, string(tier)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+docMetaCols+` FROM vault_document
		WHERE patient_id = $1 AND ($2 = '' OR tier = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, patientID, string(tier), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Document
	for rows.Next() {
		d, err := scanDoc(rows, false)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func scanDoc(row pgx.Row, withContent bool) (*Document, error) {
	var (
		d    Document
		tier string
	)
	dest := []interface{}{&d.ID, &d.PatientID, &d.Name, &d.ContentType, &tier, &d.RecordHash, &d.Size, &d.CreatedAt}
	if withContent {
		dest = append(dest, &d.Ciphertext)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	d.Tier = Tier(tier)
	return &d, nil
}
