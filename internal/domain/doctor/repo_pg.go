package doctor

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

const doctorCols = `d.id, d.user_id, d.email, d.full_name, d.specialty, d.experience_years,
	d.license_id, d.status, d.review_note, d.reviewed_by, d.reviewed_at, d.created_at, d.updated_at,
	(c.doctor_id IS NOT NULL)`

const doctorFrom = ` FROM doctor d LEFT JOIN doctor_credential c ON c.doctor_id = d.id`

const uniqueViolation = "23505"

func translate(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case "doctor_user_id_key":
			return ErrDuplicateUser
		case "doctor_email_key":
			return ErrEmailTaken
		case "doctor_license_id_key":
			return ErrLicenseTaken
		}
	}
	return err
}

func (r *repoPG) Create(ctx context.Context, d *Doctor) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor (
			id, user_id, email, full_name, specialty, experience_years, license_id, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		d.ID, d.UserID, d.Email, d.FullName, d.Specialty, d.ExperienceYears, d.LicenseID, d.Status,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("doctor create: %w", translate(err))
	}
	return nil
}

func (r *repoPG) getBy(ctx context.Context, column string, value interface{}) (*Doctor, error) {
	d, err := scanDoctor(r.conn(ctx).QueryRow(ctx,
		`SELECT `+doctorCols+doctorFrom+` WHERE d.`+column+` = $1`, value))
	if err != nil {
		return nil, translate(err)
	}
	return d, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return r.getBy(ctx, "id", id)
}

func (r *repoPG) GetByUserID(ctx context.Context, userID string) (*Doctor, error) {
	return r.getBy(ctx, "user_id", userID)
}

func (r *repoPG) GetByEmail(ctx context.Context, email string) (*Doctor, error) {
	return r.getBy(ctx, "email", email)
}

func (r *repoPG) GetByLicense(ctx context.Context, licenseID string) (*Doctor, error) {
	return r.getBy(ctx, "license_id", licenseID)
}

func (r *repoPG) UpdateApplication(ctx context.Context, d *Doctor) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE doctor SET
			full_name=$2, specialty=$3, experience_years=$4, license_id=$5,
			status='pending', review_note='', reviewed_by='', reviewed_at=NULL, updated_at=NOW()
		WHERE id = $1
		RETURNING status, updated_at`,
		d.ID, d.FullName, d.Specialty, d.ExperienceYears, d.LicenseID,
	).Scan(&d.Status, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("doctor update: %w", translate(err))
	}
	d.ReviewNote, d.ReviewedBy, d.ReviewedAt = "", "", nil
	return nil
}

func (r *repoPG) SetStatus(ctx context.Context, id uuid.UUID, from Status, rv Review) (*Doctor, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE doctor SET status=$3, review_note=$4, reviewed_by=$5, reviewed_at=$6, updated_at=NOW()
		WHERE id = $1 AND status = $2`,
		id, from, rv.Status, rv.Note, rv.Reviewer, rv.At)
	if err != nil {
		return nil, fmt.Errorf("doctor review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStatusChanged
	}
	return r.GetByID(ctx, id)
}

func (r *repoPG) PutCredential(ctx context.Context, id uuid.UUID, c *Credential) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO doctor_credential (doctor_id, name, content_type, sha256, size_bytes, ciphertext, uploaded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (doctor_id) DO UPDATE SET
			name=EXCLUDED.name, content_type=EXCLUDED.content_type, sha256=EXCLUDED.sha256,
			size_bytes=EXCLUDED.size_bytes, ciphertext=EXCLUDED.ciphertext, uploaded_at=EXCLUDED.uploaded_at`,
		id, c.Name, c.ContentType, c.Hash, c.Size, c.Ciphertext, c.UploadedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("doctor credential: %w", err)
	}
	return nil
}

func (r *repoPG) GetCredential(ctx context.Context, id uuid.UUID) (*Credential, error) {
	var c Credential
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT name, content_type, sha256, size_bytes, ciphertext, uploaded_at
		FROM doctor_credential WHERE doctor_id = $1`, id,
	).Scan(&c.Name, &c.ContentType, &c.Hash, &c.Size, &c.Ciphertext, &c.UploadedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) List(ctx context.Context, status Status, limit, offset int) ([]*Doctor, int, error) {
	where, args := "", []interface{}{}
	if status != "" {
		where, args = ` WHERE d.status = $1`, append(args, status)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM doctor d`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+doctorCols+doctorFrom+where+
			fmt.Sprintf(` ORDER BY d.created_at ASC LIMIT $%d OFFSET $%d`, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var doctors []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, 0, err
		}
		doctors = append(doctors, d)
	}
	return doctors, total, rows.Err()
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(
		&d.ID, &d.UserID, &d.Email, &d.FullName, &d.Specialty, &d.ExperienceYears,
		&d.LicenseID, &d.Status, &d.ReviewNote, &d.ReviewedBy, &d.ReviewedAt, &d.CreatedAt, &d.UpdatedAt,
		&d.HasCredential,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
