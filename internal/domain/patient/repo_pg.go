package patient

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

const patientCols = `id, user_id, email, patient_id, full_name, blood_type, allergies,
	emergency_contact_name, emergency_contact_phone, created_at, updated_at`

const uniqueViolation = "23505"

// translate maps driver errors onto the repository's sentinel errors.
func translate(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case "patient_user_id_key":
			return ErrDuplicateUser
		case "patient_email_key":
			return ErrEmailTaken
		case "patient_patient_id_key":
			return ErrDuplicatePatientID
		}
	}
	return err
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (
			id, user_id, email, patient_id, full_name, blood_type, allergies,
			emergency_contact_name, emergency_contact_phone
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		p.ID, p.UserID, p.Email, p.PatientID, p.FullName, p.BloodType, p.Allergies,
		p.EmergencyContactName, p.EmergencyContactPhone,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("patient create: %w", translate(err))
	}
	return nil
}

func (r *repoPG) getBy(ctx context.Context, column, value string) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE `+column+` = $1`, value))
	if err != nil {
		return nil, translate(err)
	}
	return p, nil
}

func (r *repoPG) GetByUserID(ctx context.Context, userID string) (*Patient, error) {
	return r.getBy(ctx, "user_id", userID)
}

func (r *repoPG) GetByPatientID(ctx context.Context, patientID string) (*Patient, error) {
	return r.getBy(ctx, "patient_id", patientID)
}

func (r *repoPG) GetByEmail(ctx context.Context, email string) (*Patient, error) {
	return r.getBy(ctx, "email", email)
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patient SET
			full_name=$2, blood_type=$3, allergies=$4,
			emergency_contact_name=$5, emergency_contact_phone=$6, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.FullName, p.BloodType, p.Allergies,
		p.EmergencyContactName, p.EmergencyContactPhone,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("patient update: %w", translate(err))
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+patientCols+` FROM patient ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		patients = append(patients, p)
	}
	return patients, total, rows.Err()
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.UserID, &p.Email, &p.PatientID, &p.FullName, &p.BloodType, &p.Allergies,
		&p.EmergencyContactName, &p.EmergencyContactPhone, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
