package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const grantCols = `id, patient_id, doctor_id, granted_at, revoked_at, COALESCE(revoked_by, '')`

// permission_grant_active_key is a partial unique index over
// (patient_id, doctor_id) WHERE revoked_at IS NULL.
func (r *repoPG) Create(ctx context.Context, g *Grant) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO permission_grant (id, patient_id, doctor_id, granted_at)
		VALUES ($1, $2, $3, $4)`,
		g.ID, g.PatientID, g.DoctorID, g.GrantedAt)
	if _, ok := db.UniqueViolation(err); ok {
		return fmt.Errorf("%w: patient %s doctor %s", apperr.ErrAlreadyGranted, g.PatientID, g.DoctorID)
	}
	return err
}

func (r *repoPG) Active(ctx context.Context, patientID, doctorID string) (*Grant, error) {
	g, err := scanGrant(r.conn(ctx).QueryRow(ctx, `SELECT `+grantCols+` FROM permission_grant
		WHERE patient_id = $1 AND doctor_id = $2 AND revoked_at IS NULL`, patientID, doctorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: patient %s doctor %s", apperr.ErrNotGranted, patientID, doctorID)
	}
	return g, err
}

func (r *repoPG) Revoke(ctx context.Context, patientID, doctorID, revokedBy string, at time.Time) (*Grant, error) {
	g, err := scanGrant(r.conn(ctx).QueryRow(ctx, `
		UPDATE permission_grant SET revoked_at = $3, revoked_by = $4
		WHERE patient_id = $1 AND doctor_id = $2 AND revoked_at IS NULL
		RETURNING `+grantCols, patientID, doctorID, at, revokedBy))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: patient %s doctor %s", apperr.ErrNotGranted, patientID, doctorID)
	}
	return g, err
}

func (r *repoPG) ListActiveByPatient(ctx context.Context, patientID string) ([]*Grant, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM permission_grant
		WHERE patient_id = $1 AND revoked_at IS NULL ORDER BY granted_at, id`, patientID)
}

func (r *repoPG) ListActiveByDoctor(ctx context.Context, doctorID string) ([]*Grant, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM permission_grant
		WHERE doctor_id = $1 AND revoked_at IS NULL ORDER BY granted_at, id`, doctorID)
}

func (r *repoPG) History(ctx context.Context, patientID string) ([]*Grant, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM permission_grant
		WHERE patient_id = $1 ORDER BY granted_at, id`, patientID)
}

func (r *repoPG) list(ctx context.Context, query string, arg string) ([]*Grant, error) {
	rows, err := r.conn(ctx).Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Grant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanGrant(row scanner) (*Grant, error) {
	var g Grant
	if err := row.Scan(&g.ID, &g.PatientID, &g.DoctorID, &g.GrantedAt, &g.RevokedAt, &g.RevokedBy); err != nil {
		return nil, err
	}
	return &g, nil
}
