package consultation

import (
	"context"
	"fmt"

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

const entryCols = `record_id, patient_id, doctor_account_ref, diagnosis, prescription, created_at, seq`

func (r *repoPG) Create(ctx context.Context, e *Entry) error {
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('consultation_entry:' || $1))`, e.PatientID); err != nil {
			return err
		}
		return q.QueryRow(ctx, `
			INSERT INTO consultation_entry (record_id, patient_id, doctor_account_ref, diagnosis, prescription, created_at, seq)
			SELECT $1, $2, $3, $4, $5, $6, COALESCE(MAX(seq), 0) + 1
			FROM consultation_entry WHERE patient_id = $2
			RETURNING seq`,
			e.RecordID, e.PatientID, e.DoctorAccountRef, e.Diagnosis, e.Prescription, e.CreatedAt,
		).Scan(&e.Seq)
	})
	if constraint, ok := db.UniqueViolation(err); ok && constraint == "consultation_entry_pkey" {
		return fmt.Errorf("%w: %s", apperr.ErrDuplicateRecordID, e.RecordID)
	}
	return err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID string) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM consultation_entry WHERE patient_id = $1 ORDER BY seq`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RecordID, &e.PatientID, &e.DoctorAccountRef, &e.Diagnosis,
			&e.Prescription, &e.CreatedAt, &e.Seq); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
