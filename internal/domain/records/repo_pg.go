package records

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

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

// Append serializes writers per patient with a transaction-scoped advisory
// lock so that sequence numbers are gap-free.
func (r *repoPG) Append(ctx context.Context, ref *Reference) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('record_reference:' || $1))`, ref.PatientID); err != nil {
			return err
		}
		return q.QueryRow(ctx, `
			INSERT INTO record_reference (patient_id, seq, content_id, uploaded_at, uploaded_by)
			SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
			FROM record_reference WHERE patient_id = $1
			RETURNING seq`,
			ref.PatientID, ref.ContentID, ref.UploadedAt, ref.UploadedBy,
		).Scan(&ref.Seq)
	})
}

func (r *repoPG) List(ctx context.Context, patientID string) ([]*Reference, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT patient_id, seq, content_id, uploaded_at, uploaded_by
		FROM record_reference WHERE patient_id = $1 ORDER BY seq`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Reference{}
	for rows.Next() {
		var ref Reference
		if err := rows.Scan(&ref.PatientID, &ref.Seq, &ref.ContentID, &ref.UploadedAt, &ref.UploadedBy); err != nil {
			return nil, err
		}
		out = append(out, &ref)
	}
	return out, rows.Err()
}
