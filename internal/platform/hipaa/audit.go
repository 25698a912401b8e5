package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/portal/internal/platform/db"
)

// PHIAccessLog is one row of the phi_access_log table: who reached which
// patient's data through which route, and what the server answered.
type PHIAccessLog struct {
	ID         uuid.UUID `json:"id"`
	AccountRef string    `json:"account_ref"`
	PatientID  string    `json:"patient_id,omitempty"`
	DoctorID   string    `json:"doctor_id,omitempty"`
	Action     string    `json:"action"` // read, create, delete
	Route      string    `json:"route"`
	Status     int       `json:"status"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	AccessedAt time.Time `json:"accessed_at"`
}

// Denied reports whether the request was refused by the access rules.
func (l *PHIAccessLog) Denied() bool {
	return l.Status == 401 || l.Status == 403
}

// AuditLogger writes PHI access entries to Postgres.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger creates a new AuditLogger backed by the given connection pool.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// LogPHIAccess inserts one access entry. It joins the transaction in ctx
// when there is one.
func (a *AuditLogger) LogPHIAccess(ctx context.Context, log *PHIAccessLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.AccessedAt.IsZero() {
		log.AccessedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO phi_access_log (
			id, account_ref, patient_id, doctor_id, action, route, status,
			denied, ip_address, user_agent, request_id, accessed_at
		) VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12)`

	args := []any{
		log.ID, log.AccountRef, log.PatientID, log.DoctorID, log.Action, log.Route, log.Status,
		log.Denied(), log.IPAddress, log.UserAgent, log.RequestID, log.AccessedAt,
	}

	if tx := db.TxFromContext(ctx); tx != nil {
		_, err := tx.Exec(ctx, query, args...)
		return err
	}
	if _, err := a.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("hipaa phi access: %w", err)
	}
	return nil
}
