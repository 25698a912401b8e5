package directory

import (
	"context"
	"encoding/json"
	"errors"
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

const identityCols = `role, id, display_name, account_ref, contact_email, profile, registered_at`

func (r *repoPG) Create(ctx context.Context, ident *Identity) error {
	profile, err := json.Marshal(ident.Profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO identity (role, id, display_name, account_ref, contact_email, profile, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ident.Role, ident.ID, ident.DisplayName, ident.AccountRef, ident.ContactEmail, profile, ident.RegisteredAt,
	)
	if constraint, ok := db.UniqueViolation(err); ok {
		if constraint == "identity_role_account_ref_key" {
			return fmt.Errorf("%w: %s", apperr.ErrDuplicateAccount, ident.AccountRef)
		}
		return fmt.Errorf("%w: %s %s", apperr.ErrDuplicateID, ident.Role, ident.ID)
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, role Role, id string) (*Identity, error) {
	ident, err := scanIdentity(r.conn(ctx).QueryRow(ctx,
		`SELECT `+identityCols+` FROM identity WHERE role = $1 AND id = $2`, role, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", apperr.ErrIdentityNotFound, role, id)
	}
	return ident, err
}

func (r *repoPG) GetByAccount(ctx context.Context, role Role, accountRef string) (*Identity, error) {
	ident, err := scanIdentity(r.conn(ctx).QueryRow(ctx,
		`SELECT `+identityCols+` FROM identity WHERE role = $1 AND account_ref = $2`, role, accountRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s account %s", apperr.ErrIdentityNotFound, role, accountRef)
	}
	return ident, err
}

func (r *repoPG) List(ctx context.Context, role Role, limit, offset int) ([]*Identity, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM identity WHERE role = $1`, role).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = total
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+identityCols+` FROM identity WHERE role = $1 ORDER BY id LIMIT $2 OFFSET $3`, role, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*Identity{}
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ident)
	}
	return out, total, rows.Err()
}

func (r *repoPG) Admin(ctx context.Context, role Role) (string, error) {
	var acct string
	err := r.conn(ctx).QueryRow(ctx, `SELECT account_ref FROM directory_admin WHERE role = $1`, role).Scan(&acct)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return acct, err
}

func (r *repoPG) SetAdmin(ctx context.Context, role Role, accountRef string) error {
	if accountRef == "" {
		_, err := r.conn(ctx).Exec(ctx, `DELETE FROM directory_admin WHERE role = $1`, role)
		return err
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO directory_admin (role, account_ref) VALUES ($1, $2)
		ON CONFLICT (role) DO UPDATE SET account_ref = EXCLUDED.account_ref, updated_at = NOW()`,
		role, accountRef)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIdentity(row scanner) (*Identity, error) {
	var (
		ident   Identity
		profile []byte
	)
	if err := row.Scan(&ident.Role, &ident.ID, &ident.DisplayName, &ident.AccountRef,
		&ident.ContactEmail, &profile, &ident.RegisteredAt); err != nil {
		return nil, err
	}
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &ident.Profile); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
	}
	return &ident, nil
}
