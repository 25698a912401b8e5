package directory

import "context"

// Repository persists identities per role namespace. Implementations return
// apperr.ErrIdentityNotFound, apperr.ErrDuplicateID and
// apperr.ErrDuplicateAccount for the corresponding conditions; any other
// error is treated as an upstream failure. Account references are stored
// normalized.
type Repository interface {
	Create(ctx context.Context, ident *Identity) error
	GetByID(ctx context.Context, role Role, id string) (*Identity, error)
	GetByAccount(ctx context.Context, role Role, accountRef string) (*Identity, error)
	List(ctx context.Context, role Role, limit, offset int) ([]*Identity, int, error)

	// Admin returns the administrator account of a namespace, or "" when
	// none is configured.
	Admin(ctx context.Context, role Role) (string, error)
	SetAdmin(ctx context.Context, role Role, accountRef string) error
}
