package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/ledger"
	"github.com/ehr/portal/pkg/pagination"
)

// Key layout:
//
//	dir/<role>/id/<id>         identity JSON
//	dir/<role>/acct/<account>  id
//	dir/<role>/admin           admin account
type ledgerRepo struct {
	store ledger.Store
}

func NewLedgerRepo(store ledger.Store) Repository {
	return &ledgerRepo{store: store}
}

func idKey(role Role, id string) string     { return ledger.Key("dir", string(role), "id", id) }
func acctKey(role Role, acct string) string { return ledger.Key("dir", string(role), "acct", acct) }
func adminKey(role Role) string             { return ledger.Key("dir", string(role), "admin") }
func idPrefix(role Role) string             { return ledger.Prefix("dir", string(role), "id") }

func (r *ledgerRepo) Create(ctx context.Context, ident *Identity) error {
	if strings.Contains(ident.AccountRef, "/") {
		return apperr.Validation("account_ref must not contain '/'")
	}
	data, err := json.Marshal(ident)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	err = r.store.Apply(ctx,
		ledger.Insert(idKey(ident.Role, ident.ID), data),
		ledger.Insert(acctKey(ident.Role, ident.AccountRef), []byte(ident.ID)),
	)
	if !errors.Is(err, ledger.ErrKeyExists) {
		return err
	}
	// The id key is checked first, so an existing id wins over an existing
	// account binding.
	if _, gerr := r.store.Get(ctx, idKey(ident.Role, ident.ID)); gerr == nil {
		return fmt.Errorf("%w: %s %s", apperr.ErrDuplicateID, ident.Role, ident.ID)
	} else if !errors.Is(gerr, ledger.ErrNotFound) {
		return gerr
	}
	return fmt.Errorf("%w: %s", apperr.ErrDuplicateAccount, ident.AccountRef)
}

func (r *ledgerRepo) GetByID(ctx context.Context, role Role, id string) (*Identity, error) {
	data, err := r.store.Get(ctx, idKey(role, id))
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s %s", apperr.ErrIdentityNotFound, role, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeIdentity(data)
}

func (r *ledgerRepo) GetByAccount(ctx context.Context, role Role, accountRef string) (*Identity, error) {
	if accountRef == "" || strings.Contains(accountRef, "/") {
		return nil, fmt.Errorf("%w: %s account %q", apperr.ErrIdentityNotFound, role, accountRef)
	}
	id, err := r.store.Get(ctx, acctKey(role, accountRef))
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s account %s", apperr.ErrIdentityNotFound, role, accountRef)
	}
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, role, string(id))
}

func (r *ledgerRepo) List(ctx context.Context, role Role, limit, offset int) ([]*Identity, int, error) {
	entries, err := r.store.Scan(ctx, idPrefix(role))
	if err != nil {
		return nil, 0, err
	}
	lo, hi := pagination.Params{Limit: limit, Offset: offset}.Window(len(entries))
	out := make([]*Identity, 0, hi-lo)
	for _, e := range entries[lo:hi] {
		ident, err := decodeIdentity(e.Value)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ident)
	}
	return out, len(entries), nil
}

func (r *ledgerRepo) Admin(ctx context.Context, role Role) (string, error) {
	v, err := r.store.Get(ctx, adminKey(role))
	if errors.Is(err, ledger.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (r *ledgerRepo) SetAdmin(ctx context.Context, role Role, accountRef string) error {
	if accountRef == "" {
		return r.store.Apply(ctx, ledger.Delete(adminKey(role)))
	}
	return r.store.Apply(ctx, ledger.Put(adminKey(role), []byte(accountRef)))
}

func decodeIdentity(data []byte) (*Identity, error) {
	var ident Identity
	if err := json.Unmarshal(data, &ident); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return &ident, nil
}
