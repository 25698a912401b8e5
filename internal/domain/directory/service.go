package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/portal/internal/platform/apperr"
)

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Register creates an identity in reg.Role's namespace. The id and the
// account binding are written in one atomic step.
func (s *Service) Register(ctx context.Context, reg Registration) (*Identity, error) {
	reg.normalize()
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	ident := &Identity{
		ID:           reg.ID,
		Role:         reg.Role,
		DisplayName:  reg.DisplayName,
		AccountRef:   reg.AccountRef,
		ContactEmail: reg.ContactEmail,
		Profile:      reg.Profile,
		RegisteredAt: s.now(),
	}
	if err := s.repo.Create(ctx, ident); err != nil {
		return nil, apperr.Upstream("register "+string(reg.Role), err)
	}
	return ident, nil
}

func (s *Service) ResolveByAccount(ctx context.Context, role Role, accountRef string) (*Identity, error) {
	if !role.Valid() {
		return nil, apperr.Validation("unknown role %q", role)
	}
	ident, err := s.repo.GetByAccount(ctx, role, NormalizeAccount(accountRef))
	if err != nil {
		return nil, apperr.Upstream("resolve "+string(role)+" account", err)
	}
	return ident, nil
}

func (s *Service) GetByID(ctx context.Context, role Role, id string) (*Identity, error) {
	if !role.Valid() {
		return nil, apperr.Validation("unknown role %q", role)
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	ident, err := s.repo.GetByID(ctx, role, id)
	if err != nil {
		return nil, apperr.Upstream("get "+string(role), err)
	}
	return ident, nil
}

// Exists reports whether id is registered in role. A malformed id is
// reported as absent.
func (s *Service) Exists(ctx context.Context, role Role, id string) (bool, error) {
	_, err := s.GetByID(ctx, role, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, apperr.ErrIdentityNotFound), errors.Is(err, apperr.ErrInvalidIDFormat):
		return false, nil
	}
	return false, err
}

// Resolve finds the identity bound to accountRef. When claimed is set only
// that namespace is searched; otherwise both are, and an account bound in
// both namespaces must claim a role.
func (s *Service) Resolve(ctx context.Context, accountRef string, claimed Role) (*Identity, error) {
	if claimed != "" {
		return s.ResolveByAccount(ctx, claimed, accountRef)
	}
	var found []*Identity
	for _, role := range Roles {
		ident, err := s.ResolveByAccount(ctx, role, accountRef)
		if errors.Is(err, apperr.ErrIdentityNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = append(found, ident)
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: account %s", apperr.ErrIdentityNotFound, NormalizeAccount(accountRef))
	case 1:
		return found[0], nil
	}
	return nil, apperr.Validation("account registered in both roles; claim a role")
}

func (s *Service) List(ctx context.Context, role Role, limit, offset int) ([]*Identity, int, error) {
	if !role.Valid() {
		return nil, 0, apperr.Validation("unknown role %q", role)
	}
	items, total, err := s.repo.List(ctx, role, limit, offset)
	if err != nil {
		return nil, 0, apperr.Upstream("list "+string(role), err)
	}
	return items, total, nil
}

// Admin returns the configured administrator account of role's namespace,
// or "" when none is set.
func (s *Service) Admin(ctx context.Context, role Role) (string, error) {
	acct, err := s.repo.Admin(ctx, role)
	if err != nil {
		return "", apperr.Upstream("read "+string(role)+" admin", err)
	}
	return acct, nil
}

// SetAdmin replaces the administrator of role's namespace. An empty account
// clears it.
func (s *Service) SetAdmin(ctx context.Context, role Role, accountRef string) error {
	if !role.Valid() {
		return apperr.Validation("unknown role %q", role)
	}
	acct := NormalizeAccount(accountRef)
	if acct != "" {
		if err := validateAccount(acct); err != nil {
			return err
		}
	}
	return apperr.Upstream("set "+string(role)+" admin", s.repo.SetAdmin(ctx, role, acct))
}
