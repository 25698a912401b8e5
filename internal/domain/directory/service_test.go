package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/ledger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store := ledger.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return NewService(NewLedgerRepo(store))
}

func patientReg(id, acct string) Registration {
	return Registration{
		ID:           id,
		Role:         RolePatient,
		DisplayName:  "Asha Rao",
		AccountRef:   acct,
		ContactEmail: "asha@example.org",
		Profile:      Profile{DateOfBirth: "1990-04-12", Gender: "female", BloodGroup: "B+"},
	}
}

func mustRegister(t *testing.T, svc *Service, reg Registration) *Identity {
	t.Helper()
	ident, err := svc.Register(context.Background(), reg)
	if err != nil {
		t.Fatalf("register %s %s: %v", reg.Role, reg.ID, err)
	}
	return ident
}

func TestRegister_NormalizesAccount(t *testing.T) {
	svc := newTestService(t)
	ident := mustRegister(t, svc, patientReg("123456", "  0xABCdef "))
	if ident.AccountRef != "0xabcdef" {
		t.Errorf("expected 0xabcdef, got %q", ident.AccountRef)
	}
	if ident.RegisteredAt.IsZero() {
		t.Error("expected RegisteredAt to be set")
	}

	got, err := svc.ResolveByAccount(context.Background(), RolePatient, "0XABCDEF")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "123456" {
		t.Errorf("expected 123456, got %s", got.ID)
	}
	if got.Profile.BloodGroup != "B+" {
		t.Errorf("expected blood group B+, got %q", got.Profile.BloodGroup)
	}
}

func TestRegister_InvalidID(t *testing.T) {
	svc := newTestService(t)
	for _, id := range []string{"", "12345", "1234567", "12a456", "-12345"} {
		_, err := svc.Register(context.Background(), patientReg(id, "0xa"))
		if !errors.Is(err, apperr.ErrInvalidIDFormat) {
			t.Errorf("id %q: expected ErrInvalidIDFormat, got %v", id, err)
		}
	}
}

func TestRegister_Validation(t *testing.T) {
	svc := newTestService(t)
	tests := []struct {
		name string
		mut  func(*Registration)
	}{
		{"missing account", func(r *Registration) { r.AccountRef = "" }},
		{"missing name", func(r *Registration) { r.DisplayName = "  " }},
		{"bad email", func(r *Registration) { r.ContactEmail = "not-an-email" }},
		{"bad dob", func(r *Registration) { r.Profile.DateOfBirth = "12/04/1990" }},
		{"bad role", func(r *Registration) { r.Role = "nurse" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := patientReg("123456", "0xa")
			tt.mut(&reg)
			if _, err := svc.Register(context.Background(), reg); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestRegister_Duplicates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	mustRegister(t, svc, patientReg("123456", "0xa"))

	if _, err := svc.Register(ctx, patientReg("123456", "0xb")); !errors.Is(err, apperr.ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
	if _, err := svc.Register(ctx, patientReg("654321", "0xA")); !errors.Is(err, apperr.ErrDuplicateAccount) {
		t.Errorf("expected ErrDuplicateAccount, got %v", err)
	}

	// Same id and account in the other namespace is a separate identity.
	reg := patientReg("123456", "0xa")
	reg.Role = RoleDoctor
	mustRegister(t, svc, reg)

	if _, err := svc.GetByID(ctx, RolePatient, "654321"); !errors.Is(err, apperr.ErrIdentityNotFound) {
		t.Errorf("expected ErrIdentityNotFound, got %v", err)
	}
}

func TestRegister_ConcurrentSameID(t *testing.T) {
	svc := newTestService(t)
	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Register(context.Background(), patientReg("111111", fmt.Sprintf("0x%02d", i)))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, apperr.ErrDuplicateID) {
				t.Errorf("expected ErrDuplicateID, got %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one registration to win, got %d", wins)
	}
}

func TestResolve_AcrossRoles(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	mustRegister(t, svc, patientReg("123456", "0xa"))

	got, err := svc.Resolve(ctx, "0xA", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Role != RolePatient {
		t.Errorf("expected patient, got %s", got.Role)
	}

	if _, err := svc.Resolve(ctx, "0xnobody", ""); !errors.Is(err, apperr.ErrIdentityNotFound) {
		t.Errorf("expected ErrIdentityNotFound, got %v", err)
	}

	doc := patientReg("200002", "0xa")
	doc.Role = RoleDoctor
	mustRegister(t, svc, doc)

	// Registered in both namespaces: the caller has to pick one.
	if _, err := svc.Resolve(ctx, "0xa", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}

	got, err = svc.Resolve(ctx, "0xa", RoleDoctor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "200002" {
		t.Errorf("expected 200002, got %s", got.ID)
	}
}

func TestList_Paged(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	for i := 5; i >= 1; i-- {
		mustRegister(t, svc, patientReg(fmt.Sprintf("10000%d", i), fmt.Sprintf("0x%d", i)))
	}
	items, total, err := svc.List(ctx, RolePatient, 2, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Errorf("expected total 5, got %d", total)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != "100002" || items[1].ID != "100003" {
		t.Errorf("expected [100002 100003], got [%s %s]", items[0].ID, items[1].ID)
	}

	items, _, err = svc.List(ctx, RolePatient, 10, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected empty page, got %d", len(items))
	}
}

func TestAdmin_SetAndClear(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	expectAdmin := func(want string) {
		t.Helper()
		acct, err := svc.Admin(ctx, RoleDoctor)
		if err != nil {
			t.Fatalf("admin: %v", err)
		}
		if acct != want {
			t.Errorf("expected admin %q, got %q", want, acct)
		}
	}

	expectAdmin("")
	if err := svc.SetAdmin(ctx, RoleDoctor, "0xADMIN"); err != nil {
		t.Fatalf("set admin: %v", err)
	}
	expectAdmin("0xadmin")
	if err := svc.SetAdmin(ctx, RoleDoctor, ""); err != nil {
		t.Fatalf("clear admin: %v", err)
	}
	expectAdmin("")

	if err := svc.SetAdmin(ctx, RoleDoctor, "not an account"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

type failingRepo struct{ Repository }

func (failingRepo) GetByAccount(context.Context, Role, string) (*Identity, error) {
	return nil, fmt.Errorf("dial tcp: connection refused")
}

func TestResolve_UpstreamFailure(t *testing.T) {
	svc := NewService(failingRepo{})
	_, err := svc.ResolveByAccount(context.Background(), RolePatient, "0xa")
	if !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Errorf("expected ErrUpstreamUnavailable, got %v", err)
	}
}
