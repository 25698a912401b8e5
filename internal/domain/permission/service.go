package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/portal/internal/domain/directory"
	"github.com/ehr/portal/internal/platform/apperr"
)

// Directory is the slice of the identity directory the ledger needs.
type Directory interface {
	Exists(ctx context.Context, role directory.Role, id string) (bool, error)
}

type Service struct {
	repo Repository
	dir  Directory
	now  func() time.Time
}

func NewService(repo Repository, dir Directory) *Service {
	return &Service{repo: repo, dir: dir, now: func() time.Time { return time.Now().UTC() }}
}

// Grant gives doctorID read access to patientID's records. Only the patient
// may grant. An existing active grant yields apperr.ErrAlreadyGranted and
// leaves it untouched.
func (s *Service) Grant(ctx context.Context, patientID, doctorID string, actor directory.Actor) (*Grant, error) {
	if !actor.Is(directory.RolePatient, patientID) {
		return nil, fmt.Errorf("%w: only patient %s may grant access", apperr.ErrUnauthorized, patientID)
	}
	if err := s.mustExist(ctx, directory.RoleDoctor, doctorID, apperr.ErrUnknownDoctor); err != nil {
		return nil, err
	}
	if err := s.mustExist(ctx, directory.RolePatient, patientID, apperr.ErrUnknownPatient); err != nil {
		return nil, err
	}
	g := &Grant{
		ID:        uuid.NewString(),
		PatientID: patientID,
		DoctorID:  doctorID,
		GrantedAt: s.now(),
	}
	if err := s.repo.Create(ctx, g); err != nil {
		return nil, apperr.Upstream("grant", err)
	}
	return g, nil
}

// IsGranted reads the current state on every call.
func (s *Service) IsGranted(ctx context.Context, patientID, doctorID string) (bool, error) {
	_, err := s.repo.Active(ctx, patientID, doctorID)
	if errors.Is(err, apperr.ErrNotGranted) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Upstream("check grant", err)
	}
	return true, nil
}

// Revoke ends the patient's active grant to doctorID.
func (s *Service) Revoke(ctx context.Context, patientID, doctorID string, actor directory.Actor) (*Grant, error) {
	if !actor.Is(directory.RolePatient, patientID) {
		return nil, fmt.Errorf("%w: only patient %s may revoke access", apperr.ErrUnauthorized, patientID)
	}
	g, err := s.repo.Revoke(ctx, patientID, doctorID, actor.AccountRef, s.now())
	if err != nil {
		return nil, apperr.Upstream("revoke", err)
	}
	return g, nil
}

// Relinquish lets a doctor drop their own access to a patient. It cannot
// touch any other doctor's grant.
func (s *Service) Relinquish(ctx context.Context, patientID, doctorID string, actor directory.Actor) (*Grant, error) {
	if !actor.Is(directory.RoleDoctor, doctorID) {
		return nil, fmt.Errorf("%w: only doctor %s may relinquish this access", apperr.ErrUnauthorized, doctorID)
	}
	g, err := s.repo.Revoke(ctx, patientID, doctorID, actor.AccountRef, s.now())
	if err != nil {
		return nil, apperr.Upstream("relinquish", err)
	}
	return g, nil
}

func (s *Service) ListGrantedDoctors(ctx context.Context, patientID string, actor directory.Actor) ([]string, error) {
	if !actor.Is(directory.RolePatient, patientID) {
		return nil, fmt.Errorf("%w: only patient %s may list their doctors", apperr.ErrUnauthorized, patientID)
	}
	grants, err := s.repo.ListActiveByPatient(ctx, patientID)
	if err != nil {
		return nil, apperr.Upstream("list granted doctors", err)
	}
	ids := make([]string, 0, len(grants))
	for _, g := range grants {
		ids = append(ids, g.DoctorID)
	}
	return ids, nil
}

func (s *Service) ListPatientsForDoctor(ctx context.Context, doctorID string, actor directory.Actor) ([]string, error) {
	if !actor.Is(directory.RoleDoctor, doctorID) {
		return nil, fmt.Errorf("%w: only doctor %s may list their patients", apperr.ErrUnauthorized, doctorID)
	}
	grants, err := s.repo.ListActiveByDoctor(ctx, doctorID)
	if err != nil {
		return nil, apperr.Upstream("list patients", err)
	}
	ids := make([]string, 0, len(grants))
	for _, g := range grants {
		ids = append(ids, g.PatientID)
	}
	return ids, nil
}

// History returns every grant the patient ever issued, revoked ones
// included.
func (s *Service) History(ctx context.Context, patientID string, actor directory.Actor) ([]*Grant, error) {
	if !actor.Is(directory.RolePatient, patientID) {
		return nil, fmt.Errorf("%w: only patient %s may read grant history", apperr.ErrUnauthorized, patientID)
	}
	grants, err := s.repo.History(ctx, patientID)
	if err != nil {
		return nil, apperr.Upstream("grant history", err)
	}
	return grants, nil
}

func (s *Service) mustExist(ctx context.Context, role directory.Role, id string, missing error) error {
	ok, err := s.dir.Exists(ctx, role, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", missing, id)
	}
	return nil
}
