package records

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/portal/internal/domain/directory"
	"github.com/ehr/portal/internal/platform/apperr"
)

// Grants answers whether a doctor currently holds access to a patient.
type Grants interface {
	IsGranted(ctx context.Context, patientID, doctorID string) (bool, error)
}

type Service struct {
	repo   Repository
	grants Grants
	now    func() time.Time
}

func NewService(repo Repository, grants Grants) *Service {
	return &Service{repo: repo, grants: grants, now: func() time.Time { return time.Now().UTC() }}
}

// AppendRecord indexes contentID under patientID. Only the patient may
// upload to their own index.
func (s *Service) AppendRecord(ctx context.Context, patientID, contentID string, actor directory.Actor) (*Reference, error) {
	if !actor.Is(directory.RolePatient, patientID) {
		return nil, fmt.Errorf("%w: only patient %s may upload records", apperr.ErrUnauthorized, patientID)
	}
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return nil, apperr.Validation("content_id is required")
	}
	ref := &Reference{
		PatientID:  patientID,
		ContentID:  contentID,
		UploadedAt: s.now(),
		UploadedBy: actor.AccountRef,
	}
	if err := s.repo.Append(ctx, ref); err != nil {
		return nil, apperr.Upstream("append record", err)
	}
	return ref, nil
}

// ListRecords returns the patient's references in upload order to the
// patient or to a doctor holding an active grant.
func (s *Service) ListRecords(ctx context.Context, patientID string, actor directory.Actor) ([]*Reference, error) {
	if err := s.CanRead(ctx, patientID, actor); err != nil {
		return nil, err
	}
	refs, err := s.repo.List(ctx, patientID)
	if err != nil {
		return nil, apperr.Upstream("list records", err)
	}
	return refs, nil
}

// Lookup returns the reference for contentID if it is indexed for the
// patient, after applying the same read rule as ListRecords.
func (s *Service) Lookup(ctx context.Context, patientID, contentID string, actor directory.Actor) (*Reference, error) {
	refs, err := s.ListRecords(ctx, patientID, actor)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if ref.ContentID == contentID {
			return ref, nil
		}
	}
	return nil, apperr.Validation("content %s is not a record of patient %s", contentID, patientID)
}

// CanRead applies the record read rule: the patient themself, or a doctor
// with an active grant.
func (s *Service) CanRead(ctx context.Context, patientID string, actor directory.Actor) error {
	if actor.Is(directory.RolePatient, patientID) {
		return nil
	}
	if actor.Role == directory.RoleDoctor {
		ok, err := s.grants.IsGranted(ctx, patientID, actor.ID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not read records of patient %s", apperr.ErrAccessDenied, actor, patientID)
}
