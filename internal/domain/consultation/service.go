package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/portal/internal/domain/directory"
	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/hipaa"
)

// Directory resolves doctor accounts for filtering and views.
type Directory interface {
	ResolveByAccount(ctx context.Context, role directory.Role, accountRef string) (*directory.Identity, error)
}

type Grants interface {
	IsGranted(ctx context.Context, patientID, doctorID string) (bool, error)
}

// ReadGate applies the patient record read rule.
type ReadGate interface {
	CanRead(ctx context.Context, patientID string, actor directory.Actor) error
}

const generatedIDAttempts = 3

type Service struct {
	repo   Repository
	dir    Directory
	grants Grants
	gate   ReadGate
	phi    *hipaa.PHIEncryptor
	now    func() time.Time
	newID  func() string
}

type Option func(*Service)

// WithEncryptor seals diagnosis and prescription before they are stored.
func WithEncryptor(enc *hipaa.PHIEncryptor) Option {
	return func(s *Service) { s.phi = enc }
}

func NewService(repo Repository, dir Directory, grants Grants, gate ReadGate, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		dir:    dir,
		grants: grants,
		gate:   gate,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateEntry checks, in order: the actor is the doctor named by
// DoctorAccountRef, that doctor holds a grant for the patient, and both
// texts are non-empty. The journal assigns CreatedAt and, unless supplied,
// the record id.
func (s *Service) CreateEntry(ctx context.Context, in NewEntry, actor directory.Actor) (*Entry, error) {
	if actor.Role != directory.RoleDoctor || !directory.SameAccount(actor.AccountRef, in.DoctorAccountRef) {
		return nil, fmt.Errorf("%w: actor is not doctor %s", apperr.ErrUnauthorized, directory.NormalizeAccount(in.DoctorAccountRef))
	}
	ok, err := s.grants.IsGranted(ctx, in.PatientID, actor.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: doctor %s has no grant for patient %s", apperr.ErrAccessDenied, actor.ID, in.PatientID)
	}
	diagnosis := strings.TrimSpace(in.Diagnosis)
	prescription := strings.TrimSpace(in.Prescription)
	if diagnosis == "" || prescription == "" {
		return nil, apperr.Validation("diagnosis and prescription are required")
	}

	supplied := in.RecordID != ""
	if supplied && !recordIDPattern.MatchString(in.RecordID) {
		return nil, apperr.Validation("record_id must be 1-64 characters of letters, digits, '-' or '_'")
	}

	e := &Entry{
		RecordID:         in.RecordID,
		PatientID:        in.PatientID,
		DoctorAccountRef: directory.NormalizeAccount(in.DoctorAccountRef),
		Diagnosis:        diagnosis,
		Prescription:     prescription,
		CreatedAt:        s.now(),
	}
	for attempt := 1; ; attempt++ {
		if !supplied {
			e.RecordID = s.newID()
		}
		stored, err := s.seal(e)
		if err != nil {
			return nil, err
		}
		err = s.repo.Create(ctx, stored)
		if err == nil {
			e.Seq = stored.Seq
			return e, nil
		}
		if supplied || !errors.Is(err, apperr.ErrDuplicateRecordID) || attempt == generatedIDAttempts {
			return nil, apperr.Upstream("create consultation", err)
		}
	}
}

// ListByPatient returns the patient's entries in creation order under the
// record read rule.
func (s *Service) ListByPatient(ctx context.Context, patientID string, actor directory.Actor) ([]*Entry, error) {
	if err := s.gate.CanRead(ctx, patientID, actor); err != nil {
		return nil, err
	}
	stored, err := s.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, apperr.Upstream("list consultations", err)
	}
	out := make([]*Entry, 0, len(stored))
	for _, e := range stored {
		plain, err := s.open(e)
		if err != nil {
			return nil, err
		}
		out = append(out, plain)
	}
	return out, nil
}

// ListByPatientAndDoctor keeps the entries whose doctor account resolves to
// doctorID in the directory. No match is an empty result.
func (s *Service) ListByPatientAndDoctor(ctx context.Context, patientID, doctorID string, actor directory.Actor) ([]*Entry, error) {
	all, err := s.ListByPatient(ctx, patientID, actor)
	if err != nil {
		return nil, err
	}
	res := newResolver(s.dir)
	out := []*Entry{}
	for _, e := range all {
		doc, err := res.doctor(ctx, e.DoctorAccountRef)
		if err != nil {
			return nil, err
		}
		if doc != nil && doc.ID == doctorID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Views attaches the resolved doctor to each entry.
func (s *Service) Views(ctx context.Context, entries []*Entry) ([]*View, error) {
	res := newResolver(s.dir)
	out := make([]*View, 0, len(entries))
	for _, e := range entries {
		v := &View{Entry: e}
		doc, err := res.doctor(ctx, e.DoctorAccountRef)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			v.DoctorID = doc.ID
			v.DoctorName = doc.DisplayName
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Service) seal(e *Entry) (*Entry, error) {
	stored := *e
	if s.phi == nil {
		return &stored, nil
	}
	var err error
	if stored.Diagnosis, err = s.phi.Seal(e.Diagnosis, e.RecordID); err != nil {
		return nil, err
	}
	if stored.Prescription, err = s.phi.Seal(e.Prescription, e.RecordID); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *Service) open(e *Entry) (*Entry, error) {
	if s.phi == nil {
		return e, nil
	}
	var err error
	if e.Diagnosis, err = s.phi.Open(e.Diagnosis, e.RecordID); err != nil {
		return nil, fmt.Errorf("open diagnosis of %s: %w", e.RecordID, err)
	}
	if e.Prescription, err = s.phi.Open(e.Prescription, e.RecordID); err != nil {
		return nil, fmt.Errorf("open prescription of %s: %w", e.RecordID, err)
	}
	return e, nil
}

// resolver memoizes account lookups for one listing.
type resolver struct {
	dir  Directory
	seen map[string]*directory.Identity
}

func newResolver(dir Directory) *resolver {
	return &resolver{dir: dir, seen: map[string]*directory.Identity{}}
}

func (r *resolver) doctor(ctx context.Context, accountRef string) (*directory.Identity, error) {
	acct := directory.NormalizeAccount(accountRef)
	if ident, ok := r.seen[acct]; ok {
		return ident, nil
	}
	ident, err := r.dir.ResolveByAccount(ctx, directory.RoleDoctor, acct)
	if errors.Is(err, apperr.ErrIdentityNotFound) {
		ident, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.seen[acct] = ident
	return ident, nil
}
