// Package workflow is the entry point for every patient, doctor and admin
// action. Each action resolves the caller to an identity, lets the owning
// domain service authorize and perform exactly one mutation, publishes a
// notification after commit and logs the decision.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/domain/consultation"
	"github.com/ehr/portal/internal/domain/directory"
	"github.com/ehr/portal/internal/domain/permission"
	"github.com/ehr/portal/internal/domain/records"
	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/blobstore"
	"github.com/ehr/portal/internal/platform/events"
	"github.com/ehr/portal/internal/platform/middleware"
)

// Caller is the authenticated account behind a request. Role is the role
// the caller claims, and may be empty.
type Caller struct {
	AccountRef string
	Role       directory.Role
}

type Orchestrator struct {
	dir     *directory.Service
	perms   *permission.Service
	recs    *records.Service
	consult *consultation.Service
	blobs   blobstore.Store
	events  events.Publisher
	log     zerolog.Logger
	now     func() time.Time
}

type Option func(*Orchestrator)

func WithBlobStore(s blobstore.Store) Option {
	return func(o *Orchestrator) { o.blobs = s }
}

func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func New(dir *directory.Service, perms *permission.Service, recs *records.Service, consult *consultation.Service, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dir:     dir,
		perms:   perms,
		recs:    recs,
		consult: consult,
		blobs:   blobstore.NewMemoryStore(),
		events:  events.Nop{},
		log:     zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With().Str("component", "workflow").Logger()
	return o
}

// resolve moves f from Unauthenticated to IdentityResolved.
func (o *Orchestrator) resolve(ctx context.Context, f *flow, c Caller) error {
	_, err := o.resolveIdentity(ctx, f, c)
	return err
}

func (o *Orchestrator) resolveIdentity(ctx context.Context, f *flow, c Caller) (*directory.Identity, error) {
	if strings.TrimSpace(c.AccountRef) == "" {
		return nil, fmt.Errorf("%w: no account presented", apperr.ErrIdentityNotFound)
	}
	if c.Role != "" && !c.Role.Valid() {
		return nil, apperr.Validation("unknown role %q", c.Role)
	}
	ident, err := o.dir.Resolve(ctx, c.AccountRef, c.Role)
	if err != nil {
		return nil, err
	}
	f.resolved(directory.Actor{AccountRef: ident.AccountRef, Role: ident.Role, ID: ident.ID})
	return ident, nil
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	e.At = o.now()
	e.RequestID = middleware.RequestIDFromContext(ctx)
	// The mutation has committed; a publish failure must not turn it into an
	// error for the caller.
	if err := o.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		o.log.Warn().Err(err).Str("event", string(e.Type)).Str("request_id", e.RequestID).Msg("event publish failed")
	}
}

// Register creates an identity bound to the caller's own account. A
// registration naming a different account is refused.
func (o *Orchestrator) Register(ctx context.Context, c Caller, reg directory.Registration) (*directory.Identity, error) {
	f := newFlow(ctx, o.log, "register")
	if strings.TrimSpace(c.AccountRef) == "" {
		return nil, f.finish(fmt.Errorf("%w: no account presented", apperr.ErrIdentityNotFound))
	}
	if reg.AccountRef == "" {
		reg.AccountRef = c.AccountRef
	}
	// The account is authenticated but not yet in the directory.
	f.resolved(directory.Actor{AccountRef: directory.NormalizeAccount(c.AccountRef), Role: reg.Role, ID: reg.ID})
	if !directory.SameAccount(c.AccountRef, reg.AccountRef) {
		return nil, f.finish(fmt.Errorf("%w: an account may only register itself", apperr.ErrUnauthorized))
	}
	ident, err := o.dir.Register(ctx, reg)
	if err != nil {
		return nil, f.finish(err)
	}
	f.finish(nil)
	o.publish(ctx, events.Event{Type: events.IdentityRegistered, AccountRef: ident.AccountRef, PatientID: idIf(ident, directory.RolePatient), DoctorID: idIf(ident, directory.RoleDoctor)})
	return ident, nil
}

func idIf(ident *directory.Identity, role directory.Role) string {
	if ident.Role == role {
		return ident.ID
	}
	return ""
}

// ResolveIdentity is the login action.
func (o *Orchestrator) ResolveIdentity(ctx context.Context, c Caller) (*directory.Identity, error) {
	f := newFlow(ctx, o.log, "resolve_identity")
	ident, err := o.resolveIdentity(ctx, f, c)
	if err != nil {
		return nil, f.finish(err)
	}
	f.finish(nil)
	return ident, nil
}

// GetProfile looks up another identity by id. Doctor profiles are public to
// every registered caller so a patient can check a doctor before granting.
// Patient profiles follow the record read rule, checked before the lookup so
// a denied caller cannot learn which patient ids exist.
func (o *Orchestrator) GetProfile(ctx context.Context, c Caller, role directory.Role, id string) (*directory.Identity, error) {
	f := newFlow(ctx, o.log, "get_profile")
	if err := o.resolve(ctx, f, c); err != nil {
		return nil, f.finish(err)
	}
	switch role {
	case directory.RoleDoctor:
	case directory.RolePatient:
		if err := o.recs.CanRead(ctx, id, f.actor); err != nil {
			return nil, f.finish(err)
		}
	default:
		return nil, f.finish(apperr.Validation("unknown role %q", role))
	}
	ident, err := o.dir.GetByID(ctx, role, id)
	if err != nil {
		return nil, f.finish(err)
	}
	f.finish(nil)
	return ident, nil
}

// GrantPermission returns apperr.ErrAlreadyGranted, with a nil grant, when
// an active grant already exists.
func (o *Orchestrator) GrantPermission(ctx context.Context, c Caller, patientID, doctorID string) (*permission.Grant, error) {
	f := newFlow(ctx, o.log, "grant_permission")
	if err := o.resolve(ctx, f, c); err != nil {
		return nil, f.finish(err)
	}
	g, err := o.perms.Grant(ctx, patientID, doctorID, f.actor)
	if err != nil {
		return nil, f.finish(err)
	}
	f.finish(nil)
	o.publish(ctx, events.Event{Type: events.PermissionGranted, PatientID: patientID, DoctorID: doctorID, AccountRef: f.actor.AccountRef})
	return g, nil
}

func (o *Orchestrator) RevokePermission(ctx context.Context, c Caller, patientID, doctorID string) (*permission.Grant, error) {
	f := newFlow(ctx, o.log, "revoke_permission")
	if err := o.resolve(ctx, f, c); err != nil {
		return nil, f.finish(err)
	}
	g, err := o.perms.Revoke(ctx, patientID, doctorID, f.actor)
	if err != nil {
		return nil, f.finish(err)
	}
	f.finish(nil)
	o.publish(ctx, events.Event{Type: events.PermissionRevoked, PatientID: patientID, DoctorID: doctorID, AccountRef: f.actor.AccountRef})
	return g, nil
}

// RelinquishPatient lets a doctor give up their own access to a patient.
func (o *Orchestrator) RelinquishPatient(ctx context.Context, c Caller, patientID, doctorID string) (*permission.Grant, error) {
	f := newFlow(ctx, o.log, "relinquish_patient")
	if err := o.resolve(ctx, f, c); err != nil {
		return nil, f.finish(err)
	}
	g, err := o.perms.Relinquish(ctx, patientID, doctorID, f.actor)
	if err != nil {
		return nil, f.finish(err)
	}
	f.finish(nil)
	o.publish(ctx, events.Event{Type: events.PermissionRevoked, PatientID: patientID, DoctorID: doctorID, AccountRef: f.actor.AccountRef})
	return g, nil
}

func (o *Orchestrator) ListGrantedDoctors(ctx context.Context, c Caller, patientID string) ([]string, error) {
	f := newFlow(ctx, o.log, "list_granted_doctors")
	if err := o.resolve(ctx, f, c); err != nil {
		return nil, f.finish(err)
	}
	ids, err := o.perms.ListGrantedDoctors(ctx, patientID, f.actor)
	return ids, f.finish(err)
}

func (o *Orchestrator) ListPatientsForDoctor(ctx context.Context, c Caller, doctorID string) ([]string, error) {
	f := newFlow(ctx, o.log, "list_patients_for_doctor")
	if err := o.resolve(ctx, f, c); err != nil {
		return nil, f.finish(err)
	}
	ids, err := o.perms.ListPatientsForDoctor(ctx, doctorID, f.actor)
	return ids, f.finish(err)
}

func (o *Orchestrator) GrantHistory(ctx context.Context, c Caller, patientID string) ([]*permission.Grant, error) {
	f := newFlow(ctx, o.log, "grant_history")
	if err := o.resolve(ctx, f, c); err != nil {
		return nil, f.finish(err)
	}
	grants, err := o.perms.History(ctx, patientID, f.actor)
	return grants, f.finish(err)
}

// UploadRecord indexes a content id the patient already stored elsewhere.
func (o *Orchestrator) UploadRecord(ctx context.Context, c Caller, patientID, contentID string) (*records.Reference, error) {
	f := newFlow(ctx, o.log, "upload_record")
	if err := o.resolve(ctx, f, c); err != nil {
		return nil, f.finish(err)
	}
	ref, err := o.recs.AppendRecord(ctx, patientID, contentID, f.actor)
	if err != nil {
		return nil, f.finish(err)
	}
	f.finish(nil)
	o.publish(ctx, events.Event{Type: events.RecordUploaded, PatientID: patientID, ContentID: ref.ContentID, AccountRef: f.actor.AccountRef})
	return ref, nil
}

// UploadRecordContent stores data in the blob store and indexes the
// returned content id. Authorization is checked before any byte is stored.
func (o *Orchestrator) UploadRecordContent(ctx context.Context, c Caller, patientID string, data []byte) (*records.Reference, error) {
	f := newFlow(ctx, o.log, "upload_record_content")
	if err := o.resolve(ctx, f, c); err != nil {
		return nil, f.finish(err)
	}
	if !f.actor.Is(directory.RolePatient, patientID) {
		return nil, f.finish(fmt.Errorf("%w: only patient %s may upload records", apperr.ErrUnauthorized, patientID))
	}
	if err := blobstore.CheckSize(data); err != nil {
		return nil, f.finish(apperr.Validation("%v", err))
	}
	cid, err := o.blobs.Put(ctx, data)
	if err != nil {
		return nil, f.finish(apperr.Upstream("store record content", err))
	}
	ref, err := o.recs.AppendRecord(ctx, patientID, cid, f.actor)
	if err != nil {
		// The blob is content addressed; an orphan is harmless and a retry
		// stores the same cid.
		return nil, f.finish(err)
	}
	f.finish(nil)
	o.publish(ctx, events.Event{Type: events.RecordUploaded, PatientID: patientID, ContentID: ref.ContentID, AccountRef: f.actor.AccountRef})
	return ref, nil
}

func (o *Orchestrator) ListRecords(ctx context.Context, c Caller, patientID string) ([]*records.Reference, error) {
	f := newFlow(ctx, o.log, "list_records")
	if err := o.resolve(ctx, f, c); err != nil {
		return nil, f.finish(err)
	}
	refs, err := o.recs.ListRecords(ctx, patientID, f.actor)
	return refs, f.finish(err)
}

// RecordContent fetches the bytes behind a content id indexed for the
// patient, under the record read rule.
func (o *Orchestrator) RecordContent(ctx context.Context, c Caller, patientID, contentID string) ([]byte, error) {
	f := newFlow(ctx, o.log, "record_content")
	if err := o.resolve(ctx, f, c); err != nil {
		return nil, f.finish(err)
	}
	ref, err := o.recs.Lookup(ctx, patientID, contentID, f.actor)
	if err != nil {
		return nil, f.finish(err)
	}
	data, err := o.blobs.Get(ctx, ref.ContentID)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		err = apperr.Validation("content %s is indexed but not retrievable", ref.ContentID)
	}
	return data, f.finish(apperr.Upstream("fetch record content", err))
}

func (o *Orchestrator) CreateConsultation(ctx context.Context, c Caller, in consultation.NewEntry) (*consultation.Entry, error) {
	f := newFlow(ctx, o.log, "create_consultation")
	if err := o.resolve(ctx, f, c); err != nil {
		return nil, f.finish(err)
	}
	entry, err := o.consult.CreateEntry(ctx, in, f.actor)
	if err != nil {
		return nil, f.finish(err)
	}
	f.finish(nil)
	o.publish(ctx, events.Event{Type: events.ConsultationCreated, PatientID: entry.PatientID, DoctorID: f.actor.ID, RecordID: entry.RecordID, AccountRef: f.actor.AccountRef})
	return entry, nil
}

func (o *Orchestrator) ListConsultationsForPatient(ctx context.Context, c Caller, patientID string) ([]*consultation.View, error) {
	f := newFlow(ctx, o.log, "list_consultations")
	if err := o.resolve(ctx, f, c); err != nil {
		return nil, f.finish(err)
	}
	entries, err := o.consult.ListByPatient(ctx, patientID, f.actor)
	if err != nil {
		return nil, f.finish(err)
	}
	views, err := o.consult.Views(ctx, entries)
	return views, f.finish(err)
}

func (o *Orchestrator) ListConsultationsForPatientAndDoctor(ctx context.Context, c Caller, patientID, doctorID string) ([]*consultation.View, error) {
	f := newFlow(ctx, o.log, "list_consultations_by_doctor")
	if err := o.resolve(ctx, f, c); err != nil {
		return nil, f.finish(err)
	}
	entries, err := o.consult.ListByPatientAndDoctor(ctx, patientID, doctorID, f.actor)
	if err != nil {
		return nil, f.finish(err)
	}
	views, err := o.consult.Views(ctx, entries)
	return views, f.finish(err)
}

// CheckAdmin admits the caller only when it administers both directories.
// Matching exactly one, or a directory without an administrator, is a
// configuration error naming the directory that disagrees.
func (o *Orchestrator) CheckAdmin(ctx context.Context, c Caller) error {
	f := newFlow(ctx, o.log, "check_admin")
	return f.finish(o.checkAdmin(ctx, f, c))
}

func (o *Orchestrator) checkAdmin(ctx context.Context, f *flow, c Caller) error {
	acct := directory.NormalizeAccount(c.AccountRef)
	if acct == "" {
		return fmt.Errorf("%w: no account presented", apperr.ErrIdentityNotFound)
	}
	// Admins are configured accounts, not directory identities.
	f.resolved(directory.Actor{AccountRef: acct})

	doctorAdmin, err := o.dir.Admin(ctx, directory.RoleDoctor)
	if err != nil {
		return err
	}
	patientAdmin, err := o.dir.Admin(ctx, directory.RolePatient)
	if err != nil {
		return err
	}
	switch {
	case doctorAdmin == "":
		return &apperr.ConfigError{Directory: string(directory.RoleDoctor), Detail: "no administrator configured"}
	case patientAdmin == "":
		return &apperr.ConfigError{Directory: string(directory.RolePatient), Detail: "no administrator configured"}
	}
	isDoctorAdmin := directory.SameAccount(acct, doctorAdmin)
	isPatientAdmin := directory.SameAccount(acct, patientAdmin)
	switch {
	case isDoctorAdmin && isPatientAdmin:
		return nil
	case isDoctorAdmin:
		return &apperr.ConfigError{Directory: string(directory.RolePatient), Detail: "account administers the doctor directory but not the patient directory"}
	case isPatientAdmin:
		return &apperr.ConfigError{Directory: string(directory.RoleDoctor), Detail: "account administers the patient directory but not the doctor directory"}
	}
	return fmt.Errorf("%w: %s is not an administrator", apperr.ErrUnauthorized, acct)
}

// ListIdentities pages one directory namespace for an administrator.
func (o *Orchestrator) ListIdentities(ctx context.Context, c Caller, role directory.Role, limit, offset int) ([]*directory.Identity, int, error) {
	f := newFlow(ctx, o.log, "list_identities")
	if err := o.checkAdmin(ctx, f, c); err != nil {
		return nil, 0, f.finish(err)
	}
	items, total, err := o.dir.List(ctx, role, limit, offset)
	return items, total, f.finish(err)
}

// ExportDirectory writes both namespaces to w as an XLSX workbook.
func (o *Orchestrator) ExportDirectory(ctx context.Context, c Caller, w io.Writer) error {
	f := newFlow(ctx, o.log, "export_directory")
	if err := o.checkAdmin(ctx, f, c); err != nil {
		return f.finish(err)
	}
	return f.finish(exportDirectory(ctx, o.dir, w))
}
