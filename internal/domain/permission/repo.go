package permission

import (
	"context"
	"time"
)

// Repository stores grants. At most one active grant exists per
// (patient, doctor) pair; Create returns apperr.ErrAlreadyGranted when one
// already does, and Revoke returns apperr.ErrNotGranted when none does.
type Repository interface {
	Create(ctx context.Context, g *Grant) error
	Active(ctx context.Context, patientID, doctorID string) (*Grant, error)
	Revoke(ctx context.Context, patientID, doctorID, revokedBy string, at time.Time) (*Grant, error)

	// ListActiveByPatient and ListActiveByDoctor return active grants in
	// grant order.
	ListActiveByPatient(ctx context.Context, patientID string) ([]*Grant, error)
	ListActiveByDoctor(ctx context.Context, doctorID string) ([]*Grant, error)

	// History returns every grant of a patient, active and revoked, in
	// grant order.
	History(ctx context.Context, patientID string) ([]*Grant, error)
}
