package consultation

import "context"

type Repository interface {
	// Create assigns the next per-patient sequence number and stores e.
	// A record id that is already used returns apperr.ErrDuplicateRecordID.
	Create(ctx context.Context, e *Entry) error
	// ListByPatient returns the patient's entries in creation order.
	ListByPatient(ctx context.Context, patientID string) ([]*Entry, error)
}
