package records

import "context"

type Repository interface {
	// Append assigns the next per-patient sequence number to ref and stores
	// it.
	Append(ctx context.Context, ref *Reference) error
	// List returns the patient's references in insertion order.
	List(ctx context.Context, patientID string) ([]*Reference, error)
}
