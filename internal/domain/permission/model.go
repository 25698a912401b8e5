package permission

import "time"

// Grant is one patient->doctor permission. A grant is active until it is
// revoked; revoked grants are kept as history and a later grant for the
// same pair creates a new record.
type Grant struct {
	ID        string     `json:"id"`
	PatientID string     `json:"patient_id"`
	DoctorID  string     `json:"doctor_id"`
	GrantedAt time.Time  `json:"granted_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	RevokedBy string     `json:"revoked_by,omitempty"`
}

func (g *Grant) Active() bool { return g.RevokedAt == nil }
