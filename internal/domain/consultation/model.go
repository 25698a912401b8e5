package consultation

import (
	"regexp"
	"time"
)

// Entry is one immutable consultation record written by a doctor.
type Entry struct {
	RecordID         string    `json:"record_id"`
	PatientID        string    `json:"patient_id"`
	DoctorAccountRef string    `json:"doctor_account_ref"`
	Diagnosis        string    `json:"diagnosis"`
	Prescription     string    `json:"prescription"`
	CreatedAt        time.Time `json:"created_at"`
	Seq              int64     `json:"seq"`
}

// View is an entry together with the doctor it resolves to. DoctorID and
// DoctorName are empty when the account no longer resolves.
type View struct {
	*Entry
	DoctorID   string `json:"doctor_id,omitempty"`
	DoctorName string `json:"doctor_name,omitempty"`
}

// NewEntry is the input to CreateEntry. RecordID is optional.
type NewEntry struct {
	RecordID         string `json:"record_id"`
	PatientID        string `json:"patient_id"`
	DoctorAccountRef string `json:"doctor_account_ref"`
	Diagnosis        string `json:"diagnosis"`
	Prescription     string `json:"prescription"`
}

var recordIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
