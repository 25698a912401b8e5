package records

import "time"

// Reference points at one uploaded record in the blob store. References are
// append-only and ordered per patient by Seq.
type Reference struct {
	PatientID  string    `json:"patient_id"`
	Seq        int64     `json:"seq"`
	ContentID  string    `json:"content_id"`
	UploadedAt time.Time `json:"uploaded_at"`
	UploadedBy string    `json:"uploaded_by"`
}
