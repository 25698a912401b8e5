// Package events publishes workflow notifications after a mutation has
// committed. Delivery is best effort: the workflow logs publish failures and
// never rolls back a committed change because of one.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type Type string

const (
	IdentityRegistered  Type = "identity.registered"
	PermissionGranted   Type = "permission.granted"
	PermissionRevoked   Type = "permission.revoked"
	RecordUploaded      Type = "record.uploaded"
	ConsultationCreated Type = "consultation.created"
)

// Event carries identifiers only, never PHI.
type Event struct {
	Type       Type      `json:"type"`
	PatientID  string    `json:"patient_id,omitempty"`
	DoctorID   string    `json:"doctor_id,omitempty"`
	RecordID   string    `json:"record_id,omitempty"`
	ContentID  string    `json:"content_id,omitempty"`
	AccountRef string    `json:"account_ref,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	At         time.Time `json:"at"`
}

func (e Event) encode() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
