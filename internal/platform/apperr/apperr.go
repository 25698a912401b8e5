// Package apperr defines the error taxonomy shared by the directory,
// permission, records, consultation and workflow packages, and its mapping
// onto HTTP responses.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrIdentityNotFound    = errors.New("identity not found")
	ErrDuplicateID         = errors.New("id already registered")
	ErrDuplicateAccount    = errors.New("account already bound to another id")
	ErrDuplicateRecordID   = errors.New("record id already used")
	ErrInvalidIDFormat     = errors.New("id must be a 6-digit number")
	ErrValidation          = errors.New("validation failed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrAccessDenied        = errors.New("access denied")
	ErrAlreadyGranted      = errors.New("permission already granted")
	ErrNotGranted          = errors.New("no active permission grant")
	ErrUnknownDoctor       = errors.New("unknown doctor")
	ErrUnknownPatient      = errors.New("unknown patient")
	ErrConfiguration       = errors.New("configuration error")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// ConfigError reports an administrative inconsistency. Directory names the
// directory whose configuration disagrees with the actor or with the other
// directory.
type ConfigError struct {
	Directory string
	Detail    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s directory: %s", e.Directory, e.Detail)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// Validation returns an ErrValidation carrying a field-level message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Upstream classifies a store or blob error. Taxonomy errors pass through
// unchanged; anything else, including context expiry, becomes
// ErrUpstreamUnavailable with the cause preserved.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUpstreamUnavailable, err)
}

// Classified reports whether err already belongs to the taxonomy.
func Classified(err error) bool {
	for _, known := range taxonomy {
		if errors.Is(err, known.err) {
			return true
		}
	}
	return false
}

type kind struct {
	err    error
	name   string
	status int
}

// Order matters: ConfigError unwraps to ErrConfiguration, and an upstream
// error may also wrap context errors.
var taxonomy = []kind{
	{ErrIdentityNotFound, "identity_not_found", http.StatusNotFound},
	{ErrDuplicateID, "duplicate_id", http.StatusConflict},
	{ErrDuplicateAccount, "duplicate_account", http.StatusConflict},
	{ErrDuplicateRecordID, "duplicate_record_id", http.StatusConflict},
	{ErrInvalidIDFormat, "invalid_id_format", http.StatusBadRequest},
	{ErrValidation, "validation_error", http.StatusBadRequest},
	{ErrUnauthorized, "unauthorized", http.StatusForbidden},
	{ErrAccessDenied, "access_denied", http.StatusForbidden},
	{ErrAlreadyGranted, "already_granted", http.StatusOK},
	{ErrNotGranted, "not_granted", http.StatusNotFound},
	{ErrUnknownDoctor, "unknown_doctor", http.StatusNotFound},
	{ErrUnknownPatient, "unknown_patient", http.StatusNotFound},
	{ErrConfiguration, "configuration_error", http.StatusInternalServerError},
	{ErrUpstreamUnavailable, "upstream_unavailable", http.StatusServiceUnavailable},
}

// Kind returns the stable machine-readable name of err, or "internal".
func Kind(err error) string {
	for _, k := range taxonomy {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "upstream_unavailable"
	}
	return "internal"
}

// HTTPStatus maps err onto a response status code.
func HTTPStatus(err error) int {
	for _, k := range taxonomy {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(err error) bool {
	return HTTPStatus(err) == http.StatusServiceUnavailable
}

// Message strips the wrapping op prefixes so a presentation layer can show
// the innermost human-readable part.
func Message(err error) string {
	var cfg *ConfigError
	if errors.As(err, &cfg) {
		return cfg.Error()
	}
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 && Kind(err) == "validation_error" {
		return msg[i+2:]
	}
	return msg
}
