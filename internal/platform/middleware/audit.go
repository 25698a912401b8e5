package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/auth"
)

// AuditEntry records who touched which patient's data through which route.
type AuditEntry struct {
	AccountRef string
	PatientID  string
	DoctorID   string
	Route      string
	Action     string // read, create, delete
	Method     string
	Path       string
	IPAddress  string
	UserAgent  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1 request that names a patient or doctor, after
// the handler has run, with its final status. Denied requests are audited
// too.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return err
			}
			entry := AuditEntry{
				AccountRef: auth.AccountRefFromContext(req.Context()),
				PatientID:  c.Param("patientID"),
				DoctorID:   c.Param("doctorID"),
				Route:      c.Path(),
				Action:     httpMethodToAction(req.Method),
				Method:     req.Method,
				Path:       req.URL.Path,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: statusOf(c, err),
				Timestamp:  time.Now().UTC(),
			}
			if entry.PatientID == "" && entry.DoctorID == "" {
				return err
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.StatusCode == http.StatusForbidden {
				evt = logger.Warn()
			}
			evt.
				Str("type", "phi_audit").
				Str("request_id", entry.RequestID).
				Str("account_ref", entry.AccountRef).
				Str("patient_id", entry.PatientID).
				Str("doctor_id", entry.DoctorID).
				Str("action", entry.Action).
				Str("route", entry.Route).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func statusOf(c echo.Context, err error) int {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	if err != nil && !c.Response().Committed {
		return http.StatusInternalServerError
	}
	return c.Response().Status
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost, http.MethodPut:
		return "create"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
