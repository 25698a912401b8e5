package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/auth"
)

func ok(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		if RequestIDFromContext(c.Request().Context()) != rid {
			t.Error("expected request id on request context")
		}
		return ok(c)
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesWellFormed(t *testing.T) {
	tests := []struct {
		in   string
		keep bool
	}{
		{"my-custom-id", true},
		{"abc.DEF_123", true},
		{"has spaces", false},
		{strings.Repeat("x", 200), false},
	}
	for _, tt := range tests {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, tt.in)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		if err := RequestID()(ok)(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got := rec.Header().Get(RequestIDHeader)
		if (got == tt.in) != tt.keep {
			t.Errorf("input %q: got %q, keep=%v", tt.in, got, tt.keep)
		}
	}
}

func TestLogger_LogsStatusAndAccount(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/100001/records", nil)
	req = req.WithContext(auth.WithAccount(req.Context(), "0xabc", ""))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "access_denied")
	}
	_ = Logger(logger)(handler)(c)

	out := buf.String()
	for _, want := range []string{`"status":403`, `"account_ref":"0xabc"`, `"level":"warn"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %s missing %s", out, want)
		}
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := Recovery(zerolog.New(&buf))(func(c echo.Context) error {
		panic("test panic")
	})(c)

	httpErr, isHTTP := err.(*echo.HTTPError)
	if !isHTTP {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
	if !strings.Contains(buf.String(), "test panic") {
		t.Error("expected panic to be logged")
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())
	if err := Recovery(zerolog.Nop())(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type mockRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (m *mockRecorder) RecordAccess(entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func TestAudit_RecordsPatientRoutes(t *testing.T) {
	e := echo.New()
	rec := &mockRecorder{}
	e.Use(Audit(zerolog.Nop(), rec))
	e.GET("/api/v1/patients/:patientID/records", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "access_denied")
	})
	e.GET("/api/v1/me", ok)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/100001/records", nil)
	req = req.WithContext(auth.WithAccount(req.Context(), "0xdoc", ""))
	e.ServeHTTP(httptest.NewRecorder(), req)
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/me", nil))

	if len(rec.entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(rec.entries))
	}
	got := rec.entries[0]
	if got.PatientID != "100001" || got.AccountRef != "0xdoc" || got.StatusCode != http.StatusForbidden {
		t.Errorf("unexpected entry: %+v", got)
	}
	if got.Action != "read" || got.Route != "/api/v1/patients/:patientID/records" {
		t.Errorf("unexpected action/route: %s %s", got.Action, got.Route)
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	if err := SecurityHeaders()(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Cache-Control", "Strict-Transport-Security"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("missing header %s", h)
		}
	}
}

func TestRequestTimeout_SetsDeadline(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	var deadline time.Time
	var has bool
	err := RequestTimeout(2*time.Second)(func(c echo.Context) error {
		deadline, has = c.Request().Context().Deadline()
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !has || time.Until(deadline) > 2*time.Second {
		t.Errorf("expected deadline within 2s, got %v (set=%v)", deadline, has)
	}
}

func TestRequestTimeout_ZeroDisables(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	_ = RequestTimeout(0)(func(c echo.Context) error {
		if _, has := c.Request().Context().Deadline(); has {
			t.Error("expected no deadline")
		}
		return nil
	})(c)
}

func TestRateLimit_PerAccount(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2, IdleTTL: time.Minute})
	h := mw(ok)

	call := func(acct string) error {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(auth.WithAccount(context.Background(), acct, ""))
		return h(e.NewContext(req, httptest.NewRecorder()))
	}

	for i := 0; i < 2; i++ {
		if err := call("0xa"); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
	}
	err := call("0xa")
	httpErr, isHTTP := err.(*echo.HTTPError)
	if !isHTTP || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if err := call("0xb"); err != nil {
		t.Fatalf("other account should have its own bucket: %v", err)
	}
}
