package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runHealth(t *testing.T, checks map[string]Check) (int, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	if err := HealthHandler(checks)(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	code, body := runHealth(t, map[string]Check{
		"ledger": func(context.Context) error { return nil },
		"blobs":  func(context.Context) error { return nil },
	})
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	code, body := runHealth(t, map[string]Check{
		"ledger": func(context.Context) error { return nil },
		"blobs":  func(context.Context) error { return errors.New("ipfs: connection refused") },
	})
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	checks := body["checks"].(map[string]interface{})
	if checks["ledger"] != "ok" {
		t.Errorf("expected ledger ok, got %v", checks["ledger"])
	}
	if checks["blobs"] != "ipfs: connection refused" {
		t.Errorf("unexpected blobs result %v", checks["blobs"])
	}
}

func TestHealthHandler_Deadline(t *testing.T) {
	_, body := runHealth(t, map[string]Check{
		"ledger": func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				return errors.New("no deadline")
			}
			return nil
		},
	})
	if body["status"] != "healthy" {
		t.Errorf("expected check to receive a deadline, got %v", body)
	}
}
