package main

import (
	"path/filepath"
	"testing"

	"github.com/ehr/portal/internal/platform/ledger"
)

func TestRunServer_SeedFailureReleasesLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger")
	t.Setenv("ENV", "development")
	t.Setenv("LEDGER_BACKEND", "leveldb")
	t.Setenv("LEVELDB_PATH", path)
	t.Setenv("DOCTOR_DIRECTORY_ADMIN", "not an account")

	if err := runServer(); err == nil {
		t.Fatal("expected seeding an invalid admin account to fail")
	}

	// goleveldb holds an exclusive file lock until Close.
	store, err := ledger.OpenLevelDB(path)
	if err != nil {
		t.Fatalf("ledger was not released: %v", err)
	}
	store.Close()
}

func TestBuildApp_MaintenanceSkipsSideEffects(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("LEDGER_BACKEND", "memory")
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	a, err := buildApp(t.Context(), cfg, newLogger(cfg.Env), false)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer a.Close()
	if a.blobs != nil || a.events != nil {
		t.Error("expected no blob store or publisher for maintenance commands")
	}
	if _, ok := a.healthChecks()["ledger"]; !ok {
		t.Error("expected a ledger health check")
	}
}
