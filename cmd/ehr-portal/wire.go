package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/domain/consultation"
	"github.com/ehr/portal/internal/domain/directory"
	"github.com/ehr/portal/internal/domain/permission"
	"github.com/ehr/portal/internal/domain/records"
	"github.com/ehr/portal/internal/domain/workflow"
	"github.com/ehr/portal/internal/platform/blobstore"
	"github.com/ehr/portal/internal/platform/db"
	"github.com/ehr/portal/internal/platform/events"
	"github.com/ehr/portal/internal/platform/hipaa"
	"github.com/ehr/portal/internal/platform/ledger"
	"github.com/ehr/portal/internal/platform/ledger/fabric"
	"github.com/ehr/portal/internal/platform/middleware"
)

// app holds every backend the portal runs on. Exactly one of store and
// pool backs the four domain repositories.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	store  ledger.Store
	pool   *pgxpool.Pool
	blobs  blobstore.Store
	ipfs   *blobstore.IPFSStore
	events events.Publisher

	dir *directory.Service
	wf  *workflow.Orchestrator

	closers []func() error
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// buildApp opens the configured backends and assembles the services.
// withSideEffects=false skips the blob store and event publisher, which
// the maintenance commands do not need.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, withSideEffects bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.openLedger(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var (
		dirRepo     directory.Repository
		permRepo    permission.Repository
		recRepo     records.Repository
		consultRepo consultation.Repository
	)
	if a.pool != nil {
		dirRepo, permRepo, recRepo, consultRepo = directory.NewRepo(a.pool), permission.NewRepo(a.pool), records.NewRepo(a.pool), consultation.NewRepo(a.pool)
	} else {
		dirRepo, permRepo, recRepo, consultRepo = directory.NewLedgerRepo(a.store), permission.NewLedgerRepo(a.store), records.NewLedgerRepo(a.store), consultation.NewLedgerRepo(a.store)
	}

	var consultOpts []consultation.Option
	if cfg.PHIEncryptionKey != "" {
		key, err := hipaa.ParseKey(cfg.PHIEncryptionKey)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("PHI_ENCRYPTION_KEY: %w", err)
		}
		enc, err := hipaa.NewPHIEncryptor(key)
		if err != nil {
			a.Close()
			return nil, err
		}
		consultOpts = append(consultOpts, consultation.WithEncryptor(enc))
		logger.Info().Msg("consultation notes are encrypted at rest")
	}

	a.dir = directory.NewService(dirRepo)
	perms := permission.NewService(permRepo, a.dir)
	recs := records.NewService(recRepo, perms)
	consult := consultation.NewService(consultRepo, a.dir, perms, recs, consultOpts...)

	wfOpts := []workflow.Option{workflow.WithLogger(logger)}
	if withSideEffects {
		if err := a.openBlobs(); err != nil {
			a.Close()
			return nil, err
		}
		if err := a.openEvents(ctx); err != nil {
			a.Close()
			return nil, err
		}
		wfOpts = append(wfOpts, workflow.WithBlobStore(a.blobs), workflow.WithPublisher(a.events))
	}
	a.wf = workflow.New(a.dir, perms, recs, consult, wfOpts...)
	return a, nil
}

func (a *app) openLedger(ctx context.Context) error {
	cfg := a.cfg
	switch cfg.LedgerBackend {
	case config.LedgerPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns}, a.logger)
		if err != nil {
			return err
		}
		a.pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
	case config.LedgerLevelDB:
		store, err := ledger.OpenLevelDB(cfg.LevelDBPath)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
		a.logger.Info().Str("path", cfg.LevelDBPath).Msg("opened leveldb ledger")
	case config.LedgerFabric:
		store, err := fabric.Dial(fabric.Config{
			PeerEndpoint: cfg.FabricPeerEndpoint,
			GatewayPeer:  cfg.FabricGatewayPeer,
			MSPID:        cfg.FabricMSPID,
			CertPath:     cfg.FabricCertPath,
			KeyPath:      cfg.FabricKeyPath,
			TLSCertPath:  cfg.FabricTLSCertPath,
			Channel:      cfg.FabricChannel,
			Chaincode:    cfg.FabricChaincode,
		})
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
		a.logger.Info().Str("peer", cfg.FabricPeerEndpoint).Str("channel", cfg.FabricChannel).Msg("connected to fabric gateway")
	default:
		a.store = ledger.NewMemoryStore()
		a.logger.Warn().Msg("using in-memory ledger; all state is lost on restart")
	}
	return nil
}

func (a *app) openBlobs() error {
	if a.cfg.BlobBackend == config.BlobIPFS {
		a.ipfs = blobstore.NewIPFSStore(a.cfg.IPFSAPIURL, a.cfg.IPFSTimeout)
		a.blobs = a.ipfs
		return nil
	}
	a.blobs = blobstore.NewMemoryStore()
	return nil
}

func (a *app) openEvents(ctx context.Context) error {
	cfg := a.cfg
	switch cfg.EventsBackend {
	case config.EventsMQTT:
		p, err := events.NewMQTTPublisher(events.MQTTConfig{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
		})
		if err != nil {
			return err
		}
		a.events = p
	case config.EventsRedis:
		p, err := events.NewRedisStreamPublisher(ctx, cfg.RedisURL, cfg.RedisStream)
		if err != nil {
			return err
		}
		a.events = p
	default:
		a.events = events.Nop{}
		return nil
	}
	a.closers = append(a.closers, a.events.Close)
	a.logger.Info().Str("backend", cfg.EventsBackend).Msg("event publisher ready")
	return nil
}

// seedAdmins records the directory admins named in the environment. An
// unset variable leaves the stored admin untouched.
func (a *app) seedAdmins(ctx context.Context) error {
	seeds := map[directory.Role]string{
		directory.RoleDoctor:  a.cfg.DoctorDirectoryAdmin,
		directory.RolePatient: a.cfg.PatientDirectoryAdmin,
	}
	for _, role := range directory.Roles {
		acct := seeds[role]
		if acct == "" {
			continue
		}
		if err := a.dir.SetAdmin(ctx, role, acct); err != nil {
			return fmt.Errorf("seed %s directory admin: %w", role, err)
		}
		a.logger.Info().Str("directory", string(role)).Str("account_ref", directory.NormalizeAccount(acct)).Msg("directory admin set")
	}
	return nil
}

// healthChecks returns one check per configured backend.
func (a *app) healthChecks() map[string]db.Check {
	checks := map[string]db.Check{}
	if a.pool != nil {
		checks["postgres"] = a.pool.Ping
	}
	if a.store != nil {
		checks["ledger"] = func(ctx context.Context) error {
			_, err := a.store.Get(ctx, ledger.Key("health"))
			if errors.Is(err, ledger.ErrNotFound) {
				return nil
			}
			return err
		}
	}
	if a.ipfs != nil {
		checks["ipfs"] = a.ipfs.Ping
	}
	return checks
}

// auditRecorders persists audit entries to phi_access_log when Postgres
// is available. Otherwise the audit middleware only logs.
func (a *app) auditRecorders() []middleware.AuditRecorder {
	if a.pool == nil {
		return nil
	}
	al := hipaa.NewAuditLogger(a.pool)
	return []middleware.AuditRecorder{middleware.AuditRecorderFunc(func(e middleware.AuditEntry) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return al.LogPHIAccess(ctx, &hipaa.PHIAccessLog{
			AccountRef: e.AccountRef,
			PatientID:  e.PatientID,
			DoctorID:   e.DoctorID,
			Action:     e.Action,
			Route:      e.Route,
			Status:     e.StatusCode,
			IPAddress:  e.IPAddress,
			UserAgent:  e.UserAgent,
			RequestID:  e.RequestID,
			AccessedAt: e.Timestamp,
		})
	})}
}

// Close releases backends in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close backend")
		}
	}
	a.closers = nil
}
