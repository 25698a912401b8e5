package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/domain/directory"
	"github.com/ehr/portal/internal/domain/workflow"
	"github.com/ehr/portal/internal/platform/auth"
	"github.com/ehr/portal/internal/platform/db"
	"github.com/ehr/portal/internal/platform/middleware"
	"github.com/ehr/portal/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehr-portal",
		Short: "Permission-gated patient record portal",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(directoryCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the portal API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations (postgres ledger backend only)",
	}

	withMigrator := func(fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required to run migrations")
		}
		ctx := context.Background()
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2, MinConns: 0}, newLogger(cfg.Env))
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, migrations.FS))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

// withApp runs fn against the configured ledger without blob or event
// backends.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := buildApp(ctx, cfg, newLogger(cfg.Env), false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage directory admins",
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Set the admin account of a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			roleFlag, _ := cmd.Flags().GetString("role")
			account, _ := cmd.Flags().GetString("account")
			role, err := directory.ParseRole(roleFlag)
			if err != nil {
				return err
			}
			if account == "" {
				return fmt.Errorf("--account is required")
			}
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.dir.SetAdmin(ctx, role, account); err != nil {
					return err
				}
				fmt.Printf("%s directory admin set to %s\n", role, directory.NormalizeAccount(account))
				return nil
			})
		},
	}
	setCmd.Flags().String("role", "", "Directory to configure (patient or doctor)")
	setCmd.Flags().String("account", "", "Account reference of the admin")
	cmd.AddCommand(setCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the admin account of each directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				for _, role := range directory.Roles {
					acct, err := a.dir.Admin(ctx, role)
					if err != nil {
						return err
					}
					if acct == "" {
						acct = "(not set)"
					}
					fmt.Printf("%-10s %s\n", role, acct)
				}
				return nil
			})
		},
	})

	return cmd
}

func directoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Directory maintenance",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export both directories to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			account, _ := cmd.Flags().GetString("account")
			if account == "" {
				return fmt.Errorf("--account is required")
			}
			return withApp(func(ctx context.Context, a *app) error {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := a.wf.ExportDirectory(ctx, workflow.Caller{AccountRef: account}, f); err != nil {
					f.Close()
					os.Remove(out)
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Printf("Directory exported to %s\n", out)
				return nil
			})
		},
	}
	exportCmd.Flags().String("out", "directory.xlsx", "Output file")
	exportCmd.Flags().String("account", "", "Admin account reference to export as")
	cmd.AddCommand(exportCmd)

	return cmd
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger, true)
	if err != nil {
		return fmt.Errorf("initialise backends: %w", err)
	}
	defer a.Close()

	// Errors from here on are returned so the deferred Close releases the
	// ledger file and broker connections.
	if err := a.seedAdmins(ctx); err != nil {
		return err
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.HeaderAccountRef, auth.HeaderRole},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit("101M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Health
	e.GET("/health", db.HealthHandler(a.healthChecks()))
	if a.pool != nil {
		e.GET("/health/db", db.PoolStatsHandler(a.pool))
	}

	// API
	apiV1 := e.Group("/api/v1")
	jwtAuth := auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(jwtAuth))
	} else {
		apiV1.Use(jwtAuth)
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.Audit(logger, a.auditRecorders()...))

	workflow.NewHandler(a.wf).RegisterRoutes(apiV1)

	// Graceful shutdown
	serveErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("ledger", cfg.LedgerBackend).Str("blobs", cfg.BlobBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
