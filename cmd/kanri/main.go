// Command kanri runs the agent run governance server: the safety policy
// engine, approval ledger, event log, and realtime stream gateway behind
// one HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kanri/internal/auth"
	"github.com/ashita-ai/kanri/internal/config"
	"github.com/ashita-ai/kanri/internal/mcp"
	"github.com/ashita-ai/kanri/internal/ratelimit"
	"github.com/ashita-ai/kanri/internal/safety"
	"github.com/ashita-ai/kanri/internal/server"
	"github.com/ashita-ai/kanri/internal/service/approvals"
	"github.com/ashita-ai/kanri/internal/service/runs"
	"github.com/ashita-ai/kanri/internal/status"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/telemetry"
	"github.com/ashita-ai/kanri/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KANRI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	policy, err := cfg.SafetyConfig()
	if err != nil {
		return fmt.Errorf("safety policy: %w", err)
	}
	scope, ok := status.ParseScope(cfg.StatusScope)
	if !ok {
		return fmt.Errorf("invalid status scope %q", cfg.StatusScope)
	}

	slog.Info("kanri starting",
		"version", version, "port", cfg.Port,
		"storage", cfg.Storage, "safety_preset", cfg.SafetyPreset,
		"status_scope", scope,
		"disabled_tools", safety.ToolNames(policy.DisabledTools))

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open storage. Postgres brings LISTEN/NOTIFY fan-in for multi-instance
	// streaming; SQLite is single-process and publishes locally only.
	var (
		store storage.Store
		pg    *storage.Postgres
	)
	switch cfg.Storage {
	case config.StoragePostgres:
		pg, err = storage.OpenPostgres(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = pg
	case config.StorageSQLite:
		store, err = storage.OpenSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}
	defer func() { _ = store.Close(context.Background()) }()

	// Create JWT manager and API-key registry.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	registry, err := auth.ParseCredentials(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	if registry.Len() == 0 {
		logger.Warn("no credentials configured; /auth/token will reject everything")
	}

	// Rate limiter for run creation, sized by the policy in force.
	limiter := ratelimit.NewMemoryLimiter(policy.MaxRunsPerMinute)
	defer func() { _ = limiter.Close() }()

	// Live event broker. On Postgres it also relays LISTEN/NOTIFY traffic
	// from other instances.
	broker := server.NewBroker(logger)

	// Services (shared by HTTP and MCP handlers).
	runSvc := runs.New(store, policy, limiter, broker, scope, logger)
	approvalSvc := approvals.New(store, broker, logger)

	mcpSrv := mcp.New(runSvc, approvalSvc, logger)

	srv := server.New(server.Config{
		Store:               store,
		JWTMgr:              jwtMgr,
		Registry:            registry,
		RunSvc:              runSvc,
		ApprovalSvc:         approvalSvc,
		Broker:              broker,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if pg != nil {
		g.Go(func() error {
			if err := pg.Listen(gctx); err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			broker.Relay(gctx, pg)
			return nil
		})
	}

	g.Go(func() error {
		approvalSvc.RunSweeper(gctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		runSvc.RunWatchdog(gctx, cfg.WatchdogInterval)
		return nil
	})

	// Shut the HTTP server down when the signal context or any worker's
	// failure cancels the group context.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("kanri shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("kanri stopped")
	return nil
}
