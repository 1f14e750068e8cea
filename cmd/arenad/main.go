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

	"github.com/playmesh/arena/internal/auth"
	"github.com/playmesh/arena/internal/config"
	"github.com/playmesh/arena/internal/core"
	"github.com/playmesh/arena/internal/matchsvc"
	"github.com/playmesh/arena/internal/server"
	"github.com/playmesh/arena/internal/sponsor"
	"github.com/playmesh/arena/internal/stats"
	"github.com/playmesh/arena/internal/storage"
	"github.com/playmesh/arena/internal/telemetry"
	"github.com/playmesh/arena/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	switch os.Getenv("ARENA_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
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

	slog.Info("arena starting", "version", version, "port", cfg.Port, "sponsors", len(cfg.Sponsors))

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Register connection pool OTEL metrics (after telemetry.Init).
	db.RegisterPoolMetrics()

	// Run migrations. RunMigrations tracks applied files in schema_migrations
	// and skips duplicates, so errors here indicate real failures.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager. Empty key paths generate an ephemeral key pair,
	// which invalidates outstanding tokens on restart.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Build sponsor dialers from configured game engine endpoints.
	dialers := make(map[string]sponsor.Dialer, len(cfg.Sponsors))
	names := make([]string, 0, len(cfg.Sponsors))
	for name, url := range cfg.Sponsors {
		dialers[name] = sponsor.NewBridge(name, url, logger)
		names = append(names, name)
		logger.Info("sponsor registered", "name", name, "url", url)
	}
	if len(dialers) == 0 {
		logger.Warn("no sponsors configured, matches cannot start (set ARENA_SPONSORS)")
	}

	// Create the orchestration core.
	engine := core.New(core.Config{
		Store:         db,
		Sponsors:      dialers,
		Logger:        logger,
		QueueSize:     cfg.CoreQueueSize,
		ActionTimeout: cfg.ActionTimeout,
	})

	// Create match lobby service.
	matches := matchsvc.New(db, engine, names, logger)

	// Leaderboard ranks recompute on a schedule from the settled counters.
	leaderboard := stats.New(db, cfg.StatsInterval, logger)

	// Create HTTP server.
	srv := server.New(server.Config{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Matches:             matches,
		Engine:              engine,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		AgentSendBuffer:     cfg.AgentSendBuffer,
	})

	// Run the core loop and the HTTP server until the first error or the
	// shutdown signal. On cancellation the core drains live matches to a
	// terminal status while the HTTP server stops accepting requests;
	// registrations arriving after the core stops fail with ErrStopped.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	leaderboard.Start(gctx)

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case <-gctx.Done():
		case err := <-errCh:
			return err
		}

		slog.Info("arena shutting down")
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("arena stopped")
	return nil
}
