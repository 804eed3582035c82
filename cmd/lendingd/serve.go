package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/lendingd/internal/config"
	"github.com/fyrsmithlabs/lendingd/internal/httpapi"
	"github.com/fyrsmithlabs/lendingd/internal/logging"
	"github.com/fyrsmithlabs/lendingd/internal/orchestrator"
	"github.com/fyrsmithlabs/lendingd/internal/services"
	"github.com/fyrsmithlabs/lendingd/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the lendingd daemon",
	Long: `Start the HTTP server with full service initialization: audit log,
application state machine, agent registry with the built-in workers,
session engine, error recovery and the task router.

The daemon runs until SIGINT or SIGTERM, then shuts down gracefully.

Examples:
  # Start with defaults
  lendingd serve

  # Start with an explicit config file
  lendingd serve --config /etc/lendingd/config.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received signal %v, shutting down\n", sig)
		cancel()
	}()

	if err := run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// run starts the daemon and blocks until ctx is canceled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize logger and telemetry
//  3. Build the service registry (audit, applications, engine, workers)
//  4. Load collaboration patterns, optionally watching for changes
//  5. Start the HTTP server
//  6. Graceful shutdown on context cancellation
//
// Returns http.ErrServerClosed after a clean shutdown.
func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	appLogger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = appLogger.Sync()
	}()
	logger := appLogger.Underlying()

	logger.Info("starting lendingd",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancelShutdown()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()
	if tel.Degraded() {
		logger.Warn("telemetry degraded, continuing with no-op providers")
	}

	reg, err := services.Build(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("service shutdown", zap.Error(err))
		}
	}()

	logger.Info("services initialized",
		zap.Bool("events_connected", cfg.Events.Enabled),
		zap.Int("registered_agents", len(reg.Agents().Agents())))

	if err := loadPatterns(ctx, cfg, reg, logger); err != nil {
		return err
	}

	srv, err := httpapi.NewServer(httpapi.Dependencies{
		Applications: reg.Applications(),
		Sessions:     reg.Sessions(),
		Recovery:     reg.Recovery(),
		Audit:        reg.Audit(),
		Decisions:    reg.Decisions(),
		Scrubber:     reg.Scrubber(),
		Router:       reg.Router(),
	}, logger, &httpapi.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		RatePerSecond: cfg.API.RateLimitRPS,
		RateBurst:     cfg.API.RateLimitBurst,
	})
	if err != nil {
		return fmt.Errorf("initialize http server: %w", err)
	}

	logger.Info("server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return <-errCh
}

// initLogger builds the redacting application logger from config.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Logging.Level, err)
	}

	logCfg := logging.NewDefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.Logging.Format
	return logging.New(logCfg, nil)
}

// initTelemetry builds OpenTelemetry providers from config. Disabled or
// unreachable exporters degrade to no-op providers instead of failing.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	telCfg := telemetry.DefaultConfig()
	telCfg.Enabled = cfg.Telemetry.Enabled
	telCfg.ServiceVersion = version
	telCfg.Insecure = cfg.Telemetry.Insecure
	if cfg.Telemetry.ServiceName != "" {
		telCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.Endpoint != "" {
		telCfg.Endpoint = cfg.Telemetry.Endpoint
	}
	return telemetry.New(ctx, telCfg)
}

// loadPatterns loads the pattern directory into the session engine and
// installs the file watcher when configured. A missing directory is not
// fatal: the daemon still serves task-driven processing, and sessions
// become available once patterns are loaded through the watcher.
func loadPatterns(ctx context.Context, cfg *config.Config, reg services.Registry, logger *zap.Logger) error {
	loader, err := orchestrator.NewLoader(cfg.Patterns.Dir, logger)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("pattern directory missing, running task-driven only",
				zap.String("dir", cfg.Patterns.Dir))
			return nil
		}
		return fmt.Errorf("pattern loader: %w", err)
	}

	patterns, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load patterns: %w", err)
	}
	reg.Sessions().ReloadPatterns(patterns)
	logger.Info("patterns loaded",
		zap.Int("count", len(patterns)),
		zap.String("dir", cfg.Patterns.Dir))

	if cfg.Patterns.Watch {
		err := loader.Watch(ctx, func(patterns []*orchestrator.Pattern) {
			reg.Sessions().ReloadPatterns(patterns)
			logger.Info("patterns reloaded", zap.Int("count", len(patterns)))
		})
		if err != nil {
			return fmt.Errorf("watch patterns: %w", err)
		}
	}
	return nil
}
