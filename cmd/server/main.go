package main

// Package main is the entry point for the kubilitics-rca server.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Build the application and audit loggers
//   - Open the SQLite sink and select the narrative provider
//   - Start the per-source supervisor with its background retrain loop
//   - Serve /healthz, /readyz and /metrics
//   - Optionally replay a JSON-lines telemetry file through the engine
//   - Shut down gracefully on SIGINT/SIGTERM
//
// Configuration changes on disk are reported; a restart applies them.

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/audit"
	"github.com/kubilitics/kubilitics-rca/internal/config"
	"github.com/kubilitics/kubilitics-rca/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/kubilitics/rca.yaml", "path to the YAML config file")
	replayPath := flag.String("replay", "", "JSON-lines telemetry file to replay, then exit")
	flag.Parse()

	if err := run(*configPath, *replayPath); err != nil {
		fmt.Fprintf(os.Stderr, "kubilitics-rca: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, replayPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := config.NewConfigManager(configPath, nil)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	logger, err := audit.NewAppLogger(cfg.AuditConfig())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	auditLog, err := audit.NewLogger(cfg.AuditConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}
	defer auditLog.Close()
	_ = auditLog.Log(ctx, audit.NewEvent(audit.EventConfigLoaded).
		WithDescription(configPath).
		WithMetadata("metrics", cfg.Features.Metrics).
		WithMetadata("narrative_provider", cfg.Narrative.Provider))

	comps, err := server.Build(cfg, logger, auditLog)
	if err != nil {
		return err
	}
	defer comps.Close()

	if replayPath != "" {
		return replay(ctx, comps, replayPath, logger)
	}

	changes := mgr.Watch(ctx)
	go func() {
		for {
			select {
			case <-changes:
				logger.Warn("config file changed, restart required to apply", zap.String("file", configPath))
				_ = auditLog.LogConfigChanged(ctx, configPath)
			case <-ctx.Done():
				return
			}
		}
	}()

	var store server.Pinger
	if comps.Store != nil {
		store = comps.Store
	}
	srv, err := server.New(server.Options{
		Port:       cfg.Server.Port,
		Supervisor: comps.Supervisor,
		Store:      store,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	_ = auditLog.Log(ctx, audit.NewEvent(audit.EventServerStarted).WithMetadata("port", cfg.Server.Port))
	logger.Info("kubilitics-rca started",
		zap.Int("port", cfg.Server.Port),
		zap.Strings("metrics", cfg.Features.Metrics),
		zap.String("narrative_provider", cfg.Narrative.Provider),
		zap.Bool("persistence", cfg.Database.Enabled),
	)

	<-ctx.Done()
	logger.Info("received shutdown signal")
	err = srv.Stop()
	_ = auditLog.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown).WithError(err))
	return err
}

func replay(ctx context.Context, comps *server.Components, path string, logger *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open replay file: %w", err)
	}
	defer f.Close()

	stats, err := server.Replay(ctx, comps.Supervisor, f, logger)
	logger.Info("replay finished",
		zap.String("file", path),
		zap.Int("lines", stats.Lines),
		zap.Int("evaluated", stats.Evaluated),
		zap.Int("anomalies", stats.Anomalies),
		zap.Int("warmup", stats.Warmup),
		zap.Int("rejected", stats.Rejected),
		zap.Int("unavailable", stats.Unavailable),
	)
	return err
}
