// Package main is the entry point for the IAM monitor service.
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

	"iam-monitor/internal/api"
	"iam-monitor/internal/config"
	"iam-monitor/internal/logging"
	"iam-monitor/internal/middleware"
	"iam-monitor/internal/secrets"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("iam-monitor stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sm, err := secrets.NewManager(ctx, cfg.Secrets, logger)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	defer sm.Close()
	if err := cfg.ResolveSecrets(ctx, sm); err != nil {
		return err
	}

	logger.Info("configuration loaded",
		"version", version,
		"http_addr", cfg.Server.Addr,
		"kafka_topic", cfg.Kafka.Topic,
		"storage_enabled", cfg.Storage.Enabled,
		"redis_enabled", cfg.Redis.Enabled,
		"identity_enabled", cfg.Identity.Enabled,
		"remediation_enabled", cfg.Remediation.Enabled,
		"dry_run", cfg.Remediation.DryRun,
	)

	svc, err := build(ctx, cfg, logger)
	if err != nil {
		svc.close(logger)
		return err
	}
	defer svc.close(logger)
	svc.checks["secrets"] = sm.HealthCheck

	if svc.trainer != nil {
		go svc.trainer.Run(ctx)
	}
	svc.consumers.Start(ctx)
	logger.Info("kafka consumers started",
		"topic", cfg.Kafka.Topic,
		"group", cfg.Kafka.ConsumerGroup,
		"consumers", cfg.Kafka.Consumers,
	)

	routes := api.NewServer(api.Deps{
		Events:        svc.pipeline,
		Remediations:  svc.dispatcher,
		Retrainer:     svc.retrainer(),
		Lifecycle:     svc.lifecycle(),
		WebhookSecret: []byte(cfg.Identity.WebhookSecret),
		Metrics:       svc.metrics.Handler(),
		Checks:        svc.checks,
	}, logger)

	limiter := middleware.NewRateLimiter(cfg.RateLimit, logger)
	defer limiter.Stop()

	handler := middleware.Chain(routes.Handler(),
		middleware.Recovery(logger),
		middleware.Logging(logger),
		middleware.SecurityHeaders(cfg.SecurityHeaders),
		limiter.Middleware,
		middleware.APIKey(cfg.Auth),
	)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting control API", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	// In-flight events finish before their offsets are committed.
	if err := svc.consumers.Stop(); err != nil {
		logger.Error("consumer shutdown error", "error", err)
	}
	cancel()

	m := svc.consumers.Metrics()
	logger.Info("shutdown complete",
		"messages_consumed", m.MessagesConsumed,
		"redeliveries", m.Redeliveries,
		"dead_lettered", m.DeadLettered,
	)
	return nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}
