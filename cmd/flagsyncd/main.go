// Package main is the entry point for the flagsyncd daemon, which runs the
// flagsync SDK as a standalone local sync agent.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Create the factory and a client for the configured user key.
//  3. Expose Prometheus metrics over HTTP.
//  4. Start periodic synchronization and telemetry delivery.
//  5. Wait for SIGINT/SIGTERM, then gracefully shut down.
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

	"github.com/matt-riley/flagsync"
	"github.com/matt-riley/flagsync/internal/config"
	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/logging"
	"github.com/matt-riley/flagsync/internal/telemetry"
	"github.com/matt-riley/flagsync/internal/tracing"
	"github.com/matt-riley/flagsync/internal/transport"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("flagsyncd failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := transport.NewClient(transport.Config{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
	})

	m := telemetry.New()
	factory := flagsync.NewFactory(cfg.DataDir)
	defer func() {
		if err := factory.Close(); err != nil {
			log.Error("close local cache", "error", err)
		}
	}()

	opts := []flagsync.Option{
		flagsync.WithLogger(log),
		flagsync.WithMetrics(m),
		flagsync.WithDatabaseName(cfg.DBName),
		flagsync.WithSyncInterval(cfg.SyncInterval),
		flagsync.WithRecordInterval(cfg.RecordInterval),
		flagsync.WithBatchSizes(cfg.EventBatchSize, cfg.ImpressionBatchSize),
	}
	if len(cfg.FlagSets) > 0 {
		opts = append(opts, flagsync.WithFlagFilters(core.BySets(cfg.FlagSets...)))
	}
	if cfg.EncryptionSecret != "" {
		opts = append(opts, flagsync.WithEncryption(cfg.EncryptionSecret))
	}

	client, err := factory.NewClient(cfg.UserKey, flagsync.Transport{
		Flags:       api,
		Memberships: api,
		Events:      api.Events(),
		Impressions: api.Impressions(),
		Counts:      api.Counts(),
	}, opts...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve metrics: %w", err)
		}
	}()

	client.Start(ctx)
	log.Info("flagsyncd started", "metrics_addr", cfg.MetricsAddr, "data_dir", cfg.DataDir)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("flagsyncd shutting down")
	client.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown metrics server: %w", err)
	}

	return serveErr
}
