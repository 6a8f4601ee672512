// Package main is the entry point for the radar telemetry server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fidde/radar/internal/analyzer"
	"github.com/fidde/radar/internal/api"
	"github.com/fidde/radar/internal/config"
	"github.com/fidde/radar/internal/dashboard"
	"github.com/fidde/radar/internal/patterns"
	"github.com/fidde/radar/internal/receiver"
	"github.com/fidde/radar/internal/storage"
	"github.com/fidde/radar/internal/storage/dual"
	"github.com/fidde/radar/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
)

func main() {
	configPath := flag.String("config", os.Getenv("RADAR_CONFIG"), "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)
	logger.Info("starting radar", "version", api.Version, "backend", cfg.Storage.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	compiled, err := patterns.LoadOrDefault(cfg.PatternsFile)
	if err != nil {
		logger.Warn("using default SQL patterns", "file", cfg.PatternsFile, "error", err)
	}

	store, err := newStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing storage")
		if err := store.Close(); err != nil {
			logger.Error("error closing storage", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)

	aggregator := analyzer.NewMetricsAggregatorWithPatterns(cfg.Analytics.SlowQueryThresholdMs, compiled)
	refresher := dashboard.New(store, aggregator, dashboard.Config{
		Window:          cfg.Analytics.Window,
		SampleLimit:     cfg.Analytics.SampleLimit,
		MetricsInterval: cfg.Refresh.MetricsInterval,
		StatsInterval:   cfg.Refresh.StatsInterval,
	}, metrics, logger)

	apiServer := api.NewServer(cfg.API.Addr, api.Options{
		Store:           store,
		Refresher:       refresher,
		Metrics:         metrics,
		Gatherer:        reg,
		Logger:          logger,
		JWTSecret:       cfg.Auth.JWTSecret,
		Window:          cfg.Analytics.Window,
		SampleLimit:     cfg.Analytics.SampleLimit,
		SlowThresholdMs: cfg.Analytics.SlowQueryThresholdMs,
		Patterns:        compiled,
	})

	// Start servers in goroutines
	errChan := make(chan error, 3)

	var httpReceiver *receiver.HTTPReceiver
	var grpcReceiver *receiver.GRPCReceiver
	if cfg.OTLP.Enabled {
		ingester := receiver.NewIngester(store, cfg.Analytics.SlowQueryThresholdMs, metrics, logger)
		httpReceiver = receiver.NewHTTPReceiver(cfg.OTLP.HTTPAddr, ingester, logger)
		grpcReceiver = receiver.NewGRPCReceiver(cfg.OTLP.GRPCAddr, ingester, logger)

		go func() {
			logger.Info("starting OTLP HTTP receiver", "addr", cfg.OTLP.HTTPAddr)
			if err := httpReceiver.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("OTLP HTTP receiver error: %w", err)
			}
		}()

		go func() {
			logger.Info("starting OTLP gRPC receiver", "addr", cfg.OTLP.GRPCAddr)
			if err := grpcReceiver.Start(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errChan <- fmt.Errorf("OTLP gRPC receiver error: %w", err)
			}
		}()
	}

	go func() {
		logger.Info("starting REST API server", "addr", cfg.API.Addr)
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	bgCtx, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()

	go refresher.Run(bgCtx)
	go storage.RunRetention(bgCtx, store, cfg.Retention.MaxAge, cfg.Retention.Interval, logger)

	var runErr error
	select {
	case runErr = <-errChan:
		logger.Error("server error", "error", runErr)
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}
	cancelBackground()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down servers")
	if httpReceiver != nil {
		if err := httpReceiver.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down OTLP HTTP receiver", "error", err)
		}
	}
	if grpcReceiver != nil {
		if err := grpcReceiver.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down OTLP gRPC receiver", "error", err)
		}
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down API server", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

// newStore builds the configured backend. The dual backend keeps SQLite as
// the primary and mirrors writes to ClickHouse.
func newStore(ctx context.Context, sc config.StorageConfig, logger *slog.Logger) (storage.Storage, error) {
	base := storage.Config{
		Backend:            sc.Backend,
		SQLitePath:         sc.SQLitePath,
		ClickHouseAddr:     sc.ClickHouseAddr,
		ClickHouseDatabase: sc.ClickHouseDatabase,
		ClickHouseUsername: sc.ClickHouseUsername,
		ClickHousePassword: sc.ClickHousePassword,
		ClickHouseTLS:      sc.ClickHouseTLS,
		Logger:             logger,
	}

	if sc.Backend != "dual" {
		return storage.NewStorage(ctx, base)
	}

	primaryCfg := base
	primaryCfg.Backend = storage.BackendSQLite
	primary, err := storage.NewStorage(ctx, primaryCfg)
	if err != nil {
		return nil, err
	}

	secondaryCfg := base
	secondaryCfg.Backend = storage.BackendClickHouse
	secondary, err := storage.NewStorage(ctx, secondaryCfg)
	if err != nil {
		primary.Close()
		return nil, err
	}

	logger.Info("using dual storage", "primary", "sqlite", "secondary", "clickhouse")
	return dual.New(dual.Config{Primary: primary, Secondary: secondary, Logger: logger}), nil
}
