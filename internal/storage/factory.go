// Package storage provides storage implementations for captured telemetry.
package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/fidde/radar/internal/storage/clickhouse"
	"github.com/fidde/radar/internal/storage/memory"
	"github.com/fidde/radar/internal/storage/sqlite"
)

// Supported backends.
const (
	BackendMemory     = "memory"
	BackendSQLite     = "sqlite"
	BackendClickHouse = "clickhouse"
)

// Config holds storage configuration.
type Config struct {
	// Backend selects the storage backend: "memory", "sqlite" or "clickhouse"
	Backend string

	// SQLite-specific config
	SQLitePath string

	// ClickHouse-specific config
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
	ClickHouseTLS      bool

	Logger *slog.Logger
}

// DefaultConfig returns default storage configuration.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendMemory,
		SQLitePath:     "radar.db",
		ClickHouseAddr: "localhost:9000",
	}
}

// NewStorage creates a storage implementation based on configuration.
func NewStorage(ctx context.Context, cfg Config) (Storage, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case BackendMemory, "":
		logger.Info("using in-memory storage")
		return memory.New(), nil

	case BackendSQLite:
		logger.Info("using SQLite storage", "path", cfg.SQLitePath)
		store, err := sqlite.New(ctx, sqlite.DefaultConfig(cfg.SQLitePath))
		if err != nil {
			return nil, fmt.Errorf("creating SQLite store: %w", err)
		}
		return store, nil

	case BackendClickHouse:
		logger.Info("using ClickHouse storage", "addr", cfg.ClickHouseAddr, "database", cfg.ClickHouseDatabase, "tls", cfg.ClickHouseTLS)

		store, err := clickhouse.NewStore(ctx, clickHouseConfig(cfg), logger)
		if err != nil {
			return nil, fmt.Errorf("creating ClickHouse store: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: memory, sqlite, clickhouse)", cfg.Backend)
	}
}

// clickHouseConfig maps the storage settings onto a connection config.
func clickHouseConfig(cfg Config) *clickhouse.ConnectionConfig {
	chCfg := clickhouse.DefaultConfig()
	chCfg.Addr = cfg.ClickHouseAddr
	if cfg.ClickHouseDatabase != "" {
		chCfg.Database = cfg.ClickHouseDatabase
	}
	if cfg.ClickHouseUsername != "" {
		chCfg.Username = cfg.ClickHouseUsername
	}
	chCfg.Password = cfg.ClickHousePassword
	if cfg.ClickHouseTLS {
		chCfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return chCfg
}
