package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.Backend != "memory" {
		t.Errorf("expected memory backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Analytics.SlowQueryThresholdMs != 100 || cfg.Analytics.Window != time.Hour || cfg.Analytics.SampleLimit != 500 {
		t.Errorf("unexpected analytics defaults %+v", cfg.Analytics)
	}
	if cfg.Refresh.MetricsInterval != 5*time.Second || cfg.Refresh.StatsInterval != 30*time.Second {
		t.Errorf("unexpected refresh defaults %+v", cfg.Refresh)
	}
	if cfg.Retention.MaxAge != 24*time.Hour || cfg.Retention.Interval != 10*time.Minute {
		t.Errorf("unexpected retention defaults %+v", cfg.Retention)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radar.yaml")
	content := `
api:
  addr: "127.0.0.1:9090"
storage:
  backend: sqlite
  sqlite_path: /tmp/radar-test.db
analytics:
  slow_query_threshold_ms: 250
  window: 30m
refresh:
  metrics_interval: 2s
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RADAR_SAMPLE_LIMIT", "50")
	t.Setenv("RADAR_WINDOW", "15m")
	t.Setenv("RADAR_OTLP_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.API.Addr != "127.0.0.1:9090" {
		t.Errorf("expected file api addr, got %q", cfg.API.Addr)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.SQLitePath != "/tmp/radar-test.db" {
		t.Errorf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.Analytics.SlowQueryThresholdMs != 250 {
		t.Errorf("expected threshold 250, got %v", cfg.Analytics.SlowQueryThresholdMs)
	}
	// Environment wins over the file
	if cfg.Analytics.Window != 15*time.Minute {
		t.Errorf("expected env window 15m, got %v", cfg.Analytics.Window)
	}
	if cfg.Analytics.SampleLimit != 50 {
		t.Errorf("expected env sample limit 50, got %d", cfg.Analytics.SampleLimit)
	}
	if cfg.OTLP.Enabled {
		t.Error("expected OTLP disabled by env")
	}
	// Unset keys keep their defaults
	if cfg.Refresh.MetricsInterval != 2*time.Second || cfg.Refresh.StatsInterval != 30*time.Second {
		t.Errorf("unexpected refresh %+v", cfg.Refresh)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "debug" {
		t.Errorf("unexpected log %+v", cfg.Log)
	}
}

func TestLoadClickHouseSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radar.yaml")
	content := `
storage:
  backend: clickhouse
  clickhouse_addr: ch.internal:9440
  clickhouse_database: telemetry
  clickhouse_username: radar
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	tests := []struct {
		name    string
		tlsEnv  string
		wantTLS bool
	}{
		{name: "tls off by default"},
		{name: "tls from env", tlsEnv: "true", wantTLS: true},
		{name: "unparsable env keeps default", tlsEnv: "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RADAR_CLICKHOUSE_TLS", tt.tlsEnv)
			t.Setenv("RADAR_CLICKHOUSE_PASSWORD", "pw")

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			sc := cfg.Storage
			if sc.ClickHouseAddr != "ch.internal:9440" || sc.ClickHouseDatabase != "telemetry" || sc.ClickHouseUsername != "radar" {
				t.Errorf("unexpected clickhouse settings %+v", sc)
			}
			if sc.ClickHousePassword != "pw" || sc.ClickHouseTLS != tt.wantTLS {
				t.Errorf("password/tls = %q/%v, want pw/%v", sc.ClickHousePassword, sc.ClickHouseTLS, tt.wantTLS)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "dual backend", mutate: func(c *Config) { c.Storage.Backend = "dual" }},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "mongo" }, wantErr: "storage.backend"},
		{name: "sqlite without path", mutate: func(c *Config) {
			c.Storage.Backend = "sqlite"
			c.Storage.SQLitePath = ""
		}, wantErr: "storage.sqlite_path"},
		{name: "zero threshold", mutate: func(c *Config) { c.Analytics.SlowQueryThresholdMs = 0 }, wantErr: "slow_query_threshold_ms"},
		{name: "zero window", mutate: func(c *Config) { c.Analytics.Window = 0 }, wantErr: "analytics.window"},
		{name: "retention without interval", mutate: func(c *Config) { c.Retention.Interval = 0 }, wantErr: "retention.interval"},
		{name: "retention disabled", mutate: func(c *Config) {
			c.Retention.MaxAge = 0
			c.Retention.Interval = 0
		}},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log.level"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}
