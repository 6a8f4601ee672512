// Package config loads the server configuration from an optional YAML file
// and RADAR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	API       APIConfig       `yaml:"api"`
	OTLP      OTLPConfig      `yaml:"otlp"`
	Storage   StorageConfig   `yaml:"storage"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	Retention RetentionConfig `yaml:"retention"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`

	// PatternsFile holds SQL normalization patterns (empty = built-in)
	PatternsFile string `yaml:"patterns_file"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type OTLPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// StorageConfig selects the backend. The dual backend writes SQLite as the
// primary and ClickHouse as the secondary.
type StorageConfig struct {
	Backend            string `yaml:"backend"`
	SQLitePath         string `yaml:"sqlite_path"`
	ClickHouseAddr     string `yaml:"clickhouse_addr"`
	ClickHouseDatabase string `yaml:"clickhouse_database"`
	ClickHouseUsername string `yaml:"clickhouse_username"`
	ClickHousePassword string `yaml:"clickhouse_password"`
	ClickHouseTLS      bool   `yaml:"clickhouse_tls"`
}

type AnalyticsConfig struct {
	SlowQueryThresholdMs float64       `yaml:"slow_query_threshold_ms"`
	Window               time.Duration `yaml:"window"`
	SampleLimit          int           `yaml:"sample_limit"`
}

type RefreshConfig struct {
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
}

// RetentionConfig controls the background cleanup. A zero MaxAge keeps
// everything.
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"`
	Interval time.Duration `yaml:"interval"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		API: APIConfig{Addr: "0.0.0.0:8080"},
		OTLP: OTLPConfig{
			Enabled:  true,
			HTTPAddr: "0.0.0.0:4318",
			GRPCAddr: "0.0.0.0:4317",
		},
		Storage: StorageConfig{
			Backend:            "memory",
			SQLitePath:         "radar.db",
			ClickHouseAddr:     "localhost:9000",
			ClickHouseDatabase: "radar",
			ClickHouseUsername: "default",
		},
		Analytics: AnalyticsConfig{
			SlowQueryThresholdMs: 100,
			Window:               time.Hour,
			SampleLimit:          500,
		},
		Refresh: RefreshConfig{
			MetricsInterval: 5 * time.Second,
			StatsInterval:   30 * time.Second,
		},
		Retention: RetentionConfig{
			MaxAge:   24 * time.Hour,
			Interval: 10 * time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.API.Addr = getEnv("RADAR_API_ADDR", cfg.API.Addr)

	cfg.OTLP.Enabled = getEnvBool("RADAR_OTLP_ENABLED", cfg.OTLP.Enabled)
	cfg.OTLP.HTTPAddr = getEnv("RADAR_OTLP_HTTP_ADDR", cfg.OTLP.HTTPAddr)
	cfg.OTLP.GRPCAddr = getEnv("RADAR_OTLP_GRPC_ADDR", cfg.OTLP.GRPCAddr)

	cfg.Storage.Backend = getEnv("RADAR_STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.SQLitePath = getEnv("RADAR_SQLITE_PATH", cfg.Storage.SQLitePath)
	cfg.Storage.ClickHouseAddr = getEnv("RADAR_CLICKHOUSE_ADDR", cfg.Storage.ClickHouseAddr)
	cfg.Storage.ClickHouseDatabase = getEnv("RADAR_CLICKHOUSE_DATABASE", cfg.Storage.ClickHouseDatabase)
	cfg.Storage.ClickHouseUsername = getEnv("RADAR_CLICKHOUSE_USERNAME", cfg.Storage.ClickHouseUsername)
	cfg.Storage.ClickHousePassword = getEnv("RADAR_CLICKHOUSE_PASSWORD", cfg.Storage.ClickHousePassword)
	cfg.Storage.ClickHouseTLS = getEnvBool("RADAR_CLICKHOUSE_TLS", cfg.Storage.ClickHouseTLS)

	cfg.Analytics.SlowQueryThresholdMs = getEnvFloat("RADAR_SLOW_QUERY_THRESHOLD_MS", cfg.Analytics.SlowQueryThresholdMs)
	cfg.Analytics.Window = getEnvDuration("RADAR_WINDOW", cfg.Analytics.Window)
	cfg.Analytics.SampleLimit = getEnvInt("RADAR_SAMPLE_LIMIT", cfg.Analytics.SampleLimit)

	cfg.Refresh.MetricsInterval = getEnvDuration("RADAR_METRICS_INTERVAL", cfg.Refresh.MetricsInterval)
	cfg.Refresh.StatsInterval = getEnvDuration("RADAR_STATS_INTERVAL", cfg.Refresh.StatsInterval)

	cfg.Retention.MaxAge = getEnvDuration("RADAR_RETENTION_MAX_AGE", cfg.Retention.MaxAge)
	cfg.Retention.Interval = getEnvDuration("RADAR_RETENTION_INTERVAL", cfg.Retention.Interval)

	cfg.Auth.JWTSecret = getEnv("RADAR_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.PatternsFile = getEnv("RADAR_PATTERNS_FILE", cfg.PatternsFile)

	cfg.Log.Level = getEnv("RADAR_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("RADAR_LOG_FORMAT", cfg.Log.Format)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case "memory", "sqlite", "clickhouse", "dual":
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	if (c.Storage.Backend == "sqlite" || c.Storage.Backend == "dual") && c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("storage.sqlite_path: required for the sqlite backend"))
	}
	if (c.Storage.Backend == "clickhouse" || c.Storage.Backend == "dual") && c.Storage.ClickHouseAddr == "" {
		errs = append(errs, errors.New("storage.clickhouse_addr: required for the clickhouse backend"))
	}

	if c.API.Addr == "" {
		errs = append(errs, errors.New("api.addr: required"))
	}
	if c.OTLP.Enabled && (c.OTLP.HTTPAddr == "" || c.OTLP.GRPCAddr == "") {
		errs = append(errs, errors.New("otlp: http_addr and grpc_addr are required when enabled"))
	}

	if c.Analytics.SlowQueryThresholdMs <= 0 {
		errs = append(errs, errors.New("analytics.slow_query_threshold_ms: must be positive"))
	}
	if c.Analytics.Window <= 0 {
		errs = append(errs, errors.New("analytics.window: must be positive"))
	}
	if c.Analytics.SampleLimit <= 0 {
		errs = append(errs, errors.New("analytics.sample_limit: must be positive"))
	}
	if c.Refresh.MetricsInterval <= 0 || c.Refresh.StatsInterval <= 0 {
		errs = append(errs, errors.New("refresh: intervals must be positive"))
	}
	if c.Retention.MaxAge < 0 {
		errs = append(errs, errors.New("retention.max_age: must not be negative"))
	}
	if c.Retention.MaxAge > 0 && c.Retention.Interval <= 0 {
		errs = append(errs, errors.New("retention.interval: must be positive when max_age is set"))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("unknown level %q", level)
	}
	return l, nil
}

// NewLogger builds the process logger for the log settings.
func (c LogConfig) NewLogger() *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// getEnv gets an environment variable with a default fallback.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default fallback.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
