package clickhouse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	defaultMaxOpenConns = 10
	defaultMaxIdleConns = 5
	defaultDialTimeout  = 10 * time.Second
	defaultMaxRetries   = 3
	defaultRetryDelay   = time.Second
	maxExecutionSeconds = 60
)

// ConnectionConfig holds ClickHouse connection parameters.
type ConnectionConfig struct {
	Addr     string
	Database string
	Username string
	Password string

	// TLS enables an encrypted native connection when non-nil
	TLS *tls.Config

	MaxOpenConns int
	MaxIdleConns int
	DialTimeout  time.Duration

	// MaxRetries is the number of connection attempts; RetryDelay doubles
	// after each failed one
	MaxRetries int
	RetryDelay time.Duration

	// BatchSize and FlushInterval tune the insert buffer (zero = buffer defaults)
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns a local, unencrypted connection config.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Addr:         "localhost:9000",
		Database:     "default",
		Username:     "default",
		MaxOpenConns: defaultMaxOpenConns,
		MaxIdleConns: defaultMaxIdleConns,
		DialTimeout:  defaultDialTimeout,
		MaxRetries:   defaultMaxRetries,
		RetryDelay:   defaultRetryDelay,
	}
}

// withDefaults fills unset numeric fields.
func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// buildOptions maps the config onto driver options.
func buildOptions(c ConnectionConfig) *clickhouse.Options {
	return &clickhouse.Options{
		Addr: []string{c.Addr},
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.Username,
			Password: c.Password,
		},
		TLS: c.TLS,
		Settings: clickhouse.Settings{
			"max_execution_time": maxExecutionSeconds,
		},
		Compression:      &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:      c.DialTimeout,
		MaxOpenConns:     c.MaxOpenConns,
		MaxIdleConns:     c.MaxIdleConns,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	}
}

// openConn is replaced in tests.
var openConn = clickhouse.Open

// Connect opens a connection and pings it, retrying with backoff. A
// connection whose ping fails is closed before the next attempt.
func Connect(ctx context.Context, config *ConnectionConfig) (driver.Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := config.withDefaults()
	opts := buildOptions(cfg)

	var lastErr error
	delay := cfg.RetryDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		conn, err := openConn(opts)
		if err == nil {
			if err = conn.Ping(ctx); err == nil {
				return conn, nil
			}
			conn.Close()
		}
		lastErr = err

		if attempt == cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), lastErr)
		case <-time.After(delay):
			delay *= 2
		}
	}

	return nil, fmt.Errorf("failed to connect to ClickHouse at %s after %d attempts: %w", cfg.Addr, cfg.MaxRetries, lastErr)
}
