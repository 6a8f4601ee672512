package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const schemaVersion = "1.1.0"

// upgradable lists earlier schema versions the additive statements below
// bring up to date.
var upgradable = map[string]bool{"1.0.0": true}

// InitializeSchema creates all required tables if they don't exist
func InitializeSchema(ctx context.Context, conn driver.Conn) error {
	// Create schema_version table first
	if err := createSchemaVersionTable(ctx, conn); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	// Check current schema version
	currentVersion, err := getCurrentSchemaVersion(ctx, conn)
	if err != nil {
		return fmt.Errorf("checking schema version: %w", err)
	}

	if currentVersion != "" && currentVersion != schemaVersion && !upgradable[currentVersion] {
		return fmt.Errorf("schema version mismatch: database has %s, code expects %s", currentVersion, schemaVersion)
	}

	// Create all tables
	tables := []struct {
		name string
		ddl  string
	}{
		{"requests", requestsTableDDL},
		{"queries", queriesTableDDL},
		{"exceptions", exceptionsTableDDL},
		{"spans", spansTableDDL},
		{"background_tasks", tasksTableDDL},
	}

	for _, table := range tables {
		if err := conn.Exec(ctx, table.ddl); err != nil {
			return fmt.Errorf("creating table %s: %w", table.name, err)
		}
	}

	for _, stmt := range columnUpgrades {
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("upgrading schema: %w", err)
		}
	}

	// Update schema version
	if currentVersion != schemaVersion {
		if err := setSchemaVersion(ctx, conn, schemaVersion); err != nil {
			return fmt.Errorf("setting schema version: %w", err)
		}
	}

	return nil
}

func createSchemaVersionTable(ctx context.Context, conn driver.Conn) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version String,
			applied_at DateTime64(3) DEFAULT now64(3)
		) ENGINE = MergeTree()
		ORDER BY applied_at
	`
	return conn.Exec(ctx, ddl)
}

func getCurrentSchemaVersion(ctx context.Context, conn driver.Conn) (string, error) {
	var version string
	row := conn.QueryRow(ctx, "SELECT version FROM schema_version ORDER BY applied_at DESC LIMIT 1")
	err := row.Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	return version, nil
}

func setSchemaVersion(ctx context.Context, conn driver.Conn, version string) error {
	return conn.Exec(ctx, "INSERT INTO schema_version (version) VALUES (?)", version)
}

// Every table is a ReplacingMergeTree keyed on the record identity so a
// re-sent record replaces the earlier copy; reads use FINAL.

const requestsTableDDL = `
CREATE TABLE IF NOT EXISTS requests (
    id String,
    method LowCardinality(String),
    path String,
    url String,
    status_code Nullable(Int64),
    duration_ms Nullable(Float64),
    client_ip String,
    created_at DateTime64(6, 'UTC'),
    inserted_at DateTime64(6, 'UTC') DEFAULT now64(6)
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY id
SETTINGS index_granularity = 8192
`

const queriesTableDDL = `
CREATE TABLE IF NOT EXISTS queries (
    id String,
    request_id String,
    sql_text String,
    duration_ms Nullable(Float64),
    rows_affected Nullable(Int64),
    trace_id String DEFAULT '',
    span_id String DEFAULT '',
    created_at DateTime64(6, 'UTC'),
    inserted_at DateTime64(6, 'UTC') DEFAULT now64(6)
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY id
SETTINGS index_granularity = 8192
`

const exceptionsTableDDL = `
CREATE TABLE IF NOT EXISTS exceptions (
    id String,
    request_id String,
    exception_type LowCardinality(String),
    exception_value String,
    traceback String,
    trace_id String DEFAULT '',
    span_id String DEFAULT '',
    created_at DateTime64(6, 'UTC'),
    inserted_at DateTime64(6, 'UTC') DEFAULT now64(6)
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY id
SETTINGS index_granularity = 8192
`

const spansTableDDL = `
CREATE TABLE IF NOT EXISTS spans (
    trace_id String,
    span_id String,
    -- Empty string when the span is a root
    parent_span_id String,
    operation_name String,
    service_name String,
    span_kind LowCardinality(String),
    start_time DateTime64(6, 'UTC'),
    end_time Nullable(DateTime64(6, 'UTC')),
    -- End time, or start plus duration when no end was recorded
    finish_time DateTime64(6, 'UTC'),
    duration_ms Nullable(Float64),
    status LowCardinality(String),
    tags String,
    inserted_at DateTime64(6, 'UTC') DEFAULT now64(6)
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY (trace_id, span_id)
SETTINGS index_granularity = 8192
`

const tasksTableDDL = `
CREATE TABLE IF NOT EXISTS background_tasks (
    id String,
    request_id String,
    function_key String,
    function_name String,
    status LowCardinality(String),
    queued_at DateTime64(6, 'UTC'),
    started_at Nullable(DateTime64(6, 'UTC')),
    ended_at Nullable(DateTime64(6, 'UTC')),
    duration_ms Nullable(Float64),
    params String,
    error_message String,
    error_trace String,
    inserted_at DateTime64(6, 'UTC') DEFAULT now64(6)
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY id
SETTINGS index_granularity = 8192
`

// columnUpgrades adds the trace link columns to tables created by 1.0.0.
var columnUpgrades = []string{
	"ALTER TABLE queries ADD COLUMN IF NOT EXISTS trace_id String DEFAULT '' AFTER rows_affected",
	"ALTER TABLE queries ADD COLUMN IF NOT EXISTS span_id String DEFAULT '' AFTER trace_id",
	"ALTER TABLE exceptions ADD COLUMN IF NOT EXISTS trace_id String DEFAULT '' AFTER traceback",
	"ALTER TABLE exceptions ADD COLUMN IF NOT EXISTS span_id String DEFAULT '' AFTER trace_id",
}
