// Package sqlite provides a SQLite-backed storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fidde/radar/internal/analyzer"
	"github.com/fidde/radar/pkg/models"
	"github.com/guregu/null/v5"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// gooseMu serializes migrations: goose keeps its base FS and dialect in
// package state.
var gooseMu sync.Mutex

// Store is a SQLite-backed storage for captured telemetry.
type Store struct {
	db *sql.DB

	// Batch writer
	writeCh   chan writeOp
	closeCh   chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	now func() time.Time
}

// writeOp represents a write operation to be batched.
type writeOp struct {
	opType string
	data   interface{}
	done   chan error
}

// Config holds SQLite store configuration.
type Config struct {
	DBPath        string
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns default SQLite configuration.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:        dbPath,
		BatchSize:     100,
		FlushInterval: 100 * time.Millisecond,
	}
}

// New creates a new SQLite store with the given configuration.
func New(ctx context.Context, cfg Config) (*Store, error) {
	// Open database
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set pragmas for performance
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000", // 64MB cache
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	store := &Store{
		db:      db,
		writeCh: make(chan writeOp, 1000),
		closeCh: make(chan struct{}),
		stopped: make(chan struct{}),
		now:     time.Now,
	}

	// Start batch writer goroutine
	store.wg.Add(1)
	go store.batchWriter(cfg.BatchSize, cfg.FlushInterval)

	return store, nil
}

// migrate applies the embedded schema migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// batchWriter runs in a goroutine and batches write operations.
func (s *Store) batchWriter(batchSize int, flushInterval time.Duration) {
	defer s.wg.Done()
	defer close(s.stopped)

	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}

	batch := make([]writeOp, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		// Execute batch in a transaction
		err := s.executeBatch(batch)

		// Send result to all ops in batch
		for i := range batch {
			if batch[i].done != nil {
				batch[i].done <- err
				close(batch[i].done)
			}
		}

		batch = batch[:0]
	}

	for {
		select {
		case op := <-s.writeCh:
			batch = append(batch, op)
			if batchSize > 0 && len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.closeCh:
			// Drain remaining ops
			for {
				select {
				case op := <-s.writeCh:
					batch = append(batch, op)
				default:
					flush()
					return
				}
			}
		}
	}
}

// executeBatch runs a batch of write operations in a single transaction.
func (s *Store) executeBatch(batch []writeOp) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range batch {
		var err error
		switch op.opType {
		case "StoreRequest":
			err = storeRequestTx(tx, op.data.(*models.RequestRecord))
		case "StoreQuery":
			err = storeQueryTx(tx, op.data.(*models.QueryRecord))
		case "StoreException":
			err = storeExceptionTx(tx, op.data.(*models.ExceptionRecord))
		case "StoreSpans":
			err = storeSpansTx(tx, op.data.([]models.SpanRecord))
		case "StoreTask":
			err = storeTaskTx(tx, op.data.(*models.BackgroundTaskRecord))
		default:
			err = fmt.Errorf("unknown operation: %s", op.opType)
		}

		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// submit queues a write and waits for the batch holding it to commit.
func (s *Store) submit(ctx context.Context, opType string, data interface{}) error {
	done := make(chan error, 1)

	select {
	case <-s.closeCh:
		return errors.New("store is closed")
	default:
	}

	select {
	case s.writeCh <- writeOp{opType: opType, data: data, done: done}:
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopped:
			// Queued after the final drain
			select {
			case err := <-done:
				return err
			default:
				return errors.New("store is closed")
			}
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		return errors.New("store is closed")
	}
}

// Close closes the store and releases resources.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Clear removes all stored data.
func (s *Store) Clear(ctx context.Context) error {
	tables := []string{
		"background_tasks",
		"traces",
		"spans",
		"exceptions",
		"queries",
		"requests",
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// StoreRequest stores or replaces a request record.
func (s *Store) StoreRequest(ctx context.Context, req *models.RequestRecord) error {
	if req == nil || req.ID == "" {
		return errors.New("request id cannot be empty")
	}
	r := *req
	return s.submit(ctx, "StoreRequest", &r)
}

func storeRequestTx(tx *sql.Tx, r *models.RequestRecord) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO requests (id, method, path, url, status_code, duration_ms, client_ip, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Method, r.Path, r.URL, r.StatusCode, r.DurationMs, r.ClientIP, toMicros(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting request: %w", err)
	}
	return nil
}

// StoreQuery stores or replaces a query record.
func (s *Store) StoreQuery(ctx context.Context, q *models.QueryRecord) error {
	if q == nil || q.ID == "" {
		return errors.New("query id cannot be empty")
	}
	rec := *q
	return s.submit(ctx, "StoreQuery", &rec)
}

func storeQueryTx(tx *sql.Tx, q *models.QueryRecord) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO queries (id, request_id, sql_text, duration_ms, rows_affected, trace_id, span_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, q.ID, q.RequestID, q.SQL, q.DurationMs, q.RowsAffected, q.TraceID, q.SpanID, toMicros(q.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting query: %w", err)
	}
	return nil
}

// StoreException stores or replaces an exception record.
func (s *Store) StoreException(ctx context.Context, exc *models.ExceptionRecord) error {
	if exc == nil || exc.ID == "" {
		return errors.New("exception id cannot be empty")
	}
	e := *exc
	return s.submit(ctx, "StoreException", &e)
}

func storeExceptionTx(tx *sql.Tx, e *models.ExceptionRecord) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO exceptions (id, request_id, exception_type, exception_value, traceback, trace_id, span_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.RequestID, e.ExceptionType, e.ExceptionValue, e.Traceback, e.TraceID, e.SpanID, toMicros(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting exception: %w", err)
	}
	return nil
}

// StoreTask stores or replaces a background task.
func (s *Store) StoreTask(ctx context.Context, task *models.BackgroundTaskRecord) error {
	if task == nil || task.ID == "" {
		return errors.New("task id cannot be empty")
	}
	t := *task
	return s.submit(ctx, "StoreTask", &t)
}

func storeTaskTx(tx *sql.Tx, t *models.BackgroundTaskRecord) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO background_tasks (id, request_id, function_key, function_name, status,
			queued_at, started_at, ended_at, duration_ms, params, error_message, error_trace)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.RequestID, t.FunctionKey, t.FunctionName, string(t.Status),
		toMicros(t.QueuedAt), nullMicros(t.StartedAt), nullMicros(t.EndedAt), t.DurationMs,
		string(t.Params), t.ErrorMessage, t.ErrorTrace)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// ClearTasks removes every background task.
func (s *Store) ClearTasks(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM background_tasks`); err != nil {
		return fmt.Errorf("clearing background_tasks: %w", err)
	}
	return nil
}

// StoreSpans stores spans and refreshes the summaries of their traces.
func (s *Store) StoreSpans(ctx context.Context, spans []models.SpanRecord) error {
	for i := range spans {
		if spans[i].TraceID == "" || spans[i].SpanID == "" {
			return errors.New("span trace id and span id cannot be empty")
		}
	}
	if len(spans) == 0 {
		return nil
	}
	cp := make([]models.SpanRecord, len(spans))
	copy(cp, spans)
	return s.submit(ctx, "StoreSpans", cp)
}

func storeSpansTx(tx *sql.Tx, spans []models.SpanRecord) error {
	order, _ := analyzer.GroupSpansByTrace(spans)

	for i := range spans {
		sp := &spans[i]
		tags, err := encodeJSON(sp.Tags)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT OR REPLACE INTO spans (trace_id, span_id, parent_span_id, operation_name, service_name,
				span_kind, start_time, end_time, duration_ms, status, tags)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sp.TraceID, sp.SpanID, sp.ParentSpanID, sp.OperationName, sp.ServiceName,
			sp.SpanKind, toMicros(sp.StartTime), nullMicros(sp.EndTime), sp.DurationMs, string(sp.Status), tags)
		if err != nil {
			return fmt.Errorf("inserting span: %w", err)
		}
	}

	for _, traceID := range order {
		if err := refreshTraceTx(tx, traceID); err != nil {
			return err
		}
	}
	return nil
}

// refreshTraceTx recomputes the summary row of a trace from its spans and
// drops the row when no spans remain.
func refreshTraceTx(tx *sql.Tx, traceID string) error {
	rows, err := tx.Query(spanSelect+` WHERE trace_id = ? ORDER BY start_time`, traceID)
	if err != nil {
		return fmt.Errorf("loading spans of %s: %w", traceID, err)
	}
	spans, err := scanSpans(rows)
	if err != nil {
		return err
	}

	if len(spans) == 0 {
		if _, err := tx.Exec(`DELETE FROM traces WHERE trace_id = ?`, traceID); err != nil {
			return fmt.Errorf("deleting trace %s: %w", traceID, err)
		}
		return nil
	}

	t := analyzer.SummarizeTrace(traceID, spans)
	_, err = tx.Exec(`
		INSERT OR REPLACE INTO traces (trace_id, service_name, operation_name, start_time, end_time,
			duration_ms, span_count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.TraceID, t.ServiceName, t.OperationName, toMicros(t.StartTime), toMicros(t.EndTime),
		t.DurationMs, t.SpanCount, string(t.Status))
	if err != nil {
		return fmt.Errorf("upserting trace %s: %w", traceID, err)
	}
	return nil
}

// Cleanup deletes records created before olderThan.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := toMicros(olderThan)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Traces losing spans need their summary recomputed
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT trace_id FROM spans WHERE start_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("finding expired traces: %w", err)
	}
	var touched []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning trace id: %w", err)
		}
		touched = append(touched, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating expired traces: %w", err)
	}

	var removed int64
	deletes := []struct{ table, column string }{
		{"requests", "created_at"},
		{"queries", "created_at"},
		{"exceptions", "created_at"},
		{"background_tasks", "queued_at"},
		{"spans", "start_time"},
	}
	for _, d := range deletes {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+d.table+" WHERE "+d.column+" < ?", cutoff)
		if err != nil {
			return 0, fmt.Errorf("cleaning %s: %w", d.table, err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	for _, traceID := range touched {
		if err := refreshTraceTx(tx, traceID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return removed, nil
}

// Helper functions

// toMicros converts t to Unix microseconds. The zero time maps to the
// smallest representable value so it sorts before every real timestamp.
func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	return t.UnixMicro()
}

// nullMicros converts an optional instant for a nullable column.
func nullMicros(t null.Time) sql.NullInt64 {
	if !t.Valid {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(t.Time), Valid: true}
}

// fromNullMicros is the inverse of nullMicros.
func fromNullMicros(us sql.NullInt64) null.Time {
	if !us.Valid {
		return null.Time{}
	}
	return null.TimeFrom(fromMicros(us.Int64))
}

// fromMicros is the inverse of toMicros.
func fromMicros(us int64) time.Time {
	if us == math.MinInt64 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// encodeJSON encodes data as JSON string.
func encodeJSON(data interface{}) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding JSON: %w", err)
	}
	return string(b), nil
}

// decodeJSON decodes JSON string to target.
func decodeJSON(data string, target interface{}) error {
	if err := json.Unmarshal([]byte(data), target); err != nil {
		return fmt.Errorf("decoding JSON: %w", err)
	}
	return nil
}
