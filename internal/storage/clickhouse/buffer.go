package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = 2 * time.Second
	defaultShutdownWait  = 10 * time.Second
	maxRetries           = 3
)

// RequestRow represents a row in the requests table
type RequestRow struct {
	ID         string
	Method     string
	Path       string
	URL        string
	StatusCode *int64
	DurationMs *float64
	ClientIP   string
	CreatedAt  time.Time
}

// QueryRow represents a row in the queries table
type QueryRow struct {
	ID           string
	RequestID    string
	SQL          string
	DurationMs   *float64
	RowsAffected *int64
	TraceID      string
	SpanID       string
	CreatedAt    time.Time
}

// ExceptionRow represents a row in the exceptions table
type ExceptionRow struct {
	ID             string
	RequestID      string
	ExceptionType  string
	ExceptionValue string
	Traceback      string
	TraceID        string
	SpanID         string
	CreatedAt      time.Time
}

// SpanRow represents a row in the spans table
type SpanRow struct {
	TraceID       string
	SpanID        string
	ParentSpanID  string
	OperationName string
	ServiceName   string
	SpanKind      string
	StartTime     time.Time
	EndTime       *time.Time
	FinishTime    time.Time
	DurationMs    *float64
	Status        string
	Tags          string
}

// TaskRow represents a row in the background_tasks table
type TaskRow struct {
	ID           string
	RequestID    string
	FunctionKey  string
	FunctionName string
	Status       string
	QueuedAt     time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time
	DurationMs   *float64
	Params       string
	ErrorMessage string
	ErrorTrace   string
}

// BatchBuffer manages batched writes to ClickHouse with automatic flushing
type BatchBuffer struct {
	conn driver.Conn

	mu            sync.Mutex
	requestRows   []RequestRow
	queryRows     []QueryRow
	exceptionRows []ExceptionRow
	spanRows      []SpanRow
	taskRows      []TaskRow

	batchSize     int
	flushInterval time.Duration
	shutdownWait  time.Duration

	flushTimer *time.Timer
	stopCh     chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// NewBatchBuffer creates a new batch buffer. Zero sizes fall back to defaults.
func NewBatchBuffer(conn driver.Conn, batchSize int, flushInterval time.Duration, logger *slog.Logger) *BatchBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	b := &BatchBuffer{
		conn:          conn,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		shutdownWait:  defaultShutdownWait,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}

	b.flushTimer = time.NewTimer(b.flushInterval)

	b.wg.Add(1)
	go b.flushLoop()

	return b
}

// AddRequest adds a request row to the buffer
func (b *BatchBuffer) AddRequest(row RequestRow) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requestRows = append(b.requestRows, row)

	if len(b.requestRows) >= b.batchSize {
		return b.flushRequestsLocked()
	}
	return nil
}

// AddQuery adds a query row to the buffer
func (b *BatchBuffer) AddQuery(row QueryRow) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queryRows = append(b.queryRows, row)

	if len(b.queryRows) >= b.batchSize {
		return b.flushQueriesLocked()
	}
	return nil
}

// AddException adds an exception row to the buffer
func (b *BatchBuffer) AddException(row ExceptionRow) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.exceptionRows = append(b.exceptionRows, row)

	if len(b.exceptionRows) >= b.batchSize {
		return b.flushExceptionsLocked()
	}
	return nil
}

// AddSpans adds the span rows of one export to the buffer
func (b *BatchBuffer) AddSpans(rows []SpanRow) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.spanRows = append(b.spanRows, rows...)

	if len(b.spanRows) >= b.batchSize {
		return b.flushSpansLocked()
	}
	return nil
}

// AddTask adds a background task row to the buffer
func (b *BatchBuffer) AddTask(row TaskRow) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.taskRows = append(b.taskRows, row)

	if len(b.taskRows) >= b.batchSize {
		return b.flushTasksLocked()
	}
	return nil
}

// Flush writes every buffered row now.
func (b *BatchBuffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushAllLocked()
}

// Discard drops buffered rows without writing them.
func (b *BatchBuffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestRows = nil
	b.queryRows = nil
	b.exceptionRows = nil
	b.spanRows = nil
	b.taskRows = nil
}

// DiscardTasks drops buffered background task rows.
func (b *BatchBuffer) DiscardTasks() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taskRows = nil
}

// flushLoop periodically flushes buffers on timer
func (b *BatchBuffer) flushLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.flushTimer.C:
			b.mu.Lock()
			_ = b.flushAllLocked()
			b.mu.Unlock()
			b.flushTimer.Reset(b.flushInterval)

		case <-b.stopCh:
			return
		}
	}
}

// flushAllLocked flushes all buffers (must hold lock)
func (b *BatchBuffer) flushAllLocked() error {
	var errs []error

	// Spans first so trace views never show a request without its trace
	if err := b.flushSpansLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := b.flushRequestsLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := b.flushQueriesLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := b.flushExceptionsLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := b.flushTasksLocked(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("flush errors: %v", errs)
	}
	return nil
}

// flushRows swaps out the pending rows, inserts them with the lock released
// and logs the outcome (must hold lock).
func flushRows[T any](b *BatchBuffer, kind string, pending *[]T, insert func([]T) error) error {
	if len(*pending) == 0 {
		return nil
	}

	start := time.Now()
	rows := *pending
	*pending = nil

	// Release lock during insert
	b.mu.Unlock()
	err := insert(rows)
	b.mu.Lock()

	if err != nil {
		b.logger.Error("failed to flush "+kind,
			"error", err,
			"row_count", len(rows),
		)
		return err
	}

	b.logger.Debug("flushed "+kind,
		"row_count", len(rows),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (b *BatchBuffer) flushRequestsLocked() error {
	return flushRows(b, "requests", &b.requestRows, b.insertRequests)
}

func (b *BatchBuffer) flushQueriesLocked() error {
	return flushRows(b, "queries", &b.queryRows, b.insertQueries)
}

func (b *BatchBuffer) flushExceptionsLocked() error {
	return flushRows(b, "exceptions", &b.exceptionRows, b.insertExceptions)
}

func (b *BatchBuffer) flushSpansLocked() error {
	return flushRows(b, "spans", &b.spanRows, b.insertSpans)
}

func (b *BatchBuffer) flushTasksLocked() error {
	return flushRows(b, "background tasks", &b.taskRows, b.insertTasks)
}

// Close gracefully shuts down the buffer, flushing remaining data
func (b *BatchBuffer) Close(ctx context.Context) error {
	var finalErr error

	b.closeOnce.Do(func() {
		close(b.stopCh)
		b.flushTimer.Stop()

		shutdownCtx, cancel := context.WithTimeout(ctx, b.shutdownWait)
		defer cancel()

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-shutdownCtx.Done():
			b.logger.Warn("flush loop did not stop within timeout")
		}

		// Final flush
		b.mu.Lock()
		defer b.mu.Unlock()

		finalErr = b.flushAllLocked()
	})

	return finalErr
}

// Insert methods with retry logic

func (b *BatchBuffer) insertRequests(rows []RequestRow) error {
	return b.retryInsert(func(ctx context.Context) error {
		batch, err := b.conn.PrepareBatch(ctx,
			"INSERT INTO requests (id, method, path, url, status_code, duration_ms, client_ip, created_at)")
		if err != nil {
			return err
		}

		for _, row := range rows {
			err = batch.Append(
				row.ID,
				row.Method,
				row.Path,
				row.URL,
				row.StatusCode,
				row.DurationMs,
				row.ClientIP,
				row.CreatedAt,
			)
			if err != nil {
				return err
			}
		}

		return batch.Send()
	})
}

func (b *BatchBuffer) insertQueries(rows []QueryRow) error {
	return b.retryInsert(func(ctx context.Context) error {
		batch, err := b.conn.PrepareBatch(ctx,
			"INSERT INTO queries (id, request_id, sql_text, duration_ms, rows_affected, trace_id, span_id, created_at)")
		if err != nil {
			return err
		}

		for _, row := range rows {
			err = batch.Append(
				row.ID,
				row.RequestID,
				row.SQL,
				row.DurationMs,
				row.RowsAffected,
				row.TraceID,
				row.SpanID,
				row.CreatedAt,
			)
			if err != nil {
				return err
			}
		}

		return batch.Send()
	})
}

func (b *BatchBuffer) insertExceptions(rows []ExceptionRow) error {
	return b.retryInsert(func(ctx context.Context) error {
		batch, err := b.conn.PrepareBatch(ctx,
			"INSERT INTO exceptions (id, request_id, exception_type, exception_value, traceback, trace_id, span_id, created_at)")
		if err != nil {
			return err
		}

		for _, row := range rows {
			err = batch.Append(
				row.ID,
				row.RequestID,
				row.ExceptionType,
				row.ExceptionValue,
				row.Traceback,
				row.TraceID,
				row.SpanID,
				row.CreatedAt,
			)
			if err != nil {
				return err
			}
		}

		return batch.Send()
	})
}

func (b *BatchBuffer) insertSpans(rows []SpanRow) error {
	return b.retryInsert(func(ctx context.Context) error {
		batch, err := b.conn.PrepareBatch(ctx, `INSERT INTO spans (trace_id, span_id, parent_span_id,
			operation_name, service_name, span_kind, start_time, end_time, finish_time, duration_ms, status, tags)`)
		if err != nil {
			return err
		}

		for _, row := range rows {
			err = batch.Append(
				row.TraceID,
				row.SpanID,
				row.ParentSpanID,
				row.OperationName,
				row.ServiceName,
				row.SpanKind,
				row.StartTime,
				row.EndTime,
				row.FinishTime,
				row.DurationMs,
				row.Status,
				row.Tags,
			)
			if err != nil {
				return err
			}
		}

		return batch.Send()
	})
}

func (b *BatchBuffer) insertTasks(rows []TaskRow) error {
	return b.retryInsert(func(ctx context.Context) error {
		batch, err := b.conn.PrepareBatch(ctx, `INSERT INTO background_tasks (id, request_id, function_key,
			function_name, status, queued_at, started_at, ended_at, duration_ms, params, error_message, error_trace)`)
		if err != nil {
			return err
		}

		for _, row := range rows {
			err = batch.Append(
				row.ID,
				row.RequestID,
				row.FunctionKey,
				row.FunctionName,
				row.Status,
				row.QueuedAt,
				row.StartedAt,
				row.EndedAt,
				row.DurationMs,
				row.Params,
				row.ErrorMessage,
				row.ErrorTrace,
			)
			if err != nil {
				return err
			}
		}

		return batch.Send()
	})
}

// retryInsert retries insert operation with exponential backoff
func (b *BatchBuffer) retryInsert(fn func(context.Context) error) error {
	var err error
	retryDelay := 100 * time.Millisecond

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = fn(ctx)
		cancel()

		if err == nil {
			return nil
		}

		if attempt < maxRetries {
			time.Sleep(retryDelay)
			retryDelay *= 2
		}
	}

	return fmt.Errorf("insert failed after %d attempts: %w", maxRetries, err)
}
