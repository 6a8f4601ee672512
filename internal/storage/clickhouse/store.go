package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/fidde/radar/internal/analyzer"
	"github.com/fidde/radar/pkg/models"
	"github.com/guregu/null/v5"
)

// Store implements the storage.Storage interface using ClickHouse.
//
// Writes are buffered and flushed in batches; reads flush pending rows
// first so a caller always sees its own writes.
type Store struct {
	conn   driver.Conn
	buffer *BatchBuffer
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a new ClickHouse storage instance
func NewStore(ctx context.Context, config *ConnectionConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = DefaultConfig()
	}

	conn, err := Connect(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to ClickHouse: %w", err)
	}

	if err := InitializeSchema(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	store := &Store{
		conn:   conn,
		buffer: NewBatchBuffer(conn, config.BatchSize, config.FlushInterval, logger),
		logger: logger,
		now:    time.Now,
	}

	return store, nil
}

// flushPending writes buffered rows before a read.
func (s *Store) flushPending() {
	if err := s.buffer.Flush(); err != nil {
		s.logger.Warn("flush before read failed", "error", err)
	}
}

// Request operations

func (s *Store) StoreRequest(ctx context.Context, req *models.RequestRecord) error {
	return s.buffer.AddRequest(RequestRow{
		ID:         req.ID,
		Method:     req.Method,
		Path:       req.Path,
		URL:        req.URL,
		StatusCode: req.StatusCode.Ptr(),
		DurationMs: req.DurationMs.Ptr(),
		ClientIP:   req.ClientIP,
		CreatedAt:  toCH(req.CreatedAt),
	})
}

const requestSelect = `
	SELECT r.id, r.method, r.path, r.url, r.status_code, r.duration_ms, r.client_ip, r.created_at,
		q.query_count
	FROM requests AS r FINAL
	LEFT JOIN (
		SELECT request_id, count() AS query_count FROM queries FINAL GROUP BY request_id
	) AS q ON q.request_id = r.id`

func scanRequest(sc interface{ Scan(...any) error }) (models.RequestRecord, error) {
	var (
		r          models.RequestRecord
		status     *int64
		duration   *float64
		created    time.Time
		queryCount uint64
	)
	if err := sc.Scan(&r.ID, &r.Method, &r.Path, &r.URL, &status, &duration, &r.ClientIP, &created, &queryCount); err != nil {
		return r, err
	}
	r.StatusCode = null.IntFromPtr(status)
	r.DurationMs = null.FloatFromPtr(duration)
	r.CreatedAt = fromCH(created)
	r.QueryCount = int(queryCount)
	return r, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*models.RequestRecord, error) {
	s.flushPending()

	rows, err := s.conn.Query(ctx, requestSelect+` WHERE r.id = ? LIMIT 1`, id)
	if err != nil {
		return nil, fmt.Errorf("querying request: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying request: %w", err)
		}
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	r, err := scanRequest(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning request: %w", err)
	}
	return &r, nil
}

func (s *Store) ListRequests(ctx context.Context, filter models.RecordFilter) ([]models.RequestRecord, error) {
	s.flushPending()

	var conds []string
	var args []any
	if !filter.Since.IsZero() {
		conds = append(conds, "r.created_at >= ?")
		args = append(args, filter.Since)
	}
	if filter.Path != "" {
		conds = append(conds, "r.path = ?")
		args = append(args, filter.Path)
	}

	query, args := paged(requestSelect, conds, args, "r.created_at DESC, r.id DESC", filter)
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	defer rows.Close()

	result := make([]models.RequestRecord, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Query operations

func (s *Store) StoreQuery(ctx context.Context, q *models.QueryRecord) error {
	return s.buffer.AddQuery(QueryRow{
		ID:           q.ID,
		RequestID:    q.RequestID,
		SQL:          q.SQL,
		DurationMs:   q.DurationMs.Ptr(),
		RowsAffected: q.RowsAffected.Ptr(),
		TraceID:      q.TraceID,
		SpanID:       q.SpanID,
		CreatedAt:    toCH(q.CreatedAt),
	})
}

func (s *Store) ListQueries(ctx context.Context, filter models.RecordFilter) ([]models.QueryRecord, error) {
	s.flushPending()

	conds, args := ownedFilter(filter)
	query, args := paged(`SELECT id, request_id, sql_text, duration_ms, rows_affected, trace_id, span_id, created_at
		FROM queries FINAL`,
		conds, args, "created_at DESC, id DESC", filter)
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying queries: %w", err)
	}
	defer rows.Close()

	result := make([]models.QueryRecord, 0)
	for rows.Next() {
		var (
			q        models.QueryRecord
			duration *float64
			affected *int64
			created  time.Time
		)
		if err := rows.Scan(&q.ID, &q.RequestID, &q.SQL, &duration, &affected, &q.TraceID, &q.SpanID, &created); err != nil {
			return nil, fmt.Errorf("scanning query: %w", err)
		}
		q.DurationMs = null.FloatFromPtr(duration)
		q.RowsAffected = null.IntFromPtr(affected)
		q.CreatedAt = fromCH(created)
		result = append(result, q)
	}
	return result, rows.Err()
}

// Exception operations

func (s *Store) StoreException(ctx context.Context, exc *models.ExceptionRecord) error {
	return s.buffer.AddException(ExceptionRow{
		ID:             exc.ID,
		RequestID:      exc.RequestID,
		ExceptionType:  exc.ExceptionType,
		ExceptionValue: exc.ExceptionValue,
		Traceback:      exc.Traceback,
		TraceID:        exc.TraceID,
		SpanID:         exc.SpanID,
		CreatedAt:      toCH(exc.CreatedAt),
	})
}

func (s *Store) ListExceptions(ctx context.Context, filter models.RecordFilter) ([]models.ExceptionRecord, error) {
	s.flushPending()

	conds, args := ownedFilter(filter)
	query, args := paged(`SELECT id, request_id, exception_type, exception_value, traceback, trace_id, span_id, created_at
		FROM exceptions FINAL`,
		conds, args, "created_at DESC, id DESC", filter)
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying exceptions: %w", err)
	}
	defer rows.Close()

	result := make([]models.ExceptionRecord, 0)
	for rows.Next() {
		var e models.ExceptionRecord
		var created time.Time
		if err := rows.Scan(&e.ID, &e.RequestID, &e.ExceptionType, &e.ExceptionValue, &e.Traceback, &e.TraceID, &e.SpanID, &created); err != nil {
			return nil, fmt.Errorf("scanning exception: %w", err)
		}
		e.CreatedAt = fromCH(created)
		result = append(result, e)
	}
	return result, rows.Err()
}

// Trace operations

func (s *Store) StoreSpans(ctx context.Context, spans []models.SpanRecord) error {
	if len(spans) == 0 {
		return nil
	}

	rows := make([]SpanRow, 0, len(spans))
	for i := range spans {
		sp := &spans[i]

		tags := ""
		if len(sp.Tags) > 0 {
			b, err := json.Marshal(sp.Tags)
			if err != nil {
				return fmt.Errorf("encoding tags for span %s: %w", sp.SpanID, err)
			}
			tags = string(b)
		}

		finish := sp.StartTime
		if sp.EndTime.Valid {
			finish = sp.EndTime.Time
		} else if sp.DurationMs.Valid {
			finish = sp.StartTime.Add(time.Duration(sp.DurationMs.Float64 * float64(time.Millisecond)))
		}

		rows = append(rows, SpanRow{
			TraceID:       sp.TraceID,
			SpanID:        sp.SpanID,
			ParentSpanID:  sp.ParentSpanID.ValueOrZero(),
			OperationName: sp.OperationName,
			ServiceName:   sp.ServiceName.ValueOrZero(),
			SpanKind:      sp.SpanKind,
			StartTime:     toCH(sp.StartTime),
			EndTime:       nullableCH(sp.EndTime),
			FinishTime:    toCH(finish),
			DurationMs:    sp.DurationMs.Ptr(),
			Status:        string(sp.Status),
			Tags:          tags,
		})
	}

	return s.buffer.AddSpans(rows)
}

const spanSelect = `
	SELECT trace_id, span_id, parent_span_id, operation_name, service_name, span_kind,
		start_time, end_time, duration_ms, status, tags
	FROM spans FINAL`

func (s *Store) ListSpans(ctx context.Context, traceID string) ([]models.SpanRecord, error) {
	s.flushPending()

	rows, err := s.conn.Query(ctx, spanSelect+` WHERE trace_id = ? ORDER BY start_time, span_id`, traceID)
	if err != nil {
		return nil, fmt.Errorf("querying spans: %w", err)
	}
	spans, err := scanSpans(rows)
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return nil, fmt.Errorf("trace %s: %w", traceID, models.ErrNotFound)
	}
	return spans, nil
}

// scanSpans reads and closes span rows.
func scanSpans(rows driver.Rows) ([]models.SpanRecord, error) {
	defer rows.Close()

	var spans []models.SpanRecord
	for rows.Next() {
		var (
			sp              models.SpanRecord
			parent, service string
			start           time.Time
			end             *time.Time
			duration        *float64
			status, tags    string
		)
		err := rows.Scan(&sp.TraceID, &sp.SpanID, &parent, &sp.OperationName, &service,
			&sp.SpanKind, &start, &end, &duration, &status, &tags)
		if err != nil {
			return nil, fmt.Errorf("scanning span: %w", err)
		}

		sp.ParentSpanID = null.NewString(parent, parent != "")
		sp.ServiceName = null.NewString(service, service != "")
		sp.StartTime = fromCH(start)
		if end != nil {
			sp.EndTime = null.TimeFrom(fromCH(*end))
		}
		sp.DurationMs = null.FloatFromPtr(duration)
		sp.Status = models.SpanStatus(status)
		if tags != "" {
			if err := json.Unmarshal([]byte(tags), &sp.Tags); err != nil {
				return nil, fmt.Errorf("decoding tags for span %s: %w", sp.SpanID, err)
			}
		}
		spans = append(spans, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating spans: %w", err)
	}
	return spans, nil
}

// GetTrace summarizes the stored spans of a trace.
func (s *Store) GetTrace(ctx context.Context, traceID string) (*models.Trace, error) {
	spans, err := s.ListSpans(ctx, traceID)
	if err != nil {
		return nil, err
	}
	return analyzer.SummarizeTrace(traceID, spans), nil
}

// ListTraces selects a page of trace ids by their earliest span, then
// summarizes each trace from its spans.
func (s *Store) ListTraces(ctx context.Context, filter models.RecordFilter) ([]models.Trace, error) {
	s.flushPending()

	var having []string
	var args []any
	if !filter.Since.IsZero() {
		having = append(having, "min(start_time) >= ?")
		args = append(args, filter.Since)
	}
	if filter.ServiceName != "" {
		having = append(having, "argMin(service_name, (parent_span_id != '', start_time)) = ?")
		args = append(args, filter.ServiceName)
	}

	query := `SELECT trace_id FROM spans FINAL GROUP BY trace_id`
	if len(having) > 0 {
		query += " HAVING " + strings.Join(having, " AND ")
	}
	query += " ORDER BY min(start_time) DESC, trace_id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.EffectiveLimit(), max(filter.Offset, 0))

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying traces: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning trace id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating traces: %w", err)
	}

	result := make([]models.Trace, 0, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	spanRows, err := s.conn.Query(ctx, spanSelect+` WHERE trace_id IN (?) ORDER BY start_time, span_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying trace spans: %w", err)
	}
	spans, err := scanSpans(spanRows)
	if err != nil {
		return nil, err
	}

	_, groups := analyzer.GroupSpansByTrace(spans)
	for _, id := range ids {
		result = append(result, *analyzer.SummarizeTrace(id, groups[id]))
	}
	return result, nil
}

// Background task operations

func (s *Store) StoreTask(ctx context.Context, task *models.BackgroundTaskRecord) error {
	return s.buffer.AddTask(TaskRow{
		ID:           task.ID,
		RequestID:    task.RequestID,
		FunctionKey:  task.FunctionKey,
		FunctionName: task.FunctionName,
		Status:       string(task.Status),
		QueuedAt:     toCH(task.QueuedAt),
		StartedAt:    nullableCH(task.StartedAt),
		EndedAt:      nullableCH(task.EndedAt),
		DurationMs:   task.DurationMs.Ptr(),
		Params:       string(task.Params),
		ErrorMessage: task.ErrorMessage,
		ErrorTrace:   task.ErrorTrace,
	})
}

const taskSelect = `
	SELECT id, request_id, function_key, function_name, status, queued_at, started_at, ended_at,
		duration_ms, params, error_message, error_trace
	FROM background_tasks FINAL`

func scanTask(sc interface{ Scan(...any) error }) (models.BackgroundTaskRecord, error) {
	var (
		t              models.BackgroundTaskRecord
		status, params string
		queued         time.Time
		started, ended *time.Time
		duration       *float64
	)
	err := sc.Scan(&t.ID, &t.RequestID, &t.FunctionKey, &t.FunctionName, &status, &queued, &started, &ended,
		&duration, &params, &t.ErrorMessage, &t.ErrorTrace)
	if err != nil {
		return t, err
	}
	t.Status = models.TaskStatus(status)
	t.QueuedAt = fromCH(queued)
	if started != nil {
		t.StartedAt = null.TimeFrom(fromCH(*started))
	}
	if ended != nil {
		t.EndedAt = null.TimeFrom(fromCH(*ended))
	}
	t.DurationMs = null.FloatFromPtr(duration)
	if params != "" {
		t.Params = json.RawMessage(params)
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.BackgroundTaskRecord, error) {
	s.flushPending()

	rows, err := s.conn.Query(ctx, taskSelect+` WHERE id = ? LIMIT 1`, id)
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying task: %w", err)
		}
		return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	t, err := scanTask(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, filter models.RecordFilter) ([]models.BackgroundTaskRecord, error) {
	s.flushPending()

	conds, args := taskFilter(filter)
	query, args := paged(taskSelect, conds, args, "queued_at DESC, id DESC", filter)
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	result := make([]models.BackgroundTaskRecord, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) ClearTasks(ctx context.Context) error {
	s.buffer.DiscardTasks()
	if err := s.conn.Exec(ctx, "TRUNCATE TABLE background_tasks"); err != nil {
		return fmt.Errorf("truncating table background_tasks: %w", err)
	}
	return nil
}

// Stats

func (s *Store) GetStats(ctx context.Context, since time.Time, slowThresholdMs float64) (*models.ServerStats, error) {
	s.flushPending()

	stats := &models.ServerStats{}
	from := toCH(since)

	var (
		total    uint64
		avg      *float64
		earliest *time.Time
	)
	err := s.conn.QueryRow(ctx,
		`SELECT count(), avgOrNull(duration_ms), minOrNull(created_at) FROM requests FINAL WHERE created_at >= ?`, from,
	).Scan(&total, &avg, &earliest)
	if err != nil {
		return nil, fmt.Errorf("request stats: %w", err)
	}
	stats.TotalRequests = int64(total)
	stats.AvgResponseTime = null.FloatFromPtr(avg)

	var first time.Time
	if earliest != nil {
		first = fromCH(*earliest)
	}
	stats.RequestsPerMinute = null.FloatFrom(models.PerMinute(stats.TotalRequests, since, first, s.now()))

	var queries, slow uint64
	var avgQuery *float64
	err = s.conn.QueryRow(ctx, `
		SELECT count(), avgOrNull(duration_ms), countIf(duration_ms > ?)
		FROM queries FINAL WHERE created_at >= ?`, slowThresholdMs, from,
	).Scan(&queries, &avgQuery, &slow)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	stats.TotalQueries = int64(queries)
	stats.AvgQueryTime = null.FloatFromPtr(avgQuery)
	stats.SlowQueries = int64(slow)

	var exceptions uint64
	err = s.conn.QueryRow(ctx, `SELECT count() FROM exceptions FINAL WHERE created_at >= ?`, from).Scan(&exceptions)
	if err != nil {
		return nil, fmt.Errorf("exception stats: %w", err)
	}
	stats.TotalExceptions = int64(exceptions)

	return stats, nil
}

// Maintenance

// Cleanup counts the expired rows of each table, then deletes them with a
// synchronous mutation.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	s.flushPending()

	cutoff := toCH(olderThan)
	mutationCtx := clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"mutations_sync": 2,
	}))

	deletes := []struct{ table, column string }{
		{"requests", "created_at"},
		{"queries", "created_at"},
		{"exceptions", "created_at"},
		{"background_tasks", "queued_at"},
		{"spans", "start_time"},
	}

	var removed int64
	for _, d := range deletes {
		var n uint64
		err := s.conn.QueryRow(ctx,
			fmt.Sprintf("SELECT count() FROM %s FINAL WHERE %s < ?", d.table, d.column), cutoff,
		).Scan(&n)
		if err != nil {
			return removed, fmt.Errorf("counting expired %s: %w", d.table, err)
		}
		if n == 0 {
			continue
		}

		err = s.conn.Exec(mutationCtx, fmt.Sprintf("ALTER TABLE %s DELETE WHERE %s < ?", d.table, d.column), cutoff)
		if err != nil {
			return removed, fmt.Errorf("cleaning %s: %w", d.table, err)
		}
		removed += int64(n)
	}

	s.logger.Debug("cleanup finished", "removed", removed, "older_than", olderThan)
	return removed, nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.buffer.Discard()

	tables := []string{"requests", "queries", "exceptions", "spans", "background_tasks"}
	for _, table := range tables {
		if err := s.conn.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", table)); err != nil {
			return fmt.Errorf("truncating table %s: %w", table, err)
		}
	}

	return nil
}

func (s *Store) Close() error {
	// Flush remaining buffer
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.buffer.Close(ctx); err != nil {
		s.logger.Error("error flushing buffer on close", "error", err)
	}

	return s.conn.Close()
}

// Helper functions

// ownedFilter builds the conditions shared by queries and exceptions.
func ownedFilter(filter models.RecordFilter) ([]string, []any) {
	var conds []string
	var args []any
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since)
	}
	if filter.RequestID != "" {
		conds = append(conds, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if filter.TraceID != "" {
		conds = append(conds, "trace_id = ?")
		args = append(args, filter.TraceID)
	}
	return conds, args
}

// taskFilter builds the conditions for background task lists.
func taskFilter(filter models.RecordFilter) ([]string, []any) {
	var conds []string
	var args []any
	if !filter.Since.IsZero() {
		conds = append(conds, "queued_at >= ?")
		args = append(args, filter.Since)
	}
	if filter.RequestID != "" {
		conds = append(conds, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	return conds, args
}

// paged appends conditions, ordering and pagination to a query.
func paged(query string, conds []string, args []any, orderBy string, filter models.RecordFilter) (string, []any) {
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY " + orderBy + " LIMIT ? OFFSET ?"
	return query, append(args, filter.EffectiveLimit(), max(filter.Offset, 0))
}

// DateTime64 cannot hold Go's zero time; it is stored as the Unix epoch.
var epoch = time.Unix(0, 0).UTC()

func toCH(t time.Time) time.Time {
	if t.IsZero() {
		return epoch
	}
	return t.UTC()
}

func nullableCH(t null.Time) *time.Time {
	if !t.Valid {
		return nil
	}
	v := toCH(t.Time)
	return &v
}

func fromCH(t time.Time) time.Time {
	if t.Equal(epoch) {
		return time.Time{}
	}
	return t.UTC()
}
