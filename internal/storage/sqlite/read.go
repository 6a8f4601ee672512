package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fidde/radar/pkg/models"
	"github.com/guregu/null/v5"
)

const requestSelect = `
	SELECT r.id, r.method, r.path, r.url, r.status_code, r.duration_ms, r.client_ip, r.created_at,
		(SELECT COUNT(*) FROM queries q WHERE q.request_id = r.id) AS query_count
	FROM requests r`

const spanSelect = `
	SELECT trace_id, span_id, parent_span_id, operation_name, service_name, span_kind,
		start_time, end_time, duration_ms, status, tags
	FROM spans`

// where accumulates SQL conditions and their arguments.
type where struct {
	conds []string
	args  []interface{}
}

func (w *where) add(cond string, arg interface{}) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, arg)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// paged appends ordering and pagination to a query.
func paged(query string, w *where, orderBy string, filter models.RecordFilter) (string, []interface{}) {
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args := append(w.args, filter.EffectiveLimit(), offset)
	return query + w.String() + " ORDER BY " + orderBy + " LIMIT ? OFFSET ?", args
}

func scanRequest(sc interface{ Scan(...interface{}) error }) (models.RequestRecord, error) {
	var r models.RequestRecord
	var created int64
	err := sc.Scan(&r.ID, &r.Method, &r.Path, &r.URL, &r.StatusCode, &r.DurationMs, &r.ClientIP, &created, &r.QueryCount)
	if err != nil {
		return r, err
	}
	r.CreatedAt = fromMicros(created)
	return r, nil
}

// GetRequest retrieves a request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*models.RequestRecord, error) {
	row := s.db.QueryRowContext(ctx, requestSelect+` WHERE r.id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying request: %w", err)
	}
	return &r, nil
}

// ListRequests returns requests matching the filter, newest first.
func (s *Store) ListRequests(ctx context.Context, filter models.RecordFilter) ([]models.RequestRecord, error) {
	w := &where{}
	if !filter.Since.IsZero() {
		w.add("r.created_at >= ?", toMicros(filter.Since))
	}
	if filter.Path != "" {
		w.add("r.path = ?", filter.Path)
	}

	query, args := paged(requestSelect, w, "r.created_at DESC, r.id DESC", filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// ListQueries returns queries matching the filter, newest first.
func (s *Store) ListQueries(ctx context.Context, filter models.RecordFilter) ([]models.QueryRecord, error) {
	w := &where{}
	if !filter.Since.IsZero() {
		w.add("created_at >= ?", toMicros(filter.Since))
	}
	if filter.RequestID != "" {
		w.add("request_id = ?", filter.RequestID)
	}
	if filter.TraceID != "" {
		w.add("trace_id = ?", filter.TraceID)
	}

	query, args := paged(`SELECT id, request_id, sql_text, duration_ms, rows_affected, trace_id, span_id, created_at FROM queries`,
		w, "created_at DESC, id DESC", filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying queries: %w", err)
	}
	defer rows.Close()

	result := make([]models.QueryRecord, 0)
	for rows.Next() {
		var q models.QueryRecord
		var created int64
		if err := rows.Scan(&q.ID, &q.RequestID, &q.SQL, &q.DurationMs, &q.RowsAffected, &q.TraceID, &q.SpanID, &created); err != nil {
			return nil, fmt.Errorf("scanning query: %w", err)
		}
		q.CreatedAt = fromMicros(created)
		result = append(result, q)
	}
	return result, rows.Err()
}

// ListExceptions returns exceptions matching the filter, newest first.
func (s *Store) ListExceptions(ctx context.Context, filter models.RecordFilter) ([]models.ExceptionRecord, error) {
	w := &where{}
	if !filter.Since.IsZero() {
		w.add("created_at >= ?", toMicros(filter.Since))
	}
	if filter.RequestID != "" {
		w.add("request_id = ?", filter.RequestID)
	}
	if filter.TraceID != "" {
		w.add("trace_id = ?", filter.TraceID)
	}

	query, args := paged(`SELECT id, request_id, exception_type, exception_value, traceback, trace_id, span_id, created_at
		FROM exceptions`,
		w, "created_at DESC, id DESC", filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying exceptions: %w", err)
	}
	defer rows.Close()

	result := make([]models.ExceptionRecord, 0)
	for rows.Next() {
		var e models.ExceptionRecord
		var created int64
		if err := rows.Scan(&e.ID, &e.RequestID, &e.ExceptionType, &e.ExceptionValue, &e.Traceback, &e.TraceID, &e.SpanID, &created); err != nil {
			return nil, fmt.Errorf("scanning exception: %w", err)
		}
		e.CreatedAt = fromMicros(created)
		result = append(result, e)
	}
	return result, rows.Err()
}

const traceSelect = `
	SELECT trace_id, service_name, operation_name, start_time, end_time, duration_ms, span_count, status
	FROM traces`

func scanTrace(sc interface{ Scan(...interface{}) error }) (models.Trace, error) {
	var t models.Trace
	var start, end int64
	var status string
	if err := sc.Scan(&t.TraceID, &t.ServiceName, &t.OperationName, &start, &end, &t.DurationMs, &t.SpanCount, &status); err != nil {
		return t, err
	}
	t.StartTime = fromMicros(start)
	t.EndTime = fromMicros(end)
	t.Status = models.SpanStatus(status)
	return t, nil
}

// GetTrace retrieves a trace summary by id.
func (s *Store) GetTrace(ctx context.Context, traceID string) (*models.Trace, error) {
	t, err := scanTrace(s.db.QueryRowContext(ctx, traceSelect+` WHERE trace_id = ?`, traceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trace %s: %w", traceID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying trace: %w", err)
	}
	return &t, nil
}

// ListTraces returns trace summaries matching the filter, newest first.
func (s *Store) ListTraces(ctx context.Context, filter models.RecordFilter) ([]models.Trace, error) {
	w := &where{}
	if !filter.Since.IsZero() {
		w.add("start_time >= ?", toMicros(filter.Since))
	}
	if filter.ServiceName != "" {
		w.add("service_name = ?", filter.ServiceName)
	}

	query, args := paged(traceSelect, w, "start_time DESC, trace_id DESC", filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying traces: %w", err)
	}
	defer rows.Close()

	result := make([]models.Trace, 0)
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trace: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// ListSpans returns the spans of a trace ordered by start time.
func (s *Store) ListSpans(ctx context.Context, traceID string) ([]models.SpanRecord, error) {
	rows, err := s.db.QueryContext(ctx, spanSelect+` WHERE trace_id = ? ORDER BY start_time, span_id`, traceID)
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
func scanSpans(rows *sql.Rows) ([]models.SpanRecord, error) {
	defer rows.Close()

	var spans []models.SpanRecord
	for rows.Next() {
		var sp models.SpanRecord
		var start int64
		var end sql.NullInt64
		var status, tags string
		err := rows.Scan(&sp.TraceID, &sp.SpanID, &sp.ParentSpanID, &sp.OperationName, &sp.ServiceName,
			&sp.SpanKind, &start, &end, &sp.DurationMs, &status, &tags)
		if err != nil {
			return nil, fmt.Errorf("scanning span: %w", err)
		}

		sp.StartTime = fromMicros(start)
		sp.EndTime = fromNullMicros(end)
		sp.Status = models.SpanStatus(status)
		if tags != "" && tags != "null" {
			if err := decodeJSON(tags, &sp.Tags); err != nil {
				return nil, err
			}
		}
		spans = append(spans, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating spans: %w", err)
	}
	return spans, nil
}

const taskSelect = `
	SELECT id, request_id, function_key, function_name, status, queued_at, started_at, ended_at,
		duration_ms, params, error_message, error_trace
	FROM background_tasks`

func scanTask(sc interface{ Scan(...interface{}) error }) (models.BackgroundTaskRecord, error) {
	var t models.BackgroundTaskRecord
	var queued int64
	var started, ended sql.NullInt64
	var status, params string
	err := sc.Scan(&t.ID, &t.RequestID, &t.FunctionKey, &t.FunctionName, &status, &queued, &started, &ended,
		&t.DurationMs, &params, &t.ErrorMessage, &t.ErrorTrace)
	if err != nil {
		return t, err
	}
	t.Status = models.TaskStatus(status)
	t.QueuedAt = fromMicros(queued)
	t.StartedAt = fromNullMicros(started)
	t.EndedAt = fromNullMicros(ended)
	if params != "" {
		t.Params = json.RawMessage(params)
	}
	return t, nil
}

// GetTask retrieves a background task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*models.BackgroundTaskRecord, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return &t, nil
}

// ListTasks returns background tasks matching the filter, newest queued first.
func (s *Store) ListTasks(ctx context.Context, filter models.RecordFilter) ([]models.BackgroundTaskRecord, error) {
	w := &where{}
	if !filter.Since.IsZero() {
		w.add("queued_at >= ?", toMicros(filter.Since))
	}
	if filter.RequestID != "" {
		w.add("request_id = ?", filter.RequestID)
	}
	if filter.Status != "" {
		w.add("status = ?", string(filter.Status))
	}

	query, args := paged(taskSelect, w, "queued_at DESC, id DESC", filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// GetStats summarizes the data captured since the given instant.
func (s *Store) GetStats(ctx context.Context, since time.Time, slowThresholdMs float64) (*models.ServerStats, error) {
	stats := &models.ServerStats{}
	from := toMicros(since)

	var earliest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(duration_ms), MIN(created_at) FROM requests WHERE created_at >= ?`, from,
	).Scan(&stats.TotalRequests, &stats.AvgResponseTime, &earliest)
	if err != nil {
		return nil, fmt.Errorf("request stats: %w", err)
	}

	var first time.Time
	if earliest.Valid {
		first = fromMicros(earliest.Int64)
	}
	stats.RequestsPerMinute = null.FloatFrom(models.PerMinute(stats.TotalRequests, since, first, s.now()))

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(duration_ms), COALESCE(SUM(CASE WHEN duration_ms > ? THEN 1 ELSE 0 END), 0)
		FROM queries WHERE created_at >= ?`, slowThresholdMs, from,
	).Scan(&stats.TotalQueries, &stats.AvgQueryTime, &stats.SlowQueries)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exceptions WHERE created_at >= ?`, from).
		Scan(&stats.TotalExceptions)
	if err != nil {
		return nil, fmt.Errorf("exception stats: %w", err)
	}

	return stats, nil
}
