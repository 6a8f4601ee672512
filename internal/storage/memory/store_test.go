package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fidde/radar/pkg/models"
	"github.com/guregu/null/v5"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	requests := []models.RequestRecord{
		{ID: "r1", Method: "GET", Path: "/a", StatusCode: null.IntFrom(200), DurationMs: null.FloatFrom(10), CreatedAt: t0},
		{ID: "r2", Method: "GET", Path: "/b", StatusCode: null.IntFrom(500), DurationMs: null.FloatFrom(30), CreatedAt: t0.Add(time.Minute)},
		{ID: "r3", Method: "POST", Path: "/a", CreatedAt: t0.Add(2 * time.Minute)},
	}
	for i := range requests {
		if err := s.StoreRequest(ctx, &requests[i]); err != nil {
			t.Fatalf("StoreRequest: %v", err)
		}
	}

	queries := []models.QueryRecord{
		{ID: "q1", RequestID: "r1", SQL: "SELECT 1", DurationMs: null.FloatFrom(5), CreatedAt: t0},
		{ID: "q2", RequestID: "r1", SQL: "SELECT 2", DurationMs: null.FloatFrom(250), CreatedAt: t0},
		{ID: "q3", RequestID: "r2", SQL: "SELECT 3", CreatedAt: t0.Add(time.Minute)},
	}
	for i := range queries {
		if err := s.StoreQuery(ctx, &queries[i]); err != nil {
			t.Fatalf("StoreQuery: %v", err)
		}
	}

	exc := models.ExceptionRecord{ID: "e1", RequestID: "r2", ExceptionType: "ValueError", CreatedAt: t0.Add(time.Minute)}
	if err := s.StoreException(ctx, &exc); err != nil {
		t.Fatalf("StoreException: %v", err)
	}
}

func TestStoreRequestValidation(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.StoreRequest(ctx, nil); err == nil {
		t.Error("expected error for nil request")
	}
	if err := s.StoreRequest(ctx, &models.RequestRecord{}); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestListRequests(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	all, err := s.ListRequests(ctx, models.RecordFilter{})
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(all) != 3 || all[0].ID != "r3" || all[2].ID != "r1" {
		t.Fatalf("ListRequests order = %v, want newest first", ids(all))
	}
	if all[2].QueryCount != 2 {
		t.Errorf("r1 QueryCount = %d, want 2", all[2].QueryCount)
	}

	byPath, _ := s.ListRequests(ctx, models.RecordFilter{Path: "/a"})
	if len(byPath) != 2 {
		t.Errorf("path filter returned %d, want 2", len(byPath))
	}

	since, _ := s.ListRequests(ctx, models.RecordFilter{Since: t0.Add(time.Minute)})
	if len(since) != 2 {
		t.Errorf("since filter returned %d, want 2", len(since))
	}

	paged, _ := s.ListRequests(ctx, models.RecordFilter{Limit: 1, Offset: 1})
	if len(paged) != 1 || paged[0].ID != "r2" {
		t.Errorf("page = %v, want [r2]", ids(paged))
	}

	past, _ := s.ListRequests(ctx, models.RecordFilter{Offset: 10})
	if len(past) != 0 {
		t.Errorf("offset past end returned %d records", len(past))
	}
}

func TestGetRequest(t *testing.T) {
	s := New()
	seed(t, s)

	req, err := s.GetRequest(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if req.Path != "/a" || req.QueryCount != 2 {
		t.Errorf("GetRequest = %+v", req)
	}

	_, err = s.GetRequest(context.Background(), "nope")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing request error = %v, want ErrNotFound", err)
	}
}

func TestListQueriesAndExceptionsByRequest(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	qs, _ := s.ListQueries(ctx, models.RecordFilter{RequestID: "r1"})
	if len(qs) != 2 {
		t.Errorf("queries for r1 = %d, want 2", len(qs))
	}
	excs, _ := s.ListExceptions(ctx, models.RecordFilter{RequestID: "r2"})
	if len(excs) != 1 || excs[0].ExceptionType != "ValueError" {
		t.Errorf("exceptions for r2 = %+v", excs)
	}
}

func TestStoreReplacesByID(t *testing.T) {
	s := New()
	ctx := context.Background()

	req := models.RequestRecord{ID: "r1", Path: "/a", CreatedAt: t0}
	_ = s.StoreRequest(ctx, &req)
	req.StatusCode = null.IntFrom(201)
	_ = s.StoreRequest(ctx, &req)

	all, _ := s.ListRequests(ctx, models.RecordFilter{})
	if len(all) != 1 || all[0].StatusCode.Int64 != 201 {
		t.Errorf("after replace: %+v", all)
	}
}

func TestGetStats(t *testing.T) {
	s := New()
	s.now = func() time.Time { return t0.Add(10 * time.Minute) }
	seed(t, s)

	stats, err := s.GetStats(context.Background(), time.Time{}, 100)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalRequests != 3 || stats.TotalQueries != 3 || stats.TotalExceptions != 1 {
		t.Errorf("totals = %d/%d/%d, want 3/3/1", stats.TotalRequests, stats.TotalQueries, stats.TotalExceptions)
	}
	if stats.AvgResponseTime.Float64 != 20 {
		t.Errorf("AvgResponseTime = %v, want 20", stats.AvgResponseTime)
	}
	if stats.AvgQueryTime.Float64 != 127.5 || stats.SlowQueries != 1 {
		t.Errorf("query stats = %v avg, %d slow", stats.AvgQueryTime, stats.SlowQueries)
	}
	// 3 requests over the 10 minutes since the first one
	if stats.RequestsPerMinute.Float64 != 0.3 {
		t.Errorf("RequestsPerMinute = %v, want 0.3", stats.RequestsPerMinute)
	}

	windowed, _ := s.GetStats(context.Background(), t0.Add(90*time.Second), 100)
	if windowed.TotalRequests != 1 || windowed.AvgResponseTime.Valid {
		t.Errorf("windowed stats = %+v", windowed)
	}
}

func TestSpansAndTraces(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := []models.SpanRecord{
		{TraceID: "t1", SpanID: "root", OperationName: "GET /a", ServiceName: null.StringFrom("api"),
			StartTime: t0, DurationMs: null.FloatFrom(100), Status: models.SpanStatusOK},
	}
	second := []models.SpanRecord{
		{TraceID: "t1", SpanID: "db", ParentSpanID: null.StringFrom("root"), OperationName: "SELECT",
			StartTime: t0.Add(10 * time.Millisecond), DurationMs: null.FloatFrom(20), Status: models.SpanStatusError},
		{TraceID: "t2", SpanID: "x", OperationName: "job", StartTime: t0.Add(time.Second), Status: models.SpanStatusOK},
	}
	if err := s.StoreSpans(ctx, first); err != nil {
		t.Fatalf("StoreSpans: %v", err)
	}
	if err := s.StoreSpans(ctx, second); err != nil {
		t.Fatalf("StoreSpans: %v", err)
	}
	// replaying a span does not grow the trace
	if err := s.StoreSpans(ctx, first); err != nil {
		t.Fatalf("StoreSpans: %v", err)
	}

	trace, err := s.GetTrace(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if trace.SpanCount != 2 || trace.Status != models.SpanStatusError || trace.OperationName != "GET /a" {
		t.Errorf("trace = %+v", trace)
	}
	if trace.DurationMs != 100 {
		t.Errorf("DurationMs = %v, want 100", trace.DurationMs)
	}

	spans, _ := s.ListSpans(ctx, "t1")
	if len(spans) != 2 || spans[0].SpanID != "root" {
		t.Errorf("spans = %+v", spans)
	}

	traces, _ := s.ListTraces(ctx, models.RecordFilter{})
	if len(traces) != 2 || traces[0].TraceID != "t2" {
		t.Errorf("traces order = %+v", traces)
	}
	byService, _ := s.ListTraces(ctx, models.RecordFilter{ServiceName: "api"})
	if len(byService) != 1 {
		t.Errorf("service filter returned %d traces", len(byService))
	}

	if _, err := s.GetTrace(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing trace error = %v", err)
	}
	if _, err := s.ListSpans(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing spans error = %v", err)
	}
	if err := s.StoreSpans(ctx, []models.SpanRecord{{SpanID: "x"}}); err == nil {
		t.Error("expected error for span without trace id")
	}
}

func TestCleanupAndClear(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	_ = s.StoreSpans(ctx, []models.SpanRecord{
		{TraceID: "old", SpanID: "a", StartTime: t0},
		{TraceID: "new", SpanID: "b", StartTime: t0.Add(5 * time.Minute)},
	})

	removed, err := s.Cleanup(ctx, t0.Add(30*time.Second))
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	// r1, q1, q2 and span a
	if removed != 4 {
		t.Errorf("removed = %d, want 4", removed)
	}
	if _, err := s.GetTrace(ctx, "old"); !errors.Is(err, models.ErrNotFound) {
		t.Error("old trace survived cleanup")
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	all, _ := s.ListRequests(ctx, models.RecordFilter{})
	traces, _ := s.ListTraces(ctx, models.RecordFilter{})
	if len(all) != 0 || len(traces) != 0 {
		t.Errorf("after Clear: %d requests, %d traces", len(all), len(traces))
	}
}

func ids(reqs []models.RequestRecord) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}

func TestBackgroundTasks(t *testing.T) {
	s := New()
	ctx := context.Background()

	tasks := []models.BackgroundTaskRecord{
		{ID: "job-1", RequestID: "r1", FunctionName: "send_email", Status: models.TaskQueued, QueuedAt: t0},
		{ID: "job-2", FunctionName: "resize", Status: models.TaskRunning, QueuedAt: t0.Add(time.Minute)},
		{ID: "job-1", RequestID: "r1", FunctionName: "send_email", Status: models.TaskFinished, QueuedAt: t0},
	}
	for i := range tasks {
		if err := s.StoreTask(ctx, &tasks[i]); err != nil {
			t.Fatalf("StoreTask: %v", err)
		}
	}

	got, err := s.GetTask(ctx, "job-1")
	if err != nil || got.Status != models.TaskFinished {
		t.Fatalf("GetTask = %+v, %v; want finished job-1", got, err)
	}

	all, _ := s.ListTasks(ctx, models.RecordFilter{})
	if len(all) != 2 || all[0].ID != "job-2" {
		t.Errorf("expected job-2 then job-1, got %+v", all)
	}
	done, _ := s.ListTasks(ctx, models.RecordFilter{Status: models.TaskFinished})
	if len(done) != 1 || done[0].ID != "job-1" {
		t.Errorf("expected finished job-1, got %+v", done)
	}

	// job-1 was queued before the cutoff
	removed, err := s.Cleanup(ctx, t0.Add(30*time.Second))
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 task removed, got %d", removed)
	}
	if err := s.ClearTasks(ctx); err != nil {
		t.Fatalf("ClearTasks: %v", err)
	}
	if _, err := s.GetTask(ctx, "job-2"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound after ClearTasks, got %v", err)
	}
}
