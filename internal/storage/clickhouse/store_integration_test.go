//go:build integration

package clickhouse

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/fidde/radar/pkg/models"
	"github.com/guregu/null/v5"
)

// TestClickHouseIntegration tests basic ClickHouse operations
// Run with: go test -tags=integration ./internal/storage/clickhouse -v
func TestClickHouseIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	config := DefaultConfig()
	if addr := os.Getenv("RADAR_CLICKHOUSE_ADDR"); addr != "" {
		config.Addr = addr
	}

	store, err := NewStore(ctx, config, logger)
	if err != nil {
		t.Skipf("ClickHouse not available: %v", err)
	}
	defer store.Close()

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Failed to clear store: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("StoreAndGetRequest", func(t *testing.T) {
		req := &models.RequestRecord{
			ID:         "it-req-1",
			Method:     "GET",
			Path:       "/users",
			StatusCode: null.IntFrom(200),
			DurationMs: null.FloatFrom(42.5),
			CreatedAt:  now,
		}
		if err := store.StoreRequest(ctx, req); err != nil {
			t.Fatalf("Failed to store request: %v", err)
		}
		q := &models.QueryRecord{
			ID:         "it-q-1",
			RequestID:  "it-req-1",
			SQL:        "SELECT * FROM users WHERE id = 1",
			DurationMs: null.FloatFrom(3),
			CreatedAt:  now,
		}
		if err := store.StoreQuery(ctx, q); err != nil {
			t.Fatalf("Failed to store query: %v", err)
		}

		got, err := store.GetRequest(ctx, "it-req-1")
		if err != nil {
			t.Fatalf("Failed to get request: %v", err)
		}
		if got.StatusCode.Int64 != 200 || got.DurationMs.Float64 != 42.5 {
			t.Errorf("unexpected request: %+v", got)
		}
		if got.QueryCount != 1 {
			t.Errorf("Expected query count 1, got %d", got.QueryCount)
		}
		if !got.CreatedAt.Equal(now) {
			t.Errorf("Expected created_at %v, got %v", now, got.CreatedAt)
		}
	})

	t.Run("PendingRequestKeepsNulls", func(t *testing.T) {
		req := &models.RequestRecord{ID: "it-req-pending", Method: "POST", Path: "/orders", CreatedAt: now}
		if err := store.StoreRequest(ctx, req); err != nil {
			t.Fatalf("Failed to store request: %v", err)
		}
		got, err := store.GetRequest(ctx, "it-req-pending")
		if err != nil {
			t.Fatalf("Failed to get request: %v", err)
		}
		if got.StatusCode.Valid || got.DurationMs.Valid {
			t.Errorf("Expected null status and duration, got %+v", got)
		}
	})

	t.Run("RequestNotFound", func(t *testing.T) {
		_, err := store.GetRequest(ctx, "missing")
		if !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SpansAndTraces", func(t *testing.T) {
		spans := []models.SpanRecord{
			{TraceID: "it-trace", SpanID: "root", OperationName: "GET /users", ServiceName: null.StringFrom("api"),
				StartTime: now, DurationMs: null.FloatFrom(100), Status: models.SpanStatusOK},
			{TraceID: "it-trace", SpanID: "db", ParentSpanID: null.StringFrom("root"), OperationName: "SELECT",
				StartTime: now.Add(10 * time.Millisecond), DurationMs: null.FloatFrom(20), Status: models.SpanStatusError,
				Tags: map[string]any{"db.system": "postgresql"}},
		}
		if err := store.StoreSpans(ctx, spans); err != nil {
			t.Fatalf("Failed to store spans: %v", err)
		}
		// Replaying the export must not duplicate spans
		if err := store.StoreSpans(ctx, spans); err != nil {
			t.Fatalf("Failed to replay spans: %v", err)
		}

		got, err := store.ListSpans(ctx, "it-trace")
		if err != nil {
			t.Fatalf("Failed to list spans: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("Expected 2 spans, got %d", len(got))
		}
		if got[1].Tags["db.system"] != "postgresql" {
			t.Errorf("Expected tags to round-trip, got %v", got[1].Tags)
		}

		trace, err := store.GetTrace(ctx, "it-trace")
		if err != nil {
			t.Fatalf("Failed to get trace: %v", err)
		}
		if trace.SpanCount != 2 || trace.Status != models.SpanStatusError || trace.DurationMs != 100 {
			t.Errorf("unexpected trace summary: %+v", trace)
		}

		traces, err := store.ListTraces(ctx, models.RecordFilter{ServiceName: "api"})
		if err != nil {
			t.Fatalf("Failed to list traces: %v", err)
		}
		if len(traces) != 1 || traces[0].OperationName != "GET /users" {
			t.Errorf("unexpected traces: %+v", traces)
		}
	})

	t.Run("GetStats", func(t *testing.T) {
		stats, err := store.GetStats(ctx, time.Time{}, 1)
		if err != nil {
			t.Fatalf("Failed to get stats: %v", err)
		}
		if stats.TotalRequests != 2 || stats.TotalQueries != 1 || stats.SlowQueries != 1 {
			t.Errorf("unexpected stats: %+v", stats)
		}
		if !stats.AvgResponseTime.Valid || stats.AvgResponseTime.Float64 != 42.5 {
			t.Errorf("Expected avg response time 42.5, got %v", stats.AvgResponseTime)
		}
	})

	t.Run("Cleanup", func(t *testing.T) {
		removed, err := store.Cleanup(ctx, now.Add(time.Hour))
		if err != nil {
			t.Fatalf("Failed to clean up: %v", err)
		}
		if removed != 5 {
			t.Errorf("Expected 5 removed rows, got %d", removed)
		}
		reqs, err := store.ListRequests(ctx, models.RecordFilter{})
		if err != nil {
			t.Fatalf("Failed to list requests: %v", err)
		}
		if len(reqs) != 0 {
			t.Errorf("Expected no requests after cleanup, got %d", len(reqs))
		}
	})
}
