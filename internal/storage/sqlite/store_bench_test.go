package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fidde/radar/pkg/models"
	"github.com/guregu/null/v5"
)

func benchStore(b *testing.B, batchSize int) *Store {
	b.Helper()

	cfg := Config{
		DBPath:        filepath.Join(b.TempDir(), "bench.db"),
		BatchSize:     batchSize,
		FlushInterval: 100 * time.Millisecond,
	}
	store, err := New(context.Background(), cfg)
	if err != nil {
		b.Fatalf("failed to create store: %v", err)
	}
	b.Cleanup(func() { store.Close() })
	return store
}

// BenchmarkRequestWrites measures write throughput for requests
func BenchmarkRequestWrites(b *testing.B) {
	store := benchStore(b, 100)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := &models.RequestRecord{
			ID:         fmt.Sprintf("req-%d", i),
			Method:     "GET",
			Path:       fmt.Sprintf("/items/%d", i%50),
			StatusCode: null.IntFrom(200),
			DurationMs: null.FloatFrom(float64(i % 300)),
			CreatedAt:  time.Now(),
		}
		if err := store.StoreRequest(ctx, req); err != nil {
			b.Fatalf("StoreRequest failed: %v", err)
		}
	}
	b.StopTimer()

	opsPerSec := float64(b.N) / b.Elapsed().Seconds()
	b.ReportMetric(opsPerSec, "ops/sec")
}

// BenchmarkSpanWrites measures write throughput for small traces
func BenchmarkSpanWrites(b *testing.B) {
	store := benchStore(b, 100)
	ctx := context.Background()
	start := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		traceID := fmt.Sprintf("trace-%d", i)
		spans := []models.SpanRecord{
			{TraceID: traceID, SpanID: "root", OperationName: "GET /", StartTime: start, DurationMs: null.FloatFrom(20)},
			{TraceID: traceID, SpanID: "db", ParentSpanID: null.StringFrom("root"), OperationName: "SELECT",
				StartTime: start.Add(time.Millisecond), DurationMs: null.FloatFrom(5)},
		}
		if err := store.StoreSpans(ctx, spans); err != nil {
			b.Fatalf("StoreSpans failed: %v", err)
		}
	}
}

// BenchmarkConcurrentWrites measures throughput with parallel writers
func BenchmarkConcurrentWrites(b *testing.B) {
	for _, writers := range []int{1, 4, 16} {
		b.Run(fmt.Sprintf("writers=%d", writers), func(b *testing.B) {
			store := benchStore(b, 100)
			ctx := context.Background()

			b.ResetTimer()
			var wg sync.WaitGroup
			per := b.N/writers + 1
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < per; i++ {
						q := &models.QueryRecord{
							ID:         fmt.Sprintf("q-%d-%d", w, i),
							SQL:        "SELECT * FROM items WHERE id = ?",
							DurationMs: null.FloatFrom(1),
							CreatedAt:  time.Now(),
						}
						if err := store.StoreQuery(ctx, q); err != nil {
							b.Errorf("StoreQuery failed: %v", err)
							return
						}
					}
				}(w)
			}
			wg.Wait()
		})
	}
}
