package dual

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/fidde/radar/internal/storage/memory"
	"github.com/fidde/radar/pkg/models"
	"github.com/guregu/null/v5"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func TestDualWrite(t *testing.T) {
	// Create two in-memory backends for testing
	primary := memory.New()
	secondary := memory.New()

	store := New(Config{
		Primary:   primary,
		Secondary: secondary,
		Logger:    quietLogger(),
	})
	defer store.Close()

	ctx := context.Background()

	req := &models.RequestRecord{
		ID:         "req-1",
		Method:     "GET",
		Path:       "/users",
		StatusCode: null.IntFrom(200),
		DurationMs: null.FloatFrom(12),
		CreatedAt:  time.Now(),
	}
	if err := store.StoreRequest(ctx, req); err != nil {
		t.Fatalf("StoreRequest failed: %v", err)
	}

	// Wait for the async secondary write
	store.pending.Wait()

	for name, backend := range map[string]*memory.Store{"primary": primary, "secondary": secondary} {
		got, err := backend.GetRequest(ctx, "req-1")
		if err != nil {
			t.Fatalf("%s GetRequest failed: %v", name, err)
		}
		if got.Path != req.Path {
			t.Errorf("%s: expected path %s, got %s", name, req.Path, got.Path)
		}
	}
}

func TestReadFromPrimary(t *testing.T) {
	primary := memory.New()
	secondary := memory.New()

	store := New(Config{
		Primary:   primary,
		Secondary: secondary,
	})
	defer store.Close()

	ctx := context.Background()

	// Write directly to primary only
	exc := &models.ExceptionRecord{
		ID:            "exc-1",
		RequestID:     "req-1",
		ExceptionType: "ValueError",
		CreatedAt:     time.Now(),
	}
	if err := primary.StoreException(ctx, exc); err != nil {
		t.Fatalf("primary StoreException failed: %v", err)
	}

	// Read via the dual store should return primary's data
	got, err := store.ListExceptions(ctx, models.RecordFilter{})
	if err != nil {
		t.Fatalf("ListExceptions failed: %v", err)
	}
	if len(got) != 1 || got[0].ExceptionType != "ValueError" {
		t.Errorf("expected primary's exception, got %+v", got)
	}

	// Secondary should not have it
	got, err = secondary.ListExceptions(ctx, models.RecordFilter{})
	if err != nil {
		t.Fatalf("secondary ListExceptions failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected secondary to be empty, got %d exceptions", len(got))
	}
}

func TestSecondaryWriteFailure(t *testing.T) {
	primary := memory.New()
	secondary := &failingStore{Store: memory.New()}

	store := New(Config{
		Primary:   primary,
		Secondary: secondary,
		Logger:    quietLogger(),
	})
	defer store.Close()

	ctx := context.Background()

	// Write should succeed even if secondary fails
	q := &models.QueryRecord{
		ID:         "q-1",
		SQL:        "SELECT 1",
		DurationMs: null.FloatFrom(1),
		CreatedAt:  time.Now(),
	}
	if err := store.StoreQuery(ctx, q); err != nil {
		t.Fatalf("StoreQuery should succeed even if secondary fails: %v", err)
	}
	store.pending.Wait()

	got, err := primary.ListQueries(ctx, models.RecordFilter{})
	if err != nil {
		t.Fatalf("primary ListQueries failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 query in primary, got %d", len(got))
	}

	if _, err := store.Cleanup(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Errorf("Cleanup should ignore secondary failure: %v", err)
	}
}

func TestPrimaryWriteFailure(t *testing.T) {
	primary := &failingStore{Store: memory.New()}
	secondary := memory.New()

	store := New(Config{
		Primary:   primary,
		Secondary: secondary,
		Logger:    quietLogger(),
	})
	defer store.Close()

	ctx := context.Background()
	err := store.StoreSpans(ctx, []models.SpanRecord{{TraceID: "t1", SpanID: "s1", StartTime: time.Now()}})
	if err == nil {
		t.Fatal("expected primary failure to be returned")
	}
	store.pending.Wait()

	// Secondary is skipped when primary fails
	if _, err := secondary.ListSpans(ctx, "t1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound from secondary, got %v", err)
	}
}

func TestDualWriteSpans(t *testing.T) {
	primary := memory.New()
	secondary := memory.New()

	store := New(Config{
		Primary:   primary,
		Secondary: secondary,
	})
	defer store.Close()

	ctx := context.Background()
	start := time.Now()
	spans := []models.SpanRecord{
		{TraceID: "t1", SpanID: "root", OperationName: "GET /", StartTime: start, DurationMs: null.FloatFrom(50)},
		{TraceID: "t1", SpanID: "db", ParentSpanID: null.StringFrom("root"), OperationName: "SELECT",
			StartTime: start.Add(5 * time.Millisecond), DurationMs: null.FloatFrom(10)},
	}
	if err := store.StoreSpans(ctx, spans); err != nil {
		t.Fatalf("StoreSpans failed: %v", err)
	}
	store.pending.Wait()

	for name, backend := range map[string]*memory.Store{"primary": primary, "secondary": secondary} {
		trace, err := backend.GetTrace(ctx, "t1")
		if err != nil {
			t.Fatalf("%s GetTrace failed: %v", name, err)
		}
		if trace.SpanCount != 2 || trace.OperationName != "GET /" {
			t.Errorf("%s: unexpected trace %+v", name, trace)
		}
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err := secondary.GetTrace(ctx, "t1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected secondary to be cleared, got %v", err)
	}
}

// failingStore wraps a memory store and fails every write and cleanup
type failingStore struct {
	*memory.Store
}

var errSimulated = errors.New("simulated failure")

func (f *failingStore) StoreRequest(ctx context.Context, req *models.RequestRecord) error {
	return errSimulated
}

func (f *failingStore) StoreQuery(ctx context.Context, q *models.QueryRecord) error {
	return errSimulated
}

func (f *failingStore) StoreException(ctx context.Context, exc *models.ExceptionRecord) error {
	return errSimulated
}

func (f *failingStore) StoreSpans(ctx context.Context, spans []models.SpanRecord) error {
	return errSimulated
}

func (f *failingStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, errSimulated
}

func TestDualWriteTasks(t *testing.T) {
	primary := memory.New()
	secondary := memory.New()
	store := New(Config{Primary: primary, Secondary: secondary, Logger: quietLogger()})
	defer store.Close()
	ctx := context.Background()

	task := &models.BackgroundTaskRecord{ID: "job-1", FunctionName: "send_email", Status: models.TaskQueued, QueuedAt: time.Now()}
	if err := store.StoreTask(ctx, task); err != nil {
		t.Fatalf("StoreTask failed: %v", err)
	}
	store.pending.Wait()

	for name, backend := range map[string]*memory.Store{"primary": primary, "secondary": secondary} {
		if _, err := backend.GetTask(ctx, "job-1"); err != nil {
			t.Errorf("%s GetTask failed: %v", name, err)
		}
	}

	if err := store.ClearTasks(ctx); err != nil {
		t.Fatalf("ClearTasks failed: %v", err)
	}
	for name, backend := range map[string]*memory.Store{"primary": primary, "secondary": secondary} {
		if _, err := backend.GetTask(ctx, "job-1"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("%s: expected task cleared, got %v", name, err)
		}
	}
}
