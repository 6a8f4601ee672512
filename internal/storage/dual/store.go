package dual

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fidde/radar/internal/storage"
	"github.com/fidde/radar/pkg/models"
)

// Store wraps two storage backends for dual-write migration.
// Writes go to both primary and secondary.
// Reads come from primary only.
type Store struct {
	primary   storage.Storage
	secondary storage.Storage
	logger    *slog.Logger

	// pending tracks in-flight secondary writes
	pending sync.WaitGroup
}

// Config holds dual store configuration.
type Config struct {
	Primary   storage.Storage
	Secondary storage.Storage
	Logger    *slog.Logger
}

// New creates a new dual-write store.
func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Store{
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		logger:    cfg.Logger,
	}
}

// dualWrite performs a write to both backends.
// Errors from secondary are logged but don't fail the operation.
func (s *Store) dualWrite(ctx context.Context, op string, write func(context.Context, storage.Storage) error) error {
	// Write to primary (this determines success/failure)
	if err := write(ctx, s.primary); err != nil {
		return err
	}

	// The secondary write outlives the caller's request
	bg := context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := write(bg, s.secondary); err != nil {
			s.logger.Error("dual-write to secondary failed",
				"operation", op,
				"error", err,
			)
		}
	}()

	return nil
}

// StoreRequest stores a request in both backends.
func (s *Store) StoreRequest(ctx context.Context, req *models.RequestRecord) error {
	return s.dualWrite(ctx, "StoreRequest", func(ctx context.Context, b storage.Storage) error {
		return b.StoreRequest(ctx, req)
	})
}

// GetRequest retrieves a request from primary backend only.
func (s *Store) GetRequest(ctx context.Context, id string) (*models.RequestRecord, error) {
	return s.primary.GetRequest(ctx, id)
}

// ListRequests lists requests from primary backend only.
func (s *Store) ListRequests(ctx context.Context, filter models.RecordFilter) ([]models.RequestRecord, error) {
	return s.primary.ListRequests(ctx, filter)
}

// StoreQuery stores a query in both backends.
func (s *Store) StoreQuery(ctx context.Context, q *models.QueryRecord) error {
	return s.dualWrite(ctx, "StoreQuery", func(ctx context.Context, b storage.Storage) error {
		return b.StoreQuery(ctx, q)
	})
}

// ListQueries lists queries from primary backend only.
func (s *Store) ListQueries(ctx context.Context, filter models.RecordFilter) ([]models.QueryRecord, error) {
	return s.primary.ListQueries(ctx, filter)
}

// StoreException stores an exception in both backends.
func (s *Store) StoreException(ctx context.Context, exc *models.ExceptionRecord) error {
	return s.dualWrite(ctx, "StoreException", func(ctx context.Context, b storage.Storage) error {
		return b.StoreException(ctx, exc)
	})
}

// ListExceptions lists exceptions from primary backend only.
func (s *Store) ListExceptions(ctx context.Context, filter models.RecordFilter) ([]models.ExceptionRecord, error) {
	return s.primary.ListExceptions(ctx, filter)
}

// StoreSpans stores spans in both backends.
func (s *Store) StoreSpans(ctx context.Context, spans []models.SpanRecord) error {
	return s.dualWrite(ctx, "StoreSpans", func(ctx context.Context, b storage.Storage) error {
		return b.StoreSpans(ctx, spans)
	})
}

// GetTrace retrieves a trace summary from primary backend only.
func (s *Store) GetTrace(ctx context.Context, traceID string) (*models.Trace, error) {
	return s.primary.GetTrace(ctx, traceID)
}

// ListTraces lists trace summaries from primary backend only.
func (s *Store) ListTraces(ctx context.Context, filter models.RecordFilter) ([]models.Trace, error) {
	return s.primary.ListTraces(ctx, filter)
}

// ListSpans lists the spans of a trace from primary backend only.
func (s *Store) ListSpans(ctx context.Context, traceID string) ([]models.SpanRecord, error) {
	return s.primary.ListSpans(ctx, traceID)
}

// StoreTask stores a background task in both backends.
func (s *Store) StoreTask(ctx context.Context, task *models.BackgroundTaskRecord) error {
	return s.dualWrite(ctx, "StoreTask", func(ctx context.Context, b storage.Storage) error {
		return b.StoreTask(ctx, task)
	})
}

// GetTask retrieves a background task from primary backend only.
func (s *Store) GetTask(ctx context.Context, id string) (*models.BackgroundTaskRecord, error) {
	return s.primary.GetTask(ctx, id)
}

// ListTasks lists background tasks from primary backend only.
func (s *Store) ListTasks(ctx context.Context, filter models.RecordFilter) ([]models.BackgroundTaskRecord, error) {
	return s.primary.ListTasks(ctx, filter)
}

// ClearTasks clears background tasks in both backends.
func (s *Store) ClearTasks(ctx context.Context) error {
	s.pending.Wait()

	if err := s.primary.ClearTasks(ctx); err != nil {
		return fmt.Errorf("clear primary tasks: %w", err)
	}
	if err := s.secondary.ClearTasks(ctx); err != nil {
		s.logger.Error("failed to clear secondary tasks",
			"error", err,
		)
	}
	return nil
}

// GetStats computes stats from primary backend only.
func (s *Store) GetStats(ctx context.Context, since time.Time, slowThresholdMs float64) (*models.ServerStats, error) {
	return s.primary.GetStats(ctx, since, slowThresholdMs)
}

// Cleanup expires old records in both backends and reports the primary count.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	removed, err := s.primary.Cleanup(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("cleanup primary: %w", err)
	}

	if _, err := s.secondary.Cleanup(ctx, olderThan); err != nil {
		s.logger.Error("failed to clean up secondary backend",
			"error", err,
		)
	}

	return removed, nil
}

// Clear clears both backends.
func (s *Store) Clear(ctx context.Context) error {
	s.pending.Wait()

	// Clear primary first
	if err := s.primary.Clear(ctx); err != nil {
		return fmt.Errorf("clear primary: %w", err)
	}

	// Clear secondary (best effort)
	if err := s.secondary.Clear(ctx); err != nil {
		s.logger.Error("failed to clear secondary backend",
			"error", err,
		)
	}

	return nil
}

// Close waits for in-flight secondary writes and closes both backends.
func (s *Store) Close() error {
	s.pending.Wait()

	primaryErr := s.primary.Close()
	secondaryErr := s.secondary.Close()

	if primaryErr != nil {
		return fmt.Errorf("close primary: %w", primaryErr)
	}
	if secondaryErr != nil {
		return fmt.Errorf("close secondary: %w", secondaryErr)
	}

	return nil
}
