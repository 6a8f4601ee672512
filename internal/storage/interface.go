// Package storage defines the storage interface for captured telemetry.
package storage

import (
	"context"
	"time"

	"github.com/fidde/radar/pkg/models"
)

// Storage is the interface for storing and retrieving captured telemetry.
// Implementations must be safe for concurrent use.
//
// List operations return records newest first. Storing a record whose id
// already exists replaces the earlier copy.
type Storage interface {
	// Request operations
	StoreRequest(ctx context.Context, req *models.RequestRecord) error
	GetRequest(ctx context.Context, id string) (*models.RequestRecord, error)
	ListRequests(ctx context.Context, filter models.RecordFilter) ([]models.RequestRecord, error)

	// Query operations
	StoreQuery(ctx context.Context, q *models.QueryRecord) error
	ListQueries(ctx context.Context, filter models.RecordFilter) ([]models.QueryRecord, error)

	// Exception operations
	StoreException(ctx context.Context, exc *models.ExceptionRecord) error
	ListExceptions(ctx context.Context, filter models.RecordFilter) ([]models.ExceptionRecord, error)

	// Trace operations. Trace summaries are derived from the stored spans.
	StoreSpans(ctx context.Context, spans []models.SpanRecord) error
	GetTrace(ctx context.Context, traceID string) (*models.Trace, error)
	ListTraces(ctx context.Context, filter models.RecordFilter) ([]models.Trace, error)
	ListSpans(ctx context.Context, traceID string) ([]models.SpanRecord, error)

	// Background task operations. Tasks list newest queued first.
	StoreTask(ctx context.Context, task *models.BackgroundTaskRecord) error
	GetTask(ctx context.Context, id string) (*models.BackgroundTaskRecord, error)
	ListTasks(ctx context.Context, filter models.RecordFilter) ([]models.BackgroundTaskRecord, error)
	ClearTasks(ctx context.Context) error

	// GetStats summarizes everything captured since the given instant
	// (zero = all data). Queries slower than slowThresholdMs count as slow.
	GetStats(ctx context.Context, since time.Time, slowThresholdMs float64) (*models.ServerStats, error)

	// Cleanup deletes records created before olderThan and reports how
	// many were removed.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)

	// Clear all data
	Clear(ctx context.Context) error

	// Close the storage (for cleanup, e.g., DB connections)
	Close() error
}
