// Package memory provides an in-memory storage implementation for captured
// telemetry.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fidde/radar/internal/analyzer"
	"github.com/fidde/radar/pkg/models"
	"github.com/guregu/null/v5"
)

// Store is an in-memory storage for captured telemetry.
type Store struct {
	// Requests storage: request id -> record
	requests   map[string]models.RequestRecord
	requestsmu sync.RWMutex

	// Queries storage: query id -> record
	queries   map[string]models.QueryRecord
	queriesmu sync.RWMutex

	// Exceptions storage: exception id -> record
	exceptions   map[string]models.ExceptionRecord
	exceptionsmu sync.RWMutex

	// Spans storage: trace id -> spans in arrival order, plus the summary
	// recomputed on every write to the trace
	spans    map[string][]models.SpanRecord
	traces   map[string]*models.Trace
	tracesmu sync.RWMutex

	// Background tasks: task id -> latest state
	tasks   map[string]models.BackgroundTaskRecord
	tasksmu sync.RWMutex

	now func() time.Time
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		requests:   make(map[string]models.RequestRecord),
		queries:    make(map[string]models.QueryRecord),
		exceptions: make(map[string]models.ExceptionRecord),
		spans:      make(map[string][]models.SpanRecord),
		traces:     make(map[string]*models.Trace),
		tasks:      make(map[string]models.BackgroundTaskRecord),
		now:        time.Now,
	}
}

// StoreRequest stores or replaces a request record.
func (s *Store) StoreRequest(ctx context.Context, req *models.RequestRecord) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}
	if req.ID == "" {
		return errors.New("request id cannot be empty")
	}

	s.requestsmu.Lock()
	defer s.requestsmu.Unlock()

	s.requests[req.ID] = *req
	return nil
}

// GetRequest retrieves a request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*models.RequestRecord, error) {
	s.requestsmu.RLock()
	req, exists := s.requests[id]
	s.requestsmu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}

	req.QueryCount = s.queryCounts()[id]
	return &req, nil
}

// ListRequests returns requests matching the filter, newest first.
func (s *Store) ListRequests(ctx context.Context, filter models.RecordFilter) ([]models.RequestRecord, error) {
	counts := s.queryCounts()

	s.requestsmu.RLock()
	result := make([]models.RequestRecord, 0, len(s.requests))
	for _, req := range s.requests {
		if !filter.Since.IsZero() && req.CreatedAt.Before(filter.Since) {
			continue
		}
		if filter.Path != "" && req.Path != filter.Path {
			continue
		}
		req.QueryCount = counts[req.ID]
		result = append(result, req)
	}
	s.requestsmu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return newer(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	return page(result, filter), nil
}

// queryCounts returns the number of stored queries per request id.
func (s *Store) queryCounts() map[string]int {
	s.queriesmu.RLock()
	defer s.queriesmu.RUnlock()

	counts := make(map[string]int)
	for _, q := range s.queries {
		if q.RequestID != "" {
			counts[q.RequestID]++
		}
	}
	return counts
}

// StoreQuery stores or replaces a query record.
func (s *Store) StoreQuery(ctx context.Context, q *models.QueryRecord) error {
	if q == nil {
		return errors.New("query cannot be nil")
	}
	if q.ID == "" {
		return errors.New("query id cannot be empty")
	}

	s.queriesmu.Lock()
	defer s.queriesmu.Unlock()

	s.queries[q.ID] = *q
	return nil
}

// ListQueries returns queries matching the filter, newest first.
func (s *Store) ListQueries(ctx context.Context, filter models.RecordFilter) ([]models.QueryRecord, error) {
	s.queriesmu.RLock()
	result := make([]models.QueryRecord, 0, len(s.queries))
	for _, q := range s.queries {
		if !filter.Since.IsZero() && q.CreatedAt.Before(filter.Since) {
			continue
		}
		if filter.RequestID != "" && q.RequestID != filter.RequestID {
			continue
		}
		if filter.TraceID != "" && q.TraceID != filter.TraceID {
			continue
		}
		result = append(result, q)
	}
	s.queriesmu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return newer(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	return page(result, filter), nil
}

// StoreException stores or replaces an exception record.
func (s *Store) StoreException(ctx context.Context, exc *models.ExceptionRecord) error {
	if exc == nil {
		return errors.New("exception cannot be nil")
	}
	if exc.ID == "" {
		return errors.New("exception id cannot be empty")
	}

	s.exceptionsmu.Lock()
	defer s.exceptionsmu.Unlock()

	s.exceptions[exc.ID] = *exc
	return nil
}

// ListExceptions returns exceptions matching the filter, newest first.
func (s *Store) ListExceptions(ctx context.Context, filter models.RecordFilter) ([]models.ExceptionRecord, error) {
	s.exceptionsmu.RLock()
	result := make([]models.ExceptionRecord, 0, len(s.exceptions))
	for _, exc := range s.exceptions {
		if !filter.Since.IsZero() && exc.CreatedAt.Before(filter.Since) {
			continue
		}
		if filter.RequestID != "" && exc.RequestID != filter.RequestID {
			continue
		}
		if filter.TraceID != "" && exc.TraceID != filter.TraceID {
			continue
		}
		result = append(result, exc)
	}
	s.exceptionsmu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return newer(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	return page(result, filter), nil
}

// StoreSpans stores spans and refreshes the summaries of their traces.
// A span already stored under the same trace and span id is replaced.
func (s *Store) StoreSpans(ctx context.Context, spans []models.SpanRecord) error {
	for i := range spans {
		if spans[i].TraceID == "" || spans[i].SpanID == "" {
			return errors.New("span trace id and span id cannot be empty")
		}
	}

	order, groups := analyzer.GroupSpansByTrace(spans)

	s.tracesmu.Lock()
	defer s.tracesmu.Unlock()

	for _, traceID := range order {
		stored := s.spans[traceID]
		for _, incoming := range groups[traceID] {
			replaced := false
			for i := range stored {
				if stored[i].SpanID == incoming.SpanID {
					stored[i] = incoming
					replaced = true
					break
				}
			}
			if !replaced {
				stored = append(stored, incoming)
			}
		}
		s.spans[traceID] = stored
		s.traces[traceID] = analyzer.SummarizeTrace(traceID, stored)
	}
	return nil
}

// GetTrace retrieves a trace summary by id.
func (s *Store) GetTrace(ctx context.Context, traceID string) (*models.Trace, error) {
	s.tracesmu.RLock()
	defer s.tracesmu.RUnlock()

	trace, exists := s.traces[traceID]
	if !exists {
		return nil, fmt.Errorf("trace %s: %w", traceID, models.ErrNotFound)
	}
	t := *trace
	return &t, nil
}

// ListTraces returns trace summaries matching the filter, newest first.
func (s *Store) ListTraces(ctx context.Context, filter models.RecordFilter) ([]models.Trace, error) {
	s.tracesmu.RLock()
	result := make([]models.Trace, 0, len(s.traces))
	for _, t := range s.traces {
		if !filter.Since.IsZero() && t.StartTime.Before(filter.Since) {
			continue
		}
		if filter.ServiceName != "" && t.ServiceName != filter.ServiceName {
			continue
		}
		result = append(result, *t)
	}
	s.tracesmu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return newer(result[i].StartTime, result[i].TraceID, result[j].StartTime, result[j].TraceID)
	})
	return page(result, filter), nil
}

// ListSpans returns the spans of a trace ordered by start time.
func (s *Store) ListSpans(ctx context.Context, traceID string) ([]models.SpanRecord, error) {
	s.tracesmu.RLock()
	stored, exists := s.spans[traceID]
	if !exists {
		s.tracesmu.RUnlock()
		return nil, fmt.Errorf("trace %s: %w", traceID, models.ErrNotFound)
	}
	result := make([]models.SpanRecord, len(stored))
	copy(result, stored)
	s.tracesmu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result, nil
}

// StoreTask stores or replaces a background task.
func (s *Store) StoreTask(ctx context.Context, task *models.BackgroundTaskRecord) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	if task.ID == "" {
		return errors.New("task id cannot be empty")
	}

	s.tasksmu.Lock()
	defer s.tasksmu.Unlock()

	s.tasks[task.ID] = *task
	return nil
}

// GetTask retrieves a background task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*models.BackgroundTaskRecord, error) {
	s.tasksmu.RLock()
	defer s.tasksmu.RUnlock()

	task, exists := s.tasks[id]
	if !exists {
		return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return &task, nil
}

// ListTasks returns tasks matching the filter, newest queued first.
func (s *Store) ListTasks(ctx context.Context, filter models.RecordFilter) ([]models.BackgroundTaskRecord, error) {
	s.tasksmu.RLock()
	result := make([]models.BackgroundTaskRecord, 0, len(s.tasks))
	for _, task := range s.tasks {
		if !filter.Since.IsZero() && task.QueuedAt.Before(filter.Since) {
			continue
		}
		if filter.RequestID != "" && task.RequestID != filter.RequestID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		result = append(result, task)
	}
	s.tasksmu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return newer(result[i].QueuedAt, result[i].ID, result[j].QueuedAt, result[j].ID)
	})
	return page(result, filter), nil
}

// ClearTasks removes every background task.
func (s *Store) ClearTasks(ctx context.Context) error {
	s.tasksmu.Lock()
	s.tasks = make(map[string]models.BackgroundTaskRecord)
	s.tasksmu.Unlock()
	return nil
}

// GetStats summarizes the data captured since the given instant.
func (s *Store) GetStats(ctx context.Context, since time.Time, slowThresholdMs float64) (*models.ServerStats, error) {
	stats := &models.ServerStats{}
	now := s.now()

	var earliest time.Time
	var durSum float64
	var durCount int64

	s.requestsmu.RLock()
	for _, req := range s.requests {
		if !since.IsZero() && req.CreatedAt.Before(since) {
			continue
		}
		stats.TotalRequests++
		if earliest.IsZero() || req.CreatedAt.Before(earliest) {
			earliest = req.CreatedAt
		}
		if req.DurationMs.Valid {
			durSum += req.DurationMs.Float64
			durCount++
		}
	}
	s.requestsmu.RUnlock()
	stats.AvgResponseTime = average(durSum, durCount)
	stats.RequestsPerMinute = null.FloatFrom(models.PerMinute(stats.TotalRequests, since, earliest, now))

	durSum, durCount = 0, 0
	s.queriesmu.RLock()
	for _, q := range s.queries {
		if !since.IsZero() && q.CreatedAt.Before(since) {
			continue
		}
		stats.TotalQueries++
		if q.DurationMs.Valid {
			durSum += q.DurationMs.Float64
			durCount++
			if q.DurationMs.Float64 > slowThresholdMs {
				stats.SlowQueries++
			}
		}
	}
	s.queriesmu.RUnlock()
	stats.AvgQueryTime = average(durSum, durCount)

	s.exceptionsmu.RLock()
	for _, exc := range s.exceptions {
		if since.IsZero() || !exc.CreatedAt.Before(since) {
			stats.TotalExceptions++
		}
	}
	s.exceptionsmu.RUnlock()

	return stats, nil
}

// Cleanup deletes records created before olderThan.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	var removed int64

	s.requestsmu.Lock()
	for id, req := range s.requests {
		if req.CreatedAt.Before(olderThan) {
			delete(s.requests, id)
			removed++
		}
	}
	s.requestsmu.Unlock()

	s.queriesmu.Lock()
	for id, q := range s.queries {
		if q.CreatedAt.Before(olderThan) {
			delete(s.queries, id)
			removed++
		}
	}
	s.queriesmu.Unlock()

	s.exceptionsmu.Lock()
	for id, exc := range s.exceptions {
		if exc.CreatedAt.Before(olderThan) {
			delete(s.exceptions, id)
			removed++
		}
	}
	s.exceptionsmu.Unlock()

	s.tasksmu.Lock()
	for id, task := range s.tasks {
		if task.QueuedAt.Before(olderThan) {
			delete(s.tasks, id)
			removed++
		}
	}
	s.tasksmu.Unlock()

	s.tracesmu.Lock()
	for traceID, stored := range s.spans {
		kept := stored[:0]
		for _, sp := range stored {
			if sp.StartTime.Before(olderThan) {
				removed++
				continue
			}
			kept = append(kept, sp)
		}
		if len(kept) == 0 {
			delete(s.spans, traceID)
			delete(s.traces, traceID)
			continue
		}
		s.spans[traceID] = kept
		s.traces[traceID] = analyzer.SummarizeTrace(traceID, kept)
	}
	s.tracesmu.Unlock()

	return removed, nil
}

// Clear removes all stored data.
func (s *Store) Clear(ctx context.Context) error {
	s.requestsmu.Lock()
	s.requests = make(map[string]models.RequestRecord)
	s.requestsmu.Unlock()

	s.queriesmu.Lock()
	s.queries = make(map[string]models.QueryRecord)
	s.queriesmu.Unlock()

	s.exceptionsmu.Lock()
	s.exceptions = make(map[string]models.ExceptionRecord)
	s.exceptionsmu.Unlock()

	s.tracesmu.Lock()
	s.spans = make(map[string][]models.SpanRecord)
	s.traces = make(map[string]*models.Trace)
	s.tracesmu.Unlock()

	return s.ClearTasks(ctx)
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// newer orders by time descending, then id descending for equal times.
func newer(a time.Time, aID string, b time.Time, bID string) bool {
	if !a.Equal(b) {
		return a.After(b)
	}
	return aID > bID
}

// page applies the filter's offset and limit.
func page[T any](items []T, filter models.RecordFilter) []T {
	if filter.Offset >= len(items) {
		return items[:0]
	}
	if filter.Offset > 0 {
		items = items[filter.Offset:]
	}
	if limit := filter.EffectiveLimit(); len(items) > limit {
		items = items[:limit]
	}
	return items
}

func average(sum float64, n int64) null.Float {
	if n == 0 {
		return null.Float{}
	}
	return null.FloatFrom(sum / float64(n))
}
