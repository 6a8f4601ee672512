// Package models defines the core data structures for captured telemetry.
//
// This package contains the records fetched from storage on every dashboard
// refresh (requests, queries, exceptions, spans) and the derived,
// render-ready structures produced from them.
package models

import (
	"errors"
	"time"

	"github.com/guregu/null/v5"
)

// ErrNotFound is returned when a requested item is not found.
// Storage implementations wrap this error when an item doesn't exist.
var ErrNotFound = errors.New("not found")

// RequestRecord is one captured HTTP request.
type RequestRecord struct {
	// ID is the capture-assigned request id (UUID string)
	ID string `json:"id"`

	Method string `json:"method"`
	Path   string `json:"path"`
	URL    string `json:"url,omitempty"`

	// StatusCode is null while the request is pending
	StatusCode null.Int `json:"status_code"`

	// DurationMs is null when the response time was not recorded
	DurationMs null.Float `json:"duration_ms"`

	// QueryCount is the number of SQL queries captured for this request.
	// Storage derives it from stored queries.
	QueryCount int `json:"query_count"`

	ClientIP  string    `json:"client_ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsSuccess reports whether the request completed with a 2xx or 3xx status.
func (r *RequestRecord) IsSuccess() bool {
	return r.StatusCode.Valid && r.StatusCode.Int64 >= 200 && r.StatusCode.Int64 <= 399
}

// IsFailure reports whether the request completed with a status >= 400.
func (r *RequestRecord) IsFailure() bool {
	return r.StatusCode.Valid && r.StatusCode.Int64 >= 400
}

// IsPending reports whether the request has no status code yet.
func (r *RequestRecord) IsPending() bool {
	return !r.StatusCode.Valid
}

// QueryRecord is one captured SQL statement.
type QueryRecord struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	SQL       string `json:"sql"`

	DurationMs   null.Float `json:"duration_ms"`
	RowsAffected null.Int   `json:"rows_affected"`

	// TraceID and SpanID locate the client span the query came from. They
	// are empty for records posted by the capture endpoint.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ExceptionRecord is one captured unhandled error.
type ExceptionRecord struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	ExceptionType  string    `json:"exception_type"`
	ExceptionValue string    `json:"exception_value,omitempty"`
	Traceback      string    `json:"traceback,omitempty"`
	TraceID        string    `json:"trace_id,omitempty"`
	SpanID         string    `json:"span_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ServerStats is the summary computed by the storage backend over a longer
// window than the in-memory sample. Field names follow the stats API.
type ServerStats struct {
	TotalRequests     int64      `json:"total_requests"`
	AvgResponseTime   null.Float `json:"avg_response_time"`
	TotalQueries      int64      `json:"total_queries"`
	AvgQueryTime      null.Float `json:"avg_query_time"`
	TotalExceptions   int64      `json:"total_exceptions"`
	SlowQueries       int64      `json:"slow_queries"`
	RequestsPerMinute null.Float `json:"requests_per_minute"`
}

// PerMinute converts a count observed since the given instant into a
// per-minute rate. With a zero since, the window starts at earliest.
// Windows shorter than a minute count as one minute.
func PerMinute(count int64, since, earliest, now time.Time) float64 {
	if count <= 0 {
		return 0
	}
	start := since
	if start.IsZero() {
		start = earliest
	}
	minutes := now.Sub(start).Minutes()
	if minutes < 1 {
		minutes = 1
	}
	return float64(count) / minutes
}

// RecordFilter narrows list operations on a store.
type RecordFilter struct {
	// Since excludes records created before this instant (zero = no bound)
	Since time.Time

	// Limit caps the number of records returned (0 = store default)
	Limit  int
	Offset int

	// RequestID filters queries, exceptions and tasks by owning request
	RequestID string

	// TraceID filters queries and exceptions by the trace they came from
	TraceID string

	// Status filters background tasks
	Status TaskStatus

	// Path filters requests by exact path
	Path string

	// ServiceName filters traces by service
	ServiceName string
}

// DefaultListLimit is used when RecordFilter.Limit is zero.
const DefaultListLimit = 100

// EffectiveLimit returns the limit to apply for this filter.
func (f RecordFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// CaptureBatch is the JSON body accepted by the capture endpoint.
type CaptureBatch struct {
	Requests   []RequestRecord   `json:"requests,omitempty"`
	Queries    []QueryRecord     `json:"queries,omitempty"`
	Exceptions []ExceptionRecord `json:"exceptions,omitempty"`
	Spans      []SpanRecord      `json:"spans,omitempty"`

	Tasks []BackgroundTaskRecord `json:"tasks,omitempty"`
}

// Empty reports whether the batch carries no records.
func (b *CaptureBatch) Empty() bool {
	return len(b.Requests) == 0 && len(b.Queries) == 0 && len(b.Exceptions) == 0 &&
		len(b.Spans) == 0 && len(b.Tasks) == 0
}
