package models

import (
	"time"

	"github.com/guregu/null/v5"
)

// SpanStatus is the outcome recorded on a span. Values posted by the
// capture endpoint are carried through verbatim.
type SpanStatus string

const (
	SpanStatusOK      SpanStatus = "ok"
	SpanStatusError   SpanStatus = "error"
	SpanStatusFailure SpanStatus = "failure"

	// SpanStatusSlow marks a successful database span that ran longer
	// than the slow query threshold.
	SpanStatusSlow SpanStatus = "slow"
)

// IsError reports whether the status marks a failed operation.
func (s SpanStatus) IsError() bool {
	return s == SpanStatusError || s == SpanStatusFailure
}

// SpanRecord is a single timed operation within a trace.
// Spans form a tree per trace via ParentSpanID; the root has a null parent.
type SpanRecord struct {
	// SpanID is unique within a trace
	SpanID  string `json:"span_id"`
	TraceID string `json:"trace_id"`

	ParentSpanID null.String `json:"parent_span_id"`

	OperationName string      `json:"operation_name"`
	ServiceName   null.String `json:"service_name"`

	// SpanKind is server, client, internal, producer or consumer
	SpanKind string `json:"span_kind,omitempty"`

	StartTime  time.Time  `json:"start_time"`
	EndTime    null.Time  `json:"end_time"`
	DurationMs null.Float `json:"duration_ms"`

	// OffsetMs is the start offset relative to the trace start.
	// Filled by AssignOffsets before layout.
	OffsetMs float64 `json:"offset_ms"`

	Status SpanStatus     `json:"status"`
	Tags   map[string]any `json:"tags,omitempty"`
}

// Trace summarizes all spans sharing a trace id.
type Trace struct {
	TraceID       string     `json:"trace_id"`
	ServiceName   string     `json:"service_name"`
	OperationName string     `json:"operation_name"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	DurationMs    float64    `json:"duration_ms"`
	SpanCount     int        `json:"span_count"`
	Status        SpanStatus `json:"status"`
}
