package models

// Percentiles holds response-time percentiles in milliseconds.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// EndpointMetric is the per-path breakdown of requests.
type EndpointMetric struct {
	Name            string  `json:"name"`
	Calls           int     `json:"calls"`
	Errors          int     `json:"errors"`
	SuccessRate     float64 `json:"success_rate"`
	AvgResponseTime float64 `json:"avg_response_time"`
}

// QueryPattern groups queries sharing the same normalized SQL.
type QueryPattern struct {
	Pattern     string  `json:"pattern"`
	Example     string  `json:"example"`
	Calls       int     `json:"calls"`
	AvgDuration float64 `json:"avg_duration"`
	MaxDuration float64 `json:"max_duration"`
	SlowCount   int     `json:"slow_count"`
}

// ExceptionTypeCount counts exceptions of one type.
type ExceptionTypeCount struct {
	ExceptionType string `json:"exception_type"`
	Count         int    `json:"count"`
}

// Throughput sources reported in DerivedMetrics.ThroughputSource.
const (
	ThroughputFromServer = "server"
	ThroughputFromSample = "sample"
)

// DerivedMetrics is recomputed from scratch on every aggregation call.
// SuccessRate and ErrorRate need not sum to 100: pending requests are in
// TotalRequests but in neither count.
type DerivedMetrics struct {
	TotalRequests      int `json:"total_requests"`
	SuccessfulRequests int `json:"successful_requests"`
	FailedRequests     int `json:"failed_requests"`
	PendingRequests    int `json:"pending_requests"`

	SuccessRate float64 `json:"success_rate"`
	ErrorRate   float64 `json:"error_rate"`

	AvgResponseTime         float64     `json:"avg_response_time"`
	ResponseTimePercentiles Percentiles `json:"response_time_percentiles"`

	RequestsPerMinute float64 `json:"requests_per_minute"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	ThroughputSource  string  `json:"throughput_source"`

	// EndpointMetrics is ordered by AvgResponseTime descending
	EndpointMetrics []EndpointMetric `json:"endpoint_metrics"`

	// Query-derived fields are zero when no query data was supplied
	HasQueryData  bool           `json:"has_query_data"`
	TotalQueries  int            `json:"total_queries"`
	AvgQueryTime  float64        `json:"avg_query_time"`
	SlowQueries   int            `json:"slow_queries"`
	QueryPatterns []QueryPattern `json:"query_patterns,omitempty"`

	TotalExceptions int                  `json:"total_exceptions"`
	ExceptionTypes  []ExceptionTypeCount `json:"exception_types"`
}

// WaterfallRow is one render-ready bar of a trace timeline.
// LeftPercent and WidthPercent are relative to the total trace duration
// and always within [0, 100].
type WaterfallRow struct {
	SpanID        string `json:"span_id"`
	ParentSpanID  string `json:"parent_span_id,omitempty"`
	OperationName string `json:"operation_name"`
	ServiceName   string `json:"service_name,omitempty"`

	// Depth is the distance from the trace root
	Depth int `json:"depth"`

	OffsetMs   float64 `json:"offset_ms"`
	DurationMs float64 `json:"duration_ms"`

	LeftPercent  float64 `json:"left_percent"`
	WidthPercent float64 `json:"width_percent"`

	Status SpanStatus `json:"status"`
}
