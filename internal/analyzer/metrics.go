package analyzer

import (
	"sort"
	"time"

	"github.com/fidde/radar/internal/patterns"
	"github.com/fidde/radar/pkg/models"
)

// DefaultSlowQueryThreshold is the slow-query cutoff in milliseconds used
// when no positive threshold is configured.
const DefaultSlowQueryThreshold = 100.0

// maxQueryPatterns caps the query pattern breakdown.
const maxQueryPatterns = 10

// MetricsAggregator derives dashboard statistics from a window of captured
// records. It holds configuration only; every Compute call starts from
// scratch, so one aggregator is safe for concurrent use.
type MetricsAggregator struct {
	slowThreshold float64
	patterns      []patterns.CompiledPattern
}

// NewMetricsAggregator creates an aggregator with the given slow-query
// threshold and the default SQL normalization patterns.
func NewMetricsAggregator(slowThresholdMs float64) *MetricsAggregator {
	return NewMetricsAggregatorWithPatterns(slowThresholdMs, patterns.DefaultPatterns())
}

// NewMetricsAggregatorWithPatterns creates an aggregator that groups queries
// using the supplied normalization patterns.
func NewMetricsAggregatorWithPatterns(slowThresholdMs float64, compiled []patterns.CompiledPattern) *MetricsAggregator {
	if slowThresholdMs <= 0 {
		slowThresholdMs = DefaultSlowQueryThreshold
	}
	return &MetricsAggregator{
		slowThreshold: slowThresholdMs,
		patterns:      compiled,
	}
}

// SlowThreshold returns the effective slow-query threshold in milliseconds.
func (a *MetricsAggregator) SlowThreshold() float64 {
	return a.slowThreshold
}

// Compute derives metrics from the given records. A nil queries slice means
// no query data is available and leaves the query fields zeroed.
// serverStats is optional; when it carries requests_per_minute that value
// replaces the throughput estimated from the sample.
func (a *MetricsAggregator) Compute(
	requests []models.RequestRecord,
	queries []models.QueryRecord,
	exceptions []models.ExceptionRecord,
	serverStats *models.ServerStats,
) *models.DerivedMetrics {
	m := &models.DerivedMetrics{
		EndpointMetrics: []models.EndpointMetric{},
		ExceptionTypes:  []models.ExceptionTypeCount{},
	}

	a.computeRequests(m, requests)
	a.computeThroughput(m, requests, serverStats)
	m.EndpointMetrics = endpointBreakdown(requests)

	if queries != nil {
		a.computeQueries(m, queries)
	}

	m.TotalExceptions = len(exceptions)
	m.ExceptionTypes = exceptionBreakdown(exceptions)

	return m
}

func (a *MetricsAggregator) computeRequests(m *models.DerivedMetrics, requests []models.RequestRecord) {
	m.TotalRequests = len(requests)

	durations := make([]float64, 0, len(requests))
	var durationSum float64
	for i := range requests {
		req := &requests[i]
		switch {
		case req.IsSuccess():
			m.SuccessfulRequests++
		case req.IsFailure():
			m.FailedRequests++
		case req.IsPending():
			m.PendingRequests++
		}

		if d, ok := finite(req.DurationMs); ok {
			durations = append(durations, d)
			durationSum += d
		}
	}

	m.SuccessRate = ratio(m.SuccessfulRequests, m.TotalRequests)
	m.ErrorRate = ratio(m.FailedRequests, m.TotalRequests)
	m.AvgResponseTime = mean(durationSum, len(durations))
	m.ResponseTimePercentiles = ComputePercentiles(durations)
}

func (a *MetricsAggregator) computeThroughput(m *models.DerivedMetrics, requests []models.RequestRecord, stats *models.ServerStats) {
	if stats != nil {
		if rpm, ok := finite(stats.RequestsPerMinute); ok && rpm >= 0 {
			m.RequestsPerMinute = rpm
			m.RequestsPerSecond = rpm / 60
			m.ThroughputSource = models.ThroughputFromServer
			return
		}
	}

	m.ThroughputSource = models.ThroughputFromSample
	if len(requests) == 0 {
		return
	}

	minutes := sampleWindow(requests).Minutes()
	// Anything narrower than a minute is reported per one minute
	if minutes < 1 {
		minutes = 1
	}
	m.RequestsPerMinute = float64(len(requests)) / minutes
	m.RequestsPerSecond = m.RequestsPerMinute / 60
}

// sampleWindow returns the time covered by the requests' creation times,
// ignoring records without a timestamp.
func sampleWindow(requests []models.RequestRecord) time.Duration {
	var first, last time.Time
	for i := range requests {
		ts := requests[i].CreatedAt
		if ts.IsZero() {
			continue
		}
		if first.IsZero() || ts.Before(first) {
			first = ts
		}
		if last.IsZero() || ts.After(last) {
			last = ts
		}
	}
	return last.Sub(first)
}

type endpointAcc struct {
	calls       int
	errors      int
	successes   int
	durationSum float64
	durations   int
}

// endpointBreakdown groups requests by path and orders the groups by average
// response time, slowest first. Ties fall back to call count, then path.
func endpointBreakdown(requests []models.RequestRecord) []models.EndpointMetric {
	groups := make(map[string]*endpointAcc)
	for i := range requests {
		req := &requests[i]
		acc, ok := groups[req.Path]
		if !ok {
			acc = &endpointAcc{}
			groups[req.Path] = acc
		}

		acc.calls++
		if req.IsFailure() {
			acc.errors++
		}
		if req.IsSuccess() {
			acc.successes++
		}
		if d, ok := finite(req.DurationMs); ok {
			acc.durationSum += d
			acc.durations++
		}
	}

	result := make([]models.EndpointMetric, 0, len(groups))
	for path, acc := range groups {
		result = append(result, models.EndpointMetric{
			Name:            path,
			Calls:           acc.calls,
			Errors:          acc.errors,
			SuccessRate:     ratio(acc.successes, acc.calls),
			AvgResponseTime: mean(acc.durationSum, acc.durations),
		})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].AvgResponseTime != result[j].AvgResponseTime {
			return result[i].AvgResponseTime > result[j].AvgResponseTime
		}
		if result[i].Calls != result[j].Calls {
			return result[i].Calls > result[j].Calls
		}
		return result[i].Name < result[j].Name
	})

	return result
}

func (a *MetricsAggregator) computeQueries(m *models.DerivedMetrics, queries []models.QueryRecord) {
	m.HasQueryData = true
	m.TotalQueries = len(queries)

	type patternAcc struct {
		example     string
		calls       int
		durationSum float64
		durations   int
		max         float64
		slow        int
	}
	groups := make(map[string]*patternAcc)

	var durationSum float64
	var durations int
	for i := range queries {
		q := &queries[i]
		key := patterns.Normalize(q.SQL, a.patterns)
		acc, ok := groups[key]
		if !ok {
			acc = &patternAcc{example: q.SQL}
			groups[key] = acc
		}
		acc.calls++

		d, ok := finite(q.DurationMs)
		if !ok {
			continue
		}
		durationSum += d
		durations++
		acc.durationSum += d
		acc.durations++
		if d > acc.max {
			acc.max = d
		}
		if d > a.slowThreshold {
			m.SlowQueries++
			acc.slow++
		}
	}
	m.AvgQueryTime = mean(durationSum, durations)

	result := make([]models.QueryPattern, 0, len(groups))
	for key, acc := range groups {
		result = append(result, models.QueryPattern{
			Pattern:     key,
			Example:     acc.example,
			Calls:       acc.calls,
			AvgDuration: mean(acc.durationSum, acc.durations),
			MaxDuration: acc.max,
			SlowCount:   acc.slow,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].AvgDuration != result[j].AvgDuration {
			return result[i].AvgDuration > result[j].AvgDuration
		}
		if result[i].Calls != result[j].Calls {
			return result[i].Calls > result[j].Calls
		}
		return result[i].Pattern < result[j].Pattern
	})
	if len(result) > maxQueryPatterns {
		result = result[:maxQueryPatterns]
	}
	m.QueryPatterns = result
}

// exceptionBreakdown counts exceptions per type, most frequent first.
func exceptionBreakdown(exceptions []models.ExceptionRecord) []models.ExceptionTypeCount {
	counts := make(map[string]int)
	for i := range exceptions {
		counts[exceptions[i].ExceptionType]++
	}

	result := make([]models.ExceptionTypeCount, 0, len(counts))
	for name, count := range counts {
		result = append(result, models.ExceptionTypeCount{ExceptionType: name, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].ExceptionType < result[j].ExceptionType
	})
	return result
}
