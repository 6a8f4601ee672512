// Package telemetry holds the Prometheus collectors radar exposes about itself.
package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// Metrics groups the collectors shared by the receivers, the dashboard
// refresher and the API.
type Metrics struct {
	RecordsAccepted *prometheus.CounterVec
	IngestErrors    *prometheus.CounterVec
	RequestTotal    *prometheus.CounterVec
	RequestLatency  *prometheus.HistogramVec
	RefreshDuration *prometheus.HistogramVec
	RefreshErrors   *prometheus.CounterVec
	LiveClients     prometheus.Gauge
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radar",
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Records accepted by the receivers",
		}, []string{"transport", "kind"}),

		IngestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radar",
			Subsystem: "ingest",
			Name:      "errors_total",
			Help:      "Rejected or failed export requests",
		}, []string{"transport", "reason"}),

		RequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radar",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),

		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "radar",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),

		RefreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "radar",
			Subsystem: "dashboard",
			Name:      "refresh_duration_seconds",
			Help:      "Time spent fetching and recomputing a dashboard section",
			Buckets:   histogramBuckets,
		}, []string{"kind"}),

		RefreshErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radar",
			Subsystem: "dashboard",
			Name:      "refresh_errors_total",
			Help:      "Dashboard refreshes that failed to read storage",
		}, []string{"kind"}),

		LiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "radar",
			Subsystem: "api",
			Name:      "live_clients",
			Help:      "Connected live dashboard websockets",
		}),
	}

	if reg == nil {
		return m
	}

	m.RecordsAccepted = register(reg, m.RecordsAccepted)
	m.IngestErrors = register(reg, m.IngestErrors)
	m.RequestTotal = register(reg, m.RequestTotal)
	m.RequestLatency = register(reg, m.RequestLatency)
	m.RefreshDuration = register(reg, m.RefreshDuration)
	m.RefreshErrors = register(reg, m.RefreshErrors)
	m.LiveClients = register(reg, m.LiveClients)
	return m
}

// register adds c to reg, returning the existing collector when an
// identical one is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// RecordRequest observes one handled HTTP request.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.RequestTotal.With(labels).Inc()
	m.RequestLatency.With(labels).Observe(duration.Seconds())
}

// AddRecords counts accepted records of one kind.
func (m *Metrics) AddRecords(transport, kind string, n int) {
	if n <= 0 {
		return
	}
	m.RecordsAccepted.WithLabelValues(transport, kind).Add(float64(n))
}
