// Package dashboard keeps a periodically refreshed metrics snapshot for the
// API and the live websocket feed.
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fidde/radar/internal/analyzer"
	"github.com/fidde/radar/internal/storage"
	"github.com/fidde/radar/internal/telemetry"
	"github.com/fidde/radar/pkg/models"
)

// Config controls what the refresher fetches and how often.
type Config struct {
	// Window is how far back records are fetched on each refresh
	Window time.Duration

	// SampleLimit caps the records of each kind fetched per refresh
	SampleLimit int

	MetricsInterval time.Duration
	StatsInterval   time.Duration
}

// DefaultConfig returns the refresh settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Window:          time.Hour,
		SampleLimit:     500,
		MetricsInterval: 5 * time.Second,
		StatsInterval:   30 * time.Second,
	}
}

// Snapshot is one published dashboard state.
type Snapshot struct {
	Metrics        *models.DerivedMetrics `json:"metrics"`
	Stats          *models.ServerStats    `json:"stats,omitempty"`
	GeneratedAt    time.Time              `json:"generated_at"`
	StatsUpdatedAt time.Time              `json:"stats_updated_at,omitempty"`
	WindowSeconds  float64                `json:"window_seconds"`

	// Tasks are the most recently queued background tasks
	Tasks []models.BackgroundTaskRecord `json:"tasks"`
}

// Sample is the record window the aggregator runs over.
type Sample struct {
	Requests   []models.RequestRecord
	Queries    []models.QueryRecord
	Exceptions []models.ExceptionRecord
}

// FetchSample reads the records created since the given instant, at most
// limit of each kind.
func FetchSample(ctx context.Context, store storage.Storage, since time.Time, limit int) (*Sample, error) {
	filter := models.RecordFilter{Since: since, Limit: limit}

	requests, err := store.ListRequests(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	queries, err := store.ListQueries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing queries: %w", err)
	}
	exceptions, err := store.ListExceptions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing exceptions: %w", err)
	}

	return &Sample{Requests: requests, Queries: queries, Exceptions: exceptions}, nil
}

// Refresher polls storage on independent tickers for the record sample and
// the server stats. Every sample refresh recomputes the derived metrics
// from scratch; the newest snapshot replaces the previous one.
type Refresher struct {
	store      storage.Storage
	aggregator *analyzer.MetricsAggregator
	cfg        Config
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	now        func() time.Time

	snapshot atomic.Pointer[Snapshot]

	statsMu        sync.Mutex
	stats          *models.ServerStats
	statsUpdatedAt time.Time

	subsMu sync.Mutex
	subs   map[int]chan *Snapshot
	nextID int
}

// New creates a refresher. Zero config fields take their defaults.
func New(store storage.Storage, aggregator *analyzer.MetricsAggregator, cfg Config, metrics *telemetry.Metrics, logger *slog.Logger) *Refresher {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.SampleLimit <= 0 {
		cfg.SampleLimit = def.SampleLimit
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = def.MetricsInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if aggregator == nil {
		aggregator = analyzer.NewMetricsAggregator(analyzer.DefaultSlowQueryThreshold)
	}
	if metrics == nil {
		metrics = telemetry.New(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Refresher{
		store:      store,
		aggregator: aggregator,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
		subs:       make(map[int]chan *Snapshot),
	}
}

// Run refreshes once immediately and then on each tick until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	r.refreshStatsLogged(ctx)
	r.refreshMetricsLogged(ctx)

	metricsTicker := time.NewTicker(r.cfg.MetricsInterval)
	defer metricsTicker.Stop()
	statsTicker := time.NewTicker(r.cfg.StatsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-statsTicker.C:
			r.refreshStatsLogged(ctx)
		case <-metricsTicker.C:
			r.refreshMetricsLogged(ctx)
		}
	}
}

func (r *Refresher) refreshStatsLogged(ctx context.Context) {
	if err := r.RefreshStats(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("stats refresh failed", "error", err)
	}
}

func (r *Refresher) refreshMetricsLogged(ctx context.Context) {
	if err := r.RefreshMetrics(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("metrics refresh failed", "error", err)
	}
}

// RefreshStats fetches the server stats for the configured window. A failed
// fetch keeps the previous stats.
func (r *Refresher) RefreshStats(ctx context.Context) error {
	start := time.Now()
	defer func() {
		r.metrics.RefreshDuration.WithLabelValues("stats").Observe(time.Since(start).Seconds())
	}()

	now := r.now()
	stats, err := r.store.GetStats(ctx, now.Add(-r.cfg.Window), r.aggregator.SlowThreshold())
	if err != nil {
		r.metrics.RefreshErrors.WithLabelValues("stats").Inc()
		return fmt.Errorf("fetching stats: %w", err)
	}

	r.statsMu.Lock()
	r.stats = stats
	r.statsUpdatedAt = now
	r.statsMu.Unlock()
	return nil
}

// RefreshMetrics fetches the record sample, recomputes the derived metrics
// and publishes a new snapshot. A failed fetch keeps the previous snapshot.
func (r *Refresher) RefreshMetrics(ctx context.Context) error {
	start := time.Now()
	defer func() {
		r.metrics.RefreshDuration.WithLabelValues("metrics").Observe(time.Since(start).Seconds())
	}()

	now := r.now()
	sample, err := FetchSample(ctx, r.store, now.Add(-r.cfg.Window), r.cfg.SampleLimit)
	if err != nil {
		r.metrics.RefreshErrors.WithLabelValues("metrics").Inc()
		return err
	}
	tasks, err := r.store.ListTasks(ctx, models.RecordFilter{Limit: r.cfg.SampleLimit})
	if err != nil {
		r.metrics.RefreshErrors.WithLabelValues("metrics").Inc()
		return fmt.Errorf("listing tasks: %w", err)
	}

	r.statsMu.Lock()
	stats := r.stats
	statsAt := r.statsUpdatedAt
	r.statsMu.Unlock()

	snap := &Snapshot{
		Metrics:        r.aggregator.Compute(sample.Requests, sample.Queries, sample.Exceptions, stats),
		Stats:          stats,
		GeneratedAt:    now,
		StatsUpdatedAt: statsAt,
		WindowSeconds:  r.cfg.Window.Seconds(),
		Tasks:          tasks,
	}
	r.publish(snap)
	return nil
}

// Snapshot returns the latest published snapshot, or nil before the first
// successful refresh.
func (r *Refresher) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// Subscribe returns a channel receiving every new snapshot and a function
// that ends the subscription. Slow subscribers only see the newest one.
func (r *Refresher) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)

	r.subsMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	if snap := r.snapshot.Load(); snap != nil {
		ch <- snap
	}
	r.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subsMu.Lock()
			delete(r.subs, id)
			r.subsMu.Unlock()
		})
	}
}

func (r *Refresher) publish(snap *Snapshot) {
	r.snapshot.Store(snap)

	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		// Replace an unread snapshot with the newer one
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
