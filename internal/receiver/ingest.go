package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fidde/radar/internal/analyzer"
	"github.com/fidde/radar/internal/storage"
	"github.com/fidde/radar/internal/telemetry"
	"github.com/fidde/radar/pkg/models"
	"github.com/google/uuid"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

const (
	// MaxSQLLength is the longest SQL text kept on a captured query.
	MaxSQLLength = 10000

	truncatedSuffix = "... [truncated]"

	// maxRelinkScan caps the stored records of one trace checked for a
	// missing request link on each export.
	maxRelinkScan = 1000
)

// ErrInvalidBatch marks capture batches rejected by validation.
var ErrInvalidBatch = errors.New("invalid capture batch")

// Ingester turns incoming exports into stored records. It is shared by the
// HTTP and gRPC receivers.
type Ingester struct {
	store    storage.Storage
	analyzer *analyzer.TracesAnalyzer
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewIngester creates an ingester writing to store. Database spans slower
// than slowThresholdMs are marked slow. A nil metrics records nothing; a nil
// logger uses slog.Default().
func NewIngester(store storage.Storage, slowThresholdMs float64, metrics *telemetry.Metrics, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.New(nil)
	}
	return &Ingester{
		store:    store,
		analyzer: analyzer.NewTracesAnalyzer(slowThresholdMs),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// IngestTraces analyzes an OTLP trace export and stores the derived records.
func (i *Ingester) IngestTraces(ctx context.Context, transport string, req *coltracepb.ExportTraceServiceRequest) (*models.CaptureBatch, error) {
	batch, err := i.analyzer.Analyze(req)
	if err != nil {
		i.metrics.IngestErrors.WithLabelValues(transport, "analyze").Inc()
		return nil, fmt.Errorf("analyzing traces: %w", err)
	}

	if err := i.linkAcrossExports(ctx, batch); err != nil {
		i.metrics.IngestErrors.WithLabelValues(transport, "storage").Inc()
		return nil, err
	}

	if err := i.persist(ctx, transport, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// linkAcrossExports completes request links that depend on spans from
// other exports of the same traces. Unlinked records of the batch are
// resolved against the stored spans too, and stored records an earlier
// export left unlinked are resolved against the new spans and added to the
// batch so they are stored again under their own ids.
func (i *Ingester) linkAcrossExports(ctx context.Context, batch *models.CaptureBatch) error {
	traces, _ := analyzer.GroupSpansByTrace(batch.Spans)
	if len(traces) == 0 {
		return nil
	}

	linker := analyzer.NewRequestLinker()
	for _, traceID := range traces {
		stored, err := i.store.ListSpans(ctx, traceID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("loading spans of trace %s: %w", traceID, err)
		}
		linker.Add(stored)
	}
	linker.Add(batch.Spans)
	linker.Link(batch)

	inBatch := make(map[string]bool, len(batch.Queries)+len(batch.Exceptions))
	for _, q := range batch.Queries {
		inBatch[q.ID] = true
	}
	for _, e := range batch.Exceptions {
		inBatch[e.ID] = true
	}

	relinked := 0
	for _, traceID := range traces {
		filter := models.RecordFilter{TraceID: traceID, Limit: maxRelinkScan}

		queries, err := i.store.ListQueries(ctx, filter)
		if err != nil {
			return fmt.Errorf("loading queries of trace %s: %w", traceID, err)
		}
		for _, q := range queries {
			if q.RequestID != "" || inBatch[q.ID] {
				continue
			}
			if q.RequestID = linker.RequestFor(q.TraceID, q.SpanID); q.RequestID != "" {
				batch.Queries = append(batch.Queries, q)
				relinked++
			}
		}

		exceptions, err := i.store.ListExceptions(ctx, filter)
		if err != nil {
			return fmt.Errorf("loading exceptions of trace %s: %w", traceID, err)
		}
		for _, e := range exceptions {
			if e.RequestID != "" || inBatch[e.ID] {
				continue
			}
			if e.RequestID = linker.RequestFor(e.TraceID, e.SpanID); e.RequestID != "" {
				batch.Exceptions = append(batch.Exceptions, e)
				relinked++
			}
		}
	}

	if relinked > 0 {
		i.logger.Debug("linked stored records to late requests", "records", relinked)
	}
	return nil
}

// IngestCapture validates and stores a batch posted by capture middleware.
// Missing ids are assigned and SQL text is normalized in place.
func (i *Ingester) IngestCapture(ctx context.Context, batch *models.CaptureBatch) error {
	if err := PrepareCapture(batch, i.now()); err != nil {
		i.metrics.IngestErrors.WithLabelValues("capture", "invalid").Inc()
		return err
	}
	return i.persist(ctx, "capture", batch)
}

func (i *Ingester) persist(ctx context.Context, transport string, batch *models.CaptureBatch) error {
	if batch.Empty() {
		return nil
	}

	if err := storage.StoreBatch(ctx, i.store, batch); err != nil {
		i.metrics.IngestErrors.WithLabelValues(transport, "storage").Inc()
		return fmt.Errorf("storing batch: %w", err)
	}

	i.metrics.AddRecords(transport, "request", len(batch.Requests))
	i.metrics.AddRecords(transport, "query", len(batch.Queries))
	i.metrics.AddRecords(transport, "exception", len(batch.Exceptions))
	i.metrics.AddRecords(transport, "span", len(batch.Spans))
	i.metrics.AddRecords(transport, "task", len(batch.Tasks))

	i.logger.Debug("stored batch",
		"transport", transport,
		"requests", len(batch.Requests),
		"queries", len(batch.Queries),
		"exceptions", len(batch.Exceptions),
		"spans", len(batch.Spans),
		"tasks", len(batch.Tasks),
	)
	return nil
}

// PrepareCapture validates a capture batch, assigns UUIDs to records
// without ids, stamps missing creation times with now and normalizes SQL.
func PrepareCapture(batch *models.CaptureBatch, now time.Time) error {
	if batch == nil {
		return fmt.Errorf("%w: empty body", ErrInvalidBatch)
	}

	for idx := range batch.Requests {
		r := &batch.Requests[idx]
		if r.Method == "" || r.Path == "" {
			return fmt.Errorf("%w: request %d needs method and path", ErrInvalidBatch, idx)
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		// Derived by storage
		r.QueryCount = 0
	}

	for idx := range batch.Queries {
		q := &batch.Queries[idx]
		q.SQL = FormatSQL(q.SQL)
		if q.SQL == "" {
			return fmt.Errorf("%w: query %d has no sql", ErrInvalidBatch, idx)
		}
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		if q.CreatedAt.IsZero() {
			q.CreatedAt = now
		}
	}

	for idx := range batch.Exceptions {
		e := &batch.Exceptions[idx]
		if e.ExceptionType == "" {
			return fmt.Errorf("%w: exception %d has no type", ErrInvalidBatch, idx)
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
	}

	for idx := range batch.Spans {
		sp := &batch.Spans[idx]
		if sp.TraceID == "" || sp.SpanID == "" {
			return fmt.Errorf("%w: span %d needs trace_id and span_id", ErrInvalidBatch, idx)
		}
		if sp.StartTime.IsZero() {
			sp.StartTime = now
		}
		if sp.Status == "" {
			sp.Status = models.SpanStatusOK
		}
	}

	for idx := range batch.Tasks {
		t := &batch.Tasks[idx]
		if t.FunctionName == "" {
			return fmt.Errorf("%w: task %d has no function_name", ErrInvalidBatch, idx)
		}
		if t.Status == "" {
			t.Status = models.TaskQueued
		}
		if !t.Status.Valid() {
			return fmt.Errorf("%w: task %d has unknown status %q", ErrInvalidBatch, idx, t.Status)
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.FunctionKey == "" {
			t.FunctionKey = t.FunctionName
		}
		if t.QueuedAt.IsZero() {
			t.QueuedAt = now
		}
		if len(t.Params) > 0 && !json.Valid(t.Params) {
			return fmt.Errorf("%w: task %d params are not valid JSON", ErrInvalidBatch, idx)
		}
		t.DurationMs = models.TaskDuration(t.StartedAt, t.EndedAt)
	}

	return nil
}

// FormatSQL trims surrounding whitespace and truncates statements longer
// than MaxSQLLength characters.
func FormatSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	if utf8.RuneCountInString(sql) <= MaxSQLLength {
		return sql
	}
	runes := []rune(sql)
	return string(runes[:MaxSQLLength]) + truncatedSuffix
}
