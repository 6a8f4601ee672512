package analyzer

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fidde/radar/pkg/models"
	"github.com/google/uuid"
	"github.com/guregu/null/v5"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// recordNamespace seeds the deterministic ids given to records extracted
// from spans, so re-exported spans map to the same records.
var recordNamespace = uuid.MustParse("6f3b2c1e-8d4a-4e5f-9a7b-1c2d3e4f5a6b")

// TracesAnalyzer converts OTLP trace exports into captured records.
type TracesAnalyzer struct {
	slowThresholdMs float64
}

// NewTracesAnalyzer creates a new traces analyzer. Database spans slower
// than slowThresholdMs are marked slow; a non-positive threshold uses
// DefaultSlowQueryThreshold.
func NewTracesAnalyzer(slowThresholdMs float64) *TracesAnalyzer {
	if slowThresholdMs <= 0 {
		slowThresholdMs = DefaultSlowQueryThreshold
	}
	return &TracesAnalyzer{slowThresholdMs: slowThresholdMs}
}

// Analyze extracts requests, queries, exceptions and spans from an OTLP
// traces export request. Server spans carrying an HTTP method become
// requests, spans with a database statement become queries and
// "exception" events become exceptions. Every span is kept as a span record.
//
// Queries and exceptions are linked to the request of their nearest
// server ancestor within the export. Records whose ancestor has not
// arrived yet keep an empty request id and their trace and span ids.
func (a *TracesAnalyzer) Analyze(req *coltracepb.ExportTraceServiceRequest) (*models.CaptureBatch, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	batch := &models.CaptureBatch{}

	for _, resourceSpans := range req.ResourceSpans {
		resourceAttrs := extractAttributes(resourceSpans.Resource.GetAttributes())
		serviceName := getServiceName(resourceAttrs)

		for _, scopeSpans := range resourceSpans.ScopeSpans {
			for _, span := range scopeSpans.Spans {
				record := spanRecord(span, serviceName)
				attrs := extractAttributes(span.Attributes)

				if r, ok := requestFromSpan(span, &record, attrs); ok {
					batch.Requests = append(batch.Requests, r)
				}
				if q, ok := queryFromSpan(&record, attrs); ok {
					batch.Queries = append(batch.Queries, q)
					if a.isSlow(&record) {
						record.Status = models.SpanStatusSlow
					}
				}
				batch.Exceptions = append(batch.Exceptions, exceptionsFromSpan(span, &record)...)
				batch.Spans = append(batch.Spans, record)
			}
		}
	}

	linker := NewRequestLinker()
	linker.Add(batch.Spans)
	linker.Link(batch)

	return batch, nil
}

// isSlow reports whether a successful span ran past the slow threshold.
func (a *TracesAnalyzer) isSlow(record *models.SpanRecord) bool {
	return record.Status == models.SpanStatusOK && record.DurationMs.Valid &&
		record.DurationMs.Float64 > a.slowThresholdMs
}

func spanRecord(span *tracepb.Span, serviceName string) models.SpanRecord {
	record := models.SpanRecord{
		SpanID:        hex.EncodeToString(span.SpanId),
		TraceID:       hex.EncodeToString(span.TraceId),
		OperationName: span.Name,
		ServiceName:   null.StringFrom(serviceName),
		SpanKind:      getSpanKind(span.Kind),
		StartTime:     unixNano(span.StartTimeUnixNano),
		Status:        getSpanStatus(span.Status),
		Tags:          attributeTags(span.Attributes),
	}

	if len(span.ParentSpanId) > 0 && !isEmptyBytes(span.ParentSpanId) {
		record.ParentSpanID = null.StringFrom(hex.EncodeToString(span.ParentSpanId))
	}
	if span.EndTimeUnixNano > 0 && span.EndTimeUnixNano >= span.StartTimeUnixNano {
		record.EndTime = null.TimeFrom(unixNano(span.EndTimeUnixNano))
		record.DurationMs = null.FloatFrom(float64(span.EndTimeUnixNano-span.StartTimeUnixNano) / float64(time.Millisecond))
	}
	return record
}

func requestFromSpan(span *tracepb.Span, record *models.SpanRecord, attrs map[string]string) (models.RequestRecord, bool) {
	if span.Kind != tracepb.Span_SPAN_KIND_SERVER {
		return models.RequestRecord{}, false
	}
	method := firstAttr(attrs, "http.request.method", "http.method")
	if method == "" {
		return models.RequestRecord{}, false
	}

	r := models.RequestRecord{
		ID:         recordID(record, "request"),
		Method:     strings.ToUpper(method),
		Path:       requestPath(attrs, span.Name),
		URL:        firstAttr(attrs, "url.full", "http.url"),
		DurationMs: record.DurationMs,
		ClientIP:   firstAttr(attrs, "client.address", "http.client_ip", "net.peer.ip"),
		CreatedAt:  record.StartTime,
	}
	if code, err := strconv.ParseInt(firstAttr(attrs, "http.response.status_code", "http.status_code"), 10, 64); err == nil {
		r.StatusCode = null.IntFrom(code)
	}
	return r, true
}

// requestPath prefers the concrete path over the route template.
func requestPath(attrs map[string]string, spanName string) string {
	if p := attrs["url.path"]; p != "" {
		return p
	}
	if target := attrs["http.target"]; target != "" {
		if u, err := url.ParseRequestURI(target); err == nil {
			return u.Path
		}
		return target
	}
	if route := attrs["http.route"]; route != "" {
		return route
	}
	return spanName
}

func queryFromSpan(record *models.SpanRecord, attrs map[string]string) (models.QueryRecord, bool) {
	stmt := firstAttr(attrs, "db.query.text", "db.statement")
	if stmt == "" {
		return models.QueryRecord{}, false
	}

	q := models.QueryRecord{
		ID:         recordID(record, "query"),
		SQL:        stmt,
		DurationMs: record.DurationMs,
		TraceID:    record.TraceID,
		SpanID:     record.SpanID,
		CreatedAt:  record.StartTime,
	}
	if rows, err := strconv.ParseInt(firstAttr(attrs, "db.response.returned_rows", "db.rows_affected"), 10, 64); err == nil {
		q.RowsAffected = null.IntFrom(rows)
	}
	return q, true
}

func exceptionsFromSpan(span *tracepb.Span, record *models.SpanRecord) []models.ExceptionRecord {
	var out []models.ExceptionRecord
	for i, event := range span.Events {
		if event.Name != "exception" {
			continue
		}
		attrs := extractAttributes(event.Attributes)
		created := record.StartTime
		if event.TimeUnixNano > 0 {
			created = unixNano(event.TimeUnixNano)
		}
		excType := attrs["exception.type"]
		if excType == "" {
			excType = "Exception"
		}
		out = append(out, models.ExceptionRecord{
			ID:             recordID(record, "exception-"+strconv.Itoa(i)),
			ExceptionType:  excType,
			ExceptionValue: attrs["exception.message"],
			Traceback:      attrs["exception.stacktrace"],
			TraceID:        record.TraceID,
			SpanID:         record.SpanID,
			CreatedAt:      created,
		})
	}
	return out
}

// recordID derives a stable record id from the span identity.
func recordID(record *models.SpanRecord, kind string) string {
	return uuid.NewSHA1(recordNamespace, []byte(record.TraceID+"/"+record.SpanID+"/"+kind)).String()
}

// GroupSpansByTrace splits spans by trace id, keeping first-appearance order
// of traces and the input order of spans within each trace.
func GroupSpansByTrace(spans []models.SpanRecord) (order []string, groups map[string][]models.SpanRecord) {
	groups = make(map[string][]models.SpanRecord)
	for _, s := range spans {
		if _, ok := groups[s.TraceID]; !ok {
			order = append(order, s.TraceID)
		}
		groups[s.TraceID] = append(groups[s.TraceID], s)
	}
	return order, groups
}

func unixNano(ns uint64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ns)).UTC()
}

// getSpanKind converts OTLP span kind to string.
func getSpanKind(kind tracepb.Span_SpanKind) string {
	switch kind {
	case tracepb.Span_SPAN_KIND_INTERNAL:
		return "internal"
	case tracepb.Span_SPAN_KIND_SERVER:
		return "server"
	case tracepb.Span_SPAN_KIND_CLIENT:
		return "client"
	case tracepb.Span_SPAN_KIND_PRODUCER:
		return "producer"
	case tracepb.Span_SPAN_KIND_CONSUMER:
		return "consumer"
	default:
		return "unspecified"
	}
}

// getSpanStatus converts an OTLP status to a span status. Unset counts as ok.
func getSpanStatus(status *tracepb.Status) models.SpanStatus {
	if status.GetCode() == tracepb.Status_STATUS_CODE_ERROR {
		return models.SpanStatusError
	}
	return models.SpanStatusOK
}
