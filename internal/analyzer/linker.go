package analyzer

import (
	"github.com/fidde/radar/pkg/models"
)

// RequestLinker resolves the request that owns a span: the nearest
// ancestor, the span itself included, that is a server span carrying an
// HTTP method. Spans of one trace may arrive over several exports, so the
// linker is fed every span known for a trace before resolving.
type RequestLinker struct {
	// trace id -> span id -> span
	spans map[string]map[string]models.SpanRecord
}

// NewRequestLinker creates an empty linker.
func NewRequestLinker() *RequestLinker {
	return &RequestLinker{spans: make(map[string]map[string]models.SpanRecord)}
}

// Add indexes spans. A span replaces an earlier one with the same ids.
func (l *RequestLinker) Add(spans []models.SpanRecord) {
	for _, s := range spans {
		trace, ok := l.spans[s.TraceID]
		if !ok {
			trace = make(map[string]models.SpanRecord)
			l.spans[s.TraceID] = trace
		}
		trace[s.SpanID] = s
	}
}

// RequestFor returns the id of the request owning the span, or "" when no
// request ancestor is known yet.
func (l *RequestLinker) RequestFor(traceID, spanID string) string {
	trace := l.spans[traceID]
	visited := make(map[string]bool)
	for id := spanID; id != "" && !visited[id]; {
		visited[id] = true
		s, ok := trace[id]
		if !ok {
			return ""
		}
		if isRequestSpan(&s) {
			return recordID(&s, "request")
		}
		id = s.ParentSpanID.ValueOrZero()
	}
	return ""
}

// Link sets the request id of every query and exception in the batch that
// has none and came from a span, and reports how many it linked.
func (l *RequestLinker) Link(batch *models.CaptureBatch) int {
	linked := 0
	for i := range batch.Queries {
		q := &batch.Queries[i]
		if q.RequestID == "" && q.SpanID != "" {
			if q.RequestID = l.RequestFor(q.TraceID, q.SpanID); q.RequestID != "" {
				linked++
			}
		}
	}
	for i := range batch.Exceptions {
		e := &batch.Exceptions[i]
		if e.RequestID == "" && e.SpanID != "" {
			if e.RequestID = l.RequestFor(e.TraceID, e.SpanID); e.RequestID != "" {
				linked++
			}
		}
	}
	return linked
}

// isRequestSpan reports whether a span produced a request record.
func isRequestSpan(s *models.SpanRecord) bool {
	if s.SpanKind != "server" {
		return false
	}
	for _, key := range []string{"http.request.method", "http.method"} {
		if m, ok := s.Tags[key].(string); ok && m != "" {
			return true
		}
	}
	return false
}
