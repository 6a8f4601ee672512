package analyzer

import (
	"testing"
	"time"

	"github.com/fidde/radar/pkg/models"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

func strAttr(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}

func intAttr(k string, v int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v}}}
}

func testExport() *coltracepb.ExportTraceServiceRequest {
	traceID := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	start := uint64(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano())
	ms := uint64(time.Millisecond)

	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{strAttr("service.name", "shop")}},
			ScopeSpans: []*tracepb.ScopeSpans{{
				Spans: []*tracepb.Span{
					{
						TraceId:           traceID,
						SpanId:            []byte{0, 0, 0, 0, 0, 0, 0, 1},
						Name:              "GET /orders/{id}",
						Kind:              tracepb.Span_SPAN_KIND_SERVER,
						StartTimeUnixNano: start,
						EndTimeUnixNano:   start + 120*ms,
						Attributes: []*commonpb.KeyValue{
							strAttr("http.request.method", "get"),
							strAttr("http.target", "/orders/42?expand=items"),
							intAttr("http.response.status_code", 500),
						},
						Status: &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR},
						Events: []*tracepb.Span_Event{
							{
								Name:         "exception",
								TimeUnixNano: start + 100*ms,
								Attributes: []*commonpb.KeyValue{
									strAttr("exception.type", "KeyError"),
									strAttr("exception.message", "'sku'"),
								},
							},
							{Name: "log"},
						},
					},
					{
						TraceId:           traceID,
						SpanId:            []byte{0, 0, 0, 0, 0, 0, 0, 2},
						ParentSpanId:      []byte{0, 0, 0, 0, 0, 0, 0, 1},
						Name:              "SELECT orders",
						Kind:              tracepb.Span_SPAN_KIND_CLIENT,
						StartTimeUnixNano: start + 10*ms,
						EndTimeUnixNano:   start + 35*ms,
						Attributes: []*commonpb.KeyValue{
							strAttr("db.statement", "SELECT * FROM orders WHERE id = 42"),
							intAttr("db.rows_affected", 1),
						},
					},
				},
			}},
		}},
	}
}

func TestTracesAnalyzerNilRequest(t *testing.T) {
	if _, err := NewTracesAnalyzer(0).Analyze(nil); err == nil {
		t.Fatal("expected error for nil request")
	}
}

func TestTracesAnalyzerExtractsRecords(t *testing.T) {
	batch, err := NewTracesAnalyzer(0).Analyze(testExport())
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if len(batch.Spans) != 2 || len(batch.Requests) != 1 || len(batch.Queries) != 1 || len(batch.Exceptions) != 1 {
		t.Fatalf("got %d spans, %d requests, %d queries, %d exceptions; want 2/1/1/1",
			len(batch.Spans), len(batch.Requests), len(batch.Queries), len(batch.Exceptions))
	}

	root := batch.Spans[0]
	if root.TraceID != "0102030405060708090a0b0c0d0e0f10" || root.SpanID != "0000000000000001" {
		t.Errorf("root ids = %s/%s", root.TraceID, root.SpanID)
	}
	if root.ParentSpanID.Valid {
		t.Errorf("root parent = %q, want null", root.ParentSpanID.String)
	}
	if root.Status != models.SpanStatusError || root.SpanKind != "server" {
		t.Errorf("root status/kind = %s/%s", root.Status, root.SpanKind)
	}
	if root.DurationMs.Float64 != 120 || root.ServiceName.String != "shop" {
		t.Errorf("root duration/service = %v/%s", root.DurationMs.Float64, root.ServiceName.String)
	}

	child := batch.Spans[1]
	if child.ParentSpanID.String != "0000000000000001" {
		t.Errorf("child parent = %q", child.ParentSpanID.String)
	}
	if child.Status != models.SpanStatusOK {
		t.Errorf("unset status = %s, want ok", child.Status)
	}

	req := batch.Requests[0]
	if req.Method != "GET" || req.Path != "/orders/42" {
		t.Errorf("request = %s %s, want GET /orders/42", req.Method, req.Path)
	}
	if !req.StatusCode.Valid || req.StatusCode.Int64 != 500 || !req.IsFailure() {
		t.Errorf("request status = %+v", req.StatusCode)
	}
	if req.ID == "" {
		t.Error("request id is empty")
	}

	q := batch.Queries[0]
	if q.RequestID != req.ID || q.DurationMs.Float64 != 25 || q.RowsAffected.Int64 != 1 {
		t.Errorf("query = %+v", q)
	}

	if q.TraceID != child.TraceID || q.SpanID != child.SpanID {
		t.Errorf("query span = %s/%s, want %s/%s", q.TraceID, q.SpanID, child.TraceID, child.SpanID)
	}

	exc := batch.Exceptions[0]
	if exc.RequestID != req.ID || exc.ExceptionType != "KeyError" || exc.ExceptionValue != "'sku'" {
		t.Errorf("exception = %+v", exc)
	}
	if exc.SpanID != root.SpanID {
		t.Errorf("exception span = %s, want %s", exc.SpanID, root.SpanID)
	}
}

func TestTracesAnalyzerMarksSlowQuerySpans(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		want      models.SpanStatus
	}{
		{"below threshold", 100, models.SpanStatusOK},
		{"above threshold", 20, models.SpanStatusSlow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := NewTracesAnalyzer(tt.threshold).Analyze(testExport())
			if err != nil {
				t.Fatalf("Analyze() error = %v", err)
			}
			// The 25ms query span
			if got := batch.Spans[1].Status; got != tt.want {
				t.Errorf("query span status = %s, want %s", got, tt.want)
			}
			// The 120ms server span has no statement and keeps its error
			if got := batch.Spans[0].Status; got != models.SpanStatusError {
				t.Errorf("server span status = %s, want error", got)
			}
		})
	}
}

func TestTracesAnalyzerStableIDs(t *testing.T) {
	a := NewTracesAnalyzer(0)
	first, _ := a.Analyze(testExport())
	second, _ := a.Analyze(testExport())

	if first.Requests[0].ID != second.Requests[0].ID || first.Queries[0].ID != second.Queries[0].ID {
		t.Error("record ids differ across identical exports")
	}
	if first.Requests[0].ID == first.Queries[0].ID {
		t.Error("request and query share an id")
	}
}

func TestGroupSpansByTrace(t *testing.T) {
	spans := []models.SpanRecord{
		{TraceID: "b", SpanID: "1"},
		{TraceID: "a", SpanID: "2"},
		{TraceID: "b", SpanID: "3"},
	}
	order, groups := GroupSpansByTrace(spans)
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Errorf("order = %v, want [b a]", order)
	}
	if len(groups["b"]) != 2 || groups["b"][1].SpanID != "3" {
		t.Errorf("groups[b] = %+v", groups["b"])
	}
}

func TestRequestPath(t *testing.T) {
	tests := []struct {
		name  string
		attrs map[string]string
		want  string
	}{
		{"url.path", map[string]string{"url.path": "/a", "http.route": "/r"}, "/a"},
		{"target strips query", map[string]string{"http.target": "/b?x=1"}, "/b"},
		{"route fallback", map[string]string{"http.route": "/users/{id}"}, "/users/{id}"},
		{"span name fallback", map[string]string{}, "GET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := requestPath(tt.attrs, "GET"); got != tt.want {
				t.Errorf("requestPath() = %q, want %q", got, tt.want)
			}
		})
	}
}
