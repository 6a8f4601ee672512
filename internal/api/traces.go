package api

import (
	"errors"
	"net/http"

	"github.com/fidde/radar/internal/analyzer"
	"github.com/fidde/radar/pkg/models"
	"github.com/go-chi/chi/v5"
)

// WaterfallResponse is a trace laid out for rendering.
type WaterfallResponse struct {
	Trace *models.Trace         `json:"trace"`
	Rows  []models.WaterfallRow `json:"rows"`
}

// listTraces returns trace summaries, newest first.
// Query params: limit, offset, since, service
func (s *Server) listTraces(w http.ResponseWriter, r *http.Request) {
	params := parsePaginationParams(r)
	filter, err := recordFilter(r, params)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	traces, err := s.store.ListTraces(r.Context(), filter)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, paginate(traces, params))
}

// getTrace returns one trace summary with its spans.
func (s *Server) getTrace(w http.ResponseWriter, r *http.Request) {
	trace, spans, ok := s.loadTrace(w, r)
	if !ok {
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"trace": trace,
		"spans": analyzer.AssignOffsets(spans),
	})
}

// getWaterfall returns the rendered rows for a trace. The trace duration
// scales the bars; traces without one use the extent of their spans.
func (s *Server) getWaterfall(w http.ResponseWriter, r *http.Request) {
	trace, spans, ok := s.loadTrace(w, r)
	if !ok {
		return
	}

	spans = analyzer.AssignOffsets(spans)
	total := trace.DurationMs
	if total <= 0 {
		total = analyzer.TraceExtentMs(spans)
	}

	s.respondJSON(w, http.StatusOK, WaterfallResponse{
		Trace: trace,
		Rows:  s.layout.Layout(spans, total),
	})
}

func (s *Server) loadTrace(w http.ResponseWriter, r *http.Request) (*models.Trace, []models.SpanRecord, bool) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	trace, err := s.store.GetTrace(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "trace not found")
		return nil, nil, false
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return nil, nil, false
	}

	spans, err := s.store.ListSpans(ctx, id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return nil, nil, false
	}
	return trace, spans, true
}
