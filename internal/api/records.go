package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/fidde/radar/internal/analyzer"
	"github.com/fidde/radar/internal/dashboard"
	"github.com/fidde/radar/pkg/models"
	"github.com/go-chi/chi/v5"
)

// RequestDetail is a request together with its queries and exceptions.
type RequestDetail struct {
	*models.RequestRecord
	Queries    []models.QueryRecord     `json:"queries"`
	Exceptions []models.ExceptionRecord `json:"exceptions"`
}

// MetricsResponse is the derived metrics over an explicit window.
type MetricsResponse struct {
	*models.DerivedMetrics
	WindowSeconds float64             `json:"window_seconds"`
	Stats         *models.ServerStats `json:"stats"`
}

// recordFilter builds a store filter from the query string. The store is
// asked for one record more than the page holds so HasMore can be set.
func recordFilter(r *http.Request, params PaginationParams) (models.RecordFilter, error) {
	q := r.URL.Query()
	filter := models.RecordFilter{
		Limit:       params.Limit + 1,
		Offset:      params.Offset,
		RequestID:   q.Get("request_id"),
		TraceID:     q.Get("trace_id"),
		Path:        q.Get("path"),
		ServiceName: q.Get("service"),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, errors.New("invalid since (want RFC3339)")
		}
		filter.Since = t
	}
	return filter, nil
}

// parseHours reads a positive window in hours. Missing means def.
func parseHours(r *http.Request, key string, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	hours, err := strconv.ParseFloat(raw, 64)
	if err != nil || hours <= 0 || math.IsInf(hours, 0) || math.IsNaN(hours) {
		return 0, errors.New("invalid " + key)
	}
	return time.Duration(hours * float64(time.Hour)), nil
}

// listRequests returns captured requests, newest first.
// Query params: limit, offset, since, path
func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	params := parsePaginationParams(r)
	filter, err := recordFilter(r, params)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	requests, err := s.store.ListRequests(r.Context(), filter)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, paginate(requests, params))
}

// getRequest returns one request with everything captured for it.
func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	req, err := s.store.GetRequest(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	owned := models.RecordFilter{RequestID: id, Limit: 1000}
	queries, err := s.store.ListQueries(ctx, owned)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	exceptions, err := s.store.ListExceptions(ctx, owned)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if queries == nil {
		queries = []models.QueryRecord{}
	}
	if exceptions == nil {
		exceptions = []models.ExceptionRecord{}
	}

	s.respondJSON(w, http.StatusOK, RequestDetail{
		RequestRecord: req,
		Queries:       queries,
		Exceptions:    exceptions,
	})
}

// listQueries returns captured SQL statements.
// Query params: limit, offset, since, request_id, trace_id
func (s *Server) listQueries(w http.ResponseWriter, r *http.Request) {
	params := parsePaginationParams(r)
	filter, err := recordFilter(r, params)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	queries, err := s.store.ListQueries(r.Context(), filter)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, paginate(queries, params))
}

// listExceptions returns captured exceptions.
// Query params: limit, offset, since, request_id, trace_id
func (s *Server) listExceptions(w http.ResponseWriter, r *http.Request) {
	params := parsePaginationParams(r)
	filter, err := recordFilter(r, params)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	exceptions, err := s.store.ListExceptions(r.Context(), filter)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, paginate(exceptions, params))
}

// getStats returns the server-side summary.
// Query params: hours (default: the configured window), slow_threshold
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	window, err := parseHours(r, "hours", s.window)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	threshold, err := s.parseThreshold(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := s.store.GetStats(r.Context(), time.Now().Add(-window), threshold)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// getMetrics computes derived metrics on demand over the requested window.
// Query params: hours, slow_threshold
func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	window, err := parseHours(r, "hours", s.window)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	threshold, err := s.parseThreshold(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	since := time.Now().Add(-window)

	sample, err := dashboard.FetchSample(ctx, s.store, since, s.sampleLimit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats, err := s.store.GetStats(ctx, since, threshold)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	aggregator := analyzer.NewMetricsAggregatorWithPatterns(threshold, s.patterns)
	s.respondJSON(w, http.StatusOK, MetricsResponse{
		DerivedMetrics: aggregator.Compute(sample.Requests, sample.Queries, sample.Exceptions, stats),
		WindowSeconds:  window.Seconds(),
		Stats:          stats,
	})
}

// getDashboard returns the latest snapshot published by the refresher.
func (s *Server) getDashboard(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		s.respondError(w, http.StatusServiceUnavailable, "dashboard refresher not running")
		return
	}
	snap := s.refresher.Snapshot()
	if snap == nil {
		s.respondError(w, http.StatusServiceUnavailable, "dashboard not ready")
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) parseThreshold(r *http.Request) (float64, error) {
	raw := r.URL.Query().Get("slow_threshold")
	if raw == "" {
		return s.slowThresholdMs, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, errors.New("invalid slow_threshold")
	}
	return v, nil
}

// clearAllData clears all captured data.
func (s *Server) clearAllData(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(r.Context()); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("cleared all captured data")
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "All data cleared",
	})
}

// cleanup removes data older than the given age.
// Query params: older_than_hours (required)
func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("older_than_hours") == "" {
		s.respondError(w, http.StatusBadRequest, "older_than_hours is required")
		return
	}
	age, err := parseHours(r, "older_than_hours", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	removed, err := s.store.Cleanup(r.Context(), time.Now().Add(-age))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("cleaned up old data", "older_than", age, "removed", removed)
	s.respondJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}
