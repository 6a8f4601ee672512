// Package api provides the REST API for captured telemetry and derived metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fidde/radar/internal/analyzer"
	"github.com/fidde/radar/internal/dashboard"
	"github.com/fidde/radar/internal/patterns"
	"github.com/fidde/radar/internal/storage"
	"github.com/fidde/radar/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures the API server.
type Options struct {
	Store storage.Storage

	// Refresher serves the dashboard snapshot and the live feed (optional)
	Refresher *dashboard.Refresher

	Metrics  *telemetry.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger

	// JWTSecret enables bearer token auth on /api/v1 when non-empty
	JWTSecret string

	// Window is the default look-back for stats and metrics
	Window      time.Duration
	SampleLimit int

	SlowThresholdMs float64
	Patterns        []patterns.CompiledPattern
}

// Server is the REST API server.
type Server struct {
	store     storage.Storage
	refresher *dashboard.Refresher
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	auth      *Authenticator

	window          time.Duration
	sampleLimit     int
	slowThresholdMs float64
	patterns        []patterns.CompiledPattern
	layout          *analyzer.WaterfallLayout

	router *chi.Mux
	server *http.Server
}

// PaginationParams contains pagination parameters from query string.
type PaginationParams struct {
	Limit  int
	Offset int
}

// PaginatedResponse wraps a paginated response with metadata.
type PaginatedResponse struct {
	Data    interface{} `json:"data"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

// parsePaginationParams extracts pagination parameters from request.
// Defaults: limit=100, offset=0, max_limit=1000
func parsePaginationParams(r *http.Request) PaginationParams {
	const (
		defaultLimit = 100
		maxLimit     = 1000
	)

	limit := defaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxLimit {
				limit = maxLimit
			}
		}
	}

	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	return PaginationParams{
		Limit:  limit,
		Offset: offset,
	}
}

// paginate trims a result fetched with limit+1 rows to one page.
func paginate[T any](items []T, params PaginationParams) PaginatedResponse {
	hasMore := len(items) > params.Limit
	if hasMore {
		items = items[:params.Limit]
	}
	if items == nil {
		items = []T{}
	}

	return PaginatedResponse{
		Data:    items,
		Limit:   params.Limit,
		Offset:  params.Offset,
		HasMore: hasMore,
	}
}

// NewServer creates a new API server.
func NewServer(addr string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.New(nil)
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if opts.SampleLimit <= 0 {
		opts.SampleLimit = dashboard.DefaultConfig().SampleLimit
	}
	if opts.SlowThresholdMs <= 0 {
		opts.SlowThresholdMs = analyzer.DefaultSlowQueryThreshold
	}
	if opts.Patterns == nil {
		opts.Patterns = patterns.DefaultPatterns()
	}

	s := &Server{
		store:           opts.Store,
		refresher:       opts.Refresher,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		window:          opts.Window,
		sampleLimit:     opts.SampleLimit,
		slowThresholdMs: opts.SlowThresholdMs,
		patterns:        opts.Patterns,
		layout:          analyzer.NewWaterfallLayout(),
		router:          chi.NewRouter(),
	}
	if opts.JWTSecret != "" {
		s.auth = NewAuthenticator(opts.JWTSecret)
	}

	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.RequestLogger(&requestLogFormatter{logger: s.logger}))
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.instrument)

	s.router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		// Health endpoint
		r.Get("/health", s.HandleHealth)

		// The websocket outlives the request timeout
		r.Group(func(r chi.Router) {
			if s.auth != nil {
				r.Use(s.auth.WebsocketMiddleware)
			}
			r.Get("/live", s.handleLive)
		})

		r.Group(func(r chi.Router) {
			if s.auth != nil {
				r.Use(s.auth.Middleware)
			}
			r.Use(middleware.Timeout(60 * time.Second))

			// Captured records
			r.Get("/requests", s.listRequests)
			r.Get("/requests/{id}", s.getRequest)
			r.Get("/queries", s.listQueries)
			r.Get("/exceptions", s.listExceptions)
			r.Get("/tasks", s.listTasks)
			r.Get("/tasks/{id}", s.getTask)

			// Derived views
			r.Get("/stats", s.getStats)
			r.Get("/metrics", s.getMetrics)
			r.Get("/dashboard", s.getDashboard)

			// Traces
			r.Get("/traces", s.listTraces)
			r.Get("/traces/{id}", s.getTrace)
			r.Get("/traces/{id}/waterfall", s.getWaterfall)

			// Admin endpoints
			r.Post("/admin/clear", s.clearAllData)
			r.Post("/admin/cleanup", s.cleanup)
			r.Post("/admin/tasks/clear", s.clearTasks)
		})
	})

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	return s
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// instrument records request counts and latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordRequest(r.Method, route, status, time.Since(start))
	})
}

// respondJSON writes a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	writeJSONError(w, status, message)
}

// writeJSONError writes {"error": message} with a JSON content type.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
