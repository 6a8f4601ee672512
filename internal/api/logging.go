package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// requestLogFormatter logs one structured line per request. Only the URL
// path is logged; the query string may carry a websocket token.
type requestLogFormatter struct {
	logger *slog.Logger
}

func (f *requestLogFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &requestLogEntry{logger: f.logger.With(
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"remote", r.RemoteAddr,
	)}
}

type requestLogEntry struct {
	logger *slog.Logger
}

func (e *requestLogEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	e.logger.Info("http request",
		"status", status,
		"bytes", bytes,
		"duration_ms", float64(elapsed.Microseconds())/1000,
	)
}

func (e *requestLogEntry) Panic(v interface{}, stack []byte) {
	e.logger.Error("panic serving request", "panic", fmt.Sprint(v), "stack", string(stack))
}
