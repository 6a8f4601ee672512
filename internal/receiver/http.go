// Package receiver implements the OTLP HTTP and gRPC endpoints and the JSON
// capture endpoint.
package receiver

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/fidde/radar/pkg/models"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// maxBodyBytes caps the decoded size of an export request.
const maxBodyBytes = 16 << 20

// HTTPReceiver handles OTLP HTTP requests.
type HTTPReceiver struct {
	ingester *Ingester
	logger   *slog.Logger
	server   *http.Server
}

// NewHTTPReceiver creates a new HTTP receiver.
func NewHTTPReceiver(addr string, ingester *Ingester, logger *slog.Logger) *HTTPReceiver {
	if logger == nil {
		logger = slog.Default()
	}

	r := &HTTPReceiver{
		ingester: ingester,
		logger:   logger,
	}

	r.server = &http.Server{
		Addr:    addr,
		Handler: r.Handler(),
	}

	return r
}

// Handler returns the receiver's routes.
func (r *HTTPReceiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/traces", r.handleTraces)
	mux.HandleFunc("/v1/capture", r.handleCapture)
	mux.HandleFunc("/health", r.handleHealth)
	return mux
}

// Start starts the HTTP server.
func (r *HTTPReceiver) Start() error {
	return r.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (r *HTTPReceiver) Shutdown(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// readBody reads the request body, decompressing gzip when announced.
func readBody(w http.ResponseWriter, req *http.Request) ([]byte, error) {
	defer req.Body.Close()

	var reader io.Reader = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if req.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}
		defer gz.Close()
		reader = io.LimitReader(gz, maxBodyBytes)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return body, nil
}

// handleTraces handles OTLP traces export requests.
func (r *HTTPReceiver) handleTraces(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readBody(w, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Parse request - try protobuf first, then JSON
	var exportReq coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(body, &exportReq); err != nil {
		unmarshaler := protojson.UnmarshalOptions{DiscardUnknown: true}
		if jsonErr := unmarshaler.Unmarshal(body, &exportReq); jsonErr != nil {
			r.logger.Warn("failed to parse traces request",
				"protobuf_error", err,
				"json_error", jsonErr,
				"body_length", len(body),
			)
			r.ingester.metrics.IngestErrors.WithLabelValues("http", "decode").Inc()
			http.Error(w, fmt.Sprintf("Failed to parse request: protobuf error: %v, json error: %v", err, jsonErr), http.StatusBadRequest)
			return
		}
		r.logger.Debug("parsed traces as JSON", "body_length", len(body))
	} else {
		r.logger.Debug("parsed traces as protobuf", "body_length", len(body))
	}

	if _, err := r.ingester.IngestTraces(req.Context(), "http", &exportReq); err != nil {
		r.logger.Error("trace ingest failed", "error", err)
		http.Error(w, fmt.Sprintf("Failed to store traces: %v", err), http.StatusInternalServerError)
		return
	}

	// Return success response (always protobuf for OTLP)
	r.writeResponse(w, &coltracepb.ExportTraceServiceResponse{})
}

// handleCapture accepts a JSON batch of records from capture middleware.
func (r *HTTPReceiver) handleCapture(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readBody(w, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var batch models.CaptureBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		r.ingester.metrics.IngestErrors.WithLabelValues("capture", "decode").Inc()
		http.Error(w, fmt.Sprintf("Failed to parse capture batch: %v", err), http.StatusBadRequest)
		return
	}

	if err := r.ingester.IngestCapture(req.Context(), &batch); err != nil {
		if errors.Is(err, ErrInvalidBatch) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.logger.Error("capture ingest failed", "error", err)
		http.Error(w, fmt.Sprintf("Failed to store capture batch: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]int{
		"requests":   len(batch.Requests),
		"queries":    len(batch.Queries),
		"exceptions": len(batch.Exceptions),
		"spans":      len(batch.Spans),
		"tasks":      len(batch.Tasks),
	})
}

// handleHealth handles health check requests.
func (r *HTTPReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeResponse writes a protobuf response.
// OTLP always uses protobuf for responses.
func (r *HTTPReceiver) writeResponse(w http.ResponseWriter, resp proto.Message) {
	respBytes, err := proto.Marshal(resp)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	w.Write(respBytes)
}
