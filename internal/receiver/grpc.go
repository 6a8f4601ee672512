package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCReceiver handles OTLP gRPC requests.
type GRPCReceiver struct {
	coltracepb.UnimplementedTraceServiceServer
	ingester *Ingester
	logger   *slog.Logger
	server   *grpc.Server
	listener net.Listener
	addr     string
}

// NewGRPCReceiver creates a new gRPC receiver.
func NewGRPCReceiver(addr string, ingester *Ingester, logger *slog.Logger) *GRPCReceiver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &GRPCReceiver{
		ingester: ingester,
		logger:   logger,
		addr:     addr,
	}

	r.server = grpc.NewServer()
	coltracepb.RegisterTraceServiceServer(r.server, r)

	// Register reflection service for debugging with grpcurl
	reflection.Register(r.server)

	return r
}

// Start starts the gRPC server.
func (r *GRPCReceiver) Start() error {
	lis, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return r.Serve(lis)
}

// Serve accepts connections on lis until Shutdown.
func (r *GRPCReceiver) Serve(lis net.Listener) error {
	r.listener = lis
	r.logger.Info("gRPC server listening", "addr", lis.Addr().String())
	return r.server.Serve(lis)
}

// Shutdown gracefully shuts down the gRPC server.
func (r *GRPCReceiver) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.server.Stop()
		return ctx.Err()
	}
}

// Export implements the TraceService Export RPC.
func (r *GRPCReceiver) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	if _, err := r.ingester.IngestTraces(ctx, "grpc", req); err != nil {
		r.logger.Error("trace ingest failed", "error", err)
		return nil, status.Errorf(codes.Internal, "failed to store traces: %v", err)
	}

	return &coltracepb.ExportTraceServiceResponse{
		PartialSuccess: &coltracepb.ExportTracePartialSuccess{
			RejectedSpans: 0,
		},
	}, nil
}
