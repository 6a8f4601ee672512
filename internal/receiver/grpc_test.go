package receiver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fidde/radar/internal/storage/memory"
	"github.com/fidde/radar/pkg/models"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func TestGRPCExport(t *testing.T) {
	store := memory.New()
	recv := NewGRPCReceiver("bufnet", NewIngester(store, 0, nil, nil), nil)

	lis := bufconn.Listen(1 << 20)
	go recv.Serve(lis)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		recv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := coltracepb.NewTraceServiceClient(conn).Export(ctx, sampleExport())
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if resp.GetPartialSuccess().GetRejectedSpans() != 0 {
		t.Errorf("expected no rejected spans, got %d", resp.GetPartialSuccess().GetRejectedSpans())
	}

	traces, err := store.ListTraces(ctx, models.RecordFilter{})
	if err != nil {
		t.Fatalf("ListTraces failed: %v", err)
	}
	if len(traces) != 1 {
		t.Fatalf("expected 1 trace, got %d", len(traces))
	}
	if traces[0].ServiceName != "shop" || traces[0].OperationName != "GET /items" {
		t.Errorf("unexpected trace summary %+v", traces[0])
	}
}
