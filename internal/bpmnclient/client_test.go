package bpmnclient

import (
	"context"
	"net"
	"testing"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ob-poc/runbook-engine/internal/cargoref"
)

// startProcessHandler serves /bpmn.Engine/StartProcess over the same
// registered JSON codec the client invokes with, without any generated
// stubs — the bufconn round trip exercises the real wire path.
func startProcessHandler() grpc.StreamHandler {
	return func(_ any, stream grpc.ServerStream) error {
		var req StartProcessRequest
		if err := stream.RecvMsg(&req); err != nil {
			return err
		}
		if req.ProcessKey == "" || req.CorrelationID == "" || req.PayloadHash == "" {
			return status.Error(codes.InvalidArgument, "incomplete start request")
		}
		return stream.SendMsg(&StartProcessResponse{ProcessInstanceID: "pi-" + req.CorrelationID})
	}
}

func startTestEngine(t *testing.T, servingStatus grpc_health_v1.HealthCheckResponse_ServingStatus, withStart bool) (*grpc.ClientConn, func()) {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	var opts []grpc.ServerOption
	if withStart {
		opts = append(opts, grpc.UnknownServiceHandler(startProcessHandler()))
	}
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", servingStatus)
	grpc_health_v1.RegisterHealthServer(srv, hs)
	go srv.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(_ context.Context, _ string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}

	return conn, func() {
		conn.Close()
		srv.Stop()
	}
}

func TestDispatchReturnsEngineAssignedInstanceID(t *testing.T) {
	conn, cleanup := startTestEngine(t, grpc_health_v1.HealthCheckResponse_SERVING, true)
	defer cleanup()

	c := New(conn)
	ref := cargoref.Document(uuid.New())
	id, err := c.Dispatch(context.Background(), ref)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if id != "pi-"+ref.ToURI() {
		t.Fatalf("expected the engine-assigned id echoing the correlation, got %q", id)
	}
}

func TestDispatchCorrelationIDStableAcrossRetries(t *testing.T) {
	conn, cleanup := startTestEngine(t, grpc_health_v1.HealthCheckResponse_SERVING, true)
	defer cleanup()

	c := New(conn)
	ref := cargoref.Screening(uuid.New())

	first, err := c.Dispatch(context.Background(), ref)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	second, err := c.Dispatch(context.Background(), ref)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if first != second {
		t.Fatalf("retried dispatch must re-send the same correlation id: %q vs %q", first, second)
	}
}

func TestDispatchFailsWhenEngineLacksStartProcess(t *testing.T) {
	conn, cleanup := startTestEngine(t, grpc_health_v1.HealthCheckResponse_SERVING, false)
	defer cleanup()

	c := New(conn)
	if _, err := c.Dispatch(context.Background(), cargoref.Document(uuid.New())); err == nil {
		t.Fatal("expected dispatch to fail when the engine cannot serve StartProcess")
	}
}

func TestAvailableReflectsHealthStatus(t *testing.T) {
	conn, cleanup := startTestEngine(t, grpc_health_v1.HealthCheckResponse_SERVING, false)
	defer cleanup()

	c := New(conn)
	ok, err := c.Available(context.Background())
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if !ok {
		t.Fatal("expected engine to report available")
	}
}
