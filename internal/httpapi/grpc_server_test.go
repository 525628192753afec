package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"certledger.org/internal/ledger"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *GRPCServer) (*grpc.ClientConn, func()) {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	srv.Register(server)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	cleanup := func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	}
	return conn, cleanup
}

func checkHealth(t *testing.T, conn *grpc.ClientConn, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	return resp.GetStatus()
}

func TestGRPCServer_Serving(t *testing.T) {
	l := ledger.NewInMemory()
	if _, err := l.Genesis(context.Background(), ledger.DefaultGenesisData()); err != nil {
		t.Fatal(err)
	}
	srv := NewGRPCServer(ReadyProbe{}, "1.2.3", l)
	conn, cleanup := startBufGRPC(t, srv)
	defer cleanup()

	if st := srv.Refresh(context.Background()); st != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("refresh status: %s", st)
	}
	for _, svc := range []string{"", serviceName} {
		if st := checkHealth(t, conn, svc); st != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("service %q status: %s", svc, st)
		}
	}
}

type failingReadiness struct{}

func (f failingReadiness) Check(context.Context) error { return errors.New("boom") }

func TestGRPCServer_HealthFailure(t *testing.T) {
	srv := NewGRPCServer(failingReadiness{}, "1.0.0", nil)
	conn, cleanup := startBufGRPC(t, srv)
	defer cleanup()

	srv.Refresh(context.Background())
	if st := checkHealth(t, conn, serviceName); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("unexpected status: %s", st)
	}
}

func TestGRPCServer_TamperedLedgerNotServing(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewInMemory()
	if _, err := l.Genesis(ctx, ledger.DefaultGenesisData()); err != nil {
		t.Fatal(err)
	}
	if err := l.Tamper(ctx, 0, func(b *ledger.Block) { b.Data.EntityName = "forged" }); err != nil {
		t.Fatal(err)
	}
	srv := NewGRPCServer(ReadyProbe{}, "1.0.0", l)
	conn, cleanup := startBufGRPC(t, srv)
	defer cleanup()

	srv.Refresh(ctx)
	if st := checkHealth(t, conn, ""); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("tampered ledger should not serve, got %s", st)
	}
}
