package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"certledger.org/internal/ledger"
	"certledger.org/internal/obs"
)

// GRPCServer publishes the standard grpc.health.v1 service. Its status follows
// readiness and ledger integrity, under both "" and serviceName.
type GRPCServer struct {
	health    *health.Server
	readiness Readiness
	ledger    *ledger.InMemory
	version   string
}

// NewGRPCServer creates the health wrapper. l may be nil.
func NewGRPCServer(r Readiness, version string, l *ledger.InMemory) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{
		health:    health.NewServer(),
		readiness: r,
		ledger:    l,
		version:   version,
	}
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh re-evaluates readiness and ledger validity and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		obs.Warn("grpc health: not ready", map[string]any{"error": err.Error()})
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if s.ledger != nil {
		valid := s.ledger.Len() > 0 && s.ledger.IsChainValid()
		obs.ObserveLedger(s.ledger.Len(), valid)
		if !valid {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	obs.SetReady(st == healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
	return st
}

// Watch refreshes every interval until ctx ends, then marks the service as
// shutting down.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}
