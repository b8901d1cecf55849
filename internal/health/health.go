// Package health exposes the standard gRPC health service, reporting
// SERVING while the presence backend answers pings.
package health

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// PresenceService is the service name reported for the presence backend.
const PresenceService = "boardsync.presence"

const pingTimeout = 2 * time.Second

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is a gRPC server carrying only the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	pinger Pinger
	logger *slog.Logger
}

// NewGRPCServer returns a health server. Status starts NOT_SERVING until
// the first Check.
func NewGRPCServer(pinger Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		pinger: pinger,
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Check pings the backend once and publishes the result.
func (s *Server) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.pinger.Ping(ctx); err != nil {
		s.logger.Warn("Presence backend ping failed", "error", err)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Watch runs Check every interval until ctx ends.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	s.Check(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(PresenceService, status)
}
