// Package health serves pool readiness over the gRPC health checking
// protocol.
package health

import (
	"context"
	"net"
	"time"

	"github.com/containerd/log"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service reported for the worker pool. The empty
// service name mirrors it.
const ServiceName = "strand.pool"

// DefaultInterval is how often readiness is re-evaluated.
const DefaultInterval = 250 * time.Millisecond

// ReadyFunc reports whether the pool can accept work.
type ReadyFunc func() bool

// Server reports SERVING while ready returns true and NOT_SERVING otherwise.
type Server struct {
	ready    ReadyFunc
	interval time.Duration
	health   *grpchealth.Server
	grpc     *grpc.Server
}

// NewServer creates a server. The status starts as NOT_SERVING.
func NewServer(ready ReadyFunc, interval time.Duration, opts ...grpc.ServerOption) *Server {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Server{
		ready:    ready,
		interval: interval,
		health:   grpchealth.NewServer(),
		grpc:     grpc.NewServer(opts...),
	}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Update re-evaluates readiness once.
func (s *Server) Update() {
	if s.ready() {
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
	} else {
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// Serve serves health checks on lis until ctx is done. Readiness is polled
// every interval.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()

	log.G(ctx).WithField("addr", lis.Addr().String()).Info("health server listening")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Update()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			<-errCh
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.Update()
		}
	}
}
