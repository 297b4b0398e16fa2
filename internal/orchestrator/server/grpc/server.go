package grpc

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/autopeer-io/robopeer/internal/orchestrator/estop"
	mw "github.com/autopeer-io/robopeer/internal/pkg/middleware/grpc"
	"github.com/autopeer-io/robopeer/pkg/log"
	"github.com/autopeer-io/robopeer/pkg/options"
)

// ServiceName is the health service that tracks dispatch availability.
// The empty service reports process liveness only.
const ServiceName = "rpeer.orchestrator"

type Server struct {
	server  *grpc.Server
	health  *health.Server
	options *options.GrpcOptions
}

func NewServer(opts *options.GrpcOptions) *Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(mw.UnaryServerTimeoutInterceptor(opts.Timeout)))
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	if opts.EnableReflection {
		reflection.Register(s)
	}

	return &Server{server: s, health: hs, options: opts}
}

// SetFleetStopped flips the orchestrator service to NOT_SERVING while the
// whole fleet is under an emergency stop.
func (s *Server) SetFleetStopped(stopped bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if stopped {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
}

// StopListener adapts SetFleetStopped to the emergency stop controller.
func (s *Server) StopListener() estop.Listener {
	return func(_ estop.Event, st estop.Status) { s.SetFleetStopped(st.Fleet) }
}

func (s *Server) Start(ctx context.Context) error {
	return s.serveWith(ctx, nil)
}

// serveWith reports the bound address to bound before serving.
func (s *Server) serveWith(ctx context.Context, bound func(addr string)) error {
	lis, err := net.Listen(s.options.Network, s.options.Addr)
	if err != nil {
		return err
	}

	log.Info("Starting gRPC Server", "addr", lis.Addr().String())
	if bound != nil {
		bound(lis.Addr().String())
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		s.stop()
		return nil
	}
}

// stop drains in-flight calls, cutting them off after ShutdownTimeout.
func (s *Server) stop() {
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	if s.options.ShutdownTimeout <= 0 {
		<-done
		return
	}
	t := time.NewTimer(s.options.ShutdownTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		log.Warn("gRPC graceful stop timed out, closing connections", "timeout", s.options.ShutdownTimeout)
		s.server.Stop()
		<-done
	}
}
