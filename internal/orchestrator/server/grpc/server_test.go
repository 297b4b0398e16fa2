package grpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/autopeer-io/robopeer/internal/orchestrator/estop"
	mw "github.com/autopeer-io/robopeer/internal/pkg/middleware/grpc"
	"github.com/autopeer-io/robopeer/pkg/options"
)

func check(t *testing.T, s *Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestFleetStopFlipsHealth(t *testing.T) {
	s := NewServer(options.NewGrpcOptions())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, s, ServiceName))

	listen := s.StopListener()
	listen(estop.Event{}, estop.Status{State: estop.StateStopped, Fleet: true})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, ServiceName))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, s, ""))

	// A robot-only stop leaves dispatch available.
	listen(estop.Event{}, estop.Status{State: estop.StateStopped, Robots: []string{"r1"}})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, s, ServiceName))
}

func TestServeHealth(t *testing.T) {
	opts := options.NewGrpcOptions()
	opts.Addr = "127.0.0.1:0"
	s := NewServer(opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	lisAddr := make(chan string, 1)
	go func() {
		done <- s.serveWith(ctx, func(addr string) { lisAddr <- addr })
	}()
	addr := <-lisAddr

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(mw.UnaryTimeoutInterceptor))
	require.NoError(t, err)
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
