package grpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestUnaryTimeoutInterceptorAddsDeadline(t *testing.T) {
	var deadline time.Time
	invoker := func(ctx context.Context, _ string, _, _ any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
		var ok bool
		deadline, ok = ctx.Deadline()
		require.True(t, ok)
		return nil
	}

	require.NoError(t, UnaryTimeoutInterceptor(context.Background(), "/x", nil, nil, nil, invoker))
	assert.WithinDuration(t, time.Now().Add(DefaultRPCTimeout), deadline, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.NoError(t, UnaryTimeoutInterceptor(ctx, "/x", nil, nil, nil, invoker))
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, time.Second)
}

func TestUnaryServerTimeoutInterceptor(t *testing.T) {
	icpt := UnaryServerTimeoutInterceptor(50 * time.Millisecond)

	_, err := icpt(context.Background(), nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, _ any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := icpt(context.Background(), "req", &grpc.UnaryServerInfo{}, func(_ context.Context, req any) (any, error) {
		return req, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "req", got)
}
