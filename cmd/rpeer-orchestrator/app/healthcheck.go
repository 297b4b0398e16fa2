package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcserver "github.com/autopeer-io/robopeer/internal/orchestrator/server/grpc"
	mw "github.com/autopeer-io/robopeer/internal/pkg/middleware/grpc"
)

func newHealthcheckCommand() *cobra.Command {
	addr := "127.0.0.1:8091"
	service := grpcserver.ServiceName
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Query the orchestrator gRPC health service; exits non-zero unless SERVING",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := grpc.NewClient(addr,
				grpc.WithTransportCredentials(insecure.NewCredentials()),
				grpc.WithUnaryInterceptor(mw.UnaryTimeoutInterceptor))
			if err != nil {
				return err
			}
			defer conn.Close()

			start := time.Now()
			resp, err := healthpb.NewHealthClient(conn).Check(cmd.Context(), &healthpb.HealthCheckRequest{Service: service})
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", service, resp.GetStatus(), time.Since(start).Round(time.Millisecond))
			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("service %q is %s", service, resp.GetStatus())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", addr, "Address of the orchestrator gRPC server.")
	cmd.Flags().StringVar(&service, "service", service, "Health service name. Empty checks process liveness only.")
	return cmd
}
