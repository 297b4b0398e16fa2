package http

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/autopeer-io/robopeer/pkg/log"
	"github.com/autopeer-io/robopeer/pkg/options"
)

type Server struct {
	server  *http.Server
	options *options.HttpOptions
}

// NewServer builds the operations HTTP server: probes, metrics and the /v1 API.
func NewServer(opts *options.HttpOptions, api *API) *Server {
	r := mux.NewRouter()

	// Basic Liveness Probe
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", api.ready).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	if opts.EnableDebug {
		r.Handle("/debug/loglevel", log.LevelHandler()).Methods(http.MethodGet, http.MethodPut)
	}

	api.Register(r.PathPrefix("/v1").Subrouter())

	return &Server{
		server: &http.Server{
			Addr:              opts.Addr,
			Handler:           r,
			ReadHeaderTimeout: opts.ReadHeaderTimeout,
			WriteTimeout:      opts.Timeout,
		},
		options: opts,
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen(s.options.Network, s.server.Addr)
	if err != nil {
		return err
	}
	log.Info("Starting HTTP Server", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.options.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
