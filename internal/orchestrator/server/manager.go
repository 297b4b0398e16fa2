package server

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/robopeer/pkg/log"
)

// Server defines the common interface for every long-running component
// (protocol servers and background loops).
type Server interface {
	Start(ctx context.Context) error
}

// ServerFunc adapts a function to Server.
type ServerFunc func(ctx context.Context) error

func (f ServerFunc) Start(ctx context.Context) error { return f(ctx) }

type named struct {
	name string
	srv  Server
}

// Manager manages the lifecycle of all servers.
type Manager struct {
	servers []named
}

// NewManager creates an empty server manager.
func NewManager() *Manager {
	return &Manager{}
}

// Add registers a server under a name used in logs. Nil servers are skipped.
func (m *Manager) Add(name string, s Server) {
	if s == nil {
		return
	}
	m.servers = append(m.servers, named{name: name, srv: s})
}

// Len returns the number of registered servers.
func (m *Manager) Len() int { return len(m.servers) }

// Start launches all servers in parallel and waits for termination. The first
// server to fail cancels the others.
func (m *Manager) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, s := range m.servers {
		g.Go(func() error {
			log.Debug("Server starting", "server", s.name)
			err := s.srv.Start(ctx)
			if err != nil {
				log.Error(err, "Server exited with error", "server", s.name)
			}
			return err
		})
	}

	log.Info("All servers starting...", "count", len(m.servers))
	return g.Wait()
}
