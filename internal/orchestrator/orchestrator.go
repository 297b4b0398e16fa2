// Package orchestrator assembles the robot fleet orchestrator: registry, safety
// checker, task manager, executor and emergency stop, behind MQTT, HTTP and gRPC.
package orchestrator

import (
	"context"

	"github.com/autopeer-io/robopeer/internal/orchestrator/estop"
	"github.com/autopeer-io/robopeer/internal/orchestrator/executor"
	"github.com/autopeer-io/robopeer/internal/orchestrator/registry"
	"github.com/autopeer-io/robopeer/internal/orchestrator/server"
	"github.com/autopeer-io/robopeer/internal/orchestrator/server/http"
	"github.com/autopeer-io/robopeer/internal/orchestrator/task"
	"github.com/autopeer-io/robopeer/pkg/log"
)

// Orchestrator is the running application.
type Orchestrator struct {
	registry *registry.Registry
	tasks    *task.Manager
	executor *executor.Executor
	pool     *executor.LocalPool
	estop    *estop.Controller
	http     *http.Server

	serverMgr *server.Manager
}

// Run starts every server and loop and blocks until ctx is cancelled or one
// of them fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Info("Starting robot orchestrator...", "components", o.serverMgr.Len())
	defer o.pool.Close()

	err := o.serverMgr.Start(ctx)
	log.Info("Robot orchestrator stopped")
	return err
}

func (o *Orchestrator) Registry() *registry.Registry { return o.registry }
func (o *Orchestrator) Tasks() *task.Manager         { return o.tasks }
func (o *Orchestrator) EStop() *estop.Controller     { return o.estop }
