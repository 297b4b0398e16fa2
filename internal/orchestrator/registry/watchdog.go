package registry

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core"
	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/pkg/metrics"
)

// Start runs the heartbeat watchdog until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) error {
	r.log.Info("Starting heartbeat watchdog", "timeout", r.heartbeatTimeout, "interval", r.checkInterval)
	wait.UntilWithContext(ctx, func(context.Context) { r.CheckHeartbeats() }, r.checkInterval)
	r.log.Info("Heartbeat watchdog stopped")
	return nil
}

// CheckHeartbeats marks offline every robot not heard from within the heartbeat
// timeout, measured on the registry clock. It returns the IDs of robots marked offline.
func (r *Registry) CheckHeartbeats() []string {
	deadline := r.clock.Now().Add(-r.heartbeatTimeout)

	var expired []string
	r.mu.RLock()
	for id, rec := range r.robots {
		if rec.state.Status == model.RobotOffline && rec.state.CurrentTask == "" {
			continue
		}
		if rec.receivedAt.Before(deadline) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	reason := fmt.Errorf("%w: no state report for more than %s", core.ErrRobotTimeout, r.heartbeatTimeout).Error()
	marked := make([]string, 0, len(expired))
	for _, id := range expired {
		if _, ok, err := r.markOffline(id, reason, deadline); err == nil && ok {
			metrics.RobotTimeoutsTotal.Inc()
			marked = append(marked, id)
		}
	}
	return marked
}
