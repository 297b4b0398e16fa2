package task

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core"
	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/orchestrator/registry"
	"github.com/autopeer-io/robopeer/internal/orchestrator/safety"
	"github.com/autopeer-io/robopeer/internal/pkg/metrics"
)

// Run drives the assignment loop, the overdue monitor and task garbage collection
// until ctx is cancelled. Registry notifications and submissions wake the loop
// early; the ticker covers dropped notifications and backoff expiry.
func (m *Manager) Run(ctx context.Context) error {
	events, unsubscribe := m.registry.Subscribe(256)
	defer unsubscribe()

	assign := m.clock.NewTicker(m.opts.AssignmentInterval)
	defer assign.Stop()
	monitor := m.clock.NewTicker(m.opts.MonitorInterval)
	defer monitor.Stop()
	gc := m.clock.NewTicker(m.opts.GCInterval)
	defer gc.Stop()

	m.log.Info("Starting task manager", "strategy", m.strategy.Name(), "maxRetries", m.opts.MaxRetries)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("Task manager stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.HandleEvent(ctx, ev)
		case <-m.wake:
			m.AssignOnce(ctx)
		case <-assign.C():
			m.AssignOnce(ctx)
		case <-monitor.C():
			m.CheckOverdue()
		case <-gc.C():
			m.CollectGarbage()
		}
	}
}

// HandleEvent reacts to a registry notification.
func (m *Manager) HandleEvent(ctx context.Context, ev registry.Event) {
	switch ev.Type {
	case registry.EventOffline:
		if ev.ReleasedTask != "" {
			m.robotLost(ctx, ev.RobotID, ev.ReleasedTask, ev.Reason)
		}
	case registry.EventRegistered, registry.EventResumed, registry.EventReleased:
		// A robot became available: retry waiting tasks now instead of after their backoff.
		m.mu.Lock()
		clear(m.notBefore)
		m.mu.Unlock()
		m.signal()
	}
}

// AssignOnce runs one assignment cycle and returns the number of tasks assigned.
func (m *Manager) AssignOnce(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reconcileLocked(ctx)
	if m.queue.Len() == 0 {
		m.refreshGaugesLocked()
		return 0
	}

	now := m.clock.Now()
	fleet := safety.FleetContext{Robots: m.registry.States(), Now: now}

	taken := sets.New[string]()
	n := 0
	for _, t := range m.queue.Ordered() {
		if !m.readyLocked(ctx, t, now) {
			continue
		}
		robotID := m.matchLocked(t, taken, fleet)
		if robotID == "" {
			m.stallLocked(t, now)
			continue
		}
		if err := m.assignLocked(ctx, t, fleet.Robots[robotID], now); err != nil {
			m.log.Debug("Assignment refused", "taskID", t.TaskID, "robotID", robotID, "err", err)
			m.stallLocked(t, now)
			continue
		}
		taken.Insert(robotID)
		n++
	}
	m.refreshGaugesLocked()
	return n
}

// readyLocked reports whether a pending task may be matched in this cycle. A task
// whose dependency failed or was cancelled fails as well.
func (m *Manager) readyLocked(ctx context.Context, t *model.Task, now time.Time) bool {
	if nb, ok := m.notBefore[t.TaskID]; ok && now.Before(nb) {
		return false
	}

	for _, dep := range sets.List(t.Dependencies) {
		d, ok := m.tasks[dep]
		if !ok {
			return false
		}
		switch d.Status {
		case model.TaskCompleted:
			continue
		case model.TaskFailed, model.TaskCancelled:
			m.queue.Remove(t.TaskID)
			reason := fmt.Sprintf("dependency %s %s", dep, d.Status)
			if err := fire(ctx, EventFail, &transition{task: t, now: now, reason: reason}); err != nil {
				m.log.Error(err, "Failed to fail task with broken dependency", "taskID", t.TaskID)
			}
			m.log.Warn("Task failed", "taskID", t.TaskID, "reason", reason)
			m.forgetLocked(t.TaskID)
			return false
		default:
			return false
		}
	}

	if target := t.TargetRobot(); target != "" && m.gate.Halted(target) {
		return false
	}
	return true
}

// matchLocked returns the robot chosen for t, or "" when none is eligible.
// Robots the task already failed on are used only when no other robot qualifies.
func (m *Manager) matchLocked(t *model.Task, taken sets.Set[string], fleet safety.FleetContext) string {
	target := t.TargetRobot()
	filter := registry.AvailableFilter(capabilities(t)...)

	var preferred, excluded []Candidate
	for _, r := range m.registry.ListAvailable(filter) {
		id := r.State.RobotID
		switch {
		case target != "" && id != target:
			continue
		case taken.Has(id), m.gate.Halted(id):
			continue
		}
		if reasons := m.checker.ValidateForRobot(t.Command, id, fleet); len(reasons) > 0 {
			continue
		}

		c := Candidate{State: r.State, Capabilities: r.Capabilities, Assignments: m.assignments[id]}
		if t.ExcludedRobots.Has(id) {
			excluded = append(excluded, c)
		} else {
			preferred = append(preferred, c)
		}
	}

	switch {
	case len(preferred) > 0:
		return m.strategy.Select(t, preferred)
	case len(excluded) > 0:
		return m.strategy.Select(t, excluded)
	}
	return ""
}

func capabilities(t *model.Task) []model.Capability {
	out := make([]model.Capability, 0, t.Capabilities.Len())
	for _, c := range sets.List(t.Capabilities) {
		out = append(out, model.Capability(c))
	}
	return out
}

func (m *Manager) assignLocked(ctx context.Context, t *model.Task, robot model.RobotState, now time.Time) error {
	if err := m.registry.AssignTask(robot.RobotID, t.TaskID); err != nil {
		return err
	}
	if err := fire(ctx, EventAssign, &transition{task: t, now: now, robot: robot.RobotID}); err != nil {
		m.registry.ReleaseTask(robot.RobotID, t.TaskID)
		return err
	}
	m.queue.Remove(t.TaskID)
	m.forgetLocked(t.TaskID)
	m.assignments[robot.RobotID]++
	metrics.AssignmentLatency.Observe(now.Sub(t.CreatedAt).Seconds())
	m.log.Info("Task assigned", "taskID", t.TaskID, "robotID", robot.RobotID, "attempt", t.RetryCount+1)

	if m.dispatcher == nil {
		return nil
	}
	robot.CurrentTask = t.TaskID
	if err := m.dispatcher.Dispatch(ctx, t.Clone(), robot); err != nil {
		m.failLocked(ctx, t, err.Error(), false)
	}
	return nil
}

// stallLocked backs off a task that found no robot and reports it once it has
// waited longer than the stall threshold.
func (m *Manager) stallLocked(t *model.Task, now time.Time) {
	m.notBefore[t.TaskID] = now.Add(m.limiter.When(t.TaskID))

	since, ok := m.stalledSince[t.TaskID]
	if !ok {
		m.stalledSince[t.TaskID] = now
		return
	}
	if now.Sub(since) >= m.opts.StallThreshold && !m.stallWarned.Has(t.TaskID) {
		m.stallWarned.Insert(t.TaskID)
		metrics.AssignmentStalledTotal.Inc()
		m.log.Warn("No eligible robot for task", "taskID", t.TaskID, "waiting", now.Sub(since), "err", core.ErrAssignmentStalled)
	}
}

func (m *Manager) forgetLocked(taskID string) {
	m.limiter.Forget(taskID)
	delete(m.notBefore, taskID)
	delete(m.stalledSince, taskID)
	m.stallWarned.Delete(taskID)
	m.overdue.Delete(taskID)
}

// reconcileLocked requeues held tasks whose robot no longer holds them. Registry
// notifications are lossy, so the registry state is checked on every cycle.
func (m *Manager) reconcileLocked(ctx context.Context) {
	for _, t := range m.tasks {
		if !t.Status.Holding() {
			continue
		}
		s, err := m.registry.Get(t.AssignedRobot)
		switch {
		case err != nil:
			m.failLocked(ctx, t, fmt.Sprintf("robot %s is no longer registered", t.AssignedRobot), true)
		case s.Status == model.RobotOffline:
			m.failLocked(ctx, t, fmt.Sprintf("%v: robot %s went offline", core.ErrRobotTimeout, s.RobotID), true)
		case s.CurrentTask != t.TaskID:
			m.failLocked(ctx, t, fmt.Sprintf("robot %s released the task", s.RobotID), true)
		}
	}
}

func (m *Manager) robotLost(ctx context.Context, robotID, taskID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok || !t.Status.Holding() || t.AssignedRobot != robotID {
		return
	}
	if reason == "" {
		reason = "robot went offline"
	}
	m.failLocked(ctx, t, fmt.Sprintf("robot %s lost: %s", robotID, reason), true)
	m.refreshGaugesLocked()
}
