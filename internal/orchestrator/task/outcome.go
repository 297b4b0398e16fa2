package task

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core"
	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
)

// OutcomeKind is what the executor learned about a dispatched task.
type OutcomeKind string

const (
	// OutcomeAccepted means the robot acknowledged the task and started it.
	OutcomeAccepted OutcomeKind = "accepted"
	// OutcomeCompleted means the robot finished the task.
	OutcomeCompleted OutcomeKind = "completed"
	// OutcomeFailed means the robot reported it could not run the task.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeLost means the unit was lost before the robot accepted it.
	OutcomeLost OutcomeKind = "lost"
)

// Outcome is a report about a dispatched task, keyed by task and robot so that
// reports from an earlier assignment are ignored.
type Outcome struct {
	TaskID  string
	RobotID string
	Kind    OutcomeKind
	Reason  string

	// RobotSpecific marks failures caused by the robot rather than the transport.
	RobotSpecific bool
}

// Report applies an executor outcome.
func (m *Manager) Report(ctx context.Context, o Outcome) error {
	switch o.Kind {
	case OutcomeAccepted:
		return m.MarkExecuting(ctx, o.TaskID, o.RobotID)
	case OutcomeCompleted:
		return m.complete(ctx, o.TaskID, o.RobotID)
	case OutcomeFailed:
		return m.fail(ctx, o.TaskID, o.RobotID, o.Reason, true)
	case OutcomeLost:
		return m.fail(ctx, o.TaskID, o.RobotID, o.Reason, o.RobotSpecific)
	}
	return fmt.Errorf("unknown outcome %q", o.Kind)
}

// MarkExecuting moves an assigned task to executing once its robot accepted it.
// It is refused with core.ErrEmergencyStopActive while the robot is halted and is
// a no-op for a task already executing on that robot.
func (m *Manager) MarkExecuting(ctx context.Context, taskID, robotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}
	if robotID != "" && t.AssignedRobot != robotID {
		return fmt.Errorf("%w: task %s is not assigned to robot %s", core.ErrInvalidTransition, taskID, robotID)
	}
	if t.Status == model.TaskExecuting {
		return nil
	}
	if err := m.startLocked(ctx, t); err != nil {
		return err
	}
	m.refreshGaugesLocked()
	return nil
}

func (m *Manager) startLocked(ctx context.Context, t *model.Task) error {
	if t.Status != model.TaskAssigned {
		return fmt.Errorf("%w: start on %s task %s", core.ErrInvalidTransition, t.Status, t.TaskID)
	}
	if m.gate.Halted(t.AssignedRobot) {
		return fmt.Errorf("%w: robot %s", core.ErrEmergencyStopActive, t.AssignedRobot)
	}
	if err := m.registry.StartTask(t.AssignedRobot, t.TaskID); err != nil {
		return err
	}
	if err := fire(ctx, EventStart, &transition{task: t, now: m.clock.Now()}); err != nil {
		return err
	}
	m.log.Info("Task executing", "taskID", t.TaskID, "robotID", t.AssignedRobot)
	return nil
}

// Complete marks a held task completed and frees its robot.
func (m *Manager) Complete(ctx context.Context, taskID string) error {
	return m.complete(ctx, taskID, "")
}

func (m *Manager) complete(ctx context.Context, taskID, robotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.holdingLocked(taskID, robotID)
	if err != nil {
		return err
	}
	// A robot may finish before its acceptance arrives.
	if t.Status == model.TaskAssigned {
		if err := m.startLocked(ctx, t); err != nil {
			return err
		}
	}

	robot := t.AssignedRobot
	if err := fire(ctx, EventComplete, &transition{task: t, now: m.clock.Now()}); err != nil {
		return err
	}
	m.releaseLocked(t.TaskID, robot)
	m.log.Info("Task completed", "taskID", t.TaskID, "robotID", robot)
	m.refreshGaugesLocked()
	m.signal()
	return nil
}

// Fail reports a failed attempt of a held task. The task goes back to pending
// until it has been retried MaxRetries times, then fails permanently. A
// robot-specific failure makes the assignment loop prefer other robots.
func (m *Manager) Fail(ctx context.Context, taskID, reason string, robotSpecific bool) error {
	return m.fail(ctx, taskID, "", reason, robotSpecific)
}

func (m *Manager) fail(ctx context.Context, taskID, robotID, reason string, robotSpecific bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.holdingLocked(taskID, robotID)
	if err != nil {
		return err
	}
	m.failLocked(ctx, t, reason, robotSpecific)
	m.refreshGaugesLocked()
	return nil
}

func (m *Manager) failLocked(ctx context.Context, t *model.Task, reason string, robotSpecific bool) {
	robot := t.AssignedRobot
	now := m.clock.Now()

	if t.RetryCount >= m.opts.MaxRetries {
		reason = fmt.Sprintf("%s (gave up after %d retries)", reason, t.RetryCount)
		if err := fire(ctx, EventFail, &transition{task: t, now: now, reason: reason}); err != nil {
			m.log.Error(err, "Failed to fail task", "taskID", t.TaskID)
			return
		}
		m.log.Warn("Task failed", "taskID", t.TaskID, "robotID", robot, "reason", reason)
	} else {
		if err := fire(ctx, EventRequeue, &transition{task: t, now: now, reason: reason, exclude: robotSpecific}); err != nil {
			m.log.Error(err, "Failed to requeue task", "taskID", t.TaskID)
			return
		}
		m.queue.Push(t)
		m.log.Info("Task requeued", "taskID", t.TaskID, "robotID", robot, "retry", t.RetryCount, "reason", reason)
	}
	m.releaseLocked(t.TaskID, robot)
	m.signal()
}

// Cancel aborts a task that has not finished.
func (m *Manager) Cancel(ctx context.Context, taskID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	if err := m.cancelLocked(ctx, t, reason); err != nil {
		return err
	}
	if robot := t.AssignedRobot; robot != "" {
		m.registry.ReleaseTask(robot, t.TaskID)
	}
	m.refreshGaugesLocked()
	m.signal()
	return nil
}

func (m *Manager) cancelLocked(ctx context.Context, t *model.Task, reason string) error {
	held := t.Status.Holding()
	if err := fire(ctx, EventCancel, &transition{task: t, now: m.clock.Now(), reason: reason}); err != nil {
		return err
	}
	m.queue.Remove(t.TaskID)
	m.forgetLocked(t.TaskID)
	if held && m.dispatcher != nil {
		m.dispatcher.Cancel(t.TaskID)
	}
	m.log.Info("Task cancelled", "taskID", t.TaskID, "robotID", t.AssignedRobot, "reason", reason)
	return nil
}

// HaltRobots parks the given robots in the halted-idle state, then cancels every
// task they held, in one critical section. The registry is halted first so a
// reader holding only the registry lock never sees a robot still executing a
// task that is already cancelled. It returns the IDs of the cancelled tasks.
func (m *Manager) HaltRobots(ctx context.Context, robotIDs []string, reason string) []string {
	ids := sets.New(robotIDs...)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.registry.Halt(robotIDs...)

	var cancelled []string
	for _, t := range m.tasks {
		if !t.Status.Holding() || !ids.Has(t.AssignedRobot) {
			continue
		}
		if err := m.cancelLocked(ctx, t, reason); err != nil {
			m.log.Error(err, "Failed to cancel task on emergency stop", "taskID", t.TaskID)
			continue
		}
		cancelled = append(cancelled, t.TaskID)
	}
	m.refreshGaugesLocked()
	return cancelled
}

// ResumeRobots returns halted robots to normal assignment eligibility.
func (m *Manager) ResumeRobots(robotIDs []string) {
	m.mu.Lock()
	m.registry.Resume(robotIDs...)
	clear(m.notBefore)
	m.mu.Unlock()

	m.signal()
}

func (m *Manager) holdingLocked(taskID, robotID string) (*model.Task, error) {
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}
	if !t.Status.Holding() {
		return nil, fmt.Errorf("%w: task %s is %s", core.ErrInvalidTransition, taskID, t.Status)
	}
	if robotID != "" && t.AssignedRobot != robotID {
		return nil, fmt.Errorf("%w: task %s is not assigned to robot %s", core.ErrInvalidTransition, taskID, robotID)
	}
	return t, nil
}

// releaseLocked drops the executor's record of the task and frees the robot.
func (m *Manager) releaseLocked(taskID, robotID string) {
	if m.dispatcher != nil {
		m.dispatcher.Cancel(taskID)
	}
	if robotID != "" {
		m.registry.ReleaseTask(robotID, taskID)
	}
}
