package registry

import (
	"fmt"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core"
	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
)

// AssignTask binds a task to an idle, unassigned, non-halted robot.
// It is the registry side of the one-task-per-robot invariant.
func (r *Registry) AssignTask(robotID, taskID string) error {
	r.mu.Lock()
	rec, ok := r.robots[robotID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrRobotNotFound, robotID)
	}
	s := rec.state
	switch {
	case s.Halted:
		r.mu.Unlock()
		return fmt.Errorf("%w: robot %s is halted", core.ErrEmergencyStopActive, robotID)
	case s.CurrentTask != "" && s.CurrentTask != taskID:
		r.mu.Unlock()
		return fmt.Errorf("%w: robot %s already holds task %s", core.ErrRobotUnavailable, robotID, s.CurrentTask)
	case s.Status != model.RobotIdle && s.CurrentTask != taskID:
		r.mu.Unlock()
		return fmt.Errorf("%w: robot %s is %s", core.ErrRobotUnavailable, robotID, s.Status)
	}
	s.CurrentTask = taskID
	rec.state = s
	r.mu.Unlock()

	r.publish(Event{Type: EventUpdated, RobotID: robotID, State: s})
	return nil
}

// StartTask marks the robot executing the task it holds.
func (r *Registry) StartTask(robotID, taskID string) error {
	r.mu.Lock()
	rec, ok := r.robots[robotID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrRobotNotFound, robotID)
	}
	s := rec.state
	if s.CurrentTask != taskID {
		r.mu.Unlock()
		return fmt.Errorf("%w: robot %s does not hold task %s", core.ErrRobotUnavailable, robotID, taskID)
	}
	if s.Halted {
		r.mu.Unlock()
		return fmt.Errorf("%w: robot %s is halted", core.ErrEmergencyStopActive, robotID)
	}
	changed := s.Status != model.RobotExecuting
	s.Status = model.RobotExecuting
	rec.state = s
	r.mu.Unlock()

	if changed {
		r.publish(Event{Type: EventUpdated, RobotID: robotID, State: s})
		r.refreshGauges()
	}
	return nil
}

// ReleaseTask frees a robot from the given task and returns it to idle.
// Releasing a task the robot does not hold is a no-op.
func (r *Registry) ReleaseTask(robotID, taskID string) {
	r.mu.Lock()
	rec, ok := r.robots[robotID]
	if !ok || rec.state.CurrentTask != taskID {
		r.mu.Unlock()
		return
	}
	s := rec.state
	s.CurrentTask = ""
	if s.Status == model.RobotExecuting || s.Status == model.RobotMoving {
		s.Status = model.RobotIdle
	}
	rec.state = s
	r.mu.Unlock()

	r.publish(Event{Type: EventReleased, RobotID: robotID, State: s, ReleasedTask: taskID})
	r.refreshGauges()
}

// Halt parks robots in the halted-idle state and drops their task binding.
// Offline and error robots keep their status but are flagged halted.
func (r *Registry) Halt(robotIDs ...string) []model.RobotState {
	return r.setHalted(true, robotIDs)
}

// Resume clears the halted flag of the given robots.
func (r *Registry) Resume(robotIDs ...string) []model.RobotState {
	return r.setHalted(false, robotIDs)
}

func (r *Registry) setHalted(halted bool, robotIDs []string) []model.RobotState {
	changed := make([]model.RobotState, 0, len(robotIDs))

	r.mu.Lock()
	for _, id := range robotIDs {
		rec, ok := r.robots[id]
		if !ok {
			continue
		}
		s := rec.state
		s.Halted = halted
		if halted {
			s.CurrentTask = ""
			if s.Status == model.RobotExecuting || s.Status == model.RobotMoving {
				s.Status = model.RobotIdle
			}
		}
		rec.state = s
		changed = append(changed, s)
	}
	r.mu.Unlock()

	typ := EventResumed
	if halted {
		typ = EventHalted
	}
	for _, s := range changed {
		r.publish(Event{Type: typ, RobotID: s.RobotID, State: s})
	}
	if len(changed) > 0 {
		r.refreshGauges()
	}
	return changed
}
