package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core"
	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/robopeer/internal/pkg/util/fsm"
)

const (
	// EventAssign binds a pending task to a robot.
	EventAssign = "assign"
	// EventStart marks the robot's acceptance of the task.
	EventStart = "start"
	// EventComplete finishes an executing task.
	EventComplete = "complete"
	// EventFail finishes a task permanently.
	EventFail = "fail"
	// EventRequeue returns a held task to pending after robot loss or dispatch failure.
	EventRequeue = "requeue"
	// EventCancel aborts a task that has not finished.
	EventCancel = "cancel"
)

var (
	stPending   = string(model.TaskPending)
	stAssigned  = string(model.TaskAssigned)
	stExecuting = string(model.TaskExecuting)
	stCompleted = string(model.TaskCompleted)
	stFailed    = string(model.TaskFailed)
	stCancelled = string(model.TaskCancelled)
)

var lifecycleEvents = fsm.Events{
	{Name: EventAssign, Src: []string{stPending}, Dst: stAssigned},
	{Name: EventStart, Src: []string{stAssigned}, Dst: stExecuting},
	{Name: EventComplete, Src: []string{stExecuting}, Dst: stCompleted},
	{Name: EventFail, Src: []string{stPending, stAssigned, stExecuting}, Dst: stFailed},

	// Explicit reassignment
	{Name: EventRequeue, Src: []string{stAssigned, stExecuting}, Dst: stPending},

	{Name: EventCancel, Src: []string{stPending, stAssigned, stExecuting}, Dst: stCancelled},
}

// transition describes one lifecycle step applied to a task.
type transition struct {
	task   *model.Task
	now    time.Time
	robot  string
	reason string

	// exclude adds the released robot to the task's excluded set on requeue.
	exclude bool
}

// lifecycle drives a task through its state machine. A machine is built per
// transition from the task's current status; the task is the source of truth.
type lifecycle struct {
	*fsm.FSM
}

func newLifecycle(status model.TaskStatus) *lifecycle {
	l := &lifecycle{}

	callbacks := fsm.Callbacks{
		// Guards
		"before_" + EventAssign: fsmutil.WrapEvent(l.guardAssign),

		// Side-effects
		"enter_" + stAssigned:  fsmutil.WrapEvent(l.enterAssigned),
		"enter_" + stExecuting: fsmutil.WrapEvent(l.enterExecuting),
		"enter_" + stPending:   fsmutil.WrapEvent(l.enterPending),

		"enter_state": fsmutil.WrapEvent(l.enterState),
	}

	l.FSM = fsm.NewFSM(string(status), lifecycleEvents, callbacks)
	return l
}

func (l *lifecycle) guardAssign(_ context.Context, e *fsm.Event) error {
	tr := e.Args[0].(*transition)
	if tr.robot == "" {
		return errors.New("assign requires a robot")
	}
	return nil
}

func (l *lifecycle) enterAssigned(_ context.Context, e *fsm.Event) error {
	tr := e.Args[0].(*transition)
	tr.task.AssignedRobot = tr.robot
	return nil
}

func (l *lifecycle) enterExecuting(_ context.Context, e *fsm.Event) error {
	tr := e.Args[0].(*transition)
	at := tr.now
	tr.task.StartedAt = &at
	return nil
}

func (l *lifecycle) enterPending(_ context.Context, e *fsm.Event) error {
	tr := e.Args[0].(*transition)
	t := tr.task
	if tr.exclude && t.AssignedRobot != "" {
		if t.ExcludedRobots == nil {
			t.ExcludedRobots = sets.New[string]()
		}
		t.ExcludedRobots.Insert(t.AssignedRobot)
	}
	t.AssignedRobot = ""
	t.StartedAt = nil
	t.RetryCount++
	return nil
}

// enterState records the new status on the task for every transition.
func (l *lifecycle) enterState(_ context.Context, e *fsm.Event) error {
	tr := e.Args[0].(*transition)
	tr.task.Status = model.TaskStatus(e.Dst)
	tr.task.UpdatedAt = tr.now
	if tr.reason != "" {
		tr.task.Reason = tr.reason
	}
	metrics.TaskTransitionsTotal.WithLabelValues(e.Event).Inc()
	return nil
}

// fire applies event to the task described by tr. Transitions the lifecycle does
// not allow return core.ErrInvalidTransition and leave the task untouched.
func fire(ctx context.Context, event string, tr *transition) error {
	l := newLifecycle(tr.task.Status)
	if !l.Can(event) {
		return fmt.Errorf("%w: %s on %s task %s", core.ErrInvalidTransition, event, tr.task.Status, tr.task.TaskID)
	}
	if err := l.Event(ctx, event, tr); fsmutil.IsRealError(err) {
		return fmt.Errorf("%w: %s task %s: %v", core.ErrInvalidTransition, event, tr.task.TaskID, err)
	}
	return nil
}
