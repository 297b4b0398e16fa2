package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core"
	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/orchestrator/task"
	"github.com/autopeer-io/robopeer/internal/pkg/metrics"
	"github.com/autopeer-io/robopeer/pkg/log"
)

// AckStatus is the status carried by a robot's task acknowledgment.
type AckStatus string

const (
	AckAccepted  AckStatus = "accepted"
	AckCompleted AckStatus = "completed"
	AckFailed    AckStatus = "failed"
)

// Reporter receives what the executor learns about dispatched tasks.
// The task manager implements it.
type Reporter interface {
	Report(ctx context.Context, o task.Outcome) error
}

type dispatchState string

const (
	stateSent      dispatchState = "sent"
	stateDelivered dispatchState = "delivered"
	stateAccepted  dispatchState = "accepted"
)

type dispatch struct {
	id      string
	taskID  string
	robotID string
	worker  string
	state   dispatchState
	at      time.Time
	cancel  context.CancelFunc
}

// Outstanding describes a dispatch the executor is still tracking.
type Outstanding struct {
	DispatchID string    `json:"dispatch_id"`
	TaskID     string    `json:"task_id"`
	RobotID    string    `json:"robot_id"`
	Worker     string    `json:"worker"`
	State      string    `json:"state"`
	Since      time.Time `json:"since"`
}

// StatsReporter is implemented by pools that keep per-worker counters.
type StatsReporter interface {
	Stats() []WorkerStats
}

var _ task.Dispatcher = (*Executor)(nil)

// Executor hands assigned tasks to a WorkerPool and turns unit results and robot
// acknowledgments into task outcomes. It never holds its lock while reporting.
type Executor struct {
	mu          sync.Mutex
	pool        WorkerPool
	reporter    Reporter
	outstanding map[string]*dispatch
	cursor      int

	timeout time.Duration
	clock   clock.Clock
	log     log.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock sets the clock used for dispatch timeouts.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// New creates an Executor. timeout bounds the time between dispatch and the
// robot's acceptance.
func New(pool WorkerPool, reporter Reporter, timeout time.Duration, opts ...Option) (*Executor, error) {
	if pool == nil || reporter == nil {
		return nil, errors.New("executor requires a worker pool and a reporter")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("dispatch timeout must be positive, got %s", timeout)
	}
	e := &Executor{
		pool:        pool,
		reporter:    reporter,
		outstanding: make(map[string]*dispatch),
		timeout:     timeout,
		clock:       clock.RealClock{},
		log:         log.Std(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithName("executor")
	return e, nil
}

// Dispatch implements task.Dispatcher. A task already outstanding on the same
// robot is not sent again. Workers are chosen round robin over the pool's
// current worker list.
func (e *Executor) Dispatch(ctx context.Context, t *model.Task, robot model.RobotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if d, ok := e.outstanding[t.TaskID]; ok {
		if d.robotID == robot.RobotID {
			metrics.DispatchTotal.WithLabelValues("duplicate").Inc()
			e.log.Debug("Duplicate dispatch ignored", "taskID", t.TaskID, "robotID", robot.RobotID, "state", d.state)
			return nil
		}
		// Left over from an earlier assignment of the same task.
		d.cancel()
		delete(e.outstanding, t.TaskID)
	}

	workers := e.pool.Workers()
	if len(workers) == 0 {
		metrics.DispatchTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: no workers", core.ErrDispatchFailure)
	}
	worker := workers[e.cursor%len(workers)]
	e.cursor++

	id := uuid.NewString()
	unitCtx, cancel := context.WithTimeout(ctx, e.timeout)
	h, err := e.pool.Submit(unitCtx, Unit{Worker: worker, Task: t.Clone(), Robot: robot, DispatchID: id})
	if err != nil {
		cancel()
		metrics.DispatchTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %w", core.ErrDispatchFailure, err)
	}

	d := &dispatch{
		id:      id,
		taskID:  t.TaskID,
		robotID: robot.RobotID,
		worker:  h.Worker,
		state:   stateSent,
		at:      e.clock.Now(),
		cancel:  cancel,
	}
	e.outstanding[t.TaskID] = d
	metrics.DispatchTotal.WithLabelValues("sent").Inc()
	e.log.Debug("Task dispatched", "taskID", t.TaskID, "robotID", robot.RobotID, "worker", h.Worker, "dispatchID", id)

	go e.await(ctx, d, h)
	return nil
}

func (e *Executor) await(ctx context.Context, d *dispatch, h Handle) {
	res, err := e.pool.Await(ctx, h)
	if err == nil {
		err = res.Err
	}
	if ctx.Err() != nil {
		// Shutting down.
		return
	}

	e.mu.Lock()
	if e.outstanding[d.taskID] != d {
		e.mu.Unlock()
		return
	}
	if err == nil {
		if d.state == stateSent {
			d.state = stateDelivered
		}
		e.mu.Unlock()
		return
	}
	if d.state == stateAccepted {
		// The robot accepted before the unit reported; its context was cancelled on purpose.
		e.mu.Unlock()
		return
	}
	delete(e.outstanding, d.taskID)
	e.mu.Unlock()

	metrics.DispatchTotal.WithLabelValues("lost").Inc()
	e.lost(ctx, d, fmt.Errorf("%w: %w", core.ErrDispatchFailure, err).Error())
}

// Ack applies a robot's acknowledgment. A repeated acceptance is a no-op.
// dispatchID names the attempt being acknowledged; an ack for an earlier
// attempt of a re-dispatched task is refused. An empty dispatchID matches any
// attempt.
func (e *Executor) Ack(ctx context.Context, taskID, robotID, dispatchID string, status AckStatus, message string) error {
	e.mu.Lock()
	d, ok := e.outstanding[taskID]
	if ok && d.robotID != robotID {
		e.mu.Unlock()
		return fmt.Errorf("%w: task %s is not dispatched to robot %s", core.ErrInvalidTransition, taskID, robotID)
	}
	if ok && dispatchID != "" && d.id != dispatchID {
		e.mu.Unlock()
		metrics.DispatchTotal.WithLabelValues("stale_ack").Inc()
		return fmt.Errorf("%w: ack for dispatch %s of task %s is stale, current dispatch is %s", core.ErrInvalidTransition, dispatchID, taskID, d.id)
	}

	var outcome task.Outcome
	switch status {
	case AckAccepted:
		if ok && d.state == stateAccepted {
			e.mu.Unlock()
			return nil
		}
		if ok {
			d.state = stateAccepted
			d.cancel()
		}
		outcome = task.Outcome{TaskID: taskID, RobotID: robotID, Kind: task.OutcomeAccepted}
	case AckCompleted:
		if ok {
			d.cancel()
			delete(e.outstanding, taskID)
		}
		outcome = task.Outcome{TaskID: taskID, RobotID: robotID, Kind: task.OutcomeCompleted}
	case AckFailed:
		if ok {
			d.cancel()
			delete(e.outstanding, taskID)
		}
		if message == "" {
			message = "robot reported failure"
		}
		outcome = task.Outcome{TaskID: taskID, RobotID: robotID, Kind: task.OutcomeFailed, Reason: message, RobotSpecific: true}
	default:
		e.mu.Unlock()
		return fmt.Errorf("unknown acknowledgment status %q", status)
	}
	e.mu.Unlock()

	return e.reporter.Report(ctx, outcome)
}

// WorkerStats returns the pool's per-worker counters, or nil when the pool keeps none.
func (e *Executor) WorkerStats() []WorkerStats {
	if s, ok := e.pool.(StatsReporter); ok {
		return s.Stats()
	}
	return nil
}

// Cancel implements task.Dispatcher.
func (e *Executor) Cancel(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if d, ok := e.outstanding[taskID]; ok {
		d.cancel()
		delete(e.outstanding, taskID)
	}
}

// Start runs the dispatch timeout sweep until ctx is cancelled.
func (e *Executor) Start(ctx context.Context) error {
	interval := e.timeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	e.log.Info("Starting executor", "workers", len(e.pool.Workers()), "timeout", e.timeout)
	wait.UntilWithContext(ctx, func(ctx context.Context) { e.CheckTimeouts(ctx) }, interval)
	return nil
}

// CheckTimeouts reports as lost every dispatch not accepted within the timeout.
// It returns the affected task IDs.
func (e *Executor) CheckTimeouts(ctx context.Context) []string {
	deadline := e.clock.Now().Add(-e.timeout)

	var expired []*dispatch
	e.mu.Lock()
	for id, d := range e.outstanding {
		if d.state == stateAccepted || !d.at.Before(deadline) {
			continue
		}
		d.cancel()
		delete(e.outstanding, id)
		expired = append(expired, d)
	}
	e.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].taskID < expired[j].taskID })
	ids := make([]string, 0, len(expired))
	for _, d := range expired {
		metrics.DispatchTotal.WithLabelValues("lost").Inc()
		e.lost(ctx, d, fmt.Errorf("%w: not accepted within %s", core.ErrDispatchFailure, e.timeout).Error())
		ids = append(ids, d.taskID)
	}
	return ids
}

func (e *Executor) lost(ctx context.Context, d *dispatch, reason string) {
	e.log.Warn("Dispatch lost", "taskID", d.taskID, "robotID", d.robotID, "worker", d.worker, "reason", reason)
	err := e.reporter.Report(ctx, task.Outcome{
		TaskID:        d.taskID,
		RobotID:       d.robotID,
		Kind:          task.OutcomeLost,
		Reason:        reason,
		RobotSpecific: true,
	})
	if err != nil && !errors.Is(err, core.ErrInvalidTransition) && !errors.Is(err, core.ErrTaskNotFound) {
		e.log.Error(err, "Failed to report lost dispatch", "taskID", d.taskID)
	}
}

// Outstanding returns the tracked dispatches ordered by task ID.
func (e *Executor) Outstanding() []Outstanding {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Outstanding, 0, len(e.outstanding))
	for _, d := range e.outstanding {
		out = append(out, Outstanding{
			DispatchID: d.id,
			TaskID:     d.taskID,
			RobotID:    d.robotID,
			Worker:     d.worker,
			State:      string(d.state),
			Since:      d.at,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}
