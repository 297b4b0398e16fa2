package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core"
	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/orchestrator/task"
	"github.com/autopeer-io/robopeer/pkg/log"
)

type fakeReporter struct {
	mu       sync.Mutex
	outcomes []task.Outcome
}

func (r *fakeReporter) Report(_ context.Context, o task.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *fakeReporter) list() []task.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]task.Outcome(nil), r.outcomes...)
}

type execHarness struct {
	ctx  context.Context
	clk  *clocktesting.FakeClock
	pool *LocalPool
	rep  *fakeReporter
	e    *Executor
}

func newExecHarness(t *testing.T, workers int, runner UnitRunner) *execHarness {
	t.Helper()

	pool, err := NewLocalPool(workers, 8, runner, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	clk := clocktesting.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	rep := &fakeReporter{}
	e, err := New(pool, rep, 30*time.Second, WithClock(clk), WithLogger(log.NewNopLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &execHarness{ctx: ctx, clk: clk, pool: pool, rep: rep, e: e}
}

func (h *execHarness) dispatch(t *testing.T, taskID, robotID string) {
	t.Helper()
	require.NoError(t, h.e.Dispatch(h.ctx, &model.Task{TaskID: taskID}, model.RobotState{RobotID: robotID}))
}

func (h *execHarness) waitState(t *testing.T, taskID, state string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		for _, o := range h.e.Outstanding() {
			if o.TaskID == taskID {
				return o.State == state
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func okRunner() UnitRunner {
	return UnitRunnerFunc(func(context.Context, Unit) error { return nil })
}

func TestNewValidation(t *testing.T) {
	pool, err := NewLocalPool(1, 1, okRunner(), log.NewNopLogger())
	require.NoError(t, err)
	defer pool.Close()

	_, err = New(nil, &fakeReporter{}, time.Second)
	assert.Error(t, err)
	_, err = New(pool, nil, time.Second)
	assert.Error(t, err)
	_, err = New(pool, &fakeReporter{}, 0)
	assert.Error(t, err)
}

func TestDispatchRoundRobin(t *testing.T) {
	h := newExecHarness(t, 2, okRunner())

	h.dispatch(t, "t1", "r1")
	h.dispatch(t, "t2", "r2")
	h.dispatch(t, "t3", "r3")

	workers := map[string]string{}
	for _, o := range h.e.Outstanding() {
		workers[o.TaskID] = o.Worker
	}
	assert.Equal(t, map[string]string{"t1": "worker-1", "t2": "worker-2", "t3": "worker-1"}, workers)

	// The cursor keeps working after the pool shrinks.
	require.NoError(t, h.pool.Resize(1))
	h.dispatch(t, "t4", "r4")
	for _, o := range h.e.Outstanding() {
		if o.TaskID == "t4" {
			assert.Equal(t, "worker-1", o.Worker)
		}
	}
}

func TestDispatchIdempotent(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	h := newExecHarness(t, 1, UnitRunnerFunc(func(context.Context, Unit) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	}))

	h.dispatch(t, "t1", "r1")
	h.waitState(t, "t1", "delivered")
	h.dispatch(t, "t1", "r1")

	require.Len(t, h.e.Outstanding(), 1)
	mu.Lock()
	assert.Equal(t, 1, runs)
	mu.Unlock()

	// A new assignment of the same task to another robot replaces the entry.
	h.dispatch(t, "t1", "r2")
	out := h.e.Outstanding()
	require.Len(t, out, 1)
	assert.Equal(t, "r2", out[0].RobotID)
}

func TestDispatchSubmitFailure(t *testing.T) {
	r := newBlockingRunner()
	pool, err := NewLocalPool(1, 1, r, log.NewNopLogger())
	require.NoError(t, err)
	defer func() {
		close(r.release)
		pool.Close()
	}()
	e, err := New(pool, &fakeReporter{}, time.Minute, WithLogger(log.NewNopLogger()))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.Dispatch(ctx, &model.Task{TaskID: "a"}, model.RobotState{RobotID: "r1"}))
	<-r.started
	require.NoError(t, e.Dispatch(ctx, &model.Task{TaskID: "b"}, model.RobotState{RobotID: "r2"}))

	err = e.Dispatch(ctx, &model.Task{TaskID: "c"}, model.RobotState{RobotID: "r3"})
	assert.ErrorIs(t, err, core.ErrDispatchFailure)
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Len(t, e.Outstanding(), 2)
}

func TestDispatchLostUnit(t *testing.T) {
	h := newExecHarness(t, 1, UnitRunnerFunc(func(context.Context, Unit) error {
		return errors.New("broker unreachable")
	}))

	h.dispatch(t, "t1", "r1")

	assert.Eventually(t, func() bool { return len(h.rep.list()) == 1 }, time.Second, 5*time.Millisecond)
	o := h.rep.list()[0]
	assert.Equal(t, task.OutcomeLost, o.Kind)
	assert.Equal(t, "t1", o.TaskID)
	assert.Equal(t, "r1", o.RobotID)
	assert.True(t, o.RobotSpecific)
	assert.Contains(t, o.Reason, "broker unreachable")
	assert.Empty(t, h.e.Outstanding())
}

func TestAckLifecycle(t *testing.T) {
	h := newExecHarness(t, 1, okRunner())
	h.dispatch(t, "t1", "r1")
	h.waitState(t, "t1", "delivered")

	require.NoError(t, h.e.Ack(h.ctx, "t1", "r1", "", AckAccepted, ""))
	require.NoError(t, h.e.Ack(h.ctx, "t1", "r1", "", AckAccepted, ""))
	assert.Equal(t, "accepted", h.e.Outstanding()[0].State)

	// Accepted dispatches never time out.
	h.clk.Step(time.Minute)
	assert.Empty(t, h.e.CheckTimeouts(h.ctx))

	err := h.e.Ack(h.ctx, "t1", "r2", "", AckCompleted, "")
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	require.NoError(t, h.e.Ack(h.ctx, "t1", "r1", "", AckCompleted, ""))
	assert.Empty(t, h.e.Outstanding())

	got := h.rep.list()
	require.Len(t, got, 2)
	assert.Equal(t, task.OutcomeAccepted, got[0].Kind)
	assert.Equal(t, task.OutcomeCompleted, got[1].Kind)

	assert.Error(t, h.e.Ack(h.ctx, "t1", "r1", "", AckStatus("paused"), ""))
}

func TestAckFromEarlierDispatchIsRefused(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	h := newExecHarness(t, 1, UnitRunnerFunc(func(_ context.Context, u Unit) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, u.DispatchID)
		return nil
	}))

	h.dispatch(t, "t1", "r1")
	h.waitState(t, "t1", "delivered")
	first := h.e.Outstanding()[0].DispatchID

	// The first attempt times out and the task comes back to the same robot.
	h.clk.Step(31 * time.Second)
	require.Equal(t, []string{"t1"}, h.e.CheckTimeouts(h.ctx))
	h.dispatch(t, "t1", "r1")
	h.waitState(t, "t1", "delivered")
	second := h.e.Outstanding()[0].DispatchID
	require.NotEqual(t, first, second)

	mu.Lock()
	assert.Equal(t, []string{first, second}, sent)
	mu.Unlock()

	err := h.e.Ack(h.ctx, "t1", "r1", first, AckCompleted, "")
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
	require.Len(t, h.e.Outstanding(), 1, "a late ack must not settle the new attempt")

	require.NoError(t, h.e.Ack(h.ctx, "t1", "r1", second, AckCompleted, ""))
	assert.Empty(t, h.e.Outstanding())

	var kinds []task.OutcomeKind
	for _, o := range h.rep.list() {
		kinds = append(kinds, o.Kind)
	}
	assert.Equal(t, []task.OutcomeKind{task.OutcomeLost, task.OutcomeCompleted}, kinds)
}

func TestWorkerStats(t *testing.T) {
	h := newExecHarness(t, 2, okRunner())
	h.dispatch(t, "t1", "r1")
	h.dispatch(t, "t2", "r2")

	assert.Eventually(t, func() bool {
		var processed int64
		for _, w := range h.e.WorkerStats() {
			processed += w.Processed
		}
		return processed == 2
	}, time.Second, 5*time.Millisecond)

	stats := h.e.WorkerStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "worker-1", stats[0].Name)
	assert.Equal(t, "worker-2", stats[1].Name)
}

func TestAckFailed(t *testing.T) {
	h := newExecHarness(t, 1, okRunner())
	h.dispatch(t, "t1", "r1")

	require.NoError(t, h.e.Ack(h.ctx, "t1", "r1", "", AckFailed, ""))
	assert.Empty(t, h.e.Outstanding())

	got := h.rep.list()
	require.Len(t, got, 1)
	assert.Equal(t, task.Outcome{
		TaskID:        "t1",
		RobotID:       "r1",
		Kind:          task.OutcomeFailed,
		Reason:        "robot reported failure",
		RobotSpecific: true,
	}, got[0])
}

func TestCheckTimeouts(t *testing.T) {
	h := newExecHarness(t, 1, okRunner())
	h.dispatch(t, "t1", "r1")
	h.dispatch(t, "t2", "r2")
	h.waitState(t, "t1", "delivered")
	h.waitState(t, "t2", "delivered")
	require.NoError(t, h.e.Ack(h.ctx, "t2", "r2", "", AckAccepted, ""))

	h.clk.Step(29 * time.Second)
	assert.Empty(t, h.e.CheckTimeouts(h.ctx))

	h.clk.Step(2 * time.Second)
	assert.Equal(t, []string{"t1"}, h.e.CheckTimeouts(h.ctx))

	var lost []task.Outcome
	for _, o := range h.rep.list() {
		if o.Kind == task.OutcomeLost {
			lost = append(lost, o)
		}
	}
	require.Len(t, lost, 1)
	assert.Equal(t, "t1", lost[0].TaskID)
	assert.True(t, lost[0].RobotSpecific)
	assert.ErrorContains(t, errors.New(lost[0].Reason), core.ErrDispatchFailure.Error())

	out := h.e.Outstanding()
	require.Len(t, out, 1)
	assert.Equal(t, "t2", out[0].TaskID)
}

func TestCancel(t *testing.T) {
	r := newBlockingRunner()
	h := newExecHarness(t, 1, r)
	defer close(r.release)

	h.dispatch(t, "t1", "r1")
	<-r.started
	h.e.Cancel("t1")
	h.e.Cancel("missing")

	assert.Empty(t, h.e.Outstanding())
	// The cancelled unit ends quietly.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.rep.list())
}
