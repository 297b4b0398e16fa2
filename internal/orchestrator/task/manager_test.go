package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core"
	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/orchestrator/registry"
	"github.com/autopeer-io/robopeer/internal/orchestrator/safety"
	"github.com/autopeer-io/robopeer/pkg/log"
	"github.com/autopeer-io/robopeer/pkg/options"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	cancelled  []string
	err        error

	// onCancel runs inside Cancel, with the manager lock held.
	onCancel func(taskID string)
}

func (d *fakeDispatcher) Dispatch(_ context.Context, t *model.Task, robot model.RobotState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.dispatched = append(d.dispatched, t.TaskID+"@"+robot.RobotID)
	return nil
}

func (d *fakeDispatcher) Cancel(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, taskID)
	if d.onCancel != nil {
		d.onCancel(taskID)
	}
}

type fakeGate struct {
	halted sets.Set[string]
}

func (g *fakeGate) Halted(robotID string) bool { return g.halted.Has(robotID) }

type harness struct {
	ctx   context.Context
	clk   *clocktesting.FakeClock
	reg   *registry.Registry
	m     *Manager
	disp  *fakeDispatcher
	gate  *fakeGate
	ticks int
}

func newHarness(t *testing.T, mutate func(o *options.OrchestratorOptions)) *harness {
	t.Helper()

	clk := clocktesting.NewFakeClock(t0)
	reg := registry.New(
		registry.WithClock(clk),
		registry.WithHeartbeat(10*time.Second, time.Second),
		registry.WithLogger(log.NewNopLogger()),
	)
	checker, err := safety.NewChecker(safety.DefaultRules())
	require.NoError(t, err)

	opts := options.NewOrchestratorOptions()
	if mutate != nil {
		mutate(opts)
	}
	m, err := New(reg, checker, opts, WithClock(clk), WithLogger(log.NewNopLogger()))
	require.NoError(t, err)

	h := &harness{
		ctx:  context.Background(),
		clk:  clk,
		reg:  reg,
		m:    m,
		disp: &fakeDispatcher{},
		gate: &fakeGate{halted: sets.New[string]()},
	}
	m.SetDispatcher(h.disp)
	m.SetGate(h.gate)
	return h
}

// addRobot registers an idle robot with every capability, placed apart from the others.
func (h *harness) addRobot(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.reg.Register(id,
		model.CapabilityNavigation, model.CapabilityManipulation, model.CapabilityInspection))
	h.ticks++
	_, err := h.reg.UpdateState(model.RobotState{
		RobotID:      id,
		Status:       model.RobotIdle,
		BatteryLevel: 80,
		Position:     model.Position{X: float64(10 * h.ticks), Y: -10},
		LastUpdate:   h.clk.Now(),
	})
	require.NoError(t, err)
}

func (h *harness) submit(t *testing.T, id string, priority int, params map[string]any) *model.Task {
	t.Helper()
	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["target"]; !ok {
		params["target"] = []float64{5, 5}
	}
	task, decision, err := h.m.Submit(h.ctx, &model.RobotCommand{
		CommandID:  id,
		RobotID:    model.FleetWide,
		ActionType: model.ActionNavigate,
		Parameters: params,
		Priority:   priority,
	})
	require.NoError(t, err)
	require.True(t, decision.Accepted, "%v", decision.Reasons)
	require.NotNil(t, task)
	return task
}

func (h *harness) status(t *testing.T, taskID string) *model.Task {
	t.Helper()
	task, err := h.m.Task(taskID)
	require.NoError(t, err)
	return task
}

func TestSubmitRejected(t *testing.T) {
	h := newHarness(t, nil)

	task, decision, err := h.m.Submit(h.ctx, &model.RobotCommand{
		CommandID:  "bad",
		RobotID:    model.FleetWide,
		ActionType: model.ActionNavigate,
		Parameters: map[string]any{"target": []float64{0, 0}},
	})
	require.NoError(t, err, "a rejection is not an error")
	assert.Nil(t, task)
	assert.False(t, decision.Accepted)
	assert.ErrorIs(t, decision.Err(), core.ErrValidationRejected)

	rejections := h.m.Rejections(0)
	require.Len(t, rejections, 1)
	assert.Equal(t, "bad", rejections[0].CommandID)
	assert.Equal(t, "forbidden_zones", rejections[0].Reasons[0].RuleID)
	assert.Zero(t, h.m.Stats().Total)
}

func TestSubmitErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(t, "cmd-1", model.PriorityNormal, nil)

	_, _, err := h.m.Submit(h.ctx, nil)
	assert.ErrorIs(t, err, core.ErrInvalidCommand)

	_, _, err = h.m.Submit(h.ctx, &model.RobotCommand{CommandID: "x", ActionType: "dance"})
	assert.ErrorIs(t, err, core.ErrInvalidCommand)

	_, _, err = h.m.Submit(h.ctx, &model.RobotCommand{CommandID: "cmd-1", ActionType: model.ActionStop})
	assert.ErrorIs(t, err, core.ErrDuplicateCommandID)

	_, _, err = h.m.Submit(h.ctx, &model.RobotCommand{
		CommandID:  "cmd-2",
		ActionType: model.ActionStop,
		Parameters: map[string]any{ParamDependsOn: []any{"nope"}},
	})
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestSubmitBuildsTask(t *testing.T) {
	h := newHarness(t, nil)
	task := h.submit(t, "cmd-1", model.PriorityHigh, map[string]any{
		ParamEstimatedDuration: 90,
		ParamDescription:       "fetch the pallet",
	})

	assert.Equal(t, model.TaskPending, task.Status)
	assert.Equal(t, model.PriorityHigh, task.Priority)
	assert.Equal(t, 90*time.Second, task.EstimatedDuration)
	assert.Equal(t, "fetch the pallet", task.Description)
	assert.True(t, task.Capabilities.Has("navigation"))
	assert.True(t, task.Command.SafetyValidated)
	assert.Equal(t, "cmd-1", task.CommandID)
}

func TestAssignmentIsFIFOForEqualPriority(t *testing.T) {
	h := newHarness(t, nil)
	h.addRobot(t, "r1")

	a := h.submit(t, "a", model.PriorityNormal, nil)
	b := h.submit(t, "b", model.PriorityNormal, nil)

	assert.Equal(t, 1, h.m.AssignOnce(h.ctx))
	assert.Equal(t, model.TaskAssigned, h.status(t, a.TaskID).Status)
	assert.Equal(t, "r1", h.status(t, a.TaskID).AssignedRobot)
	assert.Equal(t, model.TaskPending, h.status(t, b.TaskID).Status)
}

func TestAssignmentPrefersHigherPriority(t *testing.T) {
	h := newHarness(t, nil)
	h.addRobot(t, "r1")

	low := h.submit(t, "low", model.PriorityLow, nil)
	h.clk.Step(time.Second)
	high := h.submit(t, "high", model.PriorityCritical, nil)

	h.m.AssignOnce(h.ctx)
	assert.Equal(t, model.TaskAssigned, h.status(t, high.TaskID).Status)
	assert.Equal(t, model.TaskPending, h.status(t, low.TaskID).Status)
}

func TestOneTaskPerRobot(t *testing.T) {
	h := newHarness(t, nil)
	h.addRobot(t, "r1")
	h.addRobot(t, "r2")
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		h.submit(t, id, model.PriorityNormal, nil)
	}

	assert.Equal(t, 2, h.m.AssignOnce(h.ctx))
	assert.Equal(t, 0, h.m.AssignOnce(h.ctx))

	held := map[string]string{}
	for _, task := range h.m.Tasks(model.TaskAssigned, model.TaskExecuting) {
		_, dup := held[task.AssignedRobot]
		assert.False(t, dup, "robot %s holds two tasks", task.AssignedRobot)
		held[task.AssignedRobot] = task.TaskID

		s, err := h.reg.Get(task.AssignedRobot)
		require.NoError(t, err)
		assert.Equal(t, task.TaskID, s.CurrentTask)
	}
	assert.Len(t, held, 2)
	assert.Equal(t, 3, h.m.Stats().Queued)
	assert.Len(t, h.disp.dispatched, 2)
}

func TestRoundRobinSpreadsLoad(t *testing.T) {
	h := newHarness(t, nil)
	h.addRobot(t, "r1")
	h.addRobot(t, "r2")

	first := h.submit(t, "c1", model.PriorityNormal, nil)
	h.m.AssignOnce(h.ctx)
	require.NoError(t, h.m.Complete(h.ctx, first.TaskID))

	second := h.submit(t, "c2", model.PriorityNormal, nil)
	h.m.AssignOnce(h.ctx)
	assert.Equal(t, "r1", h.status(t, first.TaskID).AssignedRobot)
	assert.Equal(t, "r2", h.status(t, second.TaskID).AssignedRobot)
}

func TestMarkExecutingIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.addRobot(t, "r1")
	task := h.submit(t, "c1", model.PriorityNormal, nil)
	h.m.AssignOnce(h.ctx)

	require.NoError(t, h.m.MarkExecuting(h.ctx, task.TaskID, "r1"))
	require.NoError(t, h.m.MarkExecuting(h.ctx, task.TaskID, "r1"))

	got := h.status(t, task.TaskID)
	assert.Equal(t, model.TaskExecuting, got.Status)
	require.NotNil(t, got.StartedAt)

	s, _ := h.reg.Get("r1")
	assert.Equal(t, model.RobotExecuting, s.Status)

	err := h.m.MarkExecuting(h.ctx, task.TaskID, "r2")
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestMarkExecutingRefusedWhileHalted(t *testing.T) {
	h := newHarness(t, nil)
	h.addRobot(t, "r1")
	task := h.submit(t, "c1", model.PriorityNormal, nil)
	h.m.AssignOnce(h.ctx)

	h.gate.halted.Insert("r1")
	err := h.m.MarkExecuting(h.ctx, task.TaskID, "r1")
	assert.ErrorIs(t, err, core.ErrEmergencyStopActive)
	assert.Equal(t, model.TaskAssigned, h.status(t, task.TaskID).Status)
}

func TestCompleteReleasesRobotAndUnblocksDependents(t *testing.T) {
	h := newHarness(t, nil)
	h.addRobot(t, "r1")
	h.addRobot(t, "r2")

	a := h.submit(t, "a", model.PriorityNormal, nil)
	b := h.submit(t, "b", model.PriorityCritical, map[string]any{ParamDependsOn: a.TaskID})

	assert.Equal(t, 1, h.m.AssignOnce(h.ctx))
	assert.Equal(t, model.TaskPending, h.status(t, b.TaskID).Status)

	require.NoError(t, h.m.MarkExecuting(h.ctx, a.TaskID, ""))
	require.NoError(t, h.m.Complete(h.ctx, a.TaskID))
	assert.Equal(t, model.TaskCompleted, h.status(t, a.TaskID).Status)

	s, _ := h.reg.Get(h.status(t, a.TaskID).AssignedRobot)
	assert.Equal(t, model.RobotIdle, s.Status)
	assert.Empty(t, s.CurrentTask)

	h.clk.Step(time.Minute)
	assert.Equal(t, 1, h.m.AssignOnce(h.ctx))
	assert.Equal(t, model.TaskAssigned, h.status(t, b.TaskID).Status)

	assert.ErrorIs(t, h.m.Complete(h.ctx, a.TaskID), core.ErrInvalidTransition)
}

func TestFailedDependencyFailsDependent(t *testing.T) {
	h := newHarness(t, nil)
	a := h.submit(t, "a", model.PriorityNormal, nil)
	b := h.submit(t, "b", model.PriorityNormal, map[string]any{ParamDependsOn: []any{a.TaskID}})

	require.NoError(t, h.m.Cancel(h.ctx, a.TaskID, ""))
	h.m.AssignOnce(h.ctx)

	got := h.status(t, b.TaskID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Contains(t, got.Reason, a.TaskID)
	assert.Zero(t, h.m.Stats().Queued)
}

func TestFailureRetriesThenFailsPermanently(t *testing.T) {
	h := newHarness(t, func(o *options.OrchestratorOptions) { o.MaxRetries = 1 })
	h.addRobot(t, "r1")
	task := h.submit(t, "c1", model.PriorityNormal, nil)

	h.m.AssignOnce(h.ctx)
	require.NoError(t, h.m.Fail(h.ctx, task.TaskID, "gripper jammed", true))

	got := h.status(t, task.TaskID)
	assert.Equal(t, model.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.ExcludedRobots.Has("r1"))
	assert.Empty(t, got.AssignedRobot)

	// r1 is the only robot, so it is used despite the exclusion.
	assert.Equal(t, 1, h.m.AssignOnce(h.ctx))
	require.NoError(t, h.m.Fail(h.ctx, task.TaskID, "gripper jammed", true))

	got = h.status(t, task.TaskID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Contains(t, got.Reason, "gripper jammed")

	s, _ := h.reg.Get("r1")
	assert.Empty(t, s.CurrentTask)
}

func TestRobotSpecificFailurePrefersAnotherRobot(t *testing.T) {
	h := newHarness(t, nil)
	h.addRobot(t, "r1")
	h.addRobot(t, "r2")
	task := h.submit(t, "c1", model.PriorityNormal, nil)

	h.m.AssignOnce(h.ctx)
	first := h.status(t, task.TaskID).AssignedRobot
	require.NoError(t, h.m.Report(h.ctx, Outcome{TaskID: task.TaskID, RobotID: first, Kind: OutcomeFailed, Reason: "blocked"}))

	h.m.AssignOnce(h.ctx)
	second := h.status(t, task.TaskID).AssignedRobot
	assert.NotEmpty(t, second)
	assert.NotEqual(t, first, second)
}

func TestStaleOutcomeIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.addRobot(t, "r1")
	h.addRobot(t, "r2")
	task := h.submit(t, "c1", model.PriorityNormal, nil)
	h.m.AssignOnce(h.ctx)
	first := h.status(t, task.TaskID).AssignedRobot
	require.NoError(t, h.m.Report(h.ctx, Outcome{TaskID: task.TaskID, RobotID: first, Kind: OutcomeLost, RobotSpecific: true}))
	h.m.AssignOnce(h.ctx)

	err := h.m.Report(h.ctx, Outcome{TaskID: task.TaskID, RobotID: first, Kind: OutcomeCompleted})
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
	assert.Equal(t, model.TaskAssigned, h.status(t, task.TaskID).Status)
}

func TestDispatchErrorRequeues(t *testing.T) {
	h := newHarness(t, nil)
	h.addRobot(t, "r1")
	h.disp.err = core.ErrDispatchFailure
	task := h.submit(t, "c1", model.PriorityNormal, nil)

	h.m.AssignOnce(h.ctx)
	got := h.status(t, task.TaskID)
	assert.Equal(t, model.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.False(t, got.ExcludedRobots.Has("r1"))

	s, _ := h.reg.Get("r1")
	assert.Empty(t, s.CurrentTask)
}

func TestOfflineRobotRequeuesTaskOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.addRobot(t, "r1")
	task := h.submit(t, "c1", model.PriorityNormal, nil)
	h.m.AssignOnce(h.ctx)
	require.NoError(t, h.m.MarkExecuting(h.ctx, task.TaskID, "r1"))

	events, cancel := h.reg.Subscribe(16)
	defer cancel()

	h.clk.Step(11 * time.Second)
	assert.Equal(t, []string{"r1"}, h.reg.CheckHeartbeats())

	// Deliver the offline notification, then let the loop reconcile as well.
	for len(events) > 0 {
		h.m.HandleEvent(h.ctx, <-events)
	}
	h.m.AssignOnce(h.ctx)
	h.m.HandleEvent(h.ctx, registry.Event{Type: registry.EventOffline, RobotID: "r1", ReleasedTask: task.TaskID})

	got := h.status(t, task.TaskID)
	assert.Equal(t, model.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount, "task must be requeued exactly once")
	assert.Equal(t, 1, h.m.Stats().Queued)
}

func TestHaltRobotsCancelsExecutingTasks(t *testing.T) {
	h := newHarness(t, nil)
	robots := []string{"r1", "r2", "r3"}
	for _, id := range robots {
		h.addRobot(t, id)
	}
	var ids []string
	for _, c := range []string{"c1", "c2", "c3"} {
		ids = append(ids, h.submit(t, c, model.PriorityNormal, nil).TaskID)
	}
	require.Equal(t, 3, h.m.AssignOnce(h.ctx))
	for _, id := range ids {
		require.NoError(t, h.m.MarkExecuting(h.ctx, id, ""))
	}

	holder := make(map[string]string)
	for _, id := range ids {
		holder[id] = h.status(t, id).AssignedRobot
	}
	// By the time a task is cancelled its robot is already parked.
	var seen []model.RobotState
	h.disp.onCancel = func(taskID string) {
		s, err := h.reg.Get(holder[taskID])
		require.NoError(t, err)
		seen = append(seen, s)
	}

	cancelled := h.m.HaltRobots(h.ctx, robots, "emergency stop")
	h.disp.onCancel = nil
	assert.ElementsMatch(t, ids, cancelled)
	require.Len(t, seen, len(ids))
	for _, s := range seen {
		assert.True(t, s.HaltedIdle(), "robot %s", s.RobotID)
		assert.Empty(t, s.CurrentTask)
	}
	assert.ElementsMatch(t, ids, h.disp.cancelled)

	for _, id := range ids {
		got := h.status(t, id)
		assert.Equal(t, model.TaskCancelled, got.Status)
		assert.Equal(t, "emergency stop", got.Reason)
	}
	for _, id := range robots {
		s, _ := h.reg.Get(id)
		assert.True(t, s.HaltedIdle(), "robot %s", id)
		assert.Empty(t, s.CurrentTask)
	}

	// Work submitted during the stop waits.
	queued := h.submit(t, "c4", model.PriorityNormal, nil)
	assert.Zero(t, h.m.AssignOnce(h.ctx))

	h.m.ResumeRobots(robots)
	assert.Equal(t, 1, h.m.AssignOnce(h.ctx))
	assert.Equal(t, model.TaskAssigned, h.status(t, queued.TaskID).Status)
}

func TestPinnedTaskWaitsForHaltedRobot(t *testing.T) {
	h := newHarness(t, nil)
	h.addRobot(t, "r1")
	h.addRobot(t, "r2")
	h.gate.halted.Insert("r1")

	task, decision, err := h.m.Submit(h.ctx, &model.RobotCommand{
		CommandID:  "pinned",
		RobotID:    "r1",
		ActionType: model.ActionInspect,
		Parameters: map[string]any{"target": []float64{5, 5}},
	})
	require.NoError(t, err)
	require.True(t, decision.Accepted)

	assert.Zero(t, h.m.AssignOnce(h.ctx))
	assert.Equal(t, model.TaskPending, h.status(t, task.TaskID).Status)

	h.gate.halted.Delete("r1")
	h.m.ResumeRobots([]string{"r1"})
	assert.Equal(t, 1, h.m.AssignOnce(h.ctx))
	assert.Equal(t, "r1", h.status(t, task.TaskID).AssignedRobot)
}

func TestCapabilityMismatchStalls(t *testing.T) {
	h := newHarness(t, func(o *options.OrchestratorOptions) { o.StallThreshold = time.Second })
	require.NoError(t, h.reg.Register("nav", model.CapabilityNavigation))
	_, err := h.reg.UpdateState(model.RobotState{RobotID: "nav", Status: model.RobotIdle, BatteryLevel: 90, LastUpdate: t0})
	require.NoError(t, err)

	task, _, err := h.m.Submit(h.ctx, &model.RobotCommand{
		CommandID:  "lift",
		ActionType: model.ActionManipulate,
		Parameters: map[string]any{ParamRequiredCapabilities: []any{"manipulation", "lifting"}},
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.Zero(t, h.m.AssignOnce(h.ctx))
		h.clk.Step(time.Minute)
	}
	got := h.status(t, task.TaskID)
	assert.Equal(t, model.TaskPending, got.Status)
	assert.True(t, h.m.stallWarned.Has(task.TaskID))
}

func TestCheckOverdueAndGarbageCollection(t *testing.T) {
	h := newHarness(t, nil)
	h.addRobot(t, "r1")
	task := h.submit(t, "c1", model.PriorityNormal, map[string]any{ParamEstimatedDuration: "30s"})
	h.m.AssignOnce(h.ctx)
	require.NoError(t, h.m.MarkExecuting(h.ctx, task.TaskID, "r1"))

	h.clk.Step(20 * time.Second)
	assert.Empty(t, h.m.CheckOverdue())
	h.clk.Step(20 * time.Second)
	assert.Equal(t, []string{task.TaskID}, h.m.CheckOverdue())
	assert.Empty(t, h.m.CheckOverdue(), "reported once")

	require.NoError(t, h.m.Complete(h.ctx, task.TaskID))
	assert.Zero(t, h.m.CollectGarbage())

	h.clk.Step(2 * time.Hour)
	assert.Equal(t, 1, h.m.CollectGarbage())
	_, err := h.m.Task(task.TaskID)
	assert.True(t, errors.Is(err, core.ErrTaskNotFound))
}

func TestRunAssignsSubmittedTasks(t *testing.T) {
	h := newHarness(t, nil)
	h.addRobot(t, "r1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()

	task := h.submit(t, "c1", model.PriorityNormal, nil)
	require.Eventually(t, func() bool {
		return h.status(t, task.TaskID).Status == model.TaskAssigned
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
