package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core"
	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/orchestrator/registry"
	"github.com/autopeer-io/robopeer/internal/orchestrator/safety"
	"github.com/autopeer-io/robopeer/internal/pkg/metrics"
	"github.com/autopeer-io/robopeer/pkg/log"
	"github.com/autopeer-io/robopeer/pkg/options"
)

// Registry is the part of the robot registry the manager works against.
type Registry interface {
	Get(robotID string) (model.RobotState, error)
	ListAvailable(filter registry.Filter) []registry.Robot
	States() map[string]model.RobotState
	AssignTask(robotID, taskID string) error
	StartTask(robotID, taskID string) error
	ReleaseTask(robotID, taskID string)
	Halt(robotIDs ...string) []model.RobotState
	Resume(robotIDs ...string) []model.RobotState
	Subscribe(buffer int) (<-chan registry.Event, func())
}

// Dispatcher hands assigned tasks to the executor. Dispatch is called with the
// manager lock held and must not block or call back into the manager.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *model.Task, robot model.RobotState) error
	Cancel(taskID string)
}

// Gate reports whether an emergency stop covers a robot.
type Gate interface {
	Halted(robotID string) bool
}

type noGate struct{}

func (noGate) Halted(string) bool { return false }

// Manager owns the task table and is the only component that changes task status.
type Manager struct {
	mu sync.Mutex

	tasks     map[string]*model.Task
	byCommand map[string]string
	queue     *Queue

	registry   Registry
	checker    *safety.Checker
	dispatcher Dispatcher
	gate       Gate
	strategy   Strategy
	history    *safety.History

	limiter      workqueue.TypedRateLimiter[string]
	notBefore    map[string]time.Time
	stalledSince map[string]time.Time
	stallWarned  sets.Set[string]
	overdue      sets.Set[string]
	assignments  map[string]int

	opts  *options.OrchestratorOptions
	clock clock.WithTicker
	log   log.Logger
	wake  chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for timestamps and loops.
func WithClock(c clock.WithTicker) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithHistory sets where rejections are recorded.
func WithHistory(h *safety.History) Option {
	return func(m *Manager) { m.history = h }
}

// New creates a Manager. opts may be nil for defaults.
func New(reg Registry, checker *safety.Checker, opts *options.OrchestratorOptions, o ...Option) (*Manager, error) {
	if reg == nil || checker == nil {
		return nil, errors.New("task manager requires a registry and a safety checker")
	}
	if opts == nil {
		opts = options.NewOrchestratorOptions()
	}
	strategy, err := NewStrategy(opts.Strategy)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		tasks:        make(map[string]*model.Task),
		byCommand:    make(map[string]string),
		queue:        NewQueue(),
		registry:     reg,
		checker:      checker,
		gate:         noGate{},
		strategy:     strategy,
		history:      safety.NewHistory(1000),
		limiter:      workqueue.NewTypedItemExponentialFailureRateLimiter[string](opts.BackoffBase, opts.BackoffMax),
		notBefore:    make(map[string]time.Time),
		stalledSince: make(map[string]time.Time),
		stallWarned:  sets.New[string](),
		overdue:      sets.New[string](),
		assignments:  make(map[string]int),
		opts:         opts,
		clock:        clock.RealClock{},
		log:          log.Std(),
		wake:         make(chan struct{}, 1),
	}
	for _, fn := range o {
		fn(m)
	}
	m.log = m.log.WithName("task-manager")
	return m, nil
}

// SetDispatcher wires the executor. It must be called before Run.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher = d
}

// SetGate wires the emergency stop controller. It must be called before Run.
func (m *Manager) SetGate(g Gate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = g
}

// Strategy returns the name of the assignment strategy.
func (m *Manager) Strategy() string { return m.strategy.Name() }

// Submit runs the safety gate and, on acceptance, creates a pending task.
// A rejection is not an error: the returned task is nil and the decision carries
// the reasons. Errors are returned only for malformed commands.
func (m *Manager) Submit(ctx context.Context, cmd *model.RobotCommand) (*model.Task, safety.Decision, error) {
	if cmd == nil {
		return nil, safety.Decision{}, fmt.Errorf("%w: nil command", core.ErrInvalidCommand)
	}
	if !cmd.ActionType.Valid() {
		return nil, safety.Decision{}, fmt.Errorf("%w: unknown action type %q", core.ErrInvalidCommand, cmd.ActionType)
	}

	now := m.clock.Now()
	cmd = cmd.Copy()
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	if cmd.RobotID == "" {
		cmd.RobotID = model.FleetWide
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	deps := dependencies(cmd)

	if err := m.checkIntake(cmd.CommandID, deps); err != nil {
		return nil, safety.Decision{}, err
	}

	fleet := safety.FleetContext{Robots: m.registry.States(), Now: now}
	decision := m.checker.Validate(cmd, fleet)
	logger := log.FromContext(ctx).WithValues("commandID", cmd.CommandID, "robotID", cmd.RobotID, "action", cmd.ActionType)

	if !decision.Accepted {
		metrics.SafetyDecisionsTotal.WithLabelValues("rejected").Inc()
		for _, r := range decision.Reasons {
			metrics.SafetyViolationsTotal.WithLabelValues(r.RuleID, r.Severity).Inc()
		}
		m.history.Record(safety.Rejection{
			CommandID: cmd.CommandID,
			RobotID:   cmd.RobotID,
			Action:    string(cmd.ActionType),
			Reasons:   decision.Reasons,
			At:        now,
		})
		logger.Info("Command rejected by safety policy", "reasons", decision.Reasons)
		return nil, decision, nil
	}
	metrics.SafetyDecisionsTotal.WithLabelValues("accepted").Inc()

	t := &model.Task{
		TaskID:         uuid.NewString(),
		CommandID:      cmd.CommandID,
		Description:    description(cmd),
		Command:        decision.Command,
		Status:         model.TaskPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		Priority:       cmd.Priority,
		Dependencies:   deps,
		ExcludedRobots: sets.New[string](),
		Capabilities:   requiredCapabilities(cmd),
	}
	if d, ok := seconds(cmd.Parameters[ParamEstimatedDuration]); ok {
		t.EstimatedDuration = d
	}

	m.mu.Lock()
	// Re-check under the lock: a concurrent submit may have raced the checks above.
	if _, dup := m.byCommand[cmd.CommandID]; dup {
		m.mu.Unlock()
		return nil, decision, fmt.Errorf("%w: %s", core.ErrDuplicateCommandID, cmd.CommandID)
	}
	m.tasks[t.TaskID] = t
	m.byCommand[cmd.CommandID] = t.TaskID
	m.queue.Push(t)
	metrics.TaskTransitionsTotal.WithLabelValues("create").Inc()
	m.refreshGaugesLocked()
	out := t.Clone()
	m.mu.Unlock()

	logger.Info("Task created", "taskID", t.TaskID, "priority", t.Priority)
	m.signal()
	return out, decision, nil
}

func (m *Manager) checkIntake(commandID string, deps sets.Set[string]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byCommand[commandID]; dup {
		return fmt.Errorf("%w: %s", core.ErrDuplicateCommandID, commandID)
	}
	for _, dep := range sets.List(deps) {
		if _, ok := m.tasks[dep]; !ok {
			return fmt.Errorf("%w: dependency %s", core.ErrTaskNotFound, dep)
		}
	}
	return nil
}

// Task returns a copy of a task.
func (m *Manager) Task(taskID string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}
	return t.Clone(), nil
}

// Tasks returns copies of the tasks in the given statuses (all when none given),
// oldest first.
func (m *Manager) Tasks(statuses ...model.TaskStatus) []*model.Task {
	want := sets.New(statuses...)

	m.mu.Lock()
	out := make([]*model.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if want.Len() == 0 || want.Has(t.Status) {
			out = append(out, t.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Rejections returns the most recent rejection records, newest first.
func (m *Manager) Rejections(limit int) []safety.Rejection {
	return m.history.List(limit)
}

// Stats summarises the task table.
type Stats struct {
	Total      int                      `json:"total"`
	ByStatus   map[model.TaskStatus]int `json:"by_status"`
	Queued     int                      `json:"queued"`
	Strategy   string                   `json:"strategy"`
	Rejections int                      `json:"rejections"`
}

// Stats returns task counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Total:      len(m.tasks),
		ByStatus:   m.countLocked(),
		Queued:     m.queue.Len(),
		Strategy:   m.strategy.Name(),
		Rejections: m.history.Total(),
	}
	return st
}

func (m *Manager) countLocked() map[model.TaskStatus]int {
	counts := make(map[model.TaskStatus]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts
}

func (m *Manager) refreshGaugesLocked() {
	counts := m.countLocked()
	for _, s := range []model.TaskStatus{
		model.TaskPending, model.TaskAssigned, model.TaskExecuting,
		model.TaskCompleted, model.TaskFailed, model.TaskCancelled,
	} {
		metrics.TasksByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// signal wakes the assignment loop without blocking.
func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
