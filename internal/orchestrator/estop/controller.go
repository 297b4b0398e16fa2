package estop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/robopeer/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/robopeer/internal/pkg/util/fsm"
	"github.com/autopeer-io/robopeer/pkg/log"
)

// ErrNotActive is returned by Clear when no stop covers the scope.
var ErrNotActive = errors.New("no emergency stop active")

const (
	eventTrigger   = "trigger"
	eventHalted    = "halted"
	eventClear     = "clear"
	eventRecovered = "recovered"
	eventRemain    = "remain"
)

const defaultHistorySize = 256

// Controller issues and clears emergency stops.
//
// Trigger and Clear are serialized by mu. The halt flags live behind flagMu,
// which is never held while calling out, so Halted is safe to call from
// under the task manager's lock.
type Controller struct {
	mu      sync.Mutex
	machine *fsm.FSM

	flagMu sync.RWMutex
	fleet  bool
	robots sets.Set[string]

	history []*Event
	active  map[string]*Event
	unsent  map[string]Event
	max     int

	broadcaster Broadcaster
	halter      TaskHalter
	roster      Roster
	listeners   []Listener

	haltTimeout time.Duration
	clock       clock.PassiveClock
	log         log.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used for timestamps and latency.
func WithClock(clk clock.PassiveClock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithHistorySize bounds the number of events kept.
func WithHistorySize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.max = n
		}
	}
}

// WithListener registers a callback run after every trigger and clear.
func WithListener(l Listener) Option {
	return func(c *Controller) { c.listeners = append(c.listeners, l) }
}

// New creates a Controller. haltTimeout bounds each halt broadcast.
func New(b Broadcaster, halter TaskHalter, roster Roster, haltTimeout time.Duration, opts ...Option) (*Controller, error) {
	if b == nil || halter == nil || roster == nil {
		return nil, errors.New("emergency stop requires a broadcaster, a task halter and a roster")
	}
	if haltTimeout <= 0 {
		return nil, fmt.Errorf("halt timeout must be positive, got %s", haltTimeout)
	}

	c := &Controller{
		robots:      sets.New[string](),
		active:      make(map[string]*Event),
		unsent:      make(map[string]Event),
		max:         defaultHistorySize,
		broadcaster: b,
		halter:      halter,
		roster:      roster,
		haltTimeout: haltTimeout,
		clock:       clock.RealClock{},
		log:         log.Std(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithName("estop")

	c.machine = fsm.NewFSM(
		string(StateNormal),
		fsm.Events{
			{Name: eventTrigger, Src: []string{string(StateNormal), string(StateStopped)}, Dst: string(StateStopping)},
			{Name: eventHalted, Src: []string{string(StateStopping)}, Dst: string(StateStopped)},
			{Name: eventClear, Src: []string{string(StateStopped)}, Dst: string(StateRecovering)},
			{Name: eventRecovered, Src: []string{string(StateRecovering)}, Dst: string(StateNormal)},
			{Name: eventRemain, Src: []string{string(StateRecovering)}, Dst: string(StateStopped)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Debug("Emergency stop state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return c, nil
}

// Trigger stops the robots in scope. The halt broadcast goes out first, then the
// halt flag is set, then in-flight tasks are cancelled and the robots parked.
// A failed broadcast does not prevent the local stop; the event is returned
// together with the broadcast error.
func (c *Controller) Trigger(ctx context.Context, scope Scope, trigger Trigger, description string) (Event, error) {
	if !trigger.Valid() {
		return Event{}, fmt.Errorf("unknown emergency stop trigger %q", trigger)
	}
	if scope.IsFleet() {
		scope = FleetScope()
	}
	// The stop outlives the caller: a cancelled request must not abort the broadcast.
	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.clock.Now()
	ev := &Event{
		ID:          uuid.NewString(),
		Scope:       scope,
		Trigger:     trigger,
		Description: description,
		Severity:    "critical",
		TriggeredAt: start,
		Recovery:    trigger.Recovery(),
	}
	c.fire(ctx, eventTrigger)
	c.log.Warn("EMERGENCY STOP triggered", "eventID", ev.ID, "scope", scope.String(), "trigger", trigger, "description", description)

	berr := c.broadcast(ctx, *ev, true)
	if berr != nil {
		ev.BroadcastError = berr.Error()
		c.log.Error(berr, "Halt broadcast failed, stopping locally", "eventID", ev.ID)
	}

	c.flagMu.Lock()
	if scope.IsFleet() {
		c.fleet = true
	} else {
		c.robots.Insert(scope.RobotID)
	}
	c.flagMu.Unlock()
	if !scope.IsFleet() {
		// A fresh halt notice replaces the one we failed to withdraw.
		delete(c.unsent, scope.RobotID)
	}

	if scope.IsFleet() {
		ev.Robots = c.roster.IDs()
		metrics.EmergencyStopActive.Set(1)
	} else {
		ev.Robots = []string{scope.RobotID}
	}
	reason := fmt.Sprintf("emergency stop (%s): %s", trigger, description)
	ev.CancelledTasks = c.halter.HaltRobots(ctx, ev.Robots, reason)

	latency := c.clock.Since(start)
	ev.Latency = latency.String()
	metrics.EmergencyStopLatency.Observe(latency.Seconds())

	c.record(ev)
	c.fire(ctx, eventHalted)
	c.log.Warn("EMERGENCY STOP in effect", "eventID", ev.ID, "robots", len(ev.Robots), "cancelledTasks", len(ev.CancelledTasks), "latency", latency)
	c.notify(*ev)

	out := ev.clone()
	if berr != nil {
		return out, fmt.Errorf("halt broadcast: %w", berr)
	}
	return out, nil
}

// Clear lifts the stop on scope and resumes the robots it released. Clearing a
// single robot during a fleet stop only drops that robot's own flag; clearing the
// fleet resumes every robot without an individual stop.
//
// A robot-scope clear always withdraws the retained robot notice, even while a
// fleet stop keeps the robot halted. Robot notices that could not be withdrawn
// are retried on every later clear.
func (c *Controller) Clear(ctx context.Context, scope Scope) (Event, error) {
	if scope.IsFleet() {
		scope = FleetScope()
	}
	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	ev, ok := c.active[scope.String()]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrNotActive, scope)
	}
	c.fire(ctx, eventClear)

	c.flagMu.Lock()
	var resume []string
	if scope.IsFleet() {
		c.fleet = false
		for _, id := range c.roster.IDs() {
			if !c.robots.Has(id) {
				resume = append(resume, id)
			}
		}
	} else {
		c.robots.Delete(scope.RobotID)
		if !c.fleet {
			resume = []string{scope.RobotID}
		}
	}
	remaining := c.fleet || c.robots.Len() > 0
	c.flagMu.Unlock()

	if scope.IsFleet() {
		metrics.EmergencyStopActive.Set(0)
	}
	c.halter.ResumeRobots(resume)

	// Withdraw the retained notice for this scope, then any robot notices left
	// behind by earlier clears.
	notices := []Event{*ev}
	delete(c.unsent, scope.RobotID)
	for _, id := range sets.List(sets.KeySet(c.unsent)) {
		notices = append(notices, c.unsent[id])
	}

	var errs []error
	for _, n := range notices {
		if err := c.broadcast(ctx, n, false); err != nil {
			c.log.Error(err, "Resume broadcast failed", "eventID", n.ID, "scope", n.Scope.String())
			if !n.Scope.IsFleet() {
				c.unsent[n.Scope.RobotID] = n
			}
			errs = append(errs, err)
			continue
		}
		if !n.Scope.IsFleet() {
			delete(c.unsent, n.Scope.RobotID)
		}
	}

	now := c.clock.Now()
	ev.ClearedAt = &now
	delete(c.active, scope.String())

	if remaining {
		c.fire(ctx, eventRemain)
	} else {
		c.fire(ctx, eventRecovered)
	}
	c.log.Info("Emergency stop cleared", "eventID", ev.ID, "scope", scope.String(), "resumed", len(resume), "recovery", ev.Recovery)
	c.notify(*ev)

	out := ev.clone()
	if err := utilerrors.NewAggregate(errs); err != nil {
		return out, fmt.Errorf("resume broadcast: %w", err)
	}
	return out, nil
}

// broadcast sends one notice bounded by the halt timeout.
func (c *Controller) broadcast(ctx context.Context, ev Event, halt bool) error {
	bctx, cancel := context.WithTimeout(ctx, c.haltTimeout)
	defer cancel()
	return c.broadcaster.Broadcast(bctx, ev, halt)
}

// Halted reports whether a stop covers the robot.
func (c *Controller) Halted(robotID string) bool {
	c.flagMu.RLock()
	defer c.flagMu.RUnlock()
	return c.fleet || c.robots.Has(robotID)
}

// Active reports whether a stop covers robotID, or any stop at all when robotID is empty.
func (c *Controller) Active(robotID string) bool {
	if robotID == "" {
		c.flagMu.RLock()
		defer c.flagMu.RUnlock()
		return c.fleet || c.robots.Len() > 0
	}
	return c.Halted(robotID)
}

// FleetActive reports whether a fleet-wide stop is in effect.
func (c *Controller) FleetActive() bool {
	c.flagMu.RLock()
	defer c.flagMu.RUnlock()
	return c.fleet
}

// State returns the controller's phase.
func (c *Controller) State() State {
	return State(c.machine.Current())
}

// Status returns the phase and the active flags.
func (c *Controller) Status() Status {
	c.flagMu.RLock()
	defer c.flagMu.RUnlock()
	return Status{State: c.State(), Fleet: c.fleet, Robots: sets.List(c.robots)}
}

// Events returns up to limit events, newest first. limit <= 0 returns all.
func (c *Controller) Events(limit int) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	for i := len(c.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, c.history[i].clone())
	}
	return out
}

// Event returns the event with the given ID.
func (c *Controller) Event(id string) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ev := range c.history {
		if ev.ID == id {
			return ev.clone(), true
		}
	}
	return Event{}, false
}

func (c *Controller) record(ev *Event) {
	key := ev.Scope.String()
	if prev, ok := c.active[key]; ok {
		// A repeated stop on the same scope supersedes the earlier one.
		at := ev.TriggeredAt
		prev.ClearedAt = &at
	}
	c.active[key] = ev
	c.history = append(c.history, ev)
	if len(c.history) > c.max {
		c.history = c.history[len(c.history)-c.max:]
	}
}

func (c *Controller) fire(ctx context.Context, event string) {
	if err := c.machine.Event(ctx, event); fsmutil.IsRealError(err) {
		c.log.Error(err, "Emergency stop state transition failed", "event", event, "state", c.machine.Current())
	}
}

func (c *Controller) notify(ev Event) {
	if len(c.listeners) == 0 {
		return
	}
	st := c.Status()
	for _, l := range c.listeners {
		l(ev.clone(), st)
	}
}
