package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core"
	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/pkg/metrics"
	"github.com/autopeer-io/robopeer/pkg/log"
)

// Robot is a registry entry as seen by readers: the latest state plus the declared capabilities.
// LastSeen is when the registry last heard from the robot, on the registry's clock.
type Robot struct {
	State        model.RobotState `json:"state"`
	Capabilities sets.Set[string] `json:"-"`
	RegisteredAt time.Time        `json:"registered_at"`
	LastSeen     time.Time        `json:"last_seen"`
}

// record keeps two clock domains apart: receivedAt is the registry clock and
// drives liveness, reportedAt is the robot's own clock and orders its reports.
type record struct {
	state        model.RobotState
	capabilities sets.Set[string]
	registeredAt time.Time
	receivedAt   time.Time
	reportedAt   time.Time
}

func (r *record) view() Robot {
	return Robot{
		State:        r.state,
		Capabilities: r.capabilities.Clone(),
		RegisteredAt: r.registeredAt,
		LastSeen:     r.receivedAt,
	}
}

// Registry is the authoritative store of known robots and their latest reported state.
// It is the only component that mutates RobotState.
type Registry struct {
	mu     sync.RWMutex
	robots map[string]*record

	clock            clock.Clock
	heartbeatTimeout time.Duration
	checkInterval    time.Duration
	log              log.Logger

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for heartbeats.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithHeartbeat sets the heartbeat timeout and the watchdog interval.
func WithHeartbeat(timeout, interval time.Duration) Option {
	return func(r *Registry) {
		r.heartbeatTimeout = timeout
		r.checkInterval = interval
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		robots:           make(map[string]*record),
		clock:            clock.RealClock{},
		heartbeatTimeout: 10 * time.Second,
		checkInterval:    2 * time.Second,
		log:              log.Std(),
		subs:             make(map[int]chan Event),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.WithName("registry")
	return r
}

// Register adds a robot or replaces the capabilities of a known one. State is kept.
func (r *Registry) Register(robotID string, capabilities ...model.Capability) error {
	if robotID == "" || robotID == model.FleetWide {
		return fmt.Errorf("invalid robot id %q", robotID)
	}

	caps := sets.New[string]()
	for _, c := range capabilities {
		caps.Insert(string(c))
	}

	r.mu.Lock()
	rec, ok := r.robots[robotID]
	if ok {
		rec.capabilities = caps
	} else {
		now := r.clock.Now()
		rec = &record{
			state:        model.RobotState{RobotID: robotID, Status: model.RobotIdle},
			capabilities: caps,
			registeredAt: now,
			receivedAt:   now,
		}
		r.robots[robotID] = rec
	}
	state := rec.state
	r.mu.Unlock()

	r.log.Info("Robot registered", "robotID", robotID, "capabilities", sets.List(caps), "known", ok)
	r.publish(Event{Type: EventRegistered, RobotID: robotID, State: state})
	r.refreshGauges()
	return nil
}

// UpdateState applies a state report. Reports are upserts with last-write-wins by
// LastUpdate, compared only against the robot's own earlier reports: an older
// report is discarded and false is returned. Reports without a timestamp are
// stamped on receipt and never discarded. Unknown robots are registered without
// capabilities.
//
// The registry owns CurrentTask and Halted; reports never change them. A report
// with status offline releases the held task.
func (r *Registry) UpdateState(s model.RobotState) (bool, error) {
	if s.RobotID == "" || s.RobotID == model.FleetWide {
		return false, fmt.Errorf("invalid robot id %q", s.RobotID)
	}
	now := r.clock.Now()
	reported := s.LastUpdate
	if reported.IsZero() {
		s.LastUpdate = now
	}
	s.BatteryLevel = clampBattery(s.BatteryLevel)

	r.mu.Lock()
	rec, ok := r.robots[s.RobotID]
	if !ok {
		rec = &record{capabilities: sets.New[string](), registeredAt: now}
		r.robots[s.RobotID] = rec
	} else if !reported.IsZero() && reported.Before(rec.reportedAt) {
		r.mu.Unlock()
		r.log.Debug("Discarding stale state report", "robotID", s.RobotID, "reported", reported, "stored", rec.reportedAt)
		return false, nil
	}
	rec.receivedAt = now
	if !reported.IsZero() {
		rec.reportedAt = reported
	}

	prev := rec.state
	s.CurrentTask = prev.CurrentTask
	s.Halted = prev.Halted
	if s.Halted && (s.Status == model.RobotMoving || s.Status == model.RobotExecuting) {
		s.Status = model.RobotIdle
	}

	ev := Event{Type: EventUpdated, RobotID: s.RobotID}
	if !ok {
		ev.Type = EventRegistered
	}
	if s.Status == model.RobotOffline && s.CurrentTask != "" {
		ev.Type = EventOffline
		ev.ReleasedTask = s.CurrentTask
		s.CurrentTask = ""
	}
	rec.state = s
	ev.State = s
	r.mu.Unlock()

	if ev.Type == EventOffline {
		r.log.Warn("Robot reported offline while holding a task", "robotID", s.RobotID, "taskID", ev.ReleasedTask)
	}
	r.publish(ev)
	if !ok || prev.Status != s.Status {
		r.refreshGauges()
	}
	return true, nil
}

// Get returns the current state of a robot.
func (r *Registry) Get(robotID string) (model.RobotState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.robots[robotID]
	if !ok {
		return model.RobotState{}, fmt.Errorf("%w: %s", core.ErrRobotNotFound, robotID)
	}
	return rec.state, nil
}

// Robot returns the full registry entry of a robot.
func (r *Registry) Robot(robotID string) (Robot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.robots[robotID]
	if !ok {
		return Robot{}, fmt.Errorf("%w: %s", core.ErrRobotNotFound, robotID)
	}
	return rec.view(), nil
}

// Filter selects robots in ListAvailable. Zero values select everything.
type Filter struct {
	// Statuses, when non-empty, restricts results to these statuses.
	Statuses []model.RobotStatus

	// Capabilities lists capabilities every returned robot must declare.
	Capabilities []model.Capability

	// ExcludeHalted drops robots parked by an emergency stop.
	ExcludeHalted bool

	// Unassigned drops robots currently holding a task.
	Unassigned bool
}

// AvailableFilter selects robots that can take a new task right now.
func AvailableFilter(capabilities ...model.Capability) Filter {
	return Filter{
		Statuses:      []model.RobotStatus{model.RobotIdle},
		Capabilities:  capabilities,
		ExcludeHalted: true,
		Unassigned:    true,
	}
}

func (f Filter) match(rec *record) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if rec.state.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, c := range f.Capabilities {
		if !rec.capabilities.Has(string(c)) {
			return false
		}
	}
	if f.ExcludeHalted && rec.state.Halted {
		return false
	}
	if f.Unassigned && rec.state.CurrentTask != "" {
		return false
	}
	return true
}

// ListAvailable returns the robots matching filter, sorted by robot ID.
func (r *Registry) ListAvailable(filter Filter) []Robot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Robot, 0, len(r.robots))
	for _, rec := range r.robots {
		if filter.match(rec) {
			out = append(out, rec.view())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].State.RobotID < out[j].State.RobotID })
	return out
}

// Snapshot returns every robot, sorted by robot ID.
func (r *Registry) Snapshot() []Robot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Robot, 0, len(r.robots))
	for _, rec := range r.robots {
		out = append(out, rec.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].State.RobotID < out[j].State.RobotID })
	return out
}

// States returns the current state of every robot keyed by robot ID.
func (r *Registry) States() map[string]model.RobotState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]model.RobotState, len(r.robots))
	for id, rec := range r.robots {
		out[id] = rec.state
	}
	return out
}

// IDs returns the IDs of every registered robot, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.robots))
	for id := range r.robots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarkOffline forces a robot offline regardless of its heartbeat and releases
// its task. It returns the ID of the released task, if any.
func (r *Registry) MarkOffline(robotID, reason string) (string, error) {
	released, _, err := r.markOffline(robotID, reason, time.Time{})
	return released, err
}

// markOffline marks the robot offline. With a non-zero deadline the robot is only
// marked if nothing was received from it since deadline, so a report racing
// with the watchdog wins.
func (r *Registry) markOffline(robotID, reason string, deadline time.Time) (string, bool, error) {
	r.mu.Lock()
	rec, ok := r.robots[robotID]
	if !ok {
		r.mu.Unlock()
		return "", false, fmt.Errorf("%w: %s", core.ErrRobotNotFound, robotID)
	}
	if !deadline.IsZero() && !rec.receivedAt.Before(deadline) {
		r.mu.Unlock()
		return "", false, nil
	}
	if rec.state.Status == model.RobotOffline && rec.state.CurrentTask == "" {
		r.mu.Unlock()
		return "", false, nil
	}

	s := rec.state
	released := s.CurrentTask
	s.Status = model.RobotOffline
	s.CurrentTask = ""
	rec.state = s
	r.mu.Unlock()

	r.log.Warn("Robot marked offline", "robotID", robotID, "reason", reason, "releasedTask", released)
	r.publish(Event{Type: EventOffline, RobotID: robotID, State: s, ReleasedTask: released, Reason: reason})
	r.refreshGauges()
	return released, true, nil
}

// Summary counts robots per status.
type Summary struct {
	Total    int                       `json:"total"`
	Halted   int                       `json:"halted"`
	Busy     int                       `json:"busy"`
	ByStatus map[model.RobotStatus]int `json:"by_status"`
}

// Summary returns fleet-wide status counts.
func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sum := Summary{ByStatus: make(map[model.RobotStatus]int)}
	for _, rec := range r.robots {
		sum.Total++
		sum.ByStatus[rec.state.Status]++
		if rec.state.Halted {
			sum.Halted++
		}
		if rec.state.CurrentTask != "" {
			sum.Busy++
		}
	}
	return sum
}

func (r *Registry) refreshGauges() {
	sum := r.Summary()
	for _, s := range []model.RobotStatus{model.RobotIdle, model.RobotMoving, model.RobotExecuting, model.RobotError, model.RobotOffline} {
		metrics.RobotsByStatus.WithLabelValues(string(s)).Set(float64(sum.ByStatus[s]))
	}
}

func clampBattery(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
