package estop

import (
	"context"
	"time"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
)

// Trigger is what caused an emergency stop.
type Trigger string

const (
	TriggerManual            Trigger = "manual"
	TriggerSafetyViolation   Trigger = "safety_violation"
	TriggerSystemError       Trigger = "system_error"
	TriggerCommunicationLoss Trigger = "communication_loss"
	TriggerHardwareFault     Trigger = "hardware_fault"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerSafetyViolation, TriggerSystemError, TriggerCommunicationLoss, TriggerHardwareFault:
		return true
	}
	return false
}

// Recovery names the procedure operators follow before clearing a stop.
func (t Trigger) Recovery() string {
	switch t {
	case TriggerHardwareFault:
		return "hardware_fault_recovery"
	case TriggerSafetyViolation, TriggerSystemError:
		return "manual_intervention"
	}
	return "system_restart"
}

// State is the controller's phase.
type State string

const (
	StateNormal     State = "normal"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateRecovering State = "recovering"
)

// Scope selects the robots a stop applies to. The zero value is the whole fleet.
type Scope struct {
	RobotID string `json:"robot_id,omitempty"`
}

// FleetScope covers every robot, including robots that register later.
func FleetScope() Scope { return Scope{} }

// RobotScope covers a single robot.
func RobotScope(robotID string) Scope { return Scope{RobotID: robotID} }

// IsFleet reports whether the scope covers the whole fleet.
func (s Scope) IsFleet() bool {
	return s.RobotID == "" || s.RobotID == model.FleetWide
}

func (s Scope) String() string {
	if s.IsFleet() {
		return "fleet"
	}
	return "robot/" + s.RobotID
}

// Event records one emergency stop from trigger to clear.
type Event struct {
	ID             string     `json:"id"`
	Scope          Scope      `json:"scope"`
	Trigger        Trigger    `json:"trigger"`
	Description    string     `json:"description"`
	Severity       string     `json:"severity"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	ClearedAt      *time.Time `json:"cleared_at,omitempty"`
	Recovery       string     `json:"recovery"`
	Robots         []string   `json:"robots,omitempty"`
	CancelledTasks []string   `json:"cancelled_tasks,omitempty"`
	Latency        string     `json:"latency"`
	BroadcastError string     `json:"broadcast_error,omitempty"`
}

// Active reports whether the stop has not been cleared.
func (e Event) Active() bool { return e.ClearedAt == nil }

func (e Event) clone() Event {
	out := e
	if e.ClearedAt != nil {
		at := *e.ClearedAt
		out.ClearedAt = &at
	}
	out.Robots = append([]string(nil), e.Robots...)
	out.CancelledTasks = append([]string(nil), e.CancelledTasks...)
	return out
}

// Broadcaster delivers halt and resume notices to robots over the transport.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev Event, halt bool) error
}

// TaskHalter cancels in-flight work and parks robots. The task manager implements it.
type TaskHalter interface {
	HaltRobots(ctx context.Context, robotIDs []string, reason string) []string
	ResumeRobots(robotIDs []string)
}

// Roster lists the known robots.
type Roster interface {
	IDs() []string
}

// Listener is notified after every trigger and clear.
type Listener func(ev Event, status Status)

// Status is a point-in-time view of the controller.
type Status struct {
	State  State    `json:"state"`
	Fleet  bool     `json:"fleet"`
	Robots []string `json:"robots,omitempty"`
}
