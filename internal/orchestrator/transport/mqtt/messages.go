package mqtt

import (
	"time"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
)

// DispatchMessage is published on {root}/command/{robotID} for every dispatched task.
type DispatchMessage struct {
	TaskID       string           `json:"task_id"`
	DispatchID   string           `json:"dispatch_id"`
	CommandID    string           `json:"command_id"`
	RobotID      string           `json:"robot_id"`
	ActionType   model.ActionType `json:"action_type"`
	Parameters   map[string]any   `json:"parameters,omitempty"`
	Priority     int              `json:"priority"`
	DispatchedAt time.Time        `json:"dispatched_at"`
}

// HaltMessage is published (retained) on {root}/estop/{robotID|all}.
// Halt is false for the resume broadcast that clears a stop.
type HaltMessage struct {
	EventID  string    `json:"event_id"`
	Scope    string    `json:"scope"`
	Halt     bool      `json:"halt"`
	Trigger  string    `json:"trigger"`
	Reason   string    `json:"reason,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

// TaskAck is received on {root}/task/ack/{robotID}. DispatchID echoes the
// dispatch_id of the command being acknowledged.
type TaskAck struct {
	TaskID     string `json:"task_id"`
	DispatchID string `json:"dispatch_id,omitempty"`
	RobotID    string `json:"robot_id,omitempty"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

// Registration is received on {root}/register/{robotID}.
type Registration struct {
	RobotID      string             `json:"robot_id,omitempty"`
	Capabilities []model.Capability `json:"capabilities"`
}
