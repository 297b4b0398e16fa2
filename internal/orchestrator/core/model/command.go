package model

import (
	"time"
)

// ActionType is the intent carried by a RobotCommand.
type ActionType string

const (
	ActionNavigate   ActionType = "navigate"
	ActionManipulate ActionType = "manipulate"
	ActionInspect    ActionType = "inspect"
	ActionFormation  ActionType = "formation"
	ActionStop       ActionType = "stop"
)

// Valid reports whether a is one of the known action types.
func (a ActionType) Valid() bool {
	switch a {
	case ActionNavigate, ActionManipulate, ActionInspect, ActionFormation, ActionStop:
		return true
	}
	return false
}

// FleetWide is the RobotID of a command addressed to the whole fleet.
// For task assignment it means "any eligible robot".
const FleetWide = "*"

// Priority levels. Any integer is accepted; higher runs first.
const (
	PriorityLow      = 1
	PriorityNormal   = 5
	PriorityHigh     = 8
	PriorityCritical = 10
)

// RobotCommand is a structured command produced by the command translator.
// It is treated as immutable: the safety checker returns a validated copy.
type RobotCommand struct {
	CommandID       string         `json:"command_id"`
	RobotID         string         `json:"robot_id"`
	ActionType      ActionType     `json:"action_type"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	Priority        int            `json:"priority"`
	CreatedAt       time.Time      `json:"created_at"`
	SafetyValidated bool           `json:"safety_validated"`
}

// Targeted reports whether the command is pinned to a single robot.
func (c *RobotCommand) Targeted() bool {
	return c.RobotID != "" && c.RobotID != FleetWide
}

// Copy returns a copy of the command with its own parameter map.
// Nested parameter values are shared.
func (c *RobotCommand) Copy() *RobotCommand {
	out := *c
	if c.Parameters != nil {
		out.Parameters = make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			out.Parameters[k] = v
		}
	}
	return &out
}
