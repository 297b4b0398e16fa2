package model

import (
	"math"
	"time"
)

// RobotStatus is the operational status reported by (or forced onto) a robot.
type RobotStatus string

const (
	RobotIdle      RobotStatus = "idle"
	RobotMoving    RobotStatus = "moving"
	RobotExecuting RobotStatus = "executing"
	RobotError     RobotStatus = "error"
	RobotOffline   RobotStatus = "offline"
)

// Capability is something a robot can do.
type Capability string

const (
	CapabilityNavigation   Capability = "navigation"
	CapabilityManipulation Capability = "manipulation"
	CapabilityInspection   Capability = "inspection"
	CapabilityLifting      Capability = "lifting"
	CapabilitySensing      Capability = "sensing"
)

// Position is a point in the fleet's world frame, in meters.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DistanceXY is the planar distance between two positions.
func (p Position) DistanceXY(o Position) float64 {
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}

// Quaternion is an orientation.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// RobotState is the latest known state of a robot.
// The registry replaces it wholesale; fields are never patched in place.
type RobotState struct {
	RobotID      string      `json:"robot_id"`
	Position     Position    `json:"position"`
	Orientation  Quaternion  `json:"orientation"`
	Status       RobotStatus `json:"status"`
	BatteryLevel float64     `json:"battery_level"`
	CurrentTask  string      `json:"current_task,omitempty"`
	LastUpdate   time.Time   `json:"last_update"`

	// Halted marks a robot stopped by an emergency stop. A halted robot
	// reporting idle is in the halted-idle state and is never assigned work.
	Halted bool `json:"halted,omitempty"`
}

// HaltedIdle reports whether the robot is parked by an emergency stop.
func (s RobotState) HaltedIdle() bool {
	return s.Halted && s.Status == RobotIdle
}
