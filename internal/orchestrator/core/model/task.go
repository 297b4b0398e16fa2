package model

import (
	"encoding/json"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// TaskStatus is the lifecycle phase of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskExecuting TaskStatus = "executing"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Holding reports whether a task in this status occupies its robot.
func (s TaskStatus) Holding() bool {
	return s == TaskAssigned || s == TaskExecuting
}

// Task is a unit of work derived from an accepted command.
type Task struct {
	TaskID            string           `json:"task_id"`
	CommandID         string           `json:"command_id"`
	Description       string           `json:"description"`
	Command           *RobotCommand    `json:"command"`
	AssignedRobot     string           `json:"assigned_robot,omitempty"`
	Status            TaskStatus       `json:"status"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	EstimatedDuration time.Duration    `json:"estimated_duration"`
	Priority          int              `json:"priority"`
	Dependencies      sets.Set[string] `json:"dependencies,omitempty"`
	RetryCount        int              `json:"retry_count"`
	Reason            string           `json:"reason,omitempty"`
	ExcludedRobots    sets.Set[string] `json:"excluded_robots,omitempty"`
	Capabilities      sets.Set[string] `json:"required_capabilities,omitempty"`
}

// Clone returns a deep copy safe to hand outside the task manager.
func (t *Task) Clone() *Task {
	out := *t
	if t.Command != nil {
		out.Command = t.Command.Copy()
	}
	if t.StartedAt != nil {
		at := *t.StartedAt
		out.StartedAt = &at
	}
	out.Dependencies = t.Dependencies.Clone()
	out.ExcludedRobots = t.ExcludedRobots.Clone()
	out.Capabilities = t.Capabilities.Clone()
	return &out
}

// TargetRobot returns the robot the task is pinned to, or "" when any robot may run it.
func (t *Task) TargetRobot() string {
	if t.Command != nil && t.Command.Targeted() {
		return t.Command.RobotID
	}
	return ""
}

// MarshalJSON renders the set fields as sorted lists.
func (t Task) MarshalJSON() ([]byte, error) {
	type plain Task
	return json.Marshal(struct {
		plain
		Dependencies   []string `json:"dependencies,omitempty"`
		ExcludedRobots []string `json:"excluded_robots,omitempty"`
		Capabilities   []string `json:"required_capabilities,omitempty"`
	}{
		plain:          plain(t),
		Dependencies:   sets.List(t.Dependencies),
		ExcludedRobots: sets.List(t.ExcludedRobots),
		Capabilities:   sets.List(t.Capabilities),
	})
}
