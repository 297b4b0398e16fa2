package core

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy of the orchestrator. Callers match with errors.Is.
var (
	// ErrValidationRejected means one or more safety rules rejected a command.
	ErrValidationRejected = errors.New("validation rejected")

	// ErrAssignmentStalled means no eligible robot was found for a pending task.
	ErrAssignmentStalled = errors.New("assignment stalled")

	// ErrRobotTimeout means a robot's heartbeat lapsed and it was forced offline.
	ErrRobotTimeout = errors.New("robot timeout")

	// ErrDispatchFailure means the worker pool lost a unit before completion.
	ErrDispatchFailure = errors.New("dispatch failure")

	// ErrEmergencyStopActive is the refusal returned while a halt covers the target.
	ErrEmergencyStopActive = errors.New("emergency stop active")

	// ErrConfiguration means the safety policy or options are malformed.
	ErrConfiguration = errors.New("configuration error")

	ErrInvalidCommand     = errors.New("invalid command")
	ErrRobotNotFound      = errors.New("robot not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrInvalidTransition  = errors.New("invalid task transition")
	ErrRobotUnavailable   = errors.New("robot unavailable")
	ErrDuplicateCommandID = errors.New("duplicate command id")
)

// Reason is one rule's verdict against a command.
type Reason struct {
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

func (r Reason) String() string {
	return fmt.Sprintf("%s(%s): %s", r.RuleID, r.Severity, r.Message)
}

// RejectionError carries the full ordered list of reasons a command was rejected.
type RejectionError struct {
	CommandID string
	Reasons   []Reason
}

func (e *RejectionError) Error() string {
	parts := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		parts = append(parts, r.String())
	}
	return fmt.Sprintf("command %s rejected: %s", e.CommandID, strings.Join(parts, "; "))
}

func (e *RejectionError) Unwrap() error { return ErrValidationRejected }

// ConfigurationError aggregates every problem found while loading configuration.
type ConfigurationError struct {
	Source string
	Errs   []error
}

func (e *ConfigurationError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("invalid configuration in %s: [%s]", e.Source, strings.Join(msgs, ", "))
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }
