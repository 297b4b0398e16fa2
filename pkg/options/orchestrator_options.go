package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*OrchestratorOptions)(nil)

// Assignment strategies understood by the task manager.
const (
	StrategyRoundRobin      = "round_robin"
	StrategyLoadBalanced    = "load_balanced"
	StrategyCapabilityBased = "capability_based"
	StrategyNearestRobot    = "nearest_robot"
)

// OrchestratorOptions tune the registry, task manager, executor and emergency stop loops.
type OrchestratorOptions struct {
	// Registry
	HeartbeatTimeout    time.Duration `json:"heartbeat-timeout" mapstructure:"heartbeat-timeout"`
	HealthCheckInterval time.Duration `json:"health-check-interval" mapstructure:"health-check-interval"`

	// Task manager
	AssignmentInterval time.Duration `json:"assignment-interval" mapstructure:"assignment-interval"`
	BackoffBase        time.Duration `json:"backoff-base" mapstructure:"backoff-base"`
	BackoffMax         time.Duration `json:"backoff-max" mapstructure:"backoff-max"`
	StallThreshold     time.Duration `json:"stall-threshold" mapstructure:"stall-threshold"`
	MaxRetries         int           `json:"max-retries" mapstructure:"max-retries"`
	Strategy           string        `json:"strategy" mapstructure:"strategy"`
	TaskTimeout        time.Duration `json:"task-timeout" mapstructure:"task-timeout"`
	MonitorInterval    time.Duration `json:"monitor-interval" mapstructure:"monitor-interval"`
	TaskRetention      time.Duration `json:"task-retention" mapstructure:"task-retention"`
	GCInterval         time.Duration `json:"gc-interval" mapstructure:"gc-interval"`

	// Executor
	Workers         int           `json:"workers" mapstructure:"workers"`
	DispatchTimeout time.Duration `json:"dispatch-timeout" mapstructure:"dispatch-timeout"`

	// Emergency stop
	HaltTimeout time.Duration `json:"halt-timeout" mapstructure:"halt-timeout"`
}

// NewOrchestratorOptions creates an OrchestratorOptions object with default parameters.
func NewOrchestratorOptions() *OrchestratorOptions {
	return &OrchestratorOptions{
		HeartbeatTimeout:    10 * time.Second,
		HealthCheckInterval: 2 * time.Second,
		AssignmentInterval:  500 * time.Millisecond,
		BackoffBase:         200 * time.Millisecond,
		BackoffMax:          10 * time.Second,
		StallThreshold:      30 * time.Second,
		MaxRetries:          3,
		Strategy:            StrategyRoundRobin,
		TaskTimeout:         5 * time.Minute,
		MonitorInterval:     5 * time.Second,
		TaskRetention:       time.Hour,
		GCInterval:          10 * time.Minute,
		Workers:             4,
		DispatchTimeout:     30 * time.Second,
		HaltTimeout:         time.Second,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *OrchestratorOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	positive := map[string]time.Duration{
		"heartbeat-timeout":     o.HeartbeatTimeout,
		"health-check-interval": o.HealthCheckInterval,
		"assignment-interval":   o.AssignmentInterval,
		"backoff-base":          o.BackoffBase,
		"dispatch-timeout":      o.DispatchTimeout,
		"halt-timeout":          o.HaltTimeout,
		"monitor-interval":      o.MonitorInterval,
		"gc-interval":           o.GCInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			errors = append(errors, fmt.Errorf("orchestrator.%s must be positive, got %s", name, d))
		}
	}
	if o.BackoffMax < o.BackoffBase {
		errors = append(errors, fmt.Errorf("orchestrator.backoff-max (%s) must not be below backoff-base (%s)", o.BackoffMax, o.BackoffBase))
	}
	if o.MaxRetries < 0 {
		errors = append(errors, fmt.Errorf("orchestrator.max-retries must not be negative"))
	}
	if o.Workers < 1 {
		errors = append(errors, fmt.Errorf("orchestrator.workers must be at least 1"))
	}
	switch o.Strategy {
	case StrategyRoundRobin, StrategyLoadBalanced, StrategyCapabilityBased, StrategyNearestRobot:
	default:
		errors = append(errors, fmt.Errorf("unknown orchestrator.strategy %q", o.Strategy))
	}

	return errors
}

// AddFlags adds flags for OrchestratorOptions to the specified FlagSet.
func (o *OrchestratorOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.DurationVar(&o.HeartbeatTimeout, join(prefixes, "orchestrator.heartbeat-timeout"), o.HeartbeatTimeout, "A robot without a state report for this long is marked offline.")
	fs.DurationVar(&o.HealthCheckInterval, join(prefixes, "orchestrator.health-check-interval"), o.HealthCheckInterval, "How often the heartbeat watchdog runs.")
	fs.DurationVar(&o.AssignmentInterval, join(prefixes, "orchestrator.assignment-interval"), o.AssignmentInterval, "Period of the assignment loop when no change wakes it earlier.")
	fs.DurationVar(&o.BackoffBase, join(prefixes, "orchestrator.backoff-base"), o.BackoffBase, "Initial delay before retrying a task with no eligible robot.")
	fs.DurationVar(&o.BackoffMax, join(prefixes, "orchestrator.backoff-max"), o.BackoffMax, "Upper bound of the assignment retry delay.")
	fs.DurationVar(&o.StallThreshold, join(prefixes, "orchestrator.stall-threshold"), o.StallThreshold, "A pending task unassigned for this long is reported as stalled.")
	fs.IntVar(&o.MaxRetries, join(prefixes, "orchestrator.max-retries"), o.MaxRetries, "Re-enqueues allowed after failure or robot loss before a task fails permanently.")
	fs.StringVar(&o.Strategy, join(prefixes, "orchestrator.strategy"), o.Strategy, "Assignment strategy: round_robin, load_balanced, capability_based or nearest_robot.")
	fs.DurationVar(&o.TaskTimeout, join(prefixes, "orchestrator.task-timeout"), o.TaskTimeout, "Execution time after which a task without an estimate is reported overdue.")
	fs.DurationVar(&o.MonitorInterval, join(prefixes, "orchestrator.monitor-interval"), o.MonitorInterval, "How often executing tasks are checked for overdue execution.")
	fs.DurationVar(&o.TaskRetention, join(prefixes, "orchestrator.task-retention"), o.TaskRetention, "How long finished tasks are kept for status queries.")
	fs.DurationVar(&o.GCInterval, join(prefixes, "orchestrator.gc-interval"), o.GCInterval, "How often finished tasks are garbage collected.")
	fs.IntVar(&o.Workers, join(prefixes, "orchestrator.workers"), o.Workers, "Number of dispatch workers in the local pool.")
	fs.DurationVar(&o.DispatchTimeout, join(prefixes, "orchestrator.dispatch-timeout"), o.DispatchTimeout, "Per-task dispatch timeout before the unit is treated as lost.")
	fs.DurationVar(&o.HaltTimeout, join(prefixes, "orchestrator.halt-timeout"), o.HaltTimeout, "Upper bound for delivering an emergency halt broadcast.")
}
