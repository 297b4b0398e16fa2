package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const namespace = "rpeer"

var (
	// RobotsByStatus is the number of registered robots per status, refreshed on every registry change.
	RobotsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "robots",
			Help:      "Number of registered robots by status.",
		},
		[]string{"status"},
	)

	// RobotTimeoutsTotal counts robots forced offline by the heartbeat watchdog.
	RobotTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "robot_timeouts_total",
			Help:      "Robots marked offline after their heartbeat lapsed.",
		},
	)

	// RegistryEventsDropped counts notifications dropped because a subscriber was slow.
	RegistryEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_events_dropped_total",
			Help:      "Registry notifications dropped for slow subscribers.",
		},
	)

	// SafetyDecisionsTotal counts safety decisions. decision: accepted/rejected
	SafetyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_decisions_total",
			Help:      "Safety validation decisions.",
		},
		[]string{"decision"},
	)

	// SafetyViolationsTotal counts individual rule violations.
	SafetyViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_violations_total",
			Help:      "Safety rule violations by rule and severity.",
		},
		[]string{"rule", "severity"},
	)

	// RulesFileChangesTotal counts on-disk changes of the loaded rules file.
	RulesFileChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_rules_file_changes_total",
			Help:      "Changes observed on the safety rules file since startup (not applied until restart).",
		},
	)

	// TasksByStatus is the number of tracked tasks per lifecycle status.
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Number of tracked tasks by status.",
		},
		[]string{"status"},
	)

	// TaskTransitionsTotal counts task lifecycle events.
	TaskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task lifecycle transitions by event.",
		},
		[]string{"event"},
	)

	// AssignmentStalledTotal counts tasks that stayed pending beyond the stall threshold.
	AssignmentStalledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignment_stalled_total",
			Help:      "Tasks left unassigned longer than the stall threshold.",
		},
	)

	// TasksOverdueTotal counts executing tasks that ran past their expected duration.
	TasksOverdueTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_overdue_total",
			Help:      "Executing tasks that exceeded their expected duration.",
		},
	)

	// AssignmentLatency observes the time from task creation to assignment.
	AssignmentLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assignment_latency_seconds",
			Help:      "Time from task creation to robot assignment.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// DispatchTotal counts dispatch outcomes. result: sent/duplicate/failed/lost
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatch attempts by result.",
		},
		[]string{"result"},
	)

	// WorkerLoad is the number of units currently held by each worker.
	WorkerLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_load",
			Help:      "Units in flight per dispatch worker.",
		},
		[]string{"worker"},
	)

	// EmergencyStopActive is 1 while a fleet-wide stop is in effect.
	EmergencyStopActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "emergency_stop_active",
			Help:      "Fleet-wide emergency stop in effect (1=active).",
		},
	)

	// EmergencyStopLatency observes the time to broadcast a halt and cancel in-flight work.
	EmergencyStopLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "emergency_stop_latency_seconds",
			Help:      "Time from trigger to halt broadcast and task cancellation.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
		},
	)
)

// init registers the collectors with the controller-runtime registry, which the
// HTTP server exposes on /metrics.
func init() {
	metrics.Registry.MustRegister(
		RobotsByStatus,
		RobotTimeoutsTotal,
		RegistryEventsDropped,
		SafetyDecisionsTotal,
		SafetyViolationsTotal,
		RulesFileChangesTotal,
		TasksByStatus,
		TaskTransitionsTotal,
		AssignmentStalledTotal,
		TasksOverdueTotal,
		AssignmentLatency,
		DispatchTotal,
		WorkerLoad,
		EmergencyStopActive,
		EmergencyStopLatency,
	)
}
