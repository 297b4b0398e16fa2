package task

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/pkg/metrics"
)

// CheckOverdue reports executing tasks that have run longer than their estimated
// duration, or the task timeout when they carry no estimate. Each task is reported
// once. It returns the IDs reported in this call.
func (m *Manager) CheckOverdue() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var late []string
	for id, t := range m.tasks {
		if t.Status != model.TaskExecuting || t.StartedAt == nil || m.overdue.Has(id) {
			continue
		}
		limit := t.EstimatedDuration
		if limit <= 0 {
			limit = m.opts.TaskTimeout
		}
		if limit <= 0 {
			continue
		}
		if running := now.Sub(*t.StartedAt); running > limit {
			m.overdue.Insert(id)
			metrics.TasksOverdueTotal.Inc()
			m.log.Warn("Task overdue", "taskID", id, "robotID", t.AssignedRobot, "running", running, "expected", limit)
			late = append(late, id)
		}
	}
	return late
}

// CollectGarbage evicts finished tasks older than the retention period. Tasks
// that an unfinished task depends on are kept. It returns the number evicted.
func (m *Manager) CollectGarbage() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.TaskRetention <= 0 {
		return 0
	}

	referenced := sets.New[string]()
	for _, t := range m.tasks {
		if !t.Status.Terminal() {
			referenced = referenced.Union(t.Dependencies)
		}
	}

	deadline := m.clock.Now().Add(-m.opts.TaskRetention)
	n := 0
	for id, t := range m.tasks {
		if !t.Status.Terminal() || !t.UpdatedAt.Before(deadline) || referenced.Has(id) {
			continue
		}
		delete(m.tasks, id)
		if m.byCommand[t.CommandID] == id {
			delete(m.byCommand, t.CommandID)
		}
		m.forgetLocked(id)
		n++
	}
	if n > 0 {
		m.log.Info("Evicted finished tasks", "count", n, "remaining", len(m.tasks))
		m.refreshGaugesLocked()
	}
	return n
}
