package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
)

func queued(id string, priority int, created time.Time) *model.Task {
	return &model.Task{TaskID: id, Priority: priority, CreatedAt: created, Status: model.TaskPending}
}

func ids(tasks []*model.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.TaskID)
	}
	return out
}

func TestQueueOrder(t *testing.T) {
	q := NewQueue()
	q.Push(queued("late-normal", model.PriorityNormal, t0.Add(time.Second)))
	q.Push(queued("low", model.PriorityLow, t0))
	q.Push(queued("early-normal", model.PriorityNormal, t0))
	q.Push(queued("critical", model.PriorityCritical, t0.Add(time.Hour)))
	q.Push(queued("tie-b", model.PriorityHigh, t0))
	q.Push(queued("tie-a", model.PriorityHigh, t0))

	assert.Equal(t, []string{"critical", "tie-b", "tie-a", "early-normal", "late-normal", "low"}, ids(q.Ordered()))
	assert.Equal(t, 6, q.Len())
}

func TestQueueRemoveAndDuplicates(t *testing.T) {
	q := NewQueue()
	a := queued("a", model.PriorityNormal, t0)
	q.Push(a)
	q.Push(a)
	q.Push(queued("b", model.PriorityHigh, t0))
	q.Push(queued("c", model.PriorityLow, t0))
	assert.Equal(t, 3, q.Len())

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))
	assert.Equal(t, []string{"a", "c"}, ids(q.Ordered()))

	assert.True(t, q.Remove("a"))
	assert.True(t, q.Remove("c"))
	assert.Zero(t, q.Len())
	assert.Empty(t, q.Ordered())
}
