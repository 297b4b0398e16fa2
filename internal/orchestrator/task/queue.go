package task

import (
	"container/heap"
	"sort"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
)

type item struct {
	task  *model.Task
	seq   uint64
	index int
}

// less orders by priority (higher first), then creation time, then insertion order.
func less(a, b *item) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

type items []*item

func (h items) Len() int           { return len(h) }
func (h items) Less(i, j int) bool { return less(h[i], h[j]) }
func (h items) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *items) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *items) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue holds pending tasks in priority order. It is not safe for concurrent
// use; the manager serializes access.
type Queue struct {
	heap  items
	byID  map[string]*item
	nextq uint64
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{byID: make(map[string]*item)}
}

// Push enqueues a task. Pushing a task already queued is a no-op.
func (q *Queue) Push(t *model.Task) {
	if _, ok := q.byID[t.TaskID]; ok {
		return
	}
	it := &item{task: t, seq: q.nextq}
	q.nextq++
	heap.Push(&q.heap, it)
	q.byID[t.TaskID] = it
}

// Remove drops a task from the queue and reports whether it was queued.
func (q *Queue) Remove(taskID string) bool {
	it, ok := q.byID[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.byID, taskID)
	return true
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int { return len(q.heap) }

// Ordered returns the queued tasks from highest to lowest priority.
func (q *Queue) Ordered() []*model.Task {
	sorted := make(items, len(q.heap))
	copy(sorted, q.heap)
	sort.Slice(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })

	out := make([]*model.Task, len(sorted))
	for i, it := range sorted {
		out[i] = it.task
	}
	return out
}
