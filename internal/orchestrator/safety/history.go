package safety

import (
	"sync"
	"time"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core"
)

// Rejection is the audit record of one rejected command.
type Rejection struct {
	CommandID string        `json:"command_id"`
	RobotID   string        `json:"robot_id"`
	Action    string        `json:"action_type"`
	Reasons   []core.Reason `json:"reasons"`
	At        time.Time     `json:"at"`
}

// History keeps the most recent rejections in a fixed-size ring.
type History struct {
	mu    sync.Mutex
	ring  []Rejection
	next  int
	full  bool
	total int
}

// NewHistory returns a History holding at most size records.
func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{ring: make([]Rejection, size)}
}

// Record appends a rejection, evicting the oldest when full.
func (h *History) Record(r Rejection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.next] = r
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.full = true
	}
	h.total++
}

// List returns up to limit records, newest first. A limit <= 0 returns everything held.
func (h *History) List(limit int) []Rejection {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.next
	if h.full {
		n = len(h.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]Rejection, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (h.next - i + len(h.ring)) % len(h.ring)
		out = append(out, h.ring[idx])
	}
	return out
}

// Total is the number of rejections recorded since start, including evicted ones.
func (h *History) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}
