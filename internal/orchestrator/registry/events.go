package registry

import (
	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/pkg/metrics"
)

// EventType classifies registry notifications.
type EventType string

const (
	EventRegistered EventType = "registered"
	EventUpdated    EventType = "updated"
	EventOffline    EventType = "offline"
	EventReleased   EventType = "released"
	EventHalted     EventType = "halted"
	EventResumed    EventType = "resumed"
)

// Event describes a state change of one robot.
type Event struct {
	Type    EventType
	RobotID string
	State   model.RobotState

	// ReleasedTask is the task the robot dropped, set for offline and released events.
	ReleasedTask string

	Reason string
}

// Subscribe returns a channel of registry events and a function that cancels the
// subscription. Delivery never blocks the registry: when the buffer is full the
// event is dropped, so subscribers must treat events as hints and reconcile.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (r *Registry) publish(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			metrics.RegistryEventsDropped.Inc()
		}
	}
}
