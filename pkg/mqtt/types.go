package mqtt

import (
	"context"
	"errors"
)

// Delivery guarantees used on fleet topics.
const (
	// AtMostOnce is used for high-rate telemetry where a newer report supersedes a lost one.
	AtMostOnce = 0
	// AtLeastOnce is used for commands, acks and halt notices. Receivers must tolerate duplicates.
	AtLeastOnce = 1
	// ExactlyOnce is accepted for completeness; nothing in the fleet protocol requires it.
	ExactlyOnce = 2
)

// ErrNotStarted is returned by operations issued before Start.
var ErrNotStarted = errors.New("mqtt client not started")

// MessageHandler processes one received message. The context carries a logger
// scoped to the concrete topic (see pkg/log.FromContext).
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Publisher is the outbound half of Client.
type Publisher interface {
	// Publish sends payload on topic. Retained messages are replayed by the
	// broker to every future subscriber of the topic.
	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error
}

// Client is the broker connection shared by the orchestrator and the robot simulator.
type Client interface {
	Publisher

	// Start connects in the background and returns immediately. Use AwaitConnection to wait.
	Start(ctx context.Context) error

	// Disconnect closes the connection; pending subscriptions are dropped.
	Disconnect(ctx context.Context)

	// Subscribe registers handler for a topic filter. Subscriptions are
	// replayed after every reconnect.
	Subscribe(ctx context.Context, topic string, qos int, handler MessageHandler) error

	// Unsubscribe removes the handler and sends an UNSUBSCRIBE packet.
	Unsubscribe(ctx context.Context, topic string) error

	// AwaitConnection blocks until the client is connected to the broker.
	AwaitConnection(ctx context.Context) error

	// IsConnected reports the last known connection state.
	IsConnected() bool
}

// ValidQoS reports whether qos is one of the three MQTT delivery levels.
func ValidQoS(qos int) bool {
	return qos >= AtMostOnce && qos <= ExactlyOnce
}
