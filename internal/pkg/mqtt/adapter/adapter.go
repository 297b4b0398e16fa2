package adapter

import (
	"context"
	"encoding/json"
	"fmt"
)

// HandlerFunc processes a raw MQTT payload received on topic.
type HandlerFunc func(ctx context.Context, topic string, payload []byte) error

// TypedHandlerFunc processes a decoded message.
type TypedHandlerFunc[T any] func(ctx context.Context, topic string, msg *T) error

// JSONHandler decodes the payload into a fresh T before calling handler.
// Unknown fields are ignored so robots can send newer message versions.
func JSONHandler[T any](handler TypedHandlerFunc[T]) HandlerFunc {
	return func(ctx context.Context, topic string, payload []byte) error {
		msg := new(T)
		if err := json.Unmarshal(payload, msg); err != nil {
			return fmt.Errorf("json unmarshal failed: %w", err)
		}
		return handler(ctx, topic, msg)
	}
}
