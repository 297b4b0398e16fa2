package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/robopeer/internal/orchestrator/estop"
	"github.com/autopeer-io/robopeer/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/robopeer/pkg/log"
	pkgmqtt "github.com/autopeer-io/robopeer/pkg/mqtt"
	"github.com/autopeer-io/robopeer/pkg/mqtt/topic"
)

const haltQoS = pkgmqtt.AtLeastOnce

var _ estop.Broadcaster = (*HaltBroadcaster)(nil)

// HaltBroadcaster publishes halt and resume notices on the estop topics. Notices
// are retained so a robot that reconnects sees the stop still in effect.
type HaltBroadcaster struct {
	client pkgmqtt.Publisher
	topics *topic.Builder
	clock  clock.PassiveClock
	log    log.Logger

	// initialInterval is the first retry delay inside the caller's deadline.
	initialInterval time.Duration
}

// NewHaltBroadcaster creates a HaltBroadcaster.
func NewHaltBroadcaster(client pkgmqtt.Publisher, builder *topic.Builder, clk clock.PassiveClock, logger log.Logger) *HaltBroadcaster {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = log.Std()
	}
	return &HaltBroadcaster{
		client:          client,
		topics:          builder,
		clock:           clk,
		log:             logger.WithName("halt-broadcaster"),
		initialInterval: 10 * time.Millisecond,
	}
}

// Broadcast publishes the notice for ev, retrying until it is acknowledged by the
// broker or ctx expires. The caller bounds ctx with the halt timeout.
func (b *HaltBroadcaster) Broadcast(ctx context.Context, ev estop.Event, halt bool) error {
	target := paths.FleetID
	if !ev.Scope.IsFleet() {
		target = ev.Scope.RobotID
	}
	msg := HaltMessage{
		EventID:  ev.ID,
		Scope:    ev.Scope.String(),
		Halt:     halt,
		Trigger:  string(ev.Trigger),
		Reason:   ev.Description,
		IssuedAt: b.clock.Now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal halt message: %w", err)
	}
	t := b.topics.Build(paths.EStop, target)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.initialInterval
	policy.MaxInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 0

	attempts := 0
	err = backoff.Retry(func() error {
		attempts++
		return b.client.Publish(ctx, t, haltQoS, true, payload)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("publish %s after %d attempts: %w", t, attempts, err)
	}
	if attempts > 1 {
		b.log.Warn("Halt notice delivered after retries", "topic", t, "attempts", attempts)
	}
	b.log.Info("Halt notice published", "topic", t, "eventID", ev.ID, "halt", halt)
	return nil
}
