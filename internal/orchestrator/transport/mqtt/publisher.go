package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/robopeer/internal/orchestrator/executor"
	"github.com/autopeer-io/robopeer/internal/pkg/mqtt/paths"
	pkgmqtt "github.com/autopeer-io/robopeer/pkg/mqtt"
	"github.com/autopeer-io/robopeer/pkg/mqtt/topic"
)

const commandQoS = pkgmqtt.AtLeastOnce

var _ executor.UnitRunner = (*CommandPublisher)(nil)

// CommandPublisher delivers dispatched tasks to robots. It is the unit runner of
// the local worker pool.
type CommandPublisher struct {
	client pkgmqtt.Publisher
	topics *topic.Builder
	clock  clock.PassiveClock
}

// NewCommandPublisher creates a CommandPublisher.
func NewCommandPublisher(client pkgmqtt.Publisher, builder *topic.Builder, clk clock.PassiveClock) *CommandPublisher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &CommandPublisher{client: client, topics: builder, clock: clk}
}

// Run publishes the unit's task on the robot's command topic.
func (p *CommandPublisher) Run(ctx context.Context, u executor.Unit) error {
	if u.Task == nil {
		return fmt.Errorf("unit without task")
	}
	msg := DispatchMessage{
		TaskID:       u.Task.TaskID,
		DispatchID:   u.DispatchID,
		CommandID:    u.Task.CommandID,
		RobotID:      u.Robot.RobotID,
		Priority:     u.Task.Priority,
		DispatchedAt: p.clock.Now(),
	}
	if cmd := u.Task.Command; cmd != nil {
		msg.ActionType = cmd.ActionType
		msg.Parameters = cmd.Parameters
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dispatch message: %w", err)
	}
	return p.client.Publish(ctx, p.topics.Build(paths.Command, u.Robot.RobotID), commandQoS, false, payload)
}
