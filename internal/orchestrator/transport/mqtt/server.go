package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/orchestrator/executor"
	"github.com/autopeer-io/robopeer/internal/pkg/mqtt/adapter"
	"github.com/autopeer-io/robopeer/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/robopeer/pkg/log"
	pkgmqtt "github.com/autopeer-io/robopeer/pkg/mqtt"
	"github.com/autopeer-io/robopeer/pkg/mqtt/topic"
)

// Registry receives robot registrations and state reports.
type Registry interface {
	Register(robotID string, capabilities ...model.Capability) error
	UpdateState(s model.RobotState) (bool, error)
}

// Acker receives task acknowledgments. The executor implements it.
type Acker interface {
	Ack(ctx context.Context, taskID, robotID, dispatchID string, status executor.AckStatus, message string) error
}

// Server implements the MQTT ingress layer.
type Server struct {
	client   pkgmqtt.Client
	topics   *topic.Builder
	registry Registry
	acker    Acker
	log      log.Logger
}

// NewServer creates a new MQTT server (client).
func NewServer(client pkgmqtt.Client, builder *topic.Builder, reg Registry, acker Acker, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Std()
	}
	return &Server{
		client:   client,
		topics:   builder,
		registry: reg,
		acker:    acker,
		log:      logger.WithName("mqtt-ingress"),
	}
}

// Start connects to the broker, subscribes to the robot topics and serves until
// ctx is cancelled. The client is shared with the command publisher and the halt
// broadcaster, so its lifetime is bound to this server.
func (s *Server) Start(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return err
	}

	// Disconnect with a fresh context so the DISCONNECT packet still goes out.
	defer func() {
		s.log.Info("Disconnecting MQTT client...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.client.Disconnect(shutdownCtx)
		s.log.Info("MQTT client disconnected")
	}()

	s.log.Info("Waiting for MQTT connection...")
	if err := s.client.AwaitConnection(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	s.log.Info("MQTT Connected")

	if err := s.initMQTTSubscriptions(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	return nil
}

func (s *Server) initMQTTSubscriptions(ctx context.Context) error {
	// Telemetry is superseded by the next report; registrations and acks are not.
	subscriptions := map[string]struct {
		qos     int
		handler adapter.HandlerFunc
	}{
		paths.Register: {pkgmqtt.AtLeastOnce, adapter.JSONHandler(s.handleRegister)},
		paths.State:    {pkgmqtt.AtMostOnce, adapter.JSONHandler(s.handleState)},
		paths.TaskAck:  {pkgmqtt.AtLeastOnce, adapter.JSONHandler(s.handleTaskAck)},
	}

	for segment, sub := range subscriptions {
		fullTopic := s.topics.BuildWildcard(segment)
		handler := sub.handler
		if err := s.client.Subscribe(ctx, fullTopic, sub.qos, func(c context.Context, t string, p []byte) {
			if handleErr := handler(c, t, p); handleErr != nil {
				log.FromContext(c).Error(handleErr, "Handler execution failed", "topic", t)
			}
		}); err != nil {
			return fmt.Errorf("failed to subscribe to topic: %s, err: %w", fullTopic, err)
		}
	}

	return nil
}

// robotID returns the robot a message on segment came from. A payload that names a
// different robot than its topic is rejected.
func (s *Server) robotID(segment, t, claimed string) (string, error) {
	id, ok := s.topics.ID(segment, t)
	if !ok {
		return "", fmt.Errorf("unexpected topic %q for %s", t, segment)
	}
	if claimed != "" && claimed != id {
		return "", fmt.Errorf("payload robot %q does not match topic robot %q", claimed, id)
	}
	return id, nil
}

func (s *Server) handleRegister(_ context.Context, t string, msg *Registration) error {
	id, err := s.robotID(paths.Register, t, msg.RobotID)
	if err != nil {
		return err
	}
	return s.registry.Register(id, msg.Capabilities...)
}

func (s *Server) handleState(_ context.Context, t string, msg *model.RobotState) error {
	id, err := s.robotID(paths.State, t, msg.RobotID)
	if err != nil {
		return err
	}
	msg.RobotID = id
	_, err = s.registry.UpdateState(*msg)
	return err
}

func (s *Server) handleTaskAck(ctx context.Context, t string, msg *TaskAck) error {
	id, err := s.robotID(paths.TaskAck, t, msg.RobotID)
	if err != nil {
		return err
	}
	if msg.TaskID == "" {
		return fmt.Errorf("task ack from %s without task_id", id)
	}
	s.log.Debug("Task ack received", "robotID", id, "taskID", msg.TaskID, "dispatchID", msg.DispatchID, "status", msg.Status)
	return s.acker.Ack(ctx, msg.TaskID, id, msg.DispatchID, executor.AckStatus(msg.Status), msg.Message)
}
