package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core"
	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/orchestrator/estop"
	transport "github.com/autopeer-io/robopeer/internal/orchestrator/transport/mqtt"
	pkgmqtt "github.com/autopeer-io/robopeer/pkg/mqtt"
	"github.com/autopeer-io/robopeer/pkg/mqtt/topic"
	"github.com/autopeer-io/robopeer/pkg/options"
)

type message struct {
	topic   string
	retain  bool
	payload []byte
}

type fakeBroker struct {
	mu        sync.Mutex
	messages  []message
	handlers  map[string]pkgmqtt.MessageHandler
	connected bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]pkgmqtt.MessageHandler)}
}

func (b *fakeBroker) Start(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *fakeBroker) Disconnect(context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
}

func (b *fakeBroker) Publish(_ context.Context, topic string, _ int, retain bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, message{topic: topic, retain: retain, payload: payload})
	return nil
}

func (b *fakeBroker) Subscribe(_ context.Context, topic string, _ int, h pkgmqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
	return nil
}

func (b *fakeBroker) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	return nil
}

func (b *fakeBroker) AwaitConnection(context.Context) error { return nil }

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// send delivers a robot message to every subscription matching its topic.
func (b *fakeBroker) send(t *testing.T, segment, robotID string, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	concrete := "fleet/v1/" + segment + "/" + robotID

	var matched []pkgmqtt.MessageHandler
	b.mu.Lock()
	for filter, h := range b.handlers {
		if topic.Match(filter, concrete) {
			matched = append(matched, h)
		}
	}
	b.mu.Unlock()
	require.NotEmpty(t, matched, "no subscription for %s", concrete)
	for _, h := range matched {
		h(context.Background(), concrete, payload)
	}
}

func (b *fakeBroker) find(prefix string) (message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.messages {
		if strings.HasPrefix(m.topic, prefix) {
			return m, true
		}
	}
	return message{}, false
}

func (b *fakeBroker) subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

func testConfig() *Config {
	httpOpts := options.NewHttpOptions()
	httpOpts.Addr = "127.0.0.1:0"
	grpcOpts := options.NewGrpcOptions()
	grpcOpts.Addr = ""
	orch := options.NewOrchestratorOptions()
	orch.AssignmentInterval = 20 * time.Millisecond

	return &Config{
		HttpOptions:         httpOpts,
		GrpcOptions:         grpcOpts,
		MqttOptions:         options.NewMqttOptions(),
		S3Options:           options.NewS3Options(),
		OrchestratorOptions: orch,
		SafetyOptions:       options.NewSafetyOptions(),
	}
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, &buf))
	return rec
}

func TestCommandRoundTrip(t *testing.T) {
	broker := newFakeBroker()
	o, err := testConfig().build(broker, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	require.Eventually(t, func() bool { return broker.subscriptions() == 3 }, 2*time.Second, 5*time.Millisecond)

	broker.send(t, "register", "r1", transport.Registration{Capabilities: []model.Capability{model.CapabilityNavigation}})
	broker.send(t, "state", "r1", model.RobotState{
		Status:       model.RobotIdle,
		BatteryLevel: 90,
		Position:     model.Position{X: 20, Y: -10},
		LastUpdate:   time.Now(),
	})

	rec := post(t, o.http.Handler(), "/v1/commands", map[string]any{
		"command_id":  "c1",
		"robot_id":    "*",
		"action_type": "navigate",
		"parameters":  map[string]any{"target": []float64{5, 5}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var dispatched transport.DispatchMessage
	require.Eventually(t, func() bool {
		m, ok := broker.find("fleet/v1/command/r1")
		if !ok {
			return false
		}
		return json.Unmarshal(m.payload, &dispatched) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "c1", dispatched.CommandID)

	broker.send(t, "task/ack", "r1", transport.TaskAck{TaskID: dispatched.TaskID, Status: "accepted"})
	require.Eventually(t, func() bool {
		tk, err := o.Tasks().Task(dispatched.TaskID)
		return err == nil && tk.Status == model.TaskExecuting
	}, time.Second, 5*time.Millisecond)

	broker.send(t, "task/ack", "r1", transport.TaskAck{TaskID: dispatched.TaskID, Status: "completed"})
	require.Eventually(t, func() bool {
		tk, err := o.Tasks().Task(dispatched.TaskID)
		return err == nil && tk.Status == model.TaskCompleted
	}, time.Second, 5*time.Millisecond)

	rec = post(t, o.http.Handler(), "/v1/estop", map[string]string{"description": "drill"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	halt, ok := broker.find("fleet/v1/estop/all")
	require.True(t, ok)
	assert.True(t, halt.retain)
	assert.True(t, o.EStop().Halted("r1"))
	assert.Equal(t, estop.StateStopped, o.EStop().State())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
}

func TestBuildRejectsInvalidRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("safety_rules:\n  - rule_id: bad\n    rule_type: nonsense\n"), 0o600))

	cfg := testConfig()
	cfg.SafetyOptions.RulesFile = path
	_, err := cfg.build(newFakeBroker(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestLoadRulesDefaults(t *testing.T) {
	rules, err := testConfig().LoadRules()
	require.NoError(t, err)
	assert.NotEmpty(t, rules)
}
