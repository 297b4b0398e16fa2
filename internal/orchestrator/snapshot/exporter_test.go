package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/orchestrator/estop"
	"github.com/autopeer-io/robopeer/internal/orchestrator/registry"
	"github.com/autopeer-io/robopeer/internal/orchestrator/safety"
	"github.com/autopeer-io/robopeer/internal/orchestrator/task"
	"github.com/autopeer-io/robopeer/pkg/log"
)

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (u *memUploader) Upload(_ context.Context, key string, body []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.objects[key] = body
	return nil
}

func (u *memUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.objects)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(context.Context, estop.Event, bool) error { return nil }

func newExporter(t *testing.T, spec string) (*Exporter, *memUploader, *estop.Controller) {
	t.Helper()

	clk := clocktesting.NewFakeClock(time.Date(2025, 3, 1, 12, 30, 5, 0, time.UTC))
	reg := registry.New(registry.WithClock(clk), registry.WithLogger(log.NewNopLogger()))
	checker, err := safety.NewChecker(safety.DefaultRules())
	require.NoError(t, err)
	tasks, err := task.New(reg, checker, nil, task.WithClock(clk), task.WithLogger(log.NewNopLogger()))
	require.NoError(t, err)
	stop, err := estop.New(nopBroadcaster{}, tasks, reg, time.Second, estop.WithClock(clk), estop.WithLogger(log.NewNopLogger()))
	require.NoError(t, err)
	tasks.SetGate(stop)

	require.NoError(t, reg.Register("r1", model.CapabilityNavigation, model.CapabilityLifting))
	_, err = reg.UpdateState(model.RobotState{RobotID: "r1", Status: model.RobotIdle, BatteryLevel: 80, LastUpdate: clk.Now()})
	require.NoError(t, err)

	up := &memUploader{objects: make(map[string][]byte)}
	e, err := New(reg, tasks, stop, up, spec, "snapshots", WithClock(clk), WithLogger(log.NewNopLogger()))
	require.NoError(t, err)
	return e, up, stop
}

func TestExport(t *testing.T) {
	e, up, stop := newExporter(t, "@every 1m")
	_, err := stop.Trigger(context.Background(), estop.RobotScope("r1"), estop.TriggerManual, "inspection")
	require.NoError(t, err)

	key, err := e.Export(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "snapshots/2025/03/01/123005Z.json", key)
	assert.Equal(t, key, e.Last())

	var doc Document
	require.NoError(t, json.Unmarshal(up.objects[key], &doc))
	assert.Equal(t, 1, doc.Summary.Total)
	require.Len(t, doc.Robots, 1)
	assert.Equal(t, []string{"lifting", "navigation"}, doc.Robots[0].Capabilities)
	assert.True(t, doc.Robots[0].Halted)
	assert.Equal(t, []string{"r1"}, doc.EStop.Robots)
	assert.Len(t, doc.Events, 1)
	assert.Empty(t, doc.Tasks)
}

func TestExportUploadFailure(t *testing.T) {
	e, up, _ := newExporter(t, "@every 1m")
	up.err = errors.New("bucket gone")

	_, err := e.Export(context.Background())
	assert.EqualError(t, err, "bucket gone")
	assert.Empty(t, e.Last())
}

func TestStartRunsSchedule(t *testing.T) {
	e, up, _ := newExporter(t, "@every 1s")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	require.Eventually(t, func() bool { return up.count() > 0 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, nil, nil, nil, "@every 1m", "")
	assert.Error(t, err)

	e, up, stop := newExporter(t, "@every 1m")
	_, err = New(e.fleet, e.tasks, stop, up, "not a schedule", "")
	assert.Error(t, err)
}
