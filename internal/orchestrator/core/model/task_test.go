package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"
)

func TestTaskMarshalJSON(t *testing.T) {
	task := &Task{
		TaskID:         "t1",
		Status:         TaskPending,
		CreatedAt:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Dependencies:   sets.New("b", "a"),
		ExcludedRobots: sets.New[string](),
		Capabilities:   sets.New("navigation"),
	}

	raw, err := json.Marshal(task)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "t1", got["task_id"])
	assert.Equal(t, "pending", got["status"])
	assert.Equal(t, []any{"a", "b"}, got["dependencies"])
	assert.Equal(t, []any{"navigation"}, got["required_capabilities"])
	assert.NotContains(t, got, "excluded_robots")
}

func TestTaskClone(t *testing.T) {
	started := time.Now()
	task := &Task{
		TaskID:       "t1",
		Command:      &RobotCommand{CommandID: "c1", Parameters: map[string]any{"speed": 1.0}},
		StartedAt:    &started,
		Dependencies: sets.New("a"),
	}

	c := task.Clone()
	c.Command.Parameters["speed"] = 2.0
	c.Dependencies.Insert("b")
	*c.StartedAt = started.Add(time.Hour)

	assert.Equal(t, 1.0, task.Command.Parameters["speed"])
	assert.False(t, task.Dependencies.Has("b"))
	assert.Equal(t, started, *task.StartedAt)
}

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
		holding  bool
	}{
		{TaskPending, false, false},
		{TaskAssigned, false, true},
		{TaskExecuting, false, true},
		{TaskCompleted, true, false},
		{TaskFailed, true, false},
		{TaskCancelled, true, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
			assert.Equal(t, tt.holding, tt.status.Holding())
		})
	}
}
