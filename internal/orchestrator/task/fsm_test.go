package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core"
	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
)

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	task := &model.Task{TaskID: "t1", Status: model.TaskPending, ExcludedRobots: sets.New[string]()}

	require.NoError(t, fire(ctx, EventAssign, &transition{task: task, now: t0, robot: "r1"}))
	assert.Equal(t, model.TaskAssigned, task.Status)
	assert.Equal(t, "r1", task.AssignedRobot)

	require.NoError(t, fire(ctx, EventStart, &transition{task: task, now: t0}))
	assert.Equal(t, model.TaskExecuting, task.Status)
	require.NotNil(t, task.StartedAt)

	require.NoError(t, fire(ctx, EventRequeue, &transition{task: task, now: t0, reason: "lost", exclude: true}))
	assert.Equal(t, model.TaskPending, task.Status)
	assert.Empty(t, task.AssignedRobot)
	assert.Nil(t, task.StartedAt)
	assert.Equal(t, 1, task.RetryCount)
	assert.True(t, task.ExcludedRobots.Has("r1"))
	assert.Equal(t, "lost", task.Reason)

	require.NoError(t, fire(ctx, EventCancel, &transition{task: task, now: t0}))
	assert.Equal(t, model.TaskCancelled, task.Status)
}

func TestLifecycleRefusesInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		status model.TaskStatus
		event  string
	}{
		{model.TaskPending, EventStart},
		{model.TaskPending, EventComplete},
		{model.TaskPending, EventRequeue},
		{model.TaskAssigned, EventComplete},
		{model.TaskAssigned, EventAssign},
		{model.TaskCompleted, EventCancel},
		{model.TaskFailed, EventRequeue},
		{model.TaskCancelled, EventStart},
	}
	for _, tt := range tests {
		t.Run(string(tt.status)+"/"+tt.event, func(t *testing.T) {
			task := &model.Task{TaskID: "t1", Status: tt.status, AssignedRobot: "r1"}
			err := fire(ctx, tt.event, &transition{task: task, now: t0, robot: "r2"})
			assert.ErrorIs(t, err, core.ErrInvalidTransition)
			assert.Equal(t, tt.status, task.Status)
			assert.Equal(t, "r1", task.AssignedRobot)
		})
	}
}

func TestAssignRequiresRobot(t *testing.T) {
	task := &model.Task{TaskID: "t1", Status: model.TaskPending}
	err := fire(context.Background(), EventAssign, &transition{task: task, now: t0})
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
	assert.Equal(t, model.TaskPending, task.Status)
}
