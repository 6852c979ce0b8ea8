package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/broker/internal/store"
	v1 "github.com/kandev/broker/pkg/api/v1"
)

func newTask(id string, priority v1.Priority) *v1.Task {
	now := time.Now().UTC()
	return &v1.Task{
		ID:             id,
		Prompt:         "do the thing",
		From:           v1.Originator{Type: v1.OriginatorHuman, ID: "user-1"},
		Priority:       priority,
		Status:         v1.TaskStatusQueued,
		CreatedAt:      now,
		LastProgressAt: now,
	}
}

func TestMemoryStoreImplementsStore(t *testing.T) {
	var _ store.Store = New()
}

func TestMemoryCreateAndGetTask(t *testing.T) {
	s := New()
	ctx := context.Background()

	task := newTask("task-1", v1.PriorityHigh)
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.Prompt, got.Prompt)
}

func TestMemoryDependencyCycleRejected(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := newTask("a", v1.PriorityNormal)
	a.Dependencies = []string{"b"}
	b := newTask("b", v1.PriorityNormal)
	b.Dependencies = []string{"a"}

	require.NoError(t, s.CreateTask(ctx, b))
	assert.ErrorIs(t, s.CreateTask(ctx, a), store.ErrDependencyCycle)
}

func TestMemoryUpdateTaskAllocatesSeq(t *testing.T) {
	s := New()
	ctx := context.Background()

	task := newTask("task-1", v1.PriorityNormal)
	require.NoError(t, s.CreateTask(ctx, task))

	task.Status = v1.TaskStatusAssigned
	seq, err := s.UpdateTask(ctx, store.TaskMutation{Task: task})
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestMemoryDerivedAgentStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1", DisplayName: "Agent One"}))
	got, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusOffline, got.Status)

	require.NoError(t, s.EnterWaiting(ctx, &v1.WaitingAgent{AgentID: "agent-1", EnteredAt: time.Now().UTC()}))
	got, err = s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusWaiting, got.Status)
}

func TestMemoryWaitingPoolOrdersByEntry(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.EnterWaiting(ctx, &v1.WaitingAgent{AgentID: "second", EnteredAt: time.Now().UTC()}))
	require.NoError(t, s.EnterWaiting(ctx, &v1.WaitingAgent{AgentID: "first", EnteredAt: time.Now().UTC().Add(-time.Minute)}))

	waiting, err := s.ListWaiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, "first", waiting[0].AgentID)
}

func TestMemoryEvictionSignalTakenOnce(t *testing.T) {
	s := New()
	ctx := context.Background()

	taken, err := s.TakePendingEviction(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, taken)

	require.NoError(t, s.CreateEviction(ctx, "agent-1"))

	taken, err = s.TakePendingEviction(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = s.TakePendingEviction(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestMemorySystemPromptConsumedOnce(t *testing.T) {
	s := New()
	ctx := context.Background()

	none, err := s.TakePendingSystemPrompt(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.CreateSystemPrompt(ctx, &v1.SystemPrompt{
		ID: "p1", AgentID: "agent-1", PromptType: "notice", Message: "hello",
		Priority: v1.PriorityNormal, CreatedAt: time.Now().UTC(),
	}))

	got, err := s.TakePendingSystemPrompt(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Message)

	none, err = s.TakePendingSystemPrompt(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemorySystemPromptOrdersByPriority(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateSystemPrompt(ctx, &v1.SystemPrompt{
		ID: "p-normal", AgentID: "agent-1", PromptType: "notice", Message: "normal",
		Priority: v1.PriorityNormal, CreatedAt: now,
	}))
	require.NoError(t, s.CreateSystemPrompt(ctx, &v1.SystemPrompt{
		ID: "p-critical", AgentID: "agent-1", PromptType: "notice", Message: "critical",
		Priority: v1.PriorityCritical, CreatedAt: now.Add(time.Second),
	}))

	got, err := s.TakePendingSystemPrompt(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "critical", got.Message)
}

func TestMemorySettingPersistsOnlyFirstWrite(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, ok, err := s.GetSetting(ctx, "admin_secret")
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := s.SetSettingIfAbsent(ctx, "admin_secret", "first")
	require.NoError(t, err)
	assert.Equal(t, "first", stored)

	stored, err = s.SetSettingIfAbsent(ctx, "admin_secret", "second")
	require.NoError(t, err)
	assert.Equal(t, "first", stored, "a later call must not overwrite an existing setting")

	value, ok, err := s.GetSetting(ctx, "admin_secret")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", value)
}
