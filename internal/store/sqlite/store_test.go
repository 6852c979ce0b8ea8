package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/broker/internal/store"
	v1 "github.com/kandev/broker/pkg/api/v1"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	repo, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

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

func TestCreateAndGetTask(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	task := newTask("task-1", v1.PriorityHigh)
	require.NoError(t, repo.CreateTask(ctx, task))

	got, err := repo.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.Prompt, got.Prompt)
	assert.Equal(t, v1.PriorityHigh, got.Priority)
	assert.Equal(t, v1.TaskStatusQueued, got.Status)
}

func TestGetTaskNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateTaskRejectsDependencyCycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := newTask("a", v1.PriorityNormal)
	a.Dependencies = []string{"b"}
	b := newTask("b", v1.PriorityNormal)
	b.Dependencies = []string{"a"}

	require.NoError(t, repo.CreateTask(ctx, b))
	err := repo.CreateTask(ctx, a)
	assert.ErrorIs(t, err, store.ErrDependencyCycle)
}

func TestUpdateTaskAppendsHistoryAndAllocatesSeq(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	task := newTask("task-1", v1.PriorityNormal)
	require.NoError(t, repo.CreateTask(ctx, task))

	task.Status = v1.TaskStatusAssigned
	agentID := "agent-1"
	seq, err := repo.UpdateTask(ctx, store.TaskMutation{
		Task: task,
		History: &v1.HistoryEntry{
			Timestamp: time.Now().UTC(),
			Status:    v1.TaskStatusAssigned,
			AgentID:   &agentID,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq) // 1 from CreateTask's task:created

	got, err := repo.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusAssigned, got.Status)
	require.Len(t, got.History, 1)
	assert.Equal(t, agentID, *got.History[0].AgentID)
}

func TestUpdateTaskNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.UpdateTask(context.Background(), store.TaskMutation{Task: newTask("missing", v1.PriorityNormal)})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListTasksByStatusOrdersByPriorityThenAge(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	low := newTask("low", v1.PriorityNormal)
	low.CreatedAt = time.Now().UTC().Add(-time.Minute)
	high := newTask("high", v1.PriorityCritical)
	high.CreatedAt = time.Now().UTC()

	require.NoError(t, repo.CreateTask(ctx, low))
	require.NoError(t, repo.CreateTask(ctx, high))

	tasks, err := repo.ListTasksByStatus(ctx, v1.TaskStatusQueued)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "high", tasks[0].ID)
	assert.Equal(t, "low", tasks[1].ID)
}

func TestListTasksByAgentExcludesTerminal(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	agentID := "agent-1"
	active := newTask("active", v1.PriorityNormal)
	active.To.AgentID = &agentID
	active.Status = v1.TaskStatusInProgress
	done := newTask("done", v1.PriorityNormal)
	done.To.AgentID = &agentID
	done.Status = v1.TaskStatusCompleted

	require.NoError(t, repo.CreateTask(ctx, active))
	require.NoError(t, repo.CreateTask(ctx, done))

	tasks, err := repo.ListTasksByAgent(ctx, agentID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "active", tasks[0].ID)
}

func TestMessagesRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	task := newTask("task-1", v1.PriorityNormal)
	require.NoError(t, repo.CreateTask(ctx, task))

	msg := &v1.TaskMessage{
		ID:          "msg-1",
		TaskID:      "task-1",
		Timestamp:   time.Now().UTC(),
		Role:        v1.RoleUser,
		Content:     "please hurry",
		MessageType: v1.MessageTypeComment,
	}
	require.NoError(t, repo.AppendMessage(ctx, msg))

	messages, err := repo.ListMessages(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.False(t, messages[0].IsRead)

	require.NoError(t, repo.MarkMessagesRead(ctx, "task-1"))
	messages, err = repo.ListMessages(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, messages[0].IsRead)
}

func TestAgentRegistryAndDerivedStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	agent := &v1.Agent{ID: "agent-1", DisplayName: "Agent One", LastSeen: time.Now().UTC(), Source: "rpc"}
	require.NoError(t, repo.UpsertAgent(ctx, agent))

	got, err := repo.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusOffline, got.Status)

	require.NoError(t, repo.EnterWaiting(ctx, &v1.WaitingAgent{AgentID: "agent-1", EnteredAt: time.Now().UTC()}))
	got, err = repo.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusWaiting, got.Status)

	require.NoError(t, repo.LeaveWaiting(ctx, "agent-1"))

	task := newTask("task-1", v1.PriorityNormal)
	task.To.AgentID = &agent.ID
	task.Status = v1.TaskStatusInProgress
	require.NoError(t, repo.CreateTask(ctx, task))

	got, err = repo.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusProcessing, got.Status)
}

func TestPendingAckLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreatePendingAck(ctx, &v1.PendingAck{TaskID: "task-1", AgentID: "agent-1", SentAt: time.Now().UTC().Add(-time.Hour)}))

	stale, err := repo.ListPendingAcksOlderThan(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, repo.DeletePendingAck(ctx, "task-1"))
	stale, err = repo.ListPendingAcksOlderThan(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestEventLogSinceAndLatestSeq(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateTask(ctx, newTask("task-1", v1.PriorityNormal)))
	require.NoError(t, repo.CreateTask(ctx, newTask("task-2", v1.PriorityNormal)))

	latest, err := repo.LatestSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	events, err := repo.ListEventsSince(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Seq)
}

func TestEvictionSignalTakenOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	taken, err := repo.TakePendingEviction(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, taken)

	require.NoError(t, repo.CreateEviction(ctx, "agent-1"))

	taken, err = repo.TakePendingEviction(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = repo.TakePendingEviction(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestEvictionSignalRequeuedRefreshesTimestamp(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateEviction(ctx, "agent-1"))
	require.NoError(t, repo.CreateEviction(ctx, "agent-1"))

	taken, err := repo.TakePendingEviction(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, taken)
}

func TestSystemPromptConsumedOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	none, err := repo.TakePendingSystemPrompt(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, repo.CreateSystemPrompt(ctx, &v1.SystemPrompt{
		ID: "p1", AgentID: "agent-1", PromptType: "notice", Message: "hello",
		Priority: v1.PriorityNormal, CreatedAt: time.Now().UTC(),
	}))

	got, err := repo.TakePendingSystemPrompt(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Message)

	none, err = repo.TakePendingSystemPrompt(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSystemPromptOrdersByPriorityThenAge(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.CreateSystemPrompt(ctx, &v1.SystemPrompt{
		ID: "p-normal", AgentID: "agent-1", PromptType: "notice", Message: "normal",
		Priority: v1.PriorityNormal, CreatedAt: now,
	}))
	require.NoError(t, repo.CreateSystemPrompt(ctx, &v1.SystemPrompt{
		ID: "p-critical", AgentID: "agent-1", PromptType: "notice", Message: "critical",
		Priority: v1.PriorityCritical, CreatedAt: now.Add(time.Second),
	}))

	got, err := repo.TakePendingSystemPrompt(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "critical", got.Message)

	got, err = repo.TakePendingSystemPrompt(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "normal", got.Message)
}

func TestSettingPersistsOnlyFirstWrite(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, ok, err := repo.GetSetting(ctx, "admin_secret")
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := repo.SetSettingIfAbsent(ctx, "admin_secret", "first")
	require.NoError(t, err)
	assert.Equal(t, "first", stored)

	stored, err = repo.SetSettingIfAbsent(ctx, "admin_secret", "second")
	require.NoError(t, err)
	assert.Equal(t, "first", stored)

	value, ok, err := repo.GetSetting(ctx, "admin_secret")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", value)
}
