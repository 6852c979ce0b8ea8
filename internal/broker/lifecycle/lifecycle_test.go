package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/broker/internal/broker/errs"
	"github.com/kandev/broker/internal/broker/matching"
	"github.com/kandev/broker/internal/store"
	"github.com/kandev/broker/internal/store/memory"
	v1 "github.com/kandev/broker/pkg/api/v1"
)

func newTestLifecycle(t *testing.T) (*Lifecycle, store.Store) {
	t.Helper()
	s := memory.New()
	return New(s, nil, nil, matching.New(s)), s
}

func strPtr(s string) *string { return &s }

func TestEnqueueRejectsEmptyPrompt(t *testing.T) {
	lc, _ := newTestLifecycle(t)
	_, err := lc.Enqueue(context.Background(), &v1.CreateTaskRequest{From: v1.Originator{Type: v1.OriginatorHuman, ID: "u1"}})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidationError, errs.KindOf(err))
}

func TestEnqueueImmediatelyReservesWaitingAgent(t *testing.T) {
	lc, s := newTestLifecycle(t)
	ctx := context.Background()

	require.NoError(t, s.EnterWaiting(ctx, &v1.WaitingAgent{AgentID: "agent-1", Capabilities: []string{"code_generation"}, EnteredAt: time.Now().UTC()}))

	task, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{
		Prompt: "build X",
		From:   v1.Originator{Type: v1.OriginatorHuman, ID: "u1"},
		To:     v1.Routing{Capabilities: []string{"code_generation"}},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPendingAck, task.Status)
	require.NotNil(t, task.To.AgentID)
	assert.Equal(t, "agent-1", *task.To.AgentID)
}

func TestEnqueueWithoutWaitingAgentStaysQueued(t *testing.T) {
	lc, _ := newTestLifecycle(t)
	task, err := lc.Enqueue(context.Background(), &v1.CreateTaskRequest{
		Prompt: "build X",
		From:   v1.Originator{Type: v1.OriginatorHuman, ID: "u1"},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, task.Status)
}

func TestFullHappyPathToCompletion(t *testing.T) {
	lc, s := newTestLifecycle(t)
	ctx := context.Background()

	require.NoError(t, s.EnterWaiting(ctx, &v1.WaitingAgent{AgentID: "agent-1", Capabilities: []string{"code_generation"}, EnteredAt: time.Now().UTC()}))
	task, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{
		Prompt: "build X",
		From:   v1.Originator{Type: v1.OriginatorHuman, ID: "u1"},
		To:     v1.Routing{Capabilities: []string{"code_generation"}},
	})
	require.NoError(t, err)
	require.Equal(t, v1.TaskStatusPendingAck, task.Status)

	task, _, err = lc.Ack(ctx, task.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusAssigned, task.Status)

	task, _, err = lc.Progress(ctx, task.ID, "agent-1", strPtr("implementing"), nil, "50% done")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusAssigned, task.Status)

	task, err = lc.SendResponse(ctx, task.ID, v1.TaskStatusInReview, v1.TaskResponse{Diff: "diff --git a/x b/x\n+some real change here"})
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusInReview, task.Status)

	task, err = lc.Approve(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusApprovedQueued, task.Status)

	task, err = lc.Reserve(ctx, task.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusApprovedPendingAck, task.Status)

	task, _, err = lc.Ack(ctx, task.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusAssigned, task.Status)

	task, err = lc.SendResponse(ctx, task.ID, v1.TaskStatusCompleted, v1.TaskResponse{Message: "done"})
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, task.Status)
	assert.NotNil(t, task.CompletedAt)
}

func TestSendResponseRequiresDiffForCodeCapability(t *testing.T) {
	lc, s := newTestLifecycle(t)
	ctx := context.Background()

	task, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{
		Prompt: "build X",
		From:   v1.Originator{Type: v1.OriginatorHuman, ID: "u1"},
		To:     v1.Routing{Capabilities: []string{"code_generation"}},
	})
	require.NoError(t, err)
	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))
	task, err = lc.Reserve(ctx, task.ID, "agent-1")
	require.NoError(t, err)
	_, _, err = lc.Ack(ctx, task.ID, "agent-1")
	require.NoError(t, err)

	_, err = lc.SendResponse(ctx, task.ID, v1.TaskStatusInReview, v1.TaskResponse{Message: "looks done"})
	require.Error(t, err)
	assert.Equal(t, errs.KindMissingDiff, errs.KindOf(err))
}

func TestRejectReturnsToQueuedAndClearsAgent(t *testing.T) {
	lc, s := newTestLifecycle(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))

	task, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{Prompt: "build X", From: v1.Originator{Type: v1.OriginatorHuman, ID: "u1"}})
	require.NoError(t, err)
	task, err = lc.Reserve(ctx, task.ID, "agent-1")
	require.NoError(t, err)
	_, _, err = lc.Ack(ctx, task.ID, "agent-1")
	require.NoError(t, err)
	task, err = lc.SendResponse(ctx, task.ID, v1.TaskStatusInReview, v1.TaskResponse{Diff: "a sufficiently long diff body here"})
	require.NoError(t, err)

	task, err = lc.Reject(ctx, task.ID, "tests missing")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, task.Status)
	assert.Nil(t, task.To.AgentID)

	messages, err := s.ListMessages(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, v1.MessageTypeReviewFeedback, messages[0].MessageType)
}

func TestBlockAndAnswer(t *testing.T) {
	lc, _ := newTestLifecycle(t)
	ctx := context.Background()

	task, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{Prompt: "build X", From: v1.Originator{Type: v1.OriginatorHuman, ID: "u1"}})
	require.NoError(t, err)

	task, err = lc.Block(ctx, task.ID, "which branch?", "ambiguous target")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusBlocked, task.Status)

	task, err = lc.Answer(ctx, task.ID, "use main")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, task.Status)
}

func TestCancelIsTerminalAndClearsPendingAck(t *testing.T) {
	lc, s := newTestLifecycle(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))

	task, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{Prompt: "build X", From: v1.Originator{Type: v1.OriginatorHuman, ID: "u1"}})
	require.NoError(t, err)
	task, err = lc.Reserve(ctx, task.ID, "agent-1")
	require.NoError(t, err)

	task, err = lc.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, task.Status)

	stale, err := s.ListPendingAcksOlderThan(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestRetryClearsAgentAndResponse(t *testing.T) {
	lc, s := newTestLifecycle(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))

	task, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{Prompt: "build X", From: v1.Originator{Type: v1.OriginatorHuman, ID: "u1"}})
	require.NoError(t, err)
	task, err = lc.Reserve(ctx, task.ID, "agent-1")
	require.NoError(t, err)
	_, _, err = lc.Ack(ctx, task.ID, "agent-1")
	require.NoError(t, err)
	task, err = lc.SendResponse(ctx, task.ID, v1.TaskStatusFailed, v1.TaskResponse{Message: "crashed"})
	require.NoError(t, err)

	task, err = lc.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, task.Status)
	assert.Nil(t, task.To.AgentID)
	assert.Nil(t, task.Response)
	assert.Nil(t, task.CompletedAt)
}

func TestReserveRejectsUnsatisfiedDependencies(t *testing.T) {
	lc, s := newTestLifecycle(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))

	dep, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{Prompt: "dependency", From: v1.Originator{Type: v1.OriginatorHuman, ID: "u1"}})
	require.NoError(t, err)

	task, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{
		Prompt:       "build X",
		From:         v1.Originator{Type: v1.OriginatorHuman, ID: "u1"},
		Dependencies: []string{dep.ID},
	})
	require.NoError(t, err)

	_, err = lc.Reserve(ctx, task.ID, "agent-1")
	require.Error(t, err)
	assert.Equal(t, errs.KindStateConflict, errs.KindOf(err))
}

func TestAckRequiresMatchingAgent(t *testing.T) {
	lc, s := newTestLifecycle(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))

	task, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{Prompt: "build X", From: v1.Originator{Type: v1.OriginatorHuman, ID: "u1"}})
	require.NoError(t, err)
	task, err = lc.Reserve(ctx, task.ID, "agent-1")
	require.NoError(t, err)

	_, _, err = lc.Ack(ctx, task.ID, "someone-else")
	require.Error(t, err)
	assert.Equal(t, errs.KindStateConflict, errs.KindOf(err))
}

func TestGetTaskNotFoundMapsToNotFoundKind(t *testing.T) {
	lc, _ := newTestLifecycle(t)
	_, err := lc.Approve(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestGetContextIncludesDependencyResponsesAndUnreadComments(t *testing.T) {
	lc, s := newTestLifecycle(t)
	ctx := context.Background()

	dep, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{Prompt: "dep", From: v1.Originator{Type: v1.OriginatorHuman, ID: "u1"}})
	require.NoError(t, err)
	dep.Status = v1.TaskStatusCompleted
	dep.Response = &v1.TaskResponse{Message: "dep output"}
	_, err = s.UpdateTask(ctx, store.TaskMutation{Task: dep})
	require.NoError(t, err)

	task, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{
		Prompt: "main", From: v1.Originator{Type: v1.OriginatorHuman, ID: "u1"}, Dependencies: []string{dep.ID},
	})
	require.NoError(t, err)

	require.NoError(t, s.AppendMessage(ctx, &v1.TaskMessage{
		ID: "m1", TaskID: task.ID, Role: v1.RoleUser, Content: "please hurry", MessageType: v1.MessageTypeComment,
	}))

	tc, err := lc.GetContext(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, tc.Task.ID)
	require.Len(t, tc.UnreadComments, 1)
	assert.Equal(t, "please hurry", tc.UnreadComments[0].Content)
	require.Contains(t, tc.DependencyResponses, dep.ID)
	assert.Equal(t, "dep output", tc.DependencyResponses[dep.ID].Message)

	tc2, err := lc.GetContext(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, tc2.UnreadComments)
}

func TestRecoverResetsPendingAckTasksAndClearsWaiting(t *testing.T) {
	lc, s := newTestLifecycle(t)
	ctx := context.Background()

	task, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{Prompt: "build X", From: v1.Originator{Type: v1.OriginatorHuman, ID: "u1"}})
	require.NoError(t, err)
	agentID := "agent-1"
	task.Status = v1.TaskStatusPendingAck
	task.To.AgentID = &agentID
	_, err = s.UpdateTask(ctx, store.TaskMutation{Task: task})
	require.NoError(t, err)
	require.NoError(t, s.CreatePendingAck(ctx, &v1.PendingAck{TaskID: task.ID, AgentID: agentID, SentAt: time.Now().UTC()}))

	approvedTask, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{Prompt: "build Y", From: v1.Originator{Type: v1.OriginatorHuman, ID: "u1"}})
	require.NoError(t, err)
	approvedTask.Status = v1.TaskStatusApprovedPendingAck
	approvedTask.To.AgentID = &agentID
	_, err = s.UpdateTask(ctx, store.TaskMutation{Task: approvedTask})
	require.NoError(t, err)
	require.NoError(t, s.CreatePendingAck(ctx, &v1.PendingAck{TaskID: approvedTask.ID, AgentID: agentID, SentAt: time.Now().UTC()}))

	require.NoError(t, s.EnterWaiting(ctx, &v1.WaitingAgent{AgentID: "agent-2", Capabilities: []string{"code_generation"}, EnteredAt: time.Now().UTC()}))

	require.NoError(t, lc.Recover(ctx))

	reset, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, reset.Status)
	assert.Nil(t, reset.To.AgentID)

	resetApproved, err := s.GetTask(ctx, approvedTask.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusApprovedQueued, resetApproved.Status)
	assert.Nil(t, resetApproved.To.AgentID)

	acks, err := s.ListPendingAcksOlderThan(ctx, time.Now().UTC().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, acks)

	waiting, err := s.ListWaiting(ctx)
	require.NoError(t, err)
	assert.Empty(t, waiting)
}

func TestRecoverCleansUpPendingAckForDeletedTask(t *testing.T) {
	lc, s := newTestLifecycle(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePendingAck(ctx, &v1.PendingAck{TaskID: "ghost-task", AgentID: "agent-1", SentAt: time.Now().UTC()}))

	require.NoError(t, lc.Recover(ctx))

	acks, err := s.ListPendingAcksOlderThan(ctx, time.Now().UTC().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, acks)
}
