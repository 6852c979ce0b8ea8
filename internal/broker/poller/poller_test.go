package poller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/broker/internal/broker/lifecycle"
	"github.com/kandev/broker/internal/broker/matching"
	"github.com/kandev/broker/internal/broker/registry"
	"github.com/kandev/broker/internal/common/logger"
	"github.com/kandev/broker/internal/events/bus"
	"github.com/kandev/broker/internal/store"
	"github.com/kandev/broker/internal/store/memory"
	v1 "github.com/kandev/broker/pkg/api/v1"
)

func newTestPoller(t *testing.T) (*Poller, store.Store, *lifecycle.Lifecycle) {
	p, s, lc, _ := newTestPollerWithRegistry(t)
	return p, s, lc
}

func newTestPollerWithRegistry(t *testing.T) (*Poller, store.Store, *lifecycle.Lifecycle, *registry.Registry) {
	t.Helper()
	s := memory.New()
	b := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	reg := registry.New(s, b)
	matcher := matching.New(s)
	lc := lifecycle.New(s, b, nil, matcher)
	return New(s, reg, matcher, lc, b), s, lc, reg
}

func TestWaitForTaskReturnsEvictionSignal(t *testing.T) {
	p, s, _ := newTestPoller(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))
	require.NoError(t, s.CreateEviction(ctx, "agent-1"))

	result, err := p.WaitForTask(ctx, "agent-1", nil, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ResultEviction, result.Kind)
}

func TestWaitForTaskReturnsImmediateMatch(t *testing.T) {
	p, s, lc := newTestPoller(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))
	_, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{
		Prompt: "build X",
		From:   v1.Originator{Type: v1.OriginatorHuman, ID: "u1"},
	})
	require.NoError(t, err)

	result, err := p.WaitForTask(ctx, "agent-1", nil, nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, ResultTask, result.Kind)
	assert.Equal(t, v1.TaskStatusPendingAck, result.Task.Status)
}

func TestWaitForTaskTimesOutToIdle(t *testing.T) {
	p, s, _ := newTestPoller(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))

	result, err := p.WaitForTask(ctx, "agent-1", nil, nil, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ResultIdle, result.Kind)

	waiting, err := s.ListWaiting(ctx)
	require.NoError(t, err)
	assert.Empty(t, waiting)
}

func TestWaitForTaskWakesOnLateEnqueue(t *testing.T) {
	p, s, lc := newTestPoller(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))

	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := p.WaitForTask(ctx, "agent-1", []string{"code_generation"}, nil, 2*time.Second)
		resultCh <- r
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{
		Prompt: "build X",
		From:   v1.Originator{Type: v1.OriginatorHuman, ID: "u1"},
		To:     v1.Routing{Capabilities: []string{"code_generation"}},
	})
	require.NoError(t, err)

	select {
	case r := <-resultCh:
		require.NoError(t, <-errCh)
		require.Equal(t, ResultTask, r.Kind)
		assert.Equal(t, v1.TaskStatusPendingAck, r.Task.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("poller never woke")
	}
}

func TestWaitForCompletionResolvesOnTerminalTransition(t *testing.T) {
	p, s, lc := newTestPoller(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))

	task, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{Prompt: "build X", From: v1.Originator{Type: v1.OriginatorHuman, ID: "u1"}})
	require.NoError(t, err)
	task, err = lc.Reserve(ctx, task.ID, "agent-1")
	require.NoError(t, err)
	_, _, err = lc.Ack(ctx, task.ID, "agent-1")
	require.NoError(t, err)

	resultCh := make(chan *v1.Task, 1)
	go func() {
		task, _ := p.WaitForCompletion(ctx, task.ID, 2*time.Second)
		resultCh <- task
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = lc.SendResponse(ctx, task.ID, v1.TaskStatusCompleted, v1.TaskResponse{Message: "done"})
	require.NoError(t, err)

	select {
	case done := <-resultCh:
		require.NotNil(t, done)
		assert.Equal(t, v1.TaskStatusCompleted, done.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("waitForCompletion never resolved")
	}
}

func TestWaitForTaskReturnsQueuedSystemPrompt(t *testing.T) {
	p, s, _, reg := newTestPollerWithRegistry(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))
	_, err := reg.BroadcastSystemPrompt(ctx, &v1.BroadcastSystemPromptRequest{
		TargetAgentID: func() *string { id := "agent-1"; return &id }(),
		PromptType:    "notice",
		Message:       "reload your context",
	})
	require.NoError(t, err)

	result, err := p.WaitForTask(ctx, "agent-1", nil, nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, ResultSystemPrompt, result.Kind)
	require.NotNil(t, result.Prompt)
	assert.Equal(t, "reload your context", result.Prompt.Message)
}

func TestWaitForTaskWakesOnLateSystemPrompt(t *testing.T) {
	p, s, _, reg := newTestPollerWithRegistry(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))

	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := p.WaitForTask(ctx, "agent-1", nil, nil, 2*time.Second)
		resultCh <- r
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := reg.BroadcastSystemPrompt(ctx, &v1.BroadcastSystemPromptRequest{
		Broadcast: true, PromptType: "notice", Message: "hello",
	})
	require.NoError(t, err)

	select {
	case r := <-resultCh:
		require.NoError(t, <-errCh)
		require.Equal(t, ResultSystemPrompt, r.Kind)
		require.NotNil(t, r.Prompt)
	case <-time.After(3 * time.Second):
		t.Fatal("poller never woke for system prompt")
	}
}
