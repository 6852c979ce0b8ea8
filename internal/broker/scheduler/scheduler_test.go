package scheduler

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
	"github.com/kandev/broker/internal/store/memory"
	v1 "github.com/kandev/broker/pkg/api/v1"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *memory.Store, *lifecycle.Lifecycle) {
	t.Helper()
	s := memory.New()
	b := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	matcher := matching.New(s)
	lc := lifecycle.New(s, b, nil, matcher)
	reg := registry.New(s, b)
	return New(s, matcher, lc, reg, b, cfg), s, lc
}

func TestReapAcksReturnsTaskToQueued(t *testing.T) {
	sched, s, lc := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))
	task, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{Prompt: "x", From: v1.Originator{Type: v1.OriginatorHuman, ID: "u1"}})
	require.NoError(t, err)
	task, err = lc.Reserve(ctx, task.ID, "agent-1")
	require.NoError(t, err)
	require.Equal(t, v1.TaskStatusPendingAck, task.Status)

	// Force the pending ack to look stale.
	require.NoError(t, s.CreatePendingAck(ctx, &v1.PendingAck{
		TaskID: task.ID, AgentID: "agent-1", SentAt: time.Now().UTC().Add(-time.Hour),
	}))

	sched.reapAcks(ctx)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, got.Status)
	assert.Equal(t, int64(1), sched.GetStats().TotalReaped)
}

func TestReapStaleProgressMarksFailed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = time.Millisecond
	sched, s, lc := newTestScheduler(t, cfg)
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))
	task, err := lc.Enqueue(ctx, &v1.CreateTaskRequest{Prompt: "x", From: v1.Originator{Type: v1.OriginatorHuman, ID: "u1"}})
	require.NoError(t, err)
	task, err = lc.Reserve(ctx, task.ID, "agent-1")
	require.NoError(t, err)
	_, _, err = lc.Ack(ctx, task.ID, "agent-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	sched.reapStaleProgress(ctx)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, got.Status)
}

func TestMatchingSweepReservesQueuedTaskForWaitingAgent(t *testing.T) {
	sched, s, _ := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))
	require.NoError(t, s.EnterWaiting(ctx, &v1.WaitingAgent{AgentID: "agent-1", EnteredAt: time.Now().UTC()}))

	task := &v1.Task{
		ID: "t1", Prompt: "x", From: v1.Originator{Type: v1.OriginatorHuman, ID: "u1"},
		Status: v1.TaskStatusQueued, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateTask(ctx, task))

	sched.runMatchingSweep(ctx)

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPendingAck, got.Status)
	assert.Equal(t, int64(1), sched.GetStats().TotalReserved)
}

func TestSweepStaleWaitersRemovesDeadAgent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaleWaitTimeout = time.Millisecond
	sched, s, _ := newTestScheduler(t, cfg)
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, &v1.Agent{ID: "agent-1"}))
	require.NoError(t, s.EnterWaiting(ctx, &v1.WaitingAgent{AgentID: "agent-1", EnteredAt: time.Now().UTC().Add(-time.Hour)}))

	time.Sleep(5 * time.Millisecond)
	sched.sweepStaleWaiters(ctx)

	waiting, err := s.ListWaiting(ctx)
	require.NoError(t, err)
	assert.Empty(t, waiting)
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProcessInterval = 5 * time.Millisecond
	sched, _, _ := newTestScheduler(t, cfg)
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))
	assert.ErrorIs(t, sched.Start(ctx), ErrSchedulerAlreadyRunning)
	assert.True(t, sched.IsRunning())

	require.NoError(t, sched.Stop())
	assert.ErrorIs(t, sched.Stop(), ErrSchedulerNotRunning)
	assert.False(t, sched.IsRunning())
}
