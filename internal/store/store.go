// Package store defines the persistence boundary for the broker: atomic
// writes and indexed reads over tasks, messages, the agent registry, the
// waiting pool, pending acknowledgements, and the event log. The Store
// contains no policy — it is pure entity-level persistence, consumed by
// internal/broker/* which owns the state machine and scheduling rules.
package store

import (
	"context"
	"errors"
	"time"

	v1 "github.com/kandev/broker/pkg/api/v1"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrDependencyCycle is returned when a task's declared dependencies would
// form a cycle.
var ErrDependencyCycle = errors.New("store: dependency cycle")

// TaskMutation is applied to a task and its side effects inside a single
// transaction: the task row, an appended history entry, and the next event
// sequence number are all written atomically.
type TaskMutation struct {
	Task    *v1.Task
	History *v1.HistoryEntry // nil if this write doesn't represent a transition
}

// Store is the persistence interface consumed by internal/broker/*.
type Store interface {
	// Tasks

	CreateTask(ctx context.Context, task *v1.Task) error
	GetTask(ctx context.Context, id string) (*v1.Task, error)
	// UpdateTask applies mut.Task as the new row state, appends mut.History
	// (if non-nil) to the task's history, and allocates the next event
	// sequence number, all within one transaction.
	UpdateTask(ctx context.Context, mut TaskMutation) (seq int64, err error)
	// ListTasksByStatus returns tasks in the given statuses ordered by
	// priority desc, createdAt asc — the order MatchingService consumes.
	ListTasksByStatus(ctx context.Context, statuses ...v1.TaskStatus) ([]*v1.Task, error)
	// ListTasksByAgent returns the agent's non-terminal tasks.
	ListTasksByAgent(ctx context.Context, agentID string) ([]*v1.Task, error)
	// ListAllTasks returns every task, including CANCELLED (soft-deleted),
	// for administrative listing.
	ListAllTasks(ctx context.Context) ([]*v1.Task, error)

	// Messages

	AppendMessage(ctx context.Context, msg *v1.TaskMessage) error
	ListMessages(ctx context.Context, taskID string) ([]*v1.TaskMessage, error)
	MarkMessagesRead(ctx context.Context, taskID string) error

	// Agent registry

	UpsertAgent(ctx context.Context, agent *v1.Agent) error
	GetAgent(ctx context.Context, id string) (*v1.Agent, error)
	ListAgents(ctx context.Context) ([]*v1.Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	// Waiting pool

	EnterWaiting(ctx context.Context, w *v1.WaitingAgent) error
	LeaveWaiting(ctx context.Context, agentID string) error
	ListWaiting(ctx context.Context) ([]*v1.WaitingAgent, error)

	// Pending acks

	CreatePendingAck(ctx context.Context, p *v1.PendingAck) error
	DeletePendingAck(ctx context.Context, taskID string) error
	ListPendingAcksOlderThan(ctx context.Context, threshold time.Time) ([]*v1.PendingAck, error)

	// Events

	ListEventsSince(ctx context.Context, seq int64) ([]*v1.Event, error)
	LatestSeq(ctx context.Context) (int64, error)

	// Evictions

	// CreateEviction queues an eviction signal for agentID, consumed the
	// next time that agent calls wait_for_task (§4.4 step 2).
	CreateEviction(ctx context.Context, agentID string) error
	// TakePendingEviction atomically consumes and clears a pending
	// eviction for agentID, reporting whether one was present.
	TakePendingEviction(ctx context.Context, agentID string) (bool, error)

	// System prompts

	// CreateSystemPrompt queues a one-shot prompt for p.AgentID, consumed
	// the next time that agent calls wait_for_task.
	CreateSystemPrompt(ctx context.Context, p *v1.SystemPrompt) error
	// TakePendingSystemPrompt atomically consumes and returns the
	// highest-priority pending prompt for agentID (oldest first within a
	// priority), or (nil, nil) if none is queued.
	TakePendingSystemPrompt(ctx context.Context, agentID string) (*v1.SystemPrompt, error)

	// Settings

	// GetSetting returns the value stored under key, reporting whether it
	// exists.
	GetSetting(ctx context.Context, key string) (string, bool, error)
	// SetSettingIfAbsent stores value under key only if no row exists yet
	// for it, returning the value now persisted — the caller's value on
	// first write, the existing value if another writer won the race.
	// internal/admin uses this to generate the shared admin secret once
	// and have it survive restarts (§6.2).
	SetSettingIfAbsent(ctx context.Context, key, value string) (string, error)

	Close() error
}
