// Package poller implements the long-poll delivery mechanism: wait_for_task
// and wait_for_completion, including their cancellation/timeout semantics
// (§4.4).
package poller

import (
	"context"
	"time"

	"github.com/kandev/broker/internal/broker/errs"
	"github.com/kandev/broker/internal/broker/lifecycle"
	"github.com/kandev/broker/internal/broker/matching"
	"github.com/kandev/broker/internal/broker/registry"
	"github.com/kandev/broker/internal/common/logger"
	"github.com/kandev/broker/internal/events/bus"
	"github.com/kandev/broker/internal/store"
	v1 "github.com/kandev/broker/pkg/api/v1"
)

// ResultKind classifies what waitForTask resolved to.
type ResultKind string

const (
	ResultTask         ResultKind = "task"
	ResultEviction     ResultKind = "eviction"
	ResultSystemPrompt ResultKind = "system_prompt"
	ResultIdle         ResultKind = "idle"
)

// Result is what waitForTask delivers to a polling agent.
type Result struct {
	Kind   ResultKind
	Task   *v1.Task
	Prompt *v1.SystemPrompt
}

// Poller implements the blocking wait_for_task/wait_for_completion RPCs,
// grounded on the clarification long-poll pattern of inserting a durable
// row, subscribing to a private notification channel, then racing that
// notification against a timer.
type Poller struct {
	store    store.Store
	registry *registry.Registry
	matcher  *matching.Service
	lc       *lifecycle.Lifecycle
	bus      bus.EventBus
	log      *logger.Logger
}

// New creates a Poller.
func New(s store.Store, reg *registry.Registry, matcher *matching.Service, lc *lifecycle.Lifecycle, b bus.EventBus) *Poller {
	return &Poller{store: s, registry: reg, matcher: matcher, lc: lc, bus: b, log: logger.Default()}
}

// WaitForTask implements §4.4's waitForTask protocol.
func (p *Poller) WaitForTask(ctx context.Context, agentID string, capabilities []string, workspaceContext *v1.WorkspaceContext, timeout time.Duration) (Result, error) {
	if err := p.registry.Heartbeat(ctx, agentID); err != nil {
		if err == store.ErrNotFound {
			return Result{}, errs.New(errs.KindNotFound, "agent is not registered")
		}
		return Result{}, errs.Wrap(err)
	}

	evicted, err := p.store.TakePendingEviction(ctx, agentID)
	if err != nil {
		return Result{}, errs.Wrap(err)
	}
	if evicted {
		return Result{Kind: ResultEviction}, nil
	}

	if prompt, err := p.store.TakePendingSystemPrompt(ctx, agentID); err != nil {
		return Result{}, errs.Wrap(err)
	} else if prompt != nil {
		return Result{Kind: ResultSystemPrompt, Prompt: prompt}, nil
	}

	if task, err := p.matcher.ReserveTaskForAgent(ctx, agentID, capabilities, workspaceContext); err != nil {
		return Result{}, err
	} else if task != nil {
		reserved, err := p.lc.Reserve(ctx, task.ID, agentID)
		if err == nil {
			return Result{Kind: ResultTask, Task: reserved}, nil
		}
		p.log.WithTaskID(task.ID).WithAgentID(agentID).WithError(err).Debug("lost reservation race, entering waiting set")
	}

	if err := p.store.EnterWaiting(ctx, &v1.WaitingAgent{
		AgentID:          agentID,
		Capabilities:     capabilities,
		WorkspaceContext: workspaceContext,
		EnteredAt:        time.Now().UTC(),
	}); err != nil {
		return Result{}, err
	}

	wakeCh := make(chan *bus.Event, 1)
	var sub bus.Subscription
	if p.bus != nil {
		sub, err = p.bus.Subscribe(lifecycle.AgentWakeSubject(agentID), func(_ context.Context, e *bus.Event) error {
			select {
			case wakeCh <- e:
			default:
			}
			return nil
		})
		if err != nil {
			return Result{}, err
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-wakeCh:
		_ = p.store.LeaveWaiting(ctx, agentID)
		return p.resolveWake(ctx, agentID, e)
	case <-timer.C:
		_ = p.store.LeaveWaiting(ctx, agentID)
		return Result{Kind: ResultIdle}, nil
	case <-ctx.Done():
		_ = p.store.LeaveWaiting(ctx, agentID)
		return Result{}, ctx.Err()
	}
}

// resolveWake interprets the private wake signal: a task reservation, an
// eviction, or a freshly queued system prompt.
func (p *Poller) resolveWake(ctx context.Context, agentID string, e *bus.Event) (Result, error) {
	switch e.Type {
	case "eviction":
		return Result{Kind: ResultEviction}, nil
	case "system_prompt":
		prompt, err := p.store.TakePendingSystemPrompt(ctx, agentID)
		if err != nil {
			return Result{}, err
		}
		if prompt == nil {
			return Result{Kind: ResultIdle}, nil
		}
		return Result{Kind: ResultSystemPrompt, Prompt: prompt}, nil
	case "task:reserved":
		taskID, _ := e.Data["taskId"].(string)
		if taskID == "" {
			return Result{Kind: ResultIdle}, nil
		}
		task, err := p.store.GetTask(ctx, taskID)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: ResultTask, Task: task}, nil
	default:
		return Result{Kind: ResultIdle}, nil
	}
}

// WaitForCompletion subscribes to a per-task completion broadcast,
// resolving when the task enters a terminal state or timing out.
func (p *Poller) WaitForCompletion(ctx context.Context, taskID string, timeout time.Duration) (*v1.Task, error) {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	doneCh := make(chan struct{}, 1)
	var sub bus.Subscription
	if p.bus != nil {
		sub, err = p.bus.Subscribe(lifecycle.TaskDoneSubject(taskID), func(_ context.Context, e *bus.Event) error {
			select {
			case doneCh <- struct{}{}:
			default:
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-doneCh:
		return p.store.GetTask(ctx, taskID)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
