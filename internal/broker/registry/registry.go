// Package registry implements the AgentRegistry component: the lifecycle
// of known agents outside of task assignment itself — registration,
// heartbeat, capability/workspace metadata, and eviction signals.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/broker/internal/broker/lifecycle"
	"github.com/kandev/broker/internal/events/bus"
	"github.com/kandev/broker/internal/store"
	v1 "github.com/kandev/broker/pkg/api/v1"
)

// StatusSubject is the event bus subject published on every agent
// registration and eviction; Heartbeat does not publish it.
const StatusSubject = "agent:status"

// Registry owns agent identity/liveness, independent of the task state
// machine owned by internal/broker/lifecycle.
type Registry struct {
	store store.Store
	bus   bus.EventBus
}

// New creates a Registry backed by s, publishing status changes on b.
func New(s store.Store, b bus.EventBus) *Registry {
	return &Registry{store: s, bus: b}
}

// RegisterAgent upserts an agent's identity and capabilities (§6.1's
// register_agent RPC) and publishes agent:status.
func (r *Registry) RegisterAgent(ctx context.Context, req *v1.RegisterAgentRequest) (*v1.Agent, error) {
	agent := &v1.Agent{
		ID:               req.ID,
		DisplayName:      req.DisplayName,
		Role:             req.Role,
		Capabilities:     req.Capabilities,
		WorkspaceContext: req.WorkspaceContext,
		LastSeen:         time.Now().UTC(),
		Source:           req.Source,
	}
	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}

	got, err := r.store.GetAgent(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, got)
	return got, nil
}

// Heartbeat touches an agent's lastSeen without altering its registered
// metadata (§4.4 step 1, run at the top of every wait_for_task call).
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	agent.LastSeen = time.Now().UTC()
	return r.store.UpsertAgent(ctx, agent)
}

// Evict queues an eviction signal for agentID, delivered the next time
// that agent polls wait_for_task (§4.4 step 2), and wakes an
// already-waiting poller immediately on its private notification channel.
func (r *Registry) Evict(ctx context.Context, agentID string) error {
	if err := r.store.CreateEviction(ctx, agentID); err != nil {
		return err
	}
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	r.publish(ctx, agent)
	r.publishWake(ctx, agentID, "eviction")
	return nil
}

// BroadcastSystemPrompt resolves req's target (a single agent, every agent
// advertising a capability, or every registered agent) and queues one
// SystemPrompt row per resolved agent, expanding the request into concrete
// rows at creation time rather than tracking per-agent delivery separately.
// Any agent already blocked in wait_for_task is woken immediately.
func (r *Registry) BroadcastSystemPrompt(ctx context.Context, req *v1.BroadcastSystemPromptRequest) (int, error) {
	agentIDs, err := r.resolveTargets(ctx, req)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, agentID := range agentIDs {
		prompt := &v1.SystemPrompt{
			ID:         uuid.New().String(),
			AgentID:    agentID,
			PromptType: req.PromptType,
			Message:    req.Message,
			Payload:    req.Payload,
			Priority:   req.Priority,
			CreatedAt:  now,
		}
		if err := r.store.CreateSystemPrompt(ctx, prompt); err != nil {
			return 0, err
		}
		r.publishWake(ctx, agentID, "system_prompt")
	}
	return len(agentIDs), nil
}

func (r *Registry) resolveTargets(ctx context.Context, req *v1.BroadcastSystemPromptRequest) ([]string, error) {
	if req.TargetAgentID != nil && *req.TargetAgentID != "" {
		return []string{*req.TargetAgentID}, nil
	}

	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	if req.Broadcast {
		ids := make([]string, 0, len(agents))
		for _, a := range agents {
			ids = append(ids, a.ID)
		}
		return ids, nil
	}

	if req.Capability != nil && *req.Capability != "" {
		var ids []string
		for _, a := range agents {
			for _, c := range a.Capabilities {
				if c == *req.Capability {
					ids = append(ids, a.ID)
					break
				}
			}
		}
		return ids, nil
	}

	return nil, nil
}

// GetAgent returns a single registered agent with its derived status.
func (r *Registry) GetAgent(ctx context.Context, agentID string) (*v1.Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

// ListAgents returns every registered agent with its derived status.
func (r *Registry) ListAgents(ctx context.Context) ([]*v1.Agent, error) {
	return r.store.ListAgents(ctx)
}

// Forget removes an agent from the registry entirely, e.g. on explicit
// deregistration. Its waiting-pool membership is removed with it.
func (r *Registry) Forget(ctx context.Context, agentID string) error {
	return r.store.DeleteAgent(ctx, agentID)
}

func (r *Registry) publish(ctx context.Context, agent *v1.Agent) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(StatusSubject, "registry", map[string]interface{}{
		"agentId": agent.ID,
		"status":  string(agent.Status),
	})
	_ = r.bus.Publish(ctx, StatusSubject, event)
}

func (r *Registry) publishWake(ctx context.Context, agentID, eventType string) {
	if r.bus == nil {
		return
	}
	subject := lifecycle.AgentWakeSubject(agentID)
	event := bus.NewEvent(eventType, "registry", map[string]interface{}{"agentId": agentID})
	_ = r.bus.Publish(ctx, subject, event)
}
