package matching

import (
	"context"

	"github.com/kandev/broker/internal/store"
	v1 "github.com/kandev/broker/pkg/api/v1"
)

// Service answers the two directional matching queries over the waiting
// pool and the queued-task set. Both queries are read-only: the caller
// (internal/broker/lifecycle's Reserve) performs the actual reservation in
// a single transaction that re-validates preconditions, eliminating the
// TOCTOU race between a match and its reservation.
type Service struct {
	store store.Store
}

// New creates a MatchingService backed by store.
func New(s store.Store) *Service {
	return &Service{store: s}
}

// ReserveAgentForTask picks an eligible waiting agent for task, or ("",
// nil) if none is currently eligible.
func (s *Service) ReserveAgentForTask(ctx context.Context, task *v1.Task) (string, error) {
	waiting, err := s.store.ListWaiting(ctx)
	if err != nil {
		return "", err
	}

	if task.To.AgentID != nil {
		for _, w := range waiting {
			if w.AgentID == *task.To.AgentID && workspaceMatches(task.To.WorkspaceID, w.WorkspaceContext) {
				return w.AgentID, nil
			}
		}
		return "", nil
	}

	// ListWaiting already returns entries ordered oldest-entered first.
	for _, w := range waiting {
		if capabilitiesSatisfied(task.To.Capabilities, w.Capabilities) && workspaceMatches(task.To.WorkspaceID, w.WorkspaceContext) {
			return w.AgentID, nil
		}
	}
	return "", nil
}

// ReserveTaskForAgent picks an eligible queued task for an agent with the
// given capabilities/workspace context, or nil if none is currently
// eligible.
func (s *Service) ReserveTaskForAgent(ctx context.Context, agentID string, capabilities []string, workspaceContext *v1.WorkspaceContext) (*v1.Task, error) {
	tasks, err := s.store.ListTasksByStatus(ctx, v1.TaskStatusQueued, v1.TaskStatusApprovedQueued)
	if err != nil {
		return nil, err
	}

	// ListTasksByStatus already orders priority-desc, createdAt-asc.
	for _, task := range tasks {
		if task.To.AgentID != nil && *task.To.AgentID != agentID {
			continue
		}
		satisfied, err := s.dependenciesSatisfied(ctx, task)
		if err != nil {
			return nil, err
		}
		if !satisfied {
			continue
		}
		if !capabilitiesSatisfied(task.To.Capabilities, capabilities) {
			continue
		}
		if task.To.AgentID == nil && !workspaceMatches(task.To.WorkspaceID, workspaceContext) {
			continue
		}
		return task, nil
	}
	return nil, nil
}

func (s *Service) dependenciesSatisfied(ctx context.Context, task *v1.Task) (bool, error) {
	for _, depID := range task.Dependencies {
		dep, err := s.store.GetTask(ctx, depID)
		if err != nil {
			if err == store.ErrNotFound {
				return false, nil
			}
			return false, err
		}
		if dep.Status != v1.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// capabilitiesSatisfied reports whether required is a subset of available
// (set containment). An empty requirement matches any agent.
func capabilitiesSatisfied(required, available []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(available))
	for _, c := range available {
		have[c] = true
	}
	for _, want := range required {
		if !have[want] {
			return false
		}
	}
	return true
}

// workspaceMatches implements §4.3's best-effort workspace predicate: if
// the task declares a workspaceId, the agent's workspace repoId must
// match it. If the task declares none, any agent (with or without a
// workspace context) is eligible.
func workspaceMatches(workspaceID *string, agentWorkspace *v1.WorkspaceContext) bool {
	if workspaceID == nil {
		return true
	}
	if agentWorkspace == nil {
		return false
	}
	return agentWorkspace.RepoID == *workspaceID
}
