package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/kandev/broker/internal/store"
	v1 "github.com/kandev/broker/pkg/api/v1"
)

// UpsertAgent inserts or updates an agent's registry row (§3.3). Status is
// derived, not stored — only identity/capability/liveness fields persist.
func (r *Repository) UpsertAgent(ctx context.Context, agent *v1.Agent) error {
	capabilities, _ := json.Marshal(agent.Capabilities)
	workspaceContext := marshalWorkspaceContext(agent.WorkspaceContext)

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agents (id, display_name, role, capabilities, workspace_context, last_seen, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			role = excluded.role,
			capabilities = excluded.capabilities,
			workspace_context = excluded.workspace_context,
			last_seen = excluded.last_seen,
			source = excluded.source
	`), agent.ID, agent.DisplayName, agent.Role, string(capabilities), workspaceContext, agent.LastSeen, agent.Source)
	return err
}

// GetAgent returns a single agent with its derived status.
func (r *Repository) GetAgent(ctx context.Context, id string) (*v1.Agent, error) {
	var ar agentRow
	err := r.ro.QueryRowxContext(ctx, r.ro.Rebind(`SELECT * FROM agents WHERE id = ?`), id).StructScan(&ar)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	agent := ar.toAgent()
	status, err := r.deriveAgentStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	agent.Status = status
	return agent, nil
}

// ListAgents returns every registered agent with derived status.
func (r *Repository) ListAgents(ctx context.Context) ([]*v1.Agent, error) {
	rows, err := r.ro.QueryxContext(ctx, `SELECT * FROM agents`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*v1.Agent
	for rows.Next() {
		var ar agentRow
		if err := rows.StructScan(&ar); err != nil {
			return nil, err
		}
		agent := ar.toAgent()
		status, err := r.deriveAgentStatus(ctx, agent.ID)
		if err != nil {
			return nil, err
		}
		agent.Status = status
		out = append(out, agent)
	}
	return out, rows.Err()
}

// DeleteAgent removes an agent and its waiting-pool membership.
func (r *Repository) DeleteAgent(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM waiting_agents WHERE agent_id = ?`), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM agents WHERE id = ?`), id); err != nil {
		return err
	}
	return tx.Commit()
}

// deriveAgentStatus computes §3.3's status from presence in the waiting
// pool vs. ownership of a non-terminal task vs. neither. Never stored.
func (r *Repository) deriveAgentStatus(ctx context.Context, agentID string) (v1.AgentStatus, error) {
	var waitingCount int
	if err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT COUNT(*) FROM waiting_agents WHERE agent_id = ?`), agentID).Scan(&waitingCount); err != nil {
		return "", err
	}
	if waitingCount > 0 {
		return v1.AgentStatusWaiting, nil
	}

	var activeCount int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM tasks
		WHERE to_agent_id = ? AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
	`), agentID).Scan(&activeCount)
	if err != nil {
		return "", err
	}
	if activeCount > 0 {
		return v1.AgentStatusProcessing, nil
	}
	return v1.AgentStatusOffline, nil
}

// EnterWaiting adds an agent to the waiting pool (blocking RPC call,
// §4.4/§6.1's wait_for_task).
func (r *Repository) EnterWaiting(ctx context.Context, w *v1.WaitingAgent) error {
	capabilities, _ := json.Marshal(w.Capabilities)
	workspaceContext := marshalWorkspaceContext(w.WorkspaceContext)

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO waiting_agents (agent_id, capabilities, workspace_context, entered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			capabilities = excluded.capabilities,
			workspace_context = excluded.workspace_context,
			entered_at = excluded.entered_at
	`), w.AgentID, string(capabilities), workspaceContext, w.EnteredAt)
	return err
}

// LeaveWaiting removes an agent from the waiting pool, e.g. once matched
// to a task or on disconnect.
func (r *Repository) LeaveWaiting(ctx context.Context, agentID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM waiting_agents WHERE agent_id = ?`), agentID)
	return err
}

// ListWaiting returns the waiting pool, oldest-entered first (the
// matching order MatchingService consumes).
func (r *Repository) ListWaiting(ctx context.Context) ([]*v1.WaitingAgent, error) {
	rows, err := r.ro.QueryContext(ctx, `SELECT agent_id, capabilities, workspace_context, entered_at FROM waiting_agents ORDER BY entered_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*v1.WaitingAgent
	for rows.Next() {
		var w v1.WaitingAgent
		var capabilitiesJSON, workspaceContextJSON string
		if err := rows.Scan(&w.AgentID, &capabilitiesJSON, &workspaceContextJSON, &w.EnteredAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(capabilitiesJSON), &w.Capabilities)
		w.WorkspaceContext = unmarshalWorkspaceContext(workspaceContextJSON)
		out = append(out, &w)
	}
	return out, rows.Err()
}

// CreatePendingAck records that a task has been handed to an agent and is
// awaiting acknowledgement within AckTimeout (§4.2).
func (r *Repository) CreatePendingAck(ctx context.Context, p *v1.PendingAck) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO pending_acks (task_id, agent_id, sent_at) VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET agent_id = excluded.agent_id, sent_at = excluded.sent_at
	`), p.TaskID, p.AgentID, p.SentAt)
	return err
}

// DeletePendingAck clears a pending ack once the agent acknowledges (or
// the task is reassigned).
func (r *Repository) DeletePendingAck(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM pending_acks WHERE task_id = ?`), taskID)
	return err
}

// ListPendingAcksOlderThan returns pending acks sent before threshold, for
// the scheduler's ack-reaping sweep (§4.5).
func (r *Repository) ListPendingAcksOlderThan(ctx context.Context, threshold time.Time) ([]*v1.PendingAck, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`SELECT task_id, agent_id, sent_at FROM pending_acks WHERE sent_at < ?`), threshold)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*v1.PendingAck
	for rows.Next() {
		var p v1.PendingAck
		if err := rows.Scan(&p.TaskID, &p.AgentID, &p.SentAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

type agentRow struct {
	ID               string    `db:"id"`
	DisplayName      string    `db:"display_name"`
	Role             string    `db:"role"`
	Capabilities     string    `db:"capabilities"`
	WorkspaceContext string    `db:"workspace_context"`
	LastSeen         time.Time `db:"last_seen"`
	Source           string    `db:"source"`
}

func (ar agentRow) toAgent() *v1.Agent {
	agent := &v1.Agent{
		ID:          ar.ID,
		DisplayName: ar.DisplayName,
		Role:        ar.Role,
		LastSeen:    ar.LastSeen,
		Source:      ar.Source,
	}
	_ = json.Unmarshal([]byte(ar.Capabilities), &agent.Capabilities)
	agent.WorkspaceContext = unmarshalWorkspaceContext(ar.WorkspaceContext)
	return agent
}

func marshalWorkspaceContext(w *v1.WorkspaceContext) string {
	if w == nil {
		return ""
	}
	b, _ := json.Marshal(w)
	return string(b)
}

func unmarshalWorkspaceContext(s string) *v1.WorkspaceContext {
	if s == "" {
		return nil
	}
	var w v1.WorkspaceContext
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return nil
	}
	return &w
}
