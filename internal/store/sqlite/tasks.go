package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/broker/internal/store"
	v1 "github.com/kandev/broker/pkg/api/v1"
)

// CreateTask inserts a new task and rejects it if its declared dependencies
// would form a cycle.
func (r *Repository) CreateTask(ctx context.Context, task *v1.Task) error {
	if err := r.checkDependencyCycle(ctx, task.ID, task.Dependencies); err != nil {
		return err
	}

	toCapabilities, _ := json.Marshal(task.To.Capabilities)
	taskContext, _ := json.Marshal(task.Context)
	dependencies, _ := json.Marshal(task.Dependencies)

	var toAgentID, toWorkspaceID string
	if task.To.AgentID != nil {
		toAgentID = *task.To.AgentID
	}
	if task.To.WorkspaceID != nil {
		toWorkspaceID = *task.To.WorkspaceID
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO tasks (
			id, prompt, title, from_type, from_id, from_name,
			to_agent_id, to_capabilities, to_workspace_id,
			priority, status, context, dependencies,
			created_at, last_progress_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.Prompt, task.Title, task.From.Type, task.From.ID, task.From.Name,
		toAgentID, string(toCapabilities), toWorkspaceID,
		task.Priority, task.Status, string(taskContext), string(dependencies),
		task.CreatedAt, task.LastProgressAt)
	if err != nil {
		return err
	}

	if _, err := insertEvent(ctx, tx, "task:created", map[string]any{"taskId": task.ID, "status": string(task.Status)}); err != nil {
		return err
	}

	return tx.Commit()
}

// GetTask retrieves a task by id along with its history.
func (r *Repository) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	row := r.ro.QueryRowxContext(ctx, r.ro.Rebind(`SELECT * FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	history, err := r.listHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	task.History = history

	messages, err := r.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Messages = messages

	return task, nil
}

// UpdateTask writes the new task state, appends a history entry if one is
// given, and allocates the next event sequence number — all in one
// transaction, per the Store's atomicity contract.
func (r *Repository) UpdateTask(ctx context.Context, mut store.TaskMutation) (int64, error) {
	task := mut.Task

	toCapabilities, _ := json.Marshal(task.To.Capabilities)
	taskContext, _ := json.Marshal(task.Context)
	dependencies, _ := json.Marshal(task.Dependencies)

	var toAgentID, toWorkspaceID string
	if task.To.AgentID != nil {
		toAgentID = *task.To.AgentID
	}
	if task.To.WorkspaceID != nil {
		toWorkspaceID = *task.To.WorkspaceID
	}

	var responseMessage, responseDiff, responseBlockedReason string
	var responseArtifacts []byte = []byte("[]")
	if task.Response != nil {
		responseMessage = task.Response.Message
		responseDiff = task.Response.Diff
		responseBlockedReason = task.Response.BlockedReason
		if b, err := json.Marshal(task.Response.Artifacts); err == nil {
			responseArtifacts = b
		}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET
			title = ?, to_agent_id = ?, to_capabilities = ?, to_workspace_id = ?,
			priority = ?, status = ?, context = ?, dependencies = ?,
			completed_at = ?, last_progress_at = ?,
			response_message = ?, response_artifacts = ?, response_diff = ?, response_blocked_reason = ?
		WHERE id = ?
	`), task.Title, toAgentID, string(toCapabilities), toWorkspaceID,
		task.Priority, task.Status, string(taskContext), string(dependencies),
		task.CompletedAt, task.LastProgressAt,
		responseMessage, string(responseArtifacts), responseDiff, responseBlockedReason,
		task.ID)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return 0, store.ErrNotFound
	}

	if mut.History != nil {
		var agentID, message string
		if mut.History.AgentID != nil {
			agentID = *mut.History.AgentID
		}
		if mut.History.Message != nil {
			message = *mut.History.Message
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO task_history (task_id, timestamp, status, agent_id, message)
			VALUES (?, ?, ?, ?, ?)
		`), task.ID, mut.History.Timestamp, mut.History.Status, agentID, message)
		if err != nil {
			return 0, err
		}
	}

	seq, err := insertEvent(ctx, tx, "task:updated", map[string]any{"taskId": task.ID, "status": string(task.Status)})
	if err != nil {
		return 0, err
	}

	return seq, tx.Commit()
}

// ListTasksByStatus returns tasks in the given statuses ordered by priority
// desc, createdAt asc.
func (r *Repository) ListTasksByStatus(ctx context.Context, statuses ...v1.TaskStatus) ([]*v1.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = s
	}
	query := fmt.Sprintf(`
		SELECT * FROM tasks WHERE status IN (%s)
		ORDER BY CASE priority WHEN 'critical' THEN 2 WHEN 'high' THEN 1 ELSE 0 END DESC, created_at ASC
	`, strings.Join(placeholders, ","))

	rows, err := r.ro.QueryxContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

// ListTasksByAgent returns the agent's non-terminal tasks.
func (r *Repository) ListTasksByAgent(ctx context.Context, agentID string) ([]*v1.Task, error) {
	rows, err := r.ro.QueryxContext(ctx, r.ro.Rebind(`
		SELECT * FROM tasks
		WHERE to_agent_id = ? AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
		ORDER BY created_at ASC
	`), agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

// ListAllTasks returns every task, including CANCELLED ones.
func (r *Repository) ListAllTasks(ctx context.Context) ([]*v1.Task, error) {
	rows, err := r.ro.QueryxContext(ctx, `SELECT * FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

func (r *Repository) listHistory(ctx context.Context, taskID string) ([]v1.HistoryEntry, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT timestamp, status, agent_id, message FROM task_history
		WHERE task_id = ? ORDER BY timestamp ASC, id ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []v1.HistoryEntry
	for rows.Next() {
		var h v1.HistoryEntry
		var agentID, message string
		if err := rows.Scan(&h.Timestamp, &h.Status, &agentID, &message); err != nil {
			return nil, err
		}
		if agentID != "" {
			h.AgentID = &agentID
		}
		if message != "" {
			h.Message = &message
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// checkDependencyCycle walks the dependency graph reachable from deps and
// fails if it ever reaches taskID.
func (r *Repository) checkDependencyCycle(ctx context.Context, taskID string, deps []string) error {
	visited := make(map[string]bool)
	queue := append([]string{}, deps...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == taskID {
			return store.ErrDependencyCycle
		}
		if visited[id] {
			continue
		}
		visited[id] = true

		var depsJSON string
		err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT dependencies FROM tasks WHERE id = ?`), id).Scan(&depsJSON)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		var next []string
		_ = json.Unmarshal([]byte(depsJSON), &next)
		queue = append(queue, next...)
	}
	return nil
}

type taskRow struct {
	ID                    string         `db:"id"`
	Prompt                string         `db:"prompt"`
	Title                 string         `db:"title"`
	FromType              string         `db:"from_type"`
	FromID                string         `db:"from_id"`
	FromName              string         `db:"from_name"`
	ToAgentID             string         `db:"to_agent_id"`
	ToCapabilities        string         `db:"to_capabilities"`
	ToWorkspaceID         string         `db:"to_workspace_id"`
	Priority              string         `db:"priority"`
	Status                string         `db:"status"`
	Context               string         `db:"context"`
	Dependencies          string         `db:"dependencies"`
	CreatedAt             sql.NullTime   `db:"created_at"`
	CompletedAt           sql.NullTime   `db:"completed_at"`
	LastProgressAt        sql.NullTime   `db:"last_progress_at"`
	ResponseMessage       string         `db:"response_message"`
	ResponseArtifacts     string         `db:"response_artifacts"`
	ResponseDiff          string         `db:"response_diff"`
	ResponseBlockedReason string         `db:"response_blocked_reason"`
}

func scanTask(row *sqlx.Row) (*v1.Task, error) {
	var tr taskRow
	if err := row.StructScan(&tr); err != nil {
		return nil, err
	}
	return tr.toTask(), nil
}

func scanTasks(rows *sqlx.Rows) ([]*v1.Task, error) {
	var out []*v1.Task
	for rows.Next() {
		var tr taskRow
		if err := rows.StructScan(&tr); err != nil {
			return nil, err
		}
		out = append(out, tr.toTask())
	}
	return out, rows.Err()
}

func (tr taskRow) toTask() *v1.Task {
	task := &v1.Task{
		ID:     tr.ID,
		Prompt: tr.Prompt,
		Title:  tr.Title,
		From: v1.Originator{
			Type: v1.OriginatorType(tr.FromType),
			ID:   tr.FromID,
			Name: tr.FromName,
		},
		Priority: v1.Priority(tr.Priority),
		Status:   v1.TaskStatus(tr.Status),
	}

	if tr.ToAgentID != "" {
		id := tr.ToAgentID
		task.To.AgentID = &id
	}
	if tr.ToWorkspaceID != "" {
		id := tr.ToWorkspaceID
		task.To.WorkspaceID = &id
	}
	_ = json.Unmarshal([]byte(tr.ToCapabilities), &task.To.Capabilities)
	_ = json.Unmarshal([]byte(tr.Context), &task.Context)
	_ = json.Unmarshal([]byte(tr.Dependencies), &task.Dependencies)

	if tr.CreatedAt.Valid {
		task.CreatedAt = tr.CreatedAt.Time
	}
	if tr.CompletedAt.Valid {
		t := tr.CompletedAt.Time
		task.CompletedAt = &t
	}
	if tr.LastProgressAt.Valid {
		task.LastProgressAt = tr.LastProgressAt.Time
	}

	if tr.ResponseMessage != "" || tr.ResponseDiff != "" || tr.ResponseBlockedReason != "" || tr.ResponseArtifacts != "[]" && tr.ResponseArtifacts != "" {
		resp := &v1.TaskResponse{
			Message:       tr.ResponseMessage,
			Diff:          tr.ResponseDiff,
			BlockedReason: tr.ResponseBlockedReason,
		}
		_ = json.Unmarshal([]byte(tr.ResponseArtifacts), &resp.Artifacts)
		task.Response = resp
	}

	return task
}
