package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	v1 "github.com/kandev/broker/pkg/api/v1"
)

type systemPromptRow struct {
	ID         string    `db:"id"`
	AgentID    string    `db:"agent_id"`
	PromptType string    `db:"prompt_type"`
	Message    string    `db:"message"`
	Payload    string    `db:"payload"`
	Priority   string    `db:"priority"`
	CreatedAt  time.Time `db:"created_at"`
}

func (row *systemPromptRow) toSystemPrompt() *v1.SystemPrompt {
	var payload map[string]any
	_ = json.Unmarshal([]byte(row.Payload), &payload)
	return &v1.SystemPrompt{
		ID:         row.ID,
		AgentID:    row.AgentID,
		PromptType: row.PromptType,
		Message:    row.Message,
		Payload:    payload,
		Priority:   v1.Priority(row.Priority),
		CreatedAt:  row.CreatedAt,
	}
}

// CreateSystemPrompt queues a one-shot prompt for p.AgentID.
func (r *Repository) CreateSystemPrompt(ctx context.Context, p *v1.SystemPrompt) error {
	payload, _ := json.Marshal(p.Payload)
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO system_prompts (id, agent_id, prompt_type, message, payload, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.AgentID, p.PromptType, p.Message, string(payload), string(p.Priority), p.CreatedAt)
	return err
}

// TakePendingSystemPrompt atomically consumes the oldest queued prompt for
// agentID, highest priority first.
func (r *Repository) TakePendingSystemPrompt(ctx context.Context, agentID string) (*v1.SystemPrompt, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var row systemPromptRow
	err = tx.QueryRowxContext(ctx, tx.Rebind(`
		SELECT * FROM system_prompts WHERE agent_id = ?
		ORDER BY CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 ELSE 2 END, created_at ASC
		LIMIT 1
	`), agentID).StructScan(&row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM system_prompts WHERE id = ?`), row.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return row.toSystemPrompt(), nil
}
