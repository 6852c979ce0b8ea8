package sqlite

import (
	"context"
	"database/sql"
	"time"
)

// CreateEviction queues an eviction signal for agentID.
func (r *Repository) CreateEviction(ctx context.Context, agentID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO evictions (agent_id, queued_at) VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET queued_at = excluded.queued_at
	`), agentID, time.Now().UTC())
	return err
}

// TakePendingEviction atomically consumes a pending eviction for agentID.
func (r *Repository) TakePendingEviction(ctx context.Context, agentID string) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var queuedAt sql.NullTime
	err = tx.QueryRowContext(ctx, tx.Rebind(`SELECT queued_at FROM evictions WHERE agent_id = ?`), agentID).Scan(&queuedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM evictions WHERE agent_id = ?`), agentID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
