package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	v1 "github.com/kandev/broker/pkg/api/v1"
)

// insertEvent appends a row to the event log within tx and returns its
// allocated sequence number, so callers can commit the state write and the
// event allocation atomically.
func insertEvent(ctx context.Context, tx *sqlx.Tx, kind string, payload map[string]any) (int64, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	result, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO events (kind, payload) VALUES (?, ?)`), kind, string(payloadJSON))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// ListEventsSince returns events with seq > since, ascending, for
// gap-detection catch-up on the streaming interface (§6.3).
func (r *Repository) ListEventsSince(ctx context.Context, since int64) ([]*v1.Event, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT seq, kind, payload FROM events WHERE seq > ? ORDER BY seq ASC
	`), since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*v1.Event
	for rows.Next() {
		var e v1.Event
		var payloadJSON string
		if err := rows.Scan(&e.Seq, &e.Kind, &payloadJSON); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payloadJSON), &e.Payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// LatestSeq returns the highest allocated event sequence number, or 0 if
// the log is empty.
func (r *Repository) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.ro.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
