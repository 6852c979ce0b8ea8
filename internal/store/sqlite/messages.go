package sqlite

import (
	"context"
	"encoding/json"

	commonsqlite "github.com/kandev/broker/internal/common/sqlite"
	v1 "github.com/kandev/broker/pkg/api/v1"
)

// AppendMessage inserts a comment/progress/review message on a task's
// thread (§3.4). It does not touch the task row or its activity timestamp.
func (r *Repository) AppendMessage(ctx context.Context, msg *v1.TaskMessage) error {
	metadata, _ := json.Marshal(msg.Metadata)
	images, _ := json.Marshal(msg.Images)

	var replyTo string
	if msg.ReplyTo != nil {
		replyTo = *msg.ReplyTo
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO task_messages (
			id, task_id, timestamp, role, content, is_read,
			message_type, reply_to, metadata, images
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.TaskID, msg.Timestamp, msg.Role, msg.Content, commonsqlite.BoolToInt(msg.IsRead),
		msg.MessageType, replyTo, string(metadata), string(images))
	return err
}

// ListMessages returns a task's message thread ordered oldest-first.
func (r *Repository) ListMessages(ctx context.Context, taskID string) ([]*v1.TaskMessage, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, task_id, timestamp, role, content, is_read,
			message_type, reply_to, metadata, images
		FROM task_messages WHERE task_id = ? ORDER BY timestamp ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*v1.TaskMessage
	for rows.Next() {
		var m v1.TaskMessage
		var isRead int
		var replyTo, metadataJSON, imagesJSON string
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Timestamp, &m.Role, &m.Content, &isRead,
			&m.MessageType, &replyTo, &metadataJSON, &imagesJSON); err != nil {
			return nil, err
		}
		m.IsRead = isRead != 0
		if replyTo != "" {
			m.ReplyTo = &replyTo
		}
		_ = json.Unmarshal([]byte(metadataJSON), &m.Metadata)
		_ = json.Unmarshal([]byte(imagesJSON), &m.Images)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MarkMessagesRead marks every message on a task's thread as read, e.g.
// when the originator views the task.
func (r *Repository) MarkMessagesRead(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE task_messages SET is_read = 1 WHERE task_id = ?`), taskID)
	return err
}
