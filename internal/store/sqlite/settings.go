package sqlite

import (
	"context"
	"database/sql"
)

// GetSetting returns the value stored under key, reporting whether it
// exists.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT value FROM settings WHERE key = ?`), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSettingIfAbsent stores value under key only if no row exists yet,
// returning the value now persisted (the caller's value on first write,
// the existing value on a race with a concurrent writer).
func (r *Repository) SetSettingIfAbsent(ctx context.Context, key, value string) (string, error) {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`), key, value)
	if err != nil {
		return "", err
	}
	stored, _, err := r.GetSetting(ctx, key)
	return stored, err
}
