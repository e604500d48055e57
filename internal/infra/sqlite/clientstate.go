// Client-side state schema.
// Integer counters that must survive reloads, such as the local fallback
// credit balance kept before an identity exists.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
)

// ClientStateMigrations returns the client key/value schema statements.
func ClientStateMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS client_state (
			key        TEXT PRIMARY KEY,
			value      INTEGER NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
}

// GetInt reads a counter. ok is false when the key was never written.
func (db *DB) GetInt(ctx context.Context, key string) (value int64, ok bool, err error) {
	err = db.db.QueryRowContext(ctx,
		`SELECT value FROM client_state WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

// SetInt writes a counter.
func (db *DB) SetInt(ctx context.Context, key string, value int64) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO client_state (key, value, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			updated_at = datetime('now')
	`, key, value)
	return err
}
