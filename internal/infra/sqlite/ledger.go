// Credit ledger schema and operations.
// Balances, the audit trail of entries, applied flush keys, and channel
// unlocks.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/wwc-network/wwc/internal/domain"
)

// compile-time interface check
var _ domain.LedgerStore = (*DB)(nil)

// ─── Ledger Schema ──────────────────────────────────────────────────────────

// LedgerMigrations returns the credit ledger schema statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func LedgerMigrations() []string {
	return []string{
		// One balance row per identity
		`CREATE TABLE IF NOT EXISTS credit_accounts (
			identity   TEXT PRIMARY KEY,
			balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		// Audit trail: one row per successful mutation
		`CREATE TABLE IF NOT EXISTS credit_entries (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id        TEXT NOT NULL UNIQUE,
			identity        TEXT NOT NULL,
			tx_type         TEXT NOT NULL,
			amount          INTEGER NOT NULL,
			reason          TEXT NOT NULL DEFAULT '',
			note            TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			balance_after   INTEGER NOT NULL,
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_entries_identity ON credit_entries(identity, seq)`,

		// Applied flush keys; replays return balance_after unchanged
		`CREATE TABLE IF NOT EXISTS credit_flush_keys (
			identity      TEXT NOT NULL,
			key           TEXT NOT NULL,
			amount        INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			created_at    TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (identity, key)
		)`,

		// Channel unlocks
		`CREATE TABLE IF NOT EXISTS channel_unlocks (
			identity     TEXT NOT NULL,
			channel_slug TEXT NOT NULL,
			unlocked_via TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			PRIMARY KEY (identity, channel_slug)
		)`,
	}
}

// ─── Balance Operations ─────────────────────────────────────────────────────

func ensureAccount(ctx context.Context, tx *sql.Tx, id domain.Identity) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_accounts (identity) VALUES (?)
		ON CONFLICT(identity) DO NOTHING
	`, string(id))
	return err
}

// Balance returns the balance, materializing a zero row for new identities.
func (db *DB) Balance(ctx context.Context, id domain.Identity) (int64, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := ensureAccount(ctx, tx, id); err != nil {
		return 0, err
	}
	var bal int64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE identity = ?`, string(id),
	).Scan(&bal); err != nil {
		return 0, err
	}
	return bal, tx.Commit()
}

// Add increments a balance in a single UPDATE and appends an entry.
func (db *DB) Add(ctx context.Context, req domain.AddRequest) (domain.AddResult, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.AddResult{}, err
	}
	defer tx.Rollback()

	if err := ensureAccount(ctx, tx, req.Identity); err != nil {
		return domain.AddResult{}, err
	}

	if req.IdempotencyKey != "" {
		var prior int64
		err := tx.QueryRowContext(ctx, `
			SELECT balance_after FROM credit_flush_keys WHERE identity = ? AND key = ?
		`, string(req.Identity), req.IdempotencyKey).Scan(&prior)
		if err == nil {
			return domain.AddResult{Balance: prior, Replayed: true}, tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.AddResult{}, err
		}
	}

	var bal int64
	if err := tx.QueryRowContext(ctx, `
		UPDATE credit_accounts
		SET balance = balance + ?, updated_at = datetime('now')
		WHERE identity = ?
		RETURNING balance
	`, req.Amount, string(req.Identity)).Scan(&bal); err != nil {
		return domain.AddResult{}, err
	}

	if req.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_flush_keys (identity, key, amount, balance_after)
			VALUES (?, ?, ?, ?)
		`, string(req.Identity), req.IdempotencyKey, req.Amount, bal); err != nil {
			return domain.AddResult{}, err
		}
	}

	if err := insertEntry(ctx, tx, domain.LedgerEntry{
		Identity:       req.Identity,
		Type:           domain.TxEarn,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Balance:        bal,
	}); err != nil {
		return domain.AddResult{}, err
	}

	return domain.AddResult{Balance: bal}, tx.Commit()
}

// Spend decrements the balance only when it covers the amount.
func (db *DB) Spend(ctx context.Context, req domain.SpendRequest) (domain.SpendResult, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.SpendResult{}, err
	}
	defer tx.Rollback()

	if err := ensureAccount(ctx, tx, req.Identity); err != nil {
		return domain.SpendResult{}, err
	}

	var bal int64
	err = tx.QueryRowContext(ctx, `
		UPDATE credit_accounts
		SET balance = balance - ?, updated_at = datetime('now')
		WHERE identity = ? AND balance >= ?
		RETURNING balance
	`, req.Amount, string(req.Identity), req.Amount).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		var cur int64
		if err := tx.QueryRowContext(ctx,
			`SELECT balance FROM credit_accounts WHERE identity = ?`, string(req.Identity),
		).Scan(&cur); err != nil {
			return domain.SpendResult{}, err
		}
		return domain.SpendResult{OK: false, Balance: cur}, tx.Commit()
	}
	if err != nil {
		return domain.SpendResult{}, err
	}

	if err := insertEntry(ctx, tx, domain.LedgerEntry{
		Identity: req.Identity,
		Type:     domain.TxSpend,
		Amount:   req.Amount,
		Reason:   req.Reason,
		Note:     req.Note,
		Balance:  bal,
	}); err != nil {
		return domain.SpendResult{}, err
	}

	return domain.SpendResult{OK: true, Balance: bal}, tx.Commit()
}

func insertEntry(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_entries (entry_id, identity, tx_type, amount, reason, note, idempotency_key, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), string(e.Identity), string(e.Type), e.Amount, e.Reason, e.Note,
		e.IdempotencyKey, e.Balance, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Entries returns the newest entries for an identity.
func (db *DB) Entries(ctx context.Context, id domain.Identity, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT entry_id, identity, tx_type, amount, reason, note, idempotency_key, balance_after, created_at
		FROM credit_entries WHERE identity = ?
		ORDER BY seq DESC LIMIT ?
	`, string(id), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var ident, txType, created string
		if err := rows.Scan(&e.ID, &ident, &txType, &e.Amount, &e.Reason, &e.Note,
			&e.IdempotencyKey, &e.Balance, &created); err != nil {
			return nil, err
		}
		e.Identity = domain.Identity(ident)
		e.Type = domain.TransactionType(txType)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── Channel Unlock Operations ──────────────────────────────────────────────

// RecordUnlock inserts an unlock; returns false when it already existed.
func (db *DB) RecordUnlock(ctx context.Context, u domain.ChannelUnlock) (bool, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := db.db.ExecContext(ctx, `
		INSERT INTO channel_unlocks (identity, channel_slug, unlocked_via, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity, channel_slug) DO NOTHING
	`, string(u.Identity), u.Channel, string(u.Via), u.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Unlocks lists an identity's unlocked channels, oldest first.
func (db *DB) Unlocks(ctx context.Context, id domain.Identity) ([]domain.ChannelUnlock, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT channel_slug, unlocked_via, created_at
		FROM channel_unlocks WHERE identity = ?
		ORDER BY created_at, channel_slug
	`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChannelUnlock
	for rows.Next() {
		u := domain.ChannelUnlock{Identity: id}
		var via, created string
		if err := rows.Scan(&u.Channel, &via, &created); err != nil {
			return nil, err
		}
		u.Via = domain.UnlockMethod(via)
		u.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, u)
	}
	return out, rows.Err()
}
