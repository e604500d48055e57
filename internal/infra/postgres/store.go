// Package postgres implements the credit ledger on PostgreSQL via lib/pq.
// Row-level locking serializes mutations of the same identity while
// different identities proceed concurrently.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/wwc-network/wwc/internal/domain"
)

// compile-time interface check
var _ domain.LedgerStore = (*Store)(nil)

// Store implements domain.LedgerStore on PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrations returns the schema statements.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS credit_accounts (
			identity   TEXT PRIMARY KEY,
			balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS credit_entries (
			seq             BIGSERIAL PRIMARY KEY,
			entry_id        UUID NOT NULL UNIQUE,
			identity        TEXT NOT NULL,
			tx_type         TEXT NOT NULL,
			amount          BIGINT NOT NULL,
			reason          TEXT NOT NULL DEFAULT '',
			note            TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			balance_after   BIGINT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_entries_identity ON credit_entries (identity, seq)`,
		`CREATE TABLE IF NOT EXISTS credit_flush_keys (
			identity      TEXT NOT NULL,
			key           TEXT NOT NULL,
			amount        BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (identity, key)
		)`,
		`CREATE TABLE IF NOT EXISTS channel_unlocks (
			identity     TEXT NOT NULL,
			channel_slug TEXT NOT NULL,
			unlocked_via TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (identity, channel_slug)
		)`,
	}
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

// lockAccount materializes the account row and locks it for this tx.
func lockAccount(ctx context.Context, tx *sql.Tx, id domain.Identity) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_accounts (identity) VALUES ($1)
		ON CONFLICT (identity) DO NOTHING
	`, string(id)); err != nil {
		return 0, err
	}
	var bal int64
	err := tx.QueryRowContext(ctx, `
		SELECT balance FROM credit_accounts WHERE identity = $1 FOR UPDATE
	`, string(id)).Scan(&bal)
	return bal, err
}

func (s *Store) Balance(ctx context.Context, id domain.Identity) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (identity) VALUES ($1)
		ON CONFLICT (identity) DO NOTHING
	`, string(id)); err != nil {
		return 0, err
	}
	var bal int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE identity = $1`, string(id),
	).Scan(&bal)
	return bal, err
}

func (s *Store) Add(ctx context.Context, req domain.AddRequest) (domain.AddResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.AddResult{}, err
	}
	defer tx.Rollback()

	// The row lock also serializes concurrent replays of one flush key.
	if _, err := lockAccount(ctx, tx, req.Identity); err != nil {
		return domain.AddResult{}, err
	}

	if req.IdempotencyKey != "" {
		var prior int64
		err := tx.QueryRowContext(ctx, `
			SELECT balance_after FROM credit_flush_keys WHERE identity = $1 AND key = $2
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
		SET balance = balance + $2, updated_at = now()
		WHERE identity = $1
		RETURNING balance
	`, string(req.Identity), req.Amount).Scan(&bal); err != nil {
		return domain.AddResult{}, err
	}

	if req.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_flush_keys (identity, key, amount, balance_after)
			VALUES ($1, $2, $3, $4)
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

func (s *Store) Spend(ctx context.Context, req domain.SpendRequest) (domain.SpendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.SpendResult{}, err
	}
	defer tx.Rollback()

	cur, err := lockAccount(ctx, tx, req.Identity)
	if err != nil {
		return domain.SpendResult{}, err
	}
	if cur < req.Amount {
		return domain.SpendResult{OK: false, Balance: cur}, tx.Commit()
	}

	var bal int64
	if err := tx.QueryRowContext(ctx, `
		UPDATE credit_accounts
		SET balance = balance - $2, updated_at = now()
		WHERE identity = $1 AND balance >= $2
		RETURNING balance
	`, string(req.Identity), req.Amount).Scan(&bal); err != nil {
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
		INSERT INTO credit_entries (entry_id, identity, tx_type, amount, reason, note, idempotency_key, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.NewString(), string(e.Identity), string(e.Type), e.Amount, e.Reason, e.Note,
		e.IdempotencyKey, e.Balance)
	return err
}

func (s *Store) Entries(ctx context.Context, id domain.Identity, limit int) ([]domain.LedgerEntry, error) {
	var limitArg sql.NullInt64
	if limit > 0 {
		limitArg = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, tx_type, amount, reason, note, idempotency_key, balance_after, created_at
		FROM credit_entries WHERE identity = $1
		ORDER BY seq DESC LIMIT $2
	`, string(id), limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		e := domain.LedgerEntry{Identity: id}
		var txType string
		if err := rows.Scan(&e.ID, &txType, &e.Amount, &e.Reason, &e.Note,
			&e.IdempotencyKey, &e.Balance, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Type = domain.TransactionType(txType)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) RecordUnlock(ctx context.Context, u domain.ChannelUnlock) (bool, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_unlocks (identity, channel_slug, unlocked_via, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity, channel_slug) DO NOTHING
	`, string(u.Identity), u.Channel, string(u.Via), u.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) Unlocks(ctx context.Context, id domain.Identity) ([]domain.ChannelUnlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_slug, unlocked_via, created_at
		FROM channel_unlocks WHERE identity = $1
		ORDER BY created_at, channel_slug
	`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChannelUnlock
	for rows.Next() {
		u := domain.ChannelUnlock{Identity: id}
		var via string
		if err := rows.Scan(&u.Channel, &via, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Via = domain.UnlockMethod(via)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }
