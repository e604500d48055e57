package domain

import (
	"strings"
	"time"
)

// ─── Credit Types ───────────────────────────────────────────────────────────
// These live in domain because they represent core business rules.
// Stores implement the arithmetic; the ledger service enforces the caps.

// Identity is the opaque per-user token produced by the external
// verification step. All balances are keyed by it. The zero value means
// "no identity established yet".
type Identity string

// IsZero reports whether no identity is present.
func (id Identity) IsZero() bool { return strings.TrimSpace(string(id)) == "" }

// Short returns a log-safe prefix of the identity.
func (id Identity) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// TransactionType represents the business reason for a credit operation.
type TransactionType string

const (
	TxEarn  TransactionType = "EARN"
	TxSpend TransactionType = "SPEND"
)

// LedgerEntry is one attributable balance mutation.
type LedgerEntry struct {
	ID             string          `json:"id"`
	Identity       Identity        `json:"identity"`
	Type           TransactionType `json:"type"`
	Amount         int64           `json:"amount"`
	Reason         string          `json:"reason,omitempty"`
	Note           string          `json:"note,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Balance        int64           `json:"balance"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Delta returns the signed balance change of the entry.
func (e LedgerEntry) Delta() int64 {
	if e.Type == TxSpend {
		return -e.Amount
	}
	return e.Amount
}

// AddRequest asks the store to increment a balance.
// A non-empty IdempotencyKey makes the request safe to replay.
type AddRequest struct {
	Identity       Identity
	Amount         int64
	Reason         string
	IdempotencyKey string
}

// AddResult is the outcome of an increment.
type AddResult struct {
	Balance  int64 `json:"balance"`
	Replayed bool  `json:"replayed"` // key was already applied; nothing changed
}

// SpendRequest asks the store for a conditional decrement.
type SpendRequest struct {
	Identity Identity
	Amount   int64
	Reason   string
	Note     string
}

// SpendResult is the outcome of a conditional decrement. When OK is false
// the balance is unchanged and Balance reports its current value.
type SpendResult struct {
	OK      bool  `json:"ok"`
	Balance int64 `json:"balance"`
}

// ─── Channel Unlocks ────────────────────────────────────────────────────────

// UnlockMethod records how a channel was unlocked.
type UnlockMethod string

const (
	UnlockViaCredits UnlockMethod = "credits"
	UnlockViaPayment UnlockMethod = "payment"
)

// ChannelUnlock grants an identity access to a gated channel.
type ChannelUnlock struct {
	Identity  Identity     `json:"identity"`
	Channel   string       `json:"channel"`
	Via       UnlockMethod `json:"unlocked_via"`
	CreatedAt time.Time    `json:"created_at"`
}
