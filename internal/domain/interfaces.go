package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// LedgerStore is the durable per-identity balance store. Every mutation is
// atomic with respect to concurrent mutations of the same identity.
type LedgerStore interface {
	// Balance returns the current balance, creating a zero row if absent.
	Balance(ctx context.Context, id Identity) (int64, error)

	// Add increments the balance and records a ledger entry.
	Add(ctx context.Context, req AddRequest) (AddResult, error)

	// Spend decrements the balance only if it covers the amount.
	Spend(ctx context.Context, req SpendRequest) (SpendResult, error)

	// Entries returns the most recent ledger entries, newest first.
	Entries(ctx context.Context, id Identity, limit int) ([]LedgerEntry, error)

	// RecordUnlock stores an unlock. Returns false if it already existed.
	RecordUnlock(ctx context.Context, u ChannelUnlock) (bool, error)
	Unlocks(ctx context.Context, id Identity) ([]ChannelUnlock, error)

	Ping(ctx context.Context) error
	Close() error
}

// IdentityResolver exposes the externally verified identity to the client.
type IdentityResolver interface {
	// CurrentIdentity returns the zero Identity when none is established.
	CurrentIdentity() Identity
	IsVerified() bool
}

// StaticIdentity is an IdentityResolver with a fixed value.
type StaticIdentity Identity

func (s StaticIdentity) CurrentIdentity() Identity { return Identity(s) }
func (s StaticIdentity) IsVerified() bool          { return !Identity(s).IsZero() }
