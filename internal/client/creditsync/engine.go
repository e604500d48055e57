// Package creditsync keeps a client's visible credit balance responsive
// while the ledger stays authoritative.
//
// Credits earned locally show up at once and accumulate in a pending
// buffer. The buffer is flushed to the ledger in batches; each batch carries
// an idempotency token and is resent unchanged until the ledger confirms it,
// so a lost response never double-counts. Balances fetched from the ledger
// are merged with Merge, which never lowers what the user already sees.
// Only an explicit spend moves the visible balance down.
package creditsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wwc-network/wwc/internal/app/ledger"
	"github.com/wwc-network/wwc/internal/client/localstore"
	"github.com/wwc-network/wwc/internal/domain"
	"github.com/wwc-network/wwc/internal/infra/clock"
	"github.com/wwc-network/wwc/internal/infra/observability"
)

// Remote is the ledger API as seen by the client.
type Remote interface {
	GetBalance(ctx context.Context, id domain.Identity) (int64, error)
	AddCredits(ctx context.Context, id domain.Identity, in ledger.AddInput) (ledger.AddOutput, error)
	SpendCredits(ctx context.Context, id domain.Identity, in ledger.SpendInput) (domain.SpendResult, error)
}

// Merge reconciles a fetched balance with the one on screen. The result
// never drops below prev, so a stale read cannot undo optimistic credits.
func Merge(prev, fetched int64) int64 {
	return max(prev, fetched)
}

// ─── State ──────────────────────────────────────────────────────────────────

// State is the engine's lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateUnverified
	StateVerifiedIdle
	StatePending
	StateFlushing
)

var stateNames = [...]string{"uninitialized", "unverified", "verified-idle", "pending", "flushing"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ─── Config ─────────────────────────────────────────────────────────────────

// Config controls engine behavior.
type Config struct {
	PollInterval time.Duration // refresh and identity check cadence (default 5s)
	MaxBatch     int64         // largest amount per flush (default 100, the ledger's sync cap)
	Idempotent   bool          // attach a token to each batch (default true)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		MaxBatch:     100,
		Idempotent:   true,
	}
}

// Batch is the slice of the pending buffer currently being delivered.
type Batch struct {
	Token  string `json:"token"`
	Amount int64  `json:"amount"`
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	State    State           `json:"state"`
	Visible  int64           `json:"visible"`
	Pending  int64           `json:"pending"`
	Fallback int64           `json:"fallback"`
	Identity domain.Identity `json:"identity,omitempty"`
	Batch    *Batch          `json:"batch,omitempty"`
}

// ─── Engine ─────────────────────────────────────────────────────────────────

// Engine is the client-side credits synchronizer. Safe for concurrent use.
// Network calls never run with mu held.
type Engine struct {
	cfg      Config
	remote   Remote
	resolver domain.IdentityResolver
	local    localstore.Store
	clock    clock.Clock
	logger   *slog.Logger
	bcast    *Broadcaster
	newToken func() string

	persistMu sync.Mutex // orders fallback writes

	mu           sync.Mutex
	started      bool
	identity     domain.Identity
	visible      int64
	pending      int64
	fallback     int64
	outstanding  *Batch
	epoch        uint64 // bumped by spends and identity switches
	flushing     bool
	refreshing   bool
	backoffUntil time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithTokenSource replaces the batch token generator.
func WithTokenSource(f func() string) Option {
	return func(e *Engine) { e.newToken = f }
}

// New creates an engine. Call Start before use.
func New(cfg Config, remote Remote, resolver domain.IdentityResolver, local localstore.Store, opts ...Option) *Engine {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultConfig().MaxBatch
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	e := &Engine{
		cfg:      cfg,
		remote:   remote,
		resolver: resolver,
		local:    local,
		clock:    clock.Real(),
		logger:   slog.Default(),
		bcast:    NewBroadcaster(),
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "creditsync")
	return e
}

func (e *Engine) stateLocked() State {
	switch {
	case !e.started:
		return StateUninitialized
	case e.flushing:
		return StateFlushing
	case e.identity.IsZero():
		return StateUnverified
	case e.pending > 0:
		return StatePending
	default:
		return StateVerifiedIdle
	}
}

func (e *Engine) updateLocked() BalanceUpdate {
	return BalanceUpdate{Visible: e.visible, Pending: e.pending, State: e.stateLocked()}
}

// setVisibleLocked moves the visible balance. The local fallback follows
// it only while no identity is verified; a verified balance lives in the
// ledger.
func (e *Engine) setVisibleLocked(v int64) {
	e.visible = v
	if e.identity.IsZero() {
		e.fallback = v
	}
}

// unconfirmedLocked is the part of pending the ledger may already hold.
func (e *Engine) unconfirmedLocked() int64 {
	if e.outstanding == nil {
		return 0
	}
	return e.outstanding.Amount
}

// publish broadcasts the current state and persists the fallback balance.
func (e *Engine) publish() {
	e.mu.Lock()
	u := e.updateLocked()
	e.mu.Unlock()
	e.bcast.Publish(u)
	e.persist()
}

func (e *Engine) persist() {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	v := e.fallback
	e.mu.Unlock()
	if err := e.local.Set(localstore.FallbackKey, v); err != nil {
		e.logger.Warn("persist fallback balance failed", "error", err)
	}
}

func (e *Engine) currentIdentity() domain.Identity {
	if e.resolver == nil || !e.resolver.IsVerified() {
		return ""
	}
	return e.resolver.CurrentIdentity()
}

// Start loads the fallback balance, resolves the identity and, when one is
// present, reconciles with the ledger once. The fallback seeds the visible
// balance only for an unverified session. Calling Start again is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	fallback, _, err := e.local.Get(localstore.FallbackKey)
	if err != nil {
		e.logger.Warn("load fallback balance failed", "error", err)
		fallback = 0
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.fallback = fallback
	e.identity = e.currentIdentity()
	verified := !e.identity.IsZero()
	if !verified {
		e.visible = fallback
	}
	e.mu.Unlock()

	e.publish()
	e.logger.Info("sync engine started", "verified", verified, "fallback", fallback)

	if verified {
		if err := e.Refresh(ctx); err != nil {
			e.logger.Warn("initial refresh failed", "error", err)
		}
	}
	return nil
}

// Add applies an optimistic credit. It never touches the network.
// Non-positive deltas are ignored.
func (e *Engine) Add(delta int64) {
	if delta <= 0 {
		return
	}
	e.mu.Lock()
	e.setVisibleLocked(e.visible + delta)
	e.pending += delta
	e.mu.Unlock()
	e.publish()
}

// Pending returns the credits not yet confirmed by the ledger.
func (e *Engine) Pending() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Flush delivers the pending buffer. It is a no-op without an identity,
// with nothing pending, while another flush is in flight, or during a
// rate-limit back-off. On failure the pending amount and the outstanding
// batch are kept for the next attempt.
func (e *Engine) Flush(ctx context.Context) error {
	flushed := false
	for {
		sent, err := e.flushOnce(ctx)
		if err != nil {
			return err
		}
		if !sent {
			break
		}
		flushed = true
		if ctx.Err() != nil {
			break
		}
	}
	if flushed {
		if err := e.Refresh(ctx); err != nil {
			e.logger.Debug("post-flush refresh failed", "error", err)
		}
	}
	return nil
}

// flushOnce sends a single batch. sent is false when there was nothing to do.
func (e *Engine) flushOnce(ctx context.Context) (sent bool, err error) {
	e.mu.Lock()
	if e.identity.IsZero() || e.flushing || e.clock.Now().Before(e.backoffUntil) {
		e.mu.Unlock()
		return false, nil
	}
	if e.outstanding == nil {
		if e.pending <= 0 {
			e.mu.Unlock()
			return false, nil
		}
		e.outstanding = &Batch{Token: e.newToken(), Amount: min(e.pending, e.cfg.MaxBatch)}
	}
	batch := e.outstanding
	b := *batch
	id, epoch := e.identity, e.epoch
	e.flushing = true
	e.mu.Unlock()

	in := ledger.AddInput{Amount: b.Amount, Reason: ledger.ReasonClientSync}
	if e.cfg.Idempotent {
		in.IdempotencyKey = b.Token
	}
	out, err := e.remote.AddCredits(ctx, id, in)
	if err == nil && out.Degraded {
		err = fmt.Errorf("%w: ledger echoed without storing", domain.ErrStorageUnavailable)
	}

	e.mu.Lock()
	e.flushing = false
	if e.outstanding != batch {
		// An identity switch dropped this buffer.
		e.mu.Unlock()
		e.logger.Debug("identity switched during flush", "from", id.Short(), "amount", b.Amount)
		e.publish()
		return false, nil
	}
	if err != nil {
		if d, ok := domain.RetryAfter(err); ok {
			e.backoffUntil = e.clock.Now().Add(d)
		}
		if !e.cfg.Idempotent {
			// Without a token there is nothing to pin; the next attempt
			// resends whatever is pending then.
			e.outstanding = nil
		}
		e.mu.Unlock()

		outcome := observability.OutcomeError
		if errors.Is(err, domain.ErrRateLimited) {
			outcome = observability.OutcomeLimited
		} else if errors.Is(err, domain.ErrStorageUnavailable) {
			outcome = observability.OutcomeDegraded
		}
		observability.RecordFlush(outcome, b.Amount)
		e.logger.Warn("flush failed, keeping pending credits", "amount", b.Amount, "error", err)
		e.publish()
		return false, fmt.Errorf("flush: %w", err)
	}

	e.pending = max(e.pending-b.Amount, 0)
	e.outstanding = nil
	if e.epoch == epoch {
		e.setVisibleLocked(Merge(e.visible, out.Balance+e.pending))
	}
	// Otherwise a spend landed while the batch was in flight. out.Balance
	// may predate it, and Spend already left this batch out of visible.
	e.mu.Unlock()

	outcome := observability.OutcomeOK
	if out.Replayed {
		outcome = observability.OutcomeReplayed
	}
	observability.RecordFlush(outcome, b.Amount)
	e.logger.Debug("flushed", "amount", b.Amount, "balance", out.Balance, "replayed", out.Replayed)
	e.publish()
	return true, nil
}

// Refresh fetches the authoritative balance and merges it into the visible
// one. Concurrent calls collapse into the one already in flight. A read
// that a spend or identity switch overtook is discarded.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.identity.IsZero() || e.refreshing {
		e.mu.Unlock()
		return nil
	}
	e.refreshing = true
	id, epoch := e.identity, e.epoch
	e.mu.Unlock()

	bal, err := e.remote.GetBalance(ctx, id)

	e.mu.Lock()
	e.refreshing = false
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("refresh: %w", err)
	}
	if e.identity != id || e.epoch != epoch {
		e.mu.Unlock()
		e.logger.Debug("discarding stale balance read", "balance", bal)
		return nil
	}
	fetched := bal + e.pending - e.unconfirmedLocked()
	if fetched < e.visible {
		observability.RegressionsPrevented.Inc()
	}
	e.setVisibleLocked(Merge(e.visible, fetched))
	e.mu.Unlock()

	e.publish()
	return nil
}

// Spend asks the ledger for a conditional spend. On success the visible
// balance becomes the ledger's balance plus the pending credits outside
// the outstanding batch, which the ledger may already have counted.
// On any failure local state is unchanged and the error is returned.
func (e *Engine) Spend(ctx context.Context, amount int64, reason, note string) (domain.SpendResult, error) {
	e.mu.Lock()
	id := e.identity
	e.mu.Unlock()
	if id.IsZero() {
		return domain.SpendResult{}, domain.ErrNoIdentity
	}

	res, err := e.remote.SpendCredits(ctx, id, ledger.SpendInput{Amount: amount, Reason: reason, Note: note})
	if err != nil {
		return res, err
	}
	if !res.OK {
		return res, domain.ErrInsufficientFunds
	}

	e.mu.Lock()
	if e.identity == id {
		e.epoch++
		e.setVisibleLocked(res.Balance + e.pending - e.unconfirmedLocked())
	}
	e.mu.Unlock()
	e.publish()
	return res, nil
}

// SyncIdentity re-reads the identity resolver and reports whether the
// identity changed. When an identity appears on an unverified session the
// visible balance becomes the largest of what is on screen, the ledger
// balance and the local fallback, and pending credits are flushed to it.
// Leaving an identity drops its unconfirmed buffer: the next account starts
// from its own ledger balance, or from the fallback when unverified.
func (e *Engine) SyncIdentity(ctx context.Context) bool {
	cur := e.currentIdentity()

	e.mu.Lock()
	prev := e.identity
	if cur == prev {
		e.mu.Unlock()
		return false
	}
	e.identity = cur
	e.epoch++
	e.outstanding = nil
	e.backoffUntil = time.Time{}
	var dropped int64
	if !prev.IsZero() {
		dropped = e.pending
		e.pending = 0
		e.visible = 0
		if cur.IsZero() {
			e.visible = e.fallback
		}
	}
	epoch := e.epoch
	e.mu.Unlock()

	e.logger.Info("identity changed", "from", prev.Short(), "to", cur.Short())
	if dropped > 0 {
		e.logger.Warn("dropping unconfirmed credits of previous identity",
			"identity", prev.Short(), "amount", dropped)
	}
	if cur.IsZero() {
		e.publish()
		return true
	}

	if bal, err := e.remote.GetBalance(ctx, cur); err != nil {
		e.logger.Warn("balance fetch after identity change failed", "error", err)
	} else {
		e.mu.Lock()
		switch {
		case e.identity != cur || e.epoch != epoch:
			// overtaken by a spend or another switch
		case prev.IsZero():
			e.setVisibleLocked(max(e.visible, bal, e.fallback))
		default:
			e.setVisibleLocked(Merge(e.visible, bal+e.pending))
		}
		e.mu.Unlock()
	}
	e.publish()

	if err := e.Flush(ctx); err != nil {
		e.logger.Warn("flush after identity change failed", "error", err)
	}
	return true
}

// Run polls the ledger and watches the identity until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	t := e.clock.NewTicker(e.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if e.SyncIdentity(ctx) {
				continue
			}
			if err := e.Refresh(ctx); err != nil {
				e.logger.Debug("poll refresh failed", "error", err)
			}
		}
	}
}

// ─── Presentation ───────────────────────────────────────────────────────────

// Subscribe registers a presentation listener. The current value, if any,
// is delivered immediately.
func (e *Engine) Subscribe() (<-chan BalanceUpdate, func()) { return e.bcast.Subscribe() }

// Current returns the latest update without subscribing.
func (e *Engine) Current() BalanceUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateLocked()
}

// Snapshot returns the full engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		State:    e.stateLocked(),
		Visible:  e.visible,
		Pending:  e.pending,
		Fallback: e.fallback,
		Identity: e.identity,
	}
	if e.outstanding != nil {
		b := *e.outstanding
		s.Batch = &b
	}
	return s
}
