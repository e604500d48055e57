// Package ledger is the server-side credits API: balance reads, additive
// credits from swipes and client flushes, conditional spends, and channel
// unlocks paid with credits.
//
// Failure policy:
//   - reads degrade to a zero balance
//   - adds degrade to an echo of the requested amount, flagged Degraded
//   - spends never degrade; the caller always learns the spend failed
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"slices"

	"github.com/wwc-network/wwc/internal/domain"
	"github.com/wwc-network/wwc/internal/infra/observability"
	"github.com/wwc-network/wwc/internal/infra/ratelimit"
)

// EntryPoint selects the limits applied to an add.
type EntryPoint string

const (
	// EntrySwipe is a single interaction reported directly by the server.
	EntrySwipe EntryPoint = "swipe"
	// EntrySync is a batched flush from a client's pending buffer.
	EntrySync EntryPoint = "sync"
)

// Default reasons recorded in the ledger.
const (
	ReasonSwipe        = "swipe"
	ReasonClientSync   = "client-sync"
	ReasonSpend        = "spend"
	ReasonUnlock       = "unlock"
	ReasonUnlockRefund = "unlock-refund"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Config holds the per-entry-point caps.
type Config struct {
	SwipeCap          int64 `toml:"swipe_cap"`
	SwipeDefault      int64 `toml:"swipe_default"`
	SyncCap           int64 `toml:"sync_cap"`
	DefaultUnlockCost int64 `toml:"default_unlock_cost"`
	MaxUnlockCost     int64 `toml:"max_unlock_cost"`
	HistoryDefault    int   `toml:"history_default"`
	HistoryMax        int   `toml:"history_max"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SwipeCap:          10,
		SwipeDefault:      1,
		SyncCap:           100,
		DefaultUnlockCost: 20,
		MaxUnlockCost:     1000,
		HistoryDefault:    50,
		HistoryMax:        500,
	}
}

// Caller identifies who is asking. RemoteAddr is the client address as
// host or host:port; write families are also limited per address.
type Caller struct {
	Identity   domain.Identity
	RemoteAddr string
}

// addrKey returns the limiter key for the caller's address, or "" when the
// address is unknown.
func (c Caller) addrKey() string {
	if c.RemoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(c.RemoteAddr)
	if err != nil {
		host = c.RemoteAddr
	}
	return "addr:" + host
}

// AddInput is an add request as received from a client.
type AddInput struct {
	Amount         int64
	Reason         string
	IdempotencyKey string
}

// AddOutput is the add response. Degraded means the store was unavailable
// and Balance merely echoes the requested amount.
type AddOutput struct {
	Balance  int64 `json:"balance"`
	Degraded bool  `json:"degraded"`
	Replayed bool  `json:"replayed"`
}

// SpendInput is a spend request.
type SpendInput struct {
	Amount int64
	Reason string
	Note   string
}

// UnlockOutput is the outcome of UnlockChannel.
type UnlockOutput struct {
	Channel         string `json:"channel"`
	Unlocked        bool   `json:"unlocked"`
	AlreadyUnlocked bool   `json:"already_unlocked"`
	Balance         int64  `json:"balance"`
}

// Notifier is told about every balance the service observes after a
// successful mutation.
type Notifier func(id domain.Identity, balance int64)

// Service implements the ledger API on top of a domain.LedgerStore.
type Service struct {
	store   domain.LedgerStore
	cfg     Config
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	notify  Notifier
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithLimiter enables rate limiting.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithNotifier registers a balance-change callback.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notify = n }
}

// New creates a ledger service.
func New(store domain.LedgerStore, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "ledger")
	return s
}

// Store returns the underlying store.
func (s *Service) Store() domain.LedgerStore { return s.store }

func (s *Service) allow(family, key string) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Allow(family, key); err != nil {
		observability.RateLimited.WithLabelValues(family).Inc()
		return err
	}
	return nil
}

// allowCaller checks the per-address bucket, then the per-identity one
// under key. Rotating identities from one address cannot dodge the limit.
func (s *Service) allowCaller(family string, c Caller, key string) error {
	if addr := c.addrKey(); addr != "" {
		if err := s.allow(family, addr); err != nil {
			return err
		}
	}
	return s.allow(family, key)
}

func (s *Service) changed(id domain.Identity, balance int64) {
	if s.notify != nil {
		s.notify(id, balance)
	}
}

// ─── Balance ────────────────────────────────────────────────────────────────

// GetBalance returns the caller's balance. A store failure is logged and
// reported as 0 without error.
func (s *Service) GetBalance(ctx context.Context, c Caller) (int64, error) {
	if c.Identity.IsZero() {
		return 0, domain.ErrNoIdentity
	}
	if err := s.allow(ratelimit.FamilyRead, string(c.Identity)); err != nil {
		observability.RecordLedgerOp("balance", observability.OutcomeLimited)
		return 0, err
	}

	bal, err := s.store.Balance(ctx, c.Identity)
	if err != nil {
		s.logger.Warn("balance read failed, serving zero",
			"identity", c.Identity.Short(), "error", err)
		observability.LedgerDegraded.WithLabelValues("balance").Inc()
		observability.RecordLedgerOp("balance", observability.OutcomeDegraded)
		return 0, nil
	}
	observability.RecordLedgerOp("balance", observability.OutcomeOK)
	return bal, nil
}

// ─── Add ────────────────────────────────────────────────────────────────────

func (s *Service) addPolicy(ep EntryPoint) (limitCap, def int64, reason, family string) {
	if ep == EntrySync {
		return s.cfg.SyncCap, 0, ReasonClientSync, ratelimit.FamilySync
	}
	return s.cfg.SwipeCap, s.cfg.SwipeDefault, ReasonSwipe, ratelimit.FamilySwipe
}

// AddCredits increments the caller's balance. Amounts outside (0, cap] for
// the entry point are rejected. A store failure is logged and answered with
// a Degraded echo of the amount; the client must treat that as unconfirmed.
func (s *Service) AddCredits(ctx context.Context, c Caller, in AddInput, ep EntryPoint) (AddOutput, error) {
	if c.Identity.IsZero() {
		return AddOutput{}, domain.ErrNoIdentity
	}

	limitCap, def, reason, family := s.addPolicy(ep)
	amount := in.Amount
	if amount == 0 {
		amount = def
	}
	if amount <= 0 || amount > limitCap {
		observability.RecordLedgerOp("add", observability.OutcomeInvalid)
		return AddOutput{}, fmt.Errorf("%w: %d not in (0, %d]", domain.ErrInvalidAmount, in.Amount, limitCap)
	}
	if in.Reason != "" {
		reason = in.Reason
	}

	if err := s.allowCaller(family, c, string(c.Identity)); err != nil {
		observability.RecordLedgerOp("add", observability.OutcomeLimited)
		return AddOutput{}, err
	}

	res, err := s.store.Add(ctx, domain.AddRequest{
		Identity:       c.Identity,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		s.logger.Warn("add failed, echoing amount",
			"identity", c.Identity.Short(), "amount", amount, "entry", ep, "error", err)
		observability.LedgerDegraded.WithLabelValues("add").Inc()
		observability.RecordLedgerOp("add", observability.OutcomeDegraded)
		return AddOutput{Balance: amount, Degraded: true}, nil
	}

	if res.Replayed {
		s.logger.Info("add replayed", "identity", c.Identity.Short(), "key", in.IdempotencyKey)
		observability.RecordLedgerOp("add", observability.OutcomeReplayed)
	} else {
		observability.RecordLedgerOp("add", observability.OutcomeOK)
		observability.CreditsMoved.WithLabelValues("earn").Add(float64(amount))
		s.changed(c.Identity, res.Balance)
	}
	return AddOutput{Balance: res.Balance, Replayed: res.Replayed}, nil
}

// ─── Spend ──────────────────────────────────────────────────────────────────

// SpendCredits performs a conditional decrement. The result is returned in
// every case; err is ErrInsufficientFunds when the balance did not cover the
// amount and wraps ErrStorageUnavailable when the store failed.
func (s *Service) SpendCredits(ctx context.Context, c Caller, in SpendInput) (domain.SpendResult, error) {
	if c.Identity.IsZero() {
		return domain.SpendResult{}, domain.ErrNoIdentity
	}
	if in.Amount <= 0 {
		observability.RecordLedgerOp("spend", observability.OutcomeInvalid)
		return domain.SpendResult{}, fmt.Errorf("%w: %d", domain.ErrInvalidAmount, in.Amount)
	}
	if err := s.allow(ratelimit.FamilySpend, string(c.Identity)); err != nil {
		observability.RecordLedgerOp("spend", observability.OutcomeLimited)
		return domain.SpendResult{}, err
	}
	return s.spend(ctx, c.Identity, in)
}

func (s *Service) spend(ctx context.Context, id domain.Identity, in SpendInput) (domain.SpendResult, error) {
	if in.Reason == "" {
		in.Reason = ReasonSpend
	}
	res, err := s.store.Spend(ctx, domain.SpendRequest{
		Identity: id,
		Amount:   in.Amount,
		Reason:   in.Reason,
		Note:     in.Note,
	})
	if err != nil {
		s.logger.Error("spend failed", "identity", id.Short(), "amount", in.Amount, "error", err)
		observability.RecordLedgerOp("spend", observability.OutcomeError)
		return domain.SpendResult{OK: false}, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	if !res.OK {
		observability.RecordLedgerOp("spend", observability.OutcomeInsufficient)
		return res, domain.ErrInsufficientFunds
	}

	observability.RecordLedgerOp("spend", observability.OutcomeOK)
	observability.CreditsMoved.WithLabelValues("spend").Add(float64(in.Amount))
	s.changed(id, res.Balance)
	return res, nil
}

// ─── Channel Unlocks ────────────────────────────────────────────────────────

// ValidSlug reports whether slug is an acceptable channel identifier.
func ValidSlug(slug string) bool {
	return len(slug) >= 2 && len(slug) <= 64 && slugPattern.MatchString(slug)
}

// UnlockChannel spends cost credits and grants the caller access to the
// channel. A cost of 0 selects the default. Unlocking an already unlocked
// channel succeeds without spending.
func (s *Service) UnlockChannel(ctx context.Context, c Caller, slug string, cost int64) (UnlockOutput, error) {
	out := UnlockOutput{Channel: slug}
	if c.Identity.IsZero() {
		return out, domain.ErrNoIdentity
	}
	if !ValidSlug(slug) {
		return out, fmt.Errorf("%w: %q", domain.ErrInvalidChannel, slug)
	}
	if cost == 0 {
		cost = s.cfg.DefaultUnlockCost
	}
	if cost <= 0 || cost > s.cfg.MaxUnlockCost {
		return out, fmt.Errorf("%w: cost %d not in (0, %d]", domain.ErrInvalidAmount, cost, s.cfg.MaxUnlockCost)
	}
	if err := s.allowCaller(ratelimit.FamilyUnlock, c, string(c.Identity)+"/"+slug); err != nil {
		observability.RecordLedgerOp("unlock", observability.OutcomeLimited)
		return out, err
	}

	unlocked, err := s.store.Unlocks(ctx, c.Identity)
	if err != nil {
		return out, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	if slices.ContainsFunc(unlocked, func(u domain.ChannelUnlock) bool { return u.Channel == slug }) {
		out.Unlocked, out.AlreadyUnlocked = true, true
		out.Balance, _ = s.store.Balance(ctx, c.Identity)
		return out, nil
	}

	res, err := s.spend(ctx, c.Identity, SpendInput{Amount: cost, Reason: ReasonUnlock, Note: slug})
	out.Balance = res.Balance
	if err != nil {
		return out, err
	}

	created, err := s.store.RecordUnlock(ctx, domain.ChannelUnlock{
		Identity: c.Identity,
		Channel:  slug,
		Via:      domain.UnlockViaCredits,
	})
	if err != nil || !created {
		// Either the grant was lost or a concurrent request already paid
		// for it. Give the credits back.
		if bal, ok := s.refund(ctx, c.Identity, cost, slug); ok {
			out.Balance = bal
		}
		if err != nil {
			return out, fmt.Errorf("%w: record unlock: %v", domain.ErrStorageUnavailable, err)
		}
		out.AlreadyUnlocked = true
	}

	out.Unlocked = true
	observability.RecordLedgerOp("unlock", observability.OutcomeOK)
	s.logger.Info("channel unlocked", "identity", c.Identity.Short(), "channel", slug, "cost", cost)
	return out, nil
}

func (s *Service) refund(ctx context.Context, id domain.Identity, amount int64, slug string) (int64, bool) {
	res, err := s.store.Add(ctx, domain.AddRequest{
		Identity: id,
		Amount:   amount,
		Reason:   ReasonUnlockRefund + ":" + slug,
	})
	if err != nil {
		s.logger.Error("unlock refund failed", "identity", id.Short(), "channel", slug, "amount", amount, "error", err)
		return 0, false
	}
	s.changed(id, res.Balance)
	return res.Balance, true
}

// Unlocks lists the channel slugs the caller has unlocked.
func (s *Service) Unlocks(ctx context.Context, c Caller) ([]string, error) {
	if c.Identity.IsZero() {
		return nil, domain.ErrNoIdentity
	}
	if err := s.allow(ratelimit.FamilyRead, string(c.Identity)); err != nil {
		return nil, err
	}
	list, err := s.store.Unlocks(ctx, c.Identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	slugs := make([]string, len(list))
	for i, u := range list {
		slugs[i] = u.Channel
	}
	return slugs, nil
}

// ─── History ────────────────────────────────────────────────────────────────

// History returns the caller's most recent ledger entries, newest first.
func (s *Service) History(ctx context.Context, c Caller, limit int) ([]domain.LedgerEntry, error) {
	if c.Identity.IsZero() {
		return nil, domain.ErrNoIdentity
	}
	if err := s.allow(ratelimit.FamilyRead, string(c.Identity)); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.HistoryDefault
	}
	if limit > s.cfg.HistoryMax {
		limit = s.cfg.HistoryMax
	}
	entries, err := s.store.Entries(ctx, c.Identity, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return entries, nil
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return errors.Join(domain.ErrStorageUnavailable, err)
	}
	return nil
}
