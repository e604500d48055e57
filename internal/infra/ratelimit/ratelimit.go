// Package ratelimit throttles ledger calls with one token bucket per
// (family, key). A family is an operation class such as "sync" or "spend";
// the key is usually the caller identity, optionally suffixed.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wwc-network/wwc/internal/domain"
	"github.com/wwc-network/wwc/internal/infra/clock"
)

// Families used by the ledger service.
const (
	FamilyRead   = "read"
	FamilySwipe  = "swipe"
	FamilySync   = "sync"
	FamilySpend  = "spend"
	FamilyUnlock = "unlock"
)

// Rule allows Limit events per Window, refilled evenly. The full Limit is
// available as a burst.
type Rule struct {
	Limit  int           `toml:"limit"`
	Window time.Duration `toml:"window"`
}

// DefaultRules returns the production limits.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		FamilyRead:   {Limit: 120, Window: time.Minute},
		FamilySwipe:  {Limit: 120, Window: time.Minute},
		FamilySync:   {Limit: 10, Window: time.Minute},
		FamilySpend:  {Limit: 60, Window: time.Minute},
		FamilyUnlock: {Limit: 30, Window: time.Minute},
	}
}

type bucketKey struct {
	family string
	key    string
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter holds the buckets. Families without a rule are unlimited.
type Limiter struct {
	mu      sync.Mutex
	rules   map[string]Rule
	buckets map[bucketKey]*bucket
	clock   clock.Clock
}

// New creates a Limiter with the given rules.
func New(rules map[string]Rule, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		rules:   rules,
		buckets: make(map[bucketKey]*bucket),
		clock:   clk,
	}
}

// Allow consumes one token from the (family, key) bucket. When the bucket
// is empty it returns a *domain.RateLimitError and consumes nothing.
func (l *Limiter) Allow(family, key string) error {
	rule, ok := l.rules[family]
	if !ok || rule.Limit <= 0 {
		return nil
	}

	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	k := bucketKey{family, key}
	b, ok := l.buckets[k]
	if !ok {
		every := rule.Window / time.Duration(rule.Limit)
		b = &bucket{lim: rate.NewLimiter(rate.Every(every), rule.Limit)}
		l.buckets[k] = b
	}
	b.lastSeen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return &domain.RateLimitError{Family: family, RetryAfter: rule.Window}
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return &domain.RateLimitError{Family: family, RetryAfter: d}
	}
	return nil
}

// Sweep drops buckets untouched for longer than idle and returns how many
// were removed. A dropped bucket comes back full, so idle must be at least
// the longest rule window.
func (l *Limiter) Sweep(idle time.Duration) int {
	cutoff := l.clock.Now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// MaxWindow returns the longest configured window.
func (l *Limiter) MaxWindow() time.Duration {
	var w time.Duration
	for _, r := range l.rules {
		if r.Window > w {
			w = r.Window
		}
	}
	return w
}
