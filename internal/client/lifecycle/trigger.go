// Package lifecycle turns app lifecycle events into flushes of the credits
// sync engine: returning to the foreground, switching views, a periodic
// timer, and a best-effort flush when the app is hidden.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wwc-network/wwc/internal/infra/clock"
)

// Flusher is the part of the sync engine the trigger drives.
type Flusher interface {
	Pending() int64
	Flush(ctx context.Context) error
}

// Config holds trigger timing.
type Config struct {
	FlushInterval time.Duration // fallback timer (default 10s)
	HideTimeout   time.Duration // budget for the flush on hide (default 2s)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 10 * time.Second,
		HideTimeout:   2 * time.Second,
	}
}

// Trigger forwards lifecycle events to a Flusher. Safe for concurrent use.
type Trigger struct {
	cfg    Config
	f      Flusher
	clock  clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	background bool
	view       string
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trigger) { t.logger = logger }
}

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(t *Trigger) { t.clock = c }
}

// New creates a Trigger for f.
func New(cfg Config, f Flusher, opts ...Option) *Trigger {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.HideTimeout <= 0 {
		cfg.HideTimeout = DefaultConfig().HideTimeout
	}
	t := &Trigger{cfg: cfg, f: f, clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "lifecycle")
	return t
}

// flush calls the Flusher when something is pending. Errors are logged;
// the engine keeps the credits for the next event.
func (t *Trigger) flush(ctx context.Context, event string) {
	if t.f.Pending() <= 0 {
		return
	}
	if err := t.f.Flush(ctx); err != nil {
		t.logger.Debug("flush failed", "event", event, "error", err)
	}
}

// Background records that the app left the foreground.
func (t *Trigger) Background() {
	t.mu.Lock()
	t.background = true
	t.mu.Unlock()
}

// Foreground flushes when the app returns from the background.
func (t *Trigger) Foreground(ctx context.Context) {
	t.mu.Lock()
	was := t.background
	t.background = false
	t.mu.Unlock()
	if was {
		t.flush(ctx, "foreground")
	}
}

// Navigate flushes when the current view actually changes.
func (t *Trigger) Navigate(ctx context.Context, view string) {
	t.mu.Lock()
	changed := view != t.view
	t.view = view
	t.mu.Unlock()
	if changed {
		t.flush(ctx, "navigate")
	}
}

// Hide makes one flush attempt bounded by HideTimeout. The outcome is
// ignored.
func (t *Trigger) Hide(ctx context.Context) {
	t.Background()
	ctx, cancel := context.WithTimeout(ctx, t.cfg.HideTimeout)
	defer cancel()
	t.flush(ctx, "hide")
}

// Run flushes every FlushInterval until ctx is done.
func (t *Trigger) Run(ctx context.Context) error {
	tk := t.clock.NewTicker(t.cfg.FlushInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
			t.flush(ctx, "timer")
		}
	}
}
