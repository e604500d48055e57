package domain

import (
	"errors"
	"fmt"
	"time"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Ledger errors
	ErrInvalidAmount      = errors.New("invalid credit amount")
	ErrInsufficientFunds  = errors.New("not enough credits")
	ErrStorageUnavailable = errors.New("credit storage unavailable")
	ErrInvalidChannel     = errors.New("invalid channel slug")

	// Caller errors
	ErrNoIdentity  = errors.New("no verified identity")
	ErrRateLimited = errors.New("rate limit exceeded")

	// Client errors
	ErrNetwork = errors.New("ledger unreachable")
)

// RateLimitError carries how long the caller should back off.
// errors.Is(err, ErrRateLimited) holds for it.
type RateLimitError struct {
	Family     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	return fmt.Sprintf("rate limit exceeded for %s, try again in %ds", e.Family, secs)
}

// Is makes RateLimitError match ErrRateLimited.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfter extracts the back-off duration from a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
