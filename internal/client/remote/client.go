// Package remote is the HTTP client for the credits ledger API. Response
// statuses are mapped back onto the domain sentinel errors so callers can
// classify failures with errors.Is.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wwc-network/wwc/internal/app/ledger"
	"github.com/wwc-network/wwc/internal/domain"
)

// Identity transport, mirrored from the server.
const identityHeader = "X-World-Nullifier"

// Client talks to a wwcd server.
type Client struct {
	base string
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// response is the union of every JSON body the server returns.
type response struct {
	OK              bool                 `json:"ok"`
	Balance         int64                `json:"balance"`
	Degraded        bool                 `json:"degraded"`
	Replayed        bool                 `json:"replayed"`
	Unlocked        bool                 `json:"unlocked"`
	AlreadyUnlocked bool                 `json:"already_unlocked"`
	Channel         string               `json:"channel"`
	Channels        []string             `json:"channels"`
	Entries         []domain.LedgerEntry `json:"entries"`
	Error           string               `json:"error"`
}

// do sends the request and decodes the body. The decoded body is returned
// alongside any mapped error so callers can read e.g. the balance of a
// rejected spend.
func (c *Client) do(ctx context.Context, id domain.Identity, method, path string, body interface{}) (response, error) {
	var resp response

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return resp, err
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return resp, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !id.IsZero() {
		req.Header.Set(identityHeader, string(id))
	}

	res, err := c.http.Do(req)
	if err != nil {
		return resp, fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	defer res.Body.Close()

	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&resp); err != nil && !errors.Is(err, io.EOF) {
		if res.StatusCode >= 500 {
			return resp, fmt.Errorf("%w: status %d", domain.ErrNetwork, res.StatusCode)
		}
		return resp, fmt.Errorf("decode response: %w", err)
	}
	return resp, errorFor(res, resp.Error)
}

// errorFor maps a response status onto a domain error.
func errorFor(res *http.Response, msg string) error {
	switch {
	case res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusUnauthorized:
		return domain.ErrNoIdentity
	case res.StatusCode == http.StatusPaymentRequired:
		return domain.ErrInsufficientFunds
	case res.StatusCode == http.StatusTooManyRequests:
		return &domain.RateLimitError{Family: "remote", RetryAfter: retryAfter(res.Header.Get("Retry-After"))}
	case res.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", domain.ErrStorageUnavailable, msg)
	case res.StatusCode == http.StatusBadRequest:
		if strings.Contains(msg, domain.ErrInvalidChannel.Error()) {
			return fmt.Errorf("%w: %s", domain.ErrInvalidChannel, msg)
		}
		return fmt.Errorf("%w: %s", domain.ErrInvalidAmount, msg)
	case res.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", domain.ErrNetwork, res.StatusCode)
	default:
		return fmt.Errorf("unexpected status %d: %s", res.StatusCode, msg)
	}
}

func retryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}

// ─── Ledger API ─────────────────────────────────────────────────────────────

// GetBalance fetches the authoritative balance.
func (c *Client) GetBalance(ctx context.Context, id domain.Identity) (int64, error) {
	resp, err := c.do(ctx, id, http.MethodGet, "/api/credits", nil)
	return resp.Balance, err
}

// AddCredits delivers a batched flush.
func (c *Client) AddCredits(ctx context.Context, id domain.Identity, in ledger.AddInput) (ledger.AddOutput, error) {
	resp, err := c.do(ctx, id, http.MethodPost, "/api/credits/sync", map[string]interface{}{
		"amount":          in.Amount,
		"reason":          in.Reason,
		"idempotency_key": in.IdempotencyKey,
	})
	if err != nil {
		return ledger.AddOutput{}, err
	}
	return ledger.AddOutput{Balance: resp.Balance, Degraded: resp.Degraded, Replayed: resp.Replayed}, nil
}

// Swipe reports a single interaction.
func (c *Client) Swipe(ctx context.Context, id domain.Identity, amount int64) (ledger.AddOutput, error) {
	resp, err := c.do(ctx, id, http.MethodPost, "/api/credits/swipe", map[string]interface{}{
		"amount": amount,
	})
	if err != nil {
		return ledger.AddOutput{}, err
	}
	return ledger.AddOutput{Balance: resp.Balance, Degraded: resp.Degraded}, nil
}

// SpendCredits performs a conditional spend. On ErrInsufficientFunds the
// result carries the unchanged balance.
func (c *Client) SpendCredits(ctx context.Context, id domain.Identity, in ledger.SpendInput) (domain.SpendResult, error) {
	resp, err := c.do(ctx, id, http.MethodPost, "/api/credits/spend", map[string]interface{}{
		"amount": in.Amount,
		"reason": in.Reason,
		"note":   in.Note,
	})
	return domain.SpendResult{OK: err == nil && resp.OK, Balance: resp.Balance}, err
}

// History returns the most recent ledger entries.
func (c *Client) History(ctx context.Context, id domain.Identity, limit int) ([]domain.LedgerEntry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/credits/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	resp, err := c.do(ctx, id, http.MethodGet, path, nil)
	return resp.Entries, err
}

// UnlockChannel spends credits to unlock slug. cost 0 uses the server default.
func (c *Client) UnlockChannel(ctx context.Context, id domain.Identity, slug string, cost int64) (ledger.UnlockOutput, error) {
	var body interface{}
	if cost != 0 {
		body = map[string]int64{"cost": cost}
	}
	resp, err := c.do(ctx, id, http.MethodPost, "/api/channels/"+url.PathEscape(slug)+"/unlock", body)
	return ledger.UnlockOutput{
		Channel:         slug,
		Unlocked:        resp.Unlocked,
		AlreadyUnlocked: resp.AlreadyUnlocked,
		Balance:         resp.Balance,
	}, err
}

// Unlocked lists unlocked channel slugs.
func (c *Client) Unlocked(ctx context.Context, id domain.Identity) ([]string, error) {
	resp, err := c.do(ctx, id, http.MethodGet, "/api/channels/unlocked", nil)
	return resp.Channels, err
}
