// Package memory provides an in-process LedgerStore used by tests and by
// `wwcd serve --store=memory`. A single mutex serializes all mutations.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wwc-network/wwc/internal/domain"
)

// compile-time interface check
var _ domain.LedgerStore = (*Store)(nil)

type keyRef struct {
	identity domain.Identity
	key      string
}

type Store struct {
	mu sync.Mutex

	balances map[domain.Identity]int64
	entries  []domain.LedgerEntry
	applied  map[keyRef]int64 // idempotency key → balance after first application
	unlocks  map[domain.Identity]map[string]domain.ChannelUnlock

	// FailWith, when set, is returned by every operation. Tests use it to
	// simulate an unavailable backend.
	FailWith error

	now func() time.Time
}

func New() *Store {
	return &Store{
		balances: make(map[domain.Identity]int64),
		applied:  make(map[keyRef]int64),
		unlocks:  make(map[domain.Identity]map[string]domain.ChannelUnlock),
		now:      time.Now,
	}
}

func (s *Store) Balance(_ context.Context, id domain.Identity) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	if _, ok := s.balances[id]; !ok {
		s.balances[id] = 0
	}
	return s.balances[id], nil
}

func (s *Store) Add(_ context.Context, req domain.AddRequest) (domain.AddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return domain.AddResult{}, s.FailWith
	}

	if req.IdempotencyKey != "" {
		ref := keyRef{req.Identity, req.IdempotencyKey}
		if bal, ok := s.applied[ref]; ok {
			return domain.AddResult{Balance: bal, Replayed: true}, nil
		}
	}

	bal := s.balances[req.Identity] + req.Amount
	s.balances[req.Identity] = bal
	if req.IdempotencyKey != "" {
		s.applied[keyRef{req.Identity, req.IdempotencyKey}] = bal
	}
	s.entries = append(s.entries, domain.LedgerEntry{
		ID:             uuid.NewString(),
		Identity:       req.Identity,
		Type:           domain.TxEarn,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Balance:        bal,
		Timestamp:      s.now().UTC(),
	})
	return domain.AddResult{Balance: bal}, nil
}

func (s *Store) Spend(_ context.Context, req domain.SpendRequest) (domain.SpendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return domain.SpendResult{}, s.FailWith
	}

	cur := s.balances[req.Identity]
	if cur < req.Amount {
		s.balances[req.Identity] = cur
		return domain.SpendResult{OK: false, Balance: cur}, nil
	}
	bal := cur - req.Amount
	s.balances[req.Identity] = bal
	s.entries = append(s.entries, domain.LedgerEntry{
		ID:        uuid.NewString(),
		Identity:  req.Identity,
		Type:      domain.TxSpend,
		Amount:    req.Amount,
		Reason:    req.Reason,
		Note:      req.Note,
		Balance:   bal,
		Timestamp: s.now().UTC(),
	})
	return domain.SpendResult{OK: true, Balance: bal}, nil
}

func (s *Store) Entries(_ context.Context, id domain.Identity, limit int) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	var out []domain.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Identity != id {
			continue
		}
		out = append(out, s.entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) RecordUnlock(_ context.Context, u domain.ChannelUnlock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return false, s.FailWith
	}

	m, ok := s.unlocks[u.Identity]
	if !ok {
		m = make(map[string]domain.ChannelUnlock)
		s.unlocks[u.Identity] = m
	}
	if _, exists := m[u.Channel]; exists {
		return false, nil
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	m[u.Channel] = u
	return true, nil
}

func (s *Store) Unlocks(_ context.Context, id domain.Identity) ([]domain.ChannelUnlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	out := make([]domain.ChannelUnlock, 0, len(s.unlocks[id]))
	for _, u := range s.unlocks[id] {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Channel < out[j].Channel
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FailWith
}

func (s *Store) Close() error { return nil }
