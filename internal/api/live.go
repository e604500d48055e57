package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/wwc-network/wwc/internal/domain"
	"github.com/wwc-network/wwc/internal/infra/observability"
)

// ─── Live Balance Feed ──────────────────────────────────────────────────────
// Push alternative to polling: every balance the ledger commits for an
// identity is delivered to that identity's open SSE streams as
// {"balance": n}. Slow readers only ever see the latest value.

// BalanceEvent is one SSE payload.
type BalanceEvent struct {
	Balance int64 `json:"balance"`
}

// BalanceHub fans balance changes out to per-identity subscribers.
type BalanceHub struct {
	mu      sync.Mutex
	clients map[domain.Identity]map[chan int64]struct{}
}

// NewBalanceHub creates a new balance broadcast hub.
func NewBalanceHub() *BalanceHub {
	return &BalanceHub{
		clients: make(map[domain.Identity]map[chan int64]struct{}),
	}
}

// Publish delivers balance to every subscriber of id, replacing any value
// a subscriber has not read yet. Its signature matches ledger.Notifier.
func (h *BalanceHub) Publish(id domain.Identity, balance int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients[id] {
		select {
		case <-ch:
		default:
		}
		ch <- balance
	}
}

// Subscribe registers a listener for id. Returns the channel and an
// unsubscribe func.
func (h *BalanceHub) Subscribe(id domain.Identity) (<-chan int64, func()) {
	ch := make(chan int64, 1)
	h.mu.Lock()
	if h.clients[id] == nil {
		h.clients[id] = make(map[chan int64]struct{})
	}
	h.clients[id][ch] = struct{}{}
	h.mu.Unlock()
	observability.LiveSubscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients[id], ch)
			if len(h.clients[id]) == 0 {
				delete(h.clients, id)
			}
			h.mu.Unlock()
			observability.LiveSubscribers.Dec()
		})
	}
}

// ClientCount returns the number of connected clients.
func (h *BalanceHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, subs := range h.clients {
		n += len(subs)
	}
	return n
}

// handleLive serves the caller's balance via Server-Sent Events, starting
// with the current value.
// GET /api/credits/live
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	c := callerFrom(r)
	if c.Identity.IsZero() {
		writeLedgerError(w, domain.ErrNoIdentity)
		return
	}

	// Subscribe before reading so no change between the two is lost.
	ch, unsub := s.hub.Subscribe(c.Identity)
	defer unsub()

	current, err := s.ledger.GetBalance(r.Context(), c)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	writeEvent(w, current)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case bal := <-ch:
			writeEvent(w, bal)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, balance int64) {
	data, _ := json.Marshal(BalanceEvent{Balance: balance})
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}
