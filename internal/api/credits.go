package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wwc-network/wwc/internal/app/ledger"
	"github.com/wwc-network/wwc/internal/domain"
)

// ─── Credits API ────────────────────────────────────────────────────────────
//
// GET  /api/credits                     current balance
// POST /api/credits/swipe               one interaction's worth of credits
// POST /api/credits/sync                batched client flush
// POST /api/credits/spend               conditional spend
// GET  /api/credits/history?limit=      recent ledger entries
// POST /api/channels/{slug}/unlock      spend credits to unlock a channel
// GET  /api/channels/unlocked           unlocked channel slugs

type addBody struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type spendBody struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

type unlockBody struct {
	Cost int64 `json:"cost"`
}

// decodeBody decodes an optional JSON body into v. An empty body is fine.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// handleBalance returns the caller's balance.
// GET /api/credits
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.ledger.GetBalance(r.Context(), callerFrom(r))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"balance": bal,
	})
}

func (s *Server) handleSwipe(w http.ResponseWriter, r *http.Request) {
	s.handleAdd(w, r, ledger.EntrySwipe)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.handleAdd(w, r, ledger.EntrySync)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request, ep ledger.EntryPoint) {
	var body addBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	out, err := s.ledger.AddCredits(r.Context(), callerFrom(r), ledger.AddInput{
		Amount:         body.Amount,
		Reason:         body.Reason,
		IdempotencyKey: body.IdempotencyKey,
	}, ep)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"balance":  out.Balance,
		"degraded": out.Degraded,
		"replayed": out.Replayed,
	})
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	var body spendBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.ledger.SpendCredits(r.Context(), callerFrom(r), ledger.SpendInput{
		Amount: body.Amount,
		Reason: body.Reason,
		Note:   body.Note,
	})
	if errors.Is(err, domain.ErrInsufficientFunds) {
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"ok":      false,
			"balance": res.Balance,
			"error":   err.Error(),
		})
		return
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"balance": res.Balance,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.ledger.History(r.Context(), callerFrom(r), limit)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"entries": entries,
	})
}

// ─── Channels ───────────────────────────────────────────────────────────────

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var body unlockBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	slug := chi.URLParam(r, "slug")
	out, err := s.ledger.UnlockChannel(r.Context(), callerFrom(r), slug, body.Cost)
	if errors.Is(err, domain.ErrInsufficientFunds) {
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"ok":       false,
			"unlocked": false,
			"channel":  slug,
			"balance":  out.Balance,
			"error":    err.Error(),
		})
		return
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":               true,
		"unlocked":         out.Unlocked,
		"already_unlocked": out.AlreadyUnlocked,
		"channel":          out.Channel,
		"balance":          out.Balance,
	})
}

func (s *Server) handleUnlocked(w http.ResponseWriter, r *http.Request) {
	slugs, err := s.ledger.Unlocks(r.Context(), callerFrom(r))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"channels": slugs,
	})
}
