// Package api provides the HTTP server for the credits ledger.
// Every credits route is keyed by the caller's verified identity, taken from
// the X-World-Nullifier header or the w_nh cookie.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wwc-network/wwc/internal/app/ledger"
	"github.com/wwc-network/wwc/internal/domain"
)

// Identity transport.
const (
	IdentityHeader = "X-World-Nullifier"
	IdentityCookie = "w_nh"
)

// Server is the credits HTTP API server.
type Server struct {
	ledger         *ledger.Service
	hub            *BalanceHub
	metricsEnabled bool
	logger         *slog.Logger
	timeout        time.Duration
}

// NewServer creates a new API server.
func NewServer(svc *ledger.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ledger:  svc,
		logger:  logger.With("component", "api"),
		timeout: 30 * time.Second,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetBalanceHub enables the live balance SSE feed.
func (s *Server) SetBalanceHub(h *BalanceHub) { s.hub = h }

// SetTimeout sets the per-request timeout for non-streaming routes.
func (s *Server) SetTimeout(d time.Duration) { s.timeout = d }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	timeout := middleware.Timeout(s.timeout)

	r.Route("/api/credits", func(r chi.Router) {
		// Streams outlive the request timeout.
		if s.hub != nil {
			r.Get("/live", s.handleLive)
		}
		r.Group(func(r chi.Router) {
			r.Use(timeout)
			r.Get("/", s.handleBalance)
			r.Post("/swipe", s.handleSwipe)
			r.Post("/sync", s.handleSync)
			r.Post("/spend", s.handleSpend)
			r.Get("/history", s.handleHistory)
		})
	})

	r.Route("/api/channels", func(r chi.Router) {
		r.Use(timeout)
		r.Get("/unlocked", s.handleUnlocked)
		r.Post("/{slug}/unlock", s.handleUnlock)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// callerFrom extracts the caller identity and address from the request.
func callerFrom(r *http.Request) ledger.Caller {
	c := ledger.Caller{RemoteAddr: r.RemoteAddr}
	if v := strings.TrimSpace(r.Header.Get(IdentityHeader)); v != "" {
		c.Identity = domain.Identity(v)
		return c
	}
	if ck, err := r.Cookie(IdentityCookie); err == nil {
		c.Identity = domain.Identity(strings.TrimSpace(ck.Value))
	}
	return c
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"ok":    false,
		"error": msg,
	})
}

// statusFor maps ledger errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNoIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidChannel):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeLedgerError writes err with its mapped status and, for rate limits,
// a Retry-After header in whole seconds.
func writeLedgerError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if d, ok := domain.RetryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
	}
	writeError(w, status, err.Error())
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+IdentityHeader)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
