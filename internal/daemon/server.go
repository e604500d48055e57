package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/wwc-network/wwc/internal/api"
	"github.com/wwc-network/wwc/internal/app/ledger"
	"github.com/wwc-network/wwc/internal/domain"
	"github.com/wwc-network/wwc/internal/infra/clock"
	"github.com/wwc-network/wwc/internal/infra/ratelimit"
)

// Server is a fully wired ledger server.
type Server struct {
	cfg     Config
	store   domain.LedgerStore
	limiter *ratelimit.Limiter
	hub     *api.BalanceHub
	svc     *ledger.Service
	api     *api.Server
	logger  *slog.Logger
}

// NewServer opens the store and wires the service, limiter, live feed and
// HTTP routes.
func NewServer(ctx context.Context, cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}

	limiter := ratelimit.New(cfg.Limits.Rules(), clock.Real())
	hub := api.NewBalanceHub()
	svc := ledger.New(store, cfg.Ledger,
		ledger.WithLogger(logger),
		ledger.WithLimiter(limiter),
		ledger.WithNotifier(hub.Publish),
	)

	srv := api.NewServer(svc, logger)
	srv.SetBalanceHub(hub)
	srv.SetTimeout(cfg.API.Timeout())
	if cfg.API.Metrics {
		srv.EnableMetrics()
	}

	return &Server{
		cfg:     cfg,
		store:   store,
		limiter: limiter,
		hub:     hub,
		svc:     svc,
		api:     srv,
		logger:  logger.With("component", "daemon"),
	}, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.api.Handler() }

// Service returns the ledger service.
func (s *Server) Service() *ledger.Service { return s.svc }

// Run serves on the configured address until ctx is done, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.API.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.API.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sweep(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String(), "store", s.cfg.Store.Driver)
		errCh <- hs.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// sweep drops idle rate limit buckets.
func (s *Server) sweep(ctx context.Context) {
	idle := s.limiter.MaxWindow()
	if idle <= 0 {
		return
	}
	t := time.NewTicker(idle)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.limiter.Sweep(idle); n > 0 {
				s.logger.Debug("swept idle rate limit buckets", "count", n)
			}
		}
	}
}

// Close releases the store.
func (s *Server) Close() error { return s.store.Close() }
