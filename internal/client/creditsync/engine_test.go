package creditsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wwc-network/wwc/internal/app/ledger"
	"github.com/wwc-network/wwc/internal/client/localstore"
	"github.com/wwc-network/wwc/internal/domain"
	"github.com/wwc-network/wwc/internal/infra/clock"
	"github.com/wwc-network/wwc/internal/infra/memory"
)

const (
	alice domain.Identity = "nullifier-alice"
	bob   domain.Identity = "nullifier-bob"
)

// fakeRemote runs a real ledger service in-process and lets tests break
// the transport around it.
type fakeRemote struct {
	svc *ledger.Service

	mu       sync.Mutex
	failAdds int   // fail before reaching the ledger
	loseAdds int   // apply, then drop the response
	addErr   error // error returned by failed adds (default ErrNetwork)
	addCalls int
	keys     []string
	stale    *int64 // when set, GetBalance returns this
	entered  chan struct{}
	gate     chan struct{}

	applied chan struct{} // signalled once an add reached the ledger
	release chan struct{} // holds that add's response until closed

	balRead chan struct{} // signalled once GetBalance has read
	balGate chan struct{} // holds that read until closed
}

func newFakeRemote() *fakeRemote {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fakeRemote{svc: ledger.New(memory.New(), ledger.DefaultConfig(), ledger.WithLogger(logger))}
}

func (f *fakeRemote) GetBalance(ctx context.Context, id domain.Identity) (int64, error) {
	f.mu.Lock()
	stale, read, gate := f.stale, f.balRead, f.balGate
	f.mu.Unlock()

	var bal int64
	var err error
	if stale != nil {
		bal = *stale
	} else {
		bal, err = f.svc.GetBalance(ctx, ledger.Caller{Identity: id})
	}
	if read != nil {
		read <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return bal, err
}

func (f *fakeRemote) AddCredits(ctx context.Context, id domain.Identity, in ledger.AddInput) (ledger.AddOutput, error) {
	f.mu.Lock()
	f.addCalls++
	f.keys = append(f.keys, in.IdempotencyKey)
	entered, gate := f.entered, f.gate
	fail := f.failAdds > 0
	if fail {
		f.failAdds--
	}
	lose := !fail && f.loseAdds > 0
	if lose {
		f.loseAdds--
	}
	addErr := f.addErr
	applied, release := f.applied, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if addErr == nil {
		addErr = fmt.Errorf("%w: connection reset", domain.ErrNetwork)
	}
	if fail {
		return ledger.AddOutput{}, addErr
	}
	out, err := f.svc.AddCredits(ctx, ledger.Caller{Identity: id}, in, ledger.EntrySync)
	if applied != nil {
		applied <- struct{}{}
		<-release
	}
	if lose {
		return ledger.AddOutput{}, fmt.Errorf("%w: response lost", domain.ErrNetwork)
	}
	return out, err
}

func (f *fakeRemote) SpendCredits(ctx context.Context, id domain.Identity, in ledger.SpendInput) (domain.SpendResult, error) {
	return f.svc.SpendCredits(ctx, ledger.Caller{Identity: id}, in)
}

func (f *fakeRemote) serverBalance(t *testing.T) int64 {
	t.Helper()
	return f.balanceOf(t, alice)
}

func (f *fakeRemote) balanceOf(t *testing.T, id domain.Identity) int64 {
	t.Helper()
	bal, err := f.svc.Store().Balance(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return bal
}

func (f *fakeRemote) seed(t *testing.T, amount int64) {
	t.Helper()
	f.seedFor(t, alice, amount)
}

func (f *fakeRemote) seedFor(t *testing.T, id domain.Identity, amount int64) {
	t.Helper()
	_, err := f.svc.Store().Add(context.Background(), domain.AddRequest{Identity: id, Amount: amount, Reason: "seed"})
	if err != nil {
		t.Fatal(err)
	}
}

type switchIdentity struct {
	mu sync.Mutex
	id domain.Identity
}

func (s *switchIdentity) set(id domain.Identity) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *switchIdentity) CurrentIdentity() domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *switchIdentity) IsVerified() bool { return !s.CurrentIdentity().IsZero() }

func newTestEngine(t *testing.T, remote Remote, resolver domain.IdentityResolver, local localstore.Store, opts ...Option) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithLogger(logger)}, opts...)
	e := New(DefaultConfig(), remote, resolver, local, opts...)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	return e
}

// ─── Merge ──────────────────────────────────────────────────────────────────

func TestMerge(t *testing.T) {
	tests := []struct {
		prev, fetched, want int64
	}{
		{0, 0, 0},
		{5, 3, 5},
		{3, 5, 5},
		{7, 7, 7},
	}
	for _, tt := range tests {
		if got := Merge(tt.prev, tt.fetched); got != tt.want {
			t.Errorf("Merge(%d, %d) = %d, want %d", tt.prev, tt.fetched, got, tt.want)
		}
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestEngine_StartStates(t *testing.T) {
	remote := newFakeRemote()
	e := New(DefaultConfig(), remote, domain.StaticIdentity(""), localstore.NewMemory())
	if got := e.Snapshot().State; got != StateUninitialized {
		t.Errorf("state before Start = %v, want uninitialized", got)
	}
	e.Start(context.Background())
	if got := e.Snapshot().State; got != StateUnverified {
		t.Errorf("state without identity = %v, want unverified", got)
	}

	v := newTestEngine(t, remote, domain.StaticIdentity(alice), localstore.NewMemory())
	if got := v.Snapshot().State; got != StateVerifiedIdle {
		t.Errorf("state with identity = %v, want verified-idle", got)
	}
	v.Add(1)
	if got := v.Snapshot().State; got != StatePending {
		t.Errorf("state after Add = %v, want pending", got)
	}
}

func TestEngine_StartLoadsServerBalance(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(t, 40)
	e := newTestEngine(t, remote, domain.StaticIdentity(alice), localstore.NewMemory())

	if got := e.Current().Visible; got != 40 {
		t.Errorf("visible = %d, want 40", got)
	}
}

func TestEngine_VerifiedRestartIgnoresFallback(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(t, 50)
	local := localstore.NewMemory()
	if err := local.Set(localstore.FallbackKey, 50); err != nil {
		t.Fatal(err)
	}
	// spent from another device while this one was closed
	_, err := remote.svc.SpendCredits(context.Background(), ledger.Caller{Identity: alice},
		ledger.SpendInput{Amount: 40, Reason: "unlock"})
	if err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t, remote, domain.StaticIdentity(alice), local)
	if got := e.Current().Visible; got != 10 {
		t.Errorf("visible after restart = %d, want 10", got)
	}
}

// ─── Add / Flush ────────────────────────────────────────────────────────────

func TestEngine_AddIsOptimistic(t *testing.T) {
	remote := newFakeRemote()
	local := localstore.NewMemory()
	e := newTestEngine(t, remote, domain.StaticIdentity(alice), local)

	e.Add(1)
	e.Add(1)
	e.Add(0)
	e.Add(-4)

	s := e.Snapshot()
	if s.Visible != 2 || s.Pending != 2 {
		t.Errorf("snapshot = %+v, want visible 2 pending 2", s)
	}
	if remote.addCalls != 0 {
		t.Errorf("Add() made %d network calls, want 0", remote.addCalls)
	}
	// a verified balance is not mirrored into the fallback
	if v, _, _ := local.Get(localstore.FallbackKey); v != 0 {
		t.Errorf("fallback = %d, want 0", v)
	}
}

func TestEngine_UnverifiedAddUpdatesFallback(t *testing.T) {
	local := localstore.NewMemory()
	e := newTestEngine(t, newFakeRemote(), domain.StaticIdentity(""), local)

	e.Add(4)
	if v, _, _ := local.Get(localstore.FallbackKey); v != 4 {
		t.Errorf("fallback = %d, want 4", v)
	}
}

func TestEngine_FlushBatchesPending(t *testing.T) {
	remote := newFakeRemote()
	e := newTestEngine(t, remote, domain.StaticIdentity(alice), localstore.NewMemory())

	e.Add(1)
	e.Add(1)
	e.Add(1)
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	if got := remote.serverBalance(t); got != 3 {
		t.Errorf("server balance = %d, want 3", got)
	}
	s := e.Snapshot()
	if s.Pending != 0 || s.Visible != 3 || s.Batch != nil {
		t.Errorf("snapshot = %+v, want visible 3 pending 0 no batch", s)
	}
	if remote.addCalls != 1 {
		t.Errorf("add calls = %d, want 1", remote.addCalls)
	}
}

func TestEngine_FlushSplitsLargeBuffers(t *testing.T) {
	remote := newFakeRemote()
	e := newTestEngine(t, remote, domain.StaticIdentity(alice), localstore.NewMemory())

	e.Add(250)
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if got := remote.serverBalance(t); got != 250 {
		t.Errorf("server balance = %d, want 250", got)
	}
	if remote.addCalls != 3 {
		t.Errorf("add calls = %d, want 3 (100+100+50)", remote.addCalls)
	}
}

func TestEngine_LostResponsesDoNotDoubleCount(t *testing.T) {
	remote := newFakeRemote()
	remote.loseAdds = 2
	e := newTestEngine(t, remote, domain.StaticIdentity(alice), localstore.NewMemory())
	ctx := context.Background()

	e.Add(1)
	for i := 0; i < 2; i++ {
		if err := e.Flush(ctx); !errors.Is(err, domain.ErrNetwork) {
			t.Fatalf("Flush() #%d error = %v, want ErrNetwork", i+1, err)
		}
		if got := e.Pending(); got != 1 {
			t.Fatalf("pending after failure = %d, want 1", got)
		}
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	if got := remote.serverBalance(t); got != 1 {
		t.Errorf("server balance = %d, want 1", got)
	}
	if got := e.Current().Visible; got != 1 {
		t.Errorf("visible = %d, want 1", got)
	}
	if len(remote.keys) != 3 || remote.keys[0] != remote.keys[1] || remote.keys[1] != remote.keys[2] {
		t.Errorf("tokens = %v, want the same token resent", remote.keys)
	}
}

func TestEngine_TokenlessRetryOvercounts(t *testing.T) {
	remote := newFakeRemote()
	remote.loseAdds = 1
	cfg := DefaultConfig()
	cfg.Idempotent = false
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(cfg, remote, domain.StaticIdentity(alice), localstore.NewMemory(), WithLogger(logger))
	e.Start(context.Background())

	e.Add(1)
	e.Flush(context.Background())
	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := remote.serverBalance(t); got != 2 {
		t.Errorf("server balance = %d, want 2 (at-least-once)", got)
	}
}

func TestEngine_FailedFlushKeepsBatch(t *testing.T) {
	remote := newFakeRemote()
	remote.failAdds = 1
	e := newTestEngine(t, remote, domain.StaticIdentity(alice), localstore.NewMemory())

	e.Add(2)
	if err := e.Flush(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	first := e.Snapshot().Batch
	if first == nil || first.Amount != 2 {
		t.Fatalf("batch = %+v, want outstanding amount 2", first)
	}

	// credits earned while a batch is outstanding wait for the next one
	e.Add(3)
	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := remote.serverBalance(t); got != 5 {
		t.Errorf("server balance = %d, want 5", got)
	}
	if remote.keys[0] != remote.keys[1] || remote.keys[1] == remote.keys[2] {
		t.Errorf("tokens = %v, want retry then a fresh token", remote.keys)
	}
}

func TestEngine_DegradedEchoIsFailure(t *testing.T) {
	remote := newFakeRemote()
	e := newTestEngine(t, remote, domain.StaticIdentity(alice), localstore.NewMemory())
	remote.svc.Store().(*memory.Store).FailWith = errors.New("disk gone")

	e.Add(4)
	err := e.Flush(context.Background())
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("Flush() error = %v, want ErrStorageUnavailable", err)
	}
	if got := e.Pending(); got != 4 {
		t.Errorf("pending = %d, want 4", got)
	}
}

func TestEngine_FlushWithoutIdentityIsNoop(t *testing.T) {
	remote := newFakeRemote()
	e := newTestEngine(t, remote, domain.StaticIdentity(""), localstore.NewMemory())

	e.Add(2)
	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if remote.addCalls != 0 || e.Pending() != 2 {
		t.Errorf("calls = %d pending = %d, want 0 and 2", remote.addCalls, e.Pending())
	}
}

func TestEngine_FlushIsSingleFlight(t *testing.T) {
	remote := newFakeRemote()
	remote.entered = make(chan struct{}, 1)
	remote.gate = make(chan struct{})
	e := newTestEngine(t, remote, domain.StaticIdentity(alice), localstore.NewMemory())
	ctx := context.Background()

	e.Add(1)
	done := make(chan error, 1)
	go func() { done <- e.Flush(ctx) }()
	<-remote.entered

	if got := e.Snapshot().State; got != StateFlushing {
		t.Errorf("state = %v, want flushing", got)
	}
	e.Add(1)
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("concurrent Flush() error: %v", err)
	}

	remote.mu.Lock()
	remote.entered = nil
	remote.mu.Unlock()
	close(remote.gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if got := remote.serverBalance(t); got != 2 {
		t.Errorf("server balance = %d, want 2", got)
	}
	if remote.addCalls != 2 {
		t.Errorf("add calls = %d, want 2", remote.addCalls)
	}
}

func TestEngine_RateLimitBacksOff(t *testing.T) {
	remote := newFakeRemote()
	remote.failAdds = 1
	remote.addErr = &domain.RateLimitError{Family: "sync", RetryAfter: 10 * time.Second}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := newTestEngine(t, remote, domain.StaticIdentity(alice), localstore.NewMemory(), WithClock(clk))

	e.Add(1)
	if err := e.Flush(context.Background()); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("Flush() error = %v, want ErrRateLimited", err)
	}
	e.Flush(context.Background())
	if remote.addCalls != 1 {
		t.Errorf("add calls inside back-off = %d, want 1", remote.addCalls)
	}

	clk.Advance(10 * time.Second)
	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := remote.serverBalance(t); got != 1 {
		t.Errorf("server balance = %d, want 1", got)
	}
}

// ─── Refresh ────────────────────────────────────────────────────────────────

func TestEngine_RefreshNeverLowersVisible(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(t, 10)
	e := newTestEngine(t, remote, domain.StaticIdentity(alice), localstore.NewMemory())

	stale := int64(4)
	remote.stale = &stale
	if err := e.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := e.Current().Visible; got != 10 {
		t.Errorf("visible after stale read = %d, want 10", got)
	}

	fresh := int64(15)
	remote.stale = &fresh
	e.Refresh(context.Background())
	if got := e.Current().Visible; got != 15 {
		t.Errorf("visible after fresh read = %d, want 15", got)
	}
}

func TestEngine_VisibleIsMonotonicWithoutSpends(t *testing.T) {
	remote := newFakeRemote()
	remote.failAdds = 3
	e := newTestEngine(t, remote, domain.StaticIdentity(alice), localstore.NewMemory())
	ch, cancel := e.Subscribe()
	defer cancel()

	var last int64
	check := func() {
		for {
			select {
			case u := <-ch:
				if u.Visible < last {
					t.Fatalf("visible went from %d to %d", last, u.Visible)
				}
				last = u.Visible
			default:
				return
			}
		}
	}
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		e.Add(1)
		check()
		e.Flush(ctx)
		check()
		e.Refresh(ctx)
		check()
	}
	if last != 6 {
		t.Errorf("final visible = %d, want 6", last)
	}
}

func TestEngine_PollRacingSpendIsDiscarded(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(t, 30)
	e := newTestEngine(t, remote, domain.StaticIdentity(alice), localstore.NewMemory())
	ctx := context.Background()

	read, gate := make(chan struct{}, 1), make(chan struct{})
	remote.mu.Lock()
	remote.balRead, remote.balGate = read, gate
	remote.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- e.Refresh(ctx) }()
	<-read // the poll holds a balance of 30

	remote.mu.Lock()
	remote.balRead, remote.balGate = nil, nil
	remote.mu.Unlock()

	if _, err := e.Spend(ctx, 20, "unlock", ""); err != nil {
		t.Fatalf("Spend() error: %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := e.Refresh(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := remote.serverBalance(t); got != 10 {
		t.Errorf("server balance = %d, want 10", got)
	}
	if got := e.Current().Visible; got != 10 {
		t.Errorf("visible = %d, want 10", got)
	}
}

// ─── Spend ──────────────────────────────────────────────────────────────────

func TestEngine_Spend(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(t, 30)
	local := localstore.NewMemory()
	e := newTestEngine(t, remote, domain.StaticIdentity(alice), local)
	ctx := context.Background()

	e.Add(2) // unflushed
	res, err := e.Spend(ctx, 20, "unlock", "deep-tech")
	if err != nil || !res.OK || res.Balance != 10 {
		t.Fatalf("Spend() = %+v, %v; want OK balance 10", res, err)
	}
	if got := e.Current().Visible; got != 12 {
		t.Errorf("visible = %d, want 12 (server 10 + pending 2)", got)
	}
	if v, _, _ := local.Get(localstore.FallbackKey); v != 0 {
		t.Errorf("fallback = %d, want 0 while verified", v)
	}

	res, err = e.Spend(ctx, 50, "unlock", "")
	if !errors.Is(err, domain.ErrInsufficientFunds) || res.OK {
		t.Fatalf("Spend() = %+v, %v; want insufficient", res, err)
	}
	if got := e.Current().Visible; got != 12 {
		t.Errorf("visible after failed spend = %d, want 12", got)
	}
}

func TestEngine_SpendDuringFlush(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(t, 30)
	e := newTestEngine(t, remote, domain.StaticIdentity(alice), localstore.NewMemory())
	ctx := context.Background()

	e.Add(5)
	applied, release := make(chan struct{}, 1), make(chan struct{})
	remote.mu.Lock()
	remote.applied, remote.release = applied, release
	remote.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- e.Flush(ctx) }()
	<-applied // ledger holds 35, the response has not arrived

	res, err := e.Spend(ctx, 20, "unlock", "")
	if err != nil || res.Balance != 15 {
		t.Fatalf("Spend() = %+v, %v; want balance 15", res, err)
	}
	if got := e.Current().Visible; got != 15 {
		t.Errorf("visible after spend = %d, want 15", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	for i := 0; i < 3; i++ {
		e.Refresh(ctx)
	}

	if got := remote.serverBalance(t); got != 15 {
		t.Errorf("server balance = %d, want 15", got)
	}
	s := e.Snapshot()
	if s.Visible != 15 || s.Pending != 0 {
		t.Errorf("snapshot = %+v, want visible 15 pending 0", s)
	}
}

func TestEngine_SpendRequiresIdentity(t *testing.T) {
	e := newTestEngine(t, newFakeRemote(), domain.StaticIdentity(""), localstore.NewMemory())
	if _, err := e.Spend(context.Background(), 1, "", ""); !errors.Is(err, domain.ErrNoIdentity) {
		t.Errorf("error = %v, want ErrNoIdentity", err)
	}
}

// ─── Identity ───────────────────────────────────────────────────────────────

func TestEngine_VerificationFlushesOfflineCredits(t *testing.T) {
	remote := newFakeRemote()
	ident := &switchIdentity{}
	e := newTestEngine(t, remote, ident, localstore.NewMemory())

	e.Add(1)
	e.Add(1)
	e.Add(1)
	if e.SyncIdentity(context.Background()) {
		t.Error("SyncIdentity() reported a change with no identity")
	}

	ident.set(alice)
	if !e.SyncIdentity(context.Background()) {
		t.Fatal("SyncIdentity() did not notice the new identity")
	}
	if got := remote.serverBalance(t); got != 3 {
		t.Errorf("server balance = %d, want 3", got)
	}
	s := e.Snapshot()
	if s.Visible != 3 || s.Pending != 0 || s.State != StateVerifiedIdle {
		t.Errorf("snapshot = %+v, want visible 3 pending 0 idle", s)
	}
}

func TestEngine_SwitchingIdentityDropsBuffer(t *testing.T) {
	remote := newFakeRemote()
	remote.seedFor(t, bob, 4)
	remote.failAdds = 1
	ident := &switchIdentity{}
	ident.set(alice)
	e := newTestEngine(t, remote, ident, localstore.NewMemory())
	ctx := context.Background()

	e.Add(7)
	if err := e.Flush(ctx); err == nil {
		t.Fatal("expected the offline flush to fail")
	}

	ident.set(bob)
	if !e.SyncIdentity(ctx) {
		t.Fatal("SyncIdentity() did not notice the switch")
	}
	s := e.Snapshot()
	if s.Visible != 4 || s.Pending != 0 || s.Batch != nil {
		t.Errorf("snapshot = %+v, want visible 4 pending 0 no batch", s)
	}

	e.Add(2)
	if err := e.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if got := remote.balanceOf(t, bob); got != 6 {
		t.Errorf("bob balance = %d, want 6", got)
	}
	if got := remote.balanceOf(t, alice); got != 0 {
		t.Errorf("alice balance = %d, want 0", got)
	}
	if got := e.Current().Visible; got != 6 {
		t.Errorf("visible = %d, want 6", got)
	}
}

func TestEngine_SignOutShowsFallback(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(t, 20)
	local := localstore.NewMemory()
	if err := local.Set(localstore.FallbackKey, 3); err != nil {
		t.Fatal(err)
	}
	ident := &switchIdentity{}
	ident.set(alice)
	e := newTestEngine(t, remote, ident, local)
	e.Add(1)

	ident.set("")
	if !e.SyncIdentity(context.Background()) {
		t.Fatal("SyncIdentity() did not notice the sign-out")
	}
	s := e.Snapshot()
	if s.Visible != 3 || s.Pending != 0 || s.State != StateUnverified {
		t.Errorf("snapshot = %+v, want visible 3 pending 0 unverified", s)
	}
}

func TestEngine_FallbackSurvivesRestart(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(t, 1)
	local := localstore.NewMemory()

	first := newTestEngine(t, remote, domain.StaticIdentity(""), local)
	first.Add(3)

	ident := &switchIdentity{}
	second := newTestEngine(t, remote, ident, local)
	if got := second.Current().Visible; got != 3 {
		t.Fatalf("visible after restart = %d, want 3", got)
	}

	ident.set(alice)
	second.SyncIdentity(context.Background())
	if got := second.Current().Visible; got != 3 {
		t.Errorf("visible after verification = %d, want max(3, 1, 3) = 3", got)
	}
}

func TestEngine_LocalStoreFailureIsTolerated(t *testing.T) {
	local := localstore.NewMemory()
	local.FailWith = errors.New("quota exceeded")
	e := newTestEngine(t, newFakeRemote(), domain.StaticIdentity(alice), local)

	e.Add(2)
	if got := e.Current().Visible; got != 2 {
		t.Errorf("visible = %d, want 2", got)
	}
}

func TestEngine_RunPolls(t *testing.T) {
	remote := newFakeRemote()
	ident := &switchIdentity{}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := newTestEngine(t, remote, ident, localstore.NewMemory(), WithClock(clk))
	remote.seed(t, 9)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	ch, unsub := e.Subscribe()
	defer unsub()
	<-ch // current value

	ident.set(alice)
	clk.WaitForTimers(1)
	clk.Advance(DefaultConfig().PollInterval)

	deadline := time.After(5 * time.Second)
	for e.Current().Visible != 9 {
		select {
		case <-ch:
		case <-deadline:
			t.Fatalf("visible = %d, want 9", e.Current().Visible)
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}
