package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wwc-network/wwc/internal/domain"
	"github.com/wwc-network/wwc/internal/infra/clock"
	"github.com/wwc-network/wwc/internal/infra/memory"
	"github.com/wwc-network/wwc/internal/infra/ratelimit"
)

// ═══════════════════════════════════════════════════════════════════════════
// Ledger Service Tests
// ═══════════════════════════════════════════════════════════════════════════

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var alice = Caller{Identity: "nullifier-alice", RemoteAddr: "10.0.0.1"}

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	opts = append([]Option{WithLogger(quiet)}, opts...)
	return New(store, DefaultConfig(), opts...), store
}

func seed(t *testing.T, store *memory.Store, id domain.Identity, amount int64) {
	t.Helper()
	if _, err := store.Add(context.Background(), domain.AddRequest{Identity: id, Amount: amount}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

// ─── Concrete Scenarios ─────────────────────────────────────────────────────

func TestScenario_AddThenGetBalance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.AddCredits(ctx, alice, AddInput{Amount: 5, Reason: "swipe"}, EntrySwipe); err != nil {
		t.Fatalf("AddCredits() error: %v", err)
	}
	bal, err := svc.GetBalance(ctx, alice)
	if err != nil {
		t.Fatalf("GetBalance() error: %v", err)
	}
	if bal != 5 {
		t.Errorf("GetBalance() = %d, want 5", bal)
	}
}

func TestScenario_Spend(t *testing.T) {
	tests := []struct {
		name    string
		start   int64
		wantOK  bool
		wantBal int64
		wantErr error
	}{
		{"insufficient", 10, false, 10, domain.ErrInsufficientFunds},
		{"sufficient", 25, true, 5, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t)
			seed(t, store, alice.Identity, tt.start)

			res, err := svc.SpendCredits(context.Background(), alice, SpendInput{Amount: 20, Reason: "unlock"})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SpendCredits() error = %v, want %v", err, tt.wantErr)
			}
			if res.OK != tt.wantOK || res.Balance != tt.wantBal {
				t.Errorf("SpendCredits() = %+v, want {OK:%v Balance:%d}", res, tt.wantOK, tt.wantBal)
			}
		})
	}
}

// ─── Add ────────────────────────────────────────────────────────────────────

func TestAddCredits_Caps(t *testing.T) {
	tests := []struct {
		name    string
		ep      EntryPoint
		amount  int64
		wantBal int64
		wantErr error
	}{
		{"swipe default amount", EntrySwipe, 0, 1, nil},
		{"swipe at cap", EntrySwipe, 10, 10, nil},
		{"swipe over cap", EntrySwipe, 11, 0, domain.ErrInvalidAmount},
		{"swipe negative", EntrySwipe, -1, 0, domain.ErrInvalidAmount},
		{"sync at cap", EntrySync, 100, 100, nil},
		{"sync over cap", EntrySync, 101, 0, domain.ErrInvalidAmount},
		{"sync zero", EntrySync, 0, 0, domain.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t)
			out, err := svc.AddCredits(context.Background(), alice, AddInput{Amount: tt.amount}, tt.ep)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("AddCredits() error = %v, want %v", err, tt.wantErr)
			}
			if out.Balance != tt.wantBal {
				t.Errorf("Balance = %d, want %d", out.Balance, tt.wantBal)
			}
		})
	}
}

func TestAddCredits_DefaultReasonPerEntryPoint(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	svc.AddCredits(ctx, alice, AddInput{}, EntrySwipe)
	svc.AddCredits(ctx, alice, AddInput{Amount: 3}, EntrySync)

	entries, _ := store.Entries(ctx, alice.Identity, 0)
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Reason != ReasonClientSync || entries[1].Reason != ReasonSwipe {
		t.Errorf("reasons = %q, %q; want %q, %q",
			entries[0].Reason, entries[1].Reason, ReasonClientSync, ReasonSwipe)
	}
}

func TestAddCredits_IdempotentReplay(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	in := AddInput{Amount: 3, IdempotencyKey: "batch-1"}

	first, err := svc.AddCredits(ctx, alice, in, EntrySync)
	if err != nil {
		t.Fatal(err)
	}
	again, err := svc.AddCredits(ctx, alice, in, EntrySync)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Replayed || again.Balance != first.Balance {
		t.Errorf("replay = %+v, want Replayed with Balance %d", again, first.Balance)
	}
	if bal, _ := svc.GetBalance(ctx, alice); bal != 3 {
		t.Errorf("GetBalance() = %d, want 3", bal)
	}
}

func TestAddCredits_StoreFailureEchoesAmount(t *testing.T) {
	svc, store := newTestService(t)
	store.FailWith = errors.New("disk gone")

	out, err := svc.AddCredits(context.Background(), alice, AddInput{Amount: 4}, EntrySync)
	if err != nil {
		t.Fatalf("AddCredits() error = %v, want nil", err)
	}
	if !out.Degraded || out.Balance != 4 {
		t.Errorf("AddCredits() = %+v, want {Balance:4 Degraded:true}", out)
	}
}

func TestAddCredits_NoIdentity(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.AddCredits(context.Background(), Caller{}, AddInput{Amount: 1}, EntrySwipe)
	if !errors.Is(err, domain.ErrNoIdentity) {
		t.Errorf("error = %v, want ErrNoIdentity", err)
	}
}

// ─── Balance ────────────────────────────────────────────────────────────────

func TestGetBalance_StoreFailureServesZero(t *testing.T) {
	svc, store := newTestService(t)
	seed(t, store, alice.Identity, 9)
	store.FailWith = errors.New("timeout")

	bal, err := svc.GetBalance(context.Background(), alice)
	if err != nil || bal != 0 {
		t.Errorf("GetBalance() = %d, %v; want 0, nil", bal, err)
	}
}

// ─── Spend ──────────────────────────────────────────────────────────────────

func TestSpendCredits_StoreFailureIsSurfaced(t *testing.T) {
	svc, store := newTestService(t)
	seed(t, store, alice.Identity, 50)
	store.FailWith = errors.New("timeout")

	res, err := svc.SpendCredits(context.Background(), alice, SpendInput{Amount: 20})
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Errorf("error = %v, want ErrStorageUnavailable", err)
	}
	if res.OK {
		t.Error("failed spend must not report OK")
	}
}

func TestSpendCredits_InvalidAmount(t *testing.T) {
	svc, _ := newTestService(t)
	for _, amt := range []int64{0, -5} {
		if _, err := svc.SpendCredits(context.Background(), alice, SpendInput{Amount: amt}); !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("SpendCredits(%d) error = %v, want ErrInvalidAmount", amt, err)
		}
	}
}

func TestSpendCredits_ConcurrentAtomicity(t *testing.T) {
	svc, store := newTestService(t)
	seed(t, store, alice.Identity, 95)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.SpendCredits(context.Background(), alice, SpendInput{Amount: 20})
			if err == nil && res.OK {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != 4 {
		t.Errorf("successful spends = %d, want 4 (floor(95/20))", ok)
	}
	if bal, _ := svc.GetBalance(context.Background(), alice); bal != 15 {
		t.Errorf("GetBalance() = %d, want 15", bal)
	}
}

// ─── Rate Limits ────────────────────────────────────────────────────────────

func TestRateLimit_SyncFamily(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	lim := ratelimit.New(ratelimit.DefaultRules(), clk)
	svc, _ := newTestService(t, WithLimiter(lim))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := svc.AddCredits(ctx, alice, AddInput{Amount: 1}, EntrySync); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
	}
	_, err := svc.AddCredits(ctx, alice, AddInput{Amount: 1}, EntrySync)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("11th sync error = %v, want ErrRateLimited", err)
	}
	if d, ok := domain.RetryAfter(err); !ok || d <= 0 {
		t.Errorf("RetryAfter = %v, %v; want positive", d, ok)
	}

	// Swipes draw from their own bucket.
	if _, err := svc.AddCredits(ctx, alice, AddInput{Amount: 1}, EntrySwipe); err != nil {
		t.Errorf("swipe after sync limit: %v", err)
	}
	// Other identities are unaffected.
	bob := Caller{Identity: "nullifier-bob"}
	if _, err := svc.AddCredits(ctx, bob, AddInput{Amount: 1}, EntrySync); err != nil {
		t.Errorf("bob sync: %v", err)
	}
}

func TestRateLimit_SharedAddress(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	lim := ratelimit.New(ratelimit.DefaultRules(), clk)
	svc, _ := newTestService(t, WithLimiter(lim))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		c := Caller{
			Identity:   domain.Identity(fmt.Sprintf("nullifier-%d", i)),
			RemoteAddr: fmt.Sprintf("203.0.113.7:%d", 40000+i),
		}
		if _, err := svc.AddCredits(ctx, c, AddInput{Amount: 1}, EntrySync); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
	}
	fresh := Caller{Identity: "nullifier-fresh", RemoteAddr: "203.0.113.7:50000"}
	if _, err := svc.AddCredits(ctx, fresh, AddInput{Amount: 1}, EntrySync); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("new identity on a limited address: error = %v, want ErrRateLimited", err)
	}

	fresh.RemoteAddr = "198.51.100.2"
	if _, err := svc.AddCredits(ctx, fresh, AddInput{Amount: 1}, EntrySync); err != nil {
		t.Errorf("same identity from another address: %v", err)
	}
}

func TestCaller_AddrKey(t *testing.T) {
	tests := []struct {
		addr, want string
	}{
		{"", ""},
		{"10.0.0.1", "addr:10.0.0.1"},
		{"10.0.0.1:5123", "addr:10.0.0.1"},
		{"[2001:db8::1]:443", "addr:2001:db8::1"},
	}
	for _, tt := range tests {
		if got := (Caller{RemoteAddr: tt.addr}).addrKey(); got != tt.want {
			t.Errorf("addrKey(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

// ─── Unlocks ────────────────────────────────────────────────────────────────

func TestUnlockChannel(t *testing.T) {
	svc, store := newTestService(t)
	seed(t, store, alice.Identity, 45)
	ctx := context.Background()

	out, err := svc.UnlockChannel(ctx, alice, "deep-tech", 0)
	if err != nil {
		t.Fatalf("UnlockChannel() error: %v", err)
	}
	if !out.Unlocked || out.AlreadyUnlocked || out.Balance != 25 {
		t.Errorf("UnlockChannel() = %+v, want unlocked with balance 25", out)
	}

	again, err := svc.UnlockChannel(ctx, alice, "deep-tech", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !again.AlreadyUnlocked || again.Balance != 25 {
		t.Errorf("second UnlockChannel() = %+v, want already unlocked, balance 25", again)
	}

	slugs, _ := svc.Unlocks(ctx, alice)
	if len(slugs) != 1 || slugs[0] != "deep-tech" {
		t.Errorf("Unlocks() = %v, want [deep-tech]", slugs)
	}

	entries, _ := svc.History(ctx, alice, 1)
	if len(entries) != 1 || entries[0].Reason != ReasonUnlock || entries[0].Note != "deep-tech" {
		t.Errorf("History()[0] = %+v, want unlock note=deep-tech", entries)
	}
}

func TestUnlockChannel_Validation(t *testing.T) {
	svc, store := newTestService(t)
	seed(t, store, alice.Identity, 5000)

	tests := []struct {
		name    string
		slug    string
		cost    int64
		wantErr error
	}{
		{"uppercase", "Tech", 0, domain.ErrInvalidChannel},
		{"too short", "a", 0, domain.ErrInvalidChannel},
		{"double dash", "a--b", 0, domain.ErrInvalidChannel},
		{"cost too high", "tech", 1001, domain.ErrInvalidAmount},
		{"negative cost", "tech", -1, domain.ErrInvalidAmount},
		{"max cost", "tech", 1000, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UnlockChannel(context.Background(), alice, tt.slug, tt.cost)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("UnlockChannel(%q, %d) error = %v, want %v", tt.slug, tt.cost, err, tt.wantErr)
			}
		})
	}
}

func TestUnlockChannel_Insufficient(t *testing.T) {
	svc, store := newTestService(t)
	seed(t, store, alice.Identity, 10)

	out, err := svc.UnlockChannel(context.Background(), alice, "science", 20)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}
	if out.Unlocked || out.Balance != 10 {
		t.Errorf("UnlockChannel() = %+v, want locked with balance 10", out)
	}
}

// ─── Notifications ──────────────────────────────────────────────────────────

func TestNotifier_CalledOnMutations(t *testing.T) {
	var got []int64
	svc, _ := newTestService(t, WithNotifier(func(_ domain.Identity, bal int64) {
		got = append(got, bal)
	}))
	ctx := context.Background()

	svc.AddCredits(ctx, alice, AddInput{Amount: 30, IdempotencyKey: "k"}, EntrySync)
	svc.AddCredits(ctx, alice, AddInput{Amount: 30, IdempotencyKey: "k"}, EntrySync) // replay, silent
	svc.SpendCredits(ctx, alice, SpendInput{Amount: 20})
	svc.SpendCredits(ctx, alice, SpendInput{Amount: 20}) // rejected, silent

	if len(got) != 2 || got[0] != 30 || got[1] != 10 {
		t.Errorf("notified balances = %v, want [30 10]", got)
	}
}
