package hold

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kirinyoku/raffle-go/internal/clock"
	"github.com/kirinyoku/raffle-go/internal/domain"
	redisrepo "github.com/kirinyoku/raffle-go/internal/repository/redis"
	"github.com/kirinyoku/raffle-go/internal/service/feed"
	"github.com/kirinyoku/raffle-go/internal/testutil"
)

type fixture struct {
	svc    *Service
	store  *testutil.MemoryStore
	sched  *testutil.RecordingScheduler
	bus    *testutil.FeedBus
	clock  *clock.Manual
	raffle domain.Raffle
}

func newFixture(t *testing.T, limiter Limiter) *fixture {
	t.Helper()

	clk := clock.NewManual(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	store := testutil.NewMemoryStore(clk)
	sched := testutil.NewRecordingScheduler()
	bus := testutil.NewFeedBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := New(store, store, sched, limiter, feed.NewAnnouncer(bus, bus, clk, logger), clk, logger, Config{})

	return &fixture{
		svc:    svc,
		store:  store,
		sched:  sched,
		bus:    bus,
		clock:  clk,
		raffle: store.AddRaffle("Test raffle", 1000, 0, 99),
	}
}

func (f *fixture) hold(t *testing.T, holder string, numbers ...int) domain.HoldResult {
	t.Helper()

	res, err := f.svc.RequestHold(context.Background(), Request{
		RaffleID:  f.raffle.ID,
		Numbers:   numbers,
		HolderRef: holder,
	})
	if err != nil {
		t.Fatalf("hold %v for %s: %v", numbers, holder, err)
	}
	return res
}

func TestRequestHold(t *testing.T) {
	t.Run("holds all requested numbers", func(t *testing.T) {
		f := newFixture(t, nil)

		res := f.hold(t, "A", 42, 7)

		if len(res.Held) != 2 || res.Held[0] != 7 || res.Held[1] != 42 {
			t.Fatalf("unexpected held %v", res.Held)
		}
		if len(res.Conflicted) != 0 {
			t.Fatalf("unexpected conflicts %v", res.Conflicted)
		}
		if want := f.clock.Now().Add(DefaultTTL); !res.ExpiresAt.Equal(want) {
			t.Fatalf("expires at %v, want %v", res.ExpiresAt, want)
		}

		for _, n := range []int{7, 42} {
			tk, _ := f.store.Ticket(context.Background(), f.raffle.ID, n)
			if tk.Status != domain.TicketHeld || tk.HolderRef != "A" || !tk.HoldExpiresAt.Equal(res.ExpiresAt) {
				t.Fatalf("ticket %d not held by A: %+v", n, tk)
			}
		}

		pending := f.sched.Pending()
		if len(pending) != 1 || pending[0].Key() != res.Group().Key() {
			t.Fatalf("expected one scheduled group, got %+v", pending)
		}

		if got := len(f.bus.Events()); got != 2 {
			t.Fatalf("expected 2 feed events, got %d", got)
		}
		if f.bus.Invalidations(f.raffle.ID) == 0 {
			t.Fatalf("expected cache invalidation")
		}
	})

	t.Run("grants the subset and reports conflicts", func(t *testing.T) {
		f := newFixture(t, nil)

		f.hold(t, "B", 7)
		res := f.hold(t, "A", 7, 42)

		if len(res.Held) != 1 || res.Held[0] != 42 {
			t.Fatalf("unexpected held %v", res.Held)
		}
		if len(res.Conflicted) != 1 {
			t.Fatalf("unexpected conflicts %v", res.Conflicted)
		}
		c := res.Conflicted[0]
		if c.Number != 7 || c.Status != domain.TicketHeld || c.Mine {
			t.Fatalf("unexpected conflict %+v", c)
		}
	})

	t.Run("own hold is reported as mine", func(t *testing.T) {
		f := newFixture(t, nil)

		f.hold(t, "A", 7)
		res := f.hold(t, "A", 7)

		if len(res.Held) != 0 || len(res.Conflicted) != 1 || !res.Conflicted[0].Mine {
			t.Fatalf("unexpected result %+v", res)
		}
	})

	t.Run("nothing held schedules nothing", func(t *testing.T) {
		f := newFixture(t, nil)

		f.hold(t, "B", 7)
		before := len(f.sched.Pending())
		f.hold(t, "A", 7)

		if got := len(f.sched.Pending()); got != before {
			t.Fatalf("expected no new schedule, got %d groups", got)
		}
	})

	t.Run("lapsed hold can be taken", func(t *testing.T) {
		f := newFixture(t, nil)

		f.hold(t, "A", 7)
		f.clock.Advance(DefaultTTL + time.Millisecond)

		res := f.hold(t, "B", 7)
		if len(res.Held) != 1 {
			t.Fatalf("expected B to take lapsed number, got %+v", res)
		}
	})

	t.Run("sold number conflicts", func(t *testing.T) {
		f := newFixture(t, nil)

		f.hold(t, "A", 7)
		ok, err := f.store.TryTransition(context.Background(), domain.SellTransition(f.raffle.ID, 7, "A"))
		if err != nil || !ok {
			t.Fatalf("sell: ok=%v err=%v", ok, err)
		}

		res := f.hold(t, "B", 7)
		if len(res.Conflicted) != 1 || res.Conflicted[0].Status != domain.TicketSold {
			t.Fatalf("unexpected result %+v", res)
		}
	})
}

func TestRequestHoldValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"no numbers", Request{RaffleID: f.raffle.ID, HolderRef: "A"}, ErrInvalidRequest},
		{"no holder", Request{RaffleID: f.raffle.ID, Numbers: []int{1}}, ErrInvalidRequest},
		{"duplicates", Request{RaffleID: f.raffle.ID, Numbers: []int{1, 1}, HolderRef: "A"}, ErrInvalidRequest},
		{"out of range", Request{RaffleID: f.raffle.ID, Numbers: []int{1, 100}, HolderRef: "A"}, ErrInvalidRequest},
		{"unknown raffle", Request{RaffleID: 404, Numbers: []int{1}, HolderRef: "A"}, ErrRaffleNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RequestHold(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if n := f.store.SuccessfulTransitions(); n != 0 {
		t.Fatalf("invalid requests changed the ledger %d times", n)
	}
}

func TestRequestHoldExclusivity(t *testing.T) {
	f := newFixture(t, nil)

	const buyers = 32

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)

	start := make(chan struct{})
	for i := 0; i < buyers; i++ {
		holder := string(rune('a'+i%26)) + string(rune('0'+i/26))
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := f.svc.RequestHold(context.Background(), Request{
				RaffleID:  f.raffle.ID,
				Numbers:   []int{7},
				HolderRef: holder,
			})
			if err != nil {
				t.Errorf("hold: %v", err)
				return
			}
			if len(res.Held) == 1 {
				mu.Lock()
				winners = append(winners, holder)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}

	tk, _ := f.store.Ticket(context.Background(), f.raffle.ID, 7)
	if tk.HolderRef != winners[0] {
		t.Fatalf("ledger holder %q, winner %q", tk.HolderRef, winners[0])
	}
}

type stubLimiter struct {
	allow bool
	err   error
}

func (l stubLimiter) Allow(context.Context, string) (redisrepo.Decision, error) {
	return redisrepo.Decision{Allowed: l.allow, RetryAfter: 30 * time.Second}, l.err
}

func TestRequestHoldRateLimit(t *testing.T) {
	t.Run("rejects over limit", func(t *testing.T) {
		f := newFixture(t, stubLimiter{allow: false})

		_, err := f.svc.RequestHold(context.Background(), Request{
			RaffleID: f.raffle.ID, Numbers: []int{1}, HolderRef: "A", ClientKey: "ip:1",
		})

		var rl *RateLimitedError
		if !errors.As(err, &rl) || !errors.Is(err, ErrRateLimited) || rl.RetryAfter != 30*time.Second {
			t.Fatalf("expected rate limited error, got %v", err)
		}
	})

	t.Run("limiter outage does not block holds", func(t *testing.T) {
		f := newFixture(t, stubLimiter{err: errors.New("redis down")})

		res, err := f.svc.RequestHold(context.Background(), Request{
			RaffleID: f.raffle.ID, Numbers: []int{1}, HolderRef: "A", ClientKey: "ip:1",
		})
		if err != nil || len(res.Held) != 1 {
			t.Fatalf("expected hold despite limiter error, got %+v, %v", res, err)
		}
	})
}

func TestReleaseHold(t *testing.T) {
	t.Run("releases everything and disarms expiry", func(t *testing.T) {
		f := newFixture(t, nil)

		res := f.hold(t, "A", 7, 42)

		released, err := f.svc.ReleaseHold(context.Background(), f.raffle.ID, "A", nil)
		if err != nil {
			t.Fatalf("release: %v", err)
		}
		if len(released) != 2 {
			t.Fatalf("unexpected released %v", released)
		}

		if len(f.sched.Pending()) != 0 {
			t.Fatalf("expected schedule cancelled")
		}
		cancelled := f.sched.Cancelled()
		if len(cancelled) != 1 || cancelled[0] != res.Group().Key() {
			t.Fatalf("unexpected cancellations %v", cancelled)
		}

		again := f.hold(t, "B", 7, 42)
		if len(again.Held) != 2 {
			t.Fatalf("released numbers not holdable: %+v", again)
		}
	})

	t.Run("partial release keeps expiry armed", func(t *testing.T) {
		f := newFixture(t, nil)

		f.hold(t, "A", 7, 42)

		released, err := f.svc.ReleaseHold(context.Background(), f.raffle.ID, "A", []int{7})
		if err != nil {
			t.Fatalf("release: %v", err)
		}
		if len(released) != 1 || released[0] != 7 {
			t.Fatalf("unexpected released %v", released)
		}
		if len(f.sched.Pending()) != 1 {
			t.Fatalf("expected group still scheduled")
		}
	})

	t.Run("other holders are untouched", func(t *testing.T) {
		f := newFixture(t, nil)

		f.hold(t, "B", 7)

		released, err := f.svc.ReleaseHold(context.Background(), f.raffle.ID, "A", []int{7})
		if err != nil {
			t.Fatalf("release: %v", err)
		}
		if len(released) != 0 {
			t.Fatalf("released someone else's number: %v", released)
		}

		tk, _ := f.store.Ticket(context.Background(), f.raffle.ID, 7)
		if tk.HolderRef != "B" {
			t.Fatalf("ticket changed hands: %+v", tk)
		}
	})
}

func TestHeld(t *testing.T) {
	f := newFixture(t, nil)

	f.hold(t, "A", 7)
	f.clock.Advance(time.Minute)
	f.hold(t, "A", 42, 43)

	groups, err := f.svc.Held(context.Background(), f.raffle.ID, "A")
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %+v", groups)
	}
	if len(groups[0].Numbers) != 1 || len(groups[1].Numbers) != 2 {
		t.Fatalf("unexpected groups %+v", groups)
	}

	f.clock.Advance(DefaultTTL - 30*time.Second)

	groups, err = f.svc.Held(context.Background(), f.raffle.ID, "A")
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	if len(groups) != 1 || groups[0].Numbers[0] != 42 {
		t.Fatalf("lapsed group still reported: %+v", groups)
	}
}
