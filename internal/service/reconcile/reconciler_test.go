package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/kirinyoku/raffle-go/internal/clock"
	"github.com/kirinyoku/raffle-go/internal/domain"
	"github.com/kirinyoku/raffle-go/internal/notify"
	"github.com/kirinyoku/raffle-go/internal/payment"
	"github.com/kirinyoku/raffle-go/internal/service/charge"
	"github.com/kirinyoku/raffle-go/internal/service/expiry"
	"github.com/kirinyoku/raffle-go/internal/service/feed"
	"github.com/kirinyoku/raffle-go/internal/testutil"
)

type fixture struct {
	rec      *Reconciler
	charges  *charge.Service
	expirer  *expiry.Expirer
	store    *testutil.MemoryStore
	provider *testutil.FakeProvider
	sched    *testutil.RecordingScheduler
	notifier *testutil.RecordingNotifier
	bus      *testutil.FeedBus
	clock    *clock.Manual
	raffle   domain.Raffle
}

func newFixture(t *testing.T, pollInterval time.Duration) *fixture {
	t.Helper()

	clk := clock.NewManual(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	store := testutil.NewMemoryStore(clk)
	provider := testutil.NewFakeProvider()
	sched := testutil.NewRecordingScheduler()
	notifier := &testutil.RecordingNotifier{}
	bus := testutil.NewFeedBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	announcer := feed.NewAnnouncer(bus, bus, clk, logger)

	rec := New(store, store, store, provider, sched, announcer, notifier, clk, logger, pollInterval)
	t.Cleanup(rec.Close)

	return &fixture{
		rec:      rec,
		charges:  charge.New(store, store, store, provider, rec, clk, logger),
		expirer:  expiry.NewExpirer(store, store, store, announcer, notifier, clk, logger),
		store:    store,
		provider: provider,
		sched:    sched,
		notifier: notifier,
		bus:      bus,
		clock:    clk,
		raffle:   store.AddRaffle("Test raffle", 1000, 0, 99),
	}
}

func (f *fixture) hold(t *testing.T, holder string, ttl time.Duration, numbers ...int) domain.HoldGroup {
	t.Helper()

	g := domain.HoldGroup{
		RaffleID:  f.raffle.ID,
		HolderRef: holder,
		Numbers:   numbers,
		ExpiresAt: f.clock.Now().Add(ttl).Truncate(time.Millisecond),
	}
	for _, n := range numbers {
		ok, err := f.store.TryTransition(context.Background(), domain.HoldTransition(f.raffle.ID, n, holder, g.ExpiresAt))
		if err != nil || !ok {
			t.Fatalf("hold %d: ok=%v err=%v", n, ok, err)
		}
	}
	if err := f.sched.Schedule(context.Background(), g); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return g
}

func (f *fixture) issue(t *testing.T, holder string) domain.Charge {
	t.Helper()

	issued, err := f.charges.IssueCharge(context.Background(), f.raffle.ID, holder, domain.BuyerContact{
		Name:  "Ana",
		Email: "ana@example.com",
	})
	if err != nil {
		t.Fatalf("issue charge: %v", err)
	}
	return issued.Charge
}

func (f *fixture) ticket(t *testing.T, n int) domain.Ticket {
	t.Helper()
	tk, err := f.store.Ticket(context.Background(), f.raffle.ID, n)
	if err != nil {
		t.Fatalf("ticket %d: %v", n, err)
	}
	return tk
}

func (f *fixture) chargeStatus(t *testing.T, ref string) domain.ChargeStatus {
	t.Helper()
	c, err := f.store.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("get charge: %v", err)
	}
	return c.Status
}

func TestFinalize(t *testing.T) {
	t.Run("sells held numbers and confirms once", func(t *testing.T) {
		f := newFixture(t, time.Hour)
		f.hold(t, "A", 5*time.Minute, 7, 42)
		c := f.issue(t, "A")

		out, err := f.rec.Finalize(context.Background(), c.Ref, domain.SignalPush)
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if !out.Settled || !slices.Equal(out.Sold, []int{7, 42}) || len(out.Lost) != 0 {
			t.Fatalf("unexpected outcome: %+v", out)
		}

		for _, n := range []int{7, 42} {
			tk := f.ticket(t, n)
			if tk.Status != domain.TicketSold || tk.HolderRef != "A" {
				t.Fatalf("ticket %d = %+v, want sold to A", n, tk)
			}
		}

		settled, _ := f.store.Get(context.Background(), c.Ref)
		if settled.Status != domain.ChargePaid || settled.SettledBy != domain.SignalPush || settled.SettledAt == nil {
			t.Fatalf("charge not settled by push: %+v", settled)
		}

		if got := f.notifier.Count(notify.PurchaseConfirmed); got != 1 {
			t.Fatalf("confirmations = %d, want 1", got)
		}
		if len(f.sched.Pending()) != 0 {
			t.Fatalf("expiry still scheduled for sold group: %+v", f.sched.Pending())
		}
		if f.rec.Tracking(c.Ref) {
			t.Fatal("settled charge still tracked")
		}

		var sold int
		for _, ev := range f.bus.Events() {
			if ev.Status == domain.TicketSold {
				sold++
			}
		}
		if sold != 2 {
			t.Fatalf("sold events = %d, want 2", sold)
		}
	})

	t.Run("poll and push in either order settle once", func(t *testing.T) {
		orders := [][]domain.Signal{
			{domain.SignalPoll, domain.SignalPush},
			{domain.SignalPush, domain.SignalPoll},
		}
		for _, order := range orders {
			f := newFixture(t, time.Hour)
			f.hold(t, "A", 5*time.Minute, 3)
			c := f.issue(t, "A")

			first, err := f.rec.Finalize(context.Background(), c.Ref, order[0])
			if err != nil {
				t.Fatalf("first finalize: %v", err)
			}
			second, err := f.rec.Finalize(context.Background(), c.Ref, order[1])
			if err != nil {
				t.Fatalf("second finalize: %v", err)
			}

			if !first.Settled || second.Settled {
				t.Fatalf("order %v: first=%+v second=%+v", order, first, second)
			}
			if second.Status != domain.ChargePaid {
				t.Fatalf("duplicate status = %q, want paid", second.Status)
			}
			if got := f.notifier.Count(notify.PurchaseConfirmed); got != 1 {
				t.Fatalf("order %v: confirmations = %d, want 1", order, got)
			}

			settled, _ := f.store.Get(context.Background(), c.Ref)
			if settled.SettledBy != order[0] {
				t.Fatalf("settled by %q, want %q", settled.SettledBy, order[0])
			}
		}
	})

	t.Run("concurrent signals settle exactly once", func(t *testing.T) {
		f := newFixture(t, time.Hour)
		f.hold(t, "A", 5*time.Minute, 1, 2, 3)
		c := f.issue(t, "A")

		const workers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			settled int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				src := domain.SignalPoll
				if i%2 == 0 {
					src = domain.SignalPush
				}
				out, err := f.rec.Finalize(context.Background(), c.Ref, src)
				if err != nil {
					t.Errorf("finalize: %v", err)
					return
				}
				if out.Settled {
					mu.Lock()
					settled++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		if settled != 1 {
			t.Fatalf("settled %d times, want 1", settled)
		}
		if got := f.notifier.Count(notify.PurchaseConfirmed); got != 1 {
			t.Fatalf("confirmations = %d, want 1", got)
		}
	})

	t.Run("late payment after lapse still sells", func(t *testing.T) {
		f := newFixture(t, time.Hour)
		f.hold(t, "A", 5*time.Minute, 9)
		c := f.issue(t, "A")

		// Deadline passed, expiry not yet run.
		f.clock.Advance(6 * time.Minute)

		out, err := f.rec.Finalize(context.Background(), c.Ref, domain.SignalPush)
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if !out.Settled || !slices.Equal(out.Sold, []int{9}) {
			t.Fatalf("unexpected outcome: %+v", out)
		}
		if tk := f.ticket(t, 9); tk.Status != domain.TicketSold {
			t.Fatalf("ticket 9 = %+v, want sold", tk)
		}
	})

	t.Run("late payment never takes reassigned numbers", func(t *testing.T) {
		f := newFixture(t, time.Hour)
		g := f.hold(t, "A", 5*time.Minute, 7, 8)
		c := f.issue(t, "A")

		f.clock.Advance(6 * time.Minute)
		if _, err := f.expirer.Expire(context.Background(), g); err != nil {
			t.Fatalf("expire: %v", err)
		}
		if st := f.chargeStatus(t, c.Ref); st != domain.ChargeExpired {
			t.Fatalf("charge after expiry = %q, want expired", st)
		}

		f.hold(t, "B", 5*time.Minute, 7)

		out, err := f.rec.Finalize(context.Background(), c.Ref, domain.SignalPush)
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if !out.Settled || len(out.Sold) != 0 || !slices.Equal(out.Lost, []int{7, 8}) {
			t.Fatalf("unexpected outcome: %+v", out)
		}

		if tk := f.ticket(t, 7); tk.Status != domain.TicketHeld || tk.HolderRef != "B" {
			t.Fatalf("ticket 7 = %+v, want held by B", tk)
		}
		if tk := f.ticket(t, 8); tk.Status != domain.TicketAvailable {
			t.Fatalf("ticket 8 = %+v, want available", tk)
		}
		if st := f.chargeStatus(t, c.Ref); st != domain.ChargePaid {
			t.Fatalf("charge = %q, want paid", st)
		}

		var confirmed *notify.Message
		for _, s := range f.notifier.Sent() {
			if s.Message.Type == notify.PurchaseConfirmed {
				m := s.Message
				confirmed = &m
			}
		}
		if confirmed == nil || !slices.Equal(confirmed.Lost, []int{7, 8}) {
			t.Fatalf("confirmation does not report lost numbers: %+v", confirmed)
		}
	})

	t.Run("paying a replaced charge expires its replacement", func(t *testing.T) {
		f := newFixture(t, time.Hour)
		f.hold(t, "A", 5*time.Minute, 7)
		first := f.issue(t, "A")
		f.hold(t, "A", 5*time.Minute, 42)
		second := f.issue(t, "A")

		if st := f.chargeStatus(t, first.Ref); st != domain.ChargeExpired {
			t.Fatalf("replaced charge = %q, want expired", st)
		}
		if !f.rec.Tracking(second.Ref) {
			t.Fatal("replacement charge not polled")
		}

		out, err := f.rec.Finalize(context.Background(), first.Ref, domain.SignalPush)
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if !out.Settled || !slices.Equal(out.Sold, []int{7}) {
			t.Fatalf("unexpected outcome: %+v", out)
		}

		if st := f.chargeStatus(t, second.Ref); st != domain.ChargeExpired {
			t.Fatalf("replacement charge = %q, want expired", st)
		}
		if f.rec.Tracking(second.Ref) {
			t.Fatal("replacement charge still polled")
		}
		if tk := f.ticket(t, 42); tk.Status != domain.TicketHeld || tk.HolderRef != "A" {
			t.Fatalf("ticket 42 = %+v, want still held by A", tk)
		}

		// The remaining hold can be charged on its own.
		third := f.issue(t, "A")
		if !slices.Equal(third.Numbers, []int{42}) {
			t.Fatalf("new charge numbers = %v, want [42]", third.Numbers)
		}

		// A payment that still arrives for the replacement cannot buy 7 again.
		late, err := f.rec.Finalize(context.Background(), second.Ref, domain.SignalPoll)
		if err != nil {
			t.Fatalf("late finalize: %v", err)
		}
		if !slices.Equal(late.Sold, []int{42}) || !slices.Equal(late.Lost, []int{7}) {
			t.Fatalf("unexpected late outcome: %+v", late)
		}
		if st := f.chargeStatus(t, third.Ref); st != domain.ChargeExpired {
			t.Fatalf("charge for 42 = %q, want expired once 42 was sold", st)
		}
	})

	t.Run("unknown charge", func(t *testing.T) {
		f := newFixture(t, time.Hour)

		_, err := f.rec.Finalize(context.Background(), "nope", domain.SignalPush)
		if !errors.Is(err, ErrUnknownCharge) {
			t.Fatalf("err = %v, want ErrUnknownCharge", err)
		}
	})
}

func TestMarkFailed(t *testing.T) {
	t.Run("keeps the hold", func(t *testing.T) {
		f := newFixture(t, time.Hour)
		f.hold(t, "A", 5*time.Minute, 4)
		c := f.issue(t, "A")

		out, err := f.rec.MarkFailed(context.Background(), c.Ref, domain.SignalPoll)
		if err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		if out.Status != domain.ChargeFailed {
			t.Fatalf("status = %q, want failed", out.Status)
		}
		if tk := f.ticket(t, 4); tk.Status != domain.TicketHeld || tk.HolderRef != "A" {
			t.Fatalf("ticket 4 = %+v, want still held by A", tk)
		}
		if got := f.notifier.Count(notify.ChargeFailed); got != 1 {
			t.Fatalf("failure notifications = %d, want 1", got)
		}

		// A new charge can be issued for the same hold.
		next := f.issue(t, "A")
		if next.Ref == c.Ref {
			t.Fatal("failed charge was reused")
		}
	})

	t.Run("never undoes a payment", func(t *testing.T) {
		f := newFixture(t, time.Hour)
		f.hold(t, "A", 5*time.Minute, 4)
		c := f.issue(t, "A")

		if _, err := f.rec.Finalize(context.Background(), c.Ref, domain.SignalPush); err != nil {
			t.Fatalf("finalize: %v", err)
		}

		out, err := f.rec.MarkFailed(context.Background(), c.Ref, domain.SignalPoll)
		if err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		if out.Status != domain.ChargePaid {
			t.Fatalf("status = %q, want paid", out.Status)
		}
		if f.notifier.Count(notify.ChargeFailed) != 0 {
			t.Fatal("failure notification sent for paid charge")
		}
	})
}

func TestHandlePush(t *testing.T) {
	t.Run("unknown charge is ignored", func(t *testing.T) {
		f := newFixture(t, time.Hour)

		out, err := f.rec.HandlePush(context.Background(), payment.Notification{Ref: "other-system", Status: domain.ChargePaid})
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		if out.Settled {
			t.Fatalf("unexpected outcome: %+v", out)
		}
		if f.provider.StatusCalls() != 0 {
			t.Fatal("provider queried for unknown charge")
		}
	})

	t.Run("status is fetched when the push carries none", func(t *testing.T) {
		f := newFixture(t, time.Hour)
		f.hold(t, "A", 5*time.Minute, 11)
		c := f.issue(t, "A")
		f.provider.SetStatus(c.Ref, domain.ChargePaid)

		out, err := f.rec.HandlePush(context.Background(), payment.Notification{Ref: c.Ref})
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		if !out.Settled || out.Source != domain.SignalPush {
			t.Fatalf("unexpected outcome: %+v", out)
		}
		if f.provider.StatusCalls() != 1 {
			t.Fatalf("status calls = %d, want 1", f.provider.StatusCalls())
		}
	})

	t.Run("claimed paid status is checked with the provider", func(t *testing.T) {
		f := newFixture(t, time.Hour)
		f.hold(t, "A", 5*time.Minute, 11)
		c := f.issue(t, "A")

		out, err := f.rec.HandlePush(context.Background(), payment.Notification{Ref: c.Ref, Status: domain.ChargePaid})
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		if out.Settled || out.Status != domain.ChargePending {
			t.Fatalf("unexpected outcome: %+v", out)
		}
		if f.chargeStatus(t, c.Ref) != domain.ChargePending {
			t.Fatal("charge settled on the push body alone")
		}
		if f.provider.StatusCalls() != 1 {
			t.Fatalf("status calls = %d, want 1", f.provider.StatusCalls())
		}

		if tk := f.ticket(t, 11); tk.Status != domain.TicketHeld {
			t.Fatalf("ticket = %+v, want held", tk)
		}
	})

	t.Run("pending push changes nothing", func(t *testing.T) {
		f := newFixture(t, time.Hour)
		f.hold(t, "A", 5*time.Minute, 11)
		c := f.issue(t, "A")

		out, err := f.rec.HandlePush(context.Background(), payment.Notification{Ref: c.Ref, Status: domain.ChargePending})
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		if out.Settled || f.chargeStatus(t, c.Ref) != domain.ChargePending {
			t.Fatalf("pending push changed state: %+v", out)
		}
	})
}

func TestPolling(t *testing.T) {
	t.Run("settles when provider reports paid", func(t *testing.T) {
		f := newFixture(t, 5*time.Millisecond)
		f.hold(t, "A", 5*time.Minute, 21)
		c := f.issue(t, "A")

		if !f.rec.Tracking(c.Ref) {
			t.Fatal("issued charge is not tracked")
		}

		f.provider.SetStatus(c.Ref, domain.ChargePaid)

		testutil.Eventually(t, 2*time.Second, func() bool {
			return f.chargeStatus(t, c.Ref) == domain.ChargePaid && !f.rec.Tracking(c.Ref)
		}, "charge %s was not settled by polling", c.Ref)

		settled, _ := f.store.Get(context.Background(), c.Ref)
		if settled.SettledBy != domain.SignalPoll {
			t.Fatalf("settled by %q, want poll", settled.SettledBy)
		}
		if tk := f.ticket(t, 21); tk.Status != domain.TicketSold {
			t.Fatalf("ticket 21 = %+v, want sold", tk)
		}
	})

	t.Run("provider errors are retried", func(t *testing.T) {
		f := newFixture(t, 5*time.Millisecond)
		f.hold(t, "A", 5*time.Minute, 22)
		c := f.issue(t, "A")

		f.provider.FailStatus(&payment.Error{Kind: payment.KindNetwork, Message: "timeout"})
		testutil.Eventually(t, 2*time.Second, func() bool {
			return f.provider.StatusCalls() >= 3
		}, "poller gave up after provider errors")

		if !f.rec.Tracking(c.Ref) {
			t.Fatal("poller stopped on a transient error")
		}

		f.provider.FailStatus(nil)
		f.provider.SetStatus(c.Ref, domain.ChargeFailed)

		testutil.Eventually(t, 2*time.Second, func() bool {
			return f.chargeStatus(t, c.Ref) == domain.ChargeFailed
		}, "charge %s was not marked failed", c.Ref)
	})

	t.Run("stops at the hold deadline", func(t *testing.T) {
		f := newFixture(t, 5*time.Millisecond)
		f.hold(t, "A", 50*time.Millisecond, 23)
		c := f.issue(t, "A")

		testutil.Eventually(t, 2*time.Second, func() bool {
			return !f.rec.Tracking(c.Ref)
		}, "poller outlived the hold deadline")

		if st := f.chargeStatus(t, c.Ref); st != domain.ChargePending {
			t.Fatalf("charge = %q, want still pending", st)
		}
	})

	t.Run("abandon stops polling", func(t *testing.T) {
		f := newFixture(t, time.Hour)
		f.hold(t, "A", 5*time.Minute, 24)
		c := f.issue(t, "A")

		if _, err := f.charges.Abandon(context.Background(), c.Ref, "A"); err != nil {
			t.Fatalf("abandon: %v", err)
		}
		if f.rec.Tracking(c.Ref) {
			t.Fatal("abandoned charge still tracked")
		}
	})

	t.Run("track is idempotent and close stops everything", func(t *testing.T) {
		f := newFixture(t, time.Hour)
		f.hold(t, "A", 5*time.Minute, 25)
		c := f.issue(t, "A")

		f.rec.Track(c)
		f.rec.Track(c)

		f.rec.Close()
		if f.rec.Tracking(c.Ref) {
			t.Fatal("charge tracked after close")
		}

		f.rec.Track(c)
		if f.rec.Tracking(c.Ref) {
			t.Fatal("closed reconciler accepted a new charge")
		}
	})
}
