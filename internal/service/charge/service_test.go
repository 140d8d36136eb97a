package charge

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
	"github.com/kirinyoku/raffle-go/internal/payment"
	"github.com/kirinyoku/raffle-go/internal/repository"
	"github.com/kirinyoku/raffle-go/internal/testutil"
)

type recordingTracker struct {
	mu      sync.Mutex
	tracked map[string]bool
}

func (r *recordingTracker) Track(c domain.Charge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tracked == nil {
		r.tracked = make(map[string]bool)
	}
	r.tracked[c.Ref] = true
}

func (r *recordingTracker) Stop(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, ref)
}

func (r *recordingTracker) Tracking(ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracked[ref]
}

type fixture struct {
	svc      *Service
	store    *testutil.MemoryStore
	provider *testutil.FakeProvider
	tracker  *recordingTracker
	clock    *clock.Manual
	raffle   domain.Raffle
}

var contact = domain.BuyerContact{Name: "Ana", Email: "ana@example.com"}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewManual(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	store := testutil.NewMemoryStore(clk)
	provider := testutil.NewFakeProvider()
	tracker := &recordingTracker{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		svc:      New(store, store, store, provider, tracker, clk, logger),
		store:    store,
		provider: provider,
		tracker:  tracker,
		clock:    clk,
		raffle:   store.AddRaffle("Test raffle", 1250, 0, 99),
	}
}

func (f *fixture) hold(t *testing.T, holder string, ttl time.Duration, numbers ...int) time.Time {
	t.Helper()

	exp := f.clock.Now().Add(ttl)
	for _, n := range numbers {
		ok, err := f.store.TryTransition(context.Background(), domain.HoldTransition(f.raffle.ID, n, holder, exp))
		if err != nil || !ok {
			t.Fatalf("hold %d: ok=%v err=%v", n, ok, err)
		}
	}
	return exp
}

func TestIssueCharge(t *testing.T) {
	t.Run("charges every live held number", func(t *testing.T) {
		f := newFixture(t)
		f.hold(t, "A", 3*time.Minute, 7)
		deadline := f.hold(t, "A", 5*time.Minute, 42)
		f.hold(t, "B", 5*time.Minute, 8)

		issued, err := f.svc.IssueCharge(context.Background(), f.raffle.ID, "A", contact)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}

		c := issued.Charge
		if issued.Reused {
			t.Fatal("fresh charge reported as reused")
		}
		if !slices.Equal(c.Numbers, []int{7, 42}) {
			t.Fatalf("numbers = %v, want [7 42]", c.Numbers)
		}
		if c.AmountCents != 2500 {
			t.Fatalf("amount = %d, want 2500", c.AmountCents)
		}
		if !c.ExpiresAt.Equal(deadline) {
			t.Fatalf("expires at %v, want %v", c.ExpiresAt, deadline)
		}
		if c.Status != domain.ChargePending || c.QRPayload == "" {
			t.Fatalf("unexpected charge: %+v", c)
		}
		if !f.tracker.Tracking(c.Ref) {
			t.Fatal("charge not tracked")
		}

		reqs := f.provider.Requests()
		if len(reqs) != 1 {
			t.Fatalf("provider calls = %d, want 1", len(reqs))
		}
		if reqs[0].Description != "Test raffle: 07, 42" {
			t.Fatalf("description = %q", reqs[0].Description)
		}
		if reqs[0].Buyer.Email != contact.Email {
			t.Fatalf("buyer = %+v", reqs[0].Buyer)
		}
	})

	t.Run("reuses an identical pending charge", func(t *testing.T) {
		f := newFixture(t)
		f.hold(t, "A", 5*time.Minute, 1, 2)

		first, err := f.svc.IssueCharge(context.Background(), f.raffle.ID, "A", contact)
		if err != nil {
			t.Fatalf("first issue: %v", err)
		}
		second, err := f.svc.IssueCharge(context.Background(), f.raffle.ID, "A", contact)
		if err != nil {
			t.Fatalf("second issue: %v", err)
		}

		if !second.Reused || second.Charge.Ref != first.Charge.Ref {
			t.Fatalf("second = %+v, want reuse of %s", second, first.Charge.Ref)
		}
		if got := len(f.provider.Requests()); got != 1 {
			t.Fatalf("provider calls = %d, want 1", got)
		}
	})

	t.Run("changed selection replaces the pending charge", func(t *testing.T) {
		f := newFixture(t)
		f.hold(t, "A", 5*time.Minute, 1)

		first, err := f.svc.IssueCharge(context.Background(), f.raffle.ID, "A", contact)
		if err != nil {
			t.Fatalf("first issue: %v", err)
		}

		f.hold(t, "A", 5*time.Minute, 2)

		second, err := f.svc.IssueCharge(context.Background(), f.raffle.ID, "A", contact)
		if err != nil {
			t.Fatalf("second issue: %v", err)
		}

		if second.Reused || second.Charge.Ref == first.Charge.Ref {
			t.Fatalf("selection change reused the old charge: %+v", second)
		}
		old, _ := f.store.Get(context.Background(), first.Charge.Ref)
		if old.Status != domain.ChargeExpired {
			t.Fatalf("old charge = %q, want expired", old.Status)
		}
		if f.tracker.Tracking(first.Charge.Ref) {
			t.Fatal("old charge still tracked")
		}
	})

	t.Run("lapsed holds are not charged", func(t *testing.T) {
		f := newFixture(t)
		f.hold(t, "A", time.Minute, 1)
		f.clock.Advance(2 * time.Minute)

		_, err := f.svc.IssueCharge(context.Background(), f.raffle.ID, "A", contact)
		if !errors.Is(err, ErrNoHold) {
			t.Fatalf("err = %v, want ErrNoHold", err)
		}
		if len(f.provider.Requests()) != 0 {
			t.Fatal("provider called without a live hold")
		}
	})

	t.Run("provider failure leaves the hold intact", func(t *testing.T) {
		f := newFixture(t)
		f.hold(t, "A", 5*time.Minute, 1)
		f.provider.FailCreate(&payment.Error{Kind: payment.KindAuth, StatusCode: 401, Message: "invalid token"})

		_, err := f.svc.IssueCharge(context.Background(), f.raffle.ID, "A", contact)
		if !errors.Is(err, payment.ErrAuth) {
			t.Fatalf("err = %v, want auth error", err)
		}

		tk, _ := f.store.Ticket(context.Background(), f.raffle.ID, 1)
		if tk.Status != domain.TicketHeld || tk.HolderRef != "A" {
			t.Fatalf("ticket = %+v, want still held by A", tk)
		}
		if _, err := f.store.Pending(context.Background(), f.raffle.ID, "A"); err == nil {
			t.Fatal("charge stored after provider failure")
		}

		f.provider.FailCreate(nil)
		if _, err := f.svc.IssueCharge(context.Background(), f.raffle.ID, "A", contact); err != nil {
			t.Fatalf("retry after failure: %v", err)
		}
	})

	t.Run("validation", func(t *testing.T) {
		f := newFixture(t)

		tests := []struct {
			name    string
			raffle  int64
			holder  string
			contact domain.BuyerContact
			want    error
		}{
			{"no holder", f.raffle.ID, "", contact, ErrHolderRequired},
			{"no email", f.raffle.ID, "A", domain.BuyerContact{Name: "Ana"}, ErrInvalidContact},
			{"unknown raffle", 999, "A", contact, ErrRaffleNotFound},
			{"nothing held", f.raffle.ID, "A", contact, ErrNoHold},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.svc.IssueCharge(context.Background(), tt.raffle, tt.holder, tt.contact)
				if !errors.Is(err, tt.want) {
					t.Fatalf("err = %v, want %v", err, tt.want)
				}
			})
		}
	})
}

func TestAbandon(t *testing.T) {
	t.Run("expires a pending charge", func(t *testing.T) {
		f := newFixture(t)
		f.hold(t, "A", 5*time.Minute, 1)
		issued, err := f.svc.IssueCharge(context.Background(), f.raffle.ID, "A", contact)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}

		c, err := f.svc.Abandon(context.Background(), issued.Charge.Ref, "A")
		if err != nil {
			t.Fatalf("abandon: %v", err)
		}
		if c.Status != domain.ChargeExpired {
			t.Fatalf("status = %q, want expired", c.Status)
		}

		// Idempotent.
		if _, err := f.svc.Abandon(context.Background(), issued.Charge.Ref, "A"); err != nil {
			t.Fatalf("second abandon: %v", err)
		}
	})

	t.Run("other holders cannot abandon", func(t *testing.T) {
		f := newFixture(t)
		f.hold(t, "A", 5*time.Minute, 1)
		issued, _ := f.svc.IssueCharge(context.Background(), f.raffle.ID, "A", contact)

		_, err := f.svc.Abandon(context.Background(), issued.Charge.Ref, "B")
		if !errors.Is(err, ErrChargeNotFound) {
			t.Fatalf("err = %v, want ErrChargeNotFound", err)
		}
	})

	t.Run("paid charge is not abandoned", func(t *testing.T) {
		f := newFixture(t)
		f.hold(t, "A", 5*time.Minute, 1)
		issued, _ := f.svc.IssueCharge(context.Background(), f.raffle.ID, "A", contact)

		if _, err := f.store.TransitionStatus(context.Background(), issued.Charge.Ref,
			[]domain.ChargeStatus{domain.ChargePending}, domain.ChargePaid, domain.SignalPush); err != nil {
			t.Fatalf("settle: %v", err)
		}

		_, err := f.svc.Abandon(context.Background(), issued.Charge.Ref, "A")
		if !errors.Is(err, ErrAlreadySettled) {
			t.Fatalf("err = %v, want ErrAlreadySettled", err)
		}
	})
}

func TestGetResumesTracking(t *testing.T) {
	f := newFixture(t)
	f.hold(t, "A", 5*time.Minute, 1)
	issued, _ := f.svc.IssueCharge(context.Background(), f.raffle.ID, "A", contact)

	f.tracker.Stop(issued.Charge.Ref)

	c, err := f.svc.Get(context.Background(), issued.Charge.Ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Ref != issued.Charge.Ref || !f.tracker.Tracking(c.Ref) {
		t.Fatalf("pending charge not tracked again: %+v", c)
	}

	if _, err := f.svc.Get(context.Background(), "missing"); !errors.Is(err, ErrChargeNotFound) {
		t.Fatalf("err = %v, want ErrChargeNotFound", err)
	}
}

// racingCharges loses every Create to a concurrent charge and serves
// Pending from a fixed list of errors.
type racingCharges struct {
	repository.Charges
	pending []error
}

func (r *racingCharges) Create(context.Context, domain.Charge) error {
	return repository.ErrConflict
}

func (r *racingCharges) Pending(context.Context, int64, string) (domain.Charge, error) {
	err := r.pending[0]
	r.pending = r.pending[1:]
	return domain.Charge{}, err
}

func TestIssueChargeConflictReadFailure(t *testing.T) {
	f := newFixture(t)
	f.hold(t, "A", 5*time.Minute, 7)

	readErr := errors.New("connection reset")
	charges := &racingCharges{Charges: f.store, pending: []error{repository.ErrNotFound, readErr}}
	svc := New(f.store, charges, f.store, f.provider, f.tracker, f.clock, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := svc.IssueCharge(context.Background(), f.raffle.ID, "A", contact)
	if !errors.Is(err, readErr) {
		t.Fatalf("err = %v, want the read failure", err)
	}
	if errors.Is(err, repository.ErrConflict) {
		t.Fatalf("err = %v, must not report the stale conflict", err)
	}
}
