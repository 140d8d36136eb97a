package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kirinyoku/raffle-go/internal/clock"
	"github.com/kirinyoku/raffle-go/internal/domain"
	"github.com/kirinyoku/raffle-go/internal/repository"
)

func TestMemoryStoreRollback(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	raffle := store.AddRaffle("Test raffle", 1000, 0, 9)
	exp := clk.Now().Add(time.Minute)
	boom := errors.New("boom")

	err := store.RunTx(context.Background(), func(ctx context.Context) error {
		if ok, err := store.TryTransition(ctx, domain.HoldTransition(raffle.ID, 1, "A", exp)); err != nil || !ok {
			t.Fatalf("hold inside tx: ok=%v err=%v", ok, err)
		}
		if err := store.Create(ctx, domain.Charge{Ref: "pay-1", RaffleID: raffle.ID, HolderRef: "A", Status: domain.ChargePending}); err != nil {
			t.Fatalf("create inside tx: %v", err)
		}

		// Writes outside the transaction, as a concurrent request would make.
		if ok, err := store.TryTransition(context.Background(), domain.HoldTransition(raffle.ID, 2, "B", exp)); err != nil || !ok {
			t.Fatalf("hold outside tx: ok=%v err=%v", ok, err)
		}
		if err := store.Create(context.Background(), domain.Charge{Ref: "pay-2", RaffleID: raffle.ID, HolderRef: "B", Status: domain.ChargePending}); err != nil {
			t.Fatalf("create outside tx: %v", err)
		}

		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	if tk, _ := store.Ticket(context.Background(), raffle.ID, 1); tk.Status != domain.TicketAvailable {
		t.Fatalf("ticket 1 = %+v, want rolled back", tk)
	}
	if tk, _ := store.Ticket(context.Background(), raffle.ID, 2); tk.Status != domain.TicketHeld || tk.HolderRef != "B" {
		t.Fatalf("ticket 2 = %+v, want the outside hold kept", tk)
	}
	if _, err := store.Get(context.Background(), "pay-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("charge created in tx survived rollback: %v", err)
	}
	if _, err := store.Get(context.Background(), "pay-2"); err != nil {
		t.Fatalf("charge created outside tx lost: %v", err)
	}
	if n := store.SuccessfulTransitions(); n != 1 {
		t.Fatalf("transitions = %d, want 1", n)
	}
}

func TestMemoryStoreRollbackRestoresPriorValue(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	raffle := store.AddRaffle("Test raffle", 1000, 0, 9)
	ctx := context.Background()

	if err := store.Create(ctx, domain.Charge{Ref: "pay-1", RaffleID: raffle.ID, HolderRef: "A", Status: domain.ChargePending}); err != nil {
		t.Fatalf("create: %v", err)
	}

	_ = store.RunTx(ctx, func(ctx context.Context) error {
		for _, to := range []domain.ChargeStatus{domain.ChargeExpired, domain.ChargePaid} {
			from := []domain.ChargeStatus{domain.ChargePending, domain.ChargeExpired}
			if ok, err := store.TransitionStatus(ctx, "pay-1", from, to, domain.SignalPoll); err != nil || !ok {
				t.Fatalf("transition to %s: ok=%v err=%v", to, ok, err)
			}
		}
		return errors.New("abort")
	})

	c, err := store.Get(ctx, "pay-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != domain.ChargePending || c.SettledAt != nil {
		t.Fatalf("charge = %+v, want pending as before the tx", c)
	}
}
