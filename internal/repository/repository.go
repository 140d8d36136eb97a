package repository

import (
	"context"

	"github.com/kirinyoku/raffle-go/internal/domain"
)

// Transactor runs fn inside one storage transaction carried by ctx.
// Nested calls join the outer transaction.
type Transactor interface {
	RunTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Ledger is the durable per-ticket store. TryTransition is atomic per
// ticket and reports false, not an error, when the row does not match.
type Ledger interface {
	TryTransition(ctx context.Context, t domain.Transition) (bool, error)
	Ticket(ctx context.Context, raffleID int64, number int) (domain.Ticket, error)
	Tickets(ctx context.Context, raffleID int64) ([]domain.Ticket, error)
	HeldBy(ctx context.Context, raffleID int64, holderRef string) ([]domain.Ticket, error)
	// ExpiredHolds groups lapsed holds by holder and deadline.
	ExpiredHolds(ctx context.Context, limit int) ([]domain.HoldGroup, error)
}

type Charges interface {
	// Create returns ErrConflict when the holder already has a pending charge.
	Create(ctx context.Context, c domain.Charge) error
	Get(ctx context.Context, ref string) (domain.Charge, error)
	// Pending returns the holder's pending charge or ErrNotFound.
	Pending(ctx context.Context, raffleID int64, holderRef string) (domain.Charge, error)
	// TransitionStatus moves the charge to `to` only if its status is one of
	// `from`. It reports whether the row changed.
	TransitionStatus(ctx context.Context, ref string, from []domain.ChargeStatus, to domain.ChargeStatus, by domain.Signal) (bool, error)
}

type Raffles interface {
	Raffle(ctx context.Context, id int64) (domain.Raffle, error)
}
