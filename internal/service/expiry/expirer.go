package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/kirinyoku/raffle-go/internal/clock"
	"github.com/kirinyoku/raffle-go/internal/domain"
	"github.com/kirinyoku/raffle-go/internal/metrics"
	"github.com/kirinyoku/raffle-go/internal/notify"
	"github.com/kirinyoku/raffle-go/internal/repository"
	"github.com/kirinyoku/raffle-go/internal/service/feed"
	"github.com/kirinyoku/raffle-go/internal/uow"
)

// ErrNotElapsed means part of the group is still held by its holder with a
// deadline in the future. The caller should try again later.
var ErrNotElapsed = errors.New("hold deadline not reached")

const DefaultSweepLimit = 500

// Expirer releases lapsed hold groups. Every release is re-validated by the
// ledger: only tickets still held by the same holder with an elapsed
// deadline move back to available.
type Expirer struct {
	ledger    repository.Ledger
	charges   repository.Charges
	uow       *uow.UoW
	announcer *feed.Announcer
	notifier  notify.Notifier
	clock     clock.Clock
	logger    *slog.Logger
}

func NewExpirer(
	ledger repository.Ledger,
	charges repository.Charges,
	tx repository.Transactor,
	announcer *feed.Announcer,
	notifier notify.Notifier,
	clk clock.Clock,
	logger *slog.Logger,
) *Expirer {
	return &Expirer{
		ledger:    ledger,
		charges:   charges,
		uow:       uow.New(tx),
		announcer: announcer,
		notifier:  notifier,
		clock:     clk,
		logger:    logger,
	}
}

// Expire releases the group's tickets that are still held by its holder
// and past their deadline. Sold or reassigned tickets are left alone. When
// the holder has nothing left held in the raffle, its pending charge is
// abandoned.
//
// Returns:
//   - []int: numbers released by this call.
//   - error: ErrNotElapsed if some numbers are still validly held, or a
//     storage failure.
func (e *Expirer) Expire(ctx context.Context, g domain.HoldGroup) ([]int, error) {
	const op = "service.expiry.Expirer.Expire"

	var released []int

	err := e.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		released = released[:0]

		for _, n := range g.Numbers {
			ok, err := e.ledger.TryTransition(ctx, domain.ExpireTransition(g.RaffleID, n, g.HolderRef))
			if err != nil {
				return err
			}
			if ok {
				released = append(released, n)
			}
		}

		if len(released) == 0 {
			return nil
		}

		abandoned, err := e.abandonChargeIfIdle(ctx, g.RaffleID, g.HolderRef)
		if err != nil {
			return err
		}

		numbers := append([]int(nil), released...)
		after(func(ctx context.Context) {
			metrics.ExpiredTicketsTotal.Add(float64(len(numbers)))
			e.announcer.Announce(ctx, g.RaffleID, domain.TicketAvailable, numbers)

			e.logger.InfoContext(ctx, "hold expired",
				slog.Int64("raffle_id", g.RaffleID),
				slog.String("holder_ref", g.HolderRef),
				slog.Any("numbers", numbers),
				slog.String("abandoned_charge", abandoned),
			)

			msg := notify.Message{Type: notify.HoldExpired, RaffleID: g.RaffleID, ChargeRef: abandoned, Numbers: numbers}
			if err := e.notifier.Notify(ctx, g.HolderRef, msg); err != nil {
				e.logger.WarnContext(ctx, "notify hold expired",
					slog.String("holder_ref", g.HolderRef), slog.Any("err", err))
			}
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	if len(released) < len(g.Numbers) {
		pending, err := e.stillPending(ctx, g, released)
		if err != nil {
			return released, fmt.Errorf("%s:%w", op, err)
		}
		if pending {
			return released, fmt.Errorf("%s:%w", op, ErrNotElapsed)
		}
	}

	return released, nil
}

func (e *Expirer) abandonChargeIfIdle(ctx context.Context, raffleID int64, holder string) (string, error) {
	held, err := e.ledger.HeldBy(ctx, raffleID, holder)
	if err != nil {
		return "", err
	}

	now := e.clock.Now()
	for _, t := range held {
		if t.HeldAt(now) {
			return "", nil
		}
	}

	c, err := e.charges.Pending(ctx, raffleID, holder)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	ok, err := e.charges.TransitionStatus(ctx, c.Ref,
		[]domain.ChargeStatus{domain.ChargePending}, domain.ChargeExpired, domain.SignalSweep)
	if err != nil || !ok {
		return "", err
	}

	return c.Ref, nil
}

// stillPending reports whether a number of g that was not released is
// still held by the same holder under the same, not yet elapsed, deadline.
func (e *Expirer) stillPending(ctx context.Context, g domain.HoldGroup, released []int) (bool, error) {
	now := e.clock.Now()

	for _, n := range g.Numbers {
		if slices.Contains(released, n) {
			continue
		}

		t, err := e.ledger.Ticket(ctx, g.RaffleID, n)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return false, err
		}

		if t.HeldAt(now) && t.HolderRef == g.HolderRef && t.HoldExpiresAt.Equal(g.ExpiresAt) {
			return true, nil
		}
	}

	return false, nil
}

// Sweep expires every lapsed hold group found in the ledger, up to limit
// groups. It returns how many tickets were released.
func (e *Expirer) Sweep(ctx context.Context, limit int) (int, error) {
	const op = "service.expiry.Expirer.Sweep"

	if limit <= 0 {
		limit = DefaultSweepLimit
	}

	groups, err := e.ledger.ExpiredHolds(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	total := 0
	for _, g := range groups {
		released, err := e.Expire(ctx, g)
		total += len(released)
		if err != nil && !errors.Is(err, ErrNotElapsed) {
			return total, fmt.Errorf("%s:%w", op, err)
		}
	}

	if total > 0 {
		e.logger.InfoContext(ctx, "sweep released lapsed holds",
			slog.Int("groups", len(groups)), slog.Int("tickets", total))
	}

	return total, nil
}
