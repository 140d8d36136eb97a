package feed

import (
	"context"
	"log/slog"

	"github.com/kirinyoku/raffle-go/internal/clock"
	"github.com/kirinyoku/raffle-go/internal/domain"
)

type Publisher interface {
	PublishTicketChanged(ctx context.Context, ev domain.TicketEvent) error
}

type Invalidator interface {
	InvalidateRaffle(ctx context.Context, raffleID int64) error
}

// Announcer propagates committed ledger changes: it drops cached ticket
// listings and publishes one feed event per number. Failures are logged;
// listeners re-sync from the ledger periodically.
type Announcer struct {
	pub    Publisher
	cache  Invalidator
	clock  clock.Clock
	logger *slog.Logger
}

// NewAnnouncer accepts nil pub or cache and skips that side.
func NewAnnouncer(pub Publisher, cache Invalidator, clk clock.Clock, logger *slog.Logger) *Announcer {
	return &Announcer{pub: pub, cache: cache, clock: clk, logger: logger}
}

func (a *Announcer) Announce(ctx context.Context, raffleID int64, status domain.TicketStatus, numbers []int) {
	if a == nil || len(numbers) == 0 {
		return
	}

	if a.cache != nil {
		if err := a.cache.InvalidateRaffle(ctx, raffleID); err != nil {
			a.logger.WarnContext(ctx, "invalidate raffle cache",
				slog.Int64("raffle_id", raffleID), slog.Any("err", err))
		}
	}

	if a.pub == nil {
		return
	}

	ts := a.clock.Now().Unix()
	for _, n := range numbers {
		ev := domain.TicketEvent{RaffleID: raffleID, Number: n, Status: status, TsUnix: ts}
		if err := a.pub.PublishTicketChanged(ctx, ev); err != nil {
			a.logger.WarnContext(ctx, "publish ticket change",
				slog.Int64("raffle_id", raffleID), slog.Int("number", n), slog.Any("err", err))
			return
		}
	}
}
