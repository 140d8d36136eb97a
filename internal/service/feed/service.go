package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirinyoku/raffle-go/internal/clock"
	"github.com/kirinyoku/raffle-go/internal/domain"
	"github.com/kirinyoku/raffle-go/internal/repository"
)

var ErrRaffleNotFound = errors.New("raffle not found")

const (
	defaultCoalesce = 100 * time.Millisecond
	defaultResync   = 15 * time.Second
)

// Subscriber delivers ledger change events. ready is called once the
// subscription is live.
type Subscriber interface {
	Subscribe(
		ctx context.Context,
		raffleID int64,
		ready func(),
		handler func(ctx context.Context, ev domain.TicketEvent),
	) error
}

// TicketsCache serves ticket listings, loading through load on a miss.
type TicketsCache interface {
	Tickets(ctx context.Context, raffleID int64, load func(ctx context.Context) ([]domain.Ticket, error)) ([]domain.Ticket, error)
}

type Options struct {
	// Coalesce is how long the listener waits after an event for more
	// events before re-reading the ledger.
	Coalesce time.Duration
	// Resync forces a re-read without events, so holds that lapse quietly
	// still move to available.
	Resync time.Duration
}

// Service serves the buyer's partition of a raffle's numbers, as a one-off
// snapshot or as a stream that follows ledger changes.
type Service struct {
	ledger  repository.Ledger
	raffles repository.Raffles
	sub     Subscriber
	cache   TicketsCache
	clock   clock.Clock
	logger  *slog.Logger
	opts    Options
}

func NewService(
	ledger repository.Ledger,
	raffles repository.Raffles,
	sub Subscriber,
	cache TicketsCache,
	clk clock.Clock,
	logger *slog.Logger,
	opts Options,
) *Service {
	if opts.Coalesce <= 0 {
		opts.Coalesce = defaultCoalesce
	}
	if opts.Resync <= 0 {
		opts.Resync = defaultResync
	}

	return &Service{
		ledger:  ledger,
		raffles: raffles,
		sub:     sub,
		cache:   cache,
		clock:   clk,
		logger:  logger,
		opts:    opts,
	}
}

// Snapshot returns the partition seen by holderRef. It may be served from
// cache; holds are re-evaluated against the current time either way.
func (s *Service) Snapshot(ctx context.Context, raffleID int64, holderRef string) (domain.Partition, error) {
	const op = "feed.Service.Snapshot"

	if err := s.checkRaffle(ctx, raffleID); err != nil {
		return domain.Partition{}, fmt.Errorf("%s:%w", op, err)
	}

	load := func(ctx context.Context) ([]domain.Ticket, error) {
		return s.ledger.Tickets(ctx, raffleID)
	}

	var (
		tickets []domain.Ticket
		err     error
	)
	if s.cache != nil {
		tickets, err = s.cache.Tickets(ctx, raffleID, load)
	} else {
		tickets, err = load(ctx)
	}
	if err != nil {
		return domain.Partition{}, fmt.Errorf("%s:%w", op, err)
	}

	return domain.PartitionOf(raffleID, tickets, holderRef, s.clock.Now()), nil
}

// Watch emits the current partition and then every changed partition until
// ctx is done or emit fails. Events only trigger a re-read of the ledger;
// their content is never trusted.
func (s *Service) Watch(
	ctx context.Context,
	raffleID int64,
	holderRef string,
	emit func(domain.Partition) error,
) error {
	const op = "feed.Service.Watch"

	if err := s.checkRaffle(ctx, raffleID); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dirty := make(chan struct{}, 1)
	subErr := make(chan error, 1)
	live := make(chan struct{})

	go func() {
		subErr <- s.sub.Subscribe(ctx, raffleID, func() { close(live) }, func(context.Context, domain.TicketEvent) {
			select {
			case dirty <- struct{}{}:
			default:
			}
		})
	}()

	// The first read must not start before the subscription is live, or a
	// change in between is only seen at the next resync.
	select {
	case <-ctx.Done():
		return nil
	case err := <-subErr:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("%s:%w", op, err)
		}
		return nil
	case <-live:
	}

	last, err := s.read(ctx, raffleID, holderRef)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}
	if err := emit(last); err != nil {
		return err
	}

	resync := time.NewTicker(s.opts.Resync)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-subErr:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("%s:%w", op, err)
			}
			return nil
		case <-dirty:
			if !s.settle(ctx, dirty) {
				return nil
			}
		case <-resync.C:
		}

		next, err := s.read(ctx, raffleID, holderRef)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.WarnContext(ctx, "feed re-read failed",
				slog.Int64("raffle_id", raffleID), slog.Any("err", err))
			continue
		}

		if next.Equal(last) {
			continue
		}

		last = next
		if err := emit(last); err != nil {
			return err
		}
	}
}

// settle waits out a burst of events. It reports false when ctx ended.
func (s *Service) settle(ctx context.Context, dirty <-chan struct{}) bool {
	t := time.NewTimer(s.opts.Coalesce)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-dirty:
		case <-t.C:
			return true
		}
	}
}

func (s *Service) read(ctx context.Context, raffleID int64, holderRef string) (domain.Partition, error) {
	tickets, err := s.ledger.Tickets(ctx, raffleID)
	if err != nil {
		return domain.Partition{}, err
	}

	return domain.PartitionOf(raffleID, tickets, holderRef, s.clock.Now()), nil
}

func (s *Service) checkRaffle(ctx context.Context, raffleID int64) error {
	if _, err := s.raffles.Raffle(ctx, raffleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrRaffleNotFound
		}
		return err
	}
	return nil
}
