package hold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/kirinyoku/raffle-go/internal/clock"
	"github.com/kirinyoku/raffle-go/internal/domain"
	"github.com/kirinyoku/raffle-go/internal/metrics"
	"github.com/kirinyoku/raffle-go/internal/repository"
	redisrepo "github.com/kirinyoku/raffle-go/internal/repository/redis"
	"github.com/kirinyoku/raffle-go/internal/service/feed"
)

const DefaultTTL = 5 * time.Minute

// Scheduler arms and disarms the expiry of a hold group.
type Scheduler interface {
	Schedule(ctx context.Context, g domain.HoldGroup) error
	Cancel(ctx context.Context, g domain.HoldGroup) error
}

type Limiter interface {
	Allow(ctx context.Context, key string) (redisrepo.Decision, error)
}

type Config struct {
	TTL time.Duration
}

type Request struct {
	RaffleID  int64
	Numbers   []int
	HolderRef string
	// ClientKey scopes rate limiting. Empty disables the limit.
	ClientKey string
}

type Service struct {
	ledger    repository.Ledger
	raffles   repository.Raffles
	sched     Scheduler
	limiter   Limiter
	announcer *feed.Announcer
	clock     clock.Clock
	logger    *slog.Logger
	cfg       Config
}

func New(
	ledger repository.Ledger,
	raffles repository.Raffles,
	sched Scheduler,
	limiter Limiter,
	announcer *feed.Announcer,
	clk clock.Clock,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	return &Service{
		ledger:    ledger,
		raffles:   raffles,
		sched:     sched,
		limiter:   limiter,
		announcer: announcer,
		clock:     clk,
		logger:    logger,
		cfg:       cfg,
	}
}

// TTL is the lifetime of a new hold.
func (s *Service) TTL() time.Duration {
	return s.cfg.TTL
}

// RequestHold tries to hold every requested number for req.HolderRef until
// now+TTL. Each number is acquired independently: the result lists the
// numbers held and, separately, the ones that could not be.
//
// Parameters:
//   - ctx: request-scoped context.
//   - req: raffle, distinct in-range numbers, holder reference.
//
// Returns:
//   - domain.HoldResult: held and conflicted numbers with the shared deadline.
//   - error: hold.ErrInvalidRequest, hold.ErrRaffleNotFound, hold.ErrRateLimited
//     or a storage failure. Conflicts are never errors.
func (s *Service) RequestHold(ctx context.Context, req Request) (domain.HoldResult, error) {
	const op = "service.hold.RequestHold"

	if err := validate(req.HolderRef, req.Numbers); err != nil {
		return domain.HoldResult{}, fmt.Errorf("%s:%w", op, err)
	}

	if s.limiter != nil && req.ClientKey != "" {
		d, err := s.limiter.Allow(ctx, req.ClientKey)
		if err != nil {
			// Fail open when Redis is down.
			s.logger.WarnContext(ctx, "hold rate limiter unavailable", slog.Any("err", err))
		} else if !d.Allowed {
			return domain.HoldResult{}, fmt.Errorf("%s:%w", op, &RateLimitedError{RetryAfter: d.RetryAfter})
		}
	}

	raffle, err := s.raffles.Raffle(ctx, req.RaffleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.HoldResult{}, fmt.Errorf("%s:%w", op, ErrRaffleNotFound)
		}
		return domain.HoldResult{}, fmt.Errorf("%s:%w", op, err)
	}

	var outOfRange []int
	for _, n := range req.Numbers {
		if !raffle.InRange(n) {
			outOfRange = append(outOfRange, n)
		}
	}
	if len(outOfRange) > 0 {
		return domain.HoldResult{}, fmt.Errorf("%s:%w", op, &InvalidRequestError{
			Reason:  fmt.Sprintf("numbers outside %d..%d", raffle.MinNumber, raffle.MaxNumber),
			Numbers: outOfRange,
		})
	}

	numbers := slices.Clone(req.Numbers)
	slices.Sort(numbers)

	res := domain.HoldResult{
		RaffleID:   req.RaffleID,
		HolderRef:  req.HolderRef,
		Held:       []int{},
		Conflicted: []domain.NumberConflict{},
		ExpiresAt:  s.clock.Now().Add(s.cfg.TTL).Truncate(time.Millisecond),
	}

	for _, n := range numbers {
		ok, conflict, err := s.acquire(ctx, req.RaffleID, n, req.HolderRef, res.ExpiresAt)
		if err != nil {
			// Numbers already held stay held; their expiry still has to be armed.
			s.armAndAnnounce(ctx, res)
			return domain.HoldResult{}, fmt.Errorf("%s:%w", op, err)
		}
		if ok {
			res.Held = append(res.Held, n)
		} else {
			res.Conflicted = append(res.Conflicted, conflict)
		}
	}

	metrics.HoldsTotal.WithLabelValues("held").Add(float64(len(res.Held)))
	metrics.HoldsTotal.WithLabelValues("conflict").Add(float64(len(res.Conflicted)))

	s.armAndAnnounce(ctx, res)

	return res, nil
}

// acquire runs the available->held transition for one number. A lost race
// is retried once when the number turns out to be free again.
func (s *Service) acquire(
	ctx context.Context,
	raffleID int64,
	number int,
	holder string,
	expiresAt time.Time,
) (bool, domain.NumberConflict, error) {
	for attempt := 0; ; attempt++ {
		ok, err := s.ledger.TryTransition(ctx, domain.HoldTransition(raffleID, number, holder, expiresAt))
		if err != nil {
			return false, domain.NumberConflict{}, err
		}
		if ok {
			return true, domain.NumberConflict{}, nil
		}

		t, err := s.ledger.Ticket(ctx, raffleID, number)
		if err != nil {
			return false, domain.NumberConflict{}, err
		}

		now := s.clock.Now()
		switch {
		case t.Status == domain.TicketSold:
			return false, domain.NumberConflict{Number: number, Status: domain.TicketSold, Mine: t.HolderRef == holder}, nil
		case t.HeldAt(now):
			return false, domain.NumberConflict{Number: number, Status: domain.TicketHeld, Mine: t.HolderRef == holder}, nil
		case attempt > 0:
			return false, domain.NumberConflict{Number: number, Status: t.Status}, nil
		}
	}
}

func (s *Service) armAndAnnounce(ctx context.Context, res domain.HoldResult) {
	if len(res.Held) == 0 {
		return
	}

	g := res.Group()
	if err := s.sched.Schedule(context.WithoutCancel(ctx), g); err != nil {
		// Lazy expiry and the periodic sweep still release the group.
		s.logger.ErrorContext(ctx, "schedule hold expiry",
			slog.Int64("raffle_id", g.RaffleID),
			slog.String("holder_ref", g.HolderRef),
			slog.Any("err", err),
		)
	}

	s.announcer.Announce(context.WithoutCancel(ctx), res.RaffleID, domain.TicketHeld, res.Held)
}

// ReleaseHold gives back numbers held by holderRef. With no numbers it
// releases everything the holder has in the raffle. Numbers not held by the
// holder are skipped.
func (s *Service) ReleaseHold(ctx context.Context, raffleID int64, holderRef string, numbers []int) ([]int, error) {
	const op = "service.hold.ReleaseHold"

	if holderRef == "" {
		return nil, fmt.Errorf("%s:%w", op, &InvalidRequestError{Reason: "holder_ref is required"})
	}

	if _, err := s.raffles.Raffle(ctx, raffleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, ErrRaffleNotFound)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	held, err := s.ledger.HeldBy(ctx, raffleID, holderRef)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	want := numbers
	if len(want) == 0 {
		want = make([]int, 0, len(held))
		for _, t := range held {
			want = append(want, t.Number)
		}
	}

	released := []int{}
	for _, n := range want {
		ok, err := s.ledger.TryTransition(ctx, domain.ReleaseTransition(raffleID, n, holderRef))
		if err != nil {
			return released, fmt.Errorf("%s:%w", op, err)
		}
		if ok {
			released = append(released, n)
		}
	}

	slices.Sort(released)

	// Disarm groups that are now entirely released.
	for _, g := range domain.GroupHolds(raffleID, holderRef, held) {
		if !containsAll(released, g.Numbers) {
			continue
		}
		if err := s.sched.Cancel(context.WithoutCancel(ctx), g); err != nil {
			s.logger.WarnContext(ctx, "cancel hold expiry",
				slog.Int64("raffle_id", raffleID),
				slog.String("holder_ref", holderRef),
				slog.Any("err", err),
			)
		}
	}

	s.announcer.Announce(context.WithoutCancel(ctx), raffleID, domain.TicketAvailable, released)

	return released, nil
}

// Held reconstructs the holder's live hold groups from the ledger.
func (s *Service) Held(ctx context.Context, raffleID int64, holderRef string) ([]domain.HoldGroup, error) {
	const op = "service.hold.Held"

	tickets, err := s.ledger.HeldBy(ctx, raffleID, holderRef)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	now := s.clock.Now()
	tickets = slices.DeleteFunc(tickets, func(t domain.Ticket) bool { return !t.HeldAt(now) })

	return domain.GroupHolds(raffleID, holderRef, tickets), nil
}

func validate(holder string, numbers []int) error {
	if holder == "" {
		return &InvalidRequestError{Reason: "holder_ref is required"}
	}
	if len(numbers) == 0 {
		return &InvalidRequestError{Reason: "at least one number is required"}
	}

	seen := make(map[int]struct{}, len(numbers))
	var dups []int
	for _, n := range numbers {
		if _, ok := seen[n]; ok {
			dups = append(dups, n)
			continue
		}
		seen[n] = struct{}{}
	}
	if len(dups) > 0 {
		return &InvalidRequestError{Reason: "duplicate numbers", Numbers: dups}
	}

	return nil
}

func containsAll(sorted, numbers []int) bool {
	for _, n := range numbers {
		if _, ok := slices.BinarySearch(sorted, n); !ok {
			return false
		}
	}
	return true
}
