package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kirinyoku/raffle-go/internal/clock"
	"github.com/kirinyoku/raffle-go/internal/domain"
)

const (
	defaultRetryDelay = time.Second
	maxTimerAttempts  = 5
	fireTimeout       = 10 * time.Second
)

type expirer interface {
	Expire(ctx context.Context, g domain.HoldGroup) ([]int, error)
}

// TimerScheduler keeps one in-process timer per hold group. Timers die
// with the process; the periodic sweep and lazy expiry cover that case.
type TimerScheduler struct {
	expirer    expirer
	clock      clock.Clock
	logger     *slog.Logger
	retryDelay time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewTimerScheduler(e expirer, clk clock.Clock, logger *slog.Logger) *TimerScheduler {
	return &TimerScheduler{
		expirer:    e,
		clock:      clk,
		logger:     logger,
		retryDelay: defaultRetryDelay,
		timers:     make(map[string]*time.Timer),
	}
}

func (s *TimerScheduler) Schedule(ctx context.Context, g domain.HoldGroup) error {
	s.arm(g, g.ExpiresAt.Sub(s.clock.Now()), 1)
	return nil
}

func (s *TimerScheduler) Cancel(ctx context.Context, g domain.HoldGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[g.Key()]; ok {
		t.Stop()
		delete(s.timers, g.Key())
	}

	return nil
}

// Close stops every pending timer. Later Schedule calls are ignored.
func (s *TimerScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
}

// Len reports how many groups are armed.
func (s *TimerScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *TimerScheduler) arm(g domain.HoldGroup, delay time.Duration, attempt int) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	key := g.Key()
	if old, ok := s.timers[key]; ok {
		old.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[key] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()

		s.fire(g, attempt)
	})
	s.timers[key] = t
}

func (s *TimerScheduler) fire(g domain.HoldGroup, attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	_, err := s.expirer.Expire(ctx, g)
	if err == nil {
		return
	}

	if attempt >= maxTimerAttempts {
		s.logger.ErrorContext(ctx, "hold expiry gave up, leaving it to the sweep",
			slog.Int64("raffle_id", g.RaffleID),
			slog.String("holder_ref", g.HolderRef),
			slog.Any("err", err),
		)
		return
	}

	s.logger.DebugContext(ctx, "hold expiry retry",
		slog.Int64("raffle_id", g.RaffleID),
		slog.String("holder_ref", g.HolderRef),
		slog.Int("attempt", attempt),
		slog.Any("err", err),
	)
	s.arm(g, s.retryDelay, attempt+1)
}
