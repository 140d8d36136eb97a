package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kirinyoku/raffle-go/internal/clock"
	"github.com/kirinyoku/raffle-go/internal/domain"
	"github.com/kirinyoku/raffle-go/internal/metrics"
	"github.com/kirinyoku/raffle-go/internal/notify"
	"github.com/kirinyoku/raffle-go/internal/payment"
	"github.com/kirinyoku/raffle-go/internal/repository"
	"github.com/kirinyoku/raffle-go/internal/service/feed"
	"github.com/kirinyoku/raffle-go/internal/uow"
)

var ErrUnknownCharge = errors.New("unknown charge")

const DefaultPollInterval = 5 * time.Second

// Canceler disarms a hold group's expiry.
type Canceler interface {
	Cancel(ctx context.Context, g domain.HoldGroup) error
}

type poller struct {
	cancel context.CancelFunc
}

// Reconciler settles charges from two unordered, possibly duplicated
// signals: its own polling of the provider and provider pushes. The first
// paid signal finalizes the charge; every later one is a no-op.
type Reconciler struct {
	ledger    repository.Ledger
	charges   repository.Charges
	uow       *uow.UoW
	provider  payment.Provider
	sched     Canceler
	announcer *feed.Announcer
	notifier  notify.Notifier
	clock     clock.Clock
	logger    *slog.Logger
	interval  time.Duration

	base    context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	polls  map[string]*poller
	closed bool
}

func New(
	ledger repository.Ledger,
	charges repository.Charges,
	tx repository.Transactor,
	provider payment.Provider,
	sched Canceler,
	announcer *feed.Announcer,
	notifier notify.Notifier,
	clk clock.Clock,
	logger *slog.Logger,
	pollInterval time.Duration,
) *Reconciler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	base, stopAll := context.WithCancel(context.Background())

	return &Reconciler{
		ledger:    ledger,
		charges:   charges,
		uow:       uow.New(tx),
		provider:  provider,
		sched:     sched,
		announcer: announcer,
		notifier:  notifier,
		clock:     clk,
		logger:    logger,
		interval:  pollInterval,
		base:      base,
		stopAll:   stopAll,
		polls:     make(map[string]*poller),
	}
}

// Finalize settles the charge and sells its numbers, exactly once.
//
// The charge moves pending|expired -> paid by compare-and-swap inside the
// same transaction as the ticket sales; only the caller that wins it sells
// the tickets and emits the purchase confirmation. Tickets are sold only
// while still held by the payer, so numbers reassigned after an expiry are
// reported as lost instead of being taken from their new holder.
//
// Returns:
//   - domain.ConfirmOutcome: Settled is false for a duplicate or late signal.
//   - error: ErrUnknownCharge or a storage failure. Duplicates are not errors.
func (r *Reconciler) Finalize(ctx context.Context, ref string, source domain.Signal) (domain.ConfirmOutcome, error) {
	const op = "service.reconcile.Reconciler.Finalize"

	var out domain.ConfirmOutcome

	err := r.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		out = domain.ConfirmOutcome{ChargeRef: ref, Source: source}

		c, err := r.charges.Get(ctx, ref)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrUnknownCharge
			}
			return err
		}

		won, err := r.charges.TransitionStatus(ctx, ref,
			[]domain.ChargeStatus{domain.ChargePending, domain.ChargeExpired}, domain.ChargePaid, source)
		if err != nil {
			return err
		}
		if !won {
			cur, err := r.charges.Get(ctx, ref)
			if err != nil {
				return err
			}
			out.Status = cur.Status
			return nil
		}

		out.Settled = true
		out.Status = domain.ChargePaid

		held, err := r.ledger.HeldBy(ctx, c.RaffleID, c.HolderRef)
		if err != nil {
			return err
		}

		for _, n := range c.Numbers {
			ok, err := r.ledger.TryTransition(ctx, domain.SellTransition(c.RaffleID, n, c.HolderRef))
			if err != nil {
				return err
			}
			if ok {
				out.Sold = append(out.Sold, n)
			} else {
				out.Lost = append(out.Lost, n)
			}
		}

		var groups []domain.HoldGroup
		for _, g := range domain.GroupHolds(c.RaffleID, c.HolderRef, held) {
			if allIn(out.Sold, g.Numbers) {
				groups = append(groups, g)
			}
		}

		superseded, err := r.expireOverlapping(ctx, c, out.Sold)
		if err != nil {
			return err
		}

		settled := out
		after(func(ctx context.Context) {
			if superseded != "" {
				r.Stop(superseded)
				r.logger.InfoContext(ctx, "pending charge superseded by payment",
					slog.String("charge_ref", superseded),
					slog.String("paid_charge_ref", c.Ref),
					slog.String("holder_ref", c.HolderRef),
				)
			}
			r.afterSettle(ctx, c, settled, groups)
		})

		return nil
	})
	if err != nil {
		return domain.ConfirmOutcome{}, fmt.Errorf("%s:%w", op, err)
	}

	result := "noop"
	if out.Settled {
		result = "settled"
	}
	metrics.FinalizeTotal.WithLabelValues(string(source), result).Inc()

	return out, nil
}

// expireOverlapping expires the holder's pending charge when it asks for
// numbers that were just sold, so the same number cannot be paid twice.
// It returns the expired charge's ref, or "" when there was none.
func (r *Reconciler) expireOverlapping(
	ctx context.Context,
	paid domain.Charge,
	sold []int,
) (string, error) {
	other, err := r.charges.Pending(ctx, paid.RaffleID, paid.HolderRef)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	if other.Ref == paid.Ref || !slices.ContainsFunc(other.Numbers, func(n int) bool {
		return slices.Contains(sold, n)
	}) {
		return "", nil
	}

	ok, err := r.charges.TransitionStatus(ctx, other.Ref,
		[]domain.ChargeStatus{domain.ChargePending}, domain.ChargeExpired, "")
	if err != nil || !ok {
		return "", err
	}

	return other.Ref, nil
}

func (r *Reconciler) afterSettle(ctx context.Context, c domain.Charge, out domain.ConfirmOutcome, groups []domain.HoldGroup) {
	r.Stop(c.Ref)

	for _, g := range groups {
		if err := r.sched.Cancel(ctx, g); err != nil {
			r.logger.WarnContext(ctx, "cancel hold expiry",
				slog.String("charge_ref", c.Ref), slog.Any("err", err))
		}
	}

	r.announcer.Announce(ctx, c.RaffleID, domain.TicketSold, out.Sold)

	r.logger.InfoContext(ctx, "charge settled",
		slog.String("charge_ref", c.Ref),
		slog.Int64("raffle_id", c.RaffleID),
		slog.String("holder_ref", c.HolderRef),
		slog.String("source", string(out.Source)),
		slog.Any("sold", out.Sold),
	)

	if len(out.Lost) > 0 {
		metrics.ConfirmLostNumbersTotal.Add(float64(len(out.Lost)))
		r.logger.ErrorContext(ctx, "paid numbers no longer held by payer",
			slog.String("charge_ref", c.Ref),
			slog.Int64("raffle_id", c.RaffleID),
			slog.String("holder_ref", c.HolderRef),
			slog.Any("lost", out.Lost),
		)
	}

	if err := r.notifier.Notify(ctx, c.HolderRef, notify.Confirmed(c.RaffleID, out)); err != nil {
		r.logger.WarnContext(ctx, "notify purchase confirmed",
			slog.String("charge_ref", c.Ref), slog.Any("err", err))
	}
}

// MarkFailed records a terminal provider failure. The hold stays active so
// the buyer can issue a new charge before it lapses. Paid charges are never
// touched.
func (r *Reconciler) MarkFailed(ctx context.Context, ref string, source domain.Signal) (domain.ConfirmOutcome, error) {
	const op = "service.reconcile.Reconciler.MarkFailed"

	c, err := r.charges.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ConfirmOutcome{}, fmt.Errorf("%s:%w", op, ErrUnknownCharge)
		}
		return domain.ConfirmOutcome{}, fmt.Errorf("%s:%w", op, err)
	}

	ok, err := r.charges.TransitionStatus(ctx, ref,
		[]domain.ChargeStatus{domain.ChargePending, domain.ChargeExpired}, domain.ChargeFailed, source)
	if err != nil {
		return domain.ConfirmOutcome{}, fmt.Errorf("%s:%w", op, err)
	}

	out := domain.ConfirmOutcome{ChargeRef: ref, Source: source, Status: domain.ChargeFailed}
	if !ok {
		cur, err := r.charges.Get(ctx, ref)
		if err != nil {
			return domain.ConfirmOutcome{}, fmt.Errorf("%s:%w", op, err)
		}
		out.Status = cur.Status
		return out, nil
	}

	r.Stop(ref)

	r.logger.InfoContext(ctx, "charge failed",
		slog.String("charge_ref", ref),
		slog.String("holder_ref", c.HolderRef),
		slog.String("source", string(source)),
	)

	msg := notify.Message{Type: notify.ChargeFailed, RaffleID: c.RaffleID, ChargeRef: ref, Numbers: c.Numbers}
	if err := r.notifier.Notify(ctx, c.HolderRef, msg); err != nil {
		r.logger.WarnContext(ctx, "notify charge failed",
			slog.String("charge_ref", ref), slog.Any("err", err))
	}

	return out, nil
}

// Apply routes an observed provider status to the matching transition.
// Pending is a no-op.
func (r *Reconciler) Apply(
	ctx context.Context,
	ref string,
	status domain.ChargeStatus,
	source domain.Signal,
) (domain.ConfirmOutcome, error) {
	switch status {
	case domain.ChargePaid:
		return r.Finalize(ctx, ref, source)
	case domain.ChargeFailed:
		return r.MarkFailed(ctx, ref, source)
	default:
		return domain.ConfirmOutcome{ChargeRef: ref, Source: source, Status: status}, nil
	}
}

// HandlePush processes a provider push. The push only says that the
// charge changed; its status is always read back from the provider, so a
// forged or replayed body cannot settle anything. Unknown charges are
// ignored.
func (r *Reconciler) HandlePush(ctx context.Context, n payment.Notification) (domain.ConfirmOutcome, error) {
	const op = "service.reconcile.Reconciler.HandlePush"

	if _, err := r.charges.Get(ctx, n.Ref); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			metrics.FinalizeTotal.WithLabelValues(string(domain.SignalPush), "ignored").Inc()
			r.logger.InfoContext(ctx, "push for unknown charge ignored", slog.String("charge_ref", n.Ref))
			return domain.ConfirmOutcome{ChargeRef: n.Ref, Source: domain.SignalPush}, nil
		}
		return domain.ConfirmOutcome{}, fmt.Errorf("%s:%w", op, err)
	}

	status, err := r.provider.ChargeStatus(ctx, n.Ref)
	if err != nil {
		return domain.ConfirmOutcome{}, fmt.Errorf("%s:%w", op, err)
	}

	if n.Status != "" && n.Status != status {
		r.logger.WarnContext(ctx, "push status disagrees with provider",
			slog.String("charge_ref", n.Ref),
			slog.String("claimed", string(n.Status)),
			slog.String("provider", string(status)),
		)
	}

	out, err := r.Apply(ctx, n.Ref, status, domain.SignalPush)
	if err != nil {
		return domain.ConfirmOutcome{}, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

func allIn(sold, numbers []int) bool {
	for _, n := range numbers {
		if !slices.Contains(sold, n) {
			return false
		}
	}
	return true
}
