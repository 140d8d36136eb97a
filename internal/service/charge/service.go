package charge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kirinyoku/raffle-go/internal/clock"
	"github.com/kirinyoku/raffle-go/internal/domain"
	"github.com/kirinyoku/raffle-go/internal/metrics"
	"github.com/kirinyoku/raffle-go/internal/payment"
	"github.com/kirinyoku/raffle-go/internal/repository"
)

// Tracker follows pending charges until they settle or lapse.
type Tracker interface {
	Track(c domain.Charge)
	Stop(ref string)
}

type Issued struct {
	Charge domain.Charge
	// Reused is true when an identical pending charge already existed.
	Reused bool
}

type Service struct {
	ledger   repository.Ledger
	charges  repository.Charges
	raffles  repository.Raffles
	provider payment.Provider
	tracker  Tracker
	clock    clock.Clock
	logger   *slog.Logger
}

func New(
	ledger repository.Ledger,
	charges repository.Charges,
	raffles repository.Raffles,
	provider payment.Provider,
	tracker Tracker,
	clk clock.Clock,
	logger *slog.Logger,
) *Service {
	return &Service{
		ledger:   ledger,
		charges:  charges,
		raffles:  raffles,
		provider: provider,
		tracker:  tracker,
		clock:    clk,
		logger:   logger,
	}
}

// IssueCharge asks the provider for one charge covering every number the
// holder currently holds in the raffle. The provider is called at most once
// per call and never retried; on failure the hold is untouched so the buyer
// can try again.
//
// Returns:
//   - Issued: the stored charge. An identical pending charge is returned
//     as is instead of creating a second one.
//   - error: charge.ErrNoHold, charge.ErrRaffleNotFound, a *payment.Error
//     classifying a provider failure, or a storage failure.
func (s *Service) IssueCharge(
	ctx context.Context,
	raffleID int64,
	holderRef string,
	contact domain.BuyerContact,
) (Issued, error) {
	const op = "service.charge.IssueCharge"

	if holderRef == "" {
		return Issued{}, fmt.Errorf("%s:%w", op, ErrHolderRequired)
	}
	if strings.TrimSpace(contact.Email) == "" {
		return Issued{}, fmt.Errorf("%s:%w", op, ErrInvalidContact)
	}

	raffle, err := s.raffles.Raffle(ctx, raffleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Issued{}, fmt.Errorf("%s:%w", op, ErrRaffleNotFound)
		}
		return Issued{}, fmt.Errorf("%s:%w", op, err)
	}

	numbers, deadline, err := s.liveHold(ctx, raffleID, holderRef)
	if err != nil {
		return Issued{}, fmt.Errorf("%s:%w", op, err)
	}

	existing, err := s.charges.Pending(ctx, raffleID, holderRef)
	switch {
	case err == nil && slices.Equal(existing.Numbers, numbers):
		metrics.ChargesTotal.WithLabelValues("reused").Inc()
		s.track(existing)
		return Issued{Charge: existing, Reused: true}, nil
	case err == nil:
		// The selection changed since the charge was issued.
		if err := s.abandon(ctx, existing.Ref); err != nil {
			return Issued{}, fmt.Errorf("%s:%w", op, err)
		}
	case !errors.Is(err, repository.ErrNotFound):
		return Issued{}, fmt.Errorf("%s:%w", op, err)
	}

	amount := raffle.PriceCents * int64(len(numbers))

	created, err := s.provider.CreateCharge(ctx, payment.ChargeRequest{
		AmountCents:       amount,
		Description:       describe(raffle, numbers),
		Buyer:             contact,
		ExternalReference: fmt.Sprintf("raffle-%d-%s", raffleID, holderRef),
		ExpiresAt:         deadline,
	})
	if err != nil {
		metrics.ChargesTotal.WithLabelValues("error").Inc()
		kind := payment.KindOf(err)
		if kind == "" {
			kind = payment.KindNetwork
		}
		metrics.ProviderErrorsTotal.WithLabelValues(string(kind)).Inc()

		s.logger.WarnContext(ctx, "charge issue failed",
			slog.Int64("raffle_id", raffleID),
			slog.String("holder_ref", holderRef),
			slog.String("kind", string(kind)),
			slog.Any("err", err),
		)
		return Issued{}, fmt.Errorf("%s:%w", op, err)
	}

	c := domain.Charge{
		Ref:         created.Ref,
		RaffleID:    raffleID,
		HolderRef:   holderRef,
		Numbers:     numbers,
		AmountCents: amount,
		Status:      domain.ChargePending,
		QRPayload:   created.QRPayload,
		QRImage:     created.QRImage,
		CreatedAt:   s.clock.Now(),
		ExpiresAt:   deadline,
	}

	if err := s.charges.Create(ctx, c); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			return Issued{}, fmt.Errorf("%s:%w", op, err)
		}

		// A concurrent request stored its charge first; the provider charge
		// just created is left to lapse unpaid.
		s.logger.WarnContext(ctx, "concurrent charge issue, discarding provider charge",
			slog.String("charge_ref", created.Ref),
			slog.String("holder_ref", holderRef),
		)
		winner, perr := s.charges.Pending(ctx, raffleID, holderRef)
		if perr != nil {
			return Issued{}, fmt.Errorf("%s:%w", op, perr)
		}
		metrics.ChargesTotal.WithLabelValues("reused").Inc()
		s.track(winner)
		return Issued{Charge: winner, Reused: true}, nil
	}

	metrics.ChargesTotal.WithLabelValues("issued").Inc()
	s.logger.InfoContext(ctx, "charge issued",
		slog.String("charge_ref", c.Ref),
		slog.Int64("raffle_id", raffleID),
		slog.String("holder_ref", holderRef),
		slog.Int64("amount_cents", amount),
	)

	s.track(c)

	return Issued{Charge: c}, nil
}

// liveHold returns the holder's live numbers and the latest deadline among them.
func (s *Service) liveHold(ctx context.Context, raffleID int64, holderRef string) ([]int, time.Time, error) {
	held, err := s.ledger.HeldBy(ctx, raffleID, holderRef)
	if err != nil {
		return nil, time.Time{}, err
	}

	now := s.clock.Now()

	var (
		numbers  []int
		deadline time.Time
	)
	for _, t := range held {
		if !t.HeldAt(now) {
			continue
		}
		numbers = append(numbers, t.Number)
		if t.HoldExpiresAt.After(deadline) {
			deadline = *t.HoldExpiresAt
		}
	}

	if len(numbers) == 0 {
		return nil, time.Time{}, ErrNoHold
	}

	slices.Sort(numbers)

	return numbers, deadline, nil
}

// Get returns a charge. A pending charge that is not followed by this
// process (after a restart or reconnect) is picked up again.
func (s *Service) Get(ctx context.Context, ref string) (domain.Charge, error) {
	const op = "service.charge.Get"

	c, err := s.charges.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Charge{}, fmt.Errorf("%s:%w", op, ErrChargeNotFound)
		}
		return domain.Charge{}, fmt.Errorf("%s:%w", op, err)
	}

	if c.Status == domain.ChargePending {
		s.track(c)
	}

	return c, nil
}

// Abandon marks the holder's pending charge expired so a new one can be
// issued. Abandoning an already abandoned or failed charge is a no-op.
func (s *Service) Abandon(ctx context.Context, ref, holderRef string) (domain.Charge, error) {
	const op = "service.charge.Abandon"

	c, err := s.charges.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Charge{}, fmt.Errorf("%s:%w", op, ErrChargeNotFound)
		}
		return domain.Charge{}, fmt.Errorf("%s:%w", op, err)
	}

	if holderRef != "" && c.HolderRef != holderRef {
		return domain.Charge{}, fmt.Errorf("%s:%w", op, ErrChargeNotFound)
	}

	if err := s.abandon(ctx, ref); err != nil {
		return domain.Charge{}, fmt.Errorf("%s:%w", op, err)
	}

	c, err = s.charges.Get(ctx, ref)
	if err != nil {
		return domain.Charge{}, fmt.Errorf("%s:%w", op, err)
	}

	if c.Status == domain.ChargePaid {
		return c, fmt.Errorf("%s:%w", op, ErrAlreadySettled)
	}

	return c, nil
}

// AbandonPending abandons the holder's pending charge in the raffle, if any.
func (s *Service) AbandonPending(ctx context.Context, raffleID int64, holderRef string) error {
	const op = "service.charge.AbandonPending"

	c, err := s.charges.Pending(ctx, raffleID, holderRef)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if err := s.abandon(ctx, c.Ref); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (s *Service) abandon(ctx context.Context, ref string) error {
	ok, err := s.charges.TransitionStatus(ctx, ref,
		[]domain.ChargeStatus{domain.ChargePending}, domain.ChargeExpired, "")
	if err != nil {
		return err
	}

	if ok {
		if s.tracker != nil {
			s.tracker.Stop(ref)
		}
		s.logger.InfoContext(ctx, "charge abandoned", slog.String("charge_ref", ref))
	}

	return nil
}

func (s *Service) track(c domain.Charge) {
	if s.tracker != nil && c.ExpiresAt.After(s.clock.Now()) {
		s.tracker.Track(c)
	}
}

func describe(r domain.Raffle, numbers []int) string {
	width := len(strconv.Itoa(r.MaxNumber))

	parts := make([]string, len(numbers))
	for i, n := range numbers {
		parts[i] = fmt.Sprintf("%0*d", width, n)
	}

	return fmt.Sprintf("%s: %s", r.Title, strings.Join(parts, ", "))
}
