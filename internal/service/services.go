package service

import (
	"context"
	"fmt"

	"github.com/kirinyoku/raffle-go/internal/service/charge"
	"github.com/kirinyoku/raffle-go/internal/service/expiry"
	"github.com/kirinyoku/raffle-go/internal/service/feed"
	"github.com/kirinyoku/raffle-go/internal/service/hold"
	"github.com/kirinyoku/raffle-go/internal/service/reconcile"
)

// Services groups the storefront components behind the HTTP surface.
type Services struct {
	Hold       *hold.Service
	Expiry     *expiry.Expirer
	Charges    *charge.Service
	Reconciler *reconcile.Reconciler
	Feed       *feed.Service
}

// ReleaseHold releases the holder's numbers. A pending charge no longer
// matches the selection once anything was released, so it is abandoned.
func (s *Services) ReleaseHold(ctx context.Context, raffleID int64, holderRef string, numbers []int) ([]int, error) {
	const op = "service.Services.ReleaseHold"

	released, err := s.Hold.ReleaseHold(ctx, raffleID, holderRef, numbers)
	if err != nil {
		return released, err
	}

	if len(released) == 0 {
		return released, nil
	}

	if err := s.Charges.AbandonPending(ctx, raffleID, holderRef); err != nil {
		return released, fmt.Errorf("%s:%w", op, err)
	}

	return released, nil
}
