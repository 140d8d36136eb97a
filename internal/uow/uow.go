package uow

import (
	"context"

	"github.com/kirinyoku/raffle-go/internal/repository"
)

// AfterCommit runs once the transaction it was registered in has committed.
type AfterCommit func(ctx context.Context)

// UoW runs a unit of work in one transaction and defers its side effects
// (cache invalidation, feed events, notifications) until commit.
type UoW struct {
	tx repository.Transactor
}

func New(tx repository.Transactor) *UoW {
	return &UoW{tx: tx}
}

// Do runs fn inside the transaction. After a successful commit it executes
// the registered hooks in order. Hooks of a failed or retried attempt are
// discarded.
func (u *UoW) Do(
	ctx context.Context,
	fn func(ctx context.Context, after func(AfterCommit)) error,
) error {
	var hooks []AfterCommit

	err := u.tx.RunTx(ctx, func(ctx context.Context) error {
		hooks = hooks[:0]
		return fn(ctx, func(h AfterCommit) {
			hooks = append(hooks, h)
		})
	})
	if err != nil {
		return err
	}

	// Side effects must not be cut short by a request that is already done.
	hctx := context.WithoutCancel(ctx)
	for _, h := range hooks {
		h(hctx)
	}

	return nil
}
