package postgresrepo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxTxAttempts = 3

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type txKey struct{}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
	}
}

// RunTx runs fn in a read-committed transaction carried by ctx. Every
// ticket and charge write is a single conditional UPDATE, so read committed
// is enough for the compare-and-swap semantics. Serialization failures are
// retried.
func (s *Store) RunTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.RunTxWithOpts(ctx, &pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}, fn)
}

func (s *Store) RunTxWithOpts(
	ctx context.Context,
	opts *pgx.TxOptions,
	fn func(ctx context.Context) error,
) error {
	const op = "postgresrepo.Store.RunTx"

	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	txOpts := pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	}

	if opts != nil {
		txOpts.IsoLevel = opts.IsoLevel
		txOpts.AccessMode = opts.AccessMode
		txOpts.DeferrableMode = opts.DeferrableMode
	}

	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.runOnce(ctx, txOpts, fn)
		if err == nil || !IsRetryable(err) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (s *Store) runOnce(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

func handle(ctx context.Context, pool *pgxpool.Pool) DB {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

func (s *Store) Ledger() *LedgerRepo  { return &LedgerRepo{pool: s.pool} }
func (s *Store) Charges() *ChargeRepo { return &ChargeRepo{pool: s.pool} }
func (s *Store) Raffles() *RaffleRepo { return &RaffleRepo{pool: s.pool} }
