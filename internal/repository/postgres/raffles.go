package postgresrepo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/raffle-go/internal/domain"
)

type RaffleRepo struct {
	pool *pgxpool.Pool
}

// Raffle returns the raffle with the given ID or repository.ErrNotFound.
func (r *RaffleRepo) Raffle(ctx context.Context, id int64) (domain.Raffle, error) {
	const op = "postgresrepo.RaffleRepo.Raffle"

	db := handle(ctx, r.pool)

	var rf domain.Raffle
	err := db.QueryRow(ctx,
		`SELECT id, title, price_cents, min_number, max_number, created_at
		   FROM raffles WHERE id = $1`,
		id,
	).Scan(&rf.ID, &rf.Title, &rf.PriceCents, &rf.MinNumber, &rf.MaxNumber, &rf.CreatedAt)
	if err != nil {
		return domain.Raffle{}, wrapDBErr(op, err)
	}

	return rf, nil
}

// Create inserts a raffle and one available ticket per number in
// [minNumber, maxNumber]. Run it inside Store.RunTx to make both atomic.
func (r *RaffleRepo) Create(
	ctx context.Context,
	title string,
	priceCents int64,
	minNumber, maxNumber int,
) (int64, error) {
	const op = "postgresrepo.RaffleRepo.Create"

	db := handle(ctx, r.pool)

	var id int64
	if err := db.QueryRow(ctx,
		`INSERT INTO raffles(title, price_cents, min_number, max_number)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		title, priceCents, minNumber, maxNumber,
	).Scan(&id); err != nil {
		return 0, wrapDBErr(op, err)
	}

	if _, err := db.Exec(ctx,
		`INSERT INTO tickets(raffle_id, number, status)
		 SELECT $1, n, 'available'
		   FROM generate_series($2::int, $3::int) AS n
		 ON CONFLICT DO NOTHING`,
		id, minNumber, maxNumber,
	); err != nil {
		return 0, wrapDBErr(op, err)
	}

	return id, nil
}
