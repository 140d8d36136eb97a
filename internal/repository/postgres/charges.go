package postgresrepo

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/raffle-go/internal/domain"
)

type ChargeRepo struct {
	pool *pgxpool.Pool
}

const chargeColumns = `ref, raffle_id, holder_ref, numbers, amount_cents, status,
	qr_payload, qr_image, created_at, expires_at, settled_at, COALESCE(settled_by, '')`

// Create stores a new charge.
//
// Returns:
//   - error: repository.ErrConflict if the holder already has a pending charge
//     for the raffle or the reference is taken.
func (r *ChargeRepo) Create(ctx context.Context, c domain.Charge) error {
	const op = "postgresrepo.ChargeRepo.Create"

	db := handle(ctx, r.pool)

	_, err := db.Exec(ctx,
		`INSERT INTO charges(ref, raffle_id, holder_ref, numbers, amount_cents, status,
		                     qr_payload, qr_image, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.Ref, c.RaffleID, c.HolderRef, toInt32s(c.Numbers), c.AmountCents, string(c.Status),
		c.QRPayload, c.QRImage, c.CreatedAt, c.ExpiresAt,
	)

	return wrapDBErr(op, err)
}

// Get returns the charge with the provider reference ref or
// repository.ErrNotFound.
func (r *ChargeRepo) Get(ctx context.Context, ref string) (domain.Charge, error) {
	const op = "postgresrepo.ChargeRepo.Get"

	c, err := r.scanOne(ctx,
		`SELECT `+chargeColumns+` FROM charges WHERE ref = $1`,
		ref,
	)
	if err != nil {
		return domain.Charge{}, wrapDBErr(op, err)
	}

	return c, nil
}

// Pending returns the holder's pending charge for the raffle or
// repository.ErrNotFound.
func (r *ChargeRepo) Pending(ctx context.Context, raffleID int64, holderRef string) (domain.Charge, error) {
	const op = "postgresrepo.ChargeRepo.Pending"

	c, err := r.scanOne(ctx,
		`SELECT `+chargeColumns+`
		   FROM charges
		  WHERE raffle_id = $1 AND holder_ref = $2 AND status = 'pending'
		  ORDER BY created_at DESC
		  LIMIT 1`,
		raffleID, holderRef,
	)
	if err != nil {
		return domain.Charge{}, wrapDBErr(op, err)
	}

	return c, nil
}

// TransitionStatus is a compare-and-swap on the charge status. Moving to
// paid also stamps settled_at and settled_by.
func (r *ChargeRepo) TransitionStatus(
	ctx context.Context,
	ref string,
	from []domain.ChargeStatus,
	to domain.ChargeStatus,
	by domain.Signal,
) (bool, error) {
	const op = "postgresrepo.ChargeRepo.TransitionStatus"

	db := handle(ctx, r.pool)

	expected := make([]string, len(from))
	for i, s := range from {
		expected[i] = string(s)
	}

	tag, err := db.Exec(ctx,
		`UPDATE charges
		    SET status = $2::text,
		        settled_at = CASE WHEN $2::text = 'paid' THEN now() ELSE settled_at END,
		        settled_by = CASE WHEN $2::text = 'paid' THEN NULLIF($4::text, '') ELSE settled_by END,
		        updated_at = now()
		  WHERE ref = $1 AND status = ANY($3::text[])`,
		ref, string(to), expected, string(by),
	)
	if err != nil {
		return false, wrapDBErr(op, err)
	}

	return tag.RowsAffected() == 1, nil
}

func (r *ChargeRepo) scanOne(ctx context.Context, sql string, args ...any) (domain.Charge, error) {
	db := handle(ctx, r.pool)

	var (
		c         domain.Charge
		numbers   []int32
		status    string
		settledBy string
		settledAt *time.Time
	)
	err := db.QueryRow(ctx, sql, args...).Scan(
		&c.Ref, &c.RaffleID, &c.HolderRef, &numbers, &c.AmountCents, &status,
		&c.QRPayload, &c.QRImage, &c.CreatedAt, &c.ExpiresAt, &settledAt, &settledBy,
	)
	if err != nil {
		return domain.Charge{}, err
	}

	c.Numbers = fromInt32s(numbers)
	c.Status = domain.ChargeStatus(status)
	c.SettledAt = settledAt
	c.SettledBy = domain.Signal(settledBy)

	return c, nil
}

func toInt32s(in []int) []int32 {
	out := make([]int32, len(in))
	for i, n := range in {
		out[i] = int32(n)
	}
	return out
}

func fromInt32s(in []int32) []int {
	out := make([]int, len(in))
	for i, n := range in {
		out[i] = int(n)
	}
	return out
}
