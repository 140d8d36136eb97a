package postgresrepo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/raffle-go/internal/domain"
)

type LedgerRepo struct {
	pool *pgxpool.Pool
}

// TryTransition applies t as a single conditional UPDATE.
//
// Parameters:
//   - ctx: request-scoped context; joins the transaction it carries, if any.
//   - t: expected and new state of one ticket.
//
// Returns:
//   - bool: true when this call moved the ticket, false when the row did not match.
//   - error: storage failures only. A mismatch is never an error.
func (r *LedgerRepo) TryTransition(ctx context.Context, t domain.Transition) (bool, error) {
	const op = "postgresrepo.LedgerRepo.TryTransition"

	db := handle(ctx, r.pool)

	tag, err := db.Exec(ctx,
		`UPDATE tickets
		    SET status = $3,
		        holder_ref = NULLIF($4::text, ''),
		        hold_expires_at = $5,
		        updated_at = now()
		  WHERE raffle_id = $1
		    AND number = $2
		    AND (status = $6::text
		         OR ($6::text = 'available' AND status = 'held' AND hold_expires_at <= now()))
		    AND ($7::text = '' OR holder_ref = $7::text)
		    AND (NOT $8::boolean OR hold_expires_at <= now())`,
		t.RaffleID, t.Number,
		string(t.To), t.NewHolder, t.ExpiresAt,
		string(t.From), t.Holder, t.RequireElapsed,
	)
	if err != nil {
		return false, wrapDBErr(op, err)
	}

	return tag.RowsAffected() == 1, nil
}

// Ticket returns one ticket or repository.ErrNotFound.
func (r *LedgerRepo) Ticket(ctx context.Context, raffleID int64, number int) (domain.Ticket, error) {
	const op = "postgresrepo.LedgerRepo.Ticket"

	db := handle(ctx, r.pool)

	var (
		t      domain.Ticket
		status string
	)
	err := db.QueryRow(ctx,
		`SELECT raffle_id, number, status, COALESCE(holder_ref, ''), hold_expires_at
		   FROM tickets
		  WHERE raffle_id = $1 AND number = $2`,
		raffleID, number,
	).Scan(&t.RaffleID, &t.Number, &status, &t.HolderRef, &t.HoldExpiresAt)
	if err != nil {
		return domain.Ticket{}, wrapDBErr(op, err)
	}

	t.Status = domain.TicketStatus(status)

	return t, nil
}

// Tickets returns every ticket of a raffle ordered by number.
func (r *LedgerRepo) Tickets(ctx context.Context, raffleID int64) ([]domain.Ticket, error) {
	const op = "postgresrepo.LedgerRepo.Tickets"

	return r.listTickets(ctx, op,
		`SELECT raffle_id, number, status, COALESCE(holder_ref, ''), hold_expires_at
		   FROM tickets
		  WHERE raffle_id = $1
		  ORDER BY number`,
		raffleID,
	)
}

// HeldBy returns the tickets currently in status held for holderRef,
// including holds whose deadline has passed but which were not yet released.
func (r *LedgerRepo) HeldBy(ctx context.Context, raffleID int64, holderRef string) ([]domain.Ticket, error) {
	const op = "postgresrepo.LedgerRepo.HeldBy"

	return r.listTickets(ctx, op,
		`SELECT raffle_id, number, status, COALESCE(holder_ref, ''), hold_expires_at
		   FROM tickets
		  WHERE raffle_id = $1 AND status = 'held' AND holder_ref = $2
		  ORDER BY number`,
		raffleID, holderRef,
	)
}

// ExpiredHolds lists lapsed holds grouped by raffle, holder and deadline,
// oldest first.
func (r *LedgerRepo) ExpiredHolds(ctx context.Context, limit int) ([]domain.HoldGroup, error) {
	const op = "postgresrepo.LedgerRepo.ExpiredHolds"

	db := handle(ctx, r.pool)

	rows, err := db.Query(ctx,
		`SELECT raffle_id, holder_ref, hold_expires_at, array_agg(number ORDER BY number)
		   FROM tickets
		  WHERE status = 'held' AND hold_expires_at <= now()
		  GROUP BY raffle_id, holder_ref, hold_expires_at
		  ORDER BY hold_expires_at
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var groups []domain.HoldGroup
	for rows.Next() {
		var (
			g       domain.HoldGroup
			expires time.Time
			numbers []int32
		)
		if err := rows.Scan(&g.RaffleID, &g.HolderRef, &expires, &numbers); err != nil {
			return nil, wrapDBErr(op, err)
		}
		g.ExpiresAt = expires
		g.Numbers = fromInt32s(numbers)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return groups, nil
}

func (r *LedgerRepo) listTickets(ctx context.Context, op, sql string, args ...any) ([]domain.Ticket, error) {
	db := handle(ctx, r.pool)

	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		var (
			t      domain.Ticket
			status string
		)
		if err := rows.Scan(&t.RaffleID, &t.Number, &status, &t.HolderRef, &t.HoldExpiresAt); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		t.Status = domain.TicketStatus(status)
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return tickets, nil
}
