package testutil

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kirinyoku/raffle-go/internal/clock"
	"github.com/kirinyoku/raffle-go/internal/domain"
	"github.com/kirinyoku/raffle-go/internal/repository"
)

type ticketKey struct {
	raffleID int64
	number   int
}

type memTxKey struct{}

// memTx records the value each key had before the transaction first wrote
// it, so a rollback restores only what the transaction touched.
type memTx struct {
	tickets     map[ticketKey]domain.Ticket
	charges     map[string]*domain.Charge
	transitions int
}

func txOf(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

// touchTicket journals k before its first write in tx. Callers hold s.mu.
func (s *MemoryStore) touchTicket(tx *memTx, k ticketKey) {
	if tx == nil {
		return
	}
	if _, seen := tx.tickets[k]; !seen {
		tx.tickets[k] = s.tickets[k]
	}
}

// touchCharge journals ref before its first write in tx; nil marks a
// charge the transaction created. Callers hold s.mu.
func (s *MemoryStore) touchCharge(tx *memTx, ref string) {
	if tx == nil {
		return
	}
	if _, seen := tx.charges[ref]; seen {
		return
	}
	if c, ok := s.charges[ref]; ok {
		tx.charges[ref] = &c
	} else {
		tx.charges[ref] = nil
	}
}

// MemoryStore is an in-memory Ledger, Charges, Raffles and Transactor with
// the same compare-and-swap semantics as the Postgres repositories. Time
// comparisons use the injected clock in place of the database clock.
//
// Transactions are serialized against each other and rolled back on error.
type MemoryStore struct {
	clock clock.Clock

	txMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	raffles map[int64]domain.Raffle
	tickets map[ticketKey]domain.Ticket
	charges map[string]domain.Charge

	transitions int
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clk,
		raffles: make(map[int64]domain.Raffle),
		tickets: make(map[ticketKey]domain.Ticket),
		charges: make(map[string]domain.Charge),
	}
}

// AddRaffle creates a raffle with every number in [min,max] available.
func (s *MemoryStore) AddRaffle(title string, priceCents int64, min, max int) domain.Raffle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	r := domain.Raffle{
		ID:         s.nextID,
		Title:      title,
		PriceCents: priceCents,
		MinNumber:  min,
		MaxNumber:  max,
		CreatedAt:  s.clock.Now(),
	}
	s.raffles[r.ID] = r

	for n := min; n <= max; n++ {
		s.tickets[ticketKey{r.ID, n}] = domain.Ticket{RaffleID: r.ID, Number: n, Status: domain.TicketAvailable}
	}

	return r
}

// SuccessfulTransitions counts ticket transitions that matched.
func (s *MemoryStore) SuccessfulTransitions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitions
}

func (s *MemoryStore) RunTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txOf(ctx) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{
		tickets: make(map[ticketKey]domain.Ticket),
		charges: make(map[string]*domain.Charge),
	}

	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		s.mu.Lock()
		for k, t := range tx.tickets {
			s.tickets[k] = t
		}
		for ref, c := range tx.charges {
			if c == nil {
				delete(s.charges, ref)
			} else {
				s.charges[ref] = *c
			}
		}
		s.transitions -= tx.transitions
		s.mu.Unlock()
		return err
	}

	return nil
}

func (s *MemoryStore) TryTransition(ctx context.Context, t domain.Transition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := ticketKey{t.RaffleID, t.Number}
	cur, ok := s.tickets[k]
	if !ok {
		return false, nil
	}

	now := s.clock.Now()
	lapsed := cur.Status == domain.TicketHeld && cur.HoldExpiresAt != nil && !cur.HoldExpiresAt.After(now)

	statusMatch := cur.Status == t.From || (t.From == domain.TicketAvailable && lapsed)
	holderMatch := t.Holder == "" || cur.HolderRef == t.Holder
	elapsedMatch := !t.RequireElapsed || lapsed

	if !statusMatch || !holderMatch || !elapsedMatch {
		return false, nil
	}

	next := domain.Ticket{
		RaffleID:  t.RaffleID,
		Number:    t.Number,
		Status:    t.To,
		HolderRef: t.NewHolder,
	}
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		next.HoldExpiresAt = &exp
	}

	tx := txOf(ctx)
	s.touchTicket(tx, k)
	s.tickets[k] = next
	s.transitions++
	if tx != nil {
		tx.transitions++
	}

	return true, nil
}

func (s *MemoryStore) Ticket(ctx context.Context, raffleID int64, number int) (domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketKey{raffleID, number}]
	if !ok {
		return domain.Ticket{}, repository.ErrNotFound
	}

	return copyTicket(t), nil
}

func (s *MemoryStore) Tickets(ctx context.Context, raffleID int64) ([]domain.Ticket, error) {
	return s.filter(func(t domain.Ticket) bool { return t.RaffleID == raffleID }), nil
}

func (s *MemoryStore) HeldBy(ctx context.Context, raffleID int64, holderRef string) ([]domain.Ticket, error) {
	return s.filter(func(t domain.Ticket) bool {
		return t.RaffleID == raffleID && t.Status == domain.TicketHeld && t.HolderRef == holderRef
	}), nil
}

func (s *MemoryStore) ExpiredHolds(ctx context.Context, limit int) ([]domain.HoldGroup, error) {
	now := s.clock.Now()
	lapsed := s.filter(func(t domain.Ticket) bool {
		return t.Status == domain.TicketHeld && t.HoldExpiresAt != nil && !t.HoldExpiresAt.After(now)
	})

	type groupKey struct {
		raffleID int64
		holder   string
		expires  time.Time
	}

	index := make(map[groupKey]int)
	var groups []domain.HoldGroup
	for _, t := range lapsed {
		k := groupKey{t.RaffleID, t.HolderRef, *t.HoldExpiresAt}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, domain.HoldGroup{
				RaffleID:  t.RaffleID,
				HolderRef: t.HolderRef,
				ExpiresAt: *t.HoldExpiresAt,
			})
		}
		groups[i].Numbers = append(groups[i].Numbers, t.Number)
	}

	sort.SliceStable(groups, func(i, j int) bool { return groups[i].ExpiresAt.Before(groups[j].ExpiresAt) })

	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}

	return groups, nil
}

func (s *MemoryStore) filter(keep func(domain.Ticket) bool) []domain.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Ticket
	for _, t := range s.tickets {
		if keep(t) {
			out = append(out, copyTicket(t))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RaffleID != out[j].RaffleID {
			return out[i].RaffleID < out[j].RaffleID
		}
		return out[i].Number < out[j].Number
	})

	return out
}

func (s *MemoryStore) Create(ctx context.Context, c domain.Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.charges[c.Ref]; ok {
		return repository.ErrConflict
	}

	if c.Status == domain.ChargePending {
		for _, other := range s.charges {
			if other.Status == domain.ChargePending && other.RaffleID == c.RaffleID && other.HolderRef == c.HolderRef {
				return repository.ErrConflict
			}
		}
	}

	c.Numbers = slices.Clone(c.Numbers)
	s.touchCharge(txOf(ctx), c.Ref)
	s.charges[c.Ref] = c

	return nil
}

func (s *MemoryStore) Get(ctx context.Context, ref string) (domain.Charge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.charges[ref]
	if !ok {
		return domain.Charge{}, repository.ErrNotFound
	}

	return copyCharge(c), nil
}

func (s *MemoryStore) Pending(ctx context.Context, raffleID int64, holderRef string) (domain.Charge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.charges {
		if c.Status == domain.ChargePending && c.RaffleID == raffleID && c.HolderRef == holderRef {
			return copyCharge(c), nil
		}
	}

	return domain.Charge{}, repository.ErrNotFound
}

func (s *MemoryStore) TransitionStatus(
	ctx context.Context,
	ref string,
	from []domain.ChargeStatus,
	to domain.ChargeStatus,
	by domain.Signal,
) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.charges[ref]
	if !ok || !slices.Contains(from, c.Status) {
		return false, nil
	}

	c.Status = to
	if to == domain.ChargePaid {
		now := s.clock.Now()
		c.SettledAt = &now
		c.SettledBy = by
	}
	s.touchCharge(txOf(ctx), ref)
	s.charges[ref] = c

	return true, nil
}

func (s *MemoryStore) Raffle(ctx context.Context, id int64) (domain.Raffle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.raffles[id]
	if !ok {
		return domain.Raffle{}, repository.ErrNotFound
	}

	return r, nil
}

func copyTicket(t domain.Ticket) domain.Ticket {
	if t.HoldExpiresAt != nil {
		exp := *t.HoldExpiresAt
		t.HoldExpiresAt = &exp
	}
	return t
}

func copyCharge(c domain.Charge) domain.Charge {
	c.Numbers = slices.Clone(c.Numbers)
	if c.SettledAt != nil {
		at := *c.SettledAt
		c.SettledAt = &at
	}
	return c
}

var (
	_ repository.Ledger     = (*MemoryStore)(nil)
	_ repository.Charges    = (*MemoryStore)(nil)
	_ repository.Raffles    = (*MemoryStore)(nil)
	_ repository.Transactor = (*MemoryStore)(nil)
)
