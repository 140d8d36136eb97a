package domain

import (
	"fmt"
	"slices"
	"time"
)

type TicketStatus string

const (
	TicketAvailable TicketStatus = "available"
	TicketHeld      TicketStatus = "held"
	TicketSold      TicketStatus = "sold"
)

type ChargeStatus string

const (
	ChargePending ChargeStatus = "pending"
	ChargePaid    ChargeStatus = "paid"
	ChargeExpired ChargeStatus = "expired"
	ChargeFailed  ChargeStatus = "failed"
)

// Terminal reports whether the provider can no longer change the charge.
func (s ChargeStatus) Terminal() bool {
	return s == ChargePaid || s == ChargeFailed
}

// Signal names the channel that observed a charge status.
type Signal string

const (
	SignalPoll  Signal = "poll"
	SignalPush  Signal = "push"
	SignalSweep Signal = "sweep"
)

type Raffle struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	PriceCents int64     `json:"price_cents"`
	MinNumber  int       `json:"min_number"`
	MaxNumber  int       `json:"max_number"`
	CreatedAt  time.Time `json:"created_at"`
}

// InRange reports whether n is a valid ticket number for the raffle.
func (r Raffle) InRange(n int) bool {
	return n >= r.MinNumber && n <= r.MaxNumber
}

type Ticket struct {
	RaffleID      int64        `json:"raffle_id"`
	Number        int          `json:"number"`
	Status        TicketStatus `json:"status"`
	HolderRef     string       `json:"holder_ref,omitempty"`
	HoldExpiresAt *time.Time   `json:"hold_expires_at,omitempty"`
}

// HeldAt reports whether the ticket is held and its hold is still live at now.
func (t Ticket) HeldAt(now time.Time) bool {
	return t.Status == TicketHeld && t.HoldExpiresAt != nil && t.HoldExpiresAt.After(now)
}

// HoldGroup is the set of numbers a holder acquired in one request. All of
// them share one deadline.
type HoldGroup struct {
	RaffleID  int64     `json:"raffle_id"`
	HolderRef string    `json:"holder_ref"`
	Numbers   []int     `json:"numbers"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Key identifies the group for scheduling and cancellation.
func (g HoldGroup) Key() string {
	return fmt.Sprintf("%d:%s:%d", g.RaffleID, g.HolderRef, g.ExpiresAt.UnixMilli())
}

type BuyerContact struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	Document string `json:"document,omitempty"`
}

type Charge struct {
	Ref         string       `json:"charge_ref"`
	RaffleID    int64        `json:"raffle_id"`
	HolderRef   string       `json:"holder_ref"`
	Numbers     []int        `json:"numbers"`
	AmountCents int64        `json:"amount_cents"`
	Status      ChargeStatus `json:"status"`
	QRPayload   string       `json:"qr_payload"`
	QRImage     string       `json:"qr_image,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	SettledAt   *time.Time   `json:"settled_at,omitempty"`
	SettledBy   Signal       `json:"settled_by,omitempty"`
}

// Transition is a compare-and-swap on one ticket row. It succeeds only when
// the row's current state matches From (and Holder, when set).
type Transition struct {
	RaffleID int64
	Number   int

	From   TicketStatus
	Holder string

	To        TicketStatus
	NewHolder string
	ExpiresAt *time.Time

	// RequireElapsed restricts the match to holds whose deadline has passed.
	RequireElapsed bool
}

// HoldTransition moves an available (or lapsed) ticket to held.
func HoldTransition(raffleID int64, number int, holder string, expiresAt time.Time) Transition {
	return Transition{
		RaffleID:  raffleID,
		Number:    number,
		From:      TicketAvailable,
		To:        TicketHeld,
		NewHolder: holder,
		ExpiresAt: &expiresAt,
	}
}

// ExpireTransition releases a lapsed hold, only for the same holder.
func ExpireTransition(raffleID int64, number int, holder string) Transition {
	return Transition{
		RaffleID:       raffleID,
		Number:         number,
		From:           TicketHeld,
		Holder:         holder,
		To:             TicketAvailable,
		RequireElapsed: true,
	}
}

// ReleaseTransition releases a hold on request of its holder.
func ReleaseTransition(raffleID int64, number int, holder string) Transition {
	return Transition{
		RaffleID: raffleID,
		Number:   number,
		From:     TicketHeld,
		Holder:   holder,
		To:       TicketAvailable,
	}
}

// SellTransition finalizes a hold. Whether the deadline passed is irrelevant.
func SellTransition(raffleID int64, number int, holder string) Transition {
	return Transition{
		RaffleID:  raffleID,
		Number:    number,
		From:      TicketHeld,
		Holder:    holder,
		To:        TicketSold,
		NewHolder: holder,
	}
}

// NumberConflict explains why a number could not be held.
type NumberConflict struct {
	Number int          `json:"number"`
	Status TicketStatus `json:"status"`
	Mine   bool         `json:"mine,omitempty"`
}

type HoldResult struct {
	RaffleID   int64            `json:"raffle_id"`
	HolderRef  string           `json:"holder_ref"`
	Held       []int            `json:"held_numbers"`
	Conflicted []NumberConflict `json:"conflicted_numbers"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// Group returns the hold group formed by the numbers actually held.
func (r HoldResult) Group() HoldGroup {
	return HoldGroup{
		RaffleID:  r.RaffleID,
		HolderRef: r.HolderRef,
		Numbers:   slices.Clone(r.Held),
		ExpiresAt: r.ExpiresAt,
	}
}

// TicketEvent is one entry of the ledger change feed.
type TicketEvent struct {
	RaffleID int64        `json:"raffle_id"`
	Number   int          `json:"number"`
	Status   TicketStatus `json:"status"`
	TsUnix   int64        `json:"ts_unix"`
}

// Partition is the buyer's view of a raffle's numbers.
type Partition struct {
	RaffleID     int64 `json:"raffle_id"`
	Available    []int `json:"available"`
	HeldByOthers []int `json:"held_by_others"`
	HeldByMe     []int `json:"held_by_me"`
	Sold         []int `json:"sold"`
}

// Equal reports whether two partitions place every number identically.
func (p Partition) Equal(o Partition) bool {
	return p.RaffleID == o.RaffleID &&
		slices.Equal(p.Available, o.Available) &&
		slices.Equal(p.HeldByOthers, o.HeldByOthers) &&
		slices.Equal(p.HeldByMe, o.HeldByMe) &&
		slices.Equal(p.Sold, o.Sold)
}

// PartitionOf splits tickets into the four buckets seen by holder at now.
// Lapsed holds count as available.
func PartitionOf(raffleID int64, tickets []Ticket, holder string, now time.Time) Partition {
	p := Partition{
		RaffleID:     raffleID,
		Available:    []int{},
		HeldByOthers: []int{},
		HeldByMe:     []int{},
		Sold:         []int{},
	}

	for _, t := range tickets {
		switch {
		case t.Status == TicketSold:
			p.Sold = append(p.Sold, t.Number)
		case t.HeldAt(now) && holder != "" && t.HolderRef == holder:
			p.HeldByMe = append(p.HeldByMe, t.Number)
		case t.HeldAt(now):
			p.HeldByOthers = append(p.HeldByOthers, t.Number)
		default:
			p.Available = append(p.Available, t.Number)
		}
	}

	slices.Sort(p.Available)
	slices.Sort(p.HeldByOthers)
	slices.Sort(p.HeldByMe)
	slices.Sort(p.Sold)

	return p
}

// ConfirmOutcome is the result of one finalize attempt.
type ConfirmOutcome struct {
	ChargeRef string `json:"charge_ref"`
	// Settled is true only for the attempt that moved the charge to paid.
	Settled bool  `json:"settled"`
	Sold    []int `json:"sold,omitempty"`
	// Lost lists paid numbers that were no longer held by the payer.
	Lost   []int        `json:"lost,omitempty"`
	Status ChargeStatus `json:"status"`
	Source Signal       `json:"source"`
}

// GroupHolds splits held tickets into hold groups sharing one deadline,
// earliest deadline first. Tickets without a deadline are skipped.
func GroupHolds(raffleID int64, holder string, tickets []Ticket) []HoldGroup {
	var groups []HoldGroup
	index := make(map[int64]int)

	for _, t := range tickets {
		if t.HoldExpiresAt == nil {
			continue
		}
		k := t.HoldExpiresAt.UnixMilli()
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, HoldGroup{
				RaffleID:  raffleID,
				HolderRef: holder,
				ExpiresAt: t.HoldExpiresAt.Truncate(time.Millisecond),
			})
		}
		groups[i].Numbers = append(groups[i].Numbers, t.Number)
	}

	for i := range groups {
		slices.Sort(groups[i].Numbers)
	}
	slices.SortFunc(groups, func(a, b HoldGroup) int { return a.ExpiresAt.Compare(b.ExpiresAt) })

	return groups
}
