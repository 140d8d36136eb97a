package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/kirinyoku/raffle-go/internal/domain"
	"github.com/kirinyoku/raffle-go/internal/notify"
	"github.com/kirinyoku/raffle-go/internal/payment"
)

// FakeProvider is a scriptable payment provider. Charges start pending.
type FakeProvider struct {
	mu          sync.Mutex
	seq         int
	statuses    map[string]domain.ChargeStatus
	createErr   error
	statusErr   error
	requests    []payment.ChargeRequest
	statusCalls int
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{statuses: make(map[string]domain.ChargeStatus)}
}

func (p *FakeProvider) CreateCharge(ctx context.Context, req payment.ChargeRequest) (payment.CreatedCharge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.createErr != nil {
		return payment.CreatedCharge{}, p.createErr
	}

	p.seq++
	ref := fmt.Sprintf("pay-%d", p.seq)
	p.statuses[ref] = domain.ChargePending
	p.requests = append(p.requests, req)

	return payment.CreatedCharge{
		Ref:       ref,
		Status:    domain.ChargePending,
		QRPayload: "00020126PIX" + ref,
		QRImage:   "aW1hZ2U=",
	}, nil
}

func (p *FakeProvider) ChargeStatus(ctx context.Context, ref string) (domain.ChargeStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.statusCalls++

	if p.statusErr != nil {
		return "", p.statusErr
	}

	st, ok := p.statuses[ref]
	if !ok {
		return "", &payment.Error{Kind: payment.KindBadRequest, StatusCode: 404, Message: "payment not found"}
	}

	return st, nil
}

func (p *FakeProvider) SetStatus(ref string, st domain.ChargeStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[ref] = st
}

func (p *FakeProvider) FailCreate(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createErr = err
}

func (p *FakeProvider) FailStatus(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusErr = err
}

func (p *FakeProvider) Requests() []payment.ChargeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.requests)
}

func (p *FakeProvider) StatusCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusCalls
}

// FeedBus is an in-process change feed and cache invalidation recorder.
type FeedBus struct {
	mu            sync.Mutex
	subs          map[int64][]chan domain.TicketEvent
	events        []domain.TicketEvent
	invalidations map[int64]int
}

func NewFeedBus() *FeedBus {
	return &FeedBus{
		subs:          make(map[int64][]chan domain.TicketEvent),
		invalidations: make(map[int64]int),
	}
}

func (b *FeedBus) PublishTicketChanged(ctx context.Context, ev domain.TicketEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, ev)
	for _, ch := range b.subs[ev.RaffleID] {
		select {
		case ch <- ev:
		default:
		}
	}

	return nil
}

func (b *FeedBus) Subscribe(
	ctx context.Context,
	raffleID int64,
	ready func(),
	handler func(ctx context.Context, ev domain.TicketEvent),
) error {
	ch := make(chan domain.TicketEvent, 64)

	b.mu.Lock()
	b.subs[raffleID] = append(b.subs[raffleID], ch)
	b.mu.Unlock()

	if ready != nil {
		ready()
	}

	defer func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[raffleID] = slices.DeleteFunc(b.subs[raffleID], func(c chan domain.TicketEvent) bool { return c == ch })
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			handler(ctx, ev)
		}
	}
}

func (b *FeedBus) InvalidateRaffle(ctx context.Context, raffleID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidations[raffleID]++
	return nil
}

func (b *FeedBus) Subscribers(raffleID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[raffleID])
}

func (b *FeedBus) Events() []domain.TicketEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.events)
}

func (b *FeedBus) Invalidations(raffleID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalidations[raffleID]
}

type Sent struct {
	HolderRef string
	Message   notify.Message
}

type RecordingNotifier struct {
	mu   sync.Mutex
	sent []Sent
}

func (n *RecordingNotifier) Notify(ctx context.Context, holderRef string, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Sent{HolderRef: holderRef, Message: msg})
	return nil
}

func (n *RecordingNotifier) Sent() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.sent)
}

// Count returns how many messages of type t were sent.
func (n *RecordingNotifier) Count(t notify.MessageType) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	c := 0
	for _, s := range n.sent {
		if s.Message.Type == t {
			c++
		}
	}
	return c
}

// RecordingScheduler records expiry scheduling without firing anything.
type RecordingScheduler struct {
	mu        sync.Mutex
	scheduled map[string]domain.HoldGroup
	cancelled []string
}

func NewRecordingScheduler() *RecordingScheduler {
	return &RecordingScheduler{scheduled: make(map[string]domain.HoldGroup)}
}

func (s *RecordingScheduler) Schedule(ctx context.Context, g domain.HoldGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled[g.Key()] = g
	return nil
}

func (s *RecordingScheduler) Cancel(ctx context.Context, g domain.HoldGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scheduled, g.Key())
	s.cancelled = append(s.cancelled, g.Key())
	return nil
}

// Pending returns the groups scheduled and not cancelled.
func (s *RecordingScheduler) Pending() []domain.HoldGroup {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.HoldGroup, 0, len(s.scheduled))
	for _, g := range s.scheduled {
		out = append(out, g)
	}
	return out
}

func (s *RecordingScheduler) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cancelled)
}
