package redisrepo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kirinyoku/raffle-go/internal/domain"
	"github.com/redis/go-redis/v9"
)

// FeedPubSub carries ticket change events over Redis pub/sub, one channel
// per raffle. Delivery is at-most-once per subscriber; consumers re-read the
// ledger on every event, so a missed or duplicated event is harmless.
type FeedPubSub struct {
	rdb *redis.Client
}

func NewFeedPubSub(rdb *redis.Client) *FeedPubSub {
	return &FeedPubSub{rdb: rdb}
}

func (p *FeedPubSub) PublishTicketChanged(ctx context.Context, ev domain.TicketEvent) error {
	const op = "redisrepo.FeedPubSub.PublishTicketChanged"

	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if err := p.rdb.Publish(ctx, ChannelRaffleFeed(ev.RaffleID), b).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// Subscribe blocks, calling handler for every event of raffleID, until ctx
// is done or the subscription closes. ready, if set, is called once Redis
// has confirmed the subscription.
func (p *FeedPubSub) Subscribe(
	ctx context.Context,
	raffleID int64,
	ready func(),
	handler func(ctx context.Context, ev domain.TicketEvent),
) error {
	const op = "redisrepo.FeedPubSub.Subscribe"

	sub := p.rdb.Subscribe(ctx, ChannelRaffleFeed(raffleID))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}
	if ready != nil {
		ready()
	}

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var ev domain.TicketEvent
			if err := json.Unmarshal([]byte(m.Payload), &ev); err == nil && ev.RaffleID == raffleID {
				handler(ctx, ev)
			}
		}
	}
}
