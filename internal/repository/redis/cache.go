package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirinyoku/raffle-go/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

type Cache struct {
	rdb *redis.Client
	sf  singleflight.Group
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{rdb: client}
}

func (c *Cache) getString(ctx context.Context, key string) (string, bool, error) {
	s, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	return s, true, nil
}

func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	return c.rdb.Del(ctx, keys...).Err()
}

func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var zero T

	s, ok, err := c.getString(ctx, key)
	if err != nil || !ok {
		return zero, ok, err
	}

	var out T
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		// A payload written by an older release is treated as a miss.
		return zero, false, nil
	}

	return out, true, nil
}

func SetJSON(ctx context.Context, c *Cache, key string, val any, ttl time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key, b, ttl).Err()
}

// GetOrSetJSON returns the cached value at key or loads, stores and returns it.
// Concurrent misses for one key share a single loader call.
func GetOrSetJSON[T any](
	ctx context.Context,
	c *Cache,
	key string,
	ttl time.Duration,
	loader func(ctx context.Context) (T, error),
) (T, error) {
	const op = "redisrepo.GetOrSetJSON"

	var zero T

	if v, ok, err := GetJSON[T](ctx, c, key); err == nil && ok {
		return v, nil
	}

	vAny, err, _ := c.sf.Do(key, func() (any, error) {
		if v, ok, err := GetJSON[T](ctx, c, key); err == nil && ok {
			return v, nil
		}
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		_ = SetJSON(ctx, c, key, v, ttl)
		return v, nil
	})
	if err != nil {
		return zero, fmt.Errorf("%s:%w", op, err)
	}

	v, ok := vAny.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected cached type %T", op, vAny)
	}

	return v, nil
}

// InvalidateRaffle drops every cached view of the raffle's tickets.
func (c *Cache) InvalidateRaffle(ctx context.Context, raffleID int64) error {
	return c.Del(ctx, KeyRaffleTickets(raffleID))
}

// TicketsCache keeps short-lived per-raffle ticket listings.
type TicketsCache struct {
	c   *Cache
	ttl time.Duration
}

func NewTicketsCache(c *Cache, ttl time.Duration) *TicketsCache {
	return &TicketsCache{c: c, ttl: ttl}
}

func (t *TicketsCache) Tickets(
	ctx context.Context,
	raffleID int64,
	load func(ctx context.Context) ([]domain.Ticket, error),
) ([]domain.Ticket, error) {
	return GetOrSetJSON(ctx, t.c, KeyRaffleTickets(raffleID), t.ttl, load)
}
