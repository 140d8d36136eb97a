package redisrepo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/raffle-go/internal/clock"
	"github.com/redis/go-redis/v9"
)

// Sliding window over a sorted set scored by hit time.
// KEYS[1] = key
// ARGV[1] = now_ms
// ARGV[2] = window_ms
// ARGV[3] = limit
// ARGV[4] = member (unique per hit)
// Returns {allowed, count, retry_ms}.
const luaSlidingWindow = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

if count >= limit then
  local earliest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local earliestScore = tonumber(earliest[2]) or now
  local retry_ms = window - (now - earliestScore)
  if retry_ms < 0 then retry_ms = 0 end
  return {0, count, retry_ms}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// SlidingWindowLimiter admits at most limit hits per window for each key.
// Rejected hits are not recorded, so a client retrying too early does not
// extend its own ban.
type SlidingWindowLimiter struct {
	rdb    *redis.Client
	clock  clock.Clock
	prefix string
	limit  int
	window time.Duration
	script *redis.Script
}

func NewSlidingWindowLimiter(
	rdb *redis.Client,
	clk clock.Clock,
	scope string,
	limit int,
	window time.Duration,
) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		rdb:    rdb,
		clock:  clk,
		prefix: KeyRateLimit(scope),
		limit:  limit,
		window: window,
		script: redis.NewScript(luaSlidingWindow),
	}
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	const op = "redisrepo.SlidingWindowLimiter.Allow"

	res, err := l.script.Run(
		ctx,
		l.rdb,
		[]string{l.prefix + ":" + key},
		l.clock.Now().UnixMilli(),
		l.window.Milliseconds(),
		l.limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%s:%w", op, err)
	}

	if len(res) != 3 {
		return Decision{}, fmt.Errorf("%s: bad script result %v", op, res)
	}

	return Decision{
		Allowed:    res[0] == 1,
		Count:      res[1],
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
