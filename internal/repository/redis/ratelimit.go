package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Sliding window over a sorted set of call timestamps. A denied call is not
// recorded, so a holder that backs off regains budget as the window slides.
//
// KEYS[1] = window key
// ARGV[1] = now_ms, ARGV[2] = window_ms, ARGV[3] = limit, ARGV[4] = member
// Returns {allowed, retry_after_ms}.
const luaSlidingWindow = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
if redis.call('ZCARD', KEYS[1]) >= limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  local retry = window - (now - tonumber(oldest[2]))
  if retry < 1 then retry = 1 end
  return {0, retry}
end

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, 0}
`

// SlidingWindowLimiter caps how many calls one subject (a holder) may make
// per window, across every instance sharing the Redis.
type SlidingWindowLimiter struct {
	rdb    redis.Cmdable
	scope  string
	limit  int
	window time.Duration
	script *redis.Script
	now    func() time.Time
}

func NewSlidingWindowLimiter(rdb redis.Cmdable, scope string, limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		rdb:    rdb,
		scope:  scope,
		limit:  limit,
		window: window,
		script: redis.NewScript(luaSlidingWindow),
		now:    time.Now,
	}
}

// Allow records a call by subject. When the subject is over its budget the
// call is refused and retryAfter says when the next one would pass.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, subject string) (ok bool, retryAfter time.Duration, err error) {
	const op = "redis.SlidingWindowLimiter.Allow"

	res, err := l.script.Run(ctx, l.rdb,
		[]string{KeyRateLimit(l.scope + ":" + subject)},
		l.now().UnixMilli(), l.window.Milliseconds(), l.limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("%s:%w", op, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("%s: bad script result %v", op, res)
	}

	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}
