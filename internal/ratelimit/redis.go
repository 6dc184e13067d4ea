package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript increments the counter and, on the first hit, starts the
// window by arming the key's expiry. Running it as one script keeps the
// check-and-increment atomic across server instances sharing the store.
var admitScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// RedisLimiter counts admissions in Redis so that multiple relay instances
// share one limit. The window is a fixed window with rollover: the first
// request from a key opens the window and store-level expiry closes it.
// A burst straddling a window boundary can briefly admit up to twice the
// limit; that approximation of the sliding window is accepted.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// NewRedisLimiter wraps an existing client. The caller keeps ownership of
// the client's lifecycle.
func NewRedisLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, window: window}
}

func (l *RedisLimiter) Admit(ctx context.Context, key string) (Result, error) {
	vals, err := admitScript.Run(ctx, l.rdb, []string{"ratelimit:" + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit store: %w", err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("rate limit store: unexpected reply %v", vals)
	}

	count, ttl := int(vals[0]), vals[1]

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}

	resetAt := time.Now().Add(l.window)
	if ttl > 0 {
		resetAt = time.Now().Add(time.Duration(ttl) * time.Millisecond)
	}

	return Result{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

func (l *RedisLimiter) Close() {}
