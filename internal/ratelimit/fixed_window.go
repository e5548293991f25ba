package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FixedWindow implements a distributed fixed-window rate limiter using Redis.
// Counters live in Redis so the limit holds across API replicas; the Lua
// script makes increment-and-check atomic under concurrent callers.
type FixedWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// NewFixedWindow constructs a limiter with the provided limit per window.
func NewFixedWindow(client *redis.Client, limit int, window time.Duration) *FixedWindow {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindow{client: client, limit: limit, window: window}
}

// Allow consumes one slot for the given key. The first request in a window
// creates the counter with the window's expiry; later requests increment it.
// Requests past the limit are rejected with the time until the window resets.
func (l *FixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := windowScript.Run(ctx, l.client, []string{"ratelimit:" + key}, l.limit, l.window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result: %T", res)
	}
	allowed := arr[0].(int64) == 1
	count, _ := arr[1].(int64)
	ttlMs, _ := arr[2].(int64)

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{Allowed: allowed, Remaining: remaining}
	if !allowed && ttlMs > 0 {
		d.RetryAfter = time.Duration(ttlMs) * time.Millisecond
	}
	return d, nil
}

// Limit returns the configured per-window limit.
func (l *FixedWindow) Limit() int {
	return l.limit
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local count = redis.call('INCR', key)
if count == 1 then
  redis.call('PEXPIRE', key, window)
end
local ttl = redis.call('PTTL', key)

if count > limit then
  return {0, count, ttl}
end
return {1, count, ttl}
`)
