package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares windows across server replicas. When Redis cannot be
// reached it degrades to the in-process Fallback rather than failing open.
type RedisLimiter struct {
	Client   redis.Scripter
	Window   time.Duration
	Prefix   string
	Timeout  time.Duration
	Fallback Limiter
	Logger   *slog.Logger
}

func NewRedis(client redis.Scripter, size time.Duration) *RedisLimiter {
	if size <= 0 {
		size = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   size,
		Prefix:   "notesync:rl:",
		Timeout:  2 * time.Second,
		Fallback: NewFixedWindow(size),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.degrade(ctx, key, limit, nil)
	}
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	vals, err := fixedWindowScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) < 2 {
		return l.degrade(ctx, key, limit, err)
	}
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = l.Window
	}
	return decide(int(vals[0]), limit, time.Now().UTC().Add(ttl))
}

func (l *RedisLimiter) degrade(ctx context.Context, key string, limit int, err error) Decision {
	if err != nil && l.Logger != nil {
		l.Logger.Warn("redis rate limiter unavailable, using local window", "err", err)
	}
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
}
