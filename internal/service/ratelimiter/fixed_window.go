// Package ratelimiter provides the fixed-window request limiter backing the
// gateway's /api/* surface. Counters live in Redis so every node process
// shares one window per scope.
package ratelimiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

type Limiter interface {
	Allow(ctx context.Context, scope string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// luaFixedWindowScript increments the scope counter, arms the window expiry
// on first hit, and reports the remaining window when the counter is over
// the max. Runs atomically server-side.
const luaFixedWindowScript = `
local count = redis.call("INCRBY", KEYS[1], ARGV[2])
if count == tonumber(ARGV[2]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
local allowed = 0
if count <= tonumber(ARGV[3]) then
  allowed = 1
end
return { allowed, count, ttl }
`

type FixedWindow struct {
	redis  *redis.Client
	script *redis.Script
	logger *slog.Logger

	mu     sync.RWMutex
	max    int64
	window time.Duration
}

// NewFixedWindow builds a limiter allowing max hits per window per scope.
// max <= 0 disables limiting.
func NewFixedWindow(rdb *redis.Client, logger *slog.Logger, max int, window time.Duration) *FixedWindow {
	if rdb == nil {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindow{
		redis:  rdb,
		script: redis.NewScript(luaFixedWindowScript),
		logger: logger,
		max:    int64(max),
		window: window,
	}
}

// SetLimit swaps the max/window pair, for config reloads. Safe for
// concurrent use.
func (l *FixedWindow) SetLimit(max int, window time.Duration) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.max = int64(max)
	if window > 0 {
		l.window = window
	}
}

func (l *FixedWindow) Allow(ctx context.Context, scope string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	l.mu.RLock()
	max, window := l.max, l.window
	l.mu.RUnlock()
	if max <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	key := domain.KeyRateLimit(scope)
	res, err := l.script.Run(ctx, l.redis, []string{key}, window.Milliseconds(), cost, max).Result()
	if err != nil {
		l.logger.Error("rate limiter script error", slog.String("scope", scope), slog.Any("error", err))
		// Fail open on Redis errors to avoid hard outages.
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		l.logger.Error("rate limiter unexpected script result", slog.String("scope", scope), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	ttlMS := toInt64(vals[2])
	var retryAfter time.Duration
	if !allowed && ttlMS > 0 {
		retryAfter = time.Duration(ttlMS) * time.Millisecond
	}
	return allowed, retryAfter, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
