package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// INCR and PEXPIRE must be one atomic step so a crashed client cannot leave
// an immortal counter behind.
var incrWithTTL = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// FixedWindowLimiter counts hits per key inside fixed wall-clock windows,
// shared across instances through redis.
type FixedWindowLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisFixedWindowLimiter builds a limiter allowing limit hits per window
// for each key under the given redis key prefix.
func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "scripthub:ratelimit"
	}
	return &FixedWindowLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
		limit:  limit,
		window: window,
	}, nil
}

// Allow reports whether this hit stays inside the key's quota. Redis errors
// fail closed: the endpoints behind the limiter are abuse targets and an
// unreachable limiter should not mean unlimited traffic.
func (l *FixedWindowLimiter) Allow(key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}

	windowMs := l.window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	count, err := incrWithTTL.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return false
	}
	return count <= int64(l.limit)
}
