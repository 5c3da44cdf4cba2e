package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter limita peticiones por clave (normalmente el user id).
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

const redisAllowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`

type redisRateLimiter struct {
	client redisEvaler
	window time.Duration
	max    int
	prefix string
}

type redisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// NewRedisRateLimiter comparte el contador entre replicas del relay.
func NewRedisRateLimiter(client *redis.Client, window time.Duration, max int) RateLimiter {
	if client == nil {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 1
	}
	return &redisRateLimiter{
		client: client,
		window: window,
		max:    max,
		prefix: "relay:rl:",
	}
}

func (l *redisRateLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil || l.client == nil {
		return true
	}
	normalizedKey := strings.ToLower(strings.TrimSpace(key))
	if normalizedKey == "" {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	redisKey := l.prefix + normalizedKey
	seconds := int(l.window.Seconds())
	if seconds <= 0 {
		seconds = 60
	}
	count, err := l.client.Eval(ctx, redisAllowScript, []string{redisKey}, seconds).Int()
	if err != nil {
		// fail-open: redis caido no debe tumbar el relay
		return true
	}
	return count <= l.max
}

type memoryEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type memoryRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*memoryEntry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

// NewMemoryRateLimiter usa un token bucket por clave dentro del proceso.
func NewMemoryRateLimiter(perMinute int) RateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &memoryRateLimiter{
		limiters: make(map[string]*memoryEntry),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

func (l *memoryRateLimiter) Allow(_ context.Context, key string) bool {
	normalizedKey := strings.ToLower(strings.TrimSpace(key))
	if normalizedKey == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.limiters[normalizedKey]
	if !ok {
		if len(l.limiters) >= 10000 {
			l.pruneLocked(now)
		}
		entry = &memoryEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[normalizedKey] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *memoryRateLimiter) pruneLocked(now time.Time) {
	for k, e := range l.limiters {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.limiters, k)
		}
	}
}
