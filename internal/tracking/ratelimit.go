package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailkite/mailkite/internal/pkg/logger"
)

// Limit is one fixed-window budget.
type Limit struct {
	Max    int
	Window time.Duration
}

// Ingest budgets, keyed per subscriber for the tracking endpoints and
// per client IP for the subscription endpoints.
var (
	LimitOpen        = Limit{Max: 100, Window: time.Hour}
	LimitClick       = Limit{Max: 100, Window: time.Hour}
	LimitSubscribe   = Limit{Max: 10, Window: 5 * time.Minute}
	LimitUnsubscribe = Limit{Max: 5, Window: 5 * time.Minute}
)

// Lua script for an atomic check-and-increment on one window key.
// Avoids the GET → check → INCR race between concurrent requests.
const limitLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return 0
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end
return 1
`

// RateLimiter enforces fixed-window budgets over Redis. Windows are
// epoch-bucketed, so every node agrees on the window boundaries without
// coordination.
type RateLimiter struct {
	redis       *redis.Client
	limitScript *redis.Script
}

// NewRateLimiter creates a limiter with a pre-compiled Lua script.
func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{
		redis:       redisClient,
		limitScript: redis.NewScript(limitLuaScript),
	}
}

// NewRateLimiterFromURL creates a limiter by connecting to Redis.
func NewRateLimiterFromURL(redisURL string) (*RateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRateLimiter(client), nil
}

// Allow atomically consumes one unit of the subject's budget for the
// given scope. Redis failures allow the request; tracking must degrade
// open rather than drop engagement events.
func (r *RateLimiter) Allow(ctx context.Context, scope, subject string, l Limit) bool {
	bucket := time.Now().UnixMilli() / l.Window.Milliseconds()
	key := fmt.Sprintf("ratelimit:%s:%s:%d", scope, subject, bucket)
	ttl := int(l.Window.Seconds()) * 2

	result, err := r.limitScript.Run(ctx, r.redis, []string{key}, l.Max, ttl).Int64()
	if err != nil {
		logger.Warn("rate limit check failed, allowing", "scope", scope, "error", err)
		return true
	}
	return result == 1
}

// Close closes the Redis connection.
func (r *RateLimiter) Close() error {
	return r.redis.Close()
}
