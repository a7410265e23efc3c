package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/config"
)

// RateDecision is the outcome of one rate-limit check.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter enforces named fixed-window limits. Counters live in Redis so
// every gateway replica sees the same window; a store failure admits the
// request.
type RateLimiter struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// NewRateLimiter wraps a Redis client.
func NewRateLimiter(rdb *redis.Client, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{rdb: rdb, logger: logger.With().Str("component", "rate_limiter").Logger()}
}

// Allow counts one request against the window shared by everything hashing
// to the same key. Only the first hit in a window sets the expiry; later hits
// must not push the window back.
func (l *RateLimiter) Allow(ctx context.Context, key string, group config.RateLimitGroup) RateDecision {
	full := "ratelimit:" + key
	count, err := l.rdb.Incr(ctx, full).Result()
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("rate limit store unavailable, allowing request")
		return RateDecision{Allowed: true, Remaining: group.Requests}
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, full, group.Window()).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("failed to set rate limit window")
		}
	}

	if count > int64(group.Requests) {
		retryAfter := group.Window()
		if ttl, err := l.rdb.TTL(ctx, full).Result(); err == nil && ttl > 0 {
			retryAfter = ttl
		}
		return RateDecision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}
	return RateDecision{Allowed: true, Remaining: group.Requests - int(count)}
}

// RateKey builds the counter key for one route and principal. Anonymous
// requests share a single bucket per route.
func RateKey(group string, route config.RouteDescriptor, user *UserInfo) string {
	principal := "anon"
	if user != nil {
		principal = user.UserID
	}
	return fmt.Sprintf("%s:%s%s:%s", group, route.Service, route.Endpoint, principal)
}
