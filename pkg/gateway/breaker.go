package gateway

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/config"
	"pipeline-copilot/pkg/domain"
)

// Breaker states. Absence of a stored state means closed.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// defaultSuccessThreshold closes a half-open breaker after this many
// consecutive successes when the group does not set its own.
const defaultSuccessThreshold = 2

// BreakerDecision is the outcome of one admission check.
type BreakerDecision struct {
	State      string
	Allowed    bool
	RetryAfter time.Duration
}

// Breaker is a per-service circuit breaker shared across gateway replicas
// through Redis. Failures within the recovery window trip it open; after the
// recovery timeout it admits probe requests half-open, and consecutive probe
// successes close it again. A probe failure reopens it immediately.
type Breaker struct {
	rdb    *redis.Client
	clock  domain.Clock
	logger zerolog.Logger
}

// NewBreaker wraps a Redis client. A nil clock falls back to system time.
func NewBreaker(rdb *redis.Client, clock domain.Clock, logger zerolog.Logger) *Breaker {
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &Breaker{rdb: rdb, clock: clock, logger: logger.With().Str("component", "circuit_breaker").Logger()}
}

func breakerKey(service, field string) string {
	return "breaker:" + service + ":" + field
}

// Allow reports whether a request for the service may proceed. An open
// breaker whose recovery timeout has elapsed moves to half-open here, so the
// caller's request becomes the probe.
func (b *Breaker) Allow(ctx context.Context, service string, group config.CircuitBreakerGroup) BreakerDecision {
	switch b.state(ctx, service) {
	case BreakerOpen:
		openedMs, err := b.rdb.Get(ctx, breakerKey(service, "opened_at")).Int64()
		if err != nil {
			// Opening timestamp lost; treat the wait as served.
			b.toHalfOpen(ctx, service)
			return BreakerDecision{State: BreakerHalfOpen, Allowed: true}
		}
		elapsed := b.clock.Now().Sub(time.UnixMilli(openedMs))
		if elapsed >= group.RecoveryTimeout() {
			b.toHalfOpen(ctx, service)
			return BreakerDecision{State: BreakerHalfOpen, Allowed: true}
		}
		return BreakerDecision{State: BreakerOpen, Allowed: false, RetryAfter: group.RecoveryTimeout() - elapsed}
	case BreakerHalfOpen:
		return BreakerDecision{State: BreakerHalfOpen, Allowed: true}
	default:
		return BreakerDecision{State: BreakerClosed, Allowed: true}
	}
}

// RecordFailure counts a downstream failure and reports whether this one
// tripped the breaker open. A half-open probe failure reopens immediately;
// closed-state failures accumulate in a window as long as the recovery
// timeout, so a slow trickle of errors never trips it.
func (b *Breaker) RecordFailure(ctx context.Context, service string, group config.CircuitBreakerGroup) bool {
	switch b.state(ctx, service) {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		b.trip(ctx, service)
		return true
	}

	key := breakerKey(service, "failures")
	count, err := b.rdb.Incr(ctx, key).Result()
	if err != nil {
		b.logger.Warn().Err(err).Str("service", service).Msg("breaker store unavailable, failure not counted")
		return false
	}
	if count == 1 {
		if err := b.rdb.Expire(ctx, key, group.RecoveryTimeout()).Err(); err != nil {
			b.logger.Warn().Err(err).Str("service", service).Msg("failed to set breaker failure window")
		}
	}
	if count >= int64(group.FailureThreshold) {
		b.trip(ctx, service)
		return true
	}
	return false
}

// RecordSuccess counts a downstream success. Only half-open probes matter;
// enough of them in a row closes the breaker.
func (b *Breaker) RecordSuccess(ctx context.Context, service string, group config.CircuitBreakerGroup) {
	if b.state(ctx, service) != BreakerHalfOpen {
		return
	}
	need := group.SuccessThreshold
	if need <= 0 {
		need = defaultSuccessThreshold
	}
	count, err := b.rdb.Incr(ctx, breakerKey(service, "successes")).Result()
	if err != nil {
		b.logger.Warn().Err(err).Str("service", service).Msg("breaker store unavailable, success not counted")
		return
	}
	if count >= int64(need) {
		b.reset(ctx, service)
		b.logger.Info().Str("service", service).Msg("circuit breaker closed")
	}
}

// State returns the current stored state for a service.
func (b *Breaker) State(ctx context.Context, service string) string {
	return b.state(ctx, service)
}

func (b *Breaker) state(ctx context.Context, service string) string {
	state, err := b.rdb.Get(ctx, breakerKey(service, "state")).Result()
	if err != nil {
		if err != redis.Nil {
			b.logger.Warn().Err(err).Str("service", service).Msg("breaker store unavailable, assuming closed")
		}
		return BreakerClosed
	}
	return state
}

func (b *Breaker) trip(ctx context.Context, service string) {
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, breakerKey(service, "state"), BreakerOpen, 0)
	pipe.Set(ctx, breakerKey(service, "opened_at"), b.clock.Now().UnixMilli(), 0)
	pipe.Del(ctx, breakerKey(service, "failures"), breakerKey(service, "successes"))
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Warn().Err(err).Str("service", service).Msg("failed to trip breaker")
		return
	}
	b.logger.Warn().Str("service", service).Msg("circuit breaker opened")
}

func (b *Breaker) toHalfOpen(ctx context.Context, service string) {
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, breakerKey(service, "state"), BreakerHalfOpen, 0)
	pipe.Del(ctx, breakerKey(service, "successes"), breakerKey(service, "opened_at"))
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Warn().Err(err).Str("service", service).Msg("failed to half-open breaker")
		return
	}
	b.logger.Info().Str("service", service).Msg("circuit breaker half-open")
}

func (b *Breaker) reset(ctx context.Context, service string) {
	err := b.rdb.Del(ctx,
		breakerKey(service, "state"),
		breakerKey(service, "failures"),
		breakerKey(service, "successes"),
		breakerKey(service, "opened_at"),
	).Err()
	if err != nil {
		b.logger.Warn().Err(err).Str("service", service).Msg("failed to reset breaker")
	}
}
