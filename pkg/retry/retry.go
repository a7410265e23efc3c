// Package retry coordinates retries with backoff and per-client circuit
// breaking for the platform's outbound calls (LLM, scanners, history store).
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"pipeline-copilot/pkg/domain/errors"
)

// Policy controls one named operation's retry and breaker behavior.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// BackoffMultiplier selects the backoff curve: 0 fixed, 1 linear,
	// otherwise exponential with this base.
	BackoffMultiplier float64
	// RetryIf decides whether an error is worth another attempt. Defaults
	// to the transient-error predicate.
	RetryIf func(error) bool

	// Breaker settings.
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	SuccessThreshold uint32
}

// DefaultPolicy returns 3 attempts with exponential backoff and a breaker
// that opens after 5 consecutive transient failures.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		RetryIf:           errors.IsTransient,
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		SuccessThreshold:  2,
	}
}

// Coordinator runs named operations under their registered policies. One
// circuit breaker is kept per name, shared across calls.
type Coordinator struct {
	logger        zerolog.Logger
	defaultPolicy Policy
	policies      map[string]Policy
	breakers      map[string]*gobreaker.CircuitBreaker
	mu            sync.RWMutex
	rng           *rand.Rand
	rngMu         sync.Mutex
}

// New creates a coordinator with the default policy.
func New(logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		logger:        logger.With().Str("component", "retry").Logger(),
		defaultPolicy: DefaultPolicy(),
		policies:      make(map[string]Policy),
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RegisterPolicy binds a policy to an operation name. The breaker for that
// name is rebuilt with the policy's thresholds.
func (c *Coordinator) RegisterPolicy(name string, policy Policy) {
	if policy.RetryIf == nil {
		policy.RetryIf = errors.IsTransient
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[name] = policy
	c.breakers[name] = c.newBreaker(name, policy)
}

// Execute runs fn under the policy registered for name, or the default.
func (c *Coordinator) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	c.mu.RLock()
	policy, ok := c.policies[name]
	c.mu.RUnlock()
	if !ok {
		policy = c.defaultPolicy
	}
	return c.ExecuteWithPolicy(ctx, name, policy, fn)
}

// ExecuteWithPolicy runs fn with explicit retry settings. The operation's
// breaker still applies: an open breaker fails fast without consuming
// attempts.
func (c *Coordinator) ExecuteWithPolicy(ctx context.Context, name string, policy Policy, fn func(context.Context) error) error {
	if policy.RetryIf == nil {
		policy.RetryIf = errors.IsTransient
	}
	cb := c.getBreaker(name, policy)

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.New(errors.CodeTimeout, "retry",
				fmt.Sprintf("%s: context done before attempt %d", name, attempt+1), err)
		}

		_, err := cb.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return errors.New(errors.CodeCircuitOpen, "retry",
				fmt.Sprintf("circuit breaker open for %s", name), lastErr)
		}

		lastErr = err
		if !policy.RetryIf(err) {
			return err
		}
		if attempt >= policy.MaxAttempts-1 {
			break
		}

		delay := c.calculateDelay(attempt, policy)
		c.logger.Debug().
			Str("operation", name).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("retrying after transient failure")

		select {
		case <-ctx.Done():
			return errors.New(errors.CodeTimeout, "retry",
				fmt.Sprintf("%s: context done during backoff", name), ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%s: all %d attempts failed: %w", name, policy.MaxAttempts, lastErr)
}

// BreakerState reports the named operation's breaker state for health
// reporting. Unknown names read as closed.
func (c *Coordinator) BreakerState(name string) gobreaker.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cb, ok := c.breakers[name]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (c *Coordinator) getBreaker(name string, policy Policy) *gobreaker.CircuitBreaker {
	c.mu.RLock()
	cb, ok := c.breakers[name]
	c.mu.RUnlock()
	if ok {
		return cb
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok = c.breakers[name]; ok {
		return cb
	}
	cb = c.newBreaker(name, policy)
	c.breakers[name] = cb
	return cb
}

func (c *Coordinator) newBreaker(name string, policy Policy) *gobreaker.CircuitBreaker {
	retryIf := policy.RetryIf
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: policy.SuccessThreshold,
		Timeout:     policy.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= policy.FailureThreshold
		},
		// Non-transient failures (validation, auth) are the caller's
		// problem, not the downstream's; they must not trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !retryIf(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().
				Str("operation", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
}

func (c *Coordinator) calculateDelay(attempt int, policy Policy) time.Duration {
	var delay time.Duration

	switch policy.BackoffMultiplier {
	case 0:
		delay = policy.InitialDelay
	case 1:
		delay = policy.InitialDelay * time.Duration(attempt+1)
	default:
		delay = time.Duration(float64(policy.InitialDelay) * math.Pow(policy.BackoffMultiplier, float64(attempt)))
	}

	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	// 10% jitter keeps synchronized clients from retrying in lockstep.
	if delay > 0 {
		c.rngMu.Lock()
		jitter := time.Duration(c.rng.Int63n(int64(delay/10) + 1))
		c.rngMu.Unlock()
		delay += jitter
	}

	return delay
}
