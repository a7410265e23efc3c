package gateway

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"pipeline-copilot/pkg/config"
	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
	"pipeline-copilot/pkg/health"
)

// RequestContext carries one proxied request's identity and resolved policy
// through the pipeline and down to the backend.
type RequestContext struct {
	RequestID string
	Service   string
	Endpoint  string
	Route     config.RouteDescriptor
	User      *UserInfo

	RouteMatched bool
	CacheHit     bool
}

// handleProxy runs the per-request pipeline: authentication, authorization,
// rate limit, circuit breaker, cache lookup, forward, cache store. A step
// that writes a terminal response skips the rest; metrics are recorded for
// every outcome, and the breaker update runs after them.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	rc := &RequestContext{
		RequestID: domain.NewRequestID(),
		Service:   chi.URLParam(r, "service"),
		Endpoint:  "/" + chi.URLParam(r, "*"),
	}
	w.Header().Set("X-Request-ID", rc.RequestID)

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	breakerUpdate := g.process(sw, r, rc)

	// Unmatched routes share one metric label so arbitrary paths cannot
	// inflate the series space.
	service := rc.Service
	if !rc.RouteMatched {
		service = "unknown"
	}
	g.metrics.RecordRequest(service, r.Method, sw.status, time.Since(start))

	if breakerUpdate != nil {
		breakerUpdate()
	}
}

// process applies the pipeline to one request and returns the pending
// circuit-breaker update, if any.
func (g *Gateway) process(w *statusWriter, r *http.Request, rc *RequestContext) func() {
	ctx := r.Context()

	route, err := g.routes.Lookup(r.Method, rc.Service, rc.Endpoint)
	if err != nil {
		g.writeError(w, http.StatusNotFound, err)
		return nil
	}
	rc.Route = route
	rc.RouteMatched = true

	user, err := g.auth.Authenticate(r, rc.Service)
	if err != nil {
		g.writeError(w, http.StatusUnauthorized, err)
		return nil
	}
	rc.User = user

	if err := Authorize(user, route); err != nil {
		status := http.StatusForbidden
		if errors.HasCode(err, errors.CodeUnauthenticated) {
			status = http.StatusUnauthorized
		}
		g.writeError(w, status, err)
		return nil
	}

	if group, ok := g.policy.RateLimitGroups[route.RateLimitGroup]; ok && route.RateLimitGroup != "" {
		decision := g.limiter.Allow(ctx, RateKey(route.RateLimitGroup, route, user), group)
		if !decision.Allowed {
			g.metrics.RecordRateLimitHit(rc.Service)
			w.Header().Set("Retry-After", retryAfterSeconds(decision.RetryAfter))
			g.writeError(w, http.StatusTooManyRequests,
				errors.New(errors.CodeRateLimited, "gateway", "rate limit exceeded", nil))
			return nil
		}
	}

	breakerGroup, breakerActive := g.policy.CircuitBreakerGroups[route.CircuitBreakerGroup]
	breakerActive = breakerActive && route.CircuitBreakerGroup != ""
	if breakerActive {
		decision := g.breaker.Allow(ctx, rc.Service, breakerGroup)
		if !decision.Allowed {
			w.Header().Set("Retry-After", retryAfterSeconds(decision.RetryAfter))
			g.writeError(w, http.StatusServiceUnavailable,
				errors.New(errors.CodeCircuitOpen, "gateway",
					fmt.Sprintf("service %q is recovering", rc.Service), nil))
			return nil
		}
	}

	cacheable := route.CacheEnabled && r.Method == http.MethodGet
	var cacheKey string
	if cacheable {
		cacheKey = CacheKey(rc.Service, rc.Endpoint, r.Method, r.URL.Query())
		if cached, ok := g.cache.Get(ctx, cacheKey); ok {
			rc.CacheHit = true
			g.metrics.RecordCacheHit(rc.Service)
			g.replay(w, cached)
			return nil
		}
		g.metrics.RecordCacheMiss(rc.Service)
	}

	entry, status, err := g.registry.Resolve(rc.Service)
	if err != nil {
		g.writeError(w, http.StatusNotFound, err)
		return nil
	}
	if status == health.StatusUnhealthy {
		g.writeError(w, http.StatusServiceUnavailable,
			errors.New(errors.CodeUnavailable, "gateway",
				fmt.Sprintf("service %q is unhealthy", rc.Service), nil))
		return nil
	}

	resp, err := g.forwarder.Forward(ctx, rc, entry, r)
	if err != nil {
		// A vanished client is not a downstream failure.
		var update func()
		if breakerActive && ctx.Err() != context.Canceled {
			update = g.breakerFailure(ctx, rc.Service, breakerGroup)
		}
		httpStatus := http.StatusServiceUnavailable
		if errors.HasCode(err, errors.CodeTimeout) {
			httpStatus = http.StatusGatewayTimeout
		}
		g.writeError(w, httpStatus, err)
		return update
	}

	if cacheable && resp.StatusCode < http.StatusBadRequest {
		ttl := time.Duration(rc.Route.CacheTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = g.cacheTTL
		}
		g.cache.Put(ctx, cacheKey, CachedResponse{
			StatusCode:  resp.StatusCode,
			ContentType: resp.ContentType(),
			Body:        resp.Body,
			CachedAt:    g.clock.Now().UTC(),
		}, ttl)
	}

	copyHeader(w.Header(), resp.Header)
	w.Header().Set("X-Request-ID", rc.RequestID)
	if cacheable {
		w.Header().Set("X-Cache", "MISS")
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)

	if !breakerActive {
		return nil
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return g.breakerFailure(ctx, rc.Service, breakerGroup)
	}
	return func() { g.breaker.RecordSuccess(ctx, rc.Service, breakerGroup) }
}

func (g *Gateway) breakerFailure(ctx context.Context, service string, group config.CircuitBreakerGroup) func() {
	return func() {
		if g.breaker.RecordFailure(ctx, service, group) {
			g.metrics.RecordBreakerTrip(service)
		}
	}
}

// replay writes a cached response.
func (g *Gateway) replay(w http.ResponseWriter, cached *CachedResponse) {
	if cached.ContentType != "" {
		w.Header().Set("Content-Type", cached.ContentType)
	}
	w.Header().Set("X-Cache", "HIT")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

// retryAfterSeconds renders a duration as whole seconds, rounded up so a
// client that waits the stated time lands past the boundary.
func retryAfterSeconds(d time.Duration) string {
	s := int(math.Ceil(d.Seconds()))
	if s < 0 {
		s = 0
	}
	return strconv.Itoa(s)
}
