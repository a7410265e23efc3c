package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// MetricsCollector exposes per-service request aggregates on a private
// Prometheus registry.
type MetricsCollector struct {
	logger   zerolog.Logger
	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	requestsFailed *prometheus.CounterVec
	responseTime   *prometheus.HistogramVec

	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	rateLimitHits *prometheus.CounterVec
	breakerTrips  *prometheus.CounterVec
}

// NewMetricsCollector builds and registers the gateway metric set. An empty
// namespace selects "gateway".
func NewMetricsCollector(logger zerolog.Logger, namespace string) *MetricsCollector {
	if namespace == "" {
		namespace = "gateway"
	}

	mc := &MetricsCollector{
		logger:   logger.With().Str("component", "gateway_metrics").Logger(),
		registry: prometheus.NewRegistry(),
	}

	mc.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests by service, method, and status",
		},
		[]string{"service", "method", "status"},
	)
	mc.requestsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_failed_total",
			Help:      "Total number of requests answered with a server error per service",
		},
		[]string{"service"},
	)
	mc.responseTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_time_ms",
			Help:      "Gateway-observed response time in milliseconds per service",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"service"},
	)
	mc.cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Responses served from the gateway cache per service",
		},
		[]string{"service"},
	)
	mc.cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cacheable requests that reached the downstream service",
		},
		[]string{"service"},
	)
	mc.rateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by a rate limit per service",
		},
		[]string{"service"},
	)
	mc.breakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Circuit breaker open transitions per service",
		},
		[]string{"service"},
	)

	for _, metric := range []prometheus.Collector{
		mc.requestsTotal,
		mc.requestsFailed,
		mc.responseTime,
		mc.cacheHits,
		mc.cacheMisses,
		mc.rateLimitHits,
		mc.breakerTrips,
	} {
		mc.registry.MustRegister(metric)
	}

	mc.logger.Info().Str("namespace", namespace).Msg("gateway metrics collector initialized")
	return mc
}

// Registry returns the private Prometheus registry.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// Handler returns the HTTP handler serving this collector's metrics.
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordRequest records one finished request. Statuses of 500 and above also
// count as failures.
func (mc *MetricsCollector) RecordRequest(service, method string, status int, duration time.Duration) {
	mc.requestsTotal.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
	mc.responseTime.WithLabelValues(service).Observe(float64(duration.Milliseconds()))
	if status >= http.StatusInternalServerError {
		mc.requestsFailed.WithLabelValues(service).Inc()
	}
}

// RecordCacheHit counts a response served from cache.
func (mc *MetricsCollector) RecordCacheHit(service string) {
	mc.cacheHits.WithLabelValues(service).Inc()
}

// RecordCacheMiss counts a cacheable request that went downstream.
func (mc *MetricsCollector) RecordCacheMiss(service string) {
	mc.cacheMisses.WithLabelValues(service).Inc()
}

// RecordRateLimitHit counts a request rejected by a rate limit.
func (mc *MetricsCollector) RecordRateLimitHit(service string) {
	mc.rateLimitHits.WithLabelValues(service).Inc()
}

// RecordBreakerTrip counts a circuit breaker opening.
func (mc *MetricsCollector) RecordBreakerTrip(service string) {
	mc.breakerTrips.WithLabelValues(service).Inc()
}
