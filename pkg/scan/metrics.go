package scan

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/domain"
)

// MetricsCollector exposes the orchestrator's scan counts, durations,
// vulnerability gauges, and gate results on a private Prometheus registry.
type MetricsCollector struct {
	logger   zerolog.Logger
	registry *prometheus.Registry

	scansTotal   *prometheus.CounterVec
	scanDuration *prometheus.HistogramVec
	scanErrors   *prometheus.CounterVec
	lastScanTime *prometheus.GaugeVec

	vulnerabilitiesTotal      *prometheus.GaugeVec
	vulnerabilitiesBySeverity *prometheus.GaugeVec
	cvssScores                *prometheus.HistogramVec

	gateResults  *prometheus.CounterVec
	gateExceeded *prometheus.CounterVec
}

// NewMetricsCollector builds and registers the scan metric set. An empty
// namespace selects "scan_orchestrator".
func NewMetricsCollector(logger zerolog.Logger, namespace string) *MetricsCollector {
	if namespace == "" {
		namespace = "scan_orchestrator"
	}

	mc := &MetricsCollector{
		logger:   logger.With().Str("component", "scan_metrics").Logger(),
		registry: prometheus.NewRegistry(),
	}

	mc.initScanMetrics(namespace)
	mc.initVulnerabilityMetrics(namespace)
	mc.initGateMetrics(namespace)
	mc.registerMetrics()

	mc.logger.Info().Str("namespace", namespace).Msg("scan metrics collector initialized")
	return mc
}

func (mc *MetricsCollector) initScanMetrics(namespace string) {
	mc.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Total number of scanner invocations by outcome",
		},
		[]string{"scanner", "status"},
	)

	mc.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of individual scanner invocations in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"scanner", "scan_type"},
	)

	mc.scanErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_errors_total",
			Help:      "Total number of failed scanner invocations by error type",
		},
		[]string{"scanner", "error_type"},
	)

	mc.lastScanTime = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_scan_timestamp",
			Help:      "Timestamp of each scanner's last successful invocation",
		},
		[]string{"scanner"},
	)
}

func (mc *MetricsCollector) initVulnerabilityMetrics(namespace string) {
	mc.vulnerabilitiesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vulnerabilities_total",
			Help:      "Consolidated vulnerability count from the latest run per target",
		},
		[]string{"target"},
	)

	mc.vulnerabilitiesBySeverity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vulnerabilities_by_severity",
			Help:      "Consolidated vulnerability count by severity from the latest run per target",
		},
		[]string{"target", "severity"},
	)

	mc.cvssScores = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cvss_scores",
			Help:      "Distribution of CVSS scores across findings",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		},
		[]string{"scanner"},
	)
}

func (mc *MetricsCollector) initGateMetrics(namespace string) {
	mc.gateResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_results_total",
			Help:      "Threshold gate outcomes per environment",
		},
		[]string{"environment", "result"},
	)

	mc.gateExceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_exceeded_total",
			Help:      "Severity levels whose allowance was exceeded, per environment",
		},
		[]string{"environment", "severity"},
	)
}

func (mc *MetricsCollector) registerMetrics() {
	metrics := []prometheus.Collector{
		mc.scansTotal,
		mc.scanDuration,
		mc.scanErrors,
		mc.lastScanTime,
		mc.vulnerabilitiesTotal,
		mc.vulnerabilitiesBySeverity,
		mc.cvssScores,
		mc.gateResults,
		mc.gateExceeded,
	}
	for _, metric := range metrics {
		mc.registry.MustRegister(metric)
	}
}

// Registry returns the private Prometheus registry.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// Handler returns the HTTP handler serving this collector's metrics.
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordScan records one scanner invocation's outcome and duration.
func (mc *MetricsCollector) RecordScan(scanner string, scanType Type, status string, duration time.Duration) {
	mc.scansTotal.WithLabelValues(scanner, status).Inc()
	mc.scanDuration.WithLabelValues(scanner, string(scanType)).Observe(duration.Seconds())
}

// RecordScanError records one failed scanner invocation by error type.
func (mc *MetricsCollector) RecordScanError(scanner, errorType string) {
	mc.scanErrors.WithLabelValues(scanner, errorType).Inc()
}

// RecordLastScanTime records a scanner's most recent success.
func (mc *MetricsCollector) RecordLastScanTime(scanner string, timestamp time.Time) {
	mc.lastScanTime.WithLabelValues(scanner).Set(float64(timestamp.Unix()))
}

// RecordReport sets the consolidated vulnerability gauges for a target.
func (mc *MetricsCollector) RecordReport(target string, summary map[domain.Severity]int) {
	total := 0
	for sev, count := range summary {
		total += count
		mc.vulnerabilitiesBySeverity.WithLabelValues(target, string(sev)).Set(float64(count))
	}
	mc.vulnerabilitiesTotal.WithLabelValues(target).Set(float64(total))
}

// RecordCVSS records one finding's CVSS score.
func (mc *MetricsCollector) RecordCVSS(scanner string, score float64) {
	mc.cvssScores.WithLabelValues(scanner).Observe(score)
}

// RecordGate records a threshold gate outcome and any exceeded severities.
func (mc *MetricsCollector) RecordGate(environment string, passed bool, exceeded []domain.Severity) {
	result := "passed"
	if !passed {
		result = "failed"
	}
	mc.gateResults.WithLabelValues(environment, result).Inc()
	for _, sev := range exceeded {
		mc.gateExceeded.WithLabelValues(environment, string(sev)).Inc()
	}
}
