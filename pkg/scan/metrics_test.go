package scan

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-copilot/pkg/domain"
)

func gatherFamilies(t *testing.T, mc *MetricsCollector) map[string]int {
	t.Helper()
	families, err := mc.Registry().Gather()
	require.NoError(t, err)
	out := make(map[string]int, len(families))
	for _, family := range families {
		out[family.GetName()] = len(family.GetMetric())
	}
	return out
}

func TestMetricsCollectorRecordsScanLifecycle(t *testing.T) {
	mc := NewMetricsCollector(zerolog.Nop(), "")

	mc.RecordScan("trivy", TypeContainer, "success", 42*time.Second)
	mc.RecordScan("snyk", TypeProject, "failure", 3*time.Second)
	mc.RecordScanError("snyk", "SCAN_FAILED")
	mc.RecordLastScanTime("trivy", time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC))
	mc.RecordCVSS("trivy", 9.8)
	mc.RecordReport("https://github.com/acme/shop@abc1234", map[domain.Severity]int{
		domain.SeverityCritical: 1,
		domain.SeverityMedium:   2,
	})
	mc.RecordGate("development", false, []domain.Severity{domain.SeverityCritical})

	families := gatherFamilies(t, mc)
	assert.Equal(t, 2, families["scan_orchestrator_scans_total"])
	assert.Equal(t, 2, families["scan_orchestrator_scan_duration_seconds"])
	assert.Equal(t, 1, families["scan_orchestrator_scan_errors_total"])
	assert.Equal(t, 1, families["scan_orchestrator_last_scan_timestamp"])
	assert.Equal(t, 1, families["scan_orchestrator_cvss_scores"])
	assert.Equal(t, 1, families["scan_orchestrator_vulnerabilities_total"])
	assert.Equal(t, 2, families["scan_orchestrator_vulnerabilities_by_severity"])
	assert.Equal(t, 1, families["scan_orchestrator_gate_results_total"])
	assert.Equal(t, 1, families["scan_orchestrator_gate_exceeded_total"])
}

func TestMetricsCollectorGateOutcomes(t *testing.T) {
	mc := NewMetricsCollector(zerolog.Nop(), "")

	mc.RecordGate("production", true, nil)
	mc.RecordGate("production", false, []domain.Severity{domain.SeverityCritical, domain.SeverityHigh})

	families := gatherFamilies(t, mc)
	assert.Equal(t, 2, families["scan_orchestrator_gate_results_total"], "passed and failed are separate series")
	assert.Equal(t, 2, families["scan_orchestrator_gate_exceeded_total"])
}

func TestMetricsCollectorCustomNamespace(t *testing.T) {
	mc := NewMetricsCollector(zerolog.Nop(), "pipeline")
	mc.RecordScan("zap", TypeWebApp, "success", time.Second)

	families := gatherFamilies(t, mc)
	assert.Contains(t, families, "pipeline_scans_total")
	assert.NotContains(t, families, "scan_orchestrator_scans_total")
}

func TestMetricsHandler(t *testing.T) {
	mc := NewMetricsCollector(zerolog.Nop(), "")
	mc.RecordScan("trivy", TypeContainer, "success", time.Second)

	rec := httptest.NewRecorder()
	mc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scan_orchestrator_scans_total")
}
