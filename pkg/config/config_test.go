package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.InDelta(t, 0.6, cfg.MLConfidenceThreshold, 1e-9)
	assert.InDelta(t, 0.8, cfg.SimilarityThreshold, 1e-9)
	assert.True(t, cfg.AutoPatchEnabled)
	assert.True(t, cfg.PatchApprovalRequired)
	assert.Equal(t, 3, cfg.MaxAutoPatchesPerRun)
	assert.Equal(t, 300*time.Second, cfg.PatchTimeout)
	assert.Equal(t, 300*time.Second, cfg.CacheTTLDefault)
	assert.Equal(t, 3, cfg.LLM.Retries)
	assert.Equal(t, "development", cfg.Environment)

	require.NoError(t, cfg.Validate())
}

func TestLoadAppliesEnvironment(t *testing.T) {
	t.Setenv("PC_ML_CONFIDENCE_THRESHOLD", "0.75")
	t.Setenv("PC_MAX_AUTO_PATCHES_PER_RUN", "5")
	t.Setenv("PC_AUTO_PATCH_ENABLED", "false")
	t.Setenv("PC_SESSION_TTL", "2h")
	t.Setenv("PC_HISTORY_ADDRESSES", "http://a:9200, http://b:9200")
	t.Setenv("PC_LLM_TEMPERATURE", "0.9")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.InDelta(t, 0.75, cfg.MLConfidenceThreshold, 1e-9)
	assert.Equal(t, 5, cfg.MaxAutoPatchesPerRun)
	assert.False(t, cfg.AutoPatchEnabled)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
	assert.Equal(t, []string{"http://a:9200", "http://b:9200"}, cfg.HistoryAddresses)
	assert.InDelta(t, 0.9, float64(cfg.LLM.Temperature), 1e-6)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("PC_ENVIRONMENT=staging\nPC_LOG_LEVEL=debug\n"), 0o644))

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.MLConfidenceThreshold = 1.5 }},
		{"negative similarity", func(c *Config) { c.SimilarityThreshold = -0.1 }},
		{"zero patch timeout", func(c *Config) { c.PatchTimeout = 0 }},
		{"unknown environment", func(c *Config) { c.Environment = "qa" }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"negative retries", func(c *Config) { c.LLM.Retries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDefaultPolicyTables(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	dev := p.ThresholdsFor("development")
	assert.Equal(t, 0, dev["critical"])
	assert.Equal(t, 5, dev["high"])
	assert.Equal(t, 10, dev["medium"])
	assert.Equal(t, -1, dev["low"])

	// Unknown environments fall back to the strictest table.
	assert.Equal(t, p.VulnerabilityThresholds["production"], p.ThresholdsFor("qa"))

	assert.Equal(t, 60*time.Second, p.RateLimitGroups["default"].Window())
	assert.Equal(t, 30*time.Second, p.CircuitBreakerGroups["default"].RecoveryTimeout())
}

func TestLoadPolicyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := `
rate_limit_groups:
  default:
    requests: 2
    window_seconds: 60
routes:
  - service: debugger
    endpoint: /api/errors
    method: GET
    backend_path: /errors
    rate_limit_group: default
    cache_enabled: true
    cache_ttl_seconds: 120
    auth_required: true
    circuit_breaker_group: default
    timeout_seconds: 10
services:
  - name: debugger
    base_url: http://localhost:8081
    health_endpoint: /healthz
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	p, err := LoadPolicyFile(path)
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	assert.Equal(t, 2, p.RateLimitGroups["default"].Requests)
	require.Len(t, p.Routes, 1)
	assert.True(t, p.Routes[0].CacheEnabled)
	assert.Equal(t, 120, p.Routes[0].CacheTTLSeconds)
	// Tables absent from the file keep their defaults.
	assert.NotEmpty(t, p.VulnerabilityThresholds)
	assert.Contains(t, p.CircuitBreakerGroups, "default")
}

func TestPolicyValidateCrossReferences(t *testing.T) {
	p := DefaultPolicy()
	p.Routes = []RouteDescriptor{{
		Service:        "debugger",
		Endpoint:       "/api/errors",
		Method:         "GET",
		BackendPath:    "/errors",
		RateLimitGroup: "missing-group",
	}}
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown rate_limit_group")
}
