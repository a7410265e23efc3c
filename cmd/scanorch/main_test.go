package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/scan"
)

func TestSeverityAllowances(t *testing.T) {
	out := severityAllowances(map[string]int{
		"critical": 0,
		"high":     2,
		"low":      -1,
		"bogus":    7,
	})

	assert.Equal(t, map[domain.Severity]int{
		domain.SeverityCritical: 0,
		domain.SeverityHigh:     2,
		domain.SeverityLow:      -1,
	}, out)
}

func TestScanHandlerRejectsBadJSON(t *testing.T) {
	orch := scan.NewOrchestrator(scan.Options{Logger: zerolog.Nop()})
	handler := scanHandler(orch, domain.SystemClock(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/internal/scans", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var envelope domain.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "INVALID_PARAMETER", envelope.ErrorCode)
	assert.NotEmpty(t, envelope.TraceID)
}

func TestScanHandlerRunsTrivialRequest(t *testing.T) {
	orch := scan.NewOrchestrator(scan.Options{Logger: zerolog.Nop()})
	handler := scanHandler(orch, domain.SystemClock(), zerolog.Nop())

	body := `{"repo_url":"https://example.com/acme/shop.git","commit_sha":"abc123","scan_types":[]}`
	req := httptest.NewRequest(http.MethodPost, "/internal/scans", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var outcome scan.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.True(t, outcome.Passed, "a run with no scan types has nothing to block on")
	assert.NotNil(t, outcome.Report)
}
