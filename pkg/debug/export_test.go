package debug

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

func exportSnapshot() *Snapshot {
	clock := domain.NewFakeClock(time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC))
	ended := clock.Now().Add(time.Hour)
	dep := domain.NewPipelineError(clock, "ModuleNotFoundError: No module named 'requests'",
		domain.SeverityHigh, domain.CategoryDependency, domain.StageBuild)
	perm := domain.NewPipelineError(clock, "EACCES: permission denied, access '/var/log/app.log'",
		domain.SeverityLow, domain.CategoryPermission, domain.StageBuild)

	return &Snapshot{
		SessionID:  "sess_0123456789ab",
		PipelineID: "run-42",
		Status:     StatusCompleted,
		StartedAt:  clock.Now(),
		EndedAt:    &ended,
		Errors:     []*domain.PipelineError{dep, perm},
		Analyses: []*domain.AnalysisResult{{
			Error:              dep,
			RootCause:          "a required python package is missing",
			ConfidenceScore:    0.85,
			SuggestedSolutions: []string{"pip install 'requests'"},
			PreventionMeasures: []string{"pin dependencies in requirements.txt"},
			CreatedAt:          clock.Now(),
		}},
		Applied: []*domain.PatchSolution{{
			SolutionID:           "sol_feedfacecafe",
			ErrorID:              dep.ErrorID,
			PatchType:            domain.PatchTypeDependency,
			PatchScript:          "pip install 'requests'",
			IsReversible:         true,
			RollbackScript:       "pip uninstall -y 'requests'",
			EstimatedSuccessRate: 0.9,
			CreatedAt:            clock.Now(),
		}},
		History: []HistoryEntry{
			{Command: CmdAnalyzeError, At: clock.Now()},
			{Command: CmdExit, At: clock.Now()},
		},
	}
}

func TestExportJSON(t *testing.T) {
	snap := exportSnapshot()

	out, err := Export(snap, FormatJSON)
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, snap.SessionID, decoded.SessionID)
	assert.Equal(t, snap.PipelineID, decoded.PipelineID)
	assert.Equal(t, snap.Status, decoded.Status)
	assert.Len(t, decoded.Errors, 2)
	assert.Len(t, decoded.Applied, 1)

	// Stable field order: the same snapshot renders identically.
	again, err := Export(snap, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestExportMarkdown(t *testing.T) {
	snap := exportSnapshot()

	out, err := Export(snap, FormatMarkdown)
	require.NoError(t, err)

	assert.Contains(t, out, "# Debug Session sess_0123456789ab")
	assert.Contains(t, out, "- Pipeline: run-42")
	assert.Contains(t, out, "- Status: completed")
	assert.Contains(t, out, "- Errors: 2")
	assert.Contains(t, out, "- Applied patches: 1")
	assert.Contains(t, out, "## Errors")
	assert.Contains(t, out, "## Analyses")
	assert.Contains(t, out, "a required python package is missing")
	assert.Contains(t, out, "## Applied Patches")
	assert.Contains(t, out, "`sol_feedfacecafe`")
	assert.Contains(t, out, "## Command History")
	assert.Contains(t, out, CmdAnalyzeError)
}

func TestExportText(t *testing.T) {
	snap := exportSnapshot()

	out, err := Export(snap, FormatText)
	require.NoError(t, err)

	assert.Contains(t, out, "debug session sess_0123456789ab")
	assert.Contains(t, out, "pipeline:        run-42")
	assert.Contains(t, out, "errors:          2")
	assert.Contains(t, out, "applied patches: 1")
	assert.Contains(t, out, "sol_feedfacecafe")
}

func TestExportOmitsEmptySections(t *testing.T) {
	snap := &Snapshot{
		SessionID:  "sess_0123456789ab",
		PipelineID: "run-42",
		Status:     StatusActive,
		StartedAt:  time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC),
	}

	out, err := Export(snap, FormatMarkdown)
	require.NoError(t, err)

	assert.Contains(t, out, "- Errors: 0")
	assert.NotContains(t, out, "## Errors")
	assert.NotContains(t, out, "## Analyses")
	assert.NotContains(t, out, "- Ended:")
}

func TestParseFormat(t *testing.T) {
	for _, raw := range []string{"json", "markdown", "text"} {
		format, err := ParseFormat(raw)
		require.NoError(t, err)
		assert.Equal(t, Format(raw), format)
	}

	_, err := ParseFormat("yaml")
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidParameter, errors.CodeOf(err))
}
