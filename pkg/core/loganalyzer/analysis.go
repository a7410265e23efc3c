package loganalyzer

import (
	"context"
	"fmt"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
	"pipeline-copilot/pkg/history"
)

// diagnosis is the analyzer's knowledge about one root-cause family.
type diagnosis struct {
	rootCause   string
	confidence  float64
	solutions   []string
	preventions []string
}

var diagnoses = map[domain.Category]diagnosis{
	domain.CategoryDependency: {
		rootCause:  "A required package or module is missing from the build environment.",
		confidence: 0.85,
		solutions: []string{
			"Install the missing package with the project's package manager",
			"Pin the dependency in the manifest and regenerate the lockfile",
			"Rebuild the dependency cache from a clean state",
		},
		preventions: []string{
			"Commit lockfiles and install from them in CI",
			"Run dependency installation in a clean container image",
		},
	},
	domain.CategoryPermission: {
		rootCause:  "The pipeline user lacks filesystem or API permissions for the operation.",
		confidence: 0.85,
		solutions: []string{
			"Grant the pipeline user access to the failing path",
			"Adjust file modes on the target before the step runs",
			"Run the step under the group that owns the resource",
		},
		preventions: []string{
			"Declare required permissions in the pipeline definition",
			"Keep all writes inside the job workspace",
		},
	},
	domain.CategoryConfiguration: {
		rootCause:  "A configuration value is missing, malformed, or inconsistent across environments.",
		confidence: 0.8,
		solutions: []string{
			"Set the missing environment variable or config key",
			"Validate the configuration file syntax",
			"Diff the environment against a known-good deployment",
		},
		preventions: []string{
			"Validate configuration at pipeline start, before any build step",
			"Manage environment parity through the same templates",
		},
	},
	domain.CategoryNetwork: {
		rootCause:  "A remote endpoint was unreachable or the connection was refused or reset.",
		confidence: 0.8,
		solutions: []string{
			"Verify the host, port, and DNS resolution from the runner",
			"Check proxy and firewall settings for the runner network",
			"Retry once connectivity to the endpoint is restored",
		},
		preventions: []string{
			"Add bounded retries with backoff to network calls",
			"Health-check external dependencies before dependent steps",
		},
	},
	domain.CategoryResource: {
		rootCause:  "The job exhausted a memory, disk, or CPU limit.",
		confidence: 0.8,
		solutions: []string{
			"Raise the job's memory or disk limit",
			"Clean workspace artifacts and caches before the step",
			"Split the job into smaller parallel steps",
		},
		preventions: []string{
			"Track peak resource usage per job over time",
			"Prune caches on a schedule instead of letting them grow",
		},
	},
	domain.CategoryBuild: {
		rootCause:  "Compilation or packaging of the project failed.",
		confidence: 0.75,
		solutions: []string{
			"Fix the first compiler error; later errors often cascade from it",
			"Align toolchain versions between CI and the committed config",
			"Clear stale build artifacts and rebuild",
		},
		preventions: []string{
			"Pin toolchain versions in the repository",
			"Build in a clean container so local state cannot leak in",
		},
	},
	domain.CategoryTest: {
		rootCause:  "One or more tests failed or timed out.",
		confidence: 0.75,
		solutions: []string{
			"Re-run the failing test in isolation to rule out ordering effects",
			"Raise the timeout if the test is legitimately slow",
			"Inspect recent changes to the code under test",
		},
		preventions: []string{
			"Quarantine known-flaky tests until fixed",
			"Keep tests hermetic; no shared external state",
		},
	},
	domain.CategoryDeployment: {
		rootCause:  "The deployment step failed to roll out the new version.",
		confidence: 0.75,
		solutions: []string{
			"Inspect the rollout status and recent events on the target",
			"Verify the released image or artifact tag exists in the registry",
			"Roll back to the last known-good release",
		},
		preventions: []string{
			"Gate rollouts on readiness probes",
			"Deploy to a canary slice before the full fleet",
		},
	},
	domain.CategorySecurity: {
		rootCause:  "A security scan or policy gate rejected the artifact.",
		confidence: 0.8,
		solutions: []string{
			"Upgrade the vulnerable dependency to a patched release",
			"Apply the vendor-provided fix or mitigation",
			"Record an accepted-risk exception with an expiry if no fix exists",
		},
		preventions: []string{
			"Scan dependencies on every build, not only on release",
			"Auto-update patch-level dependency versions",
		},
	},
	domain.CategoryUnknown: {
		rootCause:  "The failure did not match any known error pattern.",
		confidence: 0.4,
		solutions: []string{
			"Inspect the full log around the reported message",
			"Re-run the pipeline with verbose logging enabled",
		},
		preventions: []string{
			"Add a detection pattern for this failure once it is root-caused",
		},
	},
}

// GetErrorAnalysis produces a diagnosis for an already analyzed error:
// root cause, suggested fixes, and prevention measures for its category,
// enriched with recurrence data from the historical store when available.
func (a *Analyzer) GetErrorAnalysis(ctx context.Context, errorID string) (*domain.AnalysisResult, error) {
	if errorID == "" {
		return nil, errors.New(errors.CodeMissingParameter, "loganalyzer", "error_id is required", nil)
	}
	rec, ok := a.Lookup(errorID)
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "loganalyzer",
			fmt.Sprintf("error %q has not been analyzed", errorID), nil)
	}

	diag, ok := diagnoses[rec.Category]
	if !ok {
		diag = diagnoses[domain.CategoryUnknown]
	}
	result := &domain.AnalysisResult{
		Error:              rec.Clone(),
		RootCause:          diag.rootCause,
		ConfidenceScore:    diag.confidence,
		SuggestedSolutions: append([]string(nil), diag.solutions...),
		PreventionMeasures: append([]string(nil), diag.preventions...),
		CreatedAt:          a.clock.Now(),
	}
	a.enrichFromHistory(ctx, rec, result)
	return result, nil
}

// enrichFromHistory raises confidence and appends a recurrence note when
// similar failures were indexed before. Store failures leave the base
// diagnosis untouched.
func (a *Analyzer) enrichFromHistory(ctx context.Context, rec *domain.PipelineError, result *domain.AnalysisResult) {
	if a.store == nil {
		return
	}
	entries, err := a.store.Search(ctx, history.Query{
		Category: rec.Category,
		Limit:    history.DefaultSearchLimit,
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("error_id", rec.ErrorID).
			Msg("history lookup failed, returning unenriched analysis")
		return
	}

	recurrences := 0
	for _, entry := range entries {
		if entry.Error == nil || entry.Error.ErrorID == rec.ErrorID {
			continue
		}
		if similarity(entry.Error.Message, rec.Message) >= a.cfg.SimilarityThreshold {
			recurrences++
		}
	}
	if recurrences == 0 {
		return
	}
	result.SuggestedSolutions = append(result.SuggestedSolutions,
		fmt.Sprintf("This failure matches %d earlier occurrence(s); review how previous runs were fixed", recurrences))
	result.ConfidenceScore += 0.1
	if result.ConfidenceScore > 0.95 {
		result.ConfidenceScore = 0.95
	}
}
