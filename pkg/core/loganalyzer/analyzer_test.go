package loganalyzer

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-copilot/pkg/ai"
	"pipeline-copilot/pkg/core/ml"
	"pipeline-copilot/pkg/core/patterns"
	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
	"pipeline-copilot/pkg/history"
)

func testAnalyzer(t *testing.T, opts Options) (*Analyzer, *domain.FakeClock) {
	t.Helper()
	clock := domain.NewFakeClock(time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC))
	if opts.Clock == nil {
		opts.Clock = clock
	} else if fc, ok := opts.Clock.(*domain.FakeClock); ok {
		clock = fc
	}
	opts.Logger = zerolog.Nop()
	if opts.Config == (Config{}) {
		opts.Config = DefaultConfig()
	}
	return New(opts), clock
}

func TestAnalyzeLogRulePass(t *testing.T) {
	log := strings.Join([]string{
		"Step 5/8 : RUN pip install -r requirements.txt",
		"Collecting flask==3.0.0",
		"Traceback (most recent call last):",
		"ModuleNotFoundError: No module named 'requests'",
	}, "\n")
	a, clock := testAnalyzer(t, Options{})

	result, err := a.AnalyzeLog(context.Background(), "run-42", log)

	require.NoError(t, err)
	assert.Equal(t, "run-42", result.PipelineID)
	assert.False(t, result.Meta.Degraded)
	assert.Equal(t, clock.Now(), result.AnalyzedAt)

	require.Len(t, result.Errors, 1)
	e := result.Errors[0]
	assert.Equal(t, "ModuleNotFoundError: No module named 'requests'", e.Message)
	assert.Equal(t, domain.CategoryDependency, e.Category)
	assert.Equal(t, domain.SeverityHigh, e.Severity)
	assert.Equal(t, domain.StageBuild, e.Stage)
	assert.NotEmpty(t, e.ErrorID)
	assert.Equal(t, clock.Now(), e.Timestamp)

	line, ok := e.Context.GetInt("line_number")
	require.True(t, ok)
	assert.Equal(t, int64(4), line)
	window, ok := e.Context.GetString("surrounding_context")
	require.True(t, ok)
	assert.Contains(t, window, "Traceback")
}

func TestAnalyzeLogEmptyLog(t *testing.T) {
	a, _ := testAnalyzer(t, Options{})

	for _, log := range []string{"", "   \n\t\n"} {
		result, err := a.AnalyzeLog(context.Background(), "run-1", log)
		require.NoError(t, err)
		assert.NotNil(t, result.Errors)
		assert.Empty(t, result.Errors)
		assert.False(t, result.Meta.Degraded)
	}
}

func TestAnalyzeLogCleanLog(t *testing.T) {
	a, _ := testAnalyzer(t, Options{})

	result, err := a.AnalyzeLog(context.Background(), "run-2",
		"Step 1/3 : FROM alpine\nStep 2/3 : COPY . .\nSuccessfully tagged app:latest")

	require.NoError(t, err)
	assert.NotNil(t, result.Errors)
	assert.Empty(t, result.Errors)
	assert.False(t, result.Meta.Degraded)
}

func TestAnalyzeLogMissingPipelineID(t *testing.T) {
	a, _ := testAnalyzer(t, Options{})

	_, err := a.AnalyzeLog(context.Background(), "", "boom")

	require.Error(t, err)
	assert.Equal(t, errors.CodeMissingParameter, errors.CodeOf(err))
}

func TestAnalyzeLogLLMPass(t *testing.T) {
	lines := make([]string, 12)
	lines[0] = "ModuleNotFoundError: No module named 'requests'"
	for i := 1; i < len(lines); i++ {
		lines[i] = fmt.Sprintf("downloading artifact chunk %d", i)
	}
	lines[9] = "custom migration step exited abnormally"
	log := strings.Join(lines, "\n")

	llm := ai.NewScriptedClient().Respond("error: custom migration step exited abnormally")
	a, _ := testAnalyzer(t, Options{LLM: llm})

	result, err := a.AnalyzeLog(context.Background(), "run-3", log)

	require.NoError(t, err)
	assert.False(t, result.Meta.Degraded)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, domain.CategoryDependency, result.Errors[0].Category)

	fromLLM := result.Errors[1]
	assert.Equal(t, "error: custom migration step exited abnormally", fromLLM.Message)
	assert.Equal(t, domain.CategoryUnknown, fromLLM.Category)
	assert.Equal(t, domain.SeverityHigh, fromLLM.Severity)

	// The model only sees the uncovered tail of the log.
	reqs := llm.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0], 2)
	excerpt := reqs[0][1].Content
	assert.Contains(t, excerpt, "downloading artifact chunk 6")
	assert.NotContains(t, excerpt, "chunk 5")
	assert.NotContains(t, excerpt, "ModuleNotFoundError")
}

func TestAnalyzeLogLLMFailureDegrades(t *testing.T) {
	llm := ai.NewScriptedClient().Fail(fmt.Errorf("model overloaded"))
	a, _ := testAnalyzer(t, Options{LLM: llm})

	result, err := a.AnalyzeLog(context.Background(), "run-4",
		"everything looks unusual today\nbut nothing matches the rules")

	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.True(t, result.Meta.Degraded)
	require.Len(t, result.Meta.Failures, 1)
	assert.True(t, strings.HasPrefix(result.Meta.Failures[0], "llm: "), result.Meta.Failures[0])
}

func TestAnalyzeLogWithoutLLMClient(t *testing.T) {
	a, _ := testAnalyzer(t, Options{})

	result, err := a.AnalyzeLog(context.Background(), "run-5", "no rules will match this line")

	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.False(t, result.Meta.Degraded)
}

func TestAnalyzeLogDedupFoldsRepeats(t *testing.T) {
	log := strings.Join([]string{
		"Connection refused",
		"retrying in 1s",
		"Connection refused",
	}, "\n")
	a, _ := testAnalyzer(t, Options{})

	result, err := a.AnalyzeLog(context.Background(), "run-6", log)

	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, domain.CategoryNetwork, result.Errors[0].Category)
}

func trainingRecords(clock domain.Clock, n int) []*domain.PipelineError {
	recs := make([]*domain.PipelineError, 0, 2*n)
	for i := 0; i < n; i++ {
		recs = append(recs,
			domain.NewPipelineError(clock, fmt.Sprintf("ModuleNotFoundError: No module named 'pkg%d'", i),
				domain.SeverityHigh, domain.CategoryDependency, domain.StageBuild),
			domain.NewPipelineError(clock, fmt.Sprintf("Connection refused while dialing host db-%d:5432", i),
				domain.SeverityCritical, domain.CategoryNetwork, domain.StageDeploy),
		)
	}
	return recs
}

func TestAnalyzeLogMLRefinement(t *testing.T) {
	clock := domain.NewFakeClock(time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC))
	clf := ml.New("", clock, zerolog.Nop())
	_, err := clf.Train(context.Background(), trainingRecords(clock, 20),
		domain.TargetCategory, ml.FamilyTreeEnsemble, ml.TrainOptions{})
	require.NoError(t, err)

	// A deliberately mislabeling rule: the trained model should win.
	registry := patterns.NewRegistry([]patterns.Spec{{
		Name:     "mislabeled_module",
		Category: domain.CategoryNetwork,
		Expr:     `ModuleNotFoundError: No module named '[^']+'`,
	}})
	log := "ModuleNotFoundError: No module named 'requests'"

	t.Run("confident model overrides rule category", func(t *testing.T) {
		a, _ := testAnalyzer(t, Options{Registry: registry, Classifier: clf, Clock: clock})

		result, err := a.AnalyzeLog(context.Background(), "run-7", log)

		require.NoError(t, err)
		assert.False(t, result.Meta.Degraded)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, domain.CategoryDependency, result.Errors[0].Category)
		// Severity and stage stay rule-derived.
		assert.Equal(t, domain.SeverityHigh, result.Errors[0].Severity)
		assert.Equal(t, domain.StageBuild, result.Errors[0].Stage)
	})

	t.Run("below threshold keeps rule category", func(t *testing.T) {
		a, _ := testAnalyzer(t, Options{
			Registry:   registry,
			Classifier: clf,
			Clock:      clock,
			Config: Config{
				ConfidenceThreshold: 1.01,
				SimilarityThreshold: 0.8,
				Family:              ml.FamilyTreeEnsemble,
			},
		})

		result, err := a.AnalyzeLog(context.Background(), "run-8", log)

		require.NoError(t, err)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, domain.CategoryNetwork, result.Errors[0].Category)
	})
}

func TestAnalyzeLogMLNotTrainedDegrades(t *testing.T) {
	clock := domain.NewFakeClock(time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC))
	clf := ml.New("", clock, zerolog.Nop())
	a, _ := testAnalyzer(t, Options{Classifier: clf, Clock: clock})

	log := "ModuleNotFoundError: No module named 'requests'\n" +
		"EACCES: permission denied, access '/var/log/app.log'"
	result, err := a.AnalyzeLog(context.Background(), "run-9", log)

	require.NoError(t, err)
	assert.True(t, result.Meta.Degraded)
	// One failure is recorded, then refinement stops.
	require.Len(t, result.Meta.Failures, 1)
	assert.True(t, strings.HasPrefix(result.Meta.Failures[0], "ml: "), result.Meta.Failures[0])

	require.Len(t, result.Errors, 2)
	assert.Equal(t, domain.CategoryDependency, result.Errors[0].Category)
	assert.Equal(t, domain.CategoryPermission, result.Errors[1].Category)
}

func TestAnalyzeLogPersistsToHistory(t *testing.T) {
	clock := domain.NewFakeClock(time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC))
	store := history.NewMemoryStore(clock)
	a, _ := testAnalyzer(t, Options{Store: store, Clock: clock})

	log := "ModuleNotFoundError: No module named 'requests'\n" +
		"EACCES: permission denied, access '/var/log/app.log'"
	result, err := a.AnalyzeLog(context.Background(), "run-10", log)

	require.NoError(t, err)
	require.Len(t, result.Errors, 2)
	assert.False(t, result.Meta.Degraded)
	assert.Equal(t, 2, store.Len())

	entries, err := store.Search(context.Background(), history.Query{PipelineID: "run-10"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

type failingStore struct{ err error }

func (s *failingStore) IndexError(context.Context, string, *domain.PipelineError) error {
	return s.err
}

func (s *failingStore) Search(context.Context, history.Query) ([]history.Entry, error) {
	return nil, s.err
}

func TestAnalyzeLogPersistenceFailureDegrades(t *testing.T) {
	store := &failingStore{err: fmt.Errorf("index unavailable")}
	a, _ := testAnalyzer(t, Options{Store: store})

	result, err := a.AnalyzeLog(context.Background(), "run-11",
		"ModuleNotFoundError: No module named 'requests'")

	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.True(t, result.Meta.Degraded)
	require.Len(t, result.Meta.Failures, 1)
	assert.True(t, strings.HasPrefix(result.Meta.Failures[0], "persistence: "), result.Meta.Failures[0])
}

func TestGetErrorAnalysis(t *testing.T) {
	a, clock := testAnalyzer(t, Options{})
	result, err := a.AnalyzeLog(context.Background(), "run-12",
		"ModuleNotFoundError: No module named 'requests'")
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	id := result.Errors[0].ErrorID

	analysis, err := a.GetErrorAnalysis(context.Background(), id)

	require.NoError(t, err)
	assert.Equal(t, id, analysis.Error.ErrorID)
	assert.NotSame(t, result.Errors[0], analysis.Error)
	assert.Contains(t, analysis.RootCause, "package")
	assert.InDelta(t, 0.85, analysis.ConfidenceScore, 1e-9)
	assert.NotEmpty(t, analysis.SuggestedSolutions)
	assert.NotEmpty(t, analysis.PreventionMeasures)
	assert.Equal(t, clock.Now(), analysis.CreatedAt)
}

func TestGetErrorAnalysisUnknownID(t *testing.T) {
	a, _ := testAnalyzer(t, Options{})

	_, err := a.GetErrorAnalysis(context.Background(), "err-nope")
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))

	_, err = a.GetErrorAnalysis(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, errors.CodeMissingParameter, errors.CodeOf(err))
}

func TestGetErrorAnalysisRecurrence(t *testing.T) {
	clock := domain.NewFakeClock(time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC))
	store := history.NewMemoryStore(clock)

	prior := domain.NewPipelineError(clock, "ModuleNotFoundError: No module named 'requests'",
		domain.SeverityHigh, domain.CategoryDependency, domain.StageBuild)
	require.NoError(t, store.IndexError(context.Background(), "run-1", prior))

	a, _ := testAnalyzer(t, Options{Store: store, Clock: clock})
	result, err := a.AnalyzeLog(context.Background(), "run-2",
		"ModuleNotFoundError: No module named 'requests'")
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)

	analysis, err := a.GetErrorAnalysis(context.Background(), result.Errors[0].ErrorID)

	require.NoError(t, err)
	assert.InDelta(t, 0.95, analysis.ConfidenceScore, 1e-9)
	require.NotEmpty(t, analysis.SuggestedSolutions)
	last := analysis.SuggestedSolutions[len(analysis.SuggestedSolutions)-1]
	assert.Contains(t, last, "1 earlier occurrence")
}

func TestGetErrorAnalysisStoreFailureKeepsBase(t *testing.T) {
	a, _ := testAnalyzer(t, Options{Store: &failingStore{err: fmt.Errorf("search exploded")}})
	result, err := a.AnalyzeLog(context.Background(), "run-13",
		"ModuleNotFoundError: No module named 'requests'")
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)

	analysis, err := a.GetErrorAnalysis(context.Background(), result.Errors[0].ErrorID)

	require.NoError(t, err)
	assert.InDelta(t, 0.85, analysis.ConfidenceScore, 1e-9)
}

func TestAnalyzerLookup(t *testing.T) {
	a, _ := testAnalyzer(t, Options{})
	result, err := a.AnalyzeLog(context.Background(), "run-14",
		"ModuleNotFoundError: No module named 'requests'")
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)

	rec, ok := a.Lookup(result.Errors[0].ErrorID)
	require.True(t, ok)
	assert.Same(t, result.Errors[0], rec)

	_, ok = a.Lookup("err-missing")
	assert.False(t, ok)
}
