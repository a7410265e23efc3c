package loganalyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-copilot/pkg/domain"
)

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, similarity("connection refused", "connection refused"))
	assert.Equal(t, 1.0, similarity("", ""))
	assert.Equal(t, 0.0, similarity("abc", "xyz"))

	// One inserted rune out of 48.
	a := "ModuleNotFoundError: No module named 'requests'"
	b := "ModuleNotFoundError: No module named 'requests2'"
	assert.InDelta(t, 1.0-1.0/48.0, similarity(a, b), 1e-9)
}

func TestDedupe(t *testing.T) {
	clock := domain.NewFakeClock(time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC))
	mk := func(msg string) *domain.PipelineError {
		return domain.NewPipelineError(clock, msg, domain.SeverityHigh, domain.CategoryDependency, domain.StageBuild)
	}
	near1 := mk("ModuleNotFoundError: No module named 'requests'")
	near2 := mk("ModuleNotFoundError: No module named 'requests2'")
	exact := mk("ModuleNotFoundError: No module named 'requests'")
	other := mk("Connection refused while dialing db:5432")

	t.Run("default threshold folds near-duplicates", func(t *testing.T) {
		kept := dedupe([]*domain.PipelineError{near1, near2, exact, other}, 0.8)
		require.Len(t, kept, 2)
		assert.Same(t, near1, kept[0])
		assert.Same(t, other, kept[1])
	})

	t.Run("threshold 1.0 drops only identical messages", func(t *testing.T) {
		kept := dedupe([]*domain.PipelineError{near1, near2, exact, other}, 1.0)
		require.Len(t, kept, 3)
		assert.Same(t, near1, kept[0])
		assert.Same(t, near2, kept[1])
		assert.Same(t, other, kept[2])
	})

	t.Run("threshold 0.0 collapses everything into the first", func(t *testing.T) {
		kept := dedupe([]*domain.PipelineError{near1, near2, exact, other}, 0.0)
		require.Len(t, kept, 1)
		assert.Same(t, near1, kept[0])
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, dedupe(nil, 0.8))
	})
}
