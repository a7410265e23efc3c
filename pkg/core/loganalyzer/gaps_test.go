package loganalyzer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-copilot/pkg/core/patterns"
)

func TestUncoveredRangesNoMatches(t *testing.T) {
	log := "line one\nline two\nline three"

	gaps := uncoveredRanges(log, nil)

	require.Len(t, gaps, 1)
	assert.Equal(t, lineRange{Start: 0, End: 3}, gaps[0])
}

func TestUncoveredRangesBuffersAroundMatch(t *testing.T) {
	lines := make([]string, 20)
	for i := range lines {
		lines[i] = "filler line"
	}
	lines[8] = "ModuleNotFoundError: No module named 'requests'"
	log := strings.Join(lines, "\n")

	matches := patterns.Default().Match(log)
	require.Len(t, matches, 1)

	gaps := uncoveredRanges(log, matches)

	// Line 8 plus five lines either side are covered, leaving the head and
	// the tail uncovered.
	require.Len(t, gaps, 2)
	assert.Equal(t, lineRange{Start: 0, End: 3}, gaps[0])
	assert.Equal(t, lineRange{Start: 14, End: 20}, gaps[1])
}

func TestUncoveredRangesFullyCovered(t *testing.T) {
	log := "ok\nok\nModuleNotFoundError: No module named 'requests'\nok"

	gaps := uncoveredRanges(log, patterns.Default().Match(log))

	assert.Empty(t, gaps)
}

func TestGapText(t *testing.T) {
	log := "alpha\nbeta\ngamma\ndelta"

	text := gapText(log, []lineRange{{Start: 1, End: 3}})

	assert.Equal(t, "beta\ngamma", text)
}

func TestGapTextBlankGapIsEmpty(t *testing.T) {
	log := "alpha\n\n  \t\nomega"

	text := gapText(log, []lineRange{{Start: 1, End: 3}})

	assert.Empty(t, text)
}

func TestGapTextNoGaps(t *testing.T) {
	assert.Empty(t, gapText("alpha", nil))
}

func TestLineOf(t *testing.T) {
	starts := lineStarts("ab\ncd\nef")

	assert.Equal(t, []int{0, 3, 6}, starts)
	assert.Equal(t, 0, lineOf(starts, 0))
	assert.Equal(t, 0, lineOf(starts, 2))
	assert.Equal(t, 1, lineOf(starts, 3))
	assert.Equal(t, 2, lineOf(starts, 7))
}

func TestParseCandidates(t *testing.T) {
	response := strings.Join([]string{
		"I found these problems:",
		"1. error: database migration 0042 did not complete",
		"   the migration table is locked",
		"- Exception: NullPointerException in ReportService",
		"2. failed: smoke suite returned non-zero",
		"",
		"Nothing else stood out.",
	}, "\n")

	candidates := parseCandidates(response)

	require.Len(t, candidates, 3)
	assert.Equal(t, "error: database migration 0042 did not complete the migration table is locked", candidates[0])
	assert.Equal(t, "Exception: NullPointerException in ReportService", candidates[1])
	assert.Equal(t, "failed: smoke suite returned non-zero nothing else stood out.", strings.ToLower(candidates[2]))
}

func TestParseCandidatesEmptyResponse(t *testing.T) {
	assert.Empty(t, parseCandidates(""))
	assert.Empty(t, parseCandidates("all clear, no errors found"))
}
