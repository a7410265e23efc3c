package loganalyzer

import (
	"sort"
	"strings"

	"pipeline-copilot/pkg/core/patterns"
)

// lineRange is a half-open [Start, End) range of zero-based line numbers.
type lineRange struct {
	Start int
	End   int
}

// gapBuffer extends rule-match coverage by this many lines on each side, so
// near-misses next to a known error are not re-analyzed.
const gapBuffer = 5

// uncoveredRanges returns the line ranges of the log not covered by any rule
// match, after widening each match by the buffer.
func uncoveredRanges(logContent string, matches []patterns.Match) []lineRange {
	lines := strings.Split(logContent, "\n")
	if len(lines) == 0 {
		return nil
	}
	covered := make([]bool, len(lines))
	starts := lineStarts(logContent)

	for _, m := range matches {
		first := lineOf(starts, m.Start)
		last := lineOf(starts, m.End)
		from := first - gapBuffer
		if from < 0 {
			from = 0
		}
		to := last + gapBuffer
		if to >= len(lines) {
			to = len(lines) - 1
		}
		for i := from; i <= to; i++ {
			covered[i] = true
		}
	}

	var gaps []lineRange
	start := -1
	for i := range lines {
		if !covered[i] {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			gaps = append(gaps, lineRange{Start: start, End: i})
			start = -1
		}
	}
	if start >= 0 {
		gaps = append(gaps, lineRange{Start: start, End: len(lines)})
	}
	return gaps
}

// gapText joins the uncovered lines into the excerpt handed to the LLM.
// Blank-only gaps yield an empty string.
func gapText(logContent string, gaps []lineRange) string {
	if len(gaps) == 0 {
		return ""
	}
	lines := strings.Split(logContent, "\n")
	var parts []string
	for _, g := range gaps {
		for i := g.Start; i < g.End && i < len(lines); i++ {
			parts = append(parts, lines[i])
		}
	}
	text := strings.Join(parts, "\n")
	if strings.TrimSpace(text) == "" {
		return ""
	}
	return text
}

// lineStarts returns the byte offset of every line's first character.
func lineStarts(logContent string) []int {
	lines := strings.Split(logContent, "\n")
	starts := make([]int, len(lines))
	offset := 0
	for i, line := range lines {
		starts[i] = offset
		offset += len(line) + 1
	}
	return starts
}

// lineOf finds the zero-based line containing a byte offset.
func lineOf(starts []int, offset int) int {
	i := sort.Search(len(starts), func(i int) bool { return starts[i] > offset })
	if i == 0 {
		return 0
	}
	return i - 1
}

// candidateMarkers start a new candidate in the LLM response parser.
var candidateMarkers = []string{"error:", "exception:", "failed:"}

// parseCandidates splits an LLM response into candidate error messages. A
// line containing one of the markers starts a new candidate; marker-less
// lines extend the current one. Leading list decoration is stripped.
func parseCandidates(response string) []string {
	var candidates []string
	current := ""

	flush := func() {
		trimmed := strings.TrimSpace(current)
		if trimmed != "" {
			candidates = append(candidates, trimmed)
		}
		current = ""
	}

	for _, line := range strings.Split(response, "\n") {
		cleaned := strings.TrimSpace(line)
		cleaned = strings.TrimLeft(cleaned, "-*0123456789. \t")
		if cleaned == "" {
			continue
		}
		lower := strings.ToLower(cleaned)
		marked := false
		for _, marker := range candidateMarkers {
			if strings.Contains(lower, marker) {
				marked = true
				break
			}
		}
		if marked {
			flush()
			current = cleaned
			continue
		}
		if current != "" {
			current += " " + cleaned
		}
	}
	flush()
	return candidates
}
