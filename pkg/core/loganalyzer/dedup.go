package loganalyzer

import (
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"pipeline-copilot/pkg/domain"
)

// similarity is an edit-distance ratio in [0, 1]: 1 means identical, 0 means
// nothing shared. Computed over runes.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

// dedupe keeps the first candidate of every similar cluster, preserving
// order. Two messages belong to the same cluster when their similarity
// reaches the threshold.
func dedupe(candidates []*domain.PipelineError, threshold float64) []*domain.PipelineError {
	var kept []*domain.PipelineError
	for _, candidate := range candidates {
		duplicate := false
		for _, existing := range kept {
			if similarity(candidate.Message, existing.Message) >= threshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, candidate)
		}
	}
	return kept
}
