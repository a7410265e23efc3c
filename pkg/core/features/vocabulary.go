package features

import (
	"sort"
	"strings"
	"unicode"
)

// DefaultVocabularySize bounds the trigram vocabulary fitted at training
// time.
const DefaultVocabularySize = 500

// Vocabulary maps character trigrams to feature columns. It is fitted once
// during training and applied identically at inference; the column layout is
// part of the persisted model.
type Vocabulary struct {
	Index map[string]int `json:"index"`
}

// FitVocabulary builds a vocabulary from training messages, keeping the
// maxSize most frequent trigrams. Ties break lexicographically so the same
// corpus always produces the same layout.
func FitVocabulary(messages []string, maxSize int) *Vocabulary {
	if maxSize <= 0 {
		maxSize = DefaultVocabularySize
	}

	counts := make(map[string]int)
	for _, msg := range messages {
		for _, tri := range Trigrams(msg) {
			counts[tri]++
		}
	}

	type entry struct {
		tri   string
		count int
	}
	entries := make([]entry, 0, len(counts))
	for tri, count := range counts {
		entries = append(entries, entry{tri, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].tri < entries[j].tri
	})

	if len(entries) > maxSize {
		entries = entries[:maxSize]
	}

	// Columns in lexicographic order, independent of frequency, so the
	// layout survives re-fitting on a shuffled corpus.
	kept := make([]string, len(entries))
	for i, e := range entries {
		kept[i] = e.tri
	}
	sort.Strings(kept)

	index := make(map[string]int, len(kept))
	for i, tri := range kept {
		index[tri] = i
	}
	return &Vocabulary{Index: index}
}

// Size returns the number of trigram columns.
func (v *Vocabulary) Size() int {
	if v == nil {
		return 0
	}
	return len(v.Index)
}

// Trigrams returns the character trigrams of a normalized message. Used both
// for vocabulary fitting and as token streams for the naive-bayes family.
func Trigrams(message string) []string {
	norm := normalize(message)
	runes := []rune(norm)
	if len(runes) < 3 {
		if len(runes) == 0 {
			return nil
		}
		return []string{string(runes)}
	}
	out := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		out = append(out, string(runes[i:i+3]))
	}
	return out
}

// normalize lowercases and collapses runs of whitespace and digits so
// messages differing only in paths or counters share trigrams.
func normalize(message string) string {
	var sb strings.Builder
	sb.Grow(len(message))
	lastSpace := false
	lastDigit := false
	for _, r := range strings.ToLower(message) {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				sb.WriteByte(' ')
			}
			lastSpace, lastDigit = true, false
		case unicode.IsDigit(r):
			if !lastDigit {
				sb.WriteByte('0')
			}
			lastSpace, lastDigit = false, true
		default:
			sb.WriteRune(r)
			lastSpace, lastDigit = false, false
		}
	}
	return strings.TrimSpace(sb.String())
}
