// Package features turns error records into dense numeric vectors for the
// ML classifier. The column layout is fixed by the vocabulary fitted at
// training time; extraction at inference must use the same vocabulary.
package features

import (
	"math"
	"regexp"
	"strings"

	"pipeline-copilot/pkg/domain"
)

var (
	errorWordExpr  = regexp.MustCompile(`(?i)\b(error|exception|fail(?:ed|ure)?|fatal|panic)\b`)
	frameExpr      = regexp.MustCompile(`(?m)^\s+(?:at\s+\S+|File "[^"]+", line \d+|\S+\.(?:go|py|js|java|rb):\d+)`)
	lineMarkExpr   = regexp.MustCompile(`(?i)\bline\s*:?\s*\d+`)
	columnMarkExpr = regexp.MustCompile(`(?i)\b(?:col(?:umn)?)\s*:?\s*\d+`)
	declExpr       = regexp.MustCompile(`(?m)\b(?:def|func|function|class|var|let|const)\s+\w+`)
	assignExpr     = regexp.MustCompile(`[^=!<>]=[^=]`)
)

// fixedFeatureCount is the width of everything after the trigram block:
// 4 structural, 9 boolean/count, 20 pattern families, 3 library flags,
// 5 context features.
const fixedFeatureCount = 4 + 9 + 20 + 3 + 5

// Extractor writes one row per error into a dense vector.
type Extractor struct {
	vocab *Vocabulary
}

// NewExtractor binds an extractor to a fitted vocabulary. A nil vocabulary
// yields vectors with only the fixed block, which is how rule-only
// deployments run before any model is trained.
func NewExtractor(vocab *Vocabulary) *Extractor {
	return &Extractor{vocab: vocab}
}

// Vocabulary returns the bound vocabulary.
func (e *Extractor) Vocabulary() *Vocabulary { return e.vocab }

// FeatureCount is the fixed vector width for this extractor.
func (e *Extractor) FeatureCount() int {
	return e.vocab.Size() + fixedFeatureCount
}

// Extract builds the feature vector for one error. Missing fields contribute
// zero-valued components.
func (e *Extractor) Extract(rec *domain.PipelineError) []float64 {
	row := make([]float64, e.FeatureCount())
	if rec == nil {
		return row
	}

	msg := rec.Message
	lower := strings.ToLower(msg)

	// Trigram block.
	if e.vocab.Size() > 0 {
		for _, tri := range Trigrams(msg) {
			if col, ok := e.vocab.Index[tri]; ok {
				row[col]++
			}
		}
	}

	base := e.vocab.Size()

	// Structural block. Lengths use log1p to keep magnitudes comparable
	// with the boolean features.
	lines := strings.Split(msg, "\n")
	var maxLine, totalLine int
	for _, line := range lines {
		if len(line) > maxLine {
			maxLine = len(line)
		}
		totalLine += len(line)
	}
	meanLine := 0.0
	if len(lines) > 0 {
		meanLine = float64(totalLine) / float64(len(lines))
	}
	row[base+0] = math.Log1p(float64(len(msg)))
	row[base+1] = math.Log1p(float64(len(lines)))
	row[base+2] = math.Log1p(meanLine)
	row[base+3] = math.Log1p(float64(maxLine))

	// Boolean/count block.
	boolAt := base + 4
	row[boolAt+0] = boolFeature(strings.Contains(lower, "error"))
	row[boolAt+1] = boolFeature(strings.Contains(lower, "warning"))
	row[boolAt+2] = boolFeature(strings.Contains(lower, "exception"))
	row[boolAt+3] = boolFeature(strings.Contains(lower, "failed"))
	row[boolAt+4] = math.Log1p(float64(len(errorWordExpr.FindAllString(msg, -1))))

	stack := rec.StackTrace
	row[boolAt+5] = boolFeature(stack != "")
	row[boolAt+6] = math.Log1p(float64(len(frameExpr.FindAllString(stack, -1))))
	row[boolAt+7] = boolFeature(lineMarkExpr.MatchString(msg) || lineMarkExpr.MatchString(stack))
	row[boolAt+8] = boolFeature(columnMarkExpr.MatchString(msg) || columnMarkExpr.MatchString(stack))

	// Pattern family one-hot block.
	famAt := boolAt + 9
	copy(row[famAt:], matchFamilies(lower))

	// Library family flags.
	libAt := famAt + PatternFamilyCount()
	copy(row[libAt:], matchLibraries(lower))

	// Context block.
	ctxAt := libAt + 3
	if rec.Context != nil {
		if _, ok := rec.Context.GetInt("line_number"); ok {
			row[ctxAt+0] = 1
		}
		if surrounding, ok := rec.Context.GetString("surrounding_context"); ok && surrounding != "" {
			row[ctxAt+1] = math.Log1p(float64(len(surrounding)))
			row[ctxAt+2] = math.Log1p(float64(strings.Count(surrounding, "\n") + 1))
			row[ctxAt+3] = boolFeature(declExpr.MatchString(surrounding))
			row[ctxAt+4] = boolFeature(assignExpr.MatchString(surrounding))
		}
	}

	return row
}

// ExtractAll builds the dense matrix for a batch, one row per record.
func (e *Extractor) ExtractAll(recs []*domain.PipelineError) [][]float64 {
	rows := make([][]float64, len(recs))
	for i, rec := range recs {
		rows[i] = e.Extract(rec)
	}
	return rows
}

// Tokens returns the trigram token stream for one record. The naive-bayes
// family consumes tokens directly instead of the dense vector.
func (e *Extractor) Tokens(rec *domain.PipelineError) []string {
	if rec == nil {
		return nil
	}
	return Trigrams(rec.Message)
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
