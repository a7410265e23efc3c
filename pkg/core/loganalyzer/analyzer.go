// Package loganalyzer turns raw pipeline log text into a deduplicated list
// of classified PipelineError records. Detection runs in passes: regex rules
// over the whole log, an LLM sweep over the uncovered gaps, and an ML
// refinement of the rule-assigned categories. A failed pass degrades the
// result instead of aborting it.
package loganalyzer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/ai"
	"pipeline-copilot/pkg/core/ml"
	"pipeline-copilot/pkg/core/patterns"
	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
	"pipeline-copilot/pkg/history"
)

// contextWindow is the number of bytes captured on each side of a rule match
// for the surrounding_context field and stage inference.
const contextWindow = 200

// Config tunes the analyzer's refinement and dedup passes. Thresholds are
// used as given; DefaultConfig supplies the standard cutoffs.
type Config struct {
	// ConfidenceThreshold gates ML category overrides.
	ConfidenceThreshold float64
	// SimilarityThreshold is the dedup cutoff. 1.0 drops only identical
	// messages; 0.0 collapses everything into the first candidate.
	SimilarityThreshold float64
	// Family selects which trained model family refines categories.
	Family ml.Family
}

// DefaultConfig returns the standard analyzer cutoffs.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.6,
		SimilarityThreshold: 0.8,
		Family:              ml.FamilyTreeEnsemble,
	}
}

// Options wires the analyzer's collaborators. Registry defaults to the
// builtin catalogue; Classifier, LLM, and Store are optional and their
// passes are skipped when absent.
type Options struct {
	Registry   *patterns.Registry
	Classifier *ml.Classifier
	LLM        ai.Client
	Store      history.Store
	Clock      domain.Clock
	Logger     zerolog.Logger
	Config     Config
}

// Analyzer orchestrates the detection passes for one deployment of the
// platform. Safe for concurrent use.
type Analyzer struct {
	registry   *patterns.Registry
	classifier *ml.Classifier
	llm        ai.Client
	store      history.Store
	clock      domain.Clock
	logger     zerolog.Logger
	cfg        Config

	mu       sync.RWMutex
	analyzed map[string]*domain.PipelineError
}

// New builds an analyzer from its collaborators.
func New(opts Options) *Analyzer {
	if opts.Registry == nil {
		opts.Registry = patterns.Default()
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	if opts.Config.Family == "" {
		opts.Config.Family = ml.FamilyTreeEnsemble
	}
	return &Analyzer{
		registry:   opts.Registry,
		classifier: opts.Classifier,
		llm:        opts.LLM,
		store:      opts.Store,
		clock:      opts.Clock,
		logger:     opts.Logger.With().Str("component", "loganalyzer").Logger(),
		cfg:        opts.Config,
		analyzed:   make(map[string]*domain.PipelineError),
	}
}

// Result is one full analysis of a pipeline run's logs. Meta reports passes
// that failed and were skipped; Errors is the union of the passes that
// succeeded.
type Result struct {
	PipelineID string                  `json:"pipeline_id"`
	Errors     []*domain.PipelineError `json:"errors"`
	Meta       domain.Meta             `json:"meta"`
	AnalyzedAt time.Time               `json:"analyzed_at"`
}

// AnalyzeLog extracts, classifies, deduplicates, and persists the errors in
// one pipeline run's log output.
func (a *Analyzer) AnalyzeLog(ctx context.Context, pipelineID, logContent string) (*Result, error) {
	if pipelineID == "" {
		return nil, errors.New(errors.CodeMissingParameter, "loganalyzer", "pipeline_id is required", nil)
	}

	result := &Result{PipelineID: pipelineID, Errors: []*domain.PipelineError{}}
	if strings.TrimSpace(logContent) == "" {
		result.AnalyzedAt = a.clock.Now()
		return result, nil
	}

	matches := a.registry.Match(logContent)
	candidates := a.rulePass(logContent, matches)

	if a.llm != nil {
		if text := gapText(logContent, uncoveredRanges(logContent, matches)); text != "" {
			fromLLM, err := a.llmPass(ctx, text)
			if err != nil {
				result.Meta.AddFailure("llm", err)
				a.logger.Warn().Err(err).Str("pipeline_id", pipelineID).
					Msg("llm pass failed, continuing with rule matches")
			} else {
				candidates = append(candidates, fromLLM...)
			}
		}
	}

	a.refine(candidates, &result.Meta)

	if kept := dedupe(candidates, a.cfg.SimilarityThreshold); kept != nil {
		result.Errors = kept
	}

	a.persist(ctx, pipelineID, result.Errors, &result.Meta)
	a.remember(result.Errors)

	result.AnalyzedAt = a.clock.Now()
	a.logger.Info().
		Str("pipeline_id", pipelineID).
		Int("rule_matches", len(matches)).
		Int("errors", len(result.Errors)).
		Bool("degraded", result.Meta.Degraded).
		Msg("log analysis complete")
	return result, nil
}

// rulePass converts registry matches into candidate errors. Severity comes
// from the matched text, stage from the surrounding window.
func (a *Analyzer) rulePass(logContent string, matches []patterns.Match) []*domain.PipelineError {
	if len(matches) == 0 {
		return nil
	}
	starts := lineStarts(logContent)
	out := make([]*domain.PipelineError, 0, len(matches))
	for _, m := range matches {
		window := contextAround(logContent, m.Start, m.End)
		rec := domain.NewPipelineError(a.clock, m.Text, inferSeverity(m.Text), m.Category, inferStage(window))
		rec.Context["line_number"] = domain.Int(lineOf(starts, m.Start) + 1)
		rec.Context["surrounding_context"] = domain.Str(window)
		out = append(out, rec)
	}
	return out
}

const analysisSystemPrompt = "You are a CI/CD log analysis assistant. You will receive excerpts " +
	"of a pipeline log that automated rules could not classify. List every distinct error you " +
	"find, one per line, in the form \"error: <message>\". Do not invent errors that are not present."

// llmPass asks the model to enumerate errors in the uncovered log excerpt
// and parses the reply into candidates. Categories are assigned by
// re-matching the rule catalogue against each candidate message.
func (a *Analyzer) llmPass(ctx context.Context, excerpt string) ([]*domain.PipelineError, error) {
	messages := []ai.Message{
		{Role: ai.RoleSystem, Content: analysisSystemPrompt},
		{Role: ai.RoleUser, Content: "Log excerpt:\n\n" + excerpt},
	}
	response, err := a.llm.Chat(ctx, messages, ai.Options{})
	if err != nil {
		return nil, err
	}

	var out []*domain.PipelineError
	for _, message := range parseCandidates(response) {
		category := domain.CategoryUnknown
		if ms := a.registry.Match(message); len(ms) > 0 {
			category = ms[0].Category
		}
		out = append(out, domain.NewPipelineError(a.clock, message, inferSeverity(message), category, inferStage(message)))
	}
	return out, nil
}

// refine lets a trained category model override the rule-inferred category
// when its confidence clears the threshold. Severity always follows the rule
// keywords, and the rule-inferred stage wins any disagreement with the
// model, so only the category target is consulted. The first predict failure
// degrades the pass for the remaining candidates.
func (a *Analyzer) refine(candidates []*domain.PipelineError, meta *domain.Meta) {
	if a.classifier == nil {
		return
	}
	for _, rec := range candidates {
		pred, err := a.classifier.Predict(rec, domain.TargetCategory, a.cfg.Family, false, a.cfg.ConfidenceThreshold)
		if err != nil {
			meta.AddFailure("ml", err)
			a.logger.Warn().Err(err).Msg("ml refinement failed, keeping rule-inferred categories")
			return
		}
		if !pred.MeetsThreshold || pred.Prediction == "" {
			continue
		}
		if category := domain.Category(pred.Prediction); category.IsValid() {
			rec.Category = category
		}
	}
}

// persist indexes the retained errors into the historical store. The first
// failure degrades the pass; already indexed records are not rolled back.
func (a *Analyzer) persist(ctx context.Context, pipelineID string, recs []*domain.PipelineError, meta *domain.Meta) {
	if a.store == nil {
		return
	}
	for _, rec := range recs {
		if err := a.store.IndexError(ctx, pipelineID, rec); err != nil {
			meta.AddFailure("persistence", err)
			a.logger.Warn().Err(err).Str("pipeline_id", pipelineID).
				Msg("history indexing failed, keeping in-memory results")
			return
		}
	}
}

// remember caches the retained errors so get_error_analysis and the debug
// channel can resolve them by id later.
func (a *Analyzer) remember(recs []*domain.PipelineError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rec := range recs {
		a.analyzed[rec.ErrorID] = rec
	}
}

// Lookup returns a previously analyzed error by id.
func (a *Analyzer) Lookup(errorID string) (*domain.PipelineError, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.analyzed[errorID]
	return rec, ok
}

// contextAround returns up to contextWindow bytes before and after the match
// span, clamped to the log bounds.
func contextAround(logContent string, start, end int) string {
	from := start - contextWindow
	if from < 0 {
		from = 0
	}
	to := end + contextWindow
	if to > len(logContent) {
		to = len(logContent)
	}
	return logContent[from:to]
}
