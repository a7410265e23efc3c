// Package patch synthesizes remediation scripts for pipeline errors. A
// template catalogue keyed by the matched rule's family is tried first; the
// LLM generates a fix when no template fits. Every synthesized script passes
// the safety denylist before it is returned.
package patch

import (
	"context"

	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/ai"
	"pipeline-copilot/pkg/core/ml"
	"pipeline-copilot/pkg/core/patterns"
	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

// Config tunes the synthesizer's ML hint.
type Config struct {
	// ConfidenceThreshold is handed to the classifier when building the
	// LLM prompt hint.
	ConfidenceThreshold float64
	// Family selects which trained model family produces the hint.
	Family ml.Family
}

// DefaultConfig returns the standard synthesizer settings.
func DefaultConfig() Config {
	return Config{ConfidenceThreshold: 0.6, Family: ml.FamilyTreeEnsemble}
}

// Options wires the synthesizer's collaborators. Registry defaults to the
// builtin catalogue; Classifier and LLM are optional. Without an LLM client
// only the template path is available.
type Options struct {
	Registry   *patterns.Registry
	Classifier *ml.Classifier
	LLM        ai.Client
	Clock      domain.Clock
	Logger     zerolog.Logger
	Config     Config
}

// Synthesizer produces PatchSolutions for PipelineErrors. Safe for
// concurrent use.
type Synthesizer struct {
	registry   *patterns.Registry
	classifier *ml.Classifier
	llm        ai.Client
	clock      domain.Clock
	logger     zerolog.Logger
	cfg        Config
}

// NewSynthesizer builds a synthesizer from its collaborators.
func NewSynthesizer(opts Options) *Synthesizer {
	if opts.Registry == nil {
		opts.Registry = patterns.Default()
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	if opts.Config.Family == "" {
		opts.Config.Family = ml.FamilyTreeEnsemble
	}
	return &Synthesizer{
		registry:   opts.Registry,
		classifier: opts.Classifier,
		llm:        opts.LLM,
		clock:      opts.Clock,
		logger:     opts.Logger.With().Str("component", "patch").Logger(),
		cfg:        opts.Config,
	}
}

// Synthesize produces a remediation for one error: template first, LLM
// fallback. The returned solution has passed the safety denylist.
func (s *Synthesizer) Synthesize(ctx context.Context, rec *domain.PipelineError, callerCtx domain.Context) (*domain.PatchSolution, error) {
	if rec == nil {
		return nil, errors.New(errors.CodeMissingParameter, "patch", "error record is required", nil)
	}
	if rec.ErrorID == "" || rec.Message == "" {
		return nil, errors.New(errors.CodeMissingParameter, "patch", "error_id and message are required", nil)
	}

	if sol := s.templatePath(rec, callerCtx); sol != nil {
		if err := CheckSolutionScripts(sol.PatchScript, sol.RollbackScript); err != nil {
			return nil, err
		}
		s.logger.Info().
			Str("solution_id", sol.SolutionID).
			Str("error_id", rec.ErrorID).
			Str("patch_type", string(sol.PatchType)).
			Msg("template patch synthesized")
		return sol, nil
	}

	if s.llm == nil {
		return nil, errors.New(errors.CodeUnavailable, "patch",
			"no template matched and no llm client is configured", nil)
	}
	sol, err := s.llmPath(ctx, rec, callerCtx)
	if err != nil {
		return nil, err
	}
	if err := CheckSolutionScripts(sol.PatchScript, sol.RollbackScript); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("solution_id", sol.SolutionID).
		Str("error_id", rec.ErrorID).
		Float64("estimated_success_rate", sol.EstimatedSuccessRate).
		Msg("llm patch synthesized")
	return sol, nil
}

// templatePath renders a catalogue template for the error's category. A nil
// return means no template applies and the caller should try the LLM.
func (s *Synthesizer) templatePath(rec *domain.PipelineError, callerCtx domain.Context) *domain.PatchSolution {
	m := s.registry.MatchCategory(rec.Message, rec.Category)
	if m == nil {
		return nil
	}
	family := m.Pattern.TemplateFamily
	tpl, ok := templateTable[family]
	if !ok {
		return nil
	}
	sol, err := tpl.instantiate(family, buildSlots(m, callerCtx))
	if err != nil {
		s.logger.Debug().Err(err).Str("family", family).Msg("template path unavailable")
		return nil
	}
	sol.SolutionID = domain.NewSolutionID()
	sol.ErrorID = rec.ErrorID
	sol.CreatedAt = s.clock.Now()
	return sol
}
