package patch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pipeline-copilot/pkg/ai"
	"pipeline-copilot/pkg/core/ml"
	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

const synthesisSystemPrompt = "You are a CI/CD remediation assistant. Given a pipeline error, " +
	"produce a fix. Reply with exactly one fenced code block containing a shell script that applies " +
	"the fix, followed by a section titled \"Validation steps:\" listing one verification command " +
	"per line. Never use destructive commands."

// llmPath asks the model for a remediation script when no template fits.
// The returned solution always requires approval and is never reversible.
func (s *Synthesizer) llmPath(ctx context.Context, rec *domain.PipelineError, callerCtx domain.Context) (*domain.PatchSolution, error) {
	payload, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, errors.Internal("patch", "error record does not marshal", err)
	}

	var sb strings.Builder
	sb.WriteString("Pipeline error (JSON):\n")
	sb.Write(payload)
	if len(callerCtx) > 0 {
		if ctxJSON, err := json.MarshalIndent(callerCtx, "", "  "); err == nil {
			sb.WriteString("\n\nCaller context (JSON):\n")
			sb.Write(ctxJSON)
		}
	}

	confidence, hint, hasHint := s.classificationHint(rec)
	if hasHint {
		sb.WriteString("\n\n")
		sb.WriteString(hint)
	}
	sb.WriteString("\n\nTarget language: ")
	sb.WriteString(inferLanguage(rec))

	response, err := s.llm.Chat(ctx, []ai.Message{
		{Role: ai.RoleSystem, Content: synthesisSystemPrompt},
		{Role: ai.RoleUser, Content: sb.String()},
	}, ai.Options{})
	if err != nil {
		return nil, err
	}

	script, validations, err := parseSolution(response)
	if err != nil {
		return nil, err
	}
	return &domain.PatchSolution{
		SolutionID:           domain.NewSolutionID(),
		ErrorID:              rec.ErrorID,
		PatchType:            domain.PatchTypeAIGenerated,
		PatchScript:          script,
		IsReversible:         false,
		RequiresApproval:     true,
		EstimatedSuccessRate: successRate(confidence, hasHint),
		ValidationSteps:      validations,
		CreatedAt:            s.clock.Now(),
	}, nil
}

// classificationHint runs the trained models over the error and formats a
// prompt line from the result. Absent or failing models yield no hint.
func (s *Synthesizer) classificationHint(rec *domain.PipelineError) (float64, string, bool) {
	if s.classifier == nil {
		return 0, "", false
	}
	families := map[domain.Target]ml.Family{
		domain.TargetCategory: s.cfg.Family,
		domain.TargetSeverity: s.cfg.Family,
		domain.TargetStage:    s.cfg.Family,
	}
	result, err := s.classifier.Classify(rec, families, s.cfg.ConfidenceThreshold, false)
	if err != nil {
		s.logger.Debug().Err(err).Msg("classification hint unavailable")
		return 0, "", false
	}
	hint := fmt.Sprintf("Model classification: category=%s severity=%s stage=%s (overall confidence %.2f)",
		orUnknown(result.Targets[domain.TargetCategory].Prediction),
		orUnknown(result.Targets[domain.TargetSeverity].Prediction),
		orUnknown(result.Targets[domain.TargetStage].Prediction),
		result.OverallConfidence)
	return result.OverallConfidence, hint, true
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// successRate maps the model's overall confidence onto the fixed tiers used
// for LLM-generated patches.
func successRate(confidence float64, classified bool) float64 {
	switch {
	case classified && confidence > 0.8:
		return 0.85
	case classified && confidence > 0.6:
		return 0.75
	default:
		return 0.7
	}
}

// parseSolution recovers the patch script and validation steps from an LLM
// reply. The first fenced code block is the script; validation steps are
// list items after a "validation" heading, or the lines of a fenced block
// that follows the heading.
func parseSolution(response string) (string, []string, error) {
	var (
		script       []string
		validations  []string
		inBlock      bool
		blockIndex   int
		inValidation bool
	)
	for _, line := range strings.Split(response, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inBlock = !inBlock
			if inBlock {
				blockIndex++
			}
			continue
		}
		if inBlock {
			switch {
			case inValidation:
				if trimmed != "" {
					validations = append(validations, trimmed)
				}
			case blockIndex == 1:
				script = append(script, line)
			}
			continue
		}
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "validation") && strings.HasSuffix(lower, ":") {
			inValidation = true
			continue
		}
		if inValidation {
			cleaned := strings.TrimLeft(trimmed, "-*0123456789. \t")
			if cleaned != "" {
				validations = append(validations, cleaned)
			}
		}
	}

	body := strings.TrimSpace(strings.Join(script, "\n"))
	if body == "" {
		return "", nil, errors.New(errors.CodePatchFailed, "patch",
			"llm response contained no code block", nil)
	}
	return body, validations, nil
}
