package domain

import (
	"fmt"
	"time"

	"pipeline-copilot/pkg/domain/errors"
)

// Severity ranks how damaging a pipeline error or vulnerability is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Severities lists all severities from most to least damaging.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

// Rank orders severities. Higher is more damaging; unknown severities rank
// below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	case SeverityInfo:
		return 0
	default:
		return -1
	}
}

// AtLeast reports whether s is as damaging as other or more.
func (s Severity) AtLeast(other Severity) bool { return s.Rank() >= other.Rank() }

// IsValid reports whether s is one of the recognized severities.
func (s Severity) IsValid() bool { return s.Rank() >= 0 }

// ParseSeverity validates a raw severity string.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(raw)
	if !s.IsValid() {
		return "", errors.New(errors.CodeValidationFailed, "domain",
			fmt.Sprintf("unknown severity %q", raw), nil)
	}
	return s, nil
}

// Category groups pipeline errors by root-cause family.
type Category string

const (
	CategoryDependency    Category = "dependency"
	CategoryPermission    Category = "permission"
	CategoryConfiguration Category = "configuration"
	CategoryNetwork       Category = "network"
	CategoryResource      Category = "resource"
	CategoryBuild         Category = "build"
	CategoryTest          Category = "test"
	CategoryDeployment    Category = "deployment"
	CategorySecurity      Category = "security"
	CategoryUnknown       Category = "unknown"
)

// Categories lists all recognized categories in stable order.
func Categories() []Category {
	return []Category{
		CategoryDependency, CategoryPermission, CategoryConfiguration,
		CategoryNetwork, CategoryResource, CategoryBuild, CategoryTest,
		CategoryDeployment, CategorySecurity, CategoryUnknown,
	}
}

// IsValid reports whether c is one of the recognized categories.
func (c Category) IsValid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory validates a raw category string.
func ParseCategory(raw string) (Category, error) {
	c := Category(raw)
	if !c.IsValid() {
		return "", errors.New(errors.CodeValidationFailed, "domain",
			fmt.Sprintf("unknown category %q", raw), nil)
	}
	return c, nil
}

// Stage identifies the pipeline phase an error occurred in.
type Stage string

const (
	StageCheckout     Stage = "checkout"
	StageBuild        Stage = "build"
	StageTest         Stage = "test"
	StageSecurityScan Stage = "security_scan"
	StageDeploy       Stage = "deploy"
	StagePostDeploy   Stage = "post_deploy"
)

// Stages lists all pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{StageCheckout, StageBuild, StageTest, StageSecurityScan, StageDeploy, StagePostDeploy}
}

// IsValid reports whether s is one of the recognized stages.
func (s Stage) IsValid() bool {
	for _, known := range Stages() {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStage validates a raw stage string.
func ParseStage(raw string) (Stage, error) {
	s := Stage(raw)
	if !s.IsValid() {
		return "", errors.New(errors.CodeValidationFailed, "domain",
			fmt.Sprintf("unknown stage %q", raw), nil)
	}
	return s, nil
}

// Target names a classification dimension served by the ML models.
type Target string

const (
	TargetCategory Target = "category"
	TargetSeverity Target = "severity"
	TargetStage    Target = "stage"
)

// Targets lists all classification targets in stable order.
func Targets() []Target {
	return []Target{TargetCategory, TargetSeverity, TargetStage}
}

// IsValid reports whether t is one of the recognized targets.
func (t Target) IsValid() bool {
	return t == TargetCategory || t == TargetSeverity || t == TargetStage
}

// Classes returns the label space for a target.
func (t Target) Classes() []string {
	switch t {
	case TargetCategory:
		cats := Categories()
		out := make([]string, len(cats))
		for i, c := range cats {
			out[i] = string(c)
		}
		return out
	case TargetSeverity:
		sevs := Severities()
		out := make([]string, len(sevs))
		for i, s := range sevs {
			out[i] = string(s)
		}
		return out
	case TargetStage:
		stages := Stages()
		out := make([]string, len(stages))
		for i, s := range stages {
			out[i] = string(s)
		}
		return out
	default:
		return nil
	}
}

// LabelOf extracts the target's label from an error record. Used when
// training models from historical errors.
func (t Target) LabelOf(e *PipelineError) string {
	switch t {
	case TargetCategory:
		return string(e.Category)
	case TargetSeverity:
		return string(e.Severity)
	case TargetStage:
		return string(e.Stage)
	default:
		return ""
	}
}

// PipelineError is one failure extracted from a pipeline run's logs.
// Instances are immutable once created; ErrorID is unique within a run.
// Well-known Context keys: "line_number", "surrounding_context".
type PipelineError struct {
	ErrorID    string    `json:"error_id"`
	Message    string    `json:"message"`
	StackTrace string    `json:"stack_trace,omitempty"`
	Severity   Severity  `json:"severity"`
	Category   Category  `json:"category"`
	Stage      Stage     `json:"stage"`
	Timestamp  time.Time `json:"timestamp"`
	Context    Context   `json:"context,omitempty"`
}

// NewPipelineError stamps an identifier and timestamp onto a fresh error
// record.
func NewPipelineError(clock Clock, message string, severity Severity, category Category, stage Stage) *PipelineError {
	return &PipelineError{
		ErrorID:   NewErrorID(),
		Message:   message,
		Severity:  severity,
		Category:  category,
		Stage:     stage,
		Timestamp: clock.Now(),
		Context:   Context{},
	}
}

// Validate checks the record's enums and required fields.
func (e *PipelineError) Validate() error {
	if e.ErrorID == "" {
		return errors.New(errors.CodeMissingParameter, "domain", "error_id is required", nil)
	}
	if e.Message == "" {
		return errors.New(errors.CodeMissingParameter, "domain", "message is required", nil)
	}
	if !e.Severity.IsValid() {
		return errors.New(errors.CodeValidationFailed, "domain",
			fmt.Sprintf("error %s: invalid severity %q", e.ErrorID, e.Severity), nil)
	}
	if !e.Category.IsValid() {
		return errors.New(errors.CodeValidationFailed, "domain",
			fmt.Sprintf("error %s: invalid category %q", e.ErrorID, e.Category), nil)
	}
	if !e.Stage.IsValid() {
		return errors.New(errors.CodeValidationFailed, "domain",
			fmt.Sprintf("error %s: invalid stage %q", e.ErrorID, e.Stage), nil)
	}
	return nil
}

// Clone returns an independent copy. Consumers that must hand out snapshots
// clone rather than share.
func (e *PipelineError) Clone() *PipelineError {
	cp := *e
	cp.Context = e.Context.Clone()
	return &cp
}

// TargetPrediction is one model's answer for a single target.
// An empty Prediction with MeetsThreshold=false means the model's best score
// fell below the caller's confidence threshold.
type TargetPrediction struct {
	Prediction     string             `json:"prediction,omitempty"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[string]float64 `json:"probabilities,omitempty"`
	MeetsThreshold bool               `json:"meets_threshold"`
}

// ClassificationResult aggregates per-target model predictions for one
// error. OverallConfidence is the arithmetic mean of target confidences.
type ClassificationResult struct {
	ErrorID           string                      `json:"error_id"`
	Targets           map[Target]TargetPrediction `json:"targets"`
	OverallConfidence float64                     `json:"overall_confidence"`
	ClassifiedAt      time.Time                   `json:"classified_at"`
}

// Recompute refreshes OverallConfidence from the target confidences.
func (r *ClassificationResult) Recompute() {
	if len(r.Targets) == 0 {
		r.OverallConfidence = 0
		return
	}
	var sum float64
	for _, p := range r.Targets {
		sum += p.Confidence
	}
	r.OverallConfidence = sum / float64(len(r.Targets))
}

// AnalysisResult is the analyzer's diagnosis for one error.
type AnalysisResult struct {
	Error              *PipelineError `json:"error"`
	RootCause          string         `json:"root_cause"`
	ConfidenceScore    float64        `json:"confidence_score"`
	SuggestedSolutions []string       `json:"suggested_solutions"`
	PreventionMeasures []string       `json:"prevention_measures"`
	CreatedAt          time.Time      `json:"created_at"`
}

// PatchType names the remediation family a PatchSolution belongs to.
type PatchType string

const (
	PatchTypeDependency    PatchType = "dependency"
	PatchTypePermission    PatchType = "permission"
	PatchTypeConfiguration PatchType = "configuration"
	PatchTypeNetwork       PatchType = "network"
	PatchTypeResource      PatchType = "resource"
	PatchTypeTest          PatchType = "test"
	PatchTypeSecurity      PatchType = "security"
	PatchTypeAIGenerated   PatchType = "ai_generated"
)

// IsValid reports whether t is one of the recognized patch types.
func (t PatchType) IsValid() bool {
	switch t {
	case PatchTypeDependency, PatchTypePermission, PatchTypeConfiguration,
		PatchTypeNetwork, PatchTypeResource, PatchTypeTest,
		PatchTypeSecurity, PatchTypeAIGenerated:
		return true
	default:
		return false
	}
}

// PatchSolution is a candidate remediation for one PipelineError.
type PatchSolution struct {
	SolutionID           string    `json:"solution_id"`
	ErrorID              string    `json:"error_id"`
	PatchType            PatchType `json:"patch_type"`
	PatchScript          string    `json:"patch_script"`
	IsReversible         bool      `json:"is_reversible"`
	RequiresApproval     bool      `json:"requires_approval"`
	EstimatedSuccessRate float64   `json:"estimated_success_rate"`
	Dependencies         []string  `json:"dependencies,omitempty"`
	ValidationSteps      []string  `json:"validation_steps,omitempty"`
	RollbackScript       string    `json:"rollback_script,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Validate enforces the solution's structural invariants, in particular
// that a reversible patch carries a rollback script.
func (p *PatchSolution) Validate() error {
	if p.SolutionID == "" {
		return errors.New(errors.CodeMissingParameter, "domain", "solution_id is required", nil)
	}
	if p.ErrorID == "" {
		return errors.New(errors.CodeMissingParameter, "domain", "error_id is required", nil)
	}
	if !p.PatchType.IsValid() {
		return errors.New(errors.CodeValidationFailed, "domain",
			fmt.Sprintf("solution %s: invalid patch type %q", p.SolutionID, p.PatchType), nil)
	}
	if p.PatchScript == "" {
		return errors.New(errors.CodeValidationFailed, "domain",
			fmt.Sprintf("solution %s: patch script is empty", p.SolutionID), nil)
	}
	if p.EstimatedSuccessRate < 0 || p.EstimatedSuccessRate > 1 {
		return errors.New(errors.CodeValidationFailed, "domain",
			fmt.Sprintf("solution %s: success rate %.3f outside [0,1]", p.SolutionID, p.EstimatedSuccessRate), nil)
	}
	if p.IsReversible && p.RollbackScript == "" {
		return errors.New(errors.CodeValidationFailed, "domain",
			fmt.Sprintf("solution %s: reversible patch has no rollback script", p.SolutionID), nil)
	}
	return nil
}

// Clone returns an independent copy.
func (p *PatchSolution) Clone() *PatchSolution {
	cp := *p
	cp.Dependencies = append([]string(nil), p.Dependencies...)
	cp.ValidationSteps = append([]string(nil), p.ValidationSteps...)
	return &cp
}
