package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"pipeline-copilot/pkg/core/ml"
	"pipeline-copilot/pkg/core/runner"
	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
	"pipeline-copilot/pkg/history"
)

// Command names accepted by Execute.
const (
	CmdAnalyzeError    = "analyze_error"
	CmdGeneratePatch   = "generate_patch"
	CmdApplyPatch      = "apply_patch"
	CmdApplyAllPatches = "apply_all_patches"
	CmdRollbackPatch   = "rollback_patch"
	CmdExportSession   = "export_session"
	CmdSessionSummary  = "get_session_summary"
	CmdCommandHistory  = "get_command_history"
	CmdClassifyErrorML = "classify_error_ml"
	CmdTrainMLModels   = "train_ml_models"
	CmdModelInfo       = "get_ml_model_info"
	CmdExit            = "exit"
)

var knownCommands = map[string]bool{
	CmdAnalyzeError:    true,
	CmdGeneratePatch:   true,
	CmdApplyPatch:      true,
	CmdApplyAllPatches: true,
	CmdRollbackPatch:   true,
	CmdExportSession:   true,
	CmdSessionSummary:  true,
	CmdCommandHistory:  true,
	CmdClassifyErrorML: true,
	CmdTrainMLModels:   true,
	CmdModelInfo:       true,
	CmdExit:            true,
}

const (
	defaultHistoryLast  = 10
	defaultHistoryTop   = 5
	defaultMLThreshold  = 0.6
	trainingSearchLimit = 500
)

// Command is one client instruction to a session.
type Command struct {
	Name string                  `json:"command"`
	Args map[string]domain.Value `json:"args,omitempty"`
}

// Execute processes one command. Commands run strictly sequentially under
// the session's command lock. A handler failure becomes an error event and
// leaves the session active; Execute itself only returns an error when the
// session is not in a state to accept commands at all.
func (s *Session) Execute(ctx context.Context, cmd Command) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	status := s.Status()
	if status == StatusInitializing {
		return errors.New(errors.CodeInvalidState, "debug",
			fmt.Sprintf("session %s has not started yet", s.id), nil)
	}
	if status.Terminal() {
		return errors.New(errors.CodeInvalidState, "debug",
			fmt.Sprintf("session %s is %s and accepts no commands", s.id, status), nil)
	}

	// Unrecognized names are reported on the stream but kept out of the
	// command log, which covers the supported vocabulary only.
	if !knownCommands[cmd.Name] {
		s.publish(EventError, nil, fmt.Sprintf("unknown command %q", cmd.Name))
		return nil
	}
	s.recordCommand(cmd.Name)

	if cmd.Name == CmdExit {
		s.complete()
		return nil
	}

	var err error
	switch cmd.Name {
	case CmdAnalyzeError:
		err = s.analyzeError(ctx, cmd.Args)
	case CmdGeneratePatch:
		err = s.generatePatch(ctx, cmd.Args)
	case CmdApplyPatch:
		err = s.applyPatch(ctx, cmd.Args)
	case CmdApplyAllPatches:
		err = s.applyAllPatches(ctx, cmd.Args)
	case CmdRollbackPatch:
		err = s.rollbackPatch(ctx, cmd.Args)
	case CmdExportSession:
		err = s.exportSession(cmd.Args)
	case CmdSessionSummary:
		s.publish(EventSessionSummary, s.Summary(), "")
	case CmdCommandHistory:
		s.commandHistory(cmd.Args)
	case CmdClassifyErrorML:
		err = s.classifyErrorML(cmd.Args)
	case CmdTrainMLModels:
		err = s.trainMLModels(ctx, cmd.Args)
	case CmdModelInfo:
		err = s.modelInfo()
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("command", cmd.Name).Msg("command failed")
		s.publish(EventError, nil, err.Error())
	}
	return nil
}

func (s *Session) analyzeError(ctx context.Context, args map[string]domain.Value) error {
	errorID, err := stringArg(args, "error_id")
	if err != nil {
		return err
	}
	if s.errorByID(errorID) == nil {
		return errors.New(errors.CodeNotFound, "debug",
			fmt.Sprintf("error %q is not part of this session", errorID), nil)
	}
	analysis, err := s.analyzer.GetErrorAnalysis(ctx, errorID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.analyses = append(s.analyses, analysis)
	s.publishLocked(EventAnalysisResult, analysis, "")
	s.mu.Unlock()
	return nil
}

func (s *Session) generatePatch(ctx context.Context, args map[string]domain.Value) error {
	errorID, err := stringArg(args, "error_id")
	if err != nil {
		return err
	}
	rec := s.errorByID(errorID)
	if rec == nil {
		return errors.New(errors.CodeNotFound, "debug",
			fmt.Sprintf("error %q is not part of this session", errorID), nil)
	}
	sol, err := s.synth.Synthesize(ctx, rec, contextArg(args, "context"))
	if err != nil {
		return err
	}
	s.rememberSolution(sol)
	s.publish(EventPatchSolution, sol, "")
	return nil
}

// PatchOutcome is the data payload of patch_applied events, one per patch.
type PatchOutcome struct {
	ErrorID    string              `json:"error_id"`
	SolutionID string              `json:"solution_id,omitempty"`
	DryRun     bool                `json:"dry_run"`
	Success    bool                `json:"success"`
	Result     *runner.ApplyResult `json:"result,omitempty"`
	Message    string              `json:"message,omitempty"`
}

func (s *Session) applyPatch(ctx context.Context, args map[string]domain.Value) error {
	sol, err := solutionArg(args, "patch")
	if err != nil {
		return err
	}
	dryRun := boolArg(args, "dry_run", false)

	var res *runner.ApplyResult
	if dryRun {
		res, err = s.runner.DryRun(ctx, sol)
	} else {
		res, err = s.runner.Apply(ctx, sol, s.approved(args))
	}
	if err != nil {
		return err
	}
	if !dryRun {
		s.recordApplied(sol)
	}
	s.publish(EventPatchApplied, &PatchOutcome{
		ErrorID:    sol.ErrorID,
		SolutionID: sol.SolutionID,
		DryRun:     dryRun,
		Success:    true,
		Result:     res,
	}, "")
	return nil
}

// approved resolves the effective approval flag for an apply. When approval
// is not required every apply runs pre-approved; otherwise the client must
// pass approved=true explicitly.
func (s *Session) approved(args map[string]domain.Value) bool {
	if !s.cfg.ApprovalRequired {
		return true
	}
	return boolArg(args, "approved", false)
}

// BatchSummary is the data payload of batch_summary events.
type BatchSummary struct {
	Total     int  `json:"total"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	DryRun    bool `json:"dry_run"`
}

// applyAllPatches walks the requested errors in ascending id order and
// emits one patch_applied event per error followed by a batch_summary.
// Individual failures mark their outcome failed without stopping the batch.
func (s *Session) applyAllPatches(ctx context.Context, args map[string]domain.Value) error {
	if !s.cfg.AutoPatchEnabled {
		return errors.New(errors.CodeNotSupported, "debug", "auto-patching is disabled", nil)
	}
	ids, err := stringListArg(args, "error_ids")
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		ids = s.unpatchedIDs()
	}
	sort.Strings(ids)

	dryRun := boolArg(args, "dry_run", false)
	approved := s.approved(args)

	summary := &BatchSummary{Total: len(ids), DryRun: dryRun}
	applied := 0
	for _, id := range ids {
		outcome := s.applyOne(ctx, id, dryRun, approved, &applied)
		if outcome.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		s.publish(EventPatchApplied, outcome, "")
	}
	s.publish(EventBatchSummary, summary, "")
	return nil
}

func (s *Session) applyOne(ctx context.Context, errorID string, dryRun, approved bool, applied *int) *PatchOutcome {
	out := &PatchOutcome{ErrorID: errorID, DryRun: dryRun}

	rec := s.errorByID(errorID)
	if rec == nil {
		out.Message = fmt.Sprintf("error %q is not part of this session", errorID)
		return out
	}

	sol := s.solutionFor(errorID)
	if sol == nil {
		var err error
		sol, err = s.synth.Synthesize(ctx, rec, nil)
		if err != nil {
			out.Message = err.Error()
			return out
		}
		s.rememberSolution(sol)
	}
	out.SolutionID = sol.SolutionID

	if dryRun {
		res, err := s.runner.DryRun(ctx, sol)
		if err != nil {
			out.Message = err.Error()
			return out
		}
		out.Success = true
		out.Result = res
		return out
	}

	if *applied >= s.cfg.MaxAutoPatchesPerRun {
		out.Message = fmt.Sprintf("auto-patch limit of %d reached for this run", s.cfg.MaxAutoPatchesPerRun)
		return out
	}
	res, err := s.runner.Apply(ctx, sol, approved)
	if err != nil {
		out.Message = err.Error()
		return out
	}
	*applied++
	s.recordApplied(sol)
	out.Success = true
	out.Result = res
	return out
}

func (s *Session) rollbackPatch(ctx context.Context, args map[string]domain.Value) error {
	solutionID, err := stringArg(args, "solution_id")
	if err != nil {
		return err
	}
	res, err := s.runner.Rollback(ctx, solutionID)
	if err != nil {
		return err
	}
	s.dropApplied(solutionID)
	s.publish(EventPatchRollback, res, "")
	return nil
}

// ExportPayload is the data payload of session_exported events.
type ExportPayload struct {
	Format  Format `json:"format"`
	Content string `json:"content"`
}

func (s *Session) exportSession(args map[string]domain.Value) error {
	format, err := ParseFormat(optStringArg(args, "format", string(FormatJSON)))
	if err != nil {
		return err
	}
	content, err := Export(s.Snapshot(), format)
	if err != nil {
		return err
	}
	s.publish(EventSessionExported, &ExportPayload{Format: format, Content: content}, "")
	return nil
}

func (s *Session) commandHistory(args map[string]domain.Value) {
	lastN := intArg(args, "last", defaultHistoryLast)
	topK := intArg(args, "top", defaultHistoryTop)
	s.mu.RLock()
	entries := append([]HistoryEntry(nil), s.log...)
	s.mu.RUnlock()
	s.publish(EventCommandHistory, summarizeHistory(entries, lastN, topK), "")
}

// ClassificationPayload is the data payload of ml_classification events,
// one classification result per requested model family.
type ClassificationPayload struct {
	ErrorID string                                      `json:"error_id"`
	Results map[ml.Family]*domain.ClassificationResult `json:"results"`
}

func (s *Session) classifyErrorML(args map[string]domain.Value) error {
	if s.classifier == nil {
		return errors.New(errors.CodeUnavailable, "debug", "no ml classifier is configured", nil)
	}
	errorID, err := stringArg(args, "error_id")
	if err != nil {
		return err
	}
	rec := s.errorByID(errorID)
	if rec == nil {
		return errors.New(errors.CodeNotFound, "debug",
			fmt.Sprintf("error %q is not part of this session", errorID), nil)
	}

	families, err := familiesArg(args, "model_types")
	if err != nil {
		return err
	}
	threshold := floatArg(args, "threshold", defaultMLThreshold)
	detailed := boolArg(args, "return_all", false)

	payload := &ClassificationPayload{
		ErrorID: errorID,
		Results: make(map[ml.Family]*domain.ClassificationResult, len(families)),
	}
	targets := domain.Targets()
	for _, family := range families {
		sel := make(map[domain.Target]ml.Family, len(targets))
		for _, target := range targets {
			sel[target] = family
		}
		res, err := s.classifier.Classify(rec, sel, threshold, detailed)
		if err != nil {
			return err
		}
		payload.Results[family] = res
	}
	s.publish(EventClassification, payload, "")
	return nil
}

// TrainingOutcome reports one (target, family) training attempt.
type TrainingOutcome struct {
	Target  domain.Target      `json:"target"`
	Family  ml.Family          `json:"family"`
	Success bool               `json:"success"`
	Report  *ml.TrainingReport `json:"report,omitempty"`
	Message string             `json:"message,omitempty"`
}

// TrainingPayload is the data payload of ml_training_result events.
type TrainingPayload struct {
	Records  int               `json:"records"`
	Outcomes []TrainingOutcome `json:"outcomes"`
}

// trainMLModels retrains models from the error history. Pairs that fail to
// train, for example from too few distinct classes, report their failure in
// the payload while the remaining pairs proceed.
func (s *Session) trainMLModels(ctx context.Context, args map[string]domain.Value) error {
	if s.classifier == nil {
		return errors.New(errors.CodeUnavailable, "debug", "no ml classifier is configured", nil)
	}
	if s.store == nil {
		return errors.New(errors.CodeUnavailable, "debug", "no history store is configured", nil)
	}

	families, err := familiesArg(args, "model_types")
	if err != nil {
		return err
	}
	targets, err := targetsArg(args, "targets")
	if err != nil {
		return err
	}

	entries, err := s.store.Search(ctx, history.Query{Limit: intArg(args, "limit", trainingSearchLimit)})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New(errors.CodeInsufficientData, "debug", "no historical errors to train on", nil)
	}
	records := make([]*domain.PipelineError, 0, len(entries))
	for _, e := range entries {
		records = append(records, e.Error)
	}

	payload := &TrainingPayload{Records: len(records)}
	for _, target := range targets {
		for _, family := range families {
			outcome := TrainingOutcome{Target: target, Family: family}
			report, err := s.classifier.Train(ctx, records, target, family, ml.TrainOptions{})
			if err != nil {
				outcome.Message = err.Error()
			} else {
				outcome.Success = true
				outcome.Report = report
			}
			payload.Outcomes = append(payload.Outcomes, outcome)
		}
	}
	s.publish(EventTrainingResult, payload, "")
	return nil
}

// ModelInfoPayload is the data payload of ml_model_info events.
type ModelInfoPayload struct {
	Models []ml.TrainingReport `json:"models"`
}

func (s *Session) modelInfo() error {
	if s.classifier == nil {
		return errors.New(errors.CodeUnavailable, "debug", "no ml classifier is configured", nil)
	}
	s.publish(EventModelInfo, &ModelInfoPayload{Models: s.classifier.Reports()}, "")
	return nil
}

func stringArg(args map[string]domain.Value, key string) (string, error) {
	v, ok := args[key]
	if !ok || v.IsNull() {
		return "", errors.New(errors.CodeMissingParameter, "debug",
			fmt.Sprintf("argument %q is required", key), nil)
	}
	str, ok := v.Str()
	if !ok || str == "" {
		return "", errors.New(errors.CodeInvalidParameter, "debug",
			fmt.Sprintf("argument %q must be a non-empty string", key), nil)
	}
	return str, nil
}

func optStringArg(args map[string]domain.Value, key, def string) string {
	if v, ok := args[key]; ok {
		if str, ok := v.Str(); ok && str != "" {
			return str
		}
	}
	return def
}

func boolArg(args map[string]domain.Value, key string, def bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.Bool(); ok {
			return b
		}
	}
	return def
}

func intArg(args map[string]domain.Value, key string, def int) int {
	if v, ok := args[key]; ok {
		if n, ok := v.Int(); ok {
			return int(n)
		}
	}
	return def
}

func floatArg(args map[string]domain.Value, key string, def float64) float64 {
	if v, ok := args[key]; ok {
		if f, ok := v.Float(); ok {
			return f
		}
	}
	return def
}

func stringListArg(args map[string]domain.Value, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v.IsNull() {
		return nil, nil
	}
	items, ok := v.List()
	if !ok {
		return nil, errors.New(errors.CodeInvalidParameter, "debug",
			fmt.Sprintf("argument %q must be a list of strings", key), nil)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.Str()
		if !ok {
			return nil, errors.New(errors.CodeInvalidParameter, "debug",
				fmt.Sprintf("argument %q must be a list of strings", key), nil)
		}
		out = append(out, str)
	}
	return out, nil
}

// solutionArg decodes a patch solution passed inline as a map argument.
func solutionArg(args map[string]domain.Value, key string) (*domain.PatchSolution, error) {
	v, ok := args[key]
	if !ok || v.IsNull() {
		return nil, errors.New(errors.CodeMissingParameter, "debug",
			fmt.Sprintf("argument %q is required", key), nil)
	}
	if v.Kind() != domain.KindMap {
		return nil, errors.New(errors.CodeInvalidParameter, "debug",
			fmt.Sprintf("argument %q must be a patch solution object", key), nil)
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, errors.New(errors.CodeInvalidParameter, "debug",
			fmt.Sprintf("argument %q could not be encoded", key), err)
	}
	var sol domain.PatchSolution
	if err := json.Unmarshal(raw, &sol); err != nil {
		return nil, errors.New(errors.CodeInvalidParameter, "debug",
			fmt.Sprintf("argument %q is not a patch solution", key), err)
	}
	if sol.SolutionID == "" || sol.ErrorID == "" {
		return nil, errors.New(errors.CodeInvalidParameter, "debug",
			fmt.Sprintf("argument %q must carry solution_id and error_id", key), nil)
	}
	return &sol, nil
}

func contextArg(args map[string]domain.Value, key string) domain.Context {
	v, ok := args[key]
	if !ok {
		return nil
	}
	m, ok := v.Map()
	if !ok {
		return nil
	}
	return domain.Context(m)
}

func familiesArg(args map[string]domain.Value, key string) ([]ml.Family, error) {
	names, err := stringListArg(args, key)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return []ml.Family{ml.FamilyTreeEnsemble}, nil
	}
	out := make([]ml.Family, 0, len(names))
	for _, name := range names {
		family, err := ml.ParseFamily(name)
		if err != nil {
			return nil, err
		}
		out = append(out, family)
	}
	return out, nil
}

func targetsArg(args map[string]domain.Value, key string) ([]domain.Target, error) {
	names, err := stringListArg(args, key)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return domain.Targets(), nil
	}
	out := make([]domain.Target, 0, len(names))
	for _, name := range names {
		target := domain.Target(name)
		if !target.IsValid() {
			return nil, errors.New(errors.CodeInvalidParameter, "debug",
				fmt.Sprintf("unknown training target %q", name), nil)
		}
		out = append(out, target)
	}
	return out, nil
}
