// Package runner executes synthesized patches: dry-run simulation, approved
// application with dependency installation and validation steps, and
// rollback of reversible patches. Applied patches are tracked in a registry
// keyed by solution id.
package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/core/patch"
	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

// Config tunes patch execution.
type Config struct {
	// ScriptTimeout bounds the wall clock of each executed script.
	ScriptTimeout time.Duration
	// SnapshotPath, when set, is where SaveSnapshot and LoadSnapshot
	// persist the applied registry.
	SnapshotPath string
}

// DefaultConfig returns the standard runner settings.
func DefaultConfig() Config {
	return Config{ScriptTimeout: 5 * time.Minute}
}

// Options wires the runner's collaborators. Exec defaults to a ShellRunner.
type Options struct {
	Exec   ScriptRunner
	Clock  domain.Clock
	Logger zerolog.Logger
	Config Config
}

// Runner applies and rolls back patches. At most one apply or rollback per
// solution id runs at a time; dry runs proceed in parallel.
type Runner struct {
	exec    ScriptRunner
	clock   domain.Clock
	logger  zerolog.Logger
	cfg     Config
	applied *appliedRegistry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRunner builds a runner from its collaborators.
func NewRunner(opts Options) *Runner {
	if opts.Exec == nil {
		opts.Exec = &ShellRunner{}
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	if opts.Config.ScriptTimeout <= 0 {
		opts.Config.ScriptTimeout = DefaultConfig().ScriptTimeout
	}
	return &Runner{
		exec:    opts.Exec,
		clock:   opts.Clock,
		logger:  opts.Logger.With().Str("component", "runner").Logger(),
		cfg:     opts.Config,
		applied: newAppliedRegistry(),
		locks:   make(map[string]*sync.Mutex),
	}
}

// ValidationResult is the outcome of one validation step.
type ValidationResult struct {
	Step   string `json:"step"`
	Output string `json:"output,omitempty"`
	Passed bool   `json:"passed"`
}

// ApplyResult reports one dry run or apply.
type ApplyResult struct {
	SolutionID  string             `json:"solution_id"`
	ErrorID     string             `json:"error_id"`
	DryRun      bool               `json:"dry_run"`
	Output      string             `json:"output,omitempty"`
	Validations []ValidationResult `json:"validations,omitempty"`
	CompletedAt time.Time          `json:"completed_at"`
}

// RollbackResult reports one rollback.
type RollbackResult struct {
	SolutionID   string    `json:"solution_id"`
	Output       string    `json:"output,omitempty"`
	RolledBackAt time.Time `json:"rolled_back_at"`
}

// DryRun checks a patch without executing it: the scripts must clear the
// safety denylist and every declared dependency must resolve through a
// read-only probe.
func (r *Runner) DryRun(ctx context.Context, sol *domain.PatchSolution) (*ApplyResult, error) {
	if err := checkSolution(sol); err != nil {
		return nil, err
	}
	if err := patch.CheckSolutionScripts(sol.PatchScript, sol.RollbackScript); err != nil {
		return nil, err
	}

	var outputs []string
	for _, raw := range sol.Dependencies {
		dep := parseDependency(raw)
		if err := dep.validate(); err != nil {
			return nil, err
		}
		out, err := r.runScript(ctx, dep.resolveScript())
		if err != nil {
			return nil, errors.New(errors.CodeValidationFailed, "runner",
				fmt.Sprintf("dependency %q is not resolvable", raw), err)
		}
		if out = strings.TrimSpace(out); out != "" {
			outputs = append(outputs, out)
		}
	}

	r.logger.Info().
		Str("solution_id", sol.SolutionID).
		Int("dependencies", len(sol.Dependencies)).
		Msg("dry run passed")
	return &ApplyResult{
		SolutionID:  sol.SolutionID,
		ErrorID:     sol.ErrorID,
		DryRun:      true,
		Output:      strings.Join(outputs, "\n"),
		CompletedAt: r.clock.Now(),
	}, nil
}

// Apply executes a patch: approval gate, dependency installs, the patch
// script inside the execution timeout, then every validation step in order.
// Success records the patch in the applied registry; a patch already in the
// registry is rejected.
func (r *Runner) Apply(ctx context.Context, sol *domain.PatchSolution, approved bool) (*ApplyResult, error) {
	if err := checkSolution(sol); err != nil {
		return nil, err
	}
	if sol.RequiresApproval && !approved {
		return nil, errors.New(errors.CodeApprovalRequired, "runner",
			fmt.Sprintf("patch %s requires approval before it can be applied", sol.SolutionID), nil)
	}

	lock := r.lockFor(sol.SolutionID)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := r.applied.get(sol.SolutionID); ok {
		return nil, errors.New(errors.CodeAlreadyExists, "runner",
			fmt.Sprintf("patch %s is already applied", sol.SolutionID), nil)
	}
	if err := patch.CheckSolutionScripts(sol.PatchScript, sol.RollbackScript); err != nil {
		return nil, err
	}

	for _, raw := range sol.Dependencies {
		dep := parseDependency(raw)
		if err := dep.validate(); err != nil {
			return nil, err
		}
		if _, err := r.runScript(ctx, dep.installScript()); err != nil {
			return nil, errors.New(errors.CodePatchFailed, "runner",
				fmt.Sprintf("dependency %q failed to install", raw), err)
		}
	}

	output, err := r.runScript(ctx, sol.PatchScript)
	if err != nil {
		if errors.HasCode(err, errors.CodeTimeout) {
			return nil, err
		}
		return nil, errors.New(errors.CodePatchFailed, "runner",
			fmt.Sprintf("patch script for %s failed", sol.SolutionID), err)
	}

	validations := make([]ValidationResult, 0, len(sol.ValidationSteps))
	for i, step := range sol.ValidationSteps {
		stepOut, stepErr := r.runScript(ctx, step)
		validations = append(validations, ValidationResult{
			Step:   step,
			Output: strings.TrimSpace(stepOut),
			Passed: stepErr == nil,
		})
		if stepErr != nil {
			return nil, errors.New(errors.CodePatchFailed, "runner",
				fmt.Sprintf("validation step %d of %s failed", i+1, sol.SolutionID), stepErr)
		}
	}

	now := r.clock.Now()
	r.applied.put(&AppliedPatch{
		Solution:  sol.Clone(),
		AppliedAt: now,
		Output:    strings.TrimSpace(output),
	})

	r.logger.Info().
		Str("solution_id", sol.SolutionID).
		Str("error_id", sol.ErrorID).
		Str("patch_type", string(sol.PatchType)).
		Int("validations", len(validations)).
		Msg("patch applied")
	return &ApplyResult{
		SolutionID:  sol.SolutionID,
		ErrorID:     sol.ErrorID,
		Output:      strings.TrimSpace(output),
		Validations: validations,
		CompletedAt: now,
	}, nil
}

// Rollback undoes an applied reversible patch and removes it from the
// registry. An unknown solution id reports not-found, which also makes a
// second rollback of the same patch a clean no-op failure.
func (r *Runner) Rollback(ctx context.Context, solutionID string) (*RollbackResult, error) {
	if solutionID == "" {
		return nil, errors.New(errors.CodeMissingParameter, "runner", "solution_id is required", nil)
	}

	lock := r.lockFor(solutionID)
	lock.Lock()
	defer lock.Unlock()

	entry, ok := r.applied.get(solutionID)
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "runner",
			fmt.Sprintf("no applied patch with solution_id %q", solutionID), nil)
	}
	sol := entry.Solution
	if !sol.IsReversible || sol.RollbackScript == "" {
		return nil, errors.New(errors.CodeInvalidState, "runner",
			fmt.Sprintf("patch %s is not reversible", solutionID), nil)
	}
	if err := patch.CheckScript(sol.RollbackScript); err != nil {
		return nil, err
	}

	output, err := r.runScript(ctx, sol.RollbackScript)
	if err != nil {
		if errors.HasCode(err, errors.CodeTimeout) {
			return nil, err
		}
		return nil, errors.New(errors.CodePatchFailed, "runner",
			fmt.Sprintf("rollback script for %s failed", solutionID), err)
	}

	r.applied.remove(solutionID)
	r.logger.Info().
		Str("solution_id", solutionID).
		Str("error_id", sol.ErrorID).
		Msg("patch rolled back")
	return &RollbackResult{
		SolutionID:   solutionID,
		Output:       strings.TrimSpace(output),
		RolledBackAt: r.clock.Now(),
	}, nil
}

// Applied returns a copy of the registry entry for one solution id.
func (r *Runner) Applied(solutionID string) (*AppliedPatch, bool) {
	e, ok := r.applied.get(solutionID)
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// AppliedPatches lists the registry ordered by application time.
func (r *Runner) AppliedPatches() []*AppliedPatch {
	return r.applied.list()
}

// AppliedCount reports the registry size.
func (r *Runner) AppliedCount() int {
	return r.applied.len()
}

// runScript executes one script under the configured timeout.
func (r *Runner) runScript(ctx context.Context, script string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.ScriptTimeout)
	defer cancel()

	out, err := r.exec.Run(runCtx, script)
	if err != nil && runCtx.Err() == context.DeadlineExceeded {
		return out, errors.New(errors.CodeTimeout, "runner",
			"script exceeded the execution timeout", err)
	}
	return out, err
}

// lockFor returns the per-solution mutex, creating it on first use.
func (r *Runner) lockFor(solutionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[solutionID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[solutionID] = l
	}
	return l
}

func checkSolution(sol *domain.PatchSolution) error {
	if sol == nil {
		return errors.New(errors.CodeMissingParameter, "runner", "patch solution is required", nil)
	}
	return sol.Validate()
}
