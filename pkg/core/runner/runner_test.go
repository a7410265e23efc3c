package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

func testRunner(t *testing.T, opts Options) (*Runner, *domain.FakeClock) {
	t.Helper()
	clock := domain.NewFakeClock(time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC))
	if opts.Clock == nil {
		opts.Clock = clock
	} else if fc, ok := opts.Clock.(*domain.FakeClock); ok {
		clock = fc
	}
	opts.Logger = zerolog.Nop()
	if opts.Exec == nil {
		opts.Exec = &FakeRunner{}
	}
	return NewRunner(opts), clock
}

func testSolution(clock domain.Clock) *domain.PatchSolution {
	return &domain.PatchSolution{
		SolutionID:           "sol_feedfacecafe",
		ErrorID:              "err_deadbeef0001",
		PatchType:            domain.PatchTypeDependency,
		PatchScript:          "pip install 'requests'",
		IsReversible:         true,
		EstimatedSuccessRate: 0.9,
		Dependencies:         []string{"pip:requests"},
		ValidationSteps:      []string{"pip show 'requests'"},
		RollbackScript:       "pip uninstall -y 'requests'",
		CreatedAt:            clock.Now(),
	}
}

func TestDryRunResolvesDependencies(t *testing.T) {
	fake := &FakeRunner{Default: FakeResult{Output: "requests (2.31.0)\n"}}
	r, clock := testRunner(t, Options{Exec: fake})
	sol := testSolution(clock)

	res, err := r.DryRun(context.Background(), sol)
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Equal(t, sol.SolutionID, res.SolutionID)
	assert.Equal(t, sol.ErrorID, res.ErrorID)
	assert.Equal(t, "requests (2.31.0)", res.Output)
	assert.Equal(t, clock.Now(), res.CompletedAt)

	// Only the read-only dependency probe ran; the patch script did not.
	assert.Equal(t, []string{"python3 -m pip index versions 'requests'"}, fake.Runs())
	assert.Equal(t, 0, r.AppliedCount())
}

func TestDryRunDenylistedScript(t *testing.T) {
	fake := &FakeRunner{}
	r, clock := testRunner(t, Options{Exec: fake})
	sol := testSolution(clock)
	sol.PatchScript = "sudo pip install 'requests'"

	_, err := r.DryRun(context.Background(), sol)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeSecurityViolation))
	assert.Empty(t, fake.Runs())
}

func TestDryRunUnresolvableDependency(t *testing.T) {
	fake := &FakeRunner{Results: map[string]FakeResult{
		"python3 -m pip index versions 'requests'": {Err: fmt.Errorf("exit status 1")},
	}}
	r, clock := testRunner(t, Options{Exec: fake})

	_, err := r.DryRun(context.Background(), testSolution(clock))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeValidationFailed))
}

func TestDryRunRejectsUnsafeDependencyName(t *testing.T) {
	fake := &FakeRunner{}
	r, clock := testRunner(t, Options{Exec: fake})
	sol := testSolution(clock)
	sol.Dependencies = []string{"pip:requests'; touch /tmp/pwned"}

	_, err := r.DryRun(context.Background(), sol)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidParameter))
	assert.Empty(t, fake.Runs())
}

func TestApplyHappyPath(t *testing.T) {
	fake := &FakeRunner{Default: FakeResult{Output: "done\n"}}
	r, clock := testRunner(t, Options{Exec: fake})
	sol := testSolution(clock)

	res, err := r.Apply(context.Background(), sol, false)
	require.NoError(t, err)

	assert.False(t, res.DryRun)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, clock.Now(), res.CompletedAt)
	require.Len(t, res.Validations, 1)
	assert.Equal(t, "pip show 'requests'", res.Validations[0].Step)
	assert.True(t, res.Validations[0].Passed)

	// Dependency install, patch script, then the validation step.
	assert.Equal(t, []string{
		"pip install 'requests'",
		"pip install 'requests'",
		"pip show 'requests'",
	}, fake.Runs())

	require.Equal(t, 1, r.AppliedCount())
	entry, ok := r.Applied(sol.SolutionID)
	require.True(t, ok)
	assert.Equal(t, sol.SolutionID, entry.Solution.SolutionID)
	assert.Equal(t, clock.Now(), entry.AppliedAt)
	assert.NotSame(t, sol, entry.Solution)
}

func TestApplyRequiresApproval(t *testing.T) {
	fake := &FakeRunner{}
	r, clock := testRunner(t, Options{Exec: fake})
	sol := testSolution(clock)
	sol.RequiresApproval = true

	_, err := r.Apply(context.Background(), sol, false)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeApprovalRequired))
	assert.Empty(t, fake.Runs())
	assert.Equal(t, 0, r.AppliedCount())

	_, err = r.Apply(context.Background(), sol, true)
	require.NoError(t, err)
	assert.Equal(t, 1, r.AppliedCount())
}

func TestApplyRejectsReapply(t *testing.T) {
	r, clock := testRunner(t, Options{})
	sol := testSolution(clock)

	_, err := r.Apply(context.Background(), sol, false)
	require.NoError(t, err)

	_, err = r.Apply(context.Background(), sol, false)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeAlreadyExists))
	assert.Equal(t, 1, r.AppliedCount())
}

func TestApplyDependencyInstallFailure(t *testing.T) {
	fake := &FakeRunner{Results: map[string]FakeResult{
		"npm install 'left-pad'": {Err: fmt.Errorf("exit status 1")},
	}}
	r, clock := testRunner(t, Options{Exec: fake})
	sol := testSolution(clock)
	sol.Dependencies = []string{"npm:left-pad"}

	_, err := r.Apply(context.Background(), sol, false)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePatchFailed))
	assert.Contains(t, err.Error(), "npm:left-pad")
	assert.Equal(t, 0, r.AppliedCount())
}

func TestApplyScriptFailure(t *testing.T) {
	fake := &FakeRunner{Results: map[string]FakeResult{
		"pip install 'flask'": {Err: fmt.Errorf("exit status 2")},
	}}
	r, clock := testRunner(t, Options{Exec: fake})
	sol := testSolution(clock)
	sol.Dependencies = nil
	sol.PatchScript = "pip install 'flask'"

	_, err := r.Apply(context.Background(), sol, false)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePatchFailed))
	assert.Equal(t, 0, r.AppliedCount())
}

func TestApplyValidationFailureNotRecorded(t *testing.T) {
	fake := &FakeRunner{Results: map[string]FakeResult{
		"pip show 'requests'": {Output: "not found", Err: fmt.Errorf("exit status 1")},
	}}
	r, clock := testRunner(t, Options{Exec: fake})

	_, err := r.Apply(context.Background(), testSolution(clock), false)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePatchFailed))
	assert.Contains(t, err.Error(), "validation step 1")
	assert.Equal(t, 0, r.AppliedCount())
}

func TestApplyTimeout(t *testing.T) {
	r, clock := testRunner(t, Options{
		Exec:   BlockingRunner{},
		Config: Config{ScriptTimeout: 10 * time.Millisecond},
	})
	sol := testSolution(clock)
	sol.Dependencies = nil

	_, err := r.Apply(context.Background(), sol, false)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeTimeout))
	assert.Equal(t, 0, r.AppliedCount())
}

func TestApplyConcurrentSameSolution(t *testing.T) {
	r, clock := testRunner(t, Options{})
	sol := testSolution(clock)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Apply(context.Background(), sol, false)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var applied, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			applied++
		case errors.HasCode(err, errors.CodeAlreadyExists):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 1, r.AppliedCount())
}

func TestRollback(t *testing.T) {
	fake := &FakeRunner{}
	r, clock := testRunner(t, Options{Exec: fake})
	sol := testSolution(clock)

	_, err := r.Apply(context.Background(), sol, false)
	require.NoError(t, err)

	res, err := r.Rollback(context.Background(), sol.SolutionID)
	require.NoError(t, err)
	assert.Equal(t, sol.SolutionID, res.SolutionID)
	assert.Equal(t, clock.Now(), res.RolledBackAt)
	assert.Equal(t, 0, r.AppliedCount())

	runs := fake.Runs()
	assert.Equal(t, "pip uninstall -y 'requests'", runs[len(runs)-1])

	// Idempotency: the second rollback reports not-found.
	_, err = r.Rollback(context.Background(), sol.SolutionID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestRollbackIrreversiblePatch(t *testing.T) {
	r, clock := testRunner(t, Options{})
	sol := testSolution(clock)
	sol.SolutionID = "sol_oneway000001"
	sol.IsReversible = false
	sol.RollbackScript = ""

	_, err := r.Apply(context.Background(), sol, false)
	require.NoError(t, err)

	_, err = r.Rollback(context.Background(), sol.SolutionID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidState))
	assert.Equal(t, 1, r.AppliedCount())
}

func TestRollbackValidation(t *testing.T) {
	r, _ := testRunner(t, Options{})

	_, err := r.Rollback(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeMissingParameter))

	_, err = r.Rollback(context.Background(), "sol_missing00000")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestRollbackScriptFailureKeepsEntry(t *testing.T) {
	fake := &FakeRunner{Results: map[string]FakeResult{
		"pip uninstall -y 'requests'": {Err: fmt.Errorf("exit status 1")},
	}}
	r, clock := testRunner(t, Options{Exec: fake})
	sol := testSolution(clock)

	_, err := r.Apply(context.Background(), sol, false)
	require.NoError(t, err)

	_, err = r.Rollback(context.Background(), sol.SolutionID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePatchFailed))
	assert.Equal(t, 1, r.AppliedCount())
}

func TestAppliedPatchesOrdering(t *testing.T) {
	r, clock := testRunner(t, Options{})

	first := testSolution(clock)
	first.SolutionID = "sol_zfirst000001"
	_, err := r.Apply(context.Background(), first, false)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second := testSolution(clock)
	second.SolutionID = "sol_asecond00001"
	_, err = r.Apply(context.Background(), second, false)
	require.NoError(t, err)

	list := r.AppliedPatches()
	require.Len(t, list, 2)
	assert.Equal(t, "sol_zfirst000001", list[0].Solution.SolutionID)
	assert.Equal(t, "sol_asecond00001", list[1].Solution.SolutionID)
	assert.True(t, list[0].AppliedAt.Before(list[1].AppliedAt))
}

func TestInvalidSolutionRejected(t *testing.T) {
	r, clock := testRunner(t, Options{})

	_, err := r.DryRun(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeMissingParameter))

	// A reversible patch without a rollback script fails validation.
	sol := testSolution(clock)
	sol.RollbackScript = ""
	_, err = r.Apply(context.Background(), sol, false)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeValidationFailed))
}
