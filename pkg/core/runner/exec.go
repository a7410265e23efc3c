package runner

import (
	"context"
	"os/exec"
	"sync"
)

// ScriptRunner executes one shell script and returns its combined output.
// The context bounds the script's wall clock.
type ScriptRunner interface {
	Run(ctx context.Context, script string) (string, error)
}

// ShellRunner executes scripts through `sh -c`, optionally in a fixed
// working directory.
type ShellRunner struct {
	Dir string
}

var _ ScriptRunner = (*ShellRunner)(nil)

func (r *ShellRunner) Run(ctx context.Context, script string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// FakeResult is one canned answer for the FakeRunner.
type FakeResult struct {
	Output string
	Err    error
}

// FakeRunner records every script it is asked to run and answers from a
// per-script table, falling back to Default. Safe for concurrent use.
type FakeRunner struct {
	Results map[string]FakeResult
	Default FakeResult

	mu   sync.Mutex
	runs []string
}

var _ ScriptRunner = (*FakeRunner)(nil)

func (f *FakeRunner) Run(ctx context.Context, script string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.runs = append(f.runs, script)
	f.mu.Unlock()

	if res, ok := f.Results[script]; ok {
		return res.Output, res.Err
	}
	return f.Default.Output, f.Default.Err
}

// Runs returns the scripts executed so far, in order.
func (f *FakeRunner) Runs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

// BlockingRunner parks every call until the context expires; it exists to
// exercise timeout handling.
type BlockingRunner struct{}

var _ ScriptRunner = (*BlockingRunner)(nil)

func (BlockingRunner) Run(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}
