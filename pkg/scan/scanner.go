package scan

import (
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"pipeline-copilot/pkg/domain/errors"
)

// Scanner is the uniform capability set over heterogeneous security
// scanners. Adapters that lack a capability return a not-supported failure
// from it rather than a silent empty report. Connect prepares scanners that
// maintain a session; stateless adapters use it as an availability check.
type Scanner interface {
	Name() string
	Connect(ctx context.Context) error
	ScanContainer(ctx context.Context, imageRef string) (*VulnerabilityReport, error)
	ScanProject(ctx context.Context, repoURL string) (*VulnerabilityReport, error)
	ScanWebApp(ctx context.Context, url string) (*VulnerabilityReport, error)
}

func errNotSupported(scanner string, capability Type) error {
	return errors.New(errors.CodeNotSupported, "scan",
		fmt.Sprintf("scanner %s does not support %s scans", scanner, capability), nil)
}

// CommandRunner executes one scanner binary invocation and reports its
// stdout and exit code. An error is returned only when the process could not
// run to completion (spawn failure, context cancellation); a non-zero exit
// with output is a result, not an error, since several scanners signal
// "findings present" through their exit code.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout []byte, exitCode int, err error)
}

// ExecRunner runs scanner binaries through os/exec.
type ExecRunner struct{}

var _ CommandRunner = ExecRunner{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err == nil {
		return out, 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, -1, ctxErr
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return out, exitErr.ExitCode(), nil
	}
	return out, -1, err
}

// FakeCmdResult is one canned answer for FakeCommands.
type FakeCmdResult struct {
	Stdout   string
	ExitCode int
	Err      error
}

// FakeCommands answers invocations from a table keyed by the full command
// line, falling back to Default, and records every call. Safe for
// concurrent use.
type FakeCommands struct {
	Results map[string]FakeCmdResult
	Default FakeCmdResult

	mu    sync.Mutex
	calls []string
}

var _ CommandRunner = (*FakeCommands)(nil)

func (f *FakeCommands) Run(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, -1, err
	}
	line := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	f.calls = append(f.calls, line)
	f.mu.Unlock()

	if res, ok := f.Results[line]; ok {
		return []byte(res.Stdout), res.ExitCode, res.Err
	}
	return []byte(f.Default.Stdout), f.Default.ExitCode, f.Default.Err
}

// Calls returns the command lines run so far, in order.
func (f *FakeCommands) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
