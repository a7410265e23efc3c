package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pipeline-copilot/pkg/domain"
)

// FakeScanner is an in-memory Scanner for tests and local wiring. It
// answers each supported capability with the configured findings and
// records every call. Safe for concurrent use.
type FakeScanner struct {
	// ScannerName is the identity preserved in emitted reports.
	ScannerName string
	// Supported limits the capabilities that answer; empty means all.
	Supported []Type
	// Findings are returned from every supported scan call.
	Findings map[Type][]Vulnerability
	// Err fails every scan call when set.
	Err error
	// ConnectErr fails Connect when set.
	ConnectErr error
	// Delay parks each scan call until it elapses or the context ends.
	Delay time.Duration
	// Clock stamps emitted reports; nil selects the system clock.
	Clock domain.Clock

	mu       sync.Mutex
	connects int
	scans    []string
}

var _ Scanner = (*FakeScanner)(nil)

func (f *FakeScanner) Name() string {
	if f.ScannerName == "" {
		return "fake"
	}
	return f.ScannerName
}

func (f *FakeScanner) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	return f.ConnectErr
}

func (f *FakeScanner) ScanContainer(ctx context.Context, imageRef string) (*VulnerabilityReport, error) {
	return f.scan(ctx, TypeContainer, imageRef)
}

func (f *FakeScanner) ScanProject(ctx context.Context, repoURL string) (*VulnerabilityReport, error) {
	return f.scan(ctx, TypeProject, repoURL)
}

func (f *FakeScanner) ScanWebApp(ctx context.Context, url string) (*VulnerabilityReport, error) {
	return f.scan(ctx, TypeWebApp, url)
}

func (f *FakeScanner) scan(ctx context.Context, scanType Type, target string) (*VulnerabilityReport, error) {
	if !f.supports(scanType) {
		return nil, errNotSupported(f.Name(), scanType)
	}

	f.mu.Lock()
	f.scans = append(f.scans, fmt.Sprintf("%s %s", scanType, target))
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}

	report := NewReport(f.Name(), target, f.Clock)
	report.Metadata["scan_type"] = domain.Str(string(scanType))
	report.Append(f.Findings[scanType]...)
	return report, nil
}

func (f *FakeScanner) supports(scanType Type) bool {
	if len(f.Supported) == 0 {
		return true
	}
	for _, t := range f.Supported {
		if t == scanType {
			return true
		}
	}
	return false
}

// Connects returns how many times Connect was called.
func (f *FakeScanner) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Scans returns the scan calls made so far as "<type> <target>" lines.
func (f *FakeScanner) Scans() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scans...)
}
