package scan

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

// SnykScanner adapts the Snyk CLI. It scans project dependencies and
// container images; it has no web-app capability.
type SnykScanner struct {
	path   string
	run    CommandRunner
	clock  domain.Clock
	logger zerolog.Logger
}

// SnykOptions configures the adapter. Zero values select the snyk binary on
// PATH, a real process runner, and the system clock.
type SnykOptions struct {
	Path   string
	Runner CommandRunner
	Clock  domain.Clock
	Logger zerolog.Logger
}

var _ Scanner = (*SnykScanner)(nil)

// NewSnykScanner builds the adapter.
func NewSnykScanner(opts SnykOptions) *SnykScanner {
	if opts.Path == "" {
		opts.Path = "snyk"
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	return &SnykScanner{
		path:   opts.Path,
		run:    opts.Runner,
		clock:  opts.Clock,
		logger: opts.Logger.With().Str("component", "snyk_scanner").Logger(),
	}
}

func (s *SnykScanner) Name() string { return "snyk" }

// Connect verifies the binary answers; snyk holds no session.
func (s *SnykScanner) Connect(ctx context.Context) error {
	_, code, err := s.run.Run(ctx, s.path, "--version")
	if err != nil {
		return errors.New(errors.CodeUnavailable, "scan", "snyk is not available", err)
	}
	if code != 0 {
		return errors.New(errors.CodeUnavailable, "scan",
			fmt.Sprintf("snyk version probe exited with code %d", code), nil)
	}
	return nil
}

func (s *SnykScanner) ScanContainer(ctx context.Context, imageRef string) (*VulnerabilityReport, error) {
	return s.scan(ctx, TypeContainer, imageRef, "container", "test", imageRef, "--json")
}

func (s *SnykScanner) ScanProject(ctx context.Context, repoURL string) (*VulnerabilityReport, error) {
	return s.scan(ctx, TypeProject, repoURL, "test", repoURL, "--json")
}

func (s *SnykScanner) ScanWebApp(ctx context.Context, _ string) (*VulnerabilityReport, error) {
	return nil, errNotSupported(s.Name(), TypeWebApp)
}

// snykReport is the subset of Snyk's JSON output the adapter consumes.
type snykReport struct {
	Vulnerabilities []struct {
		ID          string   `json:"id"`
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Severity    string   `json:"severity"`
		CVSSScore   float64  `json:"cvssScore"`
		PackageName string   `json:"packageName"`
		Version     string   `json:"version"`
		FixedIn     []string `json:"fixedIn,omitempty"`
		References  []struct {
			Title string `json:"title"`
			URL   string `json:"url"`
		} `json:"references,omitempty"`
	} `json:"vulnerabilities"`
	OK bool `json:"ok"`
}

func (s *SnykScanner) scan(ctx context.Context, scanType Type, target string, args ...string) (*VulnerabilityReport, error) {
	if target == "" {
		return nil, errors.New(errors.CodeMissingParameter, "scan",
			fmt.Sprintf("snyk %s scan needs a target", scanType), nil)
	}

	out, code, err := s.run.Run(ctx, s.path, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.New(errors.CodeTimeout, "scan",
				fmt.Sprintf("snyk %s scan of %s timed out", scanType, target), err)
		}
		return nil, errors.New(errors.CodeScanFailed, "scan",
			fmt.Sprintf("snyk %s scan of %s failed to run", scanType, target), err)
	}
	// Snyk exits 0 when clean, 1 when vulnerabilities were found, 2 and up
	// on operational failure.
	if code != 0 && !(code == 1 && len(out) > 0) {
		return nil, errors.New(errors.CodeScanFailed, "scan",
			fmt.Sprintf("snyk %s scan of %s exited with code %d", scanType, target, code), nil)
	}

	var raw snykReport
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, errors.New(errors.CodeScanFailed, "scan",
			fmt.Sprintf("snyk %s scan of %s produced unparseable output", scanType, target), err)
	}

	report := NewReport(s.Name(), target, s.clock)
	report.Metadata["scan_type"] = domain.Str(string(scanType))
	for _, v := range raw.Vulnerabilities {
		var fixVersion string
		if len(v.FixedIn) > 0 {
			fixVersion = v.FixedIn[0]
		}
		refs := make([]string, 0, len(v.References))
		for _, ref := range v.References {
			if ref.URL != "" {
				refs = append(refs, ref.URL)
			}
		}
		report.Append(Vulnerability{
			ID:                v.ID,
			Title:             v.Title,
			Description:       v.Description,
			Severity:          snykSeverity(v.Severity),
			CVSSScore:         v.CVSSScore,
			AffectedComponent: fmt.Sprintf("%s@%s", v.PackageName, v.Version),
			FixVersion:        fixVersion,
			References:        refs,
		})
	}

	s.logger.Info().
		Str("scan_type", string(scanType)).
		Str("target", target).
		Int("findings", report.Total()).
		Msg("snyk scan completed")
	return report, nil
}

func snykSeverity(raw string) domain.Severity {
	if sev, err := domain.ParseSeverity(raw); err == nil {
		return sev
	}
	return domain.SeverityInfo
}
