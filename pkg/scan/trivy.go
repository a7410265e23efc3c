package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

// TrivyScanner adapts the Trivy CLI. It scans container images and project
// repositories; it has no web-app capability.
type TrivyScanner struct {
	path   string
	run    CommandRunner
	clock  domain.Clock
	logger zerolog.Logger
}

// TrivyOptions configures the adapter. Zero values select the trivy binary
// on PATH, a real process runner, and the system clock.
type TrivyOptions struct {
	Path   string
	Runner CommandRunner
	Clock  domain.Clock
	Logger zerolog.Logger
}

var _ Scanner = (*TrivyScanner)(nil)

// NewTrivyScanner builds the adapter.
func NewTrivyScanner(opts TrivyOptions) *TrivyScanner {
	if opts.Path == "" {
		opts.Path = "trivy"
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	return &TrivyScanner{
		path:   opts.Path,
		run:    opts.Runner,
		clock:  opts.Clock,
		logger: opts.Logger.With().Str("component", "trivy_scanner").Logger(),
	}
}

func (t *TrivyScanner) Name() string { return "trivy" }

// Connect verifies the binary answers; trivy holds no session.
func (t *TrivyScanner) Connect(ctx context.Context) error {
	_, code, err := t.run.Run(ctx, t.path, "version", "--format", "json")
	if err != nil {
		return errors.New(errors.CodeUnavailable, "scan", "trivy is not available", err)
	}
	if code != 0 {
		return errors.New(errors.CodeUnavailable, "scan",
			fmt.Sprintf("trivy version probe exited with code %d", code), nil)
	}
	return nil
}

func (t *TrivyScanner) ScanContainer(ctx context.Context, imageRef string) (*VulnerabilityReport, error) {
	return t.scan(ctx, TypeContainer, imageRef, "image")
}

func (t *TrivyScanner) ScanProject(ctx context.Context, repoURL string) (*VulnerabilityReport, error) {
	return t.scan(ctx, TypeProject, repoURL, "repo")
}

func (t *TrivyScanner) ScanWebApp(ctx context.Context, _ string) (*VulnerabilityReport, error) {
	return nil, errNotSupported(t.Name(), TypeWebApp)
}

// trivyReport is the subset of Trivy's JSON output the adapter consumes.
type trivyReport struct {
	Results []struct {
		Target          string `json:"Target"`
		Vulnerabilities []struct {
			VulnerabilityID  string               `json:"VulnerabilityID"`
			PkgName          string               `json:"PkgName"`
			InstalledVersion string               `json:"InstalledVersion"`
			FixedVersion     string               `json:"FixedVersion,omitempty"`
			Severity         string               `json:"Severity"`
			Title            string               `json:"Title"`
			Description      string               `json:"Description"`
			References       []string             `json:"References,omitempty"`
			CVSS             map[string]trivyCVSS `json:"CVSS,omitempty"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

type trivyCVSS struct {
	V2Score float64 `json:"V2Score,omitempty"`
	V3Score float64 `json:"V3Score,omitempty"`
}

func (t *TrivyScanner) scan(ctx context.Context, scanType Type, target, subcommand string) (*VulnerabilityReport, error) {
	if target == "" {
		return nil, errors.New(errors.CodeMissingParameter, "scan",
			fmt.Sprintf("trivy %s scan needs a target", scanType), nil)
	}

	args := []string{subcommand, "--format", "json", "--quiet", "--no-progress", target}
	out, code, err := t.run.Run(ctx, t.path, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.New(errors.CodeTimeout, "scan",
				fmt.Sprintf("trivy %s scan of %s timed out", scanType, target), err)
		}
		return nil, errors.New(errors.CodeScanFailed, "scan",
			fmt.Sprintf("trivy %s scan of %s failed to run", scanType, target), err)
	}
	// Exit code 1 with output means findings were reported, not a broken run.
	if code != 0 && !(code == 1 && len(out) > 0) {
		return nil, errors.New(errors.CodeScanFailed, "scan",
			fmt.Sprintf("trivy %s scan of %s exited with code %d", scanType, target, code), nil)
	}

	var raw trivyReport
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, errors.New(errors.CodeScanFailed, "scan",
			fmt.Sprintf("trivy %s scan of %s produced unparseable output", scanType, target), err)
	}

	report := NewReport(t.Name(), target, t.clock)
	report.Metadata["scan_type"] = domain.Str(string(scanType))
	for _, result := range raw.Results {
		for _, v := range result.Vulnerabilities {
			report.Append(Vulnerability{
				ID:                v.VulnerabilityID,
				Title:             v.Title,
				Description:       v.Description,
				Severity:          trivySeverity(v.Severity),
				CVSSScore:         trivyScore(v.CVSS),
				AffectedComponent: fmt.Sprintf("%s@%s", v.PkgName, v.InstalledVersion),
				FixVersion:        v.FixedVersion,
				References:        v.References,
			})
		}
	}

	t.logger.Info().
		Str("scan_type", string(scanType)).
		Str("target", target).
		Int("findings", report.Total()).
		Msg("trivy scan completed")
	return report, nil
}

func trivySeverity(raw string) domain.Severity {
	switch strings.ToUpper(raw) {
	case "CRITICAL":
		return domain.SeverityCritical
	case "HIGH":
		return domain.SeverityHigh
	case "MEDIUM":
		return domain.SeverityMedium
	case "LOW":
		return domain.SeverityLow
	default:
		return domain.SeverityInfo
	}
}

// trivyScore picks the strongest CVSS score across sources, preferring v3.
func trivyScore(cvss map[string]trivyCVSS) float64 {
	var best float64
	for _, c := range cvss {
		score := c.V3Score
		if score == 0 {
			score = c.V2Score
		}
		if score > best {
			best = score
		}
	}
	return best
}
