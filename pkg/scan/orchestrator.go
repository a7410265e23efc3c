// Package scan fans security scans out to external scanner adapters and
// consolidates their findings. The orchestrator deduplicates the merged
// report, gates it against the environment's severity allowances, and, when
// the gate passes, emits a signed CycloneDX SBOM artifact. A failed adapter
// degrades the report instead of aborting the run.
package scan

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

// DefaultScannerTimeout bounds one adapter invocation.
const DefaultScannerTimeout = 300 * time.Second

// Request names the inputs of one security scan run. BlockingSeverity is
// the lowest severity at which an exceeded allowance fails the gate; empty
// selects high.
type Request struct {
	RepoURL          string          `json:"repo_url"`
	CommitSHA        string          `json:"commit_sha"`
	ArtifactURL      string          `json:"artifact_url,omitempty"`
	ScanTypes        []string        `json:"scan_types"`
	BlockingSeverity domain.Severity `json:"blocking_severity,omitempty"`
}

// GateCheck is one severity level's threshold comparison.
type GateCheck struct {
	Severity  domain.Severity `json:"severity"`
	Count     int             `json:"count"`
	Allowance int             `json:"allowance"` // -1 means unlimited
	Exceeded  bool            `json:"exceeded"`
	Blocking  bool            `json:"blocking"`
}

// Outcome is one run's result. SBOMPath and SignaturePath are set only when
// the gate passed and artifact emission is configured.
type Outcome struct {
	Passed        bool                 `json:"passed"`
	Report        *VulnerabilityReport `json:"report"`
	Gate          []GateCheck          `json:"gate"`
	SBOMPath      string               `json:"sbom_url,omitempty"`
	SignaturePath string               `json:"signature_url,omitempty"`
}

// Options wires the orchestrator. Allowances maps severity to the allowed
// finding count for this deployment's environment (-1 unlimited); nil
// selects the development defaults. Signer and ArtifactDir are both needed
// for SBOM emission; Metrics is optional.
type Options struct {
	Scanners           []Scanner
	Allowances         map[domain.Severity]int
	Environment        string
	ArtifactDir        string
	Signer             *Signer
	Metrics            *MetricsCollector
	ScannerTimeout     time.Duration
	MaxConcurrentScans int
	Clock              domain.Clock
	Logger             zerolog.Logger
}

// Orchestrator runs the scan fan-out for one deployment of the platform.
// Safe for concurrent use.
type Orchestrator struct {
	scanners    []Scanner
	allowances  map[domain.Severity]int
	environment string
	artifactDir string
	signer      *Signer
	metrics     *MetricsCollector
	timeout     time.Duration
	maxScans    int
	clock       domain.Clock
	logger      zerolog.Logger
	sbom        *SBOMGenerator
}

// NewOrchestrator builds an orchestrator from its collaborators.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Allowances == nil {
		opts.Allowances = map[domain.Severity]int{
			domain.SeverityCritical: 0,
			domain.SeverityHigh:     5,
			domain.SeverityMedium:   10,
			domain.SeverityLow:      -1,
			domain.SeverityInfo:     -1,
		}
	}
	if opts.Environment == "" {
		opts.Environment = "development"
	}
	if opts.ScannerTimeout <= 0 {
		opts.ScannerTimeout = DefaultScannerTimeout
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	logger := opts.Logger.With().Str("component", "scan_orchestrator").Logger()
	if len(opts.Scanners) == 0 {
		logger.Warn().Msg("no scanners configured; every run will produce an empty report")
	}
	return &Orchestrator{
		scanners:    opts.Scanners,
		allowances:  opts.Allowances,
		environment: opts.Environment,
		artifactDir: opts.ArtifactDir,
		signer:      opts.Signer,
		metrics:     opts.Metrics,
		timeout:     opts.ScannerTimeout,
		maxScans:    opts.MaxConcurrentScans,
		clock:       opts.Clock,
		logger:      logger,
		sbom:        NewSBOMGenerator(opts.Clock, ""),
	}
}

// task is one adapter capability invocation implied by a request.
type task struct {
	Type   Type
	Target string
}

// scannerRun collects one scanner's contribution to a run.
type scannerRun struct {
	name     string
	reports  []*VulnerabilityReport
	failures []string
}

// Run executes the scan fan-out and returns the consolidated, gated
// outcome. Cancelling ctx aborts outstanding adapter calls; results from
// already-completed scanners are still consolidated.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	blocking := req.BlockingSeverity
	if blocking == "" {
		blocking = domain.SeverityHigh
	}
	if !blocking.IsValid() {
		return nil, errors.New(errors.CodeInvalidParameter, "scan",
			fmt.Sprintf("unknown blocking severity %q", req.BlockingSeverity), nil)
	}

	tasks := o.buildTasks(req)
	target := fmt.Sprintf("%s@%s", req.RepoURL, req.CommitSHA)

	runs := make([]scannerRun, len(o.scanners))
	if len(tasks) > 0 {
		var g errgroup.Group
		if o.maxScans > 0 {
			g.SetLimit(o.maxScans)
		}
		for i, sc := range o.scanners {
			i, sc := i, sc
			g.Go(func() error {
				runs[i] = o.runScanner(ctx, sc, tasks)
				return nil
			})
		}
		// Workers report failures through their scannerRun; a failed task
		// degrades the report and never aborts the run.
		_ = g.Wait()
	}

	report := o.consolidate(target, req, runs)
	gate, passed, exceeded := o.evaluateGate(report, blocking)

	if o.metrics != nil {
		o.metrics.RecordReport(target, report.Summary)
		o.metrics.RecordGate(o.environment, passed, exceeded)
	}

	outcome := &Outcome{Passed: passed, Report: report, Gate: gate}
	if passed && o.signer != nil && o.artifactDir != "" {
		if err := o.emitArtifacts(report, req.CommitSHA, outcome); err != nil {
			return nil, err
		}
	}

	o.logger.Info().
		Str("target", target).
		Str("environment", o.environment).
		Str("blocking_severity", string(blocking)).
		Int("findings", report.Total()).
		Bool("passed", passed).
		Msg("security scan run completed")
	return outcome, nil
}

// buildTasks derives the adapter invocations a request implies. Unknown
// scan types and types whose required input is missing are skipped with a
// warning; partial runs are preferred over rejected ones.
func (o *Orchestrator) buildTasks(req Request) []task {
	seen := make(map[Type]bool)
	var tasks []task
	for _, raw := range req.ScanTypes {
		scanType, err := ParseType(raw)
		if err != nil {
			o.logger.Warn().Str("scan_type", raw).Msg("ignoring unknown scan type")
			continue
		}
		if seen[scanType] {
			continue
		}
		seen[scanType] = true

		switch scanType {
		case TypeContainer:
			if req.ArtifactURL == "" {
				o.logger.Warn().Msg("skipping container scan: no artifact_url in request")
				continue
			}
			tasks = append(tasks, task{Type: scanType, Target: req.ArtifactURL})
		case TypeProject:
			if req.RepoURL == "" {
				o.logger.Warn().Msg("skipping project scan: no repo_url in request")
				continue
			}
			tasks = append(tasks, task{Type: scanType, Target: req.RepoURL})
		case TypeWebApp:
			if !strings.HasPrefix(req.ArtifactURL, "http://") && !strings.HasPrefix(req.ArtifactURL, "https://") {
				o.logger.Warn().Str("artifact_url", req.ArtifactURL).
					Msg("skipping webapp scan: artifact_url is not an http(s) endpoint")
				continue
			}
			tasks = append(tasks, task{Type: scanType, Target: req.ArtifactURL})
		}
	}
	return tasks
}

// runScanner connects one adapter and walks it through the task list in
// order, so arrival order within the scanner is the task order.
func (o *Orchestrator) runScanner(ctx context.Context, sc Scanner, tasks []task) scannerRun {
	run := scannerRun{name: sc.Name()}

	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	err := sc.Connect(cctx)
	cancel()
	if err != nil {
		o.logger.Warn().Str("scanner", run.name).Err(err).Msg("scanner connect failed; skipping its tasks")
		run.failures = append(run.failures, fmt.Sprintf("%s: connect: %s", run.name, errors.CodeOf(err)))
		if o.metrics != nil {
			o.metrics.RecordScanError(run.name, string(errors.CodeOf(err)))
		}
		return run
	}

	for _, tk := range tasks {
		report, err := o.runTask(ctx, sc, tk)
		switch {
		case errors.HasCode(err, errors.CodeNotSupported):
			o.logger.Debug().Str("scanner", run.name).Str("scan_type", string(tk.Type)).
				Msg("scanner lacks this capability")
		case err != nil:
			o.logger.Warn().Str("scanner", run.name).Str("scan_type", string(tk.Type)).
				Err(err).Msg("scan task failed; omitting its findings")
			run.failures = append(run.failures, fmt.Sprintf("%s: %s: %s", run.name, tk.Type, errors.CodeOf(err)))
			if o.metrics != nil {
				o.metrics.RecordScanError(run.name, string(errors.CodeOf(err)))
			}
		default:
			run.reports = append(run.reports, report)
			if o.metrics != nil {
				o.metrics.RecordLastScanTime(run.name, report.ScanTimestamp)
				for _, v := range report.Vulnerabilities {
					if v.CVSSScore > 0 {
						o.metrics.RecordCVSS(run.name, v.CVSSScore)
					}
				}
			}
		}
	}
	return run
}

func (o *Orchestrator) runTask(ctx context.Context, sc Scanner, tk task) (*VulnerabilityReport, error) {
	tctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := o.clock.Now()
	var report *VulnerabilityReport
	var err error
	switch tk.Type {
	case TypeContainer:
		report, err = sc.ScanContainer(tctx, tk.Target)
	case TypeProject:
		report, err = sc.ScanProject(tctx, tk.Target)
	case TypeWebApp:
		report, err = sc.ScanWebApp(tctx, tk.Target)
	}

	if o.metrics != nil && !errors.HasCode(err, errors.CodeNotSupported) {
		status := "success"
		if err != nil {
			status = "failure"
		}
		o.metrics.RecordScan(sc.Name(), tk.Type, status, o.clock.Now().Sub(start))
	}
	return report, err
}

// mergeEntry pairs a finding with its ordering keys during consolidation.
type mergeEntry struct {
	vuln    Vulnerability
	scanner string
}

// consolidate merges per-scanner reports into one. Scanner groups are
// serialized by name; inside a group, findings sort into severity buckets
// with CVSS descending, and arrival order breaks the remaining ties.
// Duplicate (id, component) pairs keep their first occurrence.
func (o *Orchestrator) consolidate(target string, req Request, runs []scannerRun) *VulnerabilityReport {
	ordered := make([]scannerRun, len(runs))
	copy(ordered, runs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].name < ordered[j].name })

	var entries []mergeEntry
	var failures []string
	duplicates := 0
	seen := make(map[string]bool)
	for _, run := range ordered {
		failures = append(failures, run.failures...)
		for _, rep := range run.reports {
			for _, v := range rep.Vulnerabilities {
				key := v.ID + "|" + v.AffectedComponent
				if seen[key] {
					duplicates++
					continue
				}
				seen[key] = true
				entries = append(entries, mergeEntry{vuln: v, scanner: run.name})
			}
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].scanner != entries[j].scanner {
			return entries[i].scanner < entries[j].scanner
		}
		ri, rj := entries[i].vuln.Severity.Rank(), entries[j].vuln.Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return entries[i].vuln.CVSSScore > entries[j].vuln.CVSSScore
	})

	report := NewReport("consolidated", target, o.clock)
	for _, e := range entries {
		report.Append(e.vuln)
	}

	names := make([]string, 0, len(o.scanners))
	for _, run := range ordered {
		if run.name != "" {
			names = append(names, run.name)
		}
	}
	scannerValues := make([]domain.Value, len(names))
	for i, name := range names {
		scannerValues[i] = domain.Str(name)
	}
	failureValues := make([]domain.Value, len(failures))
	for i, f := range failures {
		failureValues[i] = domain.Str(f)
	}

	report.Metadata["environment"] = domain.Str(o.environment)
	report.Metadata["repo_url"] = domain.Str(req.RepoURL)
	report.Metadata["commit_sha"] = domain.Str(req.CommitSHA)
	report.Metadata["scanners"] = domain.List(scannerValues...)
	report.Metadata["failures"] = domain.List(failureValues...)
	report.Metadata["degraded"] = domain.Bool(len(failures) > 0)
	report.Metadata["duplicates_removed"] = domain.Int(duplicates)
	return report
}

// evaluateGate compares the merged summary to the environment's allowance
// table. A severity strictly exceeding its allowance fails the gate iff it
// is at or above the blocking severity. Severities absent from the table
// are unlimited.
func (o *Orchestrator) evaluateGate(report *VulnerabilityReport, blocking domain.Severity) ([]GateCheck, bool, []domain.Severity) {
	passed := true
	var exceeded []domain.Severity
	gate := make([]GateCheck, 0, len(domain.Severities()))
	for _, sev := range domain.Severities() {
		allowance, ok := o.allowances[sev]
		if !ok {
			allowance = -1
		}
		count := report.Summary[sev]
		check := GateCheck{
			Severity:  sev,
			Count:     count,
			Allowance: allowance,
			Exceeded:  allowance >= 0 && count > allowance,
			Blocking:  sev.AtLeast(blocking),
		}
		if check.Exceeded {
			exceeded = append(exceeded, sev)
			if check.Blocking {
				passed = false
			}
		}
		gate = append(gate, check)
	}
	return gate, passed, exceeded
}

// emitArtifacts writes sbom-<commit>.json and its detached .sig next to
// each other under the artifact directory.
func (o *Orchestrator) emitArtifacts(report *VulnerabilityReport, commit string, outcome *Outcome) error {
	bom := o.sbom.FromReport(report)

	var buf bytes.Buffer
	if err := o.sbom.Write(bom, &buf); err != nil {
		return errors.Internal("scan", "failed to encode sbom", err)
	}

	if err := os.MkdirAll(o.artifactDir, 0o755); err != nil {
		return errors.Internal("scan", fmt.Sprintf("failed to create artifact dir %s", o.artifactDir), err)
	}

	slug := artifactSlug(commit)
	if slug == "" {
		slug = artifactSlug(report.Target)
	}
	sbomPath := filepath.Join(o.artifactDir, fmt.Sprintf("sbom-%s.json", slug))
	if err := os.WriteFile(sbomPath, buf.Bytes(), 0o644); err != nil {
		return errors.Internal("scan", fmt.Sprintf("failed to write sbom %s", sbomPath), err)
	}

	sigPath := sbomPath + ".sig"
	if err := os.WriteFile(sigPath, []byte(o.signer.SignEncoded(buf.Bytes())), 0o644); err != nil {
		return errors.Internal("scan", fmt.Sprintf("failed to write signature %s", sigPath), err)
	}

	outcome.SBOMPath = sbomPath
	outcome.SignaturePath = sigPath
	o.logger.Info().Str("sbom", sbomPath).Str("signature", sigPath).Msg("sbom artifacts emitted")
	return nil
}

// artifactSlug makes a target safe as a file name component.
func artifactSlug(target string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, target)
	return strings.Trim(slug, "-")
}
