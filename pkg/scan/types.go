package scan

import (
	"fmt"
	"time"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

// Type names one scanner capability.
type Type string

const (
	TypeContainer Type = "container"
	TypeProject   Type = "project"
	TypeWebApp    Type = "webapp"
)

// Types returns the recognized scan types.
func Types() []Type {
	return []Type{TypeContainer, TypeProject, TypeWebApp}
}

// IsValid reports whether t is a recognized scan type.
func (t Type) IsValid() bool {
	return t == TypeContainer || t == TypeProject || t == TypeWebApp
}

// ParseType validates a raw scan type string.
func ParseType(raw string) (Type, error) {
	t := Type(raw)
	if !t.IsValid() {
		return "", errors.New(errors.CodeInvalidParameter, "scan",
			fmt.Sprintf("unknown scan type %q", raw), nil)
	}
	return t, nil
}

// Vulnerability is one finding in the common schema every adapter maps its
// native output into.
type Vulnerability struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Severity    domain.Severity `json:"severity"`
	CVSSScore   float64         `json:"cvss_score,omitempty"`
	// AffectedComponent names the vulnerable component as name@version.
	AffectedComponent string   `json:"affected_component"`
	FixVersion        string   `json:"fix_version,omitempty"`
	References        []string `json:"references,omitempty"`
}

// VulnerabilityReport is the result of one scan, or of a consolidation of
// many. Summary is derived from Vulnerabilities and kept in sync by Append;
// a report is immutable once emitted to a caller.
type VulnerabilityReport struct {
	ScannerName     string                  `json:"scanner_name"`
	ScanTimestamp   time.Time               `json:"scan_timestamp"`
	Target          string                  `json:"target"`
	Vulnerabilities []Vulnerability         `json:"vulnerabilities"`
	Summary         map[domain.Severity]int `json:"summary"`
	Metadata        map[string]domain.Value `json:"metadata,omitempty"`
}

// NewReport builds an empty report stamped with the clock's current time.
func NewReport(scannerName, target string, clock domain.Clock) *VulnerabilityReport {
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &VulnerabilityReport{
		ScannerName:     scannerName,
		ScanTimestamp:   clock.Now(),
		Target:          target,
		Vulnerabilities: []Vulnerability{},
		Summary:         emptySummary(),
		Metadata:        map[string]domain.Value{},
	}
}

func emptySummary() map[domain.Severity]int {
	summary := make(map[domain.Severity]int, len(domain.Severities()))
	for _, sev := range domain.Severities() {
		summary[sev] = 0
	}
	return summary
}

// Append adds findings and updates the summary to match.
func (r *VulnerabilityReport) Append(vulns ...Vulnerability) {
	if r.Summary == nil {
		r.Summary = emptySummary()
	}
	for _, v := range vulns {
		r.Vulnerabilities = append(r.Vulnerabilities, v)
		r.Summary[v.Severity]++
	}
}

// Recount rebuilds the summary from the vulnerability list. Callers that
// construct reports literally use it to restore the summary invariant.
func (r *VulnerabilityReport) Recount() {
	r.Summary = emptySummary()
	for _, v := range r.Vulnerabilities {
		r.Summary[v.Severity]++
	}
}

// Total returns the number of findings.
func (r *VulnerabilityReport) Total() int { return len(r.Vulnerabilities) }

// Validate checks the report's structural invariants: a named scanner,
// recognized severities, and a summary that matches the findings.
func (r *VulnerabilityReport) Validate() error {
	if r.ScannerName == "" {
		return errors.New(errors.CodeValidationFailed, "scan", "report has no scanner_name", nil)
	}
	counted := make(map[domain.Severity]int, len(r.Summary))
	for _, v := range r.Vulnerabilities {
		if !v.Severity.IsValid() {
			return errors.New(errors.CodeValidationFailed, "scan",
				fmt.Sprintf("finding %s has invalid severity %q", v.ID, v.Severity), nil)
		}
		counted[v.Severity]++
	}
	for sev, n := range r.Summary {
		if counted[sev] != n {
			return errors.New(errors.CodeDataMismatch, "scan",
				fmt.Sprintf("summary counts %d %s findings, report contains %d", n, sev, counted[sev]), nil)
		}
	}
	for sev, n := range counted {
		if n != r.Summary[sev] {
			return errors.New(errors.CodeDataMismatch, "scan",
				fmt.Sprintf("report contains %d %s findings missing from summary", n, sev), nil)
		}
	}
	return nil
}

// Clone returns a deep copy the caller may keep across consolidation.
func (r *VulnerabilityReport) Clone() *VulnerabilityReport {
	if r == nil {
		return nil
	}
	out := &VulnerabilityReport{
		ScannerName:   r.ScannerName,
		ScanTimestamp: r.ScanTimestamp,
		Target:        r.Target,
	}
	out.Vulnerabilities = make([]Vulnerability, len(r.Vulnerabilities))
	for i, v := range r.Vulnerabilities {
		v.References = append([]string(nil), v.References...)
		out.Vulnerabilities[i] = v
	}
	if r.Summary != nil {
		out.Summary = make(map[domain.Severity]int, len(r.Summary))
		for sev, n := range r.Summary {
			out.Summary[sev] = n
		}
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]domain.Value, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
