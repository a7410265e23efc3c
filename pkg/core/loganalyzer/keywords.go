package loganalyzer

import (
	"strings"

	"pipeline-copilot/pkg/domain"
)

// severityKeywords maps indicator words to the severity they imply, checked
// most damaging first. "failed" counts as critical.
var severityKeywords = []struct {
	severity domain.Severity
	words    []string
}{
	{domain.SeverityCritical, []string{"critical", "fatal", "crash", "exception", "failed"}},
	{domain.SeverityHigh, []string{"error", "invalid", "missing"}},
	{domain.SeverityMedium, []string{"warning", "deprecated"}},
}

// inferSeverity derives a severity from error text.
func inferSeverity(text string) domain.Severity {
	lower := strings.ToLower(text)
	for _, group := range severityKeywords {
		for _, word := range group.words {
			if strings.Contains(lower, word) {
				return group.severity
			}
		}
	}
	return domain.SeverityLow
}

// stageKeywords are checked in this order. post_deploy comes first: its
// indicators contain earlier stages' words ("deployment health" would match
// deploy otherwise).
var stageKeywords = []struct {
	stage domain.Stage
	words []string
}{
	{domain.StagePostDeploy, []string{"post-deploy", "post_deploy", "smoke test", "health check", "healthcheck", "rollout status", "liveness", "readiness"}},
	{domain.StageCheckout, []string{"checkout", "clone", "fetch origin", "git pull", "submodule"}},
	{domain.StageSecurityScan, []string{"security scan", "vulnerability", "cve-", "trivy", "snyk", "sast", "dependency check", "audit"}},
	{domain.StageDeploy, []string{"deploy", "helm", "kubectl", "rollout", "release", "terraform apply"}},
	{domain.StageTest, []string{"test", "pytest", "jest", "junit", "spec", "assertion", "coverage"}},
	{domain.StageBuild, []string{"build", "compile", "docker build", "npm install", "pip install", "webpack", "gradle", "maven", "make"}},
}

// inferStage derives the pipeline stage from the text surrounding an error.
// Unmatched text defaults to build, the stage most ambiguous failures belong
// to.
func inferStage(text string) domain.Stage {
	lower := strings.ToLower(text)
	for _, group := range stageKeywords {
		for _, word := range group.words {
			if strings.Contains(lower, word) {
				return group.stage
			}
		}
	}
	return domain.StageBuild
}
