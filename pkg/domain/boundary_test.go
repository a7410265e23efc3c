// Package domain_test holds architecture tests that keep the shared
// contracts importable from every service binary without dragging
// transport or process dependencies along.
package domain_test

import (
	"go/build"
	"strings"
	"testing"
)

func importsOf(t *testing.T, dir string) []string {
	t.Helper()
	pkg, err := build.ImportDir(dir, 0)
	if err != nil {
		t.Fatalf("importing %s: %v", dir, err)
	}
	return append(pkg.Imports, pkg.TestImports...)
}

// TestDomainStaysDependencyFree ensures the contract types compile into
// any binary: no transport, no subprocesses, no storage drivers, no
// sibling packages above the domain layer.
func TestDomainStaysDependencyFree(t *testing.T) {
	domainDirs := map[string]string{
		"domain":        ".",
		"domain/errors": "errors",
	}

	forbiddenImports := []string{
		"net/http",
		"os/exec",
		"database/sql",
	}

	for name, dir := range domainDirs {
		t.Run(name, func(t *testing.T) {
			for _, imp := range importsOf(t, dir) {
				for _, forbidden := range forbiddenImports {
					if strings.Contains(imp, forbidden) {
						t.Errorf("domain package %s imports forbidden dependency: %s", name, imp)
					}
				}
				if strings.HasPrefix(imp, "pipeline-copilot/") && !strings.HasPrefix(imp, "pipeline-copilot/pkg/domain") {
					t.Errorf("domain package %s reaches outside the domain layer: %s", name, imp)
				}
			}
		})
	}
}

// TestAnalysisCoreStaysOffline ensures classification and patch
// synthesis stay callable without network or subprocess access. Script
// execution belongs to pkg/core/runner alone, which is why it is absent
// from this table.
func TestAnalysisCoreStaysOffline(t *testing.T) {
	coreDirs := map[string]string{
		"core/features":    "../core/features",
		"core/loganalyzer": "../core/loganalyzer",
		"core/ml":          "../core/ml",
		"core/patch":       "../core/patch",
		"core/patterns":    "../core/patterns",
	}

	forbiddenImports := []string{
		"net/http",
		"os/exec",
		"database/sql",
		"pipeline-copilot/pkg/gateway",
		"pipeline-copilot/pkg/scan",
		"pipeline-copilot/pkg/debug",
		"pipeline-copilot/pkg/config",
	}

	for name, dir := range coreDirs {
		t.Run(name, func(t *testing.T) {
			for _, imp := range importsOf(t, dir) {
				for _, forbidden := range forbiddenImports {
					if strings.Contains(imp, forbidden) {
						t.Errorf("core package %s imports forbidden dependency: %s", name, imp)
					}
				}
			}
		})
	}
}

// TestServicesShareOnlyContracts ensures the gateway, the scan
// orchestrator, and the debug manager never link each other directly.
// Services talk over the wire; the only code they share lives under
// pkg/domain.
func TestServicesShareOnlyContracts(t *testing.T) {
	serviceDirs := map[string]string{
		"gateway": "../gateway",
		"scan":    "../scan",
		"debug":   "../debug",
	}

	for name, dir := range serviceDirs {
		t.Run(name, func(t *testing.T) {
			for _, imp := range importsOf(t, dir) {
				for other := range serviceDirs {
					if other == name {
						continue
					}
					if strings.HasPrefix(imp, "pipeline-copilot/pkg/"+other) {
						t.Errorf("service package %s links %s directly", name, imp)
					}
				}
			}
		})
	}
}
