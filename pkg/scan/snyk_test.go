package scan

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

const snykTestJSON = `{
  "ok": false,
  "vulnerabilities": [
    {
      "id": "SNYK-JS-LODASH-567746",
      "title": "Prototype Pollution",
      "description": "Affected versions of lodash are vulnerable to prototype pollution.",
      "severity": "high",
      "cvssScore": 7.4,
      "packageName": "lodash",
      "version": "4.17.15",
      "fixedIn": ["4.17.16", "5.0.0"],
      "references": [
        {"title": "GitHub Commit", "url": "https://github.com/lodash/lodash/commit/aa10"},
        {"title": "Advisory", "url": ""}
      ]
    },
    {
      "id": "SNYK-JS-MINIMIST-559764",
      "title": "Prototype Pollution",
      "severity": "medium",
      "cvssScore": 5.6,
      "packageName": "minimist",
      "version": "1.2.0"
    }
  ]
}`

func newSnyk(run CommandRunner) *SnykScanner {
	return NewSnykScanner(SnykOptions{
		Runner: run,
		Clock:  testClock(),
		Logger: zerolog.Nop(),
	})
}

func TestSnykScanProject(t *testing.T) {
	fake := &FakeCommands{Default: FakeCmdResult{Stdout: snykTestJSON, ExitCode: 1}}
	snyk := newSnyk(fake)

	report, err := snyk.ScanProject(context.Background(), "https://github.com/acme/shop")
	require.NoError(t, err)

	require.Equal(t, []string{"snyk test https://github.com/acme/shop --json"}, fake.Calls())
	assert.Equal(t, "snyk", report.ScannerName)
	assert.Equal(t, "https://github.com/acme/shop", report.Target)
	require.NoError(t, report.Validate())

	require.Equal(t, 2, report.Total())
	first := report.Vulnerabilities[0]
	assert.Equal(t, "SNYK-JS-LODASH-567746", first.ID)
	assert.Equal(t, domain.SeverityHigh, first.Severity)
	assert.Equal(t, "lodash@4.17.15", first.AffectedComponent)
	assert.Equal(t, "4.17.16", first.FixVersion)
	assert.InDelta(t, 7.4, first.CVSSScore, 1e-9)
	assert.Equal(t, []string{"https://github.com/lodash/lodash/commit/aa10"}, first.References)

	second := report.Vulnerabilities[1]
	assert.Equal(t, "minimist@1.2.0", second.AffectedComponent)
	assert.Empty(t, second.FixVersion)
	assert.Empty(t, second.References)
}

func TestSnykScanContainer(t *testing.T) {
	fake := &FakeCommands{Default: FakeCmdResult{Stdout: `{"ok": true, "vulnerabilities": []}`}}
	snyk := newSnyk(fake)

	report, err := snyk.ScanContainer(context.Background(), "alpine:3.19")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total())
	require.Equal(t, []string{"snyk container test alpine:3.19 --json"}, fake.Calls())
}

func TestSnykOperationalFailure(t *testing.T) {
	fake := &FakeCommands{Default: FakeCmdResult{Stdout: "missing auth token", ExitCode: 2}}
	snyk := newSnyk(fake)

	_, err := snyk.ScanProject(context.Background(), "https://github.com/acme/shop")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeScanFailed))
}

func TestSnykWebAppNotSupported(t *testing.T) {
	snyk := newSnyk(&FakeCommands{})
	_, err := snyk.ScanWebApp(context.Background(), "https://shop.example")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotSupported))
}

func TestSnykConnect(t *testing.T) {
	fake := &FakeCommands{Default: FakeCmdResult{Stdout: "1.1293.0"}}
	snyk := newSnyk(fake)
	require.NoError(t, snyk.Connect(context.Background()))
	require.Equal(t, []string{"snyk --version"}, fake.Calls())

	down := newSnyk(&FakeCommands{Default: FakeCmdResult{ExitCode: 2}})
	err := down.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeUnavailable))
}

func TestSnykSeverityMapping(t *testing.T) {
	assert.Equal(t, domain.SeverityCritical, snykSeverity("critical"))
	assert.Equal(t, domain.SeverityLow, snykSeverity("low"))
	assert.Equal(t, domain.SeverityInfo, snykSeverity("unknown-tier"))
}
