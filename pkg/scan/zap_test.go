package scan

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

// fakeZAPDaemon emulates the slice of the ZAP JSON API the adapter uses.
type fakeZAPDaemon struct {
	mu           sync.Mutex
	spiderPolls  int
	missingKey   bool
	alertsTarget string
}

func (d *fakeZAPDaemon) handler(apiKey string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if apiKey != "" && r.URL.Query().Get("apikey") != apiKey {
			d.missingKey = true
		}
		switch r.URL.Path {
		case "/JSON/core/view/version/":
			fmt.Fprint(w, `{"version": "2.15.0"}`)
		case "/JSON/spider/action/scan/":
			fmt.Fprint(w, `{"scan": "7"}`)
		case "/JSON/spider/view/status/":
			d.spiderPolls++
			if d.spiderPolls < 2 {
				fmt.Fprint(w, `{"status": "54"}`)
				return
			}
			fmt.Fprint(w, `{"status": "100"}`)
		case "/JSON/ascan/action/scan/":
			fmt.Fprint(w, `{"scan": "12"}`)
		case "/JSON/ascan/view/status/":
			fmt.Fprint(w, `{"status": "100"}`)
		case "/JSON/core/view/alerts/":
			d.alertsTarget = r.URL.Query().Get("baseurl")
			fmt.Fprint(w, `{"alerts": [
				{"pluginId": "40012", "alertRef": "40012-1", "alert": "Cross Site Scripting (Reflected)",
				 "risk": "High", "description": "Reflected XSS in the search parameter.",
				 "url": "https://shop.example/search", "solution": "Encode output.",
				 "reference": "https://owasp.org/xss\nhttps://cwe.mitre.org/data/definitions/79.html"},
				{"pluginId": "10038", "alert": "Content Security Policy Header Not Set",
				 "risk": "Medium", "reference": ""}
			]}`)
		default:
			http.NotFound(w, r)
		}
	})
}

func newZAPTest(t *testing.T, handler http.Handler, apiKey string) *ZAPScanner {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewZAPScanner(ZAPOptions{
		BaseURL:      srv.URL,
		APIKey:       apiKey,
		Clock:        testClock(),
		Logger:       zerolog.Nop(),
		PollInterval: time.Millisecond,
	})
}

func TestZAPScanWebApp(t *testing.T) {
	daemon := &fakeZAPDaemon{}
	zap := newZAPTest(t, daemon.handler("hunter2"), "hunter2")

	report, err := zap.ScanWebApp(context.Background(), "https://shop.example")
	require.NoError(t, err)
	require.NoError(t, report.Validate())

	assert.Equal(t, "zap", report.ScannerName)
	assert.Equal(t, "https://shop.example", report.Target)
	assert.False(t, daemon.missingKey, "every api call must carry the key")
	assert.GreaterOrEqual(t, daemon.spiderPolls, 2, "spider status must be polled until complete")
	assert.Equal(t, "https://shop.example", daemon.alertsTarget)

	require.Equal(t, 2, report.Total())
	xss := report.Vulnerabilities[0]
	assert.Equal(t, "ZAP-40012-1", xss.ID)
	assert.Equal(t, domain.SeverityHigh, xss.Severity)
	assert.Equal(t, "https://shop.example/search", xss.AffectedComponent)
	assert.Len(t, xss.References, 2)

	csp := report.Vulnerabilities[1]
	assert.Equal(t, "ZAP-10038", csp.ID, "falls back to the plugin id without an alertRef")
	assert.Equal(t, domain.SeverityMedium, csp.Severity)
	assert.Equal(t, "https://shop.example", csp.AffectedComponent, "alert without a url maps to the scan target")
	assert.Empty(t, csp.References)
}

func TestZAPConnect(t *testing.T) {
	daemon := &fakeZAPDaemon{}
	zap := newZAPTest(t, daemon.handler(""), "")
	require.NoError(t, zap.Connect(context.Background()))

	down := newZAPTest(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "api key incorrect", http.StatusForbidden)
	}), "")
	err := down.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeUnavailable))
}

func TestZAPOnlySupportsWebApps(t *testing.T) {
	zap := newZAPTest(t, http.NotFoundHandler(), "")

	_, err := zap.ScanContainer(context.Background(), "alpine:3.19")
	assert.True(t, errors.HasCode(err, errors.CodeNotSupported))

	_, err = zap.ScanProject(context.Background(), "https://github.com/acme/shop")
	assert.True(t, errors.HasCode(err, errors.CodeNotSupported))
}

func TestZAPScanTimesOut(t *testing.T) {
	stuck := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/JSON/spider/action/scan/":
			fmt.Fprint(w, `{"scan": "7"}`)
		case "/JSON/spider/view/status/":
			fmt.Fprint(w, `{"status": "10"}`)
		default:
			http.NotFound(w, r)
		}
	})
	zap := newZAPTest(t, stuck, "")

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_, err := zap.ScanWebApp(ctx, "https://shop.example")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeTimeout))
}

func TestZAPScanWithoutID(t *testing.T) {
	noID := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	zap := newZAPTest(t, noID, "")

	_, err := zap.ScanWebApp(context.Background(), "https://shop.example")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeScanFailed))

	_, err = zap.ScanWebApp(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeMissingParameter))
}

func TestZAPSeverityMapping(t *testing.T) {
	assert.Equal(t, domain.SeverityHigh, zapSeverity("High"))
	assert.Equal(t, domain.SeverityMedium, zapSeverity("Medium"))
	assert.Equal(t, domain.SeverityLow, zapSeverity("Low"))
	assert.Equal(t, domain.SeverityInfo, zapSeverity("Informational"))
}
