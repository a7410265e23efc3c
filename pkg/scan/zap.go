package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

// ZAPScanner adapts an OWASP ZAP daemon over its JSON API. ZAP is
// proxy-based and session-holding, so Connect verifies the API answers
// before any scan. Only web-app scans are supported.
type ZAPScanner struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	clock        domain.Clock
	logger       zerolog.Logger
	pollInterval time.Duration
}

// ZAPOptions configures the adapter. BaseURL defaults to the local daemon
// address; PollInterval paces the spider and active-scan status polls.
type ZAPOptions struct {
	BaseURL      string
	APIKey       string
	HTTPClient   *http.Client
	Clock        domain.Clock
	Logger       zerolog.Logger
	PollInterval time.Duration
}

var _ Scanner = (*ZAPScanner)(nil)

// NewZAPScanner builds the adapter.
func NewZAPScanner(opts ZAPOptions) *ZAPScanner {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:8080"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &ZAPScanner{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		client:       opts.HTTPClient,
		clock:        opts.Clock,
		logger:       opts.Logger.With().Str("component", "zap_scanner").Logger(),
		pollInterval: opts.PollInterval,
	}
}

func (z *ZAPScanner) Name() string { return "zap" }

// Connect checks that the daemon answers and the API key is accepted.
func (z *ZAPScanner) Connect(ctx context.Context) error {
	var out struct {
		Version string `json:"version"`
	}
	if err := z.call(ctx, "/JSON/core/view/version/", nil, &out); err != nil {
		return err
	}
	z.logger.Debug().Str("zap_version", out.Version).Msg("connected to zap daemon")
	return nil
}

func (z *ZAPScanner) ScanContainer(ctx context.Context, _ string) (*VulnerabilityReport, error) {
	return nil, errNotSupported(z.Name(), TypeContainer)
}

func (z *ZAPScanner) ScanProject(ctx context.Context, _ string) (*VulnerabilityReport, error) {
	return nil, errNotSupported(z.Name(), TypeProject)
}

// ScanWebApp spiders the target, runs an active scan, and maps the
// accumulated alerts into the common schema.
func (z *ZAPScanner) ScanWebApp(ctx context.Context, target string) (*VulnerabilityReport, error) {
	if target == "" {
		return nil, errors.New(errors.CodeMissingParameter, "scan", "zap webapp scan needs a target url", nil)
	}

	spiderID, err := z.startScan(ctx, "/JSON/spider/action/scan/", target)
	if err != nil {
		return nil, err
	}
	if err := z.waitFor(ctx, "/JSON/spider/view/status/", spiderID); err != nil {
		return nil, err
	}

	scanID, err := z.startScan(ctx, "/JSON/ascan/action/scan/", target)
	if err != nil {
		return nil, err
	}
	if err := z.waitFor(ctx, "/JSON/ascan/view/status/", scanID); err != nil {
		return nil, err
	}

	var out struct {
		Alerts []zapAlert `json:"alerts"`
	}
	params := url.Values{"baseurl": {target}}
	if err := z.call(ctx, "/JSON/core/view/alerts/", params, &out); err != nil {
		return nil, err
	}

	report := NewReport(z.Name(), target, z.clock)
	report.Metadata["scan_type"] = domain.Str(string(TypeWebApp))
	for _, alert := range out.Alerts {
		report.Append(alert.toVulnerability(target))
	}

	z.logger.Info().
		Str("target", target).
		Int("findings", report.Total()).
		Msg("zap scan completed")
	return report, nil
}

// zapAlert is the subset of ZAP's alert schema the adapter consumes.
type zapAlert struct {
	PluginID    string `json:"pluginId"`
	AlertRef    string `json:"alertRef"`
	Alert       string `json:"alert"`
	Risk        string `json:"risk"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Solution    string `json:"solution"`
	Reference   string `json:"reference"`
}

func (a zapAlert) toVulnerability(target string) Vulnerability {
	id := a.AlertRef
	if id == "" {
		id = a.PluginID
	}
	component := a.URL
	if component == "" {
		component = target
	}
	var refs []string
	for _, line := range strings.Split(a.Reference, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			refs = append(refs, line)
		}
	}
	return Vulnerability{
		ID:                fmt.Sprintf("ZAP-%s", id),
		Title:             a.Alert,
		Description:       a.Description,
		Severity:          zapSeverity(a.Risk),
		AffectedComponent: component,
		FixVersion:        "",
		References:        refs,
	}
}

// zapSeverity maps ZAP risk labels. ZAP has no critical tier; High is its
// ceiling.
func zapSeverity(risk string) domain.Severity {
	switch strings.ToLower(risk) {
	case "high":
		return domain.SeverityHigh
	case "medium":
		return domain.SeverityMedium
	case "low":
		return domain.SeverityLow
	default:
		return domain.SeverityInfo
	}
}

// startScan kicks off a spider or active scan and returns its id.
func (z *ZAPScanner) startScan(ctx context.Context, path, target string) (string, error) {
	var out struct {
		Scan string `json:"scan"`
	}
	params := url.Values{"url": {target}, "recurse": {"true"}}
	if err := z.call(ctx, path, params, &out); err != nil {
		return "", err
	}
	if out.Scan == "" {
		return "", errors.New(errors.CodeScanFailed, "scan",
			fmt.Sprintf("zap did not return a scan id for %s", target), nil)
	}
	return out.Scan, nil
}

// waitFor polls a status view until it reports 100 percent.
func (z *ZAPScanner) waitFor(ctx context.Context, path, scanID string) error {
	params := url.Values{"scanId": {scanID}}
	for {
		var out struct {
			Status string `json:"status"`
		}
		if err := z.call(ctx, path, params, &out); err != nil {
			return err
		}
		if out.Status == "100" {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.New(errors.CodeTimeout, "scan",
				fmt.Sprintf("zap scan %s did not finish in time", scanID), ctx.Err())
		case <-time.After(z.pollInterval):
		}
	}
}

// call performs one GET against the ZAP JSON API.
func (z *ZAPScanner) call(ctx context.Context, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	if z.apiKey != "" {
		params.Set("apikey", z.apiKey)
	}
	endpoint := z.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.New(errors.CodeInvalidParameter, "scan", "failed to build zap api request", err)
	}
	resp, err := z.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.New(errors.CodeTimeout, "scan", "zap api call timed out", err)
		}
		return errors.New(errors.CodeUnavailable, "scan", "zap api is unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.New(errors.CodeUnavailable, "scan",
			fmt.Sprintf("zap api %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.New(errors.CodeScanFailed, "scan",
			fmt.Sprintf("zap api %s produced unparseable output", path), err)
	}
	return nil
}
