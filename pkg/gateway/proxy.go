package gateway

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/config"
	"pipeline-copilot/pkg/domain/errors"
)

// defaultForwardTimeout bounds downstream calls for routes that set none.
const defaultForwardTimeout = 30 * time.Second

// hopByHopHeaders are connection-scoped and must not cross the proxy in
// either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ServiceResponse is a downstream response held in memory so it can be
// replayed to the client and, when cacheable, stored.
type ServiceResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the downstream Content-Type, if any.
func (s *ServiceResponse) ContentType() string {
	return s.Header.Get("Content-Type")
}

// Forwarder relays a client request to a resolved downstream service.
type Forwarder struct {
	client *http.Client
	logger zerolog.Logger
}

// NewForwarder wraps an HTTP client. The client's own timeout should stay
// unset; per-route timeouts are applied per call.
func NewForwarder(client *http.Client, logger zerolog.Logger) *Forwarder {
	if client == nil {
		client = &http.Client{}
	}
	return &Forwarder{client: client, logger: logger.With().Str("component", "forwarder").Logger()}
}

// Forward sends the request to the service's backend path and buffers the
// response. The client's headers travel along minus hop-by-hop ones, with
// the gateway's request id and the principal's id added.
func (f *Forwarder) Forward(ctx context.Context, rc *RequestContext, entry config.ServiceEntry, r *http.Request) (*ServiceResponse, error) {
	timeout := rc.Route.Timeout()
	if timeout <= 0 {
		timeout = defaultForwardTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := strings.TrimSuffix(entry.BaseURL, "/") + rc.Route.BackendPath
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, errors.Internal("gateway", "failed to build downstream request", err)
	}
	req.ContentLength = r.ContentLength
	req.Header = forwardableHeaders(r.Header)
	req.Header.Set("X-Request-ID", rc.RequestID)
	if rc.User != nil {
		req.Header.Set("X-User-ID", rc.User.UserID)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.New(errors.CodeTimeout, "gateway",
				"downstream request timed out", err)
		}
		return nil, errors.New(errors.CodeUnavailable, "gateway",
			"downstream request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, "gateway",
			"failed to read downstream response", err)
	}
	return &ServiceResponse{
		StatusCode: resp.StatusCode,
		Header:     forwardableHeaders(resp.Header),
		Body:       body,
	}, nil
}

// forwardableHeaders clones a header set without its hop-by-hop entries.
func forwardableHeaders(src http.Header) http.Header {
	out := src.Clone()
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	return out
}
