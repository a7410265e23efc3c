package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/config"
	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
	"pipeline-copilot/pkg/health"
)

const (
	registryCheckInterval = 60 * time.Second
	registryStaleAfter    = 5 * time.Minute
)

type serviceState struct {
	entry       config.ServiceEntry
	checked     bool
	lastPassed  bool
	lastChecked time.Time
	lastHealthy time.Time
	lastMessage string
}

// ServiceRegistry resolves downstream services and tracks their health. Each
// service's health endpoint is probed on an interval; a service whose last
// good probe is older than the stale window degrades, and one that keeps
// failing past that window reads unhealthy.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]*serviceState

	client     *http.Client
	clock      domain.Clock
	logger     zerolog.Logger
	interval   time.Duration
	staleAfter time.Duration
}

// RegistryOptions configures a ServiceRegistry.
type RegistryOptions struct {
	Client     *http.Client
	Clock      domain.Clock
	Logger     zerolog.Logger
	Interval   time.Duration
	StaleAfter time.Duration
}

// NewServiceRegistry indexes the configured services. Probing starts when Run
// is called; until a service's first probe it reads degraded, which still
// serves traffic.
func NewServiceRegistry(entries []config.ServiceEntry, opts RegistryOptions) *ServiceRegistry {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	if opts.Interval <= 0 {
		opts.Interval = registryCheckInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = registryStaleAfter
	}

	services := make(map[string]*serviceState, len(entries))
	for _, entry := range entries {
		services[entry.Name] = &serviceState{entry: entry}
	}
	return &ServiceRegistry{
		services:   services,
		client:     opts.Client,
		clock:      opts.Clock,
		logger:     opts.Logger.With().Str("component", "service_registry").Logger(),
		interval:   opts.Interval,
		staleAfter: opts.StaleAfter,
	}
}

// Resolve returns the service entry and its current status.
func (r *ServiceRegistry) Resolve(name string) (config.ServiceEntry, health.Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.services[name]
	if !ok {
		return config.ServiceEntry{}, health.StatusUnhealthy,
			errors.New(errors.CodeNotFound, "gateway", fmt.Sprintf("unknown service %q", name), nil)
	}
	return state.entry, r.statusLocked(state), nil
}

// statusLocked derives a status from the stored observations. Callers hold
// at least a read lock.
func (r *ServiceRegistry) statusLocked(state *serviceState) health.Status {
	now := r.clock.Now()
	switch {
	case !state.checked:
		return health.StatusDegraded
	case state.lastPassed:
		if now.Sub(state.lastChecked) > r.staleAfter {
			return health.StatusDegraded
		}
		return health.StatusHealthy
	case now.Sub(state.lastHealthy) <= r.staleAfter:
		return health.StatusDegraded
	default:
		return health.StatusUnhealthy
	}
}

// Run probes every service once immediately, then on the interval until the
// context is cancelled.
func (r *ServiceRegistry) Run(ctx context.Context) {
	r.CheckNow(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckNow(ctx)
		}
	}
}

// CheckNow runs one probe round across all services.
func (r *ServiceRegistry) CheckNow(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.checkOne(ctx, name)
	}
}

func (r *ServiceRegistry) checkOne(ctx context.Context, name string) {
	r.mu.RLock()
	state, ok := r.services[name]
	if !ok {
		r.mu.RUnlock()
		return
	}
	entry := state.entry
	r.mu.RUnlock()

	passed, message := r.probe(ctx, entry)

	r.mu.Lock()
	now := r.clock.Now()
	state.checked = true
	state.lastPassed = passed
	state.lastChecked = now
	state.lastMessage = message
	if passed {
		state.lastHealthy = now
	}
	status := r.statusLocked(state)
	r.mu.Unlock()

	if !passed {
		r.logger.Warn().
			Str("service", name).
			Str("status", string(status)).
			Str("message", message).
			Msg("downstream health check failed")
	}
}

func (r *ServiceRegistry) probe(ctx context.Context, entry config.ServiceEntry) (bool, string) {
	endpoint := entry.HealthEndpoint
	if endpoint == "" {
		endpoint = "/health"
	}
	target := strings.TrimSuffix(entry.BaseURL, "/") + endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
	}
	return true, ""
}

// Snapshot reports every service's latest observation in the shared probe
// format.
func (r *ServiceRegistry) Snapshot() map[string]health.ComponentHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]health.ComponentHealth, len(r.services))
	for name, state := range r.services {
		out[name] = health.ComponentHealth{
			Name:        name,
			Status:      r.statusLocked(state),
			Message:     state.lastMessage,
			LastChecked: state.lastChecked,
		}
	}
	return out
}
