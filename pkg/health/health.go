// Package health provides liveness and readiness probing for the platform's
// services.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status represents the health of a component or of the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is one probe's latest result.
type ComponentHealth struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	Message      string        `json:"message,omitempty"`
	LastChecked  time.Time     `json:"last_checked"`
	ResponseTime time.Duration `json:"response_time"`
}

// OverallHealth aggregates every registered probe.
type OverallHealth struct {
	Status     Status                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     time.Duration              `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// Checker is implemented by components that can report their own health.
type Checker interface {
	CheckHealth(ctx context.Context) ComponentHealth
	GetName() string
}

// CheckerFunc adapts a function into a named Checker.
type CheckerFunc struct {
	Name  string
	Check func(ctx context.Context) ComponentHealth
}

func (c CheckerFunc) CheckHealth(ctx context.Context) ComponentHealth { return c.Check(ctx) }
func (c CheckerFunc) GetName() string                                { return c.Name }

// Monitor periodically runs registered checkers and serves the aggregate.
type Monitor struct {
	logger        zerolog.Logger
	checkers      map[string]Checker
	results       map[string]ComponentHealth
	mutex         sync.RWMutex
	startTime     time.Time
	version       string
	checkInterval time.Duration
	timeout       time.Duration
	stopChan      chan struct{}
	running       bool
}

// NewMonitor creates a monitor with a 30s check interval and 10s per-check
// timeout.
func NewMonitor(logger zerolog.Logger, version string) *Monitor {
	return &Monitor{
		logger:        logger.With().Str("component", "health_monitor").Logger(),
		checkers:      make(map[string]Checker),
		results:       make(map[string]ComponentHealth),
		startTime:     time.Now(),
		version:       version,
		checkInterval: 30 * time.Second,
		timeout:       10 * time.Second,
		stopChan:      make(chan struct{}),
	}
}

// SetCheckInterval overrides the probe interval. Call before Start.
func (m *Monitor) SetCheckInterval(interval time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.checkInterval = interval
}

// Register adds a checker. Re-registering a name replaces the old checker.
func (m *Monitor) Register(c Checker) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.checkers[c.GetName()] = c
}

// Start launches the periodic check loop. It runs one round immediately so
// readiness is meaningful before the first tick.
func (m *Monitor) Start(ctx context.Context) {
	m.mutex.Lock()
	if m.running {
		m.mutex.Unlock()
		return
	}
	m.running = true
	interval := m.checkInterval
	m.mutex.Unlock()

	m.runChecks(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			case <-ticker.C:
				m.runChecks(ctx)
			}
		}
	}()
}

// Stop halts the check loop.
func (m *Monitor) Stop() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopChan)
}

func (m *Monitor) runChecks(ctx context.Context) {
	m.mutex.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	timeout := m.timeout
	m.mutex.RUnlock()

	for _, checker := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		result := checker.CheckHealth(checkCtx)
		cancel()

		result.ResponseTime = time.Since(start)
		result.LastChecked = time.Now().UTC()
		if result.Name == "" {
			result.Name = checker.GetName()
		}

		m.mutex.Lock()
		m.results[result.Name] = result
		m.mutex.Unlock()

		if result.Status != StatusHealthy {
			m.logger.Warn().
				Str("check", result.Name).
				Str("status", string(result.Status)).
				Str("message", result.Message).
				Msg("health check not healthy")
		}
	}
}

// Overall computes the aggregate: unhealthy if any probe is unhealthy,
// degraded if any probe is degraded, healthy otherwise.
func (m *Monitor) Overall() OverallHealth {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	overall := OverallHealth{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC(),
		Version:    m.version,
		Uptime:     time.Since(m.startTime),
		Components: make(map[string]ComponentHealth, len(m.results)),
	}
	for name, result := range m.results {
		overall.Components[name] = result
		switch result.Status {
		case StatusUnhealthy:
			overall.Status = StatusUnhealthy
		case StatusDegraded:
			if overall.Status == StatusHealthy {
				overall.Status = StatusDegraded
			}
		}
	}
	return overall
}

// LivenessHandler always reports the process as alive.
func (m *Monitor) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// ReadinessHandler reports 200 unless any probe is unhealthy. Degraded still
// serves traffic.
func (m *Monitor) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overall := m.Overall()
		w.Header().Set("Content-Type", "application/json")
		if overall.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(overall)
	}
}
