package debug

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/core/loganalyzer"
	"pipeline-copilot/pkg/core/ml"
	"pipeline-copilot/pkg/core/patch"
	"pipeline-copilot/pkg/core/runner"
	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
	"pipeline-copilot/pkg/history"
)

const (
	// DefaultMaxSessions caps concurrently tracked sessions.
	DefaultMaxSessions = 100
	// DefaultSessionTTL is how long an idle session stays addressable.
	DefaultSessionTTL = time.Hour
)

// ManagerOptions configures the session manager and the collaborators it
// hands to every session it creates.
type ManagerOptions struct {
	Analyzer    *loganalyzer.Analyzer
	Synthesizer *patch.Synthesizer
	Runner      *runner.Runner
	Classifier  *ml.Classifier
	History     history.Store
	Clock       domain.Clock
	Logger      zerolog.Logger
	Config      Config
	MaxSessions int
	SessionTTL  time.Duration
}

// Manager tracks live debug sessions, expires idle ones, and evicts the
// least recently used session when the capacity cap is hit.
type Manager struct {
	analyzer    *loganalyzer.Analyzer
	synth       *patch.Synthesizer
	runner      *runner.Runner
	classifier  *ml.Classifier
	store       history.Store
	clock       domain.Clock
	logger      zerolog.Logger
	cfg         Config
	maxSessions int
	ttl         time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds a manager. Zero MaxSessions and SessionTTL take the
// package defaults; a negative SessionTTL disables expiry.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.SessionTTL == 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.Config == (Config{}) {
		opts.Config = DefaultConfig()
	}
	return &Manager{
		analyzer:    opts.Analyzer,
		synth:       opts.Synthesizer,
		runner:      opts.Runner,
		classifier:  opts.Classifier,
		store:       opts.History,
		clock:       opts.Clock,
		logger:      opts.Logger.With().Str("component", "debug_manager").Logger(),
		cfg:         opts.Config,
		maxSessions: opts.MaxSessions,
		ttl:         opts.SessionTTL,
		sessions:    make(map[string]*Session),
	}
}

// Create registers a new session for a pipeline run. When the manager is at
// capacity the least recently used session is aborted to make room.
func (m *Manager) Create(pipelineID string) (*Session, error) {
	if pipelineID == "" {
		return nil, errors.New(errors.CodeMissingParameter, "debug", "pipeline_id is required", nil)
	}

	sess, err := NewSession(Options{
		PipelineID:  pipelineID,
		Analyzer:    m.analyzer,
		Synthesizer: m.synth,
		Runner:      m.runner,
		Classifier:  m.classifier,
		History:     m.store,
		Clock:       m.clock,
		Logger:      m.logger,
		Config:      m.cfg,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	dropped := m.sweepLocked()
	if len(m.sessions) >= m.maxSessions {
		if evicted := m.evictOldestLocked(); evicted != nil {
			dropped = append(dropped, evicted)
		}
	}
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	// Aborting publishes on the victims' streams, so it happens outside
	// the manager lock.
	for _, victim := range dropped {
		victim.Abort()
	}

	m.logger.Info().
		Str("session_id", sess.id).
		Str("pipeline_id", pipelineID).
		Int("sessions", m.Len()).
		Msg("debug session created")
	return sess, nil
}

// Get resolves a live session. Expired sessions are removed on access and
// reported with a session-expired error.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "debug",
			fmt.Sprintf("session %q not found", sessionID), nil)
	}
	if m.expired(sess) {
		m.Remove(sessionID)
		return nil, errors.New(errors.CodeSessionExpired, "debug",
			fmt.Sprintf("session %q expired after %s of inactivity", sessionID, m.ttl), nil)
	}
	return sess, nil
}

// Remove drops a session from the registry and aborts it if still live.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok {
		sess.Abort()
	}
}

// Sweep drops expired and terminal sessions, returning how many went away.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	dropped := m.sweepLocked()
	m.mu.Unlock()
	for _, sess := range dropped {
		sess.Abort()
	}
	return len(dropped)
}

// Len reports the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) sweepLocked() []*Session {
	var dropped []*Session
	for id, sess := range m.sessions {
		if sess.Status().Terminal() || m.expired(sess) {
			delete(m.sessions, id)
			dropped = append(dropped, sess)
		}
	}
	return dropped
}

func (m *Manager) evictOldestLocked() *Session {
	var oldest *Session
	for _, sess := range m.sessions {
		if oldest == nil || sess.LastUsed().Before(oldest.LastUsed()) {
			oldest = sess
		}
	}
	if oldest == nil {
		return nil
	}
	delete(m.sessions, oldest.id)
	m.logger.Warn().
		Str("session_id", oldest.id).
		Msg("session evicted at capacity")
	return oldest
}

func (m *Manager) expired(sess *Session) bool {
	return m.ttl > 0 && m.clock.Now().Sub(sess.LastUsed()) > m.ttl
}
