// Package debug owns the interactive debugging sessions of the self-healing
// debugger. A session is opened over one pipeline run's log, analyzes it,
// and then processes client commands one at a time: diagnosing errors,
// synthesizing and applying patches, rolling them back, and exporting the
// session. Every command's outcome is emitted as an event on the session's
// stream; a failed command becomes an error event and the session stays
// usable.
package debug

import (
	"context"
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

// Status is a session's lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusAborted      Status = "aborted"
)

// Terminal reports whether the session accepts no further commands.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// Config tunes command handling. The zero Config selects DefaultConfig.
type Config struct {
	// AutoPatchEnabled gates the apply_all_patches command.
	AutoPatchEnabled bool
	// ApprovalRequired, when false, applies every patch as approved
	// regardless of the command's approved flag.
	ApprovalRequired bool
	// MaxAutoPatchesPerRun caps how many patches one apply_all_patches
	// invocation may apply for real. Dry runs are not counted.
	MaxAutoPatchesPerRun int
}

// DefaultConfig returns the standard session settings.
func DefaultConfig() Config {
	return Config{AutoPatchEnabled: true, ApprovalRequired: true, MaxAutoPatchesPerRun: 3}
}

// Options wires a session's collaborators. Analyzer, Synthesizer, and
// Runner are required; Classifier and History are optional and the ML
// commands fail with an unavailable error when they are absent.
type Options struct {
	PipelineID  string
	Analyzer    *loganalyzer.Analyzer
	Synthesizer *patch.Synthesizer
	Runner      *runner.Runner
	Classifier  *ml.Classifier
	History     history.Store
	Clock       domain.Clock
	Logger      zerolog.Logger
	Config      Config
}

// Session is one live debugging conversation over a pipeline run's log.
// Commands execute strictly one at a time. The session exclusively owns its
// mutable state; readers obtain copies through Snapshot and Summary.
type Session struct {
	id         string
	pipelineID string

	analyzer   *loganalyzer.Analyzer
	synth      *patch.Synthesizer
	runner     *runner.Runner
	classifier *ml.Classifier
	store      history.Store
	clock      domain.Clock
	logger     zerolog.Logger
	cfg        Config
	stream     *Stream

	// cmdMu serializes Start and Execute so no two commands interleave.
	cmdMu sync.Mutex

	mu        sync.RWMutex
	status    Status
	startedAt time.Time
	endedAt   time.Time
	lastUsed  time.Time
	errs      []*domain.PipelineError
	byID      map[string]*domain.PipelineError
	analyses  []*domain.AnalysisResult
	generated map[string]*domain.PatchSolution
	applied   []*domain.PatchSolution
	events    []Event
	log       []HistoryEntry
}

// NewSession builds a session in the initializing state. It holds no log
// yet; Start feeds it the run's log output.
func NewSession(opts Options) (*Session, error) {
	if opts.PipelineID == "" {
		return nil, errors.New(errors.CodeMissingParameter, "debug", "pipeline_id is required", nil)
	}
	if opts.Analyzer == nil {
		return nil, errors.New(errors.CodeMissingParameter, "debug", "a log analyzer is required", nil)
	}
	if opts.Synthesizer == nil {
		return nil, errors.New(errors.CodeMissingParameter, "debug", "a patch synthesizer is required", nil)
	}
	if opts.Runner == nil {
		return nil, errors.New(errors.CodeMissingParameter, "debug", "a patch runner is required", nil)
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	if opts.Config == (Config{}) {
		opts.Config = DefaultConfig()
	}

	id := domain.NewSessionID()
	now := opts.Clock.Now()
	return &Session{
		id:         id,
		pipelineID: opts.PipelineID,
		analyzer:   opts.Analyzer,
		synth:      opts.Synthesizer,
		runner:     opts.Runner,
		classifier: opts.Classifier,
		store:      opts.History,
		clock:      opts.Clock,
		logger:     opts.Logger.With().Str("component", "debug").Str("session_id", id).Logger(),
		cfg:        opts.Config,
		stream:     newStream(),
		status:     StatusInitializing,
		startedAt:  now,
		lastUsed:   now,
		byID:       make(map[string]*domain.PipelineError),
		generated:  make(map[string]*domain.PatchSolution),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// PipelineID returns the pipeline run the session debugs.
func (s *Session) PipelineID() string { return s.pipelineID }

// Status returns the session's lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastUsed returns the time of the session's most recent activity.
func (s *Session) LastUsed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUsed
}

// Subscribe attaches a consumer to the session's event stream.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	return s.stream.Subscribe(buffer)
}

// SessionUpdate is the data payload of session_update events.
type SessionUpdate struct {
	SessionID  string                  `json:"session_id"`
	PipelineID string                  `json:"pipeline_id"`
	Status     Status                  `json:"status"`
	ErrorCount int                     `json:"error_count"`
	Errors     []*domain.PipelineError `json:"errors,omitempty"`
	Degraded   bool                    `json:"degraded,omitempty"`
}

// Start analyzes the run's log and activates the session, emitting a
// session_update that carries the extracted errors. An analysis failure
// aborts the session.
func (s *Session) Start(ctx context.Context, logContent string) (*loganalyzer.Result, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.mu.Lock()
	if s.status != StatusInitializing {
		status := s.status
		s.mu.Unlock()
		return nil, errors.New(errors.CodeInvalidState, "debug",
			fmt.Sprintf("session %s is already %s", s.id, status), nil)
	}
	s.mu.Unlock()

	res, err := s.analyzer.AnalyzeLog(ctx, s.pipelineID, logContent)
	if err != nil {
		s.Abort()
		return nil, err
	}

	s.mu.Lock()
	for _, rec := range res.Errors {
		s.errs = append(s.errs, rec)
		s.byID[rec.ErrorID] = rec
	}
	s.status = StatusActive
	s.lastUsed = s.clock.Now()
	update := &SessionUpdate{
		SessionID:  s.id,
		PipelineID: s.pipelineID,
		Status:     StatusActive,
		ErrorCount: len(s.errs),
		Errors:     append([]*domain.PipelineError(nil), s.errs...),
		Degraded:   res.Meta.Degraded,
	}
	s.publishLocked(EventSessionUpdate, update, "")
	s.mu.Unlock()

	s.logger.Info().
		Str("pipeline_id", s.pipelineID).
		Int("errors", len(res.Errors)).
		Msg("debug session started")
	return res, nil
}

// Abort transitions a live session to aborted and closes its stream. A
// session that already completed or aborted is left unchanged.
func (s *Session) Abort() {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = StatusAborted
	s.endedAt = s.clock.Now()
	s.publishLocked(EventSessionUpdate, &SessionUpdate{
		SessionID:  s.id,
		PipelineID: s.pipelineID,
		Status:     StatusAborted,
		ErrorCount: len(s.errs),
	}, "")
	s.mu.Unlock()

	s.stream.Close()
	s.logger.Info().Msg("debug session aborted")
}

// complete finishes the session after an exit command.
func (s *Session) complete() {
	s.mu.Lock()
	s.status = StatusCompleted
	s.endedAt = s.clock.Now()
	s.publishLocked(EventSessionUpdate, &SessionUpdate{
		SessionID:  s.id,
		PipelineID: s.pipelineID,
		Status:     StatusCompleted,
		ErrorCount: len(s.errs),
	}, "")
	s.mu.Unlock()

	s.stream.Close()
	s.logger.Info().Msg("debug session completed")
}

// publish appends an event to the session log and fans it out.
func (s *Session) publish(eventType EventType, data any, message string) {
	s.mu.Lock()
	s.publishLocked(eventType, data, message)
	s.mu.Unlock()
}

func (s *Session) publishLocked(eventType EventType, data any, message string) {
	ev := Event{Type: eventType, Data: data, Message: message, At: s.clock.Now()}
	s.events = append(s.events, ev)
	s.stream.Publish(ev)
}

// recordCommand appends to the command log and refreshes activity.
func (s *Session) recordCommand(name string) {
	s.mu.Lock()
	now := s.clock.Now()
	s.log = append(s.log, HistoryEntry{Command: name, At: now})
	s.lastUsed = now
	s.mu.Unlock()
}

func (s *Session) errorByID(id string) *domain.PipelineError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

func (s *Session) solutionFor(errorID string) *domain.PatchSolution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generated[errorID]
}

func (s *Session) rememberSolution(sol *domain.PatchSolution) {
	s.mu.Lock()
	s.generated[sol.ErrorID] = sol
	s.mu.Unlock()
}

func (s *Session) recordApplied(sol *domain.PatchSolution) {
	s.mu.Lock()
	s.applied = append(s.applied, sol)
	s.mu.Unlock()
}

func (s *Session) dropApplied(solutionID string) {
	s.mu.Lock()
	kept := s.applied[:0]
	for _, sol := range s.applied {
		if sol.SolutionID != solutionID {
			kept = append(kept, sol)
		}
	}
	s.applied = kept
	s.mu.Unlock()
}

// unpatchedIDs lists the session errors that have no applied patch yet.
func (s *Session) unpatchedIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	patched := make(map[string]bool, len(s.applied))
	for _, sol := range s.applied {
		patched[sol.ErrorID] = true
	}
	out := make([]string, 0, len(s.errs))
	for _, rec := range s.errs {
		if !patched[rec.ErrorID] {
			out = append(out, rec.ErrorID)
		}
	}
	return out
}

// Snapshot is an immutable copy of a session's state.
type Snapshot struct {
	SessionID  string                   `json:"session_id"`
	PipelineID string                   `json:"pipeline_id"`
	Status     Status                   `json:"status"`
	StartedAt  time.Time                `json:"started_at"`
	EndedAt    *time.Time               `json:"ended_at,omitempty"`
	Errors     []*domain.PipelineError  `json:"errors"`
	Analyses   []*domain.AnalysisResult `json:"analyses,omitempty"`
	Applied    []*domain.PatchSolution  `json:"applied_patches"`
	Events     []Event                  `json:"events,omitempty"`
	History    []HistoryEntry           `json:"command_history,omitempty"`
}

// Snapshot returns a copy of the session's state. Error and patch records
// are cloned; event payloads are shared because they are immutable once
// published.
func (s *Session) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		SessionID:  s.id,
		PipelineID: s.pipelineID,
		Status:     s.status,
		StartedAt:  s.startedAt,
		Errors:     make([]*domain.PipelineError, 0, len(s.errs)),
		Analyses:   make([]*domain.AnalysisResult, 0, len(s.analyses)),
		Applied:    make([]*domain.PatchSolution, 0, len(s.applied)),
		Events:     append([]Event(nil), s.events...),
		History:    append([]HistoryEntry(nil), s.log...),
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		snap.EndedAt = &ended
	}
	for _, rec := range s.errs {
		snap.Errors = append(snap.Errors, rec.Clone())
	}
	for _, a := range s.analyses {
		snap.Analyses = append(snap.Analyses, cloneAnalysis(a))
	}
	for _, sol := range s.applied {
		snap.Applied = append(snap.Applied, sol.Clone())
	}
	return snap
}

func cloneAnalysis(a *domain.AnalysisResult) *domain.AnalysisResult {
	cp := *a
	if a.Error != nil {
		cp.Error = a.Error.Clone()
	}
	cp.SuggestedSolutions = append([]string(nil), a.SuggestedSolutions...)
	cp.PreventionMeasures = append([]string(nil), a.PreventionMeasures...)
	return &cp
}

// Summary is the data payload of session_summary events.
type Summary struct {
	SessionID      string                  `json:"session_id"`
	PipelineID     string                  `json:"pipeline_id"`
	Status         Status                  `json:"status"`
	StartedAt      time.Time               `json:"started_at"`
	EndedAt        *time.Time              `json:"ended_at,omitempty"`
	ErrorCount     int                     `json:"error_count"`
	BySeverity     map[domain.Severity]int `json:"errors_by_severity"`
	ByCategory     map[domain.Category]int `json:"errors_by_category"`
	AnalysisCount  int                     `json:"analysis_count"`
	GeneratedCount int                     `json:"generated_patches"`
	AppliedCount   int                     `json:"applied_patches"`
	CommandCount   int                     `json:"command_count"`
	EventCount     int                     `json:"event_count"`
}

// Summary derives the session's aggregate counts.
func (s *Session) Summary() *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &Summary{
		SessionID:      s.id,
		PipelineID:     s.pipelineID,
		Status:         s.status,
		StartedAt:      s.startedAt,
		ErrorCount:     len(s.errs),
		BySeverity:     make(map[domain.Severity]int),
		ByCategory:     make(map[domain.Category]int),
		AnalysisCount:  len(s.analyses),
		GeneratedCount: len(s.generated),
		AppliedCount:   len(s.applied),
		CommandCount:   len(s.log),
		EventCount:     len(s.events),
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		sum.EndedAt = &ended
	}
	for _, rec := range s.errs {
		sum.BySeverity[rec.Severity]++
		sum.ByCategory[rec.Category]++
	}
	return sum
}
