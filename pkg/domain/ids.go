package domain

import (
	"strings"

	"github.com/google/uuid"
)

// newID builds a prefixed short identifier from a random UUID. Twelve hex
// characters keep collision odds negligible within a pipeline run while
// staying readable in logs.
func newID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + raw[:12]
}

// NewErrorID returns an identifier for a PipelineError.
func NewErrorID() string { return newID("err") }

// NewSolutionID returns an identifier for a PatchSolution.
func NewSolutionID() string { return newID("sol") }

// NewSessionID returns an identifier for a DebugSession.
func NewSessionID() string { return newID("sess") }

// NewRequestID returns an identifier carried through gateway request
// contexts.
func NewRequestID() string { return newID("req") }

// NewTraceID returns a full-length trace identifier attached to internal
// errors and error envelopes.
func NewTraceID() string { return uuid.NewString() }
