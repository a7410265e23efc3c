package domain

import "time"

// ErrorEnvelope is the wire shape every externally surfaced failure uses.
type ErrorEnvelope struct {
	StatusCode int              `json:"status_code"`
	ErrorCode  string           `json:"error_code"`
	Message    string           `json:"message"`
	Details    map[string]Value `json:"details,omitempty"`
	TraceID    string           `json:"trace_id"`
	Timestamp  time.Time        `json:"timestamp"`
}

// NewErrorEnvelope stamps a trace id and timestamp onto an error response.
func NewErrorEnvelope(clock Clock, statusCode int, errorCode, message string) ErrorEnvelope {
	return ErrorEnvelope{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		TraceID:    NewTraceID(),
		Timestamp:  clock.Now(),
	}
}

// Meta reports partial degradation of a composite operation: the operation
// succeeded, but one or more constituent passes failed and were omitted.
type Meta struct {
	Degraded bool     `json:"degraded"`
	Failures []string `json:"failures,omitempty"`
}

// AddFailure records a degraded pass.
func (m *Meta) AddFailure(pass string, err error) {
	m.Degraded = true
	m.Failures = append(m.Failures, pass+": "+err.Error())
}
