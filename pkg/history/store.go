// Package history persists extracted pipeline errors into a time-partitioned
// store so the analyzer can answer similarity and recurrence queries across
// runs.
package history

import (
	"context"
	"time"

	"pipeline-copilot/pkg/domain"
)

// DefaultSearchLimit bounds Search results when the query does not set one.
const DefaultSearchLimit = 50

// Entry is one persisted error with its run linkage.
type Entry struct {
	PipelineID string                `json:"pipeline_id"`
	Error      *domain.PipelineError `json:"error"`
	IndexedAt  time.Time             `json:"indexed_at"`
}

// Query filters historical searches. Zero fields match everything.
type Query struct {
	PipelineID   string
	Category     domain.Category
	Stage        domain.Stage
	MessageMatch string
	From         time.Time
	To           time.Time
	Limit        int
}

// Store writes errors into monthly partitions and reads them back newest
// first.
type Store interface {
	IndexError(ctx context.Context, pipelineID string, rec *domain.PipelineError) error
	Search(ctx context.Context, q Query) ([]Entry, error)
}

// IndexName returns the monthly partition for a timestamp, keyed
// <prefix><YYYY-MM>.
func IndexName(prefix string, t time.Time) string {
	return prefix + t.UTC().Format("2006-01")
}

// matches reports whether an entry satisfies a query. Shared by the memory
// store and by tests asserting on remote query semantics.
func matches(e Entry, q Query) bool {
	if q.PipelineID != "" && e.PipelineID != q.PipelineID {
		return false
	}
	if q.Category != "" && e.Error.Category != q.Category {
		return false
	}
	if q.Stage != "" && e.Error.Stage != q.Stage {
		return false
	}
	if q.MessageMatch != "" && !containsFold(e.Error.Message, q.MessageMatch) {
		return false
	}
	if !q.From.IsZero() && e.Error.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Error.Timestamp.After(q.To) {
		return false
	}
	return true
}
