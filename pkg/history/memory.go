package history

import (
	"context"
	"sort"
	"strings"
	"sync"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

// MemoryStore keeps entries in process. It backs tests and deployments that
// run without a search cluster.
type MemoryStore struct {
	clock domain.Clock

	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore(clock domain.Clock) *MemoryStore {
	return &MemoryStore{clock: clock}
}

// IndexError records one error under its pipeline id.
func (s *MemoryStore) IndexError(_ context.Context, pipelineID string, rec *domain.PipelineError) error {
	if rec == nil {
		return errors.New(errors.CodeMissingParameter, "history", "error record is required", nil)
	}
	if pipelineID == "" {
		return errors.New(errors.CodeMissingParameter, "history", "pipeline_id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{
		PipelineID: pipelineID,
		Error:      rec.Clone(),
		IndexedAt:  s.clock.Now(),
	})
	return nil
}

// Search returns matching entries newest first.
func (s *MemoryStore) Search(_ context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if matches(e, q) {
			out = append(out, Entry{PipelineID: e.PipelineID, Error: e.Error.Clone(), IndexedAt: e.IndexedAt})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Error.Timestamp.After(out[j].Error.Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports how many entries have been indexed.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Indexes lists the monthly partitions the stored entries span, for parity
// with the remote store's layout.
func (s *MemoryStore) Indexes(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, e := range s.entries {
		seen[IndexName(prefix, e.Error.Timestamp)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

var _ Store = (*MemoryStore)(nil)
