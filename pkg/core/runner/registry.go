package runner

import (
	"sort"
	"sync"
	"time"

	"pipeline-copilot/pkg/domain"
)

// AppliedPatch is one entry of the applied-patches registry.
type AppliedPatch struct {
	Solution  *domain.PatchSolution `json:"solution"`
	AppliedAt time.Time             `json:"applied_at"`
	Output    string                `json:"output,omitempty"`
}

func (a *AppliedPatch) clone() *AppliedPatch {
	return &AppliedPatch{
		Solution:  a.Solution.Clone(),
		AppliedAt: a.AppliedAt,
		Output:    a.Output,
	}
}

// appliedRegistry tracks applied patches by solution id. Reads run
// concurrently; writes are serialized.
type appliedRegistry struct {
	mu      sync.RWMutex
	entries map[string]*AppliedPatch
}

func newAppliedRegistry() *appliedRegistry {
	return &appliedRegistry{entries: make(map[string]*AppliedPatch)}
}

func (r *appliedRegistry) get(solutionID string) (*AppliedPatch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[solutionID]
	return e, ok
}

func (r *appliedRegistry) put(e *AppliedPatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Solution.SolutionID] = e
}

func (r *appliedRegistry) remove(solutionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[solutionID]; !ok {
		return false
	}
	delete(r.entries, solutionID)
	return true
}

func (r *appliedRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// list returns clones ordered by application time, then solution id.
func (r *appliedRegistry) list() []*AppliedPatch {
	r.mu.RLock()
	out := make([]*AppliedPatch, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].AppliedAt.Equal(out[j].AppliedAt) {
			return out[i].AppliedAt.Before(out[j].AppliedAt)
		}
		return out[i].Solution.SolutionID < out[j].Solution.SolutionID
	})
	return out
}

// replace swaps the registry contents; used by snapshot loading.
func (r *appliedRegistry) replace(entries []*AppliedPatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*AppliedPatch, len(entries))
	for _, e := range entries {
		if e == nil || e.Solution == nil || e.Solution.SolutionID == "" {
			continue
		}
		r.entries[e.Solution.SolutionID] = e
	}
}
