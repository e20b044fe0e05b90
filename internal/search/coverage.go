package search

import (
	"strings"
	"sync"
	"time"
)

// SessionRef identifies a session the catalog expects to be searchable.
type SessionRef struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

// SourceCoverage is the expected/indexed tally for one source.
type SourceCoverage struct {
	Expected int `json:"expected"`
	Indexed  int `json:"indexed"`
}

// Coverage is the point-in-time indexing completeness snapshot attached to
// every search response. Partial is true whenever any work is pending:
// there is no "stale but technically complete" state.
type Coverage struct {
	TotalExpected int                       `json:"totalExpected"`
	TotalIndexed  int                       `json:"totalIndexed"`
	BySource      map[string]SourceCoverage `json:"bySource"`
	Partial       bool                      `json:"partial"`
	LastUpdatedAt int64                     `json:"lastUpdatedAt"`
}

// ComputeCoverage tallies indexed-vs-expected per source. The indexed set
// is consulted under both the composite key and the bare session id so
// older callers that tracked bare ids still count; new code keys on the
// composite form only.
func ComputeCoverage(expectedBySource map[string][]string, indexed map[string]struct{}, dirtyCount int) Coverage {
	cov := Coverage{
		BySource:      make(map[string]SourceCoverage, len(expectedBySource)),
		LastUpdatedAt: time.Now().UnixMilli(),
	}

	for source, ids := range expectedBySource {
		sc := SourceCoverage{Expected: len(ids)}
		for _, id := range ids {
			if _, ok := indexed[Identity{SessionID: id, Source: source}.Key()]; ok {
				sc.Indexed++
				continue
			}
			if _, ok := indexed[id]; ok {
				sc.Indexed++
			}
		}
		cov.BySource[source] = sc
		cov.TotalExpected += sc.Expected
		cov.TotalIndexed += sc.Indexed
	}

	cov.Partial = cov.TotalIndexed < cov.TotalExpected || dirtyCount > 0
	return cov
}

// CoverageTracker maintains the expected and indexed session sets. It is
// consulted synchronously on every search request, so all bookkeeping is
// O(1) per mutation and Snapshot is O(total expected sessions).
type CoverageTracker struct {
	mu       sync.RWMutex
	expected map[string]map[string]struct{} // source -> session ids
	indexed  map[string]struct{}            // composite identity keys
}

// NewCoverageTracker returns an empty tracker.
func NewCoverageTracker() *CoverageTracker {
	return &CoverageTracker{
		expected: make(map[string]map[string]struct{}),
		indexed:  make(map[string]struct{}),
	}
}

// SetExpected replaces the expected set wholesale. Called whenever the
// session catalog is refreshed.
func (t *CoverageTracker) SetExpected(refs []SessionRef) {
	next := make(map[string]map[string]struct{})
	for _, ref := range refs {
		ids, ok := next[ref.Source]
		if !ok {
			ids = make(map[string]struct{})
			next[ref.Source] = ids
		}
		ids[ref.ID] = struct{}{}
	}

	t.mu.Lock()
	t.expected = next
	t.mu.Unlock()
}

// RemoveExpected drops one session from the expected set. With an empty
// source the session id is removed from every source.
func (t *CoverageTracker) RemoveExpected(sessionID, source string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if source != "" {
		delete(t.expected[source], sessionID)
		return
	}
	for _, ids := range t.expected {
		delete(ids, sessionID)
	}
}

// MarkIndexed records an identity as present in the exact index.
func (t *CoverageTracker) MarkIndexed(id Identity) {
	t.mu.Lock()
	t.indexed[id.Key()] = struct{}{}
	t.mu.Unlock()
}

// UnmarkIndexed removes an identity. With an empty source the session id
// is unmarked across all sources, including sources the expected set has
// not seen yet.
func (t *CoverageTracker) UnmarkIndexed(sessionID, source string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if source != "" {
		delete(t.indexed, Identity{SessionID: sessionID, Source: source}.Key())
		return
	}
	for key := range t.indexed {
		if strings.HasSuffix(key, ":"+sessionID) {
			delete(t.indexed, key)
		}
	}
}

// RebuildIndexed replaces the indexed set from persistent storage, used on
// startup so the tracker reflects what actually survived the restart.
func (t *CoverageTracker) RebuildIndexed(ids []Identity) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id.Key()] = struct{}{}
	}

	t.mu.Lock()
	t.indexed = next
	t.mu.Unlock()
}

// IsIndexed reports whether an identity is tracked as indexed. With an
// empty source it reports whether the id is indexed under any source.
func (t *CoverageTracker) IsIndexed(sessionID, source string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if source != "" {
		_, ok := t.indexed[Identity{SessionID: sessionID, Source: source}.Key()]
		return ok
	}
	for source := range t.expected {
		if _, ok := t.indexed[Identity{SessionID: sessionID, Source: source}.Key()]; ok {
			return true
		}
	}
	return false
}

// Snapshot computes the current coverage, folding in the pending dirty
// count so the snapshot never claims completeness while work is queued.
func (t *CoverageTracker) Snapshot(dirtyCount int) Coverage {
	t.mu.RLock()
	expected := make(map[string][]string, len(t.expected))
	for source, ids := range t.expected {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		expected[source] = list
	}
	indexed := make(map[string]struct{}, len(t.indexed))
	for k := range t.indexed {
		indexed[k] = struct{}{}
	}
	t.mu.RUnlock()

	return ComputeCoverage(expected, indexed, dirtyCount)
}
