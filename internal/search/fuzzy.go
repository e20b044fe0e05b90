package search

import (
	"log/slog"
	"sync"

	"github.com/sahilm/fuzzy"

	"github.com/kuatroka/code-session-search/internal/logging"
)

var fuzzyLog = logging.ForComponent(logging.CompSearch)

// fuzzyTextCap bounds the searchable text per entry. Typo tolerance on the
// title, project and the head of the transcript is enough; matching against
// multi-megabyte transcripts makes every keystroke O(corpus bytes).
const fuzzyTextCap = 2048

// FuzzyIndex is the in-memory typo-tolerant sidecar over the same corpus as
// the persistent index. It is a derived cache: rebuilt from the exact index
// at startup, safe to drop entirely, and its failure never blocks search.
type FuzzyIndex struct {
	mu      sync.RWMutex
	entries []fuzzyEntry
	byKey   map[string]int
}

type fuzzyEntry struct {
	id   Identity
	text string
}

// fuzzySource adapts the entry slice to the fuzzy matcher's Source interface.
type fuzzySource []fuzzyEntry

func (s fuzzySource) String(i int) string { return s[i].text }
func (s fuzzySource) Len() int            { return len(s) }

// NewFuzzyIndex returns an empty fuzzy index.
func NewFuzzyIndex() *FuzzyIndex {
	return &FuzzyIndex{byKey: make(map[string]int)}
}

// Add inserts or replaces the searchable text for an identity.
func (f *FuzzyIndex) Add(id Identity, text string) {
	if len(text) > fuzzyTextCap {
		text = text[:fuzzyTextCap]
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if i, ok := f.byKey[id.Key()]; ok {
		f.entries[i].text = text
		return
	}
	f.byKey[id.Key()] = len(f.entries)
	f.entries = append(f.entries, fuzzyEntry{id: id, text: text})
}

// Remove drops an identity from the index. Missing identities are a no-op.
func (f *FuzzyIndex) Remove(id Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i, ok := f.byKey[id.Key()]
	if !ok {
		return
	}
	last := len(f.entries) - 1
	if i != last {
		f.entries[i] = f.entries[last]
		f.byKey[f.entries[i].id.Key()] = i
	}
	f.entries = f.entries[:last]
	delete(f.byKey, id.Key())
}

// Len returns the number of indexed identities.
func (f *FuzzyIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// Query returns up to limit identities ranked best-first. The matcher
// tolerates single-character typos and transpositions. Any panic from the
// matcher is swallowed: fuzzy is a sidecar and exact results must still be
// served when it misbehaves.
func (f *FuzzyIndex) Query(rawQuery string, limit int) (ids []Identity) {
	defer func() {
		if r := recover(); r != nil {
			fuzzyLog.Warn("fuzzy_query_panic", slog.Any("panic", r))
			ids = nil
		}
	}()

	if rawQuery == "" || limit <= 0 {
		return nil
	}

	f.mu.RLock()
	// Snapshot under lock; FindFrom walks the slice without further locking.
	snapshot := make(fuzzySource, len(f.entries))
	copy(snapshot, f.entries)
	f.mu.RUnlock()

	matches := fuzzy.FindFrom(rawQuery, snapshot)
	for _, m := range matches {
		ids = append(ids, snapshot[m.Index].id)
		if len(ids) >= limit {
			break
		}
	}
	return ids
}
