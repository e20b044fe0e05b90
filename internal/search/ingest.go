package search

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kuatroka/code-session-search/internal/logging"
	"github.com/kuatroka/code-session-search/internal/searchdb"
)

var ingestLog = logging.ForComponent(logging.CompIngest)

// Catalog is the source-side collaborator for ingestion: it enumerates the
// sessions that exist on disk and materializes one into an indexable
// document on demand.
type Catalog interface {
	ListSessions(ctx context.Context) ([]SessionRef, error)
	LoadDocument(ctx context.Context, ref SessionRef) (searchdb.Document, error)
}

// ChangeKind classifies a filesystem change affecting a session transcript.
type ChangeKind int

const (
	ChangeUpsert ChangeKind = iota // created or modified
	ChangeRemove                   // deleted or renamed away
)

// ChangeEvent is a debounced notification from the source watcher.
type ChangeEvent struct {
	Kind ChangeKind
	Ref  SessionRef
}

// IndexSession writes a document to the exact index and updates the
// in-memory mirrors. Re-indexing unchanged content is a cheap no-op: the
// stored content hash short-circuits before any write. Either way the
// session ends up marked indexed and clean, so retries are idempotent.
func (s *Service) IndexSession(ctx context.Context, doc searchdb.Document) error {
	id := Identity{SessionID: doc.SessionID, Source: doc.Source}

	if doc.ContentHash != "" {
		stored, err := s.db.ContentHash(ctx, doc.SessionID, doc.Source)
		if err == nil && stored == doc.ContentHash {
			s.coverage.MarkIndexed(id)
			s.clearDirty(doc.SessionID)
			return nil
		}
	}

	if err := s.db.Upsert(ctx, doc, time.Now().UnixMilli()); err != nil {
		return err
	}

	// Remove-then-add so a re-index never leaves a stale fuzzy entry for
	// the same identity.
	s.fuzzy.Remove(id)
	s.fuzzy.Add(id, fuzzyText(doc.Title, doc.ProjectPath, doc.Content))
	s.storeMeta(id, doc.Title, doc.ProjectPath, doc.LastActivityAt, doc.Content)
	s.coverage.MarkIndexed(id)
	s.clearDirty(doc.SessionID)

	ingestLog.Debug("session_indexed",
		slog.String("session", doc.SessionID), slog.String("source", doc.Source))
	return nil
}

// RemoveIndexedSession deletes a session from the exact index and all
// mirrors. An empty source removes the session id across every source,
// mirroring the persistent index's delete semantics.
func (s *Service) RemoveIndexedSession(ctx context.Context, sessionID, source string) error {
	if err := s.db.Remove(ctx, sessionID, source); err != nil {
		return err
	}

	if source != "" {
		s.fuzzy.Remove(Identity{SessionID: sessionID, Source: source})
	} else {
		for _, id := range s.identitiesFor(sessionID) {
			s.fuzzy.Remove(id)
		}
	}
	s.coverage.UnmarkIndexed(sessionID, source)
	s.coverage.RemoveExpected(sessionID, source)
	s.dropMeta(sessionID, source)
	s.clearDirty(sessionID)

	ingestLog.Debug("session_removed",
		slog.String("session", sessionID), slog.String("source", source))
	return nil
}

// HandleChange applies one debounced watcher event.
func (s *Service) HandleChange(ctx context.Context, cat Catalog, ev ChangeEvent) error {
	switch ev.Kind {
	case ChangeRemove:
		return s.RemoveIndexedSession(ctx, ev.Ref.ID, ev.Ref.Source)
	default:
		s.MarkDirty(ev.Ref.ID)
		doc, err := cat.LoadDocument(ctx, ev.Ref)
		if err != nil {
			// Leave the session dirty; the sweep retries it.
			return err
		}
		return s.IndexSession(ctx, doc)
	}
}

// MarkDirty flags a session as having un-indexed changes. Keyed on the bare
// session id: the watcher frequently cannot attribute a path to a source
// before the file is parseable, and a dirty flag shared across sources only
// errs toward re-indexing.
func (s *Service) MarkDirty(sessionID string) {
	s.dirtyMu.Lock()
	s.dirty[sessionID] = struct{}{}
	s.dirtyMu.Unlock()
}

// DirtyCount returns the number of sessions with pending changes.
func (s *Service) DirtyCount() int {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	return len(s.dirty)
}

// DrainDirty returns and clears the dirty set.
func (s *Service) DrainDirty() []string {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()

	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	s.dirty = make(map[string]struct{})
	return ids
}

func (s *Service) clearDirty(sessionID string) {
	s.dirtyMu.Lock()
	delete(s.dirty, sessionID)
	s.dirtyMu.Unlock()
}

func (s *Service) isDirty(sessionID string) bool {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	_, ok := s.dirty[sessionID]
	return ok
}

// identitiesFor lists the composite identities currently indexed for a bare
// session id, derived from the metadata cache.
func (s *Service) identitiesFor(sessionID string) []Identity {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()

	var ids []Identity
	for key := range s.meta {
		source, id, ok := strings.Cut(key, ":")
		if ok && id == sessionID {
			ids = append(ids, Identity{SessionID: id, Source: source})
		}
	}
	return ids
}

// Sweep reconciles the index against the catalog: refreshes the expected
// set, indexes anything missing or dirty, and drops sessions whose files
// are gone. Indexing is rate-limited so a sweep over a large backlog does
// not starve interactive queries.
func (s *Service) Sweep(ctx context.Context, cat Catalog, limiter *rate.Limiter) error {
	refs, err := cat.ListSessions(ctx)
	if err != nil {
		return err
	}
	s.coverage.SetExpected(refs)

	expected := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		expected[Identity{SessionID: ref.ID, Source: ref.Source}.Key()] = struct{}{}
	}

	var indexed, failed int
	for _, ref := range refs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.coverage.IsIndexed(ref.ID, ref.Source) && !s.isDirty(ref.ID) {
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		doc, err := cat.LoadDocument(ctx, ref)
		if err != nil {
			ingestLog.Warn("session_load_failed",
				slog.String("session", ref.ID), slog.String("source", ref.Source),
				slog.String("error", err.Error()))
			failed++
			continue
		}
		if err := s.IndexSession(ctx, doc); err != nil {
			ingestLog.Warn("session_index_failed",
				slog.String("session", ref.ID), slog.String("source", ref.Source),
				slog.String("error", err.Error()))
			failed++
			continue
		}
		indexed++
	}

	// Drop indexed sessions the catalog no longer reports.
	for _, id := range s.allIdentities() {
		if _, ok := expected[id.Key()]; ok {
			continue
		}
		if err := s.RemoveIndexedSession(ctx, id.SessionID, id.Source); err != nil {
			ingestLog.Warn("session_prune_failed",
				slog.String("session", id.SessionID), slog.String("source", id.Source),
				slog.String("error", err.Error()))
		}
	}

	if indexed > 0 || failed > 0 {
		ingestLog.Info("sweep_complete",
			slog.Int("expected", len(refs)), slog.Int("indexed", indexed), slog.Int("failed", failed))
	}
	return nil
}

// RunSweeper runs Sweep on a fixed interval until the context is canceled.
// The first sweep fires immediately so a fresh process converges without
// waiting a full interval.
func (s *Service) RunSweeper(ctx context.Context, cat Catalog, interval time.Duration, limiter *rate.Limiter) {
	if err := s.Sweep(ctx, cat, limiter); err != nil && ctx.Err() == nil {
		ingestLog.Warn("sweep_failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx, cat, limiter); err != nil && ctx.Err() == nil {
				ingestLog.Warn("sweep_failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Service) allIdentities() []Identity {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()

	ids := make([]Identity, 0, len(s.meta))
	for key := range s.meta {
		source, id, ok := strings.Cut(key, ":")
		if ok {
			ids = append(ids, Identity{SessionID: id, Source: source})
		}
	}
	return ids
}
