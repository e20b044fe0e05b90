package search

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/kuatroka/code-session-search/internal/searchdb"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := searchdb.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc, err := NewService(context.Background(), db)
	require.NoError(t, err)
	return svc
}

func doc(id, src, title, content string, ts int64) searchdb.Document {
	return searchdb.Document{
		SessionID:      id,
		Source:         src,
		Title:          title,
		ProjectPath:    "/home/u/proj",
		Content:        content,
		ContentHash:    fmt.Sprintf("%s-%s-%d", id, src, len(content)),
		LastActivityAt: ts,
	}
}

func TestSearchTierOrdering(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	// Literal match, oldest.
	require.NoError(t, svc.IndexSession(ctx, doc("lit", "claude",
		"session one", "we fixed the wa-sqlite wrapper here", now-3_000_000)))
	// Token-only match, newest.
	require.NoError(t, svc.IndexSession(ctx, doc("tok", "claude",
		"session two", "sqlite was mentioned and wa appeared separately later", now)))

	resp, err := svc.Search(ctx, "wa-sqlite", Options{Fuzzy: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	// The literal hit outranks the token hit despite being much older.
	require.Equal(t, "lit", resp.Results[0].SessionID)
	require.Equal(t, TierExact, resp.Results[0].Tier)
	require.Equal(t, "tok", resp.Results[1].SessionID)
	require.Equal(t, TierTokens, resp.Results[1].Tier)
	require.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
}

func TestSearchFuzzyOnlyTier(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	// Contains the typo verbatim, so the engine finds it. Oldest.
	require.NoError(t, svc.IndexSession(ctx, doc("exact", "claude",
		"typo transcript", "the user typed webscket in this session", now-3_000_000)))
	// Only matches approximately: "webscket" is a subsequence of
	// "websocket" but never a token. Newest.
	require.NoError(t, svc.IndexSession(ctx, doc("fuzzyonly", "claude",
		"websocket work", "rewriting the websocket handshake layer", now)))

	resp, err := svc.Search(ctx, "webscket", Options{Fuzzy: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	// The fuzzy-only hit sits below the exact hit despite being newer.
	require.Equal(t, "exact", resp.Results[0].SessionID)
	require.Equal(t, TierExact, resp.Results[0].Tier)

	fz := resp.Results[1]
	require.Equal(t, "fuzzyonly", fz.SessionID)
	require.Equal(t, TierFuzzy, fz.Tier)
	require.True(t, fz.Signals.Fuzzy)
	require.False(t, fz.Signals.Literal)
	require.False(t, fz.Signals.Phrase)
	require.False(t, fz.Signals.Tokens)
	require.Less(t, fz.Score, tierTokensBase, "fuzzy scores stay below the exact ranges")

	// Rendered from the metadata cache, not the engine row.
	require.Equal(t, "websocket work", fz.Display)
	require.Equal(t, "/home/u/proj", fz.Project)
	require.NotEmpty(t, fz.Snippet)
}

func TestSearchRecencyWithinTier(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	require.NoError(t, svc.IndexSession(ctx, doc("old", "claude",
		"old session", "debugging the websocket handler again and again", now-60_000)))
	require.NoError(t, svc.IndexSession(ctx, doc("new", "claude",
		"new session", "debugging the websocket handler", now)))

	resp, err := svc.Search(ctx, "websocket handler", Options{Fuzzy: false})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	require.Equal(t, resp.Results[0].Tier, resp.Results[1].Tier)
	// Same signals, so the more recent session wins regardless of the
	// engine's term-frequency preference.
	require.Equal(t, "new", resp.Results[0].SessionID)
}

func TestIdentityCollisionAcrossSources(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	require.NoError(t, svc.IndexSession(ctx, doc("shared-id", "claude",
		"claude side", "grpc deadline propagation", now)))
	require.NoError(t, svc.IndexSession(ctx, doc("shared-id", "codex",
		"codex side", "grpc deadline propagation", now)))

	resp, err := svc.Search(ctx, "grpc deadline", Options{Fuzzy: false})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2, "same session id under two sources must yield two results")

	sources := map[string]bool{}
	for _, r := range resp.Results {
		require.Equal(t, "shared-id", r.SessionID)
		sources[r.Source] = true
	}
	require.True(t, sources["claude"] && sources["codex"])

	// Removing one source leaves the other.
	require.NoError(t, svc.RemoveIndexedSession(ctx, "shared-id", "codex"))
	resp, err = svc.Search(ctx, "grpc deadline", Options{Fuzzy: false})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Equal(t, "claude", resp.Results[0].Source)
}

func TestRemoveRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	d := doc("s1", "claude", "temp", "ephemeral bazelbuild content", time.Now().UnixMilli())
	require.NoError(t, svc.IndexSession(ctx, d))

	resp, err := svc.Search(ctx, "bazelbuild", Options{Fuzzy: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	require.NoError(t, svc.RemoveIndexedSession(ctx, "s1", "claude"))

	resp, err = svc.Search(ctx, "bazelbuild", Options{Fuzzy: true})
	require.NoError(t, err)
	require.Empty(t, resp.Results, "removed session must not appear in exact or fuzzy results")
	require.Equal(t, 0, svc.fuzzy.Len())
}

func TestIndexSessionIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	d := doc("s1", "claude", "t", "same content", time.Now().UnixMilli())
	require.NoError(t, svc.IndexSession(ctx, d))
	require.NoError(t, svc.IndexSession(ctx, d))
	require.NoError(t, svc.IndexSession(ctx, d))

	require.Equal(t, 1, svc.fuzzy.Len())
	count, err := svc.db.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSearchStrictMode(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.SetExpected([]SessionRef{
		{ID: "s1", Source: "claude"},
		{ID: "s2", Source: "claude"},
	})
	require.NoError(t, svc.IndexSession(ctx,
		doc("s1", "claude", "t", "content", time.Now().UnixMilli())))

	resp, err := svc.Search(ctx, "content", Options{Strict: true})
	require.ErrorIs(t, err, ErrIndexPartial)
	require.NotNil(t, resp)
	require.True(t, resp.Coverage.Partial)
	require.Equal(t, 1, resp.Coverage.TotalIndexed)

	// Non-strict callers get results plus the same coverage snapshot.
	resp, err = svc.Search(ctx, "content", Options{})
	require.NoError(t, err)
	require.True(t, resp.Partial)
	require.Len(t, resp.Results, 1)
}

func TestSearchEmptyAndMalformedQueries(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.IndexSession(ctx,
		doc("s1", "claude", "t", "content here", time.Now().UnixMilli())))

	for _, q := range []string{"", "   ", "!!!", `"`} {
		resp, err := svc.Search(ctx, q, Options{Fuzzy: true})
		require.NoError(t, err, "query %q", q)
		require.Empty(t, resp.Results, "query %q", q)
		require.NotNil(t, resp.Coverage.BySource, "coverage attached even for %q", q)
	}
}

func TestFuzzyCorroborationBoost(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	require.NoError(t, svc.IndexSession(ctx, doc("s1", "claude",
		"websocket work", "rewriting the websocket layer", now)))

	resp, err := svc.Search(ctx, "websocket", Options{Fuzzy: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.True(t, resp.Results[0].Signals.Fuzzy, "fuzzy corroboration should be recorded")
	require.Equal(t, TierExact, resp.Results[0].Tier, "corroboration must not change the tier")
}

func TestMetaHeadRuneBoundary(t *testing.T) {
	svc := newTestService(t)

	// A multi-byte rune straddling the cap must be dropped whole, not
	// split into an invalid byte sequence.
	content := strings.Repeat("a", metaHeadCap-1) + "日本語の内容"
	id := Identity{SessionID: "s1", Source: "claude"}
	svc.storeMeta(id, "t", "p", 1, content)

	m, ok := svc.lookupMeta(id)
	require.True(t, ok)
	require.True(t, utf8.ValidString(m.head))
	require.LessOrEqual(t, len(m.head), metaHeadCap)
	require.Equal(t, strings.Repeat("a", metaHeadCap-1), m.head)
}

func TestDirtyTracking(t *testing.T) {
	svc := newTestService(t)

	svc.MarkDirty("s1")
	svc.MarkDirty("s1")
	svc.MarkDirty("s2")
	require.Equal(t, 2, svc.DirtyCount())

	cov := svc.Coverage()
	require.True(t, cov.Partial, "dirty sessions must mark coverage partial")

	ids := svc.DrainDirty()
	require.ElementsMatch(t, []string{"s1", "s2"}, ids)
	require.Equal(t, 0, svc.DirtyCount())
}

func TestServiceRebuildFromDB(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "index.db")
	ctx := context.Background()

	db, err := searchdb.Open(dbPath)
	require.NoError(t, err)
	svc, err := NewService(ctx, db)
	require.NoError(t, err)
	require.NoError(t, svc.IndexSession(ctx,
		doc("s1", "claude", "persisted", "survives restart", time.Now().UnixMilli())))
	require.NoError(t, db.Close())

	// Reopen: mirrors must be rebuilt from disk.
	db, err = searchdb.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	svc, err = NewService(ctx, db)
	require.NoError(t, err)

	require.Equal(t, 1, svc.fuzzy.Len())
	resp, err := svc.Search(ctx, "survives restart", Options{Fuzzy: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Equal(t, "s1", resp.Results[0].SessionID)
}
