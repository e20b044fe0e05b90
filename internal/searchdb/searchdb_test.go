package searchdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testDoc(id, src, content string) Document {
	return Document{
		SessionID:      id,
		Source:         src,
		Title:          "title " + id,
		ProjectPath:    "/proj/" + id,
		Content:        content,
		ContentHash:    "hash-" + content,
		LastActivityAt: time.Now().UnixMilli(),
	}
}

func TestUpsertAndQuery(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, testDoc("s1", "claude", "fixing the tokenizer edge case"), 1))

	rows, err := db.Query(ctx, `"tokenizer"`, "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "s1", rows[0].SessionID)
	require.Equal(t, "claude", rows[0].Source)
	require.Contains(t, rows[0].Snippet, "<mark>")
	require.Equal(t, 0, rows[0].Rank)
}

func TestUpsertIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	d := testDoc("s1", "claude", "repeated content")
	for i := 0; i < 3; i++ {
		require.NoError(t, db.Upsert(ctx, d, int64(i)))
	}

	count, err := db.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// The FTS side must not have accumulated ghost rows either.
	rows, err := db.Query(ctx, `"repeated"`, "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestCompositeIdentity(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, testDoc("shared", "claude", "alpha content"), 1))
	require.NoError(t, db.Upsert(ctx, testDoc("shared", "codex", "alpha content"), 1))

	count, err := db.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count, "same session id under two sources are distinct rows")

	// Source-scoped remove leaves the sibling.
	require.NoError(t, db.Remove(ctx, "shared", "codex"))
	ok, err := db.Contains(ctx, "shared", "claude")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.Contains(ctx, "shared", "codex")
	require.NoError(t, err)
	require.False(t, ok)

	// Source-less remove clears everything with that id.
	require.NoError(t, db.Upsert(ctx, testDoc("shared", "codex", "alpha content"), 1))
	require.NoError(t, db.Remove(ctx, "shared", ""))
	count, err = db.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestQuerySourceFilter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, testDoc("s1", "claude", "shared topic here"), 1))
	require.NoError(t, db.Upsert(ctx, testDoc("s2", "codex", "shared topic here"), 1))

	rows, err := db.Query(ctx, `"topic"`, "codex", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "codex", rows[0].Source)
}

func TestQueryMalformedMatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, testDoc("s1", "claude", "anything"), 1))

	// FTS syntax errors degrade to no results, not an error.
	rows, err := db.Query(ctx, `"unbalanced`, "", 10)
	require.NoError(t, err)
	require.Empty(t, rows)

	// Input that reads as an unknown column filter degrades too.
	rows, err = db.Query(ctx, `nosuchcolumn:anything`, "", 10)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestQueryRealErrorsSurface(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, testDoc("s1", "claude", "anything"), 1))
	require.NoError(t, db.Close())

	// A failure that has nothing to do with the MATCH expression must not
	// be mistaken for user-input noise and swallowed.
	_, err := db.Query(ctx, `"anything"`, "", 10)
	require.Error(t, err)
}

func TestContentHashRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, testDoc("s1", "claude", "hashable"), 1))

	hash, err := db.ContentHash(ctx, "s1", "claude")
	require.NoError(t, err)
	require.Equal(t, "hash-hashable", hash)

	hash, err = db.ContentHash(ctx, "missing", "claude")
	require.NoError(t, err)
	require.Empty(t, hash)
}

func TestMigrateV1toV2(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "index.db")

	// Build a legacy v1 database by hand: sessions keyed on session_id
	// alone, no source column, no meta table.
	raw, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = raw.Exec(`
		CREATE TABLE sessions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id       TEXT NOT NULL UNIQUE,
			title            TEXT NOT NULL DEFAULT '',
			project_path     TEXT NOT NULL DEFAULT '',
			content          TEXT NOT NULL DEFAULT '',
			last_activity_at INTEGER NOT NULL DEFAULT 0
		)
	`)
	require.NoError(t, err)
	_, err = raw.Exec(`
		INSERT INTO sessions (session_id, title, project_path, content, last_activity_at)
		VALUES ('legacy-1', 'old title', '/old/proj', 'legacy searchable content', 42)
	`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	// Opening runs the migration.
	db, err := Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	ok, err := db.Contains(ctx, "legacy-1", "claude")
	require.NoError(t, err)
	require.True(t, ok, "legacy rows must be backfilled under the claude source")

	rows, err := db.Query(ctx, `"legacy"`, "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1, "FTS must be rebuilt from migrated rows")
	require.Equal(t, int64(42), rows[0].LastActivityAt)

	// Reopening is a no-op at the current version.
	require.NoError(t, db.Close())
	db2, err := Open(dbPath)
	require.NoError(t, err)
	defer db2.Close()
	count, err := db2.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestAllReturnsDocuments(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, testDoc("s1", "claude", "first"), 1))
	require.NoError(t, db.Upsert(ctx, testDoc("s2", "codex", "second"), 2))

	docs, err := db.All(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	bySource := map[string]Document{}
	for _, d := range docs {
		bySource[d.Source] = d
	}
	require.Equal(t, "s1", bySource["claude"].SessionID)
	require.Equal(t, "second", bySource["codex"].Content)
}
