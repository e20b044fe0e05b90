package searchdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/kuatroka/code-session-search/internal/logging"
)

var dbLog = logging.ForComponent(logging.CompIndex)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 2

// Document is one indexed unit of searchable transcript content.
// The (SessionID, Source) pair is the only unique key: two agent tools can
// independently generate the same session id string.
type Document struct {
	SessionID      string
	Source         string
	Title          string
	ProjectPath    string
	Content        string
	ContentHash    string
	LastActivityAt int64 // milliseconds since epoch
}

// Row is a ranked full-text query hit.
type Row struct {
	SessionID      string
	Source         string
	Title          string
	ProjectPath    string
	Content        string
	Snippet        string
	Rank           int // 0-based position in engine order, lower is better
	LastActivityAt int64
}

// DB wraps the SQLite full-text index for session transcripts.
// Thread-safe for concurrent use from multiple goroutines; the driver
// serializes writes and WAL mode allows readers alongside a writer.
type DB struct {
	db   *sql.DB
	path string
}

// Open creates or opens the index database at dbPath with WAL mode and busy
// timeout, then migrates the schema forward if needed.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("searchdb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("searchdb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("searchdb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("searchdb: busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("searchdb: foreign keys: %w", err)
	}

	s := &DB{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints WAL and closes the database.
func (s *DB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the database file path.
func (s *DB) Path() string {
	return s.path
}

// SQL returns the underlying sql.DB (used by tests).
func (s *DB) SQL() *sql.DB {
	return s.db
}

// Upsert replaces any existing row for (doc.SessionID, doc.Source) and
// inserts the new content. Idempotent: repeated calls with the same
// identity leave exactly one row and one set of FTS postings.
func (s *DB) Upsert(ctx context.Context, doc Document, indexedAt int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("searchdb: begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteInTx(ctx, tx, doc.SessionID, doc.Source); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, source, title, project_path, content,
			content_hash, last_activity_at, last_indexed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.SessionID, doc.Source, doc.Title, doc.ProjectPath, doc.Content,
		doc.ContentHash, doc.LastActivityAt, indexedAt)
	if err != nil {
		return fmt.Errorf("searchdb: insert session: %w", err)
	}

	rowid, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("searchdb: last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions_fts (rowid, title, project_path, content)
		VALUES (?, ?, ?, ?)
	`, rowid, doc.Title, doc.ProjectPath, doc.Content); err != nil {
		return fmt.Errorf("searchdb: insert fts: %w", err)
	}

	return tx.Commit()
}

// Remove deletes postings and metadata for a session. When source is empty
// the session id is removed across all sources.
func (s *DB) Remove(ctx context.Context, sessionID, source string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("searchdb: begin remove: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteInTx(ctx, tx, sessionID, source); err != nil {
		return err
	}
	return tx.Commit()
}

// deleteInTx removes the session row(s) and their FTS postings. The FTS
// table is external-content so the old column values must accompany the
// 'delete' command.
func deleteInTx(ctx context.Context, tx *sql.Tx, sessionID, source string) error {
	query := `SELECT id, title, project_path, content FROM sessions WHERE session_id = ?`
	args := []any{sessionID}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("searchdb: select old rows: %w", err)
	}

	type oldRow struct {
		id                      int64
		title, project, content string
	}
	var old []oldRow
	for rows.Next() {
		var r oldRow
		if err := rows.Scan(&r.id, &r.title, &r.project, &r.content); err != nil {
			rows.Close()
			return fmt.Errorf("searchdb: scan old row: %w", err)
		}
		old = append(old, r)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("searchdb: close old rows: %w", err)
	}

	for _, r := range old {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions_fts (sessions_fts, rowid, title, project_path, content)
			VALUES ('delete', ?, ?, ?, ?)
		`, r.id, r.title, r.project, r.content); err != nil {
			return fmt.Errorf("searchdb: delete fts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, r.id); err != nil {
			return fmt.Errorf("searchdb: delete session: %w", err)
		}
	}
	return nil
}

// Query runs an FTS5 MATCH query ordered by BM25 relevance with title and
// project weighted above raw content. A malformed match expression returns
// an empty result set, never an error: user input reaches this string and
// reserved FTS syntax must not take down the search response.
func (s *DB) Query(ctx context.Context, matchQuery, sourceFilter string, limit int) ([]Row, error) {
	if strings.TrimSpace(matchQuery) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}

	query := `
		SELECT s.session_id, s.source, s.title, s.project_path, s.content,
		       s.last_activity_at,
		       snippet(sessions_fts, 2, '<mark>', '</mark>', '…', 12)
		FROM sessions_fts
		JOIN sessions s ON s.id = sessions_fts.rowid
		WHERE sessions_fts MATCH ?
	`
	args := []any{matchQuery}
	if sourceFilter != "" {
		query += ` AND s.source = ?`
		args = append(args, sourceFilter)
	}
	query += ` ORDER BY bm25(sessions_fts, 4.0, 2.0, 1.0) LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		// Reserved characters that survive tokenization produce FTS5 parse
		// errors; degrade those to no results. Anything else is a real
		// database failure and must surface.
		if isMatchSyntaxErr(err) {
			dbLog.Debug("fts_query_rejected",
				slog.String("query", matchQuery), slog.String("error", err.Error()))
			return nil, nil
		}
		return nil, fmt.Errorf("searchdb: query: %w", err)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		r := Row{Rank: len(result)}
		if err := rows.Scan(&r.SessionID, &r.Source, &r.Title, &r.ProjectPath,
			&r.Content, &r.LastActivityAt, &r.Snippet); err != nil {
			return nil, fmt.Errorf("searchdb: scan hit: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// isMatchSyntaxErr reports whether err is FTS5 rejecting the MATCH
// expression itself. User input reaches the match string, so these are
// expected; the signatures cover fts5.c's expression parser messages.
// A "no such column" arises when input like `title:x` names an unknown
// column filter.
func isMatchSyntaxErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "fts5: syntax error") ||
		strings.Contains(msg, "unknown special query") ||
		strings.Contains(msg, "malformed MATCH") ||
		strings.Contains(msg, "no such column")
}

// All streams every indexed document with its stored activity timestamp.
// Used on startup to rebuild the fuzzy sidecar and the indexed-identity
// set; recency must come from the metadata columns, not default to zero,
// or ranking quality silently degrades until every session is re-touched.
func (s *DB) All(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, source, title, project_path, content,
		       content_hash, last_activity_at
		FROM sessions
	`)
	if err != nil {
		return nil, fmt.Errorf("searchdb: query all: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.SessionID, &d.Source, &d.Title, &d.ProjectPath,
			&d.Content, &d.ContentHash, &d.LastActivityAt); err != nil {
			return nil, fmt.Errorf("searchdb: scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Contains reports whether an identity is present. With an empty source it
// matches the session id under any source.
func (s *DB) Contains(ctx context.Context, sessionID, source string) (bool, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE session_id = ?`
	args := []any{sessionID}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("searchdb: contains: %w", err)
	}
	return count > 0, nil
}

// ContentHash returns the stored content hash for an identity, or "" when
// the identity is not indexed.
func (s *DB) ContentHash(ctx context.Context, sessionID, source string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT content_hash FROM sessions WHERE session_id = ? AND source = ?`,
		sessionID, source,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("searchdb: content hash: %w", err)
	}
	return hash, nil
}

// Count returns the number of indexed documents.
func (s *DB) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("searchdb: count: %w", err)
	}
	return count, nil
}
