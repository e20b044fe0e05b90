package searchdb

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
)

// migrate creates the schema on a fresh database and upgrades older
// on-disk shapes in place. No manual migration step is ever required;
// a single-user install must always come up on the current schema.
func (s *DB) migrate() error {
	version, err := s.detectVersion()
	if err != nil {
		return err
	}

	switch version {
	case 0:
		return s.createSchema()
	case 1:
		return s.migrateV1toV2()
	case SchemaVersion:
		return nil
	default:
		return fmt.Errorf("searchdb: database schema version %d is newer than supported %d", version, SchemaVersion)
	}
}

// detectVersion returns 0 for a fresh database, the recorded version when
// a meta table exists, and infers version 1 from the legacy table shape
// (sessions keyed on session_id alone, no source column) when it doesn't.
func (s *DB) detectVersion() (int, error) {
	hasSessions, err := s.tableExists("sessions")
	if err != nil {
		return 0, err
	}
	if !hasSessions {
		return 0, nil
	}

	hasMeta, err := s.tableExists("meta")
	if err != nil {
		return 0, err
	}
	if hasMeta {
		var val string
		err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&val)
		if err == nil {
			if v, convErr := strconv.Atoi(val); convErr == nil {
				return v, nil
			}
		} else if err != sql.ErrNoRows {
			return 0, fmt.Errorf("searchdb: read schema version: %w", err)
		}
	}

	hasSource, err := s.columnExists("sessions", "source")
	if err != nil {
		return 0, err
	}
	if hasSource {
		return SchemaVersion, nil
	}
	return 1, nil
}

func (s *DB) tableExists(name string) (bool, error) {
	var n string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name = ?", name,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("searchdb: table lookup: %w", err)
	}
	return true, nil
}

func (s *DB) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("searchdb: table info: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("searchdb: scan table info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// createSchema builds the current schema from scratch.
func (s *DB) createSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("searchdb: begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("searchdb: create meta: %w", err)
	}

	// Uniqueness is the composite identity: the same session id string can
	// appear under two different sources.
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id       TEXT NOT NULL,
			source           TEXT NOT NULL,
			title            TEXT NOT NULL DEFAULT '',
			project_path     TEXT NOT NULL DEFAULT '',
			content          TEXT NOT NULL DEFAULT '',
			content_hash     TEXT NOT NULL DEFAULT '',
			last_activity_at INTEGER NOT NULL DEFAULT 0,
			last_indexed_at  INTEGER NOT NULL DEFAULT 0,
			UNIQUE (session_id, source)
		)
	`); err != nil {
		return fmt.Errorf("searchdb: create sessions: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sessions_source ON sessions(source)
	`); err != nil {
		return fmt.Errorf("searchdb: create source index: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS sessions_fts USING fts5(
			title,
			project_path,
			content,
			content='sessions',
			content_rowid='id'
		)
	`); err != nil {
		return fmt.Errorf("searchdb: create fts: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)",
		strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("searchdb: set schema version: %w", err)
	}

	return tx.Commit()
}

// migrateV1toV2 upgrades the legacy single-source schema, which keyed rows
// on session_id alone. Rows are copied into the composite-identity shape
// with source backfilled to "claude" (the only source v1 installs indexed)
// and the FTS table rebuilt from the copied content.
func (s *DB) migrateV1toV2() error {
	dbLog.Info("schema_migration_started",
		slog.Int("from", 1), slog.Int("to", SchemaVersion))

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("searchdb: begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`ALTER TABLE sessions RENAME TO sessions_v1`); err != nil {
		return fmt.Errorf("searchdb: rename legacy table: %w", err)
	}
	if _, err := tx.Exec(`DROP TABLE IF EXISTS sessions_fts`); err != nil {
		return fmt.Errorf("searchdb: drop legacy fts: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE sessions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id       TEXT NOT NULL,
			source           TEXT NOT NULL,
			title            TEXT NOT NULL DEFAULT '',
			project_path     TEXT NOT NULL DEFAULT '',
			content          TEXT NOT NULL DEFAULT '',
			content_hash     TEXT NOT NULL DEFAULT '',
			last_activity_at INTEGER NOT NULL DEFAULT 0,
			last_indexed_at  INTEGER NOT NULL DEFAULT 0,
			UNIQUE (session_id, source)
		)
	`); err != nil {
		return fmt.Errorf("searchdb: create v2 sessions: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sessions_source ON sessions(source)
	`); err != nil {
		return fmt.Errorf("searchdb: create source index: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO sessions (session_id, source, title, project_path, content,
			content_hash, last_activity_at, last_indexed_at)
		SELECT session_id, 'claude', title, project_path, content,
			'', last_activity_at, 0
		FROM sessions_v1
	`); err != nil {
		return fmt.Errorf("searchdb: copy legacy rows: %w", err)
	}

	if _, err := tx.Exec(`DROP TABLE sessions_v1`); err != nil {
		return fmt.Errorf("searchdb: drop legacy table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE VIRTUAL TABLE sessions_fts USING fts5(
			title,
			project_path,
			content,
			content='sessions',
			content_rowid='id'
		)
	`); err != nil {
		return fmt.Errorf("searchdb: create v2 fts: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO sessions_fts (rowid, title, project_path, content)
		SELECT id, title, project_path, content FROM sessions
	`); err != nil {
		return fmt.Errorf("searchdb: rebuild fts: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("searchdb: create meta: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)",
		strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("searchdb: set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("searchdb: commit migration: %w", err)
	}

	dbLog.Info("schema_migration_complete", slog.Int("version", SchemaVersion))
	return nil
}
