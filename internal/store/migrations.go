package store

import (
	"database/sql"
	"fmt"

	"mdvault/internal/logging"
)

// Schema versions:
// v1: entities, wikilink_applications, wikilink_feedback, schema_version
// v2: notes_fts full-text virtual table (porter stemming)
// v3: wikilink_suppressions
// v4: vault_metrics growth snapshots
const CurrentSchemaVersion = 4

// migration is one forward-only schema step. Each Up is pure: it only reads
// and writes the database handed to it.
type migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

var migrations = []migration{
	{
		Version:     1,
		Description: "base tables: entities, applications, feedback",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS entities (
				name TEXT NOT NULL,
				key TEXT NOT NULL PRIMARY KEY,
				path TEXT NOT NULL,
				aliases TEXT NOT NULL DEFAULT '[]',
				category TEXT NOT NULL DEFAULT '',
				hub_score REAL NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_entities_path ON entities(path);

			CREATE TABLE IF NOT EXISTS wikilink_applications (
				id TEXT PRIMARY KEY,
				source_path TEXT NOT NULL,
				target_entity TEXT NOT NULL,
				span_text TEXT NOT NULL,
				context_key TEXT NOT NULL,
				applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				verdict TEXT NOT NULL DEFAULT 'pending'
			);
			CREATE INDEX IF NOT EXISTS idx_applications_source ON wikilink_applications(source_path);
			CREATE INDEX IF NOT EXISTS idx_applications_target ON wikilink_applications(target_entity);

			CREATE TABLE IF NOT EXISTS wikilink_feedback (
				target_entity TEXT NOT NULL,
				context_key TEXT NOT NULL,
				correct INTEGER NOT NULL DEFAULT 0,
				incorrect INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (target_entity, context_key)
			);
			`)
			return err
		},
	},
	{
		Version:     2,
		Description: "full-text index with porter stemming",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			CREATE VIRTUAL TABLE IF NOT EXISTS notes_fts USING fts5(
				path UNINDEXED,
				title,
				content,
				tokenize='porter unicode61'
			);
			`)
			return err
		},
	},
	{
		Version:     3,
		Description: "negative suppressions",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS wikilink_suppressions (
				target_entity TEXT NOT NULL,
				context_key TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (target_entity, context_key)
			);
			`)
			return err
		},
	},
	{
		Version:     4,
		Description: "vault growth snapshots",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS vault_metrics (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				note_count INTEGER NOT NULL,
				tag_count INTEGER NOT NULL,
				link_count INTEGER NOT NULL,
				orphan_count INTEGER NOT NULL,
				index_age_seconds INTEGER NOT NULL DEFAULT 0,
				recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			`)
			return err
		},
	},
}

// migrate brings the database to CurrentSchemaVersion inside a single
// transaction. Downgrades are refused.
func (s *StateStore) migrate() error {
	timer := logging.StartTimer(logging.CategoryStore, "migrate")
	defer timer.Stop()

	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
			return fmt.Errorf("ensure schema_version: %w", err)
		}

		version := 0
		err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
				return fmt.Errorf("seed schema_version: %w", err)
			}
		case err != nil:
			return fmt.Errorf("read schema_version: %w", err)
		}

		if version > CurrentSchemaVersion {
			return fmt.Errorf("%w: file v%d, code v%d", ErrDowngrade, version, CurrentSchemaVersion)
		}
		if version == CurrentSchemaVersion {
			logging.StoreDebug("schema already at v%d", version)
			return nil
		}

		for _, m := range migrations {
			if m.Version <= version {
				continue
			}
			logging.Store("running migration v%d: %s", m.Version, m.Description)
			if err := m.Up(tx); err != nil {
				return fmt.Errorf("migration v%d failed: %w", m.Version, err)
			}
		}

		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, CurrentSchemaVersion); err != nil {
			return fmt.Errorf("record schema_version: %w", err)
		}
		logging.Store("migrated schema v%d -> v%d", version, CurrentSchemaVersion)
		return nil
	})
}

// SchemaVersion reports the current on-disk schema version.
func (s *StateStore) SchemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return version, nil
}
