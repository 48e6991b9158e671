package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mdvault/internal/logging"
)

// EntityRow is the materialised form of an index entity, authoritative
// across restarts.
type EntityRow struct {
	Name     string   `json:"name"`
	Key      string   `json:"key"` // case-folded lookup key
	Path     string   `json:"path"`
	Aliases  []string `json:"aliases,omitempty"`
	Category string   `json:"category,omitempty"`
	HubScore float64  `json:"hub_score,omitempty"`
}

// ReplaceEntities swaps the materialised entity list in one transaction.
// Called after a cold index build.
func (s *StateStore) ReplaceEntities(entities []EntityRow) error {
	timer := logging.StartTimer(logging.CategoryStore, "ReplaceEntities")
	defer timer.Stop()

	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM entities`); err != nil {
			return fmt.Errorf("clear entities: %w", err)
		}
		ins, err := tx.Prepare(`
			INSERT INTO entities (name, key, path, aliases, category, hub_score)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer ins.Close()

		for _, e := range entities {
			aliases, err := json.Marshal(e.Aliases)
			if err != nil {
				return fmt.Errorf("marshal aliases for %s: %w", e.Name, err)
			}
			if _, err := ins.Exec(e.Name, e.Key, e.Path, string(aliases), e.Category, e.HubScore); err != nil {
				return fmt.Errorf("insert entity %s: %w", e.Name, err)
			}
		}
		return nil
	})
}

// UpsertEntity writes a single entity row.
func (s *StateStore) UpsertEntity(e EntityRow) error {
	aliases, err := json.Marshal(e.Aliases)
	if err != nil {
		return fmt.Errorf("marshal aliases: %w", err)
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO entities (name, key, path, aliases, category, hub_score)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				name = excluded.name,
				path = excluded.path,
				aliases = excluded.aliases,
				category = excluded.category,
				hub_score = excluded.hub_score`,
			e.Name, e.Key, e.Path, string(aliases), e.Category, e.HubScore)
		return err
	})
}

// DeleteEntitiesForPath removes every entity registered for a note path.
func (s *StateStore) DeleteEntitiesForPath(path string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM entities WHERE path = ?`, path)
		return err
	})
}

// ListEntities returns all materialised entities.
func (s *StateStore) ListEntities() ([]EntityRow, error) {
	rows, err := s.db.Query(`SELECT name, key, path, aliases, category, hub_score FROM entities ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []EntityRow
	for rows.Next() {
		var e EntityRow
		var aliases string
		if err := rows.Scan(&e.Name, &e.Key, &e.Path, &aliases, &e.Category, &e.HubScore); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(aliases), &e.Aliases); err != nil {
			e.Aliases = nil
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MetricsSnapshot is one vault growth sample.
type MetricsSnapshot struct {
	NoteCount       int       `json:"note_count"`
	TagCount        int       `json:"tag_count"`
	LinkCount       int       `json:"link_count"`
	OrphanCount     int       `json:"orphan_count"`
	IndexAgeSeconds int       `json:"index_age_seconds"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// RecordMetrics appends a growth snapshot.
func (s *StateStore) RecordMetrics(m MetricsSnapshot) error {
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO vault_metrics (note_count, tag_count, link_count, orphan_count, index_age_seconds)
			VALUES (?, ?, ?, ?, ?)`,
			m.NoteCount, m.TagCount, m.LinkCount, m.OrphanCount, m.IndexAgeSeconds)
		return err
	})
	if err != nil {
		return fmt.Errorf("record metrics: %w", err)
	}
	logging.Metrics("snapshot: notes=%d tags=%d links=%d orphans=%d",
		m.NoteCount, m.TagCount, m.LinkCount, m.OrphanCount)
	return nil
}

// RecentMetrics returns the newest snapshots, most recent first.
func (s *StateStore) RecentMetrics(limit int) ([]MetricsSnapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT note_count, tag_count, link_count, orphan_count, index_age_seconds, recorded_at
		FROM vault_metrics ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricsSnapshot
	for rows.Next() {
		var m MetricsSnapshot
		if err := rows.Scan(&m.NoteCount, &m.TagCount, &m.LinkCount,
			&m.OrphanCount, &m.IndexAgeSeconds, &m.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
