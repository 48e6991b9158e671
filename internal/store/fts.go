package store

import (
	"database/sql"
	"fmt"
	"strings"

	"mdvault/internal/logging"
)

// minTokenLength is the shortest token the full-text query builder keeps.
const minTokenLength = 3

// SearchHit is one ranked full-text result.
type SearchHit struct {
	Path    string  `json:"path"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// IndexNote upserts a note's searchable text.
func (s *StateStore) IndexNote(path, title, content string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM notes_fts WHERE path = ?`, path); err != nil {
			return fmt.Errorf("clear fts row: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO notes_fts (path, title, content) VALUES (?, ?, ?)`,
			path, title, content,
		); err != nil {
			return fmt.Errorf("insert fts row: %w", err)
		}
		return nil
	})
}

// IndexNotes upserts a batch of notes in a single transaction.
func (s *StateStore) IndexNotes(rows map[string][2]string) error {
	if len(rows) == 0 {
		return nil
	}
	timer := logging.StartTimer(logging.CategoryStore, "IndexNotes")
	defer timer.Stop()

	return s.withTx(func(tx *sql.Tx) error {
		del, err := tx.Prepare(`DELETE FROM notes_fts WHERE path = ?`)
		if err != nil {
			return err
		}
		defer del.Close()
		ins, err := tx.Prepare(`INSERT INTO notes_fts (path, title, content) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer ins.Close()

		for path, tc := range rows {
			if _, err := del.Exec(path); err != nil {
				return fmt.Errorf("clear fts row %s: %w", path, err)
			}
			if _, err := ins.Exec(path, tc[0], tc[1]); err != nil {
				return fmt.Errorf("insert fts row %s: %w", path, err)
			}
		}
		return nil
	})
}

// RemoveNote drops a note's searchable text.
func (s *StateStore) RemoveNote(path string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM notes_fts WHERE path = ?`, path)
		return err
	})
}

// RenameNote moves a note's searchable text to a new path.
func (s *StateStore) RenameNote(oldPath, newPath string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE notes_fts SET path = ? WHERE path = ?`, newPath, oldPath)
		return err
	})
}

// Search runs a ranked full-text query. The raw query is rewritten into an
// FTS5 match expression: quoted phrases pass through, a trailing * becomes a
// prefix query, and tokens shorter than the minimum length are dropped.
func (s *StateStore) Search(query string, limit int) ([]SearchHit, error) {
	match := BuildMatchQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT path, title,
		       snippet(notes_fts, 2, '[', ']', '…', 12),
		       bm25(notes_fts, 0.0, 5.0, 1.0)
		FROM notes_fts
		WHERE notes_fts MATCH ?
		ORDER BY bm25(notes_fts, 0.0, 5.0, 1.0)
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query %q: %w", match, err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.Path, &h.Title, &h.Snippet, &h.Score); err != nil {
			return nil, fmt.Errorf("scan fts row: %w", err)
		}
		// bm25 returns lower-is-better; flip the sign so callers sort descending.
		h.Score = -h.Score
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// BuildMatchQuery turns free text into an FTS5 match expression.
func BuildMatchQuery(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}

	// A quoted query is a phrase search, passed through as-is.
	if strings.HasPrefix(query, `"`) && strings.HasSuffix(query, `"`) && len(query) > 1 {
		return query
	}

	var parts []string
	for _, tok := range strings.Fields(query) {
		prefix := strings.HasSuffix(tok, "*")
		tok = strings.Trim(tok, `*"'`)
		tok = strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
				return r
			default:
				return -1
			}
		}, tok)
		if len(tok) < minTokenLength {
			continue
		}
		if prefix {
			parts = append(parts, `"`+tok+`"*`)
		} else {
			parts = append(parts, `"`+tok+`"`)
		}
	}
	return strings.Join(parts, " ")
}
