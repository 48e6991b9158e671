// Package store implements the embedded SQLite state store that backs the
// vault index across restarts: full-text content index, wikilink feedback,
// suppressions, materialised entities, and growth metrics.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"mdvault/internal/logging"
)

// ErrCorrupt is returned when the database fails its integrity check. The
// engine refuses to serve writes until a cold rebuild replaces the file.
var ErrCorrupt = errors.New("state store failed integrity check")

// ErrDowngrade is returned when the on-disk schema is newer than this build.
var ErrDowngrade = errors.New("state store schema is newer than this build")

// StateStore is the embedded relational store co-located with the vault.
// All writes are serialised behind mu; batch writes wrap their statements in
// a single transaction.
type StateStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Open initialises the store at the given path, creating the file and
// running any pending migrations. A version newer than the compiled schema
// is refused rather than downgraded.
func Open(path string) (*StateStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("opening state store at %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &StateStore{db: db, dbPath: path}

	if err := s.integrityCheck(); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("state store ready (schema v%d)", CurrentSchemaVersion)
	return s, nil
}

// integrityCheck runs a quick integrity pass. Failures are surfaced as
// ErrCorrupt so the engine can move to the error state.
func (s *StateStore) integrityCheck() error {
	var result string
	if err := s.db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		logging.Get(logging.CategoryStore).Error("integrity check failed: %s", result)
		return fmt.Errorf("%w: %s", ErrCorrupt, result)
	}
	return nil
}

// Close releases the database handle. Safe to call more than once.
func (s *StateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DB exposes the underlying handle for tests.
func (s *StateStore) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *StateStore) Path() string { return s.dbPath }

// withTx runs fn inside a single transaction, serialised with other writes.
func (s *StateStore) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
