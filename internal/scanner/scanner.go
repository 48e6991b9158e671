// Package scanner walks a vault root and yields the Markdown files that the
// index should contain. It is the single place that knows which directories
// and files are ignored.
package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mdvault/internal/logging"
)

// ignoredDirs are tool and editor directories that never contain notes.
var ignoredDirs = map[string]bool{
	".git":         true,
	".trash":       true,
	".cache":       true,
	".obsidian":    true,
	".mdvault":     true,
	".vscode":      true,
	".idea":        true,
	"node_modules": true,
}

// Entry is one Markdown file discovered in the vault.
type Entry struct {
	Path     string    // vault-relative, forward-slashed
	AbsPath  string    // absolute path on disk
	Modified time.Time // mtime at scan
}

// ProgressFunc receives the running file count while a scan is in flight.
type ProgressFunc func(scanned int)

// Scanner walks a vault root depth-first.
type Scanner struct {
	root             string
	progress         ProgressFunc
	progressInterval int
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithProgress installs a progress callback fired every interval files.
func WithProgress(fn ProgressFunc, interval int) Option {
	return func(s *Scanner) {
		s.progress = fn
		if interval > 0 {
			s.progressInterval = interval
		}
	}
}

// New creates a Scanner for the given vault root.
func New(root string, opts ...Option) *Scanner {
	s := &Scanner{
		root:             root,
		progressInterval: 500,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ignored reports whether a directory name is excluded from scanning.
func Ignored(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	return ignoredDirs[name]
}

// Walk visits every Markdown file under the root and calls fn for each.
// Cancellation is checked between directory entries.
func (s *Scanner) Walk(ctx context.Context, fn func(Entry) error) error {
	timer := logging.StartTimer(logging.CategoryScan, "Walk")
	defer timer.Stop()

	count := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal: the vault may hold
			// files the process cannot stat.
			logging.ScanDebug("skip %s: %v", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		name := d.Name()
		if d.IsDir() {
			if path != s.root && Ignored(name) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logging.ScanDebug("stat %s: %v", path, err)
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}

		count++
		if s.progress != nil && count%s.progressInterval == 0 {
			s.progress(count)
		}

		return fn(Entry{
			Path:     filepath.ToSlash(rel),
			AbsPath:  path,
			Modified: info.ModTime(),
		})
	})

	if err != nil {
		return err
	}
	logging.Scan("scanned %d markdown files under %s", count, s.root)
	return nil
}

// Collect walks the vault and returns all entries.
func (s *Scanner) Collect(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.Walk(ctx, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// IsVaultFile reports whether an absolute path refers to a Markdown note
// inside the vault, applying the same ignore rules as a scan.
func (s *Scanner) IsVaultFile(absPath string) bool {
	rel, err := filepath.Rel(s.root, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	if !strings.HasSuffix(rel, ".md") {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(filepath.Dir(rel)), "/") {
		if part == "." || part == "" {
			continue
		}
		if Ignored(part) {
			return false
		}
	}
	base := filepath.Base(rel)
	return !strings.HasPrefix(base, ".")
}

// Rel converts an absolute path to the vault-relative forward-slashed form.
func (s *Scanner) Rel(absPath string) (string, bool) {
	rel, err := filepath.Rel(s.root, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Abs converts a vault-relative path back to an absolute path.
func (s *Scanner) Abs(relPath string) string {
	return filepath.Join(s.root, filepath.FromSlash(relPath))
}

// Root returns the vault root.
func (s *Scanner) Root() string { return s.root }

// Stat returns the entry for a single vault-relative path, if it exists.
func (s *Scanner) Stat(relPath string) (Entry, error) {
	abs := s.Abs(relPath)
	info, err := os.Stat(abs)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Path: relPath, AbsPath: abs, Modified: info.ModTime()}, nil
}
