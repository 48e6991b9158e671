package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func initFor(t *testing.T, configYAML string) string {
	t.Helper()
	dir := t.TempDir()
	if configYAML != "" {
		if err := os.MkdirAll(filepath.Join(dir, ".mdvault"), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, ".mdvault", "config.yaml"), []byte(configYAML), 0644); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(func() {
		CloseAll()
		logsDir = ""
		vaultRoot = ""
		config = loggingConfig{}
	})
	if err := Initialize(dir); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestProductionModeIsSilent(t *testing.T) {
	dir := initFor(t, "")
	Index("this should go nowhere")
	if _, err := os.Stat(filepath.Join(dir, ".mdvault", "logs")); !os.IsNotExist(err) {
		t.Error("logs directory created in production mode")
	}
}

func TestDebugModeWritesCategoryFiles(t *testing.T) {
	dir := initFor(t, "logging:\n  debug_mode: true\n  level: debug\n")
	Watcher("watcher message %d", 42)
	StoreDebug("store debug message")

	entries, err := os.ReadDir(filepath.Join(dir, ".mdvault", "logs"))
	if err != nil {
		t.Fatalf("logs dir missing: %v", err)
	}
	categories := map[string]bool{}
	for _, e := range entries {
		categories[e.Name()] = true
	}
	foundWatcher := false
	for name := range categories {
		if filepath.Ext(name) == ".log" {
			foundWatcher = true
		}
	}
	if !foundWatcher {
		t.Errorf("no log files written: %v", categories)
	}
}

func TestCategoryToggle(t *testing.T) {
	initFor(t, "logging:\n  debug_mode: true\n  categories:\n    watcher: false\n")
	if IsCategoryEnabled(CategoryWatcher) {
		t.Error("disabled category reported enabled")
	}
	if !IsCategoryEnabled(CategoryIndex) {
		t.Error("unlisted category should default to enabled")
	}
}

func TestTimer(t *testing.T) {
	initFor(t, "logging:\n  debug_mode: true\n")
	timer := StartTimer(CategoryIndex, "op")
	if timer.Stop() < 0 {
		t.Error("negative duration")
	}
}
