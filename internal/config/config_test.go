package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 200*time.Millisecond, cfg.Watcher.DebounceInterval)
	assert.Equal(t, time.Second, cfg.Watcher.FlushInterval)
	assert.Equal(t, 50, cfg.Watcher.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Watcher.PollInterval)
	assert.Equal(t, 5, cfg.Watcher.MaxRestarts)
	assert.Equal(t, WindowSection, cfg.Resolver.CooccurrenceWindow)
	assert.Equal(t, 3, cfg.Feedback.SuppressionThreshold)
	assert.Equal(t, 0.40, cfg.Feedback.SuppressionAccuracy)
	assert.Equal(t, 5, cfg.Feedback.MinSampleSize)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.VaultPath)
	assert.Equal(t, 50, cfg.Watcher.BatchSize)
}

func TestLoadLayersFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".mdvault"), 0755))
	yaml := []byte("watcher:\n  batch_size: 10\ntools:\n  preset: search,notes\nlogging:\n  debug_mode: true\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".mdvault", "config.yaml"), yaml, 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Watcher.BatchSize)
	assert.Equal(t, "search,notes", cfg.Tools.Preset)
	assert.True(t, cfg.Logging.DebugMode)
	// Untouched fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Watcher.PollInterval)
	// The config file never relocates the vault it lives in.
	assert.Equal(t, dir, cfg.VaultPath)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MDVAULT_TOOLS", "backlinks")
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "backlinks", cfg.Tools.Preset)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	cfg.Watcher.BatchSize = 7
	require.NoError(t, cfg.Save())

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Watcher.BatchSize)
}

func TestPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VaultPath = "/vault"
	assert.Equal(t, filepath.Join("/vault", ".mdvault"), cfg.StateDir())
	assert.Equal(t, filepath.Join("/vault", ".mdvault", "state.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join("/vault", ".mdvault", "entities.json"), cfg.EntitiesProjectionPath())
}
