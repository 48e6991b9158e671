// Package config holds all mdvault configuration, loaded from
// <vault>/.mdvault/config.yaml with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all mdvault configuration.
type Config struct {
	// Vault root directory. Defaults to the invoking working directory.
	VaultPath string `yaml:"vault_path"`

	// Watcher settings
	Watcher WatcherConfig `yaml:"watcher"`

	// Resolver / suggestion scorer settings
	Resolver ResolverConfig `yaml:"resolver"`

	// Feedback loop settings
	Feedback FeedbackConfig `yaml:"feedback"`

	// Operation surface settings
	Tools ToolsConfig `yaml:"tools"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// WatcherConfig configures the incremental watcher pipeline. Durations are
// written in Go syntax ("200ms", "30s") in the YAML file.
type WatcherConfig struct {
	DebounceInterval time.Duration `yaml:"debounce_interval"` // per-path debounce window
	FlushInterval    time.Duration `yaml:"flush_interval"`    // global forced drain
	BatchSize        int           `yaml:"batch_size"`        // distinct-path cap per flush
	PollInterval     time.Duration `yaml:"poll_interval"`     // polling fallback sweep
	MaxRestarts      int           `yaml:"max_restarts"`      // backoff retries before polling
	BackoffInitial   time.Duration `yaml:"backoff_initial"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
}

// UnmarshalYAML accepts duration strings while leaving absent keys at their
// prior (default) values.
func (w *WatcherConfig) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		DebounceInterval *string `yaml:"debounce_interval"`
		FlushInterval    *string `yaml:"flush_interval"`
		BatchSize        *int    `yaml:"batch_size"`
		PollInterval     *string `yaml:"poll_interval"`
		MaxRestarts      *int    `yaml:"max_restarts"`
		BackoffInitial   *string `yaml:"backoff_initial"`
		BackoffCap       *string `yaml:"backoff_cap"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	set := func(dst *time.Duration, src *string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", *src, err)
		}
		*dst = d
		return nil
	}
	if err := set(&w.DebounceInterval, aux.DebounceInterval); err != nil {
		return err
	}
	if err := set(&w.FlushInterval, aux.FlushInterval); err != nil {
		return err
	}
	if err := set(&w.PollInterval, aux.PollInterval); err != nil {
		return err
	}
	if err := set(&w.BackoffInitial, aux.BackoffInitial); err != nil {
		return err
	}
	if err := set(&w.BackoffCap, aux.BackoffCap); err != nil {
		return err
	}
	if aux.BatchSize != nil {
		w.BatchSize = *aux.BatchSize
	}
	if aux.MaxRestarts != nil {
		w.MaxRestarts = *aux.MaxRestarts
	}
	return nil
}

// MarshalYAML renders durations back in Go syntax.
func (w WatcherConfig) MarshalYAML() (any, error) {
	return map[string]any{
		"debounce_interval": w.DebounceInterval.String(),
		"flush_interval":    w.FlushInterval.String(),
		"batch_size":        w.BatchSize,
		"poll_interval":     w.PollInterval.String(),
		"max_restarts":      w.MaxRestarts,
		"backoff_initial":   w.BackoffInitial.String(),
		"backoff_cap":       w.BackoffCap.String(),
	}, nil
}

// CooccurrenceWindow selects the span used for the co-occurrence signal.
type CooccurrenceWindow string

const (
	WindowParagraph CooccurrenceWindow = "paragraph"
	WindowSection   CooccurrenceWindow = "section"
	WindowNote      CooccurrenceWindow = "note"
)

// ResolverConfig configures entity resolution and the suggestion scorer.
type ResolverConfig struct {
	// Minimum score before a span is rewritten to a wikilink on write.
	ApplyFloor float64 `yaml:"apply_floor"`
	// Window for the co-occurrence signal (paragraph, section, note).
	CooccurrenceWindow CooccurrenceWindow `yaml:"cooccurrence_window"`
	// Maximum suggestions returned alongside the winner.
	SuggestionCount int `yaml:"suggestion_count"`
}

// FeedbackConfig configures the feedback loop.
type FeedbackConfig struct {
	// Negatives required before a suppression is promoted.
	SuppressionThreshold int `yaml:"suppression_threshold"`
	// Accuracy below which a suppression is promoted.
	SuppressionAccuracy float64 `yaml:"suppression_accuracy"`
	// Minimum sample size before accuracy is trusted.
	MinSampleSize int `yaml:"min_sample_size"`
}

// ToolsConfig configures the operation surface.
type ToolsConfig struct {
	// Preset is a comma-separated list of category and bundle names
	// (e.g. "search,backlinks,tasks,notes"). Empty means the full set.
	Preset string `yaml:"preset"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	DebugMode  bool            `yaml:"debug_mode"` // Master toggle - false = no file logging
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Watcher: WatcherConfig{
			DebounceInterval: 200 * time.Millisecond,
			FlushInterval:    1 * time.Second,
			BatchSize:        50,
			PollInterval:     30 * time.Second,
			MaxRestarts:      5,
			BackoffInitial:   1 * time.Second,
			BackoffCap:       60 * time.Second,
		},
		Resolver: ResolverConfig{
			ApplyFloor:         3.5,
			CooccurrenceWindow: WindowSection,
			SuggestionCount:    2,
		},
		Feedback: FeedbackConfig{
			SuppressionThreshold: 3,
			SuppressionAccuracy:  0.40,
			MinSampleSize:        5,
		},
		Tools: ToolsConfig{
			Preset: "",
		},
		Logging: LoggingConfig{
			Level:     "info",
			DebugMode: false,
		},
	}
}

// Load reads the configuration for a vault, layering defaults, the on-disk
// file (if present), and environment overrides.
func Load(vaultPath string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.VaultPath = vaultPath

	path := filepath.Join(vaultPath, ".mdvault", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		// The file never overrides the vault it lives in.
		cfg.VaultPath = vaultPath
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides layers recognised environment variables over the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MDVAULT_PATH"); v != "" {
		cfg.VaultPath = v
	}
	if v := os.Getenv("MDVAULT_TOOLS"); v != "" {
		cfg.Tools.Preset = v
	}
	if v := os.Getenv("MDVAULT_DEBUG"); v == "1" || v == "true" {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}
}

// Save writes the configuration back to the vault's config file.
func (c *Config) Save() error {
	dir := filepath.Join(c.VaultPath, ".mdvault")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// StateDir returns the hidden state directory for the vault.
func (c *Config) StateDir() string {
	return filepath.Join(c.VaultPath, ".mdvault")
}

// DatabasePath returns the path of the state store file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir(), "state.db")
}

// EntitiesProjectionPath returns the path of the human-readable entity dump.
func (c *Config) EntitiesProjectionPath() string {
	return filepath.Join(c.StateDir(), "entities.json")
}
