package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// PushMode selects when commits are pushed to the upstream.
type PushMode string

const (
	// PushModeSync pushes after every commit.
	PushModeSync PushMode = "sync"
	// PushModeBatch defers the push to the end of a transaction scope.
	PushModeBatch PushMode = "batch"
)

// Config holds all recognized options. It is constructed at startup and
// threaded explicitly through constructors; nothing reads it through a
// global after initialization.
type Config struct {
	// DefaultBranch is used when the caller does not specify one.
	DefaultBranch string `yaml:"default-branch"`

	// CommitterName and CommitterEmail identify every commit.
	CommitterName  string `yaml:"committer-name"`
	CommitterEmail string `yaml:"committer-email"`

	// DataDir is where the bare repository, WAL, and index live.
	DataDir string `yaml:"data-dir"`

	// PushEnabled attempts an upstream push after each commit.
	PushEnabled bool `yaml:"push-enabled"`
	// PushNotes includes the notes ref in push/fetch.
	PushNotes bool `yaml:"push-notes"`
	// PushMode is "sync" (per commit) or "batch" (deferred).
	PushMode PushMode `yaml:"push-mode"`
	// PullOnStart fetches and fast-forwards from upstream at init.
	PullOnStart bool `yaml:"pull-on-start"`
	// RemoteURL is the upstream to push to and pull from.
	RemoteURL string `yaml:"remote-url"`

	// WALEnabled toggles the write-ahead log.
	WALEnabled bool `yaml:"wal-enabled"`
	// WALDir overrides the WAL location (default: <data-dir>/wal).
	WALDir string `yaml:"wal-dir"`

	// OCCEnabled toggles optimistic retries on ref conflicts.
	OCCEnabled bool `yaml:"occ-enabled"`
	// OCCMaxRetries bounds retries before failing with a conflict.
	OCCMaxRetries int `yaml:"occ-max-retries"`

	// IndexDir overrides the index location (default: <data-dir>/index).
	IndexDir string `yaml:"index-dir"`
	// IndexCatchUpInterval is how often stale branches are re-indexed.
	IndexCatchUpInterval time.Duration `yaml:"index-catchup-interval"`

	// NotesEnabled toggles the per-commit transaction note trail.
	NotesEnabled bool `yaml:"notes-enabled"`

	// LogLevel and LogJSON configure the global logger.
	LogLevel string `yaml:"log-level"`
	LogJSON  bool   `yaml:"log-json"`
}

// DefaultConfig returns the configuration used when no file or flags
// override it.
func DefaultConfig() *Config {
	return &Config{
		DefaultBranch:        "main",
		CommitterName:        "chrondb",
		CommitterEmail:       "chrondb@localhost",
		DataDir:              "./data",
		PushMode:             PushModeSync,
		WALEnabled:           true,
		OCCEnabled:           true,
		OCCMaxRetries:        3,
		IndexCatchUpInterval: 5 * time.Second,
		NotesEnabled:         true,
		LogLevel:             "info",
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if c.DefaultBranch == "" {
		return fmt.Errorf("default-branch must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data-dir must not be empty")
	}
	if c.PushMode != PushModeSync && c.PushMode != PushModeBatch {
		return fmt.Errorf("push-mode must be %q or %q", PushModeSync, PushModeBatch)
	}
	if c.OCCMaxRetries < 0 {
		return fmt.Errorf("occ-max-retries must not be negative")
	}
	return nil
}

// RepoDir returns the bare repository directory.
func (c *Config) RepoDir() string {
	return filepath.Join(c.DataDir, "repo")
}

// WALPath returns the effective WAL directory.
func (c *Config) WALPath() string {
	if c.WALDir != "" {
		return c.WALDir
	}
	return filepath.Join(c.DataDir, "wal")
}

// IndexPath returns the effective index directory.
func (c *Config) IndexPath() string {
	if c.IndexDir != "" {
		return c.IndexDir
	}
	return filepath.Join(c.DataDir, "index")
}
