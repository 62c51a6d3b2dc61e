package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.DefaultBranch != "main" {
		t.Errorf("default branch = %q, want main", cfg.DefaultBranch)
	}
	if !cfg.WALEnabled || !cfg.OCCEnabled {
		t.Error("WAL and OCC must default to enabled")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chrondb.yaml")
	content := `
default-branch: trunk
committer-name: tester
data-dir: /tmp/chron-test
push-mode: batch
occ-max-retries: 7
wal-enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DefaultBranch != "trunk" {
		t.Errorf("default-branch = %q, want trunk", cfg.DefaultBranch)
	}
	if cfg.CommitterName != "tester" {
		t.Errorf("committer-name = %q, want tester", cfg.CommitterName)
	}
	if cfg.PushMode != PushModeBatch {
		t.Errorf("push-mode = %q, want batch", cfg.PushMode)
	}
	if cfg.OCCMaxRetries != 7 {
		t.Errorf("occ-max-retries = %d, want 7", cfg.OCCMaxRetries)
	}
	if cfg.WALEnabled {
		t.Error("wal-enabled should be false")
	}
	// Untouched keys keep their defaults.
	if cfg.CommitterEmail != "chrondb@localhost" {
		t.Errorf("committer-email = %q, want default", cfg.CommitterEmail)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("push-mode: sometimes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("invalid push-mode must be rejected")
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/chrondb"

	if got := cfg.WALPath(); got != filepath.Join("/var/lib/chrondb", "wal") {
		t.Errorf("WALPath = %q", got)
	}
	cfg.WALDir = "/fast-disk/wal"
	if got := cfg.WALPath(); got != "/fast-disk/wal" {
		t.Errorf("WALPath override = %q", got)
	}
	if got := cfg.IndexPath(); got != filepath.Join("/var/lib/chrondb", "index") {
		t.Errorf("IndexPath = %q", got)
	}
}
