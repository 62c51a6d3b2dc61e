package lockfile

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/chrondb/chrondb/pkg/log"
	"github.com/chrondb/chrondb/pkg/metrics"
)

// StaleAge is how old a lock file must be before it is considered
// abandoned by a dead process.
const StaleAge = 60 * time.Second

// Guard is a file-based lock with guaranteed release through Release.
type Guard struct {
	fl *flock.Flock
}

// Acquire takes an exclusive file lock, polling until timeout. A zero
// timeout tries exactly once.
func Acquire(path string, timeout time.Duration) (*Guard, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(path)
	deadline := time.Now().Add(timeout)
	for {
		ok, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
		}
		if ok {
			return &Guard{fl: fl}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out acquiring lock %s", path)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Release drops the lock and removes the lock file.
func (g *Guard) Release() error {
	if g == nil || g.fl == nil {
		return nil
	}
	path := g.fl.Path()
	if err := g.fl.Unlock(); err != nil {
		return err
	}
	// Best effort: another process may already hold a fresh lock file.
	_ = os.Remove(path)
	return nil
}

// Path returns the lock file path.
func (g *Guard) Path() string {
	return g.fl.Path()
}

// ReclaimStale removes abandoned lock files under dir. A lock file is
// reclaimed when it is older than StaleAge, or when a test acquisition
// succeeds (meaning no live process holds it). Intended for startup;
// at runtime call it only when no writer is expected.
func ReclaimStale(dir string) int {
	reclaimed := 0
	cutoff := time.Now().Add(-StaleAge)
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".lock") {
			return nil
		}
		info, statErr := d.Info()
		stale := statErr == nil && info.ModTime().Before(cutoff)
		if !stale {
			fl := flock.New(path)
			if ok, lockErr := fl.TryLock(); lockErr == nil && ok {
				// Nobody holds it; safe to reclaim.
				_ = fl.Unlock()
				stale = true
			}
		}
		if stale {
			if os.Remove(path) == nil {
				reclaimed++
				metrics.StaleLocksReclaimed.Inc()
				log.WithComponent("lockfile").Warn().
					Str("path", path).Msg("reclaimed stale lock")
			}
		}
		return nil
	})
	return reclaimed
}
