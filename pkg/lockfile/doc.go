// Package lockfile provides flock-based file locks with stale-lock
// hygiene: startup reclaims lock files that are older than StaleAge or
// provably unheld; at runtime only demonstrably orphaned locks may be
// removed, never live ones.
package lockfile
