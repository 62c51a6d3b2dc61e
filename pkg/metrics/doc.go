// Package metrics exposes ChronDB's Prometheus collectors: commit and
// document operation counters, the OCC conflict/retry/exhausted
// counters, WAL append/replay/checkpoint counters, the index stale-branch
// gauge and catch-up counter, query latency, and remote push outcomes. All
// collectors register in init; Handler serves them over HTTP.
package metrics
