/*
Package index provides the near-real-time search index mirroring the
commit stream per branch.

One entry exists per (branch, document id) pair. Fields are indexed in
three modes: keyword (exact match, sortable: id, _table, and scalar
non-text values), text (tokenized, case-folded, accent-stripped string
fields), and fts (fields named *_fts, matched with prefix and wildcard
expansion).

# Dataflow

	┌────────────────────── SEARCH INDEX ──────────────────────┐
	│                                                           │
	│   write path                    read path                 │
	│                                                           │
	│   IndexDoc / Remove             Search(AST, options)      │
	│        │                             │                    │
	│        ▼                             ▼                    │
	│   in-memory entries  ◄──────  clause evaluation           │
	│   (branch → id → entry)       term | range | fts |        │
	│        │                      match-all, and|or|not       │
	│        ▼                             │                    │
	│   bbolt persistence                  ▼                    │
	│   (documents, stale)          sort (keyword values,       │
	│        │                      tie-break on id)            │
	│        ▼                             │                    │
	│   write.lock (flock)                 ▼                    │
	│                               limit / offset / cursor     │
	│                                                           │
	│   failure → MarkStale(branch) → CatchUpWorker walks       │
	│   storage and reapplies the authoritative document set    │
	└──────────────────────────────────────────────────────────┘

The index may lag storage by a bounded window: every successful write
updates it synchronously, a failed update marks the branch stale, and
the catch-up worker repairs stale branches on an interval. Callers
requiring freshness pass the query Refresh option.

FTS query tokens shorter than FTSShortTokenLen match anywhere inside an
indexed token; longer tokens match as a prefix. The threshold is part
of the compatibility contract.

Given the same corpus and query, execution is deterministic.
*/
package index
