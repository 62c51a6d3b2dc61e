/*
Package db composes the ChronDB core behind the façades protocol
adapters consume.

A DB wires together the object store (pkg/gitstore), document engine
(pkg/document), write-ahead log (pkg/wal), search index (pkg/index),
transaction core (pkg/tx), event broker (pkg/events), and remote sync
(pkg/remote). Open brings up the on-disk stack with WAL recovery and
the index catch-up worker; OpenMemory brings up the all-in-memory
variant used by tests and embedded callers.

Façades:

  - Key-value: Save, Get, Delete, ListByPrefix, ListByTable, History,
    GetAt, Diff, all branch-aware.
  - Query: Search takes a query AST and returns document ids plus a
    continuation cursor.
  - Transaction: WithTransaction binds a transaction context for the
    duration of a body; batch push mode flushes at scope end.
  - Administration: ListBranches, CreateBranch, DeleteBranch, Checkout,
    Merge, Backup, Restore, ExportBundle, ImportBundle.

Merge is a best-effort three-way merge on tree paths: a path changed on
both sides since the common ancestor is a conflict, reported with the
offending paths and nothing committed.
*/
package db
