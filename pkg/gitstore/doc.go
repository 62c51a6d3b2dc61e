/*
Package gitstore provides ChronDB's content-addressable object store and
commit pipeline.

The store wraps a bare repository in the standard Git object format:
blobs, trees, commits, and notes, addressed by content hash, with a
ref namespace updated by compare-and-set. Two physical layouts satisfy
the same interface: packed/loose files in a bare on-disk repository,
and an in-memory storage used by tests.

# Architecture

	┌──────────────────── OBJECT STORE ────────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Commit Pipeline                  │          │
	│  │                                             │          │
	│  │  resolve head → edit one tree path →        │          │
	│  │  insert commit → CAS branch ref →           │          │
	│  │  append note (best effort)                  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Object Graph                     │          │
	│  │                                             │          │
	│  │  Blob:   document content                   │          │
	│  │  Tree:   <table>/<encoded-id>.json          │          │
	│  │  Commit: parent(s), tree, identity, msg     │          │
	│  │  Note:   tx metadata, keyed by commit id    │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Ref Namespace                    │          │
	│  │                                             │          │
	│  │  refs/heads/<branch>   per-branch heads     │          │
	│  │  refs/notes/chrondb    transaction notes    │          │
	│  │                                             │          │
	│  │  Updates: CAS(ref, expected-old, new) →     │          │
	│  │  created | fast-forwarded | forced |        │          │
	│  │  rejected                                   │          │
	│  └────────────────────────────────────────────┘           │
	└──────────────────────────────────────────────────────────┘

# Concurrency

Multiple readers run freely. Writers serialize on a per-ref mutex; the
CAS itself re-reads the stored ref under that lock, so a rejected
update always reflects a real concurrent advance. The notes ref has a
single writer. Stale .lock files left behind by a crashed process are
reclaimed on open (and on demand via ReclaimStaleLocks) once they are
older than StaleLockAge.

# Tree editing

Tree edits rebuild only the spine from the root to the changed leaf;
every sibling entry keeps its object id, so a commit's tree differs
from its parent's exactly at the edited path. Removing the last entry
of a directory removes the directory.
*/
package gitstore
