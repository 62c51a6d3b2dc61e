/*
Package document implements the document engine: save, get, delete,
listing, history, point-in-time reads, and field-level diffs atop the
object store and commit pipeline.

Every write follows the same state machine:

	validate → WAL append → blob/tree/commit insert → ref CAS
	    → note append → index update → WAL checkpoint

A rejected CAS triggers bounded optimistic retries (overwrite
semantics) before failing with a conflict; note and index failures
never roll back the commit: the index is marked stale and caught up
in the background.

Validation rules are registered per table with strict (reject) or
warning (record and accept) modes.
*/
package document
