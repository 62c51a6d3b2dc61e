/*
Package wal implements the write-ahead log backing crash recovery.

Records are appended to numbered segment files as length-prefixed
frames carrying a CRC over the body. A record reaches stable storage
(fsync) before the corresponding ref update is attempted; after the
ref and index updates land, a checkpoint advances and fully covered
segments are dropped.

Recovery reads every record after the checkpoint, in sequence order.
The decision rule per record belongs to the caller (see pkg/db): a
record whose commit landed is applied to the index only; one whose
commit never landed is replayed idempotently. A checksum mismatch
terminates the scan with a corruption error; everything before the
bad frame is still returned, and a torn final frame (crash mid-append)
is silently ignored.

One process owns the log at a time, guarded by a wal.lock flock that
startup reclaims when stale.
*/
package wal
