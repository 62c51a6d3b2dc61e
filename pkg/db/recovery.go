package db

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/chrondb/chrondb/pkg/gitstore"
	"github.com/chrondb/chrondb/pkg/log"
	"github.com/chrondb/chrondb/pkg/metrics"
	"github.com/chrondb/chrondb/pkg/pathcodec"
	"github.com/chrondb/chrondb/pkg/tx"
	"github.com/chrondb/chrondb/pkg/types"
	"github.com/chrondb/chrondb/pkg/wal"
)

// Recover replays the WAL after a crash. Records are processed in
// sequence order; for each one:
//
//   - If a commit matching the record exists in the branch head's
//     ancestry (matched by transaction id on the commit note), the
//     record's effect already landed: only the index is caught up.
//   - If the commit never landed but a later pending record targets
//     the same document, the record is superseded: replaying it would
//     reorder it after a write that must come later, so it is
//     discarded. The checkpoint frontier guarantees any such later
//     write still has its own pending record.
//   - Otherwise the operation is replayed idempotently.
//
// A checksum mismatch terminates replay and surfaces as corruption
// for operator attention.
func (d *DB) Recover() error {
	pending, err := d.wal.Pending()

	var corrupt *types.CorruptionError
	if err != nil && !errors.As(err, &corrupt) {
		return err
	}

	// Highest pending sequence per (branch, document), for the
	// supersession check. Pending is ascending, so the last write
	// wins.
	newest := make(map[string]uint64, len(pending))
	for _, rec := range pending {
		newest[rec.Branch+"\x00"+rec.DocID] = rec.Seq
	}

	replayCtx := tx.With(context.Background(),
		tx.New(tx.OriginSystem).WithFlags(tx.FlagSystem).WithMeta("recovery", true))

	var lastApplied uint64
	for _, rec := range pending {
		logger := log.WithFields("recovery", map[string]string{
			"branch":      rec.Branch,
			"document_id": rec.DocID,
			"tx_id":       rec.TxID,
		})

		applied, checkErr := d.recordApplied(rec)
		if checkErr != nil {
			return checkErr
		}
		switch {
		case applied:
			if replayErr := d.catchUpIndex(rec); replayErr != nil {
				logger.Warn().Err(replayErr).Uint64("seq", rec.Seq).
					Msg("index catch-up failed during recovery")
				d.idx.MarkStale(rec.Branch)
			}
			metrics.WALReplaysTotal.WithLabelValues("applied").Inc()

		case newest[rec.Branch+"\x00"+rec.DocID] > rec.Seq:
			logger.Info().Uint64("seq", rec.Seq).
				Msg("discarding unlanded record superseded by a later write")
			metrics.WALReplaysTotal.WithLabelValues("superseded").Inc()

		default:
			if replayErr := d.replay(replayCtx, rec); replayErr != nil {
				return replayErr
			}
			metrics.WALReplaysTotal.WithLabelValues("replayed").Inc()
		}
		lastApplied = rec.Seq
	}

	if lastApplied > 0 {
		if err := d.wal.Checkpoint(lastApplied); err != nil {
			return err
		}
	}

	if corrupt != nil {
		metrics.WALReplaysTotal.WithLabelValues("corrupt").Inc()
		d.logger.Error().Str("resource", corrupt.Resource).
			Msg("wal corruption halted recovery; operator attention required")
		return corrupt
	}

	if len(pending) > 0 {
		d.logger.Info().Int("records", len(pending)).Msg("wal recovery complete")
	}
	return nil
}

// recordApplied decides whether a WAL record's commit landed: a commit
// touching the document's path whose note carries the record's
// transaction id exists in the branch head's ancestry. Notes are
// best-effort, so a commit that landed noteless is recognized by its
// effect: the blob at the head already equals the record's payload
// (or, for a delete, the path is gone) and no later write intervened.
func (d *DB) recordApplied(rec wal.Record) (bool, error) {
	head, exists, err := d.store.Head(rec.Branch)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	table, _ := types.SplitKey(rec.DocID)
	path := pathcodec.DocumentPath(table, rec.DocID)

	found := false
	err = d.store.WalkCommits(head, func(p string) bool { return p == path }, func(c *object.Commit) error {
		note, noteErr := d.store.ReadNote(c.Hash)
		if noteErr != nil {
			if errors.Is(noteErr, types.ErrNotFound) {
				return nil
			}
			return noteErr
		}
		var payload tx.NotePayload
		if json.Unmarshal(note, &payload) == nil && payload.TxID == rec.TxID {
			found = true
			return gitstore.ErrStop
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if found {
		return true, nil
	}

	return d.headReflectsRecord(head, path, rec)
}

// headReflectsRecord is the noteless fallback: the head state already
// equals what applying the record would produce.
func (d *DB) headReflectsRecord(head plumbing.Hash, path string, rec wal.Record) (bool, error) {
	c, err := d.store.Commit(head)
	if err != nil {
		return false, err
	}
	data, err := d.store.FileAt(c.TreeHash, path)
	notFound := errors.Is(err, types.ErrNotFound)
	if err != nil && !notFound {
		return false, err
	}

	switch rec.Op {
	case wal.OpDelete:
		return notFound, nil
	case wal.OpSave:
		if notFound {
			return false, nil
		}
		return jsonEqual(data, rec.Payload)
	default:
		return false, &types.CorruptionError{Resource: "wal", Detail: "unknown operation kind"}
	}
}

// jsonEqual compares two JSON documents modulo key order.
func jsonEqual(a, b []byte) (bool, error) {
	var docA, docB types.Document
	if err := json.Unmarshal(a, &docA); err != nil {
		return false, nil
	}
	if err := json.Unmarshal(b, &docB); err != nil {
		return false, &types.CorruptionError{Resource: "wal", Detail: "unreadable save payload"}
	}
	canonA, err := json.Marshal(docA)
	if err != nil {
		return false, err
	}
	canonB, err := json.Marshal(docB)
	if err != nil {
		return false, err
	}
	return bytes.Equal(canonA, canonB), nil
}

// catchUpIndex applies an already-committed record's effect to the
// index only.
func (d *DB) catchUpIndex(rec wal.Record) error {
	switch rec.Op {
	case wal.OpDelete:
		return d.idx.Remove(rec.Branch, rec.DocID)
	case wal.OpSave:
		var doc types.Document
		if err := json.Unmarshal(rec.Payload, &doc); err != nil {
			return err
		}
		return d.idx.IndexDoc(rec.Branch, doc)
	}
	return nil
}

// replay re-executes a record whose commit never landed.
func (d *DB) replay(ctx context.Context, rec wal.Record) error {
	switch rec.Op {
	case wal.OpSave:
		var doc types.Document
		if err := json.Unmarshal(rec.Payload, &doc); err != nil {
			return &types.CorruptionError{Resource: "wal", Detail: "unreadable save payload"}
		}
		_, err := d.engine.Save(ctx, doc, rec.Branch)
		return err
	case wal.OpDelete:
		_, err := d.engine.Delete(ctx, rec.DocID, rec.Branch)
		return err
	}
	return nil
}
