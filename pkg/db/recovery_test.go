package db

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrondb/chrondb/pkg/config"
	"github.com/chrondb/chrondb/pkg/gitstore"
	"github.com/chrondb/chrondb/pkg/pathcodec"
	"github.com/chrondb/chrondb/pkg/query"
	"github.com/chrondb/chrondb/pkg/tx"
	"github.com/chrondb/chrondb/pkg/types"
	"github.com/chrondb/chrondb/pkg/wal"
)

func diskConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	return cfg
}

func TestOnDiskPersistence(t *testing.T) {
	cfg := diskConfig(t)

	d, err := Open(cfg)
	require.NoError(t, err)
	_, err = d.Save(context.Background(), types.Document{"id": "user:1", "name": "Alice"}, "")
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d2, err := Open(cfg)
	require.NoError(t, err)
	defer d2.Close()

	got, err := d2.Get("user:1", "")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got["name"])

	// The index survived the restart too.
	res, err := d2.Search(query.Term{Field: "id", Value: "user:1"}, query.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"user:1"}, res.IDs)
}

func TestRecoveryReplaysUnappliedRecord(t *testing.T) {
	cfg := diskConfig(t)

	d, err := Open(cfg)
	require.NoError(t, err)
	_, err = d.Save(context.Background(), types.Document{"id": "user:1", "name": "Alice"}, "")
	require.NoError(t, err)
	require.NoError(t, d.Close())

	// Simulate a crash after the WAL flush but before the commit: a
	// record exists whose effect never reached the ref namespace.
	w, err := wal.Open(cfg.WALPath())
	require.NoError(t, err)
	payload, err := json.Marshal(types.Document{"id": "user:2", "_table": "user", "name": "Eve"})
	require.NoError(t, err)
	_, err = w.Append(wal.Record{TxID: "crashed", Op: wal.OpSave, Branch: "main", DocID: "user:2", Payload: payload})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	d2, err := Open(cfg)
	require.NoError(t, err)
	defer d2.Close()

	// Recovery replayed the record: the document is present in both
	// storage and index.
	got, err := d2.Get("user:2", "")
	require.NoError(t, err)
	assert.Equal(t, "Eve", got["name"])

	res, err := d2.Search(query.Term{Field: "id", Value: "user:2"}, query.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"user:2"}, res.IDs)

	// The survivor from before the crash is untouched.
	_, err = d2.Get("user:1", "")
	require.NoError(t, err)
}

func TestRecoveryTreatsLandedRecordAsApplied(t *testing.T) {
	cfg := diskConfig(t)

	d, err := Open(cfg)
	require.NoError(t, err)
	stored, err := d.Save(context.Background(), types.Document{"id": "user:1", "name": "Alice"}, "")
	require.NoError(t, err)
	historyBefore, err := d.History("user:1", "")
	require.NoError(t, err)
	require.NoError(t, d.Close())

	// A record whose commit DID land but whose note was lost: the
	// noteless fallback (head state equals the record's effect) must
	// keep recovery from replaying it into a second commit.
	w, err := wal.Open(cfg.WALPath())
	require.NoError(t, err)
	payload, err := json.Marshal(stored)
	require.NoError(t, err)
	_, err = w.Append(wal.Record{TxID: "landed", Op: wal.OpSave, Branch: "main", DocID: "user:1", Payload: payload})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	d2, err := Open(cfg)
	require.NoError(t, err)
	defer d2.Close()

	historyAfter, err := d2.History("user:1", "")
	require.NoError(t, err)
	assert.Len(t, historyAfter, len(historyBefore), "no duplicate commit from recovery")
}

// TestRecoveryDiscardsSupersededRecord is the two-writer crash: A
// WAL-appends for user:1 and dies before its commit lands; B then
// writes user:1, its commit and note land, and the process dies before
// either record is checkpointed. Recovery must keep B's state: A's
// record is unlanded AND superseded, so replaying it would silently
// revert a completed transaction.
func TestRecoveryDiscardsSupersededRecord(t *testing.T) {
	cfg := diskConfig(t)

	d, err := Open(cfg)
	require.NoError(t, err)
	_, err = d.Save(context.Background(), types.Document{"id": "user:1", "name": "Original"}, "")
	require.NoError(t, err)
	require.NoError(t, d.Close())

	// Both writers got their WAL records down...
	stale, err := json.Marshal(types.Document{"id": "user:1", "_table": "user", "name": "Stale"})
	require.NoError(t, err)
	fresh, err := json.Marshal(types.Document{"id": "user:1", "_table": "user", "name": "New"})
	require.NoError(t, err)

	w, err := wal.Open(cfg.WALPath())
	require.NoError(t, err)
	_, err = w.Append(wal.Record{TxID: "crashed-a", Op: wal.OpSave, Branch: "main", DocID: "user:1", Payload: stale})
	require.NoError(t, err)
	_, err = w.Append(wal.Record{TxID: "landed-b", Op: wal.OpSave, Branch: "main", DocID: "user:1", Payload: fresh})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// ...but only B's commit (with its transaction note) landed.
	store, err := gitstore.Open(cfg.RepoDir())
	require.NoError(t, err)
	note, err := json.Marshal(tx.NotePayload{
		TxID: "landed-b", Origin: "rest", Operation: "save",
		DocumentID: "user:1", Branch: "main",
	})
	require.NoError(t, err)
	res, err := store.CommitChange(gitstore.Change{
		Branch:  "main",
		Path:    pathcodec.DocumentPath("user", "user:1"),
		Content: fresh,
		Message: "Save user:1",
		Sig:     object.Signature{Name: "chrondb", Email: "chrondb@localhost", When: time.Now()},
		Note:    note,
	})
	require.NoError(t, err)
	require.True(t, res.Changed)

	d2, err := Open(cfg)
	require.NoError(t, err)
	defer d2.Close()

	// B's completed write survives; A's stale content was discarded.
	got, err := d2.Get("user:1", "")
	require.NoError(t, err)
	assert.Equal(t, "New", got["name"])

	// No replay commit was stacked on top: original save + B only.
	history, err := d2.History("user:1", "")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// B's landed record was still applied to the index.
	searchRes, err := d2.Search(query.Term{Field: "id", Value: "user:1"}, query.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"user:1"}, searchRes.IDs)
}

func TestBackupRestore(t *testing.T) {
	cfg := diskConfig(t)

	d, err := Open(cfg)
	require.NoError(t, err)
	_, err = d.Save(context.Background(), types.Document{"id": "user:1", "name": "Alice"}, "")
	require.NoError(t, err)

	var archive bytes.Buffer
	require.NoError(t, d.Backup(&archive))
	require.NoError(t, d.Close())

	restored := diskConfig(t)
	require.NoError(t, Restore(restored, &archive))

	d2, err := Open(restored)
	require.NoError(t, err)
	defer d2.Close()

	got, err := d2.Get("user:1", "")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got["name"])
}

func TestBundleExportImport(t *testing.T) {
	cfg := diskConfig(t)
	d, err := Open(cfg)
	require.NoError(t, err)
	defer d.Close()
	_, err = d.Save(context.Background(), types.Document{"id": "user:1", "name": "Alice"}, "")
	require.NoError(t, err)

	bundle := t.TempDir()
	require.NoError(t, d.ExportBundle(bundle))

	other := diskConfig(t)
	d2, err := Open(other)
	require.NoError(t, err)
	defer d2.Close()
	require.NoError(t, d2.ImportBundle(bundle))

	got, err := d2.Get("user:1", "")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got["name"])

	// Imported branches are marked for catch-up rather than assumed
	// fresh.
	assert.True(t, d2.idx.IsStale("main"))
}
