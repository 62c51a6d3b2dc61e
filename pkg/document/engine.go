package document

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"

	"github.com/chrondb/chrondb/pkg/config"
	"github.com/chrondb/chrondb/pkg/events"
	"github.com/chrondb/chrondb/pkg/gitstore"
	"github.com/chrondb/chrondb/pkg/index"
	"github.com/chrondb/chrondb/pkg/log"
	"github.com/chrondb/chrondb/pkg/metrics"
	"github.com/chrondb/chrondb/pkg/pathcodec"
	"github.com/chrondb/chrondb/pkg/tx"
	"github.com/chrondb/chrondb/pkg/types"
	"github.com/chrondb/chrondb/pkg/wal"
)

// Engine implements the document operations atop the object store and
// commit pipeline, wrapped with the durability layer: WAL first,
// optimistic concurrency around the ref update, index update after.
type Engine struct {
	store  *gitstore.Store
	cfg    *config.Config
	wal    *wal.WAL       // nil when the WAL is disabled
	idx    *index.Index   // nil when no index is attached
	broker *events.Broker // nil when no event stream is attached

	validators struct {
		sync.RWMutex
		rules map[string]schemaBinding
	}

	seqs   seqTracker
	logger zerolog.Logger
}

// New creates an engine. wal, idx, and broker may be nil.
func New(store *gitstore.Store, cfg *config.Config, w *wal.WAL, idx *index.Index, broker *events.Broker) *Engine {
	e := &Engine{
		store:  store,
		cfg:    cfg,
		wal:    w,
		idx:    idx,
		broker: broker,
		logger: log.WithComponent("document"),
	}
	e.validators.rules = make(map[string]schemaBinding)
	return e
}

// Store exposes the underlying object store.
func (e *Engine) Store() *gitstore.Store { return e.store }

func (e *Engine) branchOrDefault(branch string) string {
	if branch == "" {
		return e.cfg.DefaultBranch
	}
	return branch
}

func (e *Engine) signature() object.Signature {
	return object.Signature{
		Name:  e.cfg.CommitterName,
		Email: e.cfg.CommitterEmail,
		When:  time.Now(),
	}
}

// canonical serializes a document as canonical JSON: UTF-8, object
// keys sorted (encoding/json sorts map keys), no trailing newline
// variance.
func canonical(doc types.Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Save stores a document on a branch, producing exactly one commit.
// The returned document carries the engine-added _table field.
func (e *Engine) Save(ctx context.Context, doc types.Document, branch string) (types.Document, error) {
	branch = e.branchOrDefault(branch)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SaveDuration)

	if doc == nil || doc.ID() == "" {
		metrics.DocumentOpsTotal.WithLabelValues("save", "error").Inc()
		return nil, types.ErrNilDocument
	}

	table, _ := types.SplitKey(doc.ID())
	stored := doc.Clone()
	if _, ok := stored[types.FieldTable]; !ok {
		stored[types.FieldTable] = table
	}

	if err := e.validate(table, stored); err != nil {
		metrics.DocumentOpsTotal.WithLabelValues("save", "invalid").Inc()
		return nil, err
	}

	content, err := canonical(stored)
	if err != nil {
		return nil, types.NewIoError("serialize document", err)
	}

	txc := tx.From(ctx)
	note, err := e.notePayload(txc, "save", stored.ID(), table, branch)
	if err != nil {
		return nil, err
	}

	seq, err := e.walAppend(wal.Record{
		TxID:    txc.ID,
		Op:      wal.OpSave,
		Branch:  branch,
		DocID:   stored.ID(),
		Payload: content,
	})
	if err != nil {
		return nil, err
	}

	path := pathcodec.DocumentPath(table, stored.ID())
	msg := fmt.Sprintf("Save %s", stored.ID())
	result, err := e.commitWithRetry(gitstore.Change{
		Branch:  branch,
		Path:    path,
		Content: content,
		Message: msg,
		Sig:     e.signature(),
		Note:    note,
	}, stored.ID())
	if err != nil {
		// The operation failed for the caller; checkpointing the
		// record keeps recovery from replaying it later.
		e.checkpoint(seq)
		metrics.DocumentOpsTotal.WithLabelValues("save", "error").Inc()
		return nil, err
	}

	e.afterWrite(branch, stored.ID(), result.CommitID, stored, false)
	e.checkpoint(seq)
	metrics.DocumentOpsTotal.WithLabelValues("save", "ok").Inc()
	return stored, nil
}

// Get returns the document at the branch head.
func (e *Engine) Get(id, branch string) (types.Document, error) {
	branch = e.branchOrDefault(branch)
	head, exists, err := e.store.Head(branch)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, types.ErrNotFound
	}
	return e.docAtCommit(id, head)
}

// Delete removes the document path in a new commit, preserving
// history. It reports whether the document existed.
func (e *Engine) Delete(ctx context.Context, id, branch string) (bool, error) {
	branch = e.branchOrDefault(branch)
	if id == "" {
		return false, types.ErrNilDocument
	}
	table, _ := types.SplitKey(id)

	txc := tx.From(ctx)
	note, err := e.notePayload(txc, "delete", id, table, branch, tx.FlagDelete)
	if err != nil {
		return false, err
	}

	seq, err := e.walAppend(wal.Record{
		TxID:   txc.ID,
		Op:     wal.OpDelete,
		Branch: branch,
		DocID:  id,
	})
	if err != nil {
		return false, err
	}

	result, err := e.commitWithRetry(gitstore.Change{
		Branch:  branch,
		Path:    pathcodec.DocumentPath(table, id),
		Content: nil,
		Message: fmt.Sprintf("Delete %s", id),
		Sig:     e.signature(),
		Note:    note,
	}, id)
	if err != nil {
		e.checkpoint(seq)
		metrics.DocumentOpsTotal.WithLabelValues("delete", "error").Inc()
		return false, err
	}
	if !result.Changed {
		e.checkpoint(seq)
		metrics.DocumentOpsTotal.WithLabelValues("delete", "noop").Inc()
		return false, nil
	}

	e.afterWrite(branch, id, result.CommitID, nil, true)
	e.checkpoint(seq)
	metrics.DocumentOpsTotal.WithLabelValues("delete", "ok").Inc()
	return true, nil
}

// ListByPrefix returns every document whose id starts with prefix,
// walking the head tree with the document suffix filter. Order is
// undefined.
func (e *Engine) ListByPrefix(prefix, branch string) ([]types.Document, error) {
	return e.list(branch, func(id string) bool {
		return strings.HasPrefix(id, prefix)
	}, "")
}

// ListByTable returns every document belonging to table. The filter is
// on the _table field so the result stays correct even if the path
// encoding is reshaped.
func (e *Engine) ListByTable(table, branch string) ([]types.Document, error) {
	return e.list(branch, nil, table)
}

// ListAll returns every document at the branch head.
func (e *Engine) ListAll(branch string) ([]types.Document, error) {
	return e.list(branch, nil, "")
}

func (e *Engine) list(branch string, idFilter func(string) bool, table string) ([]types.Document, error) {
	branch = e.branchOrDefault(branch)
	head, exists, err := e.store.Head(branch)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	c, err := e.store.Commit(head)
	if err != nil {
		return nil, err
	}
	files, err := e.store.ListTreeFiles(c.TreeHash, "")
	if err != nil {
		return nil, err
	}

	var docs []types.Document
	for _, f := range files {
		id, ok := pathcodec.KeyFromFileName(f.Name)
		if !ok {
			continue
		}
		if idFilter != nil && !idFilter(id) {
			continue
		}
		data, err := e.store.ReadBlob(f.Blob)
		if err != nil {
			return nil, err
		}
		var doc types.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, &types.CorruptionError{Resource: f.Name, Detail: "unreadable document blob"}
		}
		if table != "" && doc.Table() != table {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// History returns every revision of a document, newest first. Deletion
// commits appear as tombstone entries.
func (e *Engine) History(id, branch string) ([]types.HistoryEntry, error) {
	return e.HistoryN(id, branch, 0)
}

// HistoryN is History bounded to the newest limit entries; limit <= 0
// means unbounded.
func (e *Engine) HistoryN(id, branch string, limit int) ([]types.HistoryEntry, error) {
	branch = e.branchOrDefault(branch)
	head, exists, err := e.store.Head(branch)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	table, _ := types.SplitKey(id)
	path := pathcodec.DocumentPath(table, id)

	var entries []types.HistoryEntry
	err = e.store.WalkCommits(head, func(p string) bool { return p == path }, func(c *object.Commit) error {
		entry := types.HistoryEntry{
			CommitID: c.Hash.String(),
			Time:     c.Committer.When,
			Author:   c.Author.Name,
			Message:  strings.TrimSpace(c.Message),
		}
		data, err := e.store.FileAt(c.TreeHash, path)
		switch {
		case err == nil:
			var doc types.Document
			if err := json.Unmarshal(data, &doc); err != nil {
				return &types.CorruptionError{Resource: path, Detail: "unreadable document blob"}
			}
			entry.Doc = doc
		case errors.Is(err, types.ErrNotFound):
			entry.Deleted = true
		default:
			return err
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			return gitstore.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// GetAt returns the document as it existed at a commit.
func (e *Engine) GetAt(id, commitID string) (types.Document, error) {
	c, err := e.store.ResolveCommit(commitID)
	if err != nil {
		return nil, err
	}
	return e.docAtCommit(id, c.Hash)
}

// DiffCommits computes the field-level difference of a document
// between two commits.
func (e *Engine) DiffCommits(id, from, to string) (*types.Diff, error) {
	oldDoc, err := e.GetAt(id, from)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	newDoc, err := e.GetAt(id, to)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	return DiffDocs(oldDoc, newDoc), nil
}

func (e *Engine) docAtCommit(id string, commit plumbing.Hash) (types.Document, error) {
	table, _ := types.SplitKey(id)
	c, err := e.store.Commit(commit)
	if err != nil {
		return nil, err
	}
	data, err := e.store.FileAt(c.TreeHash, pathcodec.DocumentPath(table, id))
	if err != nil {
		return nil, err
	}
	var doc types.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &types.CorruptionError{Resource: id, Detail: "unreadable document blob"}
	}
	return doc, nil
}

// commitWithRetry wraps the pipeline with optimistic concurrency: a
// rejected CAS reloads the head and re-applies the change (overwrite
// semantics) up to the configured bound.
func (e *Engine) commitWithRetry(change gitstore.Change, docID string) (gitstore.CommitResult, error) {
	attempts := 1
	if e.cfg.OCCEnabled {
		attempts = e.cfg.OCCMaxRetries + 1
	}

	var result gitstore.CommitResult
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.OCCRetriesTotal.WithLabelValues(change.Branch).Inc()
		}
		result, err = e.store.CommitChange(change)
		if err != nil {
			return result, err
		}
		if result.Ref != types.RefRejected {
			return result, nil
		}
		metrics.OCCConflictsTotal.WithLabelValues(change.Branch).Inc()
		e.logger.Debug().
			Str("branch", change.Branch).Str("path", change.Path).
			Int("attempt", attempt+1).Msg("ref update rejected, retrying")
	}

	metrics.OCCExhaustedTotal.Inc()
	return result, &types.ConflictError{
		DocumentID: docID,
		Branch:     change.Branch,
		Attempts:   attempts,
	}
}

// afterWrite updates the index and publishes the commit-stream event.
// Index failure never rolls back the commit: the branch is marked
// stale and the catch-up task repairs it.
func (e *Engine) afterWrite(branch, id string, commit plumbing.Hash, doc types.Document, deleted bool) {
	if e.idx != nil {
		var err error
		if deleted {
			err = e.idx.Remove(branch, id)
		} else {
			err = e.idx.IndexDoc(branch, doc)
		}
		if err != nil {
			e.idx.MarkStale(branch)
			if e.broker != nil {
				e.broker.Publish(&events.Event{Type: events.EventIndexStale, Branch: branch})
			}
		}
	}
	if e.broker != nil {
		evType := events.EventDocumentSaved
		if deleted {
			evType = events.EventDocumentDeleted
		}
		e.broker.Publish(&events.Event{
			Type:     evType,
			Branch:   branch,
			CommitID: commit.String(),
			DocID:    id,
		})
	}
}

func (e *Engine) notePayload(txc *tx.Context, op, id, table, branch string, extraFlags ...string) ([]byte, error) {
	if !e.cfg.NotesEnabled {
		return nil, nil
	}
	note, err := txc.Note(op, id, table, branch, extraFlags...)
	if err != nil {
		return nil, types.NewIoError("serialize note", err)
	}
	return note, nil
}

func (e *Engine) walAppend(rec wal.Record) (uint64, error) {
	if e.wal == nil {
		return 0, nil
	}
	seq, err := e.wal.Append(rec)
	if err != nil {
		return 0, err
	}
	e.seqs.begin(seq)
	return seq, nil
}

// checkpoint marks seq complete and advances the WAL checkpoint to the
// highest sequence with no earlier write still in flight.
func (e *Engine) checkpoint(seq uint64) {
	if e.wal == nil || seq == 0 {
		return
	}
	safe := e.seqs.complete(seq)
	if safe > 0 {
		if err := e.wal.Checkpoint(safe); err != nil {
			e.logger.Warn().Err(err).Uint64("seq", safe).Msg("wal checkpoint failed")
		}
	}
}

// seqTracker computes the checkpoint frontier across concurrent
// writers: a sequence may be checkpointed only when every lower
// sequence has completed.
type seqTracker struct {
	mu        sync.Mutex
	inflight  map[uint64]bool
	completed uint64
}

func (t *seqTracker) begin(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inflight == nil {
		t.inflight = make(map[uint64]bool)
	}
	t.inflight[seq] = true
}

// complete marks seq done and returns the highest sequence safe to
// checkpoint, or 0 when an earlier write is still in flight.
func (t *seqTracker) complete(seq uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, seq)
	if seq > t.completed {
		t.completed = seq
	}
	for pending := range t.inflight {
		if pending <= t.completed {
			return 0
		}
	}
	return t.completed
}
