package index

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/chrondb/chrondb/pkg/lockfile"
	"github.com/chrondb/chrondb/pkg/log"
	"github.com/chrondb/chrondb/pkg/metrics"
	"github.com/chrondb/chrondb/pkg/types"
)

var (
	// Bucket names
	bucketDocuments = []byte("documents")
	bucketStale     = []byte("stale")
)

// FieldMode is how one field is indexed.
type FieldMode string

const (
	// ModeKeyword fields match exactly and sort.
	ModeKeyword FieldMode = "keyword"
	// ModeText fields are tokenized, case-folded, accent-stripped.
	ModeText FieldMode = "text"
	// ModeFTS fields (name ending in _fts) are text fields with
	// prefix- and wildcard-friendly matching.
	ModeFTS FieldMode = "fts"
)

// ModeFor classifies a field by name and value per the index model:
// id, _table, and scalar non-text values are keyword; strings are
// text; *_fts names are fts.
func ModeFor(name string, value interface{}) FieldMode {
	if strings.HasSuffix(name, "_fts") {
		return ModeFTS
	}
	if name == types.FieldID || name == types.FieldTable {
		return ModeKeyword
	}
	if _, ok := value.(string); ok {
		return ModeText
	}
	return ModeKeyword
}

// entry is one indexed (branch, document) pair.
type entry struct {
	doc      types.Document
	keywords map[string]interface{} // exact-match, sortable values
	tokens   map[string][]string    // normalized tokens per text field
}

// Index is the near-real-time text and field index mirroring the
// commit stream per branch. Entries live in memory behind an RWMutex;
// the bbolt file under dir persists them across restarts, guarded by a
// write.lock reclaimed on startup.
type Index struct {
	mu       sync.RWMutex
	branches map[string]map[string]*entry
	stale    map[string]bool

	db    *bolt.DB
	guard *lockfile.Guard

	logger zerolog.Logger
}

// Open loads (creating if needed) the index under dir. Pass dir "" for
// a purely in-memory index.
func Open(dir string) (*Index, error) {
	idx := &Index{
		branches: make(map[string]map[string]*entry),
		stale:    make(map[string]bool),
		logger:   log.WithComponent("index"),
	}

	if dir == "" {
		return idx, nil
	}

	lockfile.ReclaimStale(dir)
	guard, err := lockfile.Acquire(filepath.Join(dir, "write.lock"), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire index write lock: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0o600, nil)
	if err != nil {
		guard.Release()
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDocuments, bucketStale} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		guard.Release()
		return nil, err
	}

	idx.db = db
	idx.guard = guard
	if err := idx.load(); err != nil {
		db.Close()
		guard.Release()
		return nil, err
	}
	return idx, nil
}

// Close persists nothing further, closes the database, and removes the
// write lock.
func (x *Index) Close() error {
	if x.db != nil {
		if err := x.db.Close(); err != nil {
			return err
		}
	}
	if x.guard != nil {
		return x.guard.Release()
	}
	return nil
}

// load rebuilds the in-memory entries from the bbolt file.
func (x *Index) load() error {
	return x.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDocuments).ForEach(func(k, v []byte) error {
			branch, _, ok := splitDocKey(k)
			if !ok {
				return nil
			}
			var doc types.Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return nil // skip unreadable rows, catch-up repairs them
			}
			x.put(branch, doc)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketStale).ForEach(func(k, v []byte) error {
			x.stale[string(k)] = true
			metrics.IndexStaleBranches.Inc()
			return nil
		})
	})
}

func docKey(branch, id string) []byte {
	return []byte(branch + "\x00" + id)
}

func splitDocKey(k []byte) (branch, id string, ok bool) {
	s := string(k)
	if i := strings.IndexByte(s, 0); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return "", "", false
}

// put builds and stores the in-memory entry. Caller holds no lock; put
// takes it.
func (x *Index) put(branch string, doc types.Document) {
	e := &entry{
		doc:      doc,
		keywords: make(map[string]interface{}),
		tokens:   make(map[string][]string),
	}
	for name, value := range doc {
		switch ModeFor(name, value) {
		case ModeKeyword:
			e.keywords[name] = value
		case ModeText, ModeFTS:
			s, _ := value.(string)
			e.keywords[name] = value // text fields still term-match whole
			e.tokens[name] = Tokenize(s)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	docs, ok := x.branches[branch]
	if !ok {
		docs = make(map[string]*entry)
		x.branches[branch] = docs
	}
	docs[doc.ID()] = e
}

// IndexDoc makes a document searchable on a branch.
func (x *Index) IndexDoc(branch string, doc types.Document) error {
	if doc == nil || doc.ID() == "" {
		return types.ErrNilDocument
	}
	x.put(branch, doc)

	if x.db != nil {
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		err = x.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketDocuments).Put(docKey(branch, doc.ID()), data)
		})
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrIndexUnavailable, err)
		}
	}
	metrics.IndexUpdatesTotal.WithLabelValues("index").Inc()
	return nil
}

// Remove drops a document from a branch's index.
func (x *Index) Remove(branch, id string) error {
	x.mu.Lock()
	if docs, ok := x.branches[branch]; ok {
		delete(docs, id)
	}
	x.mu.Unlock()

	if x.db != nil {
		err := x.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketDocuments).Delete(docKey(branch, id))
		})
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrIndexUnavailable, err)
		}
	}
	metrics.IndexUpdatesTotal.WithLabelValues("remove").Inc()
	return nil
}

// MarkStale records that a branch's index lags storage; a catch-up
// pass clears it.
func (x *Index) MarkStale(branch string) {
	x.mu.Lock()
	if !x.stale[branch] {
		x.stale[branch] = true
		metrics.IndexStaleBranches.Inc()
	}
	x.mu.Unlock()

	if x.db != nil {
		_ = x.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketStale).Put([]byte(branch), []byte("1"))
		})
	}
	x.logger.Warn().Str("branch", branch).Msg("index marked stale")
}

// IsStale reports whether a branch's index is behind storage.
func (x *Index) IsStale(branch string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.stale[branch]
}

// StaleBranches lists branches awaiting catch-up.
func (x *Index) StaleBranches() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []string
	for b := range x.stale {
		out = append(out, b)
	}
	return out
}

// CatchUp replaces a branch's entries with the authoritative document
// set read from storage and clears the stale mark.
func (x *Index) CatchUp(branch string, docs []types.Document) error {
	x.mu.Lock()
	x.branches[branch] = make(map[string]*entry, len(docs))
	if x.stale[branch] {
		delete(x.stale, branch)
		metrics.IndexStaleBranches.Dec()
	}
	x.mu.Unlock()

	for _, doc := range docs {
		x.put(branch, doc)
	}

	if x.db != nil {
		err := x.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketDocuments)
			// Clear the branch prefix, then rewrite.
			c := b.Cursor()
			prefix := []byte(branch + "\x00")
			var old [][]byte
			for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
				old = append(old, append([]byte(nil), k...))
			}
			for _, k := range old {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			for _, doc := range docs {
				data, err := json.Marshal(doc)
				if err != nil {
					return err
				}
				if err := b.Put(docKey(branch, doc.ID()), data); err != nil {
					return err
				}
			}
			return tx.Bucket(bucketStale).Delete([]byte(branch))
		})
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrIndexUnavailable, err)
		}
	}
	metrics.IndexCatchUpsTotal.Inc()
	x.logger.Info().Str("branch", branch).Int("docs", len(docs)).Msg("index caught up")
	return nil
}

// Get returns the indexed document for an id, if present.
func (x *Index) Get(branch, id string) (types.Document, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if docs, ok := x.branches[branch]; ok {
		if e, ok := docs[id]; ok {
			return e.doc, true
		}
	}
	return nil, false
}

// Count returns the number of indexed documents on a branch.
func (x *Index) Count(branch string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.branches[branch])
}
