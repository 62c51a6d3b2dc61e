package db

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/chrondb/chrondb/pkg/config"
	"github.com/chrondb/chrondb/pkg/document"
	"github.com/chrondb/chrondb/pkg/events"
	"github.com/chrondb/chrondb/pkg/gitstore"
	"github.com/chrondb/chrondb/pkg/index"
	"github.com/chrondb/chrondb/pkg/log"
	"github.com/chrondb/chrondb/pkg/query"
	"github.com/chrondb/chrondb/pkg/remote"
	"github.com/chrondb/chrondb/pkg/tx"
	"github.com/chrondb/chrondb/pkg/types"
	"github.com/chrondb/chrondb/pkg/wal"
)

// DB composes the object store, document engine, durability layer,
// search index, transaction core, and remote sync behind the façades
// the protocol adapters consume.
type DB struct {
	cfg     *config.Config
	store   *gitstore.Store
	engine  *document.Engine
	idx     *index.Index
	wal     *wal.WAL
	broker  *events.Broker
	syncer  *remote.Syncer
	catchup *index.CatchUpWorker

	// current is the branch Checkout selected; empty means the
	// configured default.
	current string

	logger zerolog.Logger
}

// Open brings up a database at the configured data directory: object
// store, WAL (with recovery), index (with catch-up), remote pull, and
// the background tasks.
func Open(cfg *config.Config) (*DB, error) {
	store, err := gitstore.Open(cfg.RepoDir())
	if err != nil {
		return nil, err
	}
	return open(cfg, store, cfg.IndexPath())
}

// OpenMemory brings up a fully in-memory database: memory object
// store, no WAL, memory index. Used by tests and embedded callers.
func OpenMemory(cfg *config.Config) (*DB, error) {
	store, err := gitstore.OpenMemory()
	if err != nil {
		return nil, err
	}
	return open(cfg, store, "")
}

func open(cfg *config.Config, store *gitstore.Store, indexDir string) (*DB, error) {
	broker := events.NewBroker()
	broker.Start()

	idx, err := index.Open(indexDir)
	if err != nil {
		broker.Stop()
		return nil, err
	}

	var w *wal.WAL
	if cfg.WALEnabled && store.Dir() != "" {
		w, err = wal.Open(cfg.WALPath())
		if err != nil {
			idx.Close()
			broker.Stop()
			return nil, err
		}
	}

	engine := document.New(store, cfg, w, idx, broker)

	syncer, err := remote.New(store, cfg, broker)
	if err != nil {
		if w != nil {
			w.Close()
		}
		idx.Close()
		broker.Stop()
		return nil, err
	}

	d := &DB{
		cfg:    cfg,
		store:  store,
		engine: engine,
		idx:    idx,
		wal:    w,
		broker: broker,
		syncer: syncer,
		logger: log.WithComponent("db"),
	}

	if err := syncer.PullOnStart(); err != nil {
		d.logger.Error().Err(err).Msg("pull on start reported a conflict; external resolution required")
	}

	if w != nil {
		if err := d.Recover(); err != nil {
			d.Close()
			return nil, err
		}
	}

	d.catchup = index.NewCatchUpWorker(idx, engine.ListAll, cfg.IndexCatchUpInterval)
	d.catchup.Start()

	return d, nil
}

// Close stops background tasks and releases every resource.
func (d *DB) Close() error {
	if d.catchup != nil {
		d.catchup.Stop()
	}
	d.broker.Stop()
	var firstErr error
	if d.wal != nil {
		if err := d.wal.Close(); err != nil {
			firstErr = err
		}
	}
	if err := d.idx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Engine exposes the document engine, mainly for schema registration.
func (d *DB) Engine() *document.Engine { return d.engine }

// Events exposes the commit-stream broker.
func (d *DB) Events() *events.Broker { return d.broker }

func (d *DB) branch(branch string) string {
	if branch != "" {
		return branch
	}
	if d.current != "" {
		return d.current
	}
	return d.cfg.DefaultBranch
}

// Save stores a document; branch "" means the checked-out default.
func (d *DB) Save(ctx context.Context, doc types.Document, branch string) (types.Document, error) {
	b := d.branch(branch)
	stored, err := d.engine.Save(ctx, doc, b)
	if err != nil {
		return nil, err
	}
	d.syncer.AfterCommit(b)
	return stored, nil
}

// Get returns the document at the branch head.
func (d *DB) Get(id, branch string) (types.Document, error) {
	return d.engine.Get(id, d.branch(branch))
}

// Delete removes a document, preserving its history.
func (d *DB) Delete(ctx context.Context, id, branch string) (bool, error) {
	b := d.branch(branch)
	existed, err := d.engine.Delete(ctx, id, b)
	if err != nil {
		return false, err
	}
	if existed {
		d.syncer.AfterCommit(b)
	}
	return existed, nil
}

// ListByPrefix returns documents whose id starts with prefix.
func (d *DB) ListByPrefix(prefix, branch string) ([]types.Document, error) {
	return d.engine.ListByPrefix(prefix, d.branch(branch))
}

// ListByTable returns documents belonging to a table.
func (d *DB) ListByTable(table, branch string) ([]types.Document, error) {
	return d.engine.ListByTable(table, d.branch(branch))
}

// History returns every revision of a document, newest first.
func (d *DB) History(id, branch string) ([]types.HistoryEntry, error) {
	return d.engine.History(id, d.branch(branch))
}

// GetAt returns the document as it existed at a commit.
func (d *DB) GetAt(id, commitID string) (types.Document, error) {
	return d.engine.GetAt(id, commitID)
}

// Diff computes the field-level difference of a document between two
// commits.
func (d *DB) Diff(id, from, to string) (*types.Diff, error) {
	return d.engine.DiffCommits(id, from, to)
}

// Search executes a query AST and returns matching ids plus a
// continuation cursor. Options.Refresh forces an index catch-up for
// the branch first.
func (d *DB) Search(q query.Clause, opts query.Options) (query.Result, error) {
	opts.Branch = d.branch(opts.Branch)
	if opts.Refresh && d.idx.IsStale(opts.Branch) {
		docs, err := d.engine.ListAll(opts.Branch)
		if err != nil {
			return query.Result{}, err
		}
		if err := d.idx.CatchUp(opts.Branch, docs); err != nil {
			return query.Result{}, err
		}
	}
	return d.idx.Search(q, opts)
}

// WithTransaction runs body with txc bound; every commit produced in
// the scope carries the context in its note. In batch push mode the
// scope's end flushes deferred pushes.
func (d *DB) WithTransaction(ctx context.Context, txc *tx.Context, body func(ctx context.Context) error) error {
	err := tx.WithTransaction(ctx, txc, body)
	d.syncer.Flush()
	return err
}
