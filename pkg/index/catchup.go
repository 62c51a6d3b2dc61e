package index

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrondb/chrondb/pkg/log"
	"github.com/chrondb/chrondb/pkg/types"
)

// Fetch reads the authoritative document set for a branch from
// storage. The worker stays decoupled from the document engine through
// this function.
type Fetch func(branch string) ([]types.Document, error)

// CatchUpWorker is the background task that repairs stale branches by
// walking storage and reapplying documents. It bounds the window the
// index may lag storage.
type CatchUpWorker struct {
	index    *Index
	fetch    Fetch
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	logger   zerolog.Logger
}

// NewCatchUpWorker creates a worker; Start begins the loop.
func NewCatchUpWorker(idx *Index, fetch Fetch, interval time.Duration) *CatchUpWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &CatchUpWorker{
		index:    idx,
		fetch:    fetch,
		interval: interval,
		logger:   log.WithComponent("index-catchup"),
	}
}

// Start launches the catch-up loop.
func (w *CatchUpWorker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Stop ends the loop and waits for the in-flight pass to finish.
func (w *CatchUpWorker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *CatchUpWorker) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Pass()
		}
	}
}

// Pass repairs every currently stale branch once. It is also the
// "refresh" hook for callers requiring freshness.
func (w *CatchUpWorker) Pass() {
	for _, branch := range w.index.StaleBranches() {
		docs, err := w.fetch(branch)
		if err != nil {
			w.logger.Error().Err(err).Str("branch", branch).Msg("catch-up fetch failed")
			continue
		}
		if err := w.index.CatchUp(branch, docs); err != nil {
			w.logger.Error().Err(err).Str("branch", branch).Msg("catch-up apply failed")
		}
	}
}
