package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Commit pipeline metrics
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chrondb_commits_total",
			Help: "Total number of commits by branch and operation",
		},
		[]string{"branch", "operation"},
	)

	CommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chrondb_commit_duration_seconds",
			Help:    "Commit pipeline duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// OCC metrics
	OCCConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chrondb_occ_conflicts_total",
			Help: "Total number of rejected ref updates by branch",
		},
		[]string{"branch"},
	)

	OCCRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chrondb_occ_retries_total",
			Help: "Total number of optimistic retries by branch",
		},
		[]string{"branch"},
	)

	OCCExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chrondb_occ_exhausted_total",
			Help: "Total number of writes that failed after exhausting retries",
		},
	)

	// WAL metrics
	WALAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chrondb_wal_appends_total",
			Help: "Total number of records appended to the write-ahead log",
		},
	)

	WALReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chrondb_wal_replays_total",
			Help: "Total number of WAL records handled during recovery by outcome",
		},
		[]string{"outcome"},
	)

	WALCheckpointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chrondb_wal_checkpoints_total",
			Help: "Total number of WAL checkpoints",
		},
	)

	// Index metrics
	IndexUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chrondb_index_updates_total",
			Help: "Total number of index updates by kind (index, remove)",
		},
		[]string{"kind"},
	)

	IndexStaleBranches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chrondb_index_stale_branches",
			Help: "Number of branches whose index is behind storage",
		},
	)

	IndexCatchUpsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chrondb_index_catchups_total",
			Help: "Total number of index catch-up passes",
		},
	)

	QueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chrondb_query_duration_seconds",
			Help:    "Search query execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Document engine metrics
	DocumentOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chrondb_document_ops_total",
			Help: "Total number of document operations by kind and status",
		},
		[]string{"kind", "status"},
	)

	SaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chrondb_save_duration_seconds",
			Help:    "Time taken to save a document in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Remote sync metrics
	PushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chrondb_pushes_total",
			Help: "Total number of upstream pushes by status",
		},
		[]string{"status"},
	)

	BranchesNeedingPush = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chrondb_branches_needing_push",
			Help: "Number of branches with local commits not yet pushed",
		},
	)

	// Lock metrics
	StaleLocksReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chrondb_stale_locks_reclaimed_total",
			Help: "Total number of stale lock files reclaimed",
		},
	)
)

func init() {
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(OCCConflictsTotal)
	prometheus.MustRegister(OCCRetriesTotal)
	prometheus.MustRegister(OCCExhaustedTotal)
	prometheus.MustRegister(WALAppendsTotal)
	prometheus.MustRegister(WALReplaysTotal)
	prometheus.MustRegister(WALCheckpointsTotal)
	prometheus.MustRegister(IndexUpdatesTotal)
	prometheus.MustRegister(IndexStaleBranches)
	prometheus.MustRegister(IndexCatchUpsTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(DocumentOpsTotal)
	prometheus.MustRegister(SaveDuration)
	prometheus.MustRegister(PushesTotal)
	prometheus.MustRegister(BranchesNeedingPush)
	prometheus.MustRegister(StaleLocksReclaimed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
