package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dynamic store metrics
	DynamicStoreRowsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tablet_dynamic_store_rows_total",
			Help: "Rows currently held in a dynamic store, by state",
		},
		[]string{"tablet_id", "state"},
	)

	DynamicStoreMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tablet_dynamic_store_memory_bytes",
			Help: "Bytes allocated from a dynamic store's arena",
		},
		[]string{"tablet_id"},
	)

	RowBlockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tablet_row_blocked_total",
			Help: "Total number of RowBlocked retries observed on the write path",
		},
	)

	LockConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tablet_lock_conflicts_total",
			Help: "Total number of TransactionLockConflict errors raised",
		},
	)

	// Overlapping store count, the compactor's target metric
	OverlappingStoreCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tablet_overlapping_store_count",
			Help: "Current overlapping store count (OSC) per tablet",
		},
		[]string{"tablet_id"},
	)

	// Flush metrics
	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tablet_flush_duration_seconds",
			Help:    "Time taken to flush a passive dynamic store to chunk stores",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablet_flushes_total",
			Help: "Total number of flush attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Compaction / partitioning metrics
	CompactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tablet_compaction_duration_seconds",
			Help:    "Time taken to run a compaction or partitioning task",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	CompactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablet_compactions_total",
			Help: "Total number of compaction/partitioning tasks by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Balancer metrics
	PartitionSplitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tablet_partition_splits_total",
			Help: "Total number of partition splits committed",
		},
	)

	PartitionMergesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tablet_partition_merges_total",
			Help: "Total number of partition merges committed",
		},
	)

	// Transaction manager metrics
	TransactionPrepareDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tablet_transaction_prepare_duration_seconds",
			Help:    "Time spent in the prepare phase of a transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	TransactionsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tablet_transactions_by_state",
			Help: "Number of transactions currently in each state",
		},
		[]string{"state"},
	)

	BarrierTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tablet_barrier_timestamp",
			Help: "The transaction manager's current barrier timestamp",
		},
	)

	// In-memory manager metrics
	PreloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tablet_preload_duration_seconds",
			Help:    "Time taken to preload a chunk store into RAM",
			Buckets: prometheus.DefBuckets,
		},
	)

	PreloadsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tablet_preloads_in_flight",
			Help: "Number of preload tasks currently holding a concurrency permit",
		},
	)

	// Replicated log metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tablet_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tablet_raft_apply_duration_seconds",
			Help:    "Time taken to apply a replicated-log mutation",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Read path metrics
	ReadFanIn = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tablet_read_fan_in",
			Help:    "Number of stores fanned into a single merging read",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
		[]string{"reader"},
	)

	ReadFanInExceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tablet_read_fan_in_exceeded_total",
			Help: "Total number of reads that failed with ReadFanInExceeded",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DynamicStoreRowsTotal,
		DynamicStoreMemoryBytes,
		RowBlockedTotal,
		LockConflictsTotal,
		OverlappingStoreCount,
		FlushDuration,
		FlushesTotal,
		CompactionDuration,
		CompactionsTotal,
		PartitionSplitsTotal,
		PartitionMergesTotal,
		TransactionPrepareDuration,
		TransactionsByState,
		BarrierTimestamp,
		PreloadDuration,
		PreloadsInFlight,
		RaftLeader,
		RaftApplyDuration,
		ReadFanIn,
		ReadFanInExceededTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
