package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by the log, splitter and regions.
type Metrics struct {
	WALBytesWritten prometheus.Counter
	WALAppends      prometheus.Counter
	WALSyncs        prometheus.Counter
	WALRolls        *prometheus.CounterVec
	WALSyncLatency  prometheus.Histogram

	SplitEditsWritten prometheus.Counter
	SplitEditsSkipped prometheus.Counter
	SplitFilesWritten prometheus.Counter
	SplitDuration     prometheus.Histogram

	ReplayEditsApplied *prometheus.CounterVec
	ReplayEditsSkipped *prometheus.CounterVec
	ReplayDuration     prometheus.Histogram

	FlushTotal    *prometheus.CounterVec
	FlushFailures *prometheus.CounterVec
	FlushDuration prometheus.Histogram
	FlushBytes    prometheus.Counter

	CompactionsTotal prometheus.Counter
	BulkLoadsTotal   prometheus.Counter

	BlockCacheHits   prometheus.Counter
	BlockCacheMisses prometheus.Counter
	NonWritable      *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "nexusregion"
	}
	latency := prometheus.ExponentialBuckets(0.0005, 2, 16)
	m := &Metrics{
		WALBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wal", Name: "bytes_written_total",
			Help: "Bytes appended to write-ahead log segments.",
		}),
		WALAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wal", Name: "appends_total",
			Help: "Records appended to the write-ahead log.",
		}),
		WALSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wal", Name: "syncs_total",
			Help: "fsync calls issued by the write-ahead log.",
		}),
		WALRolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wal", Name: "rolls_total",
			Help: "Segment rolls by reason.",
		}, []string{"reason"}),
		WALSyncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "wal", Name: "sync_duration_seconds",
			Help: "Latency of write-ahead log syncs.", Buckets: latency,
		}),
		SplitEditsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "split", Name: "edits_written_total",
			Help: "Edits written to recovered-edits files.",
		}),
		SplitEditsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "split", Name: "edits_skipped_total",
			Help: "Edits dropped by a split because they were already durable or duplicated.",
		}),
		SplitFilesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "split", Name: "files_written_total",
			Help: "Recovered-edits files produced.",
		}),
		SplitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "split", Name: "duration_seconds",
			Help: "Duration of split runs.", Buckets: latency,
		}),
		ReplayEditsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "replay", Name: "edits_applied_total",
			Help: "Edits re-applied to memtables during partition open.",
		}, []string{"partition"}),
		ReplayEditsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "replay", Name: "edits_skipped_total",
			Help: "Edits skipped during replay by reason.",
		}, []string{"partition", "reason"}),
		ReplayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "replay", Name: "duration_seconds",
			Help: "Duration of partition replays.", Buckets: latency,
		}),
		FlushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flush", Name: "total",
			Help: "Flush attempts by partition.",
		}, []string{"partition"}),
		FlushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flush", Name: "failures_total",
			Help: "Store snapshots that failed to persist.",
		}, []string{"partition", "family"}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "flush", Name: "duration_seconds",
			Help: "Duration of flushes.", Buckets: latency,
		}),
		FlushBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flush", Name: "bytes_total",
			Help: "Bytes written to store files by flushes.",
		}),
		CompactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "compactions_total",
			Help: "Completed store compactions.",
		}),
		BulkLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "bulk_loads_total",
			Help: "Files ingested by bulk load.",
		}),
		BlockCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "block_cache", Name: "hits_total",
			Help: "Store file blocks served from the block cache.",
		}),
		BlockCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "block_cache", Name: "misses_total",
			Help: "Store file block reads that missed the block cache.",
		}),
		NonWritable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "region", Name: "non_writable",
			Help: "1 while a partition refuses writes after a failed flush.",
		}, []string{"partition"}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.WALBytesWritten, m.WALAppends, m.WALSyncs, m.WALRolls, m.WALSyncLatency,
		m.SplitEditsWritten, m.SplitEditsSkipped, m.SplitFilesWritten, m.SplitDuration,
		m.ReplayEditsApplied, m.ReplayEditsSkipped, m.ReplayDuration,
		m.FlushTotal, m.FlushFailures, m.FlushDuration, m.FlushBytes,
		m.CompactionsTotal, m.BulkLoadsTotal, m.BlockCacheHits, m.BlockCacheMisses, m.NonWritable,
	}
}

var discard = New(nil, "")

// Discard returns an unregistered set used when a component gets no metrics.
func Discard() *Metrics { return discard }
