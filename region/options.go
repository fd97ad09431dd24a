package region

import (
	"log/slog"
	"time"

	"github.com/INLOpen/nexusregion/cache"
	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/hooks"
	"github.com/INLOpen/nexusregion/metrics"
	"github.com/INLOpen/nexusregion/wal"
	"go.opentelemetry.io/otel/trace"
)

// Durability selects whether a write waits for the log to be synced.
type Durability int

const (
	// DurabilitySync syncs the log before a write is acknowledged.
	DurabilitySync Durability = iota
	// DurabilityAsync acknowledges once the edit is appended.
	DurabilityAsync
)

const (
	DefaultFlushSize          = 64 * 1024 * 1024
	DefaultFlushRetries       = 3
	DefaultFlushRetryInterval = 100 * time.Millisecond
)

// Options configures a Region.
type Options struct {
	// RootDir holds one directory per partition; the region lives in
	// RootDir/<Partition>.
	RootDir   string
	Partition core.PartitionID
	// Families is the column family schema. Each gets a store.
	Families []string
	// Log receives every edit. It is usually shared by all partitions of a
	// process and is not closed by the region.
	Log wal.DurableLog

	// FlushSize is the memtable size that triggers a flush after a write.
	FlushSize int64
	// ReplayFlushSize is the memtable size that triggers a flush during replay.
	// It defaults to FlushSize.
	ReplayFlushSize int64
	// FlushRetries bounds the retries of a failed flush. Zero selects
	// DefaultFlushRetries; a negative value disables retries.
	FlushRetries       int
	FlushRetryInterval time.Duration
	FlushExecutor      FlushExecutor
	Durability         Durability

	Compressor  core.Compressor
	BlockSize   int
	BloomFPRate float64
	// BlockCache may be shared between regions.
	BlockCache cache.Interface

	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     *metrics.Metrics
	HookManager hooks.HookManager
}
