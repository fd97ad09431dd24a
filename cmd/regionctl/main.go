// Command regionctl splits dead write-ahead logs and opens partitions from
// their recovered edits.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/INLOpen/nexusregion/cache"
	"github.com/INLOpen/nexusregion/compressors"
	"github.com/INLOpen/nexusregion/config"
	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/hooks"
	"github.com/INLOpen/nexusregion/metrics"
	"github.com/INLOpen/nexusregion/region"
	"github.com/INLOpen/nexusregion/splitter"
	"github.com/INLOpen/nexusregion/wal"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
)

const (
	cliName        = "regionctl"
	cliDescription = "Splits write-ahead logs and recovers partitions from them."
)

// app carries what every subcommand needs once the configuration is loaded.
type app struct {
	configPath string
	dataDir    string

	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	hooks      hooks.HookManager
	tracer     trace.Tracer
	blockCache cache.Interface
	cleanups   []func()
}

func newRootCommand() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:           cliName,
		Short:         cliDescription,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "config.yaml", "Path to the configuration file")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "Override data_dir from the configuration file")

	root.AddCommand(
		newSplitCommand(a),
		newReplayCommand(a),
		newDumpWALCommand(a),
		newDumpEditsCommand(a),
	)
	return root, a
}

func (a *app) setup(stderr io.Writer) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir must be specified")
	}
	a.cfg = cfg

	logger, closer, err := createLogger(cfg.Logging, stderr)
	if err != nil {
		return err
	}
	if closer != nil {
		a.cleanups = append(a.cleanups, func() { closer.Close() })
	}
	a.logger = logger

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	a.cleanups = append(a.cleanups, tracerCleanup)
	a.tracer = tp.Tracer("nexusregion")

	m, metricsCleanup, err := initMetrics(cfg.Metrics, logger)
	if err != nil {
		return err
	}
	a.cleanups = append(a.cleanups, metricsCleanup)
	a.metrics = m

	if n := cfg.StoreFile.BlockCacheBlocks; n > 0 {
		bc := cache.NewLRUCache(n, nil)
		bc.SetMetrics(m.BlockCacheHits, m.BlockCacheMisses)
		a.blockCache = bc
	}

	a.hooks = hooks.NewHookManager(logger)
	logEvent := hooks.ListenerFunc(func(_ context.Context, ev hooks.HookEvent) error {
		logger.Debug("Hook event.", "event", ev.Type(), "payload", fmt.Sprintf("%+v", ev.Payload()))
		return nil
	})
	for _, ev := range []hooks.EventType{hooks.EventPostSplit, hooks.EventPostReplay, hooks.EventPostFlush, hooks.EventPostWALRoll} {
		a.hooks.Register(ev, logEvent)
	}
	a.cleanups = append(a.cleanups, a.hooks.Stop)
	return nil
}

// teardown runs the cleanups in reverse order.
func (a *app) teardown() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

func (a *app) splitterOptions(archive bool) splitter.Options {
	return splitter.Options{
		RootDir:           a.cfg.RegionsDir(),
		WriterConcurrency: a.cfg.Split.WriterConcurrency,
		MinFreeDiskBytes:  a.cfg.Split.MinFreeDiskBytes,
		ArchiveSegments:   archive,
		Logger:            a.logger,
		Metrics:           a.metrics,
		HookManager:       a.hooks,
		Tracer:            a.tracer,
	}
}

func parseSyncMode(s string) (wal.SyncMode, error) {
	switch mode := wal.SyncMode(strings.ToLower(s)); mode {
	case wal.SyncAlways, wal.SyncBatch, wal.SyncDisabled:
		return mode, nil
	case "":
		return wal.SyncBatch, nil
	default:
		return "", fmt.Errorf("invalid wal sync_mode: %q", s)
	}
}

func parseDurability(s string) (region.Durability, error) {
	switch strings.ToLower(s) {
	case "", "sync":
		return region.DurabilitySync, nil
	case "async":
		return region.DurabilityAsync, nil
	default:
		return 0, fmt.Errorf("invalid region durability: %q", s)
	}
}

func (a *app) walOptions() (wal.Options, error) {
	mode, err := parseSyncMode(a.cfg.WAL.SyncMode)
	if err != nil {
		return wal.Options{}, err
	}
	return wal.Options{
		Dir:                  a.cfg.WALDir(),
		SyncMode:             mode,
		MaxSegmentSize:       a.cfg.WAL.MaxSegmentSizeBytes,
		RetryBudget:          a.cfg.WAL.RetryBudget,
		RetryInitialInterval: config.ParseDuration(a.cfg.WAL.RetryInterval, 50*time.Millisecond, a.logger),
		LockTimeout:          config.ParseDuration(a.cfg.WAL.LockTimeout, 0, a.logger),
		Logger:               a.logger,
		Metrics:              a.metrics,
		HookManager:          a.hooks,
	}, nil
}

func (a *app) regionOptions(partition core.PartitionID, families []string, log wal.DurableLog) (region.Options, error) {
	durability, err := parseDurability(a.cfg.Region.Durability)
	if err != nil {
		return region.Options{}, err
	}
	compressor, err := compressors.ByName(a.cfg.StoreFile.Compression)
	if err != nil {
		return region.Options{}, fmt.Errorf("store_file.compression: %w", err)
	}
	if len(families) == 0 {
		families = a.cfg.Region.Families
	}
	return region.Options{
		RootDir:            a.cfg.RegionsDir(),
		Partition:          partition,
		Families:           families,
		Log:                log,
		FlushSize:          a.cfg.Region.FlushSizeBytes,
		ReplayFlushSize:    a.cfg.Region.ReplayFlushSizeBytes,
		FlushRetries:       a.cfg.Region.FlushRetries,
		FlushRetryInterval: config.ParseDuration(a.cfg.Region.FlushRetryInterval, region.DefaultFlushRetryInterval, a.logger),
		Durability:         durability,
		Compressor:         compressor,
		BlockSize:          a.cfg.StoreFile.BlockSizeBytes,
		BloomFPRate:        a.cfg.StoreFile.BloomFilterFPRate,
		BlockCache:         a.blockCache,
		Logger:             a.logger,
		Tracer:             a.tracer,
		Metrics:            a.metrics,
		HookManager:        a.hooks,
	}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root, a := newRootCommand()
	err := root.ExecuteContext(ctx)
	a.teardown()
	stop()
	if err != nil {
		exitWithError(err)
	}
}
