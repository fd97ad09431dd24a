package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusregion/config"
	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/recovered"
	"github.com/INLOpen/nexusregion/region"
	"github.com/INLOpen/nexusregion/splitter"
	"github.com/INLOpen/nexusregion/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLogger(t *testing.T) {
	testCases := []struct {
		name      string
		cfg       config.LoggingConfig
		wantErr   string
		wantClose bool
	}{
		{name: "Stdout", cfg: config.LoggingConfig{Level: "debug", Output: "stdout"}},
		{name: "None", cfg: config.LoggingConfig{Level: "WARN", Output: "none"}},
		{name: "File", cfg: config.LoggingConfig{Level: "info", Output: "file", File: "x.log", MaxSizeMB: 1}, wantClose: true},
		{name: "FileWithoutPath", cfg: config.LoggingConfig{Level: "info", Output: "file"}, wantErr: "no file path"},
		{name: "BadLevel", cfg: config.LoggingConfig{Level: "loud", Output: "stdout"}, wantErr: "invalid log level"},
		{name: "BadOutput", cfg: config.LoggingConfig{Level: "info", Output: "syslog"}, wantErr: "invalid log output"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.cfg.File != "" {
				tc.cfg.File = filepath.Join(t.TempDir(), tc.cfg.File)
			}
			var buf bytes.Buffer
			logger, closer, err := createLogger(tc.cfg, &buf)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.Equal(t, tc.wantClose, closer != nil)
			logger.Error("hello")
			if tc.cfg.Output == "stdout" {
				assert.Contains(t, buf.String(), `"msg":"hello"`)
			}
			if closer != nil {
				require.NoError(t, closer.Close())
				_, err := os.Stat(tc.cfg.File)
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseSyncMode(t *testing.T) {
	for in, want := range map[string]wal.SyncMode{"": wal.SyncBatch, "Always": wal.SyncAlways, "batch": wal.SyncBatch, "disabled": wal.SyncDisabled} {
		got, err := parseSyncMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseSyncMode("sometimes")
	assert.Error(t, err)
}

func TestParseDurability(t *testing.T) {
	for in, want := range map[string]region.Durability{"": region.DurabilitySync, "sync": region.DurabilitySync, "ASYNC": region.DurabilityAsync} {
		got, err := parseDurability(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseDurability("eventually")
	assert.Error(t, err)
}

// writeConfig points a config file at a fresh data directory.
func writeConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf("data_dir: %q\nwal:\n  sync_mode: disabled\nregion:\n  families: [cf]\nlogging:\n  output: none\n", filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	return path, cfg
}

// writeDeadLog leaves a closed log holding edits 1..n for partition.
func writeDeadLog(t *testing.T, dir string, partition core.PartitionID, n int) {
	t.Helper()
	ctx := context.Background()
	w, err := wal.Open(wal.Options{Dir: dir, SyncMode: wal.SyncDisabled})
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		seq := uint64(i)
		e := &core.Edit{Partition: partition, Seq: seq, WriteTime: int64(i), Cells: []core.Cell{{
			Row: []byte(fmt.Sprintf("row-%02d", i)), Family: "cf", Qualifier: []byte("q"),
			Timestamp: int64(i), Type: core.CellTypePut, Value: []byte("v"),
		}}}
		_, err := w.Append(ctx, partition, seq, e)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root, a := newRootCommand()
	defer a.teardown()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSplitThenReplay(t *testing.T) {
	cfgPath, cfg := writeConfig(t)
	writeDeadLog(t, cfg.WALDir(), "p1", 5)

	out, err := run(t, "split", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "PARTITION")
	assert.Regexp(t, `p1\s+5\s+5\s+`, out)

	archived, err := wal.ListSegments(filepath.Join(cfg.WALDir(), splitter.ArchiveDirName))
	require.NoError(t, err)
	require.Len(t, archived, 1)
	remaining, err := wal.ListSegments(cfg.WALDir())
	require.NoError(t, err)
	assert.Empty(t, remaining)

	t.Run("DumpWAL", func(t *testing.T) {
		out, err := run(t, "dump-wal", "--config", cfgPath, archived[0])
		require.NoError(t, err)
		assert.Regexp(t, `Edit\s+p1\s+seq=5\s+cells=1`, out)
		assert.NotContains(t, out, "torn tail")
	})

	t.Run("DumpEdits", func(t *testing.T) {
		files, err := recovered.List("p1", filepath.Join(cfg.RegionsDir(), "p1"))
		require.NoError(t, err)
		require.Len(t, files, 1)
		out, err := run(t, "dump-edits", "--config", cfgPath, files[0].Path)
		require.NoError(t, err)
		assert.Contains(t, out, "seq=1 partition=p1")
		assert.Contains(t, out, `"row-05" cf:"q"`)
		assert.Contains(t, out, "# 5 edits")
	})

	out, err = run(t, "replay", "--config", cfgPath, "p1")
	require.NoError(t, err)
	assert.Regexp(t, `open seq\s+6\n`, out)
	assert.Regexp(t, `replayed edits\s+5\n`, out)
	assert.Regexp(t, `store files \[cf\]\s+1\n`, out)

	files, err := recovered.List("p1", filepath.Join(cfg.RegionsDir(), "p1"))
	require.NoError(t, err)
	assert.Empty(t, files, "recovered edits are removed once persisted")
}

func TestReplay_SplitFirst(t *testing.T) {
	cfgPath, cfg := writeConfig(t)
	writeDeadLog(t, cfg.WALDir(), "p2", 3)

	out, err := run(t, "replay", "--config", cfgPath, "--split", "p2")
	require.NoError(t, err)
	assert.Regexp(t, `replayed edits\s+3\n`, out)
	assert.Regexp(t, `open seq\s+4\n`, out)
}

func TestReplay_RejectsBadPartition(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	_, err := run(t, "replay", "--config", cfgPath, "../escape")
	assert.Error(t, err)
}

func TestDataDirFlagOverridesConfig(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	dataDir := t.TempDir()
	writeDeadLog(t, filepath.Join(dataDir, "wal"), "p3", 2)

	out, err := run(t, "split", "--config", cfgPath, "--data-dir", dataDir, "--archive=false")
	require.NoError(t, err)
	assert.Regexp(t, `p3\s+2\s+2\s+`, out)
	remaining, err := wal.ListSegments(filepath.Join(dataDir, "wal"))
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
