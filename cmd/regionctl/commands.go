package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/recovered"
	"github.com/INLOpen/nexusregion/region"
	"github.com/INLOpen/nexusregion/splitter"
	"github.com/INLOpen/nexusregion/wal"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newSplitCommand(a *app) *cobra.Command {
	var walDir string
	var archive bool
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Splits the segments of a log whose owner is gone into recovered-edits files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := a.cfg.WALDir()
			if walDir != "" {
				dir = walDir
			}
			if !cmd.Flags().Changed("archive") {
				archive = a.cfg.Split.ArchiveSegments
			}
			files, err := splitter.New(a.splitterOptions(archive)).SplitDir(cmd.Context(), dir)
			if err != nil {
				return err
			}
			return printSplit(cmd.OutOrStdout(), files)
		},
	}
	cmd.Flags().StringVar(&walDir, "wal-dir", "", "Log directory to split (defaults to the configured one)")
	cmd.Flags().BoolVar(&archive, "archive", true, "Move split segments into the oldWALs directory")
	return cmd
}

func printSplit(out io.Writer, files map[core.PartitionID]recovered.File) error {
	partitions := make([]string, 0, len(files))
	for p := range files {
		partitions = append(partitions, string(p))
	}
	sort.Strings(partitions)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PARTITION\tEDITS\tMAX SEQ\tFILE")
	for _, p := range partitions {
		f := files[core.PartitionID(p)]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", p, f.Edits, f.MaxSeq, f.Path)
	}
	return tw.Flush()
}

func newReplayCommand(a *app) *cobra.Command {
	var families []string
	var splitFirst bool
	cmd := &cobra.Command{
		Use:   "replay <partition>",
		Short: "Opens a partition, replaying its recovered edits, and closes it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			partition := core.PartitionID(args[0])
			if err := partition.Validate(); err != nil {
				return err
			}
			if splitFirst {
				if _, err := splitter.New(a.splitterOptions(true)).SplitDir(ctx, a.cfg.WALDir()); err != nil {
					return fmt.Errorf("split before replay: %w", err)
				}
			}

			walOpts, err := a.walOptions()
			if err != nil {
				return err
			}
			log, err := wal.Open(walOpts)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, log.Close()) }()

			opts, err := a.regionOptions(partition, families, log)
			if err != nil {
				return err
			}
			r, err := region.Open(ctx, opts)
			if err != nil {
				return err
			}
			stats := r.Stats()
			if err := r.Close(ctx); err != nil {
				return err
			}
			return printReplay(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().StringSliceVar(&families, "families", nil, "Column families of the partition (defaults to region.families)")
	cmd.Flags().BoolVar(&splitFirst, "split", false, "Split the configured log directory before opening")
	return cmd
}

func printReplay(out io.Writer, s region.Stats) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "partition\t%s\n", s.Partition)
	fmt.Fprintf(tw, "open seq\t%d\n", s.OpenSeq)
	fmt.Fprintf(tw, "replayed edits\t%d\n", s.Replay.Replayed)
	fmt.Fprintf(tw, "skipped edits\t%d\n", s.Replay.Skipped)
	fmt.Fprintf(tw, "skipped unknown-family cells\t%d\n", s.Replay.SkippedUnknownFamily)
	fmt.Fprintf(tw, "duplicate edits\t%d\n", s.Replay.Duplicates)
	fmt.Fprintf(tw, "replay flushes\t%d\n", s.Replay.Flushes)
	fmt.Fprintf(tw, "replay duration\t%s\n", s.Replay.Duration)
	families := make([]string, 0, len(s.StoreFiles))
	for f := range s.StoreFiles {
		families = append(families, f)
	}
	sort.Strings(families)
	for _, f := range families {
		fmt.Fprintf(tw, "store files [%s]\t%d\n", f, s.StoreFiles[f])
	}
	return tw.Flush()
}

func newDumpWALCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dump-wal <segment>...",
		Short: "Prints the records of log segments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, seg := range args {
				fmt.Fprintf(out, "# %s\n", seg)
				stats, err := wal.ReadFile(seg, core.WALMagicNumber, func(rec *wal.Record, offset int64) error {
					switch rec.Type {
					case wal.RecordEdit:
						fmt.Fprintf(out, "%d\t%s\t%s\tseq=%d\tcells=%d\n", offset, rec.Type, rec.Partition, rec.Seq, len(rec.Cells))
					default:
						fmt.Fprintf(out, "%d\t%s\t%s\tflush_seq=%d\tfamilies=%v\n", offset, rec.Type, rec.Partition, rec.FlushSeq, rec.Families)
					}
					return nil
				})
				if err != nil {
					return err
				}
				if stats.TruncatedTail {
					a.logger.Warn("Segment ends in a torn record.", "segment", seg, "valid_bytes", stats.ValidBytes)
					fmt.Fprintf(out, "# torn tail after %d bytes\n", stats.ValidBytes)
				}
			}
			return nil
		},
	}
}

func newDumpEditsCommand(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dump-edits <file>",
		Short: "Prints the edits of a recovered-edits file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			n, err := recovered.Read(args[0], func(e *core.Edit) error {
				fmt.Fprintf(out, "seq=%d partition=%s write_time=%d\n", e.Seq, e.Partition, e.WriteTime)
				for _, c := range e.Cells {
					fmt.Fprintf(out, "  %q %s:%q ts=%d %s %q\n", c.Row, c.Family, c.Qualifier, c.Timestamp, c.Type, c.Value)
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "# %d edits\n", n)
			return nil
		},
	}
}
