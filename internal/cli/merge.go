package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/malbeclabs/hybridscd/pkg/job"
	"github.com/malbeclabs/hybridscd/pkg/scd"
	"github.com/malbeclabs/hybridscd/pkg/source"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type mergeFlags struct {
	jobPath         string
	input           string
	maxAttempts     uint
	hashConcurrency int
	provision       bool
}

func newMergeCmd(root *rootFlags, info BuildInfo) *cobra.Command {
	flags := &mergeFlags{}
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge one source batch into the job's versioned table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMerge(ctx, root, flags, info, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.jobPath, "job", getenv("SCD_JOB", ""), "path to the job definition (env: SCD_JOB)")
	cmd.Flags().StringVar(&flags.input, "input", "", "source batch path or s3:// URI, defaults to the job's source.uri")
	cmd.Flags().UintVar(&flags.maxAttempts, "max-attempts", 5, "attempts per batch on write conflicts")
	cmd.Flags().IntVar(&flags.hashConcurrency, "hash-concurrency", 0, "workers hashing source records (0 for the default)")
	cmd.Flags().BoolVar(&flags.provision, "provision", false, "create the table before merging if it does not exist")
	return cmd
}

func runMerge(ctx context.Context, root *rootFlags, flags *mergeFlags, info BuildInfo, out io.Writer) error {
	log := newLogger(root)
	if flags.jobPath == "" {
		return fmt.Errorf("--job is required")
	}
	j, err := job.Load(flags.jobPath)
	if err != nil {
		return err
	}
	schema, err := j.Schema()
	if err != nil {
		return err
	}

	srcCfg, err := j.SourceConfig(flags.input)
	if err != nil {
		return err
	}
	srcCfg.Logger = log

	if err := startMetrics(ctx, log, root.metricsAddr, info); err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, log, root.store)
	if err != nil {
		return err
	}
	defer closeStore()

	if flags.provision {
		if err := store.EnsureTable(ctx, schema); err != nil {
			return err
		}
	}

	readStart := time.Now()
	batch, err := source.Read(ctx, srcCfg)
	if err != nil {
		return err
	}
	log.Info("read source batch", "uri", srcCfg.URI, "rows", len(batch.Rows), "duration", time.Since(readStart))

	merger, err := scd.NewMerger(scd.MergerConfig{
		Logger:          log,
		Store:           store,
		HashConcurrency: flags.hashConcurrency,
		MaxAttempts:     flags.maxAttempts,
		TrackRuns:       schema.TrackRuns,
	})
	if err != nil {
		return err
	}
	defer merger.Close()

	// The merger logs the outcome of the run.
	res, err := merger.ApplyMerge(ctx, batch, j.MergeConfig())
	if err != nil {
		return err
	}
	printResult(out, schema.Name, res)
	return nil
}

func printResult(out io.Writer, table string, res scd.Result) {
	tw := tablewriter.NewWriter(out)
	tw.SetAutoWrapText(false)
	tw.SetAutoFormatHeaders(false)
	tw.SetBorder(true)
	tw.SetHeader([]string{"table", "rows", "dropped", "new", "unchanged", "attribute_update", "version_change", "inserted", "updated", "closed"})
	tw.Append([]string{
		table,
		strconv.Itoa(res.Rows),
		strconv.Itoa(res.Dropped),
		strconv.Itoa(res.Classes[scd.ClassNew]),
		strconv.Itoa(res.Classes[scd.ClassUnchanged]),
		strconv.Itoa(res.Classes[scd.ClassAttributeUpdate]),
		strconv.Itoa(res.Classes[scd.ClassVersionChange]),
		strconv.Itoa(res.Inserted),
		strconv.Itoa(res.Updated),
		strconv.Itoa(res.Closed),
	})
	tw.Render()
}
