package cli

import (
	"fmt"

	"github.com/malbeclabs/hybridscd/pkg/job"
	"github.com/spf13/cobra"
)

func newProvisionCmd(root *rootFlags) *cobra.Command {
	var jobPath string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the job's versioned table and its runs table if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := newLogger(root)
			if jobPath == "" {
				return fmt.Errorf("--job is required")
			}
			j, err := job.Load(jobPath)
			if err != nil {
				return err
			}
			schema, err := j.Schema()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx, log, root.store)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.EnsureTable(ctx, schema); err != nil {
				return err
			}
			log.Info("table ready", "table", schema.Name, "store", root.store.kind)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobPath, "job", getenv("SCD_JOB", ""), "path to the job definition (env: SCD_JOB)")
	return cmd
}

func newVersionCmd(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scd %s (commit %s, built %s)\n", info.Version, info.Commit, info.Date)
		},
	}
}
