package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var pipelineMergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Re-merge a staged batch",
	Long: `Merge an already-staged batch into the historical table without
refetching. Useful when a run failed after staging: the staged rows for
the run date are still in the warehouse and can be merged directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		runDateStr, _ := cmd.Flags().GetString("run-date")
		runDate, err := parseRunDate(runDateStr)
		if err != nil {
			return err
		}

		wh, err := openWarehouse(ctx)
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		zap.L().Info("merging staged batch",
			zap.String("run_date", runDate.Format("2006-01-02")))

		stats, err := wh.Merge(ctx, runDate)
		if err != nil {
			return eris.Wrap(err, "pipeline merge")
		}

		fmt.Printf("Merge complete: inserted=%d closed=%d\n", stats.Inserted, stats.Closed)
		return nil
	},
}

func init() {
	pipelineMergeCmd.Flags().String("run-date", "", "logical run date YYYY-MM-DD (default today UTC)")
	pipelineCmd.AddCommand(pipelineMergeCmd)
}
