package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arcade-insights/catalog-cli/internal/model"
)

var pipelineStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline run log",
	Long:  "Displays recent pipeline runs, newest first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		wh, err := openWarehouse(ctx)
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		runs, err := wh.ListRuns(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "pipeline status")
		}

		if len(runs) == 0 {
			zap.L().Info("no runs recorded, run 'pipeline run' to start one")
			return nil
		}

		formatRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	pipelineStatusCmd.Flags().Int("limit", 20, "maximum runs to display")
	pipelineCmd.AddCommand(pipelineStatusCmd)
}

// formatRuns writes a tabular representation of runs to w.
func formatRuns(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN DATE\tMODE\tSTATUS\tSTARTED\tDURATION\tFETCHED\tSTAGED\tMERGED\tERROR")
	_, _ = fmt.Fprintln(w, "--------\t----\t------\t-------\t--------\t-------\t------\t------\t-----")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}

		fetched, staged, merged := "-", "-", "-"
		if r.Result != nil {
			fetched = fmt.Sprintf("%d", r.Result.Fetched)
			staged = fmt.Sprintf("%d", r.Result.Staged)
			merged = fmt.Sprintf("%d", r.Result.Merge.Inserted+r.Result.Merge.Closed)
		}

		errMsg := ""
		if r.Error != "" {
			errMsg = truncate(r.Error, 60)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunDate.Format(model.DateLayout),
			r.Mode,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			fetched,
			staged,
			merged,
			errMsg,
		)
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
