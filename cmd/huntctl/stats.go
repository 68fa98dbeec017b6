package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/spf13/cobra"
)

// QueueStatsResult combines the stub queue and the outbound queue counts.
type QueueStatsResult struct {
	Stubs map[models.StubStatus]int64                            `json:"stubs" yaml:"stubs"`
	Items map[models.QueueDirection]map[models.QueueStatus]int64 `json:"items" yaml:"items"`
}

func queueCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the stub and delivery queues",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count stubs and queue items by status",
		Long:  "Count stubs and queue items by status. This scans both tables and is meant for operators, not hot paths.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			var res QueueStatsResult
			if res.Stubs, err = st.StubStats(ctx); err != nil {
				return fmt.Errorf("failed to count stubs: %w", err)
			}
			if res.Items, err = st.QueueStats(ctx); err != nil {
				return fmt.Errorf("failed to count queue items: %w", err)
			}
			return printResult(cmd.OutOrStdout(), opts.output, res, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "QUEUE\tSTATUS\tCOUNT")
				for _, s := range []models.StubStatus{models.StubStatusPending, models.StubStatusProcessing, models.StubStatusCompleted, models.StubStatusFailed} {
					fmt.Fprintf(tw, "stubs\t%s\t%d\n", s, res.Stubs[s])
				}
				dirs := make([]string, 0, len(res.Items))
				for d := range res.Items {
					dirs = append(dirs, string(d))
				}
				sort.Strings(dirs)
				for _, d := range dirs {
					for _, s := range []models.QueueStatus{models.QueueStatusQueued, models.QueueStatusProcessing, models.QueueStatusDone, models.QueueStatusFailed} {
						fmt.Fprintf(tw, "%s\t%s\t%d\n", d, s, res.Items[models.QueueDirection(d)][s])
					}
				}
			})
		},
	})
	return cmd
}

func contentCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "content",
		Short: "Inspect deduplicated content",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show unique content, receipts and the reuse rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.ContentStats(ctx)
			if err != nil {
				return fmt.Errorf("failed to read content stats: %w", err)
			}
			return printResult(cmd.OutOrStdout(), opts.output, stats, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "UNIQUE CONTENT\t%d\n", stats.UniqueContent)
				fmt.Fprintf(tw, "TOTAL RECEIPTS\t%d\n", stats.TotalReceipts)
				fmt.Fprintf(tw, "REUSE RATE\t%.1f%%\n", stats.ReuseRate*100)
			})
		},
	})
	return cmd
}
