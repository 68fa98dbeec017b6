package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func quarantineCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect unroutable notifications",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recent quarantine records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			ctx, st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.ListQuarantine(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to list quarantine: %w", err)
			}
			return printResult(cmd.OutOrStdout(), opts.output, recs, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "CREATED\tREASON\tADDRESS\tHISTORY ID\tSUBJECT")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.CreatedAt.Format(time.RFC3339), r.ReasonCode, r.Address, r.HistoryID, r.Headers["Subject"])
				}
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum records to show")
	cmd.AddCommand(list)
	return cmd
}
