package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/breaker"
	"github.com/spf13/cobra"
)

func breakerCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect or tune the ingest circuit breaker",
	}
	cmd.AddCommand(breakerStatusCmd(opts), breakerSetCmd(opts))
	return cmd
}

func breakerStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Evaluate the breaker now and show the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			state := breaker.New(st).Check(ctx)
			return printResult(cmd.OutOrStdout(), opts.output, state, func(tw *tabwriter.Writer) {
				status := "closed"
				if state.Open {
					status = "OPEN (" + string(state.Reason) + ")"
				}
				fmt.Fprintf(tw, "STATE\t%s\n", status)
				fmt.Fprintf(tw, "WORKER\t%s\n", state.Config.WorkerID)
				fmt.Fprintf(tw, "HEARTBEAT AGE\t%s\n", state.HeartbeatAge.Round(time.Second))
				fmt.Fprintf(tw, "STALE THRESHOLD\t%s\n", state.Config.StaleThreshold)
				fmt.Fprintf(tw, "PENDING (SAMPLED)\t%d\n", state.SampledDepth)
				fmt.Fprintf(tw, "MAX DEPTH\t%d\n", state.Config.MaxDepth)
				fmt.Fprintf(tw, "CONFIG VERSION\t%d\n", state.Config.Version)
			})
		},
	}
}

func breakerSetCmd(opts *options) *cobra.Command {
	var (
		workerID string
		stale    time.Duration
		maxDepth int
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update breaker thresholds",
		Long: `Update breaker thresholds. Omitted flags keep their current values.

Examples:
  huntctl breaker set --max-depth 500
  huntctl breaker set --stale-threshold 2m --worker-id ingest-worker`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if !flags.Changed("worker-id") && !flags.Changed("stale-threshold") && !flags.Changed("max-depth") {
				return fmt.Errorf("nothing to change: pass --worker-id, --stale-threshold or --max-depth")
			}
			if stale < 0 || maxDepth < 0 {
				return fmt.Errorf("thresholds must not be negative")
			}
			ctx, st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			cfg := breaker.New(st).Config(ctx)
			if flags.Changed("worker-id") {
				cfg.WorkerID = workerID
			}
			if flags.Changed("stale-threshold") {
				cfg.StaleThreshold = stale
			}
			if flags.Changed("max-depth") {
				cfg.MaxDepth = maxDepth
			}
			version, err := st.SaveBreakerConfig(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to save breaker config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "breaker config saved (version %d)\n", version)
			return nil
		},
	}
	cmd.Flags().StringVar(&workerID, "worker-id", "", "heartbeat row the stall check watches")
	cmd.Flags().DurationVar(&stale, "stale-threshold", 0, "heartbeat age that opens the breaker")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "pending stubs that open the breaker")
	return cmd
}
