package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/priceoracle/internal/oracle"
)

// stderrProgress prints worker checkpoints for synchronous runs.
type stderrProgress struct{}

func (stderrProgress) ReportProgress(_ context.Context, pct int) {
	fmt.Fprintf(os.Stderr, "progress: %d%%\n", pct)
}

func newBackfillCmd() *cobra.Command {
	var (
		startDate string
		endDate   string
		sync      bool
	)

	cmd := &cobra.Command{
		Use:   "backfill <token> [network]",
		Short: "Backfill the historical daily price series for a token",
		Long: `Enqueue a backfill job onto the durable queue, or run it synchronously
in-process with --sync. Without --start the run begins at the token's
creation date (falling back to one year ago).

Examples:
  priceoracle backfill ETH --sync
  priceoracle backfill USDC polygon --start 2024-01-01 --end 2024-06-01`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.close()

			network := a.cfg.Upstream.DefaultNetwork
			if len(args) > 1 {
				network = args[1]
			}

			job := oracle.BackfillJob{
				Token:     args[0],
				Network:   network,
				StartDate: startDate,
				EndDate:   endDate,
			}
			ctx := context.Background()

			if sync {
				result, err := a.worker.Execute(ctx, job, stderrProgress{})
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			jobID, err := a.queue.Enqueue(ctx, job)
			if err != nil {
				return fmt.Errorf("enqueue backfill: %w", err)
			}
			log.Info().Str("job_id", jobID).Msg("backfill enqueued")
			fmt.Println(jobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&startDate, "start", "", "First day to fill (YYYY-MM-DD, default token creation date)")
	cmd.Flags().StringVar(&endDate, "end", "", "Last day to fill (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVar(&sync, "sync", false, "Run the backfill in-process instead of enqueueing")
	return cmd
}
