package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage backfill schedules",
		Long: `Create and inspect backfill schedule definitions. Definitions live in
the running service; from the CLI they are recovered best-effort from
jobs still sitting on the queue backend.`,
	}

	cmd.AddCommand(newScheduleCreateCmd())
	cmd.AddCommand(newScheduleListCmd())
	cmd.AddCommand(newScheduleStatusCmd())
	return cmd
}

func newScheduleCreateCmd() *cobra.Command {
	var (
		interval string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "create <token> [network]",
		Short: "Register a backfill schedule and dispatch its first run",
		Args:  cobra.RangeArgs(1, 2),
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

			ctx := context.Background()
			a.registry.Rebuild(a.queue.PendingPayloads(ctx))

			rec, jobID, err := a.registry.Create(ctx, args[0], network, interval, !disabled)
			if err != nil {
				return err
			}

			fmt.Printf("schedule %s created for %s/%s\n", rec.ID, rec.Token, rec.Network)
			if jobID != "" {
				fmt.Printf("backfill job %s dispatched\n", jobID)
			} else if !disabled {
				fmt.Println("queue unavailable, no job dispatched")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&interval, "interval", "", "Cron expression for periodic runs (service-side)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Register without dispatching a backfill")
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules recoverable from the queue backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := context.Background()
			a.registry.Rebuild(a.queue.PendingPayloads(ctx))
			listing := a.registry.List()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTOKEN\tNETWORK\tENABLED")
			for _, rec := range listing.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", rec.ID, rec.Token, rec.Network, rec.Enabled)
			}
			w.Flush()
			fmt.Printf("%d schedules, %d active\n", listing.Total, listing.Active)
			return nil
		},
	}
}

func newScheduleStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the state of a queued backfill job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.queue.Status(context.Background(), args[0])
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("job %s not found", args[0])
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}
