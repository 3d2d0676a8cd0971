package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newResolveCmd() *cobra.Command {
	var timestamp string

	cmd := &cobra.Command{
		Use:   "resolve <token> [network]",
		Short: "Resolve one price and print it as JSON",
		Long: `Resolve the USD price of a token at a timestamp (default: now) through
the full cache/store/upstream/interpolation pipeline.

Examples:
  priceoracle resolve ETH
  priceoracle resolve ETH ethereum --at 2024-06-13T00:00:00Z
  priceoracle resolve 0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48 ethereum`,
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

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			price, err := a.resolver.Resolve(ctx, args[0], network, timestamp)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(price)
		},
	}

	cmd.Flags().StringVar(&timestamp, "at", "", "Timestamp to resolve (RFC3339 or YYYY-MM-DD, default now)")
	return cmd
}
