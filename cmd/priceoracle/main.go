package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "priceoracle"
	version = "v1.0.0"
)

var (
	configPath string
	logLevel   string
)

func main() {
	// Local development convenience; a missing .env is fine.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Token price oracle with historical backfill",
		Version: version,
		Long: `priceoracle resolves the USD price of a crypto asset at any timestamp,
layering a Redis cache, a Postgres price store, the upstream market-data
provider, and linear interpolation. Historical series are filled in
asynchronously through a durable backfill queue.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if lvl, err := zerolog.ParseLevel(logLevel); err == nil {
				zerolog.SetGlobalLevel(lvl)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace|debug|info|warn|error)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newResolveCmd())
	rootCmd.AddCommand(newBackfillCmd())
	rootCmd.AddCommand(newScheduleCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
