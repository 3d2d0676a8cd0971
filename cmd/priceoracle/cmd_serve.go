package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/priceoracle/internal/ops"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the oracle service",
		Long: `Run the resolver, the backfill worker pool, the optional periodic
scheduler, and the operational HTTP listener until interrupted.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Recover schedule definitions from work still sitting on the queue.
	if a.queue.Available(ctx) {
		a.registry.Rebuild(a.queue.PendingPayloads(ctx))
	}
	if a.cfg.Scheduler.Enabled {
		a.registry.EnablePeriodic(ctx)
		log.Info().Msg("periodic scheduler enabled")
	}

	a.queue.Run(ctx, a.worker.Handler())

	opsServer := ops.NewServer(a.cfg.Ops.ListenAddr, ops.Components{
		Store: a.store,
		Cache: a.cache,
		Queue: a.queue,
	}, prometheus.DefaultGatherer)

	errCh := make(chan error, 1)
	go func() {
		errCh <- opsServer.Start()
	}()

	log.Info().
		Str("version", version).
		Str("ops_addr", a.cfg.Ops.ListenAddr).
		Bool("store", a.store.Healthy(ctx)).
		Bool("cache", a.cache.Healthy(ctx)).
		Bool("queue", a.queue.Available(ctx)).
		Msg("oracle service started")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ops listener shutdown failed")
	}

	log.Info().Msg("oracle service stopped")
	return nil
}
