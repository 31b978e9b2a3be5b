package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/datacat/internal/collector"
)

// runMetrics samples the derivatives endpoints: one tick by default, or
// continuously on the 5-minute grid with --loop.
func runMetrics(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp("crypto-metrics")
	if err != nil {
		return err
	}
	if err := a.openStore(ctx); err != nil {
		return err
	}
	defer a.closeStore()

	symbols, err := a.resolveSymbols(ctx, cmd)
	if err != nil {
		return err
	}

	mc := collector.NewMetricsCollector(a.rest, a.st, a.cfg.Collector.MetricsWorkers, a.metrics, a.log)

	loop, _ := cmd.Flags().GetBool("loop")
	if !loop {
		if _, err := mc.CollectOnce(ctx, symbols); err != nil {
			return err
		}
		a.metrics.LogSummary(a.log, "crypto-metrics")
		return ctx.Err()
	}

	for {
		if _, err := mc.CollectOnce(ctx, symbols); err != nil {
			// store failures are transient; the next tick retries the batch
			a.log.Error().Err(err).Msg("metrics tick failed")
		}
		a.metrics.LogSummary(a.log, "crypto-metrics")

		wait := untilNextGrid(time.Now().UTC(), 5*time.Minute)
		a.log.Debug().Dur("sleep", wait).Msg("waiting for next grid tick")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			a.log.Info().Msg("metrics loop stopped")
			return ctx.Err()
		}
	}
}

// untilNextGrid returns the wait until the next multiple of step, with a
// small offset so the exchange has published the bucket we sample.
func untilNextGrid(now time.Time, step time.Duration) time.Duration {
	next := now.Truncate(step).Add(step)
	return next.Sub(now) + 5*time.Second
}
