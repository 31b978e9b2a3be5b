package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/datacat/internal/backfill"
	"github.com/sawpanic/datacat/internal/store"
)

// runBackfill scans the window for coverage deficits and repairs them.
func runBackfill(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp("crypto-backfill")
	if err != nil {
		return err
	}
	if err := a.openStore(ctx); err != nil {
		return err
	}
	defer a.closeStore()

	if init, _ := cmd.Flags().GetBool("init-schema"); init {
		pg, ok := a.st.(*store.PostgresStore)
		if !ok {
			return fmt.Errorf("--init-schema requires a database store, not the jsonl sink")
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	symbols, err := a.resolveSymbols(ctx, cmd)
	if err != nil {
		return err
	}
	filler, err := a.newFiller()
	if err != nil {
		return err
	}

	from, to := a.backfillWindow(cmd)
	doKlines, doMetrics := backfillKinds(cmd)
	a.log.Info().
		Time("from", from).
		Time("to", to).
		Int("symbols", len(symbols)).
		Bool("klines", doKlines).
		Bool("metrics", doMetrics).
		Msg("backfill pass starting")

	start := time.Now()
	totalFound := 0
	if doKlines {
		for _, iv := range a.cfg.Fill.Intervals {
			found, err := filler.RepairCandles(ctx, iv, symbols, from, to)
			totalFound += found
			if err != nil {
				return err
			}
		}
	}
	if doMetrics {
		found, err := filler.RepairMetrics(ctx, symbols, from, to)
		totalFound += found
		if err != nil {
			return err
		}
	}

	a.metrics.LastBackfillDuration.Set(time.Since(start).Seconds())
	a.metrics.LogSummary(a.log, "crypto-backfill")
	a.log.Info().
		Int("gaps_found", totalFound).
		Int("unfillable", filler.UnfillableCount()).
		Dur("took", time.Since(start)).
		Msg("backfill pass complete")
	return ctx.Err()
}

// runScan reports coverage deficits without writing anything.
func runScan(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp("crypto-scan")
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
	scanner := backfill.NewScanner(a.st, a.cfg.Gaps.DensityThreshold, a.metrics, a.log)

	from, to := a.backfillWindow(cmd)
	doKlines, doMetrics := backfillKinds(cmd)

	total := 0
	if doKlines {
		for _, iv := range a.cfg.Fill.Intervals {
			gaps, err := scanner.ScanCandles(ctx, iv, symbols, from, to)
			if err != nil {
				return err
			}
			total += backfill.TotalGaps(gaps)
			printGaps(cmd, "candles_"+string(iv), gaps)
		}
	}
	if doMetrics {
		gaps, err := scanner.ScanMetrics(ctx, symbols, from, to)
		if err != nil {
			return err
		}
		total += backfill.TotalGaps(gaps)
		printGaps(cmd, "metrics", gaps)
	}

	cmd.Printf("%d gaps in %d symbols between %s and %s\n",
		total, len(symbols), from.Format("2006-01-02"), to.Format("2006-01-02"))
	return ctx.Err()
}

func printGaps(cmd *cobra.Command, kind string, gaps map[string][]backfill.Gap) {
	for _, list := range gaps {
		for _, g := range list {
			cmd.Printf("%s %s\n", kind, g)
		}
	}
}
