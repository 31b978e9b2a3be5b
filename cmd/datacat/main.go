// datacat is the market-data collection engine for Binance USDT-margined
// perpetuals: realtime candle streaming, derivatives metrics polling, and
// archive-first gap backfill into a shared time-series store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const (
	appName = "datacat"
	version = "1.0.0"

	exitOK    = 0
	exitError = 1
	exitSigin = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           appName,
		Short:         "Market-data ingestion and gap repair for Binance USDT-M perpetuals",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	wsCmd := &cobra.Command{
		Use:   "crypto-ws",
		Short: "Stream 1m candles over WebSocket with a co-resident gap watcher",
		RunE:  runWS,
	}
	wsCmd.Flags().String("symbols", "", "Comma-separated symbol override (default: resolved universe)")

	metricsCmd := &cobra.Command{
		Use:   "crypto-metrics",
		Short: "Sample the five derivatives metrics endpoints for every symbol",
		RunE:  runMetrics,
	}
	metricsCmd.Flags().String("symbols", "", "Comma-separated symbol override")
	metricsCmd.Flags().Bool("loop", false, "Keep sampling on the 5-minute grid instead of one tick")

	backfillCmd := &cobra.Command{
		Use:   "crypto-backfill",
		Short: "Scan for coverage gaps and fill them (archive first, REST fallback)",
		RunE:  runBackfill,
	}
	scanCmd := &cobra.Command{
		Use:   "crypto-scan",
		Short: "Scan for coverage gaps without writing anything",
		RunE:  runScan,
	}
	for _, cmd := range []*cobra.Command{backfillCmd, scanCmd} {
		cmd.Flags().String("symbols", "", "Comma-separated symbol override")
		cmd.Flags().Int("days", 0, "Lookback window in days (default: BACKFILL_DAYS / BACKFILL_MODE)")
		cmd.Flags().Bool("klines", false, "Candles only")
		cmd.Flags().Bool("metrics", false, "Derivatives metrics only")
		cmd.Flags().Bool("all", false, "Candles and metrics (default)")
	}
	backfillCmd.Flags().Bool("init-schema", false, "Create missing tables before filling")

	root.AddCommand(wsCmd, metricsCmd, backfillCmd, scanCmd)

	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		os.Exit(exitOK)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		os.Exit(exitSigin)
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitError)
	}
}
