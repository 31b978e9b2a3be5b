package main

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/datacat/internal/binance"
	"github.com/sawpanic/datacat/internal/collector"
	"github.com/sawpanic/datacat/internal/market"
	"github.com/sawpanic/datacat/internal/ops"
	"github.com/sawpanic/datacat/internal/publish"
	"github.com/sawpanic/datacat/internal/store"
)

// runWS is the streaming daemon: WebSocket candles into the coalescer, gap
// watcher alongside, ops surface for liveness.
func runWS(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp("crypto-ws")
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

	filler, err := a.newFiller()
	if err != nil {
		return err
	}
	repairer := modeRepairer{filler: filler, intervals: a.cfg.Fill.Intervals, metrics: true}

	if a.cfg.Backfill.OnStart && a.cfg.Backfill.Mode != "none" {
		from, to := a.backfillWindow(cmd)
		a.log.Info().Time("from", from).Msg("startup backfill pass")
		if _, err := repairer.Repair(ctx, symbols, from, to); err != nil && ctx.Err() == nil {
			a.log.Error().Err(err).Msg("startup backfill failed, continuing to stream")
		}
	}

	if a.cfg.Collector.UseRESTSnapshot {
		a.restSnapshot(ctx, symbols)
	}

	coalescer := collector.NewCoalescer(a.st, market.Interval1m,
		a.cfg.Collector.MaxBuffer, a.cfg.Collector.FlushWindow, a.metrics, a.log)

	var publisher collector.CandlePublisher
	if a.cfg.RedisURL != "" {
		redisPub, err := publish.NewRedis(ctx, a.cfg.RedisURL, a.log)
		if err != nil {
			// Live fan-out is optional; streaming continues without it.
			a.log.Error().Err(err).Msg("redis unavailable, live publish disabled")
		} else {
			defer redisPub.Close()
			publisher = redisPub
		}
	}

	stream := binance.NewStream(symbols, true, a.metrics, a.log)
	wsCollector := collector.NewWSCollector(stream.Events(), coalescer, publisher, a.metrics, a.log)
	watcher := collector.NewGapWatcher(repairer, symbols,
		a.cfg.Gaps.WatchInterval, a.cfg.Gaps.LookbackInitialDays, a.cfg.Gaps.LookbackCapDays,
		a.metrics, a.log)

	if a.cfg.OpsEnabled() {
		server := ops.NewServer(a.cfg.Ops.Listen, "crypto-ws", ops.StatusSource{
			Limiter:    a.limiter,
			Buffer:     coalescer,
			Watcher:    watcher,
			Unfillable: filler,
		}, a.metrics, a.log)
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		stream.Run(ctx)
	}()

	// Blocks until the stream's events channel closes after ctx cancel;
	// the deferred coalescer close inside performs the final flush.
	wsCollector.Run(ctx)
	wg.Wait()

	a.metrics.LogSummary(a.log, "crypto-ws")
	a.log.Info().Msg("shutdown complete")
	return ctx.Err()
}

// restSnapshot seeds the last hour of 1m candles over REST before the
// stream starts. Opt-in via config; useful when the daemon was down and the
// first gap cycle is minutes away.
func (a *app) restSnapshot(ctx context.Context, symbols []string) {
	a.log.Info().Int("symbols", len(symbols)).Msg("rest snapshot pass")
	var rows []store.CandleRow
	for _, sym := range symbols {
		if ctx.Err() != nil {
			return
		}
		klines, err := a.rest.Klines(ctx, sym, market.Interval1m, 0, 60)
		if err != nil {
			a.log.Warn().Err(err).Str("symbol", sym).Msg("snapshot fetch failed")
			continue
		}
		cutoff := time.Now().UTC().Truncate(time.Minute)
		for _, k := range klines {
			// the newest bucket is still forming; the stream will close it
			if !k.OpenTime.Before(cutoff) {
				continue
			}
			rows = append(rows, k.CandleRow(sym, market.SourceREST))
		}
	}
	if len(rows) == 0 {
		return
	}
	if _, err := a.st.UpsertCandles(ctx, market.Interval1m, rows); err != nil {
		a.log.Error().Err(err).Msg("snapshot upsert failed")
	}
}
