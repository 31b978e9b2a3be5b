package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sawpanic/datacat/internal/backfill"
	"github.com/sawpanic/datacat/internal/binance"
	"github.com/sawpanic/datacat/internal/config"
	"github.com/sawpanic/datacat/internal/logging"
	"github.com/sawpanic/datacat/internal/market"
	"github.com/sawpanic/datacat/internal/ratelimit"
	"github.com/sawpanic/datacat/internal/store"
	"github.com/sawpanic/datacat/internal/telemetry"
	"github.com/sawpanic/datacat/internal/universe"
)

// app bundles the components every mode starts from: config, logger,
// telemetry, the shared rate limiter, and the REST client. The store is
// opened separately so config failures surface before a connection attempt.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *telemetry.Metrics
	limiter *ratelimit.Limiter
	rest    *binance.Client
	st      store.Store
}

// newApp resolves configuration and wires the shared plumbing. Any error
// here is a configuration failure and aborts the process.
func newApp(mode string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.Setup(cfg.Log, uuid.NewString())
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("mode", mode).Logger()

	metrics := telemetry.New()
	limiter, err := ratelimit.New(cfg.StateDir(), cfg.RateLimitPerMinute, cfg.MaxConcurrent, logger)
	if err != nil {
		return nil, err
	}
	limiter.WaitHook = func(d time.Duration) {
		metrics.RateLimitWait.Observe(d.Seconds())
	}

	rest, err := binance.NewClient(limiter, cfg.HTTPProxy, metrics, logger)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("version", version).
		Int("rate_per_minute", cfg.RateLimitPerMinute).
		Int("max_concurrent", cfg.MaxConcurrent).
		Bool("json_sink", cfg.JSONSink).
		Msg("starting")

	return &app{
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		limiter: limiter,
		rest:    rest,
	}, nil
}

// openStore connects the configured backend: Postgres when a DSN is set,
// the JSONL sink otherwise.
func (a *app) openStore(ctx context.Context) error {
	if a.cfg.JSONSink {
		st, err := store.NewJSONL(a.cfg.DataDir, a.log)
		if err != nil {
			return err
		}
		a.st = st
		return nil
	}
	st, err := store.NewPostgres(ctx, a.cfg.DatabaseURL, a.log)
	if err != nil {
		return err
	}
	a.st = st
	return nil
}

func (a *app) closeStore() {
	if a.st == nil {
		return
	}
	if err := a.st.Close(); err != nil {
		a.log.Error().Err(err).Msg("store close failed")
	}
}

// resolveSymbols honors a --symbols override, then the configured groups,
// then the live universe.
func (a *app) resolveSymbols(ctx context.Context, cmd *cobra.Command) ([]string, error) {
	if flag, _ := cmd.Flags().GetString("symbols"); flag != "" {
		symbols := market.NormalizeSymbols(strings.Split(flag, ","))
		if len(symbols) == 0 {
			return nil, fmt.Errorf("--symbols produced an empty list")
		}
		return symbols, nil
	}

	resolver := universe.New(
		a.cfg.ConfiguredSymbols(),
		a.cfg.Symbols.Exclude,
		a.cfg.Symbols.Extra,
		a.rest,
		a.limiter,
		a.log,
	)
	symbols, err := resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("resolved universe is empty")
	}
	return symbols, nil
}

// newFiller assembles the backfill stack.
func (a *app) newFiller() (*backfill.Filler, error) {
	dl, err := backfill.NewDownloader(a.cfg.DownloadsDir(), a.cfg.Fill.ArchiveCacheDays, a.limiter, a.metrics, a.log)
	if err != nil {
		return nil, err
	}
	scanner := backfill.NewScanner(a.st, a.cfg.Gaps.DensityThreshold, a.metrics, a.log)
	return backfill.NewFiller(a.st, a.rest, dl, scanner, a.cfg.Fill.Workers, a.cfg.Fill.RESTPageCap, a.metrics, a.log), nil
}

// backfillWindow resolves the scan window for the backfill and scan modes:
// an explicit --days wins, then BACKFILL_MODE=all with its start date, then
// the configured day count.
func (a *app) backfillWindow(cmd *cobra.Command) (time.Time, time.Time) {
	now := time.Now().UTC()
	if days, _ := cmd.Flags().GetInt("days"); days > 0 {
		return now.AddDate(0, 0, -days), now
	}
	if a.cfg.Backfill.Mode == "all" {
		return a.cfg.BackfillStart(), now
	}
	days := a.cfg.Backfill.Days
	if days <= 0 {
		days = 3
	}
	return now.AddDate(0, 0, -days), now
}

// backfillKinds reads the kind selection flags; no flag means both.
func backfillKinds(cmd *cobra.Command) (klines, metrics bool) {
	k, _ := cmd.Flags().GetBool("klines")
	m, _ := cmd.Flags().GetBool("metrics")
	all, _ := cmd.Flags().GetBool("all")
	if all || (!k && !m) {
		return true, true
	}
	return k, m
}

// modeRepairer adapts the filler to the gap watcher: one Repair pass covers
// the configured candle intervals plus metrics.
type modeRepairer struct {
	filler    *backfill.Filler
	intervals []market.Interval
	metrics   bool
}

func (r modeRepairer) Repair(ctx context.Context, symbols []string, from, to time.Time) (int, error) {
	total := 0
	for _, iv := range r.intervals {
		found, err := r.filler.RepairCandles(ctx, iv, symbols, from, to)
		total += found
		if err != nil {
			return total, err
		}
	}
	if r.metrics {
		found, err := r.filler.RepairMetrics(ctx, symbols, from, to)
		total += found
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
