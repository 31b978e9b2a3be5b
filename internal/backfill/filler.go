package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/datacat/internal/binance"
	"github.com/sawpanic/datacat/internal/market"
	"github.com/sawpanic/datacat/internal/store"
	"github.com/sawpanic/datacat/internal/telemetry"
)

// RESTSource is the slice of the REST client the filler needs.
type RESTSource interface {
	Klines(ctx context.Context, symbol string, interval market.Interval, startMS int64, limit int) ([]binance.Kline, error)
	OpenInterestHist(ctx context.Context, symbol string, limit int) ([]binance.OpenInterestStat, error)
	TopPositionRatio(ctx context.Context, symbol string, limit int) ([]binance.LongShortRatio, error)
	TopAccountRatio(ctx context.Context, symbol string, limit int) ([]binance.LongShortRatio, error)
	GlobalAccountRatio(ctx context.Context, symbol string, limit int) ([]binance.LongShortRatio, error)
	TakerVolume(ctx context.Context, symbol string, limit int) ([]binance.TakerVolumeRatio, error)
}

type unfillKey struct {
	kind   string
	symbol string
	day    string
}

// Filler repairs detected gaps tier by tier: monthly archive, daily archive,
// REST pagination. Days that survive all three tiers join the unfillable set
// and are skipped until the process restarts.
type Filler struct {
	st      store.Store
	rest    RESTSource
	dl      *Downloader
	scanner *Scanner

	workers   int
	pageCap   int
	restLimit int

	metrics *telemetry.Metrics
	log     zerolog.Logger
	now     func() time.Time

	mu         sync.Mutex
	unfillable map[unfillKey]struct{}
}

// NewFiller wires the three tiers together. workers bounds the per-symbol
// fan-out; pageCap is the REST pagination safety valve (100 in production).
func NewFiller(st store.Store, rest RESTSource, dl *Downloader, scanner *Scanner, workers, pageCap int, metrics *telemetry.Metrics, logger zerolog.Logger) *Filler {
	if workers <= 0 {
		workers = 4
	}
	if pageCap <= 0 {
		pageCap = 100
	}
	return &Filler{
		st:         st,
		rest:       rest,
		dl:         dl,
		scanner:    scanner,
		workers:    workers,
		pageCap:    pageCap,
		restLimit:  500,
		metrics:    metrics,
		log:        logger.With().Str("component", "backfill").Logger(),
		now:        time.Now,
		unfillable: make(map[unfillKey]struct{}),
	}
}

// UnfillableCount reports the size of the skip set, for the status endpoint.
func (f *Filler) UnfillableCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unfillable)
}

func (f *Filler) isUnfillable(kind, symbol string, day time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.unfillable[unfillKey{kind, symbol, store.DayKey(day)}]
	return ok
}

func (f *Filler) markUnfillable(kind, symbol string, day time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unfillable[unfillKey{kind, symbol, store.DayKey(day)}] = struct{}{}
}

// pruneUnfillable drops gaps already known to be unrepairable.
func (f *Filler) pruneUnfillable(kind string, gaps map[string][]Gap) map[string][]Gap {
	out := make(map[string][]Gap, len(gaps))
	for sym, list := range gaps {
		kept := list[:0:0]
		for _, g := range list {
			if !f.isUnfillable(kind, sym, g.Date) {
				kept = append(kept, g)
			}
		}
		if len(kept) > 0 {
			out[sym] = kept
		}
	}
	return out
}

// RepairCandles runs one scan → fill → re-scan cycle for one interval over
// [from, to). The returned count is the gaps found by the initial scan,
// which the gap watcher uses to adapt its lookback.
func (f *Filler) RepairCandles(ctx context.Context, interval market.Interval, symbols []string, from, to time.Time) (int, error) {
	kind := "candles_" + string(interval)

	gaps, err := f.scanner.ScanCandles(ctx, interval, symbols, from, to)
	if err != nil {
		return 0, err
	}
	gaps = f.pruneUnfillable(kind, gaps)
	found := TotalGaps(gaps)
	if found == 0 {
		return 0, nil
	}

	f.dl.EvictCache()
	f.fanOut(ctx, gaps, func(ctx context.Context, symbol string, list []Gap) {
		f.fillSymbolCandles(ctx, interval, symbol, list)
	})

	// Re-scan: whatever is still short after archive and REST is unfillable
	// for the rest of this process's life.
	after, err := f.scanner.ScanCandles(ctx, interval, symbols, from, to)
	if err != nil {
		return found, fmt.Errorf("post-fill rescan failed: %w", err)
	}
	for sym, list := range f.pruneUnfillable(kind, after) {
		for _, g := range list {
			if containsDate(gaps[sym], g.Date) {
				f.log.Warn().Str("kind", kind).Str("symbol", sym).Str("day", store.DayKey(g.Date)).Msg("gap unfillable, skipping until restart")
				f.markUnfillable(kind, sym, g.Date)
			}
		}
	}
	return found, nil
}

// RepairMetrics is RepairCandles for the 5-minute metrics table.
func (f *Filler) RepairMetrics(ctx context.Context, symbols []string, from, to time.Time) (int, error) {
	const kind = "metrics"

	gaps, err := f.scanner.ScanMetrics(ctx, symbols, from, to)
	if err != nil {
		return 0, err
	}
	gaps = f.pruneUnfillable(kind, gaps)
	found := TotalGaps(gaps)
	if found == 0 {
		return 0, nil
	}

	f.dl.EvictCache()
	f.fanOut(ctx, gaps, f.fillSymbolMetrics)

	after, err := f.scanner.ScanMetrics(ctx, symbols, from, to)
	if err != nil {
		return found, fmt.Errorf("post-fill rescan failed: %w", err)
	}
	for sym, list := range f.pruneUnfillable(kind, after) {
		for _, g := range list {
			if containsDate(gaps[sym], g.Date) {
				f.log.Warn().Str("kind", kind).Str("symbol", sym).Str("day", store.DayKey(g.Date)).Msg("gap unfillable, skipping until restart")
				f.markUnfillable(kind, sym, g.Date)
			}
		}
	}
	return found, nil
}

// fanOut runs the per-symbol fill in a bounded worker pool.
func (f *Filler) fanOut(ctx context.Context, gaps map[string][]Gap, fill func(context.Context, string, []Gap)) {
	symbols := make([]string, 0, len(gaps))
	for sym := range gaps {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	sem := make(chan struct{}, f.workers)
	var wg sync.WaitGroup
	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		sym := sym
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			fill(ctx, sym, gaps[sym])
		}()
	}
	wg.Wait()
}

// fillSymbolCandles repairs one symbol's gaps, grouped by calendar month so
// a past month costs one monthly download regardless of how many of its days
// are gapped.
func (f *Filler) fillSymbolCandles(ctx context.Context, interval market.Interval, symbol string, gaps []Gap) {
	kind := "candles_" + string(interval)
	byMonth := make(map[string][]Gap)
	for _, g := range gaps {
		key := g.Date.Format("2006-01")
		byMonth[key] = append(byMonth[key], g)
	}

	currentMonth := f.now().UTC().Format("2006-01")
	for monthKey, monthGaps := range byMonth {
		if ctx.Err() != nil {
			return
		}

		var remaining []Gap
		if monthKey == currentMonth {
			// Monthly archives lag; the running month only has daily files.
			remaining = f.fillFromDailyKlines(ctx, interval, symbol, monthGaps, kind)
		} else {
			remaining = f.fillFromMonthlyKlines(ctx, interval, symbol, monthGaps, kind)
		}

		for _, g := range remaining {
			if ctx.Err() != nil {
				return
			}
			if err := f.restFillCandleDay(ctx, interval, symbol, g.Date); err != nil {
				f.log.Warn().Err(err).Str("symbol", symbol).Str("day", store.DayKey(g.Date)).Msg("rest fill failed")
				continue
			}
			if f.metrics != nil {
				f.metrics.GapsFilled.WithLabelValues(kind, "rest").Inc()
			}
		}
	}
}

// fillFromMonthlyKlines tries the single monthly archive; a 404 falls back
// to the month's daily archives. Returns the gaps no archive covered.
func (f *Filler) fillFromMonthlyKlines(ctx context.Context, interval market.Interval, symbol string, monthGaps []Gap, kind string) []Gap {
	month := market.DayStart(monthGaps[0].Date)
	rows, err := f.dl.MonthlyKlines(ctx, symbol, interval, month)
	switch {
	case err == nil:
		wanted := gapDates(monthGaps)
		filtered := rows[:0:0]
		for _, r := range rows {
			if _, ok := wanted[store.DayKey(r.BucketTS)]; ok {
				filtered = append(filtered, r)
			}
		}
		if f.upsertCandles(ctx, interval, filtered) {
			if f.metrics != nil {
				f.metrics.GapsFilled.WithLabelValues(kind, "monthly").Add(float64(len(monthGaps)))
			}
			return nil
		}
		return monthGaps
	case errors.Is(err, ErrArchiveMissing):
		return f.fillFromDailyKlines(ctx, interval, symbol, monthGaps, kind)
	default:
		f.log.Warn().Err(err).Str("symbol", symbol).Str("month", month.Format("2006-01")).Msg("monthly archive failed")
		return monthGaps
	}
}

// fillFromDailyKlines tries one daily archive per gap date. Returns the
// dates that still need the REST tier.
func (f *Filler) fillFromDailyKlines(ctx context.Context, interval market.Interval, symbol string, monthGaps []Gap, kind string) []Gap {
	var remaining []Gap
	for _, g := range monthGaps {
		if ctx.Err() != nil {
			return remaining
		}
		rows, err := f.dl.DailyKlines(ctx, symbol, interval, g.Date)
		if err != nil {
			if !errors.Is(err, ErrArchiveMissing) {
				f.log.Warn().Err(err).Str("symbol", symbol).Str("day", store.DayKey(g.Date)).Msg("daily archive failed")
			}
			remaining = append(remaining, g)
			continue
		}
		if !f.upsertCandles(ctx, interval, rows) {
			remaining = append(remaining, g)
			continue
		}
		if f.metrics != nil {
			f.metrics.GapsFilled.WithLabelValues(kind, "daily").Inc()
		}
	}
	return remaining
}

// restFillCandleDay paginates the public klines endpoint across one UTC day.
func (f *Filler) restFillCandleDay(ctx context.Context, interval market.Interval, symbol string, day time.Time) error {
	dayStart := market.DayStart(day)
	dayEnd := dayStart.AddDate(0, 0, 1)
	startMS := dayStart.UnixMilli()
	stepMS := int64(f.restLimit) * interval.Millis()

	var rows []store.CandleRow
	for page := 0; page < f.pageCap; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		klines, err := f.rest.Klines(ctx, symbol, interval, startMS, f.restLimit)
		if err != nil {
			return err
		}
		if len(klines) == 0 {
			break
		}
		crossed := false
		for _, k := range klines {
			if !k.OpenTime.Before(dayEnd) {
				crossed = true
				break
			}
			if k.OpenTime.Before(dayStart) {
				continue
			}
			row := k.CandleRow(symbol, market.SourceCCXTGap)
			row.BucketTS = market.FloorTo(row.BucketTS, interval)
			rows = append(rows, row)
		}
		if crossed {
			break
		}
		startMS += stepMS
		if startMS >= dayEnd.UnixMilli() {
			break
		}
	}

	if len(rows) == 0 {
		return nil
	}
	if !f.upsertCandles(ctx, interval, rows) {
		return fmt.Errorf("failed to persist rest fill for %s %s", symbol, store.DayKey(day))
	}
	return nil
}

// fillSymbolMetrics repairs one symbol's metrics gaps: daily archives only
// (the metrics subtree has no monthly files), then one recent-window REST
// pull shared by the remaining days.
func (f *Filler) fillSymbolMetrics(ctx context.Context, symbol string, gaps []Gap) {
	const kind = "metrics"
	var restDates []Gap
	for _, g := range gaps {
		if ctx.Err() != nil {
			return
		}
		rows, err := f.dl.DailyMetrics(ctx, symbol, g.Date)
		if err != nil {
			if !errors.Is(err, ErrArchiveMissing) {
				f.log.Warn().Err(err).Str("symbol", symbol).Str("day", store.DayKey(g.Date)).Msg("metrics archive failed")
			}
			restDates = append(restDates, g)
			continue
		}
		if !f.upsertMetrics(ctx, rows) {
			restDates = append(restDates, g)
			continue
		}
		if f.metrics != nil {
			f.metrics.GapsFilled.WithLabelValues(kind, "daily").Inc()
		}
	}

	if len(restDates) == 0 || ctx.Err() != nil {
		return
	}
	rows, err := f.restFillMetrics(ctx, symbol, gapDates(restDates))
	if err != nil {
		f.log.Warn().Err(err).Str("symbol", symbol).Msg("metrics rest fill failed")
		return
	}
	if len(rows) > 0 && f.upsertMetrics(ctx, rows) {
		if f.metrics != nil {
			f.metrics.GapsFilled.WithLabelValues(kind, "rest").Add(float64(len(restDates)))
		}
	}
}

// restFillMetrics pulls the five endpoints once with the day-backfill page
// size and joins the series on the floored 5-minute timestamp. The exchange
// only serves these series for the trailing weeks, so older gaps simply get
// nothing back.
func (f *Filler) restFillMetrics(ctx context.Context, symbol string, wanted map[string]struct{}) ([]store.MetricsRow, error) {
	oi, err := f.rest.OpenInterestHist(ctx, symbol, f.restLimit)
	if err != nil {
		return nil, err
	}
	if len(oi) == 0 {
		return nil, nil
	}

	samples := make(map[int64]*store.MetricsRow, len(oi))
	for _, p := range oi {
		sumOI, err1 := binance.ParseDecimal(p.SumOpenInterest)
		sumVal, err2 := binance.ParseDecimal(p.SumOpenInterestValue)
		if err1 != nil || err2 != nil {
			continue
		}
		ts := market.Floor5m(p.Timestamp)
		samples[ts] = &store.MetricsRow{
			Symbol:               symbol,
			CreateTime:           time.UnixMilli(ts).UTC(),
			SumOpenInterest:      sumOI,
			SumOpenInterestValue: sumVal,
			IsClosed:             true,
			Source:               market.SourceREST,
		}
	}

	// Ratio series attach onto existing open-interest points only; a row
	// exists iff open interest was reported for that bucket.
	attach := func(ts int64, set func(r *store.MetricsRow)) {
		if r, ok := samples[market.Floor5m(ts)]; ok {
			set(r)
		}
	}
	if pts, err := f.rest.TopPositionRatio(ctx, symbol, f.restLimit); err == nil {
		for _, p := range pts {
			if v, perr := binance.ParseDecimal(p.LongShortRatio); perr == nil {
				v := v
				attach(p.Timestamp, func(r *store.MetricsRow) { r.SumTopTraderLongShortRatio = &v })
			}
		}
	}
	if pts, err := f.rest.TopAccountRatio(ctx, symbol, f.restLimit); err == nil {
		for _, p := range pts {
			if v, perr := binance.ParseDecimal(p.LongShortRatio); perr == nil {
				v := v
				attach(p.Timestamp, func(r *store.MetricsRow) { r.CountTopTraderLongShortRatio = &v })
			}
		}
	}
	if pts, err := f.rest.GlobalAccountRatio(ctx, symbol, f.restLimit); err == nil {
		for _, p := range pts {
			if v, perr := binance.ParseDecimal(p.LongShortRatio); perr == nil {
				v := v
				attach(p.Timestamp, func(r *store.MetricsRow) { r.CountLongShortRatio = &v })
			}
		}
	}
	if pts, err := f.rest.TakerVolume(ctx, symbol, f.restLimit); err == nil {
		for _, p := range pts {
			if v, perr := binance.ParseDecimal(p.BuySellRatio); perr == nil {
				v := v
				attach(p.Timestamp, func(r *store.MetricsRow) { r.SumTakerLongShortVolRatio = &v })
			}
		}
	}

	rows := make([]store.MetricsRow, 0, len(samples))
	for _, r := range samples {
		if _, ok := wanted[store.DayKey(r.CreateTime)]; ok {
			rows = append(rows, *r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreateTime.Before(rows[j].CreateTime) })
	return rows, nil
}

func (f *Filler) upsertCandles(ctx context.Context, interval market.Interval, rows []store.CandleRow) bool {
	if len(rows) == 0 {
		return false
	}
	affected, err := f.st.UpsertCandles(ctx, interval, rows)
	if err != nil {
		f.log.Error().Err(err).Int("rows", len(rows)).Msg("backfill upsert failed")
		return false
	}
	if f.metrics != nil {
		if table, terr := store.CandleTable(interval); terr == nil {
			f.metrics.RowsWritten.WithLabelValues(table).Add(float64(affected))
		}
	}
	return true
}

func (f *Filler) upsertMetrics(ctx context.Context, rows []store.MetricsRow) bool {
	if len(rows) == 0 {
		return false
	}
	affected, err := f.st.UpsertMetrics(ctx, rows)
	if err != nil {
		f.log.Error().Err(err).Int("rows", len(rows)).Msg("backfill upsert failed")
		return false
	}
	if f.metrics != nil {
		f.metrics.RowsWritten.WithLabelValues(store.MetricsTable).Add(float64(affected))
	}
	return true
}

func gapDates(gaps []Gap) map[string]struct{} {
	out := make(map[string]struct{}, len(gaps))
	for _, g := range gaps {
		out[store.DayKey(g.Date)] = struct{}{}
	}
	return out
}

func containsDate(gaps []Gap, day time.Time) bool {
	for _, g := range gaps {
		if market.SameUTCDay(g.Date, day) {
			return true
		}
	}
	return false
}
