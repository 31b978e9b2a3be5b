package collector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/datacat/internal/binance"
	"github.com/sawpanic/datacat/internal/market"
	"github.com/sawpanic/datacat/internal/store"
	"github.com/sawpanic/datacat/internal/telemetry"
)

// MetricsSource is the slice of the REST client the metrics tick needs.
type MetricsSource interface {
	OpenInterestHist(ctx context.Context, symbol string, limit int) ([]binance.OpenInterestStat, error)
	TopPositionRatio(ctx context.Context, symbol string, limit int) ([]binance.LongShortRatio, error)
	TopAccountRatio(ctx context.Context, symbol string, limit int) ([]binance.LongShortRatio, error)
	GlobalAccountRatio(ctx context.Context, symbol string, limit int) ([]binance.LongShortRatio, error)
	TakerVolume(ctx context.Context, symbol string, limit int) ([]binance.TakerVolumeRatio, error)
}

// MetricsCollector samples the five derivatives endpoints for every symbol
// once per tick and writes one batch. A symbol's five calls run serially so
// the per-minute budget stays predictable; throughput comes from the
// cross-symbol worker pool.
type MetricsCollector struct {
	src     MetricsSource
	st      store.Store
	workers int
	metrics *telemetry.Metrics
	log     zerolog.Logger

	now func() time.Time
}

// NewMetricsCollector builds a collector. metrics may be nil.
func NewMetricsCollector(src MetricsSource, st store.Store, workers int, metrics *telemetry.Metrics, logger zerolog.Logger) *MetricsCollector {
	if workers <= 0 {
		workers = 8
	}
	return &MetricsCollector{
		src:     src,
		st:      st,
		workers: workers,
		metrics: metrics,
		log:     logger.With().Str("component", "metrics_collector").Logger(),
		now:     time.Now,
	}
}

// CollectOnce runs one tick over the symbol set and upserts the collected
// rows in a single batch. Per-symbol failures drop that symbol's sample and
// never abort the tick.
func (m *MetricsCollector) CollectOnce(ctx context.Context, symbols []string) (int, error) {
	start := m.now()

	var (
		mu   sync.Mutex
		rows []store.MetricsRow
	)
	sem := make(chan struct{}, m.workers)
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

			row, ok := m.sampleSymbol(ctx, sym)
			if !ok {
				return
			}
			mu.Lock()
			rows = append(rows, row)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })

	written := 0
	if len(rows) > 0 {
		affected, err := m.st.UpsertMetrics(ctx, rows)
		if err != nil {
			return 0, err
		}
		written = int(affected)
		if m.metrics != nil {
			m.metrics.RowsWritten.WithLabelValues(store.MetricsTable).Add(float64(affected))
		}
	}

	elapsed := m.now().Sub(start)
	if m.metrics != nil {
		m.metrics.LastCollectDuration.Set(elapsed.Seconds())
	}
	m.log.Info().
		Int("symbols", len(symbols)).
		Int("rows", len(rows)).
		Int("written", written).
		Dur("took", elapsed).
		Msg("metrics tick complete")
	return written, nil
}

// sampleSymbol issues the five endpoint calls for one symbol. A row comes
// back only when open interest had at least one point; the ratio series are
// optional and leave their columns null when absent or banned.
func (m *MetricsCollector) sampleSymbol(ctx context.Context, symbol string) (store.MetricsRow, bool) {
	oi, err := m.src.OpenInterestHist(ctx, symbol, 1)
	if err != nil {
		m.dropSample(symbol, "open_interest", err)
		return store.MetricsRow{}, false
	}
	point, ok := binance.LatestByTimestamp(oi, func(p binance.OpenInterestStat) int64 { return p.Timestamp })
	if !ok {
		// No open interest means no row; this is a skip, not a failure.
		return store.MetricsRow{}, false
	}
	sumOI, err1 := binance.ParseDecimal(point.SumOpenInterest)
	sumVal, err2 := binance.ParseDecimal(point.SumOpenInterestValue)
	if err1 != nil || err2 != nil {
		m.dropSample(symbol, "open_interest_decode", err1)
		return store.MetricsRow{}, false
	}

	row := store.MetricsRow{
		Symbol:               symbol,
		CreateTime:           time.UnixMilli(market.Floor5m(point.Timestamp)).UTC(),
		SumOpenInterest:      sumOI,
		SumOpenInterestValue: sumVal,
		IsClosed:             true,
		Source:               market.SourceAPI,
	}

	if pts, err := m.src.TopPositionRatio(ctx, symbol, 1); err == nil {
		if p, ok := binance.LatestByTimestamp(pts, func(p binance.LongShortRatio) int64 { return p.Timestamp }); ok {
			if v, perr := binance.ParseDecimal(p.LongShortRatio); perr == nil {
				row.SumTopTraderLongShortRatio = &v
			}
		}
	} else {
		m.noteOptionalFailure(symbol, "top_position_ratio", err)
	}
	if pts, err := m.src.TopAccountRatio(ctx, symbol, 1); err == nil {
		if p, ok := binance.LatestByTimestamp(pts, func(p binance.LongShortRatio) int64 { return p.Timestamp }); ok {
			if v, perr := binance.ParseDecimal(p.LongShortRatio); perr == nil {
				row.CountTopTraderLongShortRatio = &v
			}
		}
	} else {
		m.noteOptionalFailure(symbol, "top_account_ratio", err)
	}
	if pts, err := m.src.GlobalAccountRatio(ctx, symbol, 1); err == nil {
		if p, ok := binance.LatestByTimestamp(pts, func(p binance.LongShortRatio) int64 { return p.Timestamp }); ok {
			if v, perr := binance.ParseDecimal(p.LongShortRatio); perr == nil {
				row.CountLongShortRatio = &v
			}
		}
	} else {
		m.noteOptionalFailure(symbol, "global_account_ratio", err)
	}
	if pts, err := m.src.TakerVolume(ctx, symbol, 1); err == nil {
		if p, ok := binance.LatestByTimestamp(pts, func(p binance.TakerVolumeRatio) int64 { return p.Timestamp }); ok {
			if v, perr := binance.ParseDecimal(p.BuySellRatio); perr == nil {
				row.SumTakerLongShortVolRatio = &v
			}
		}
	} else {
		m.noteOptionalFailure(symbol, "taker_volume", err)
	}

	return row, true
}

func (m *MetricsCollector) dropSample(symbol, endpoint string, err error) {
	if binance.IsBan(err) {
		m.log.Warn().Str("symbol", symbol).Str("endpoint", endpoint).Msg("banned, dropping sample")
		return
	}
	m.log.Warn().Err(err).Str("symbol", symbol).Str("endpoint", endpoint).Msg("sample dropped")
}

func (m *MetricsCollector) noteOptionalFailure(symbol, endpoint string, err error) {
	m.log.Debug().Err(err).Str("symbol", symbol).Str("endpoint", endpoint).Msg("optional series unavailable")
}
