// Package store persists candle and derivative-metric rows and answers the
// per-day coverage queries the gap scanner runs on. Two backends implement
// the same contract: TimescaleDB/Postgres for production and an append-only
// JSONL sink for development hosts without a database.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sawpanic/datacat/internal/market"
)

// DefaultExchange is filled in when a row arrives without one; the engine
// only collects Binance USDT-margined futures today.
const DefaultExchange = "binance"

// CandleRow is one closed kline bucket. BucketTS is the bucket open in UTC.
type CandleRow struct {
	Exchange            string
	Symbol              string
	BucketTS            time.Time
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	QuoteVolume         float64
	TradeCount          int64
	TakerBuyVolume      float64
	TakerBuyQuoteVolume float64
	IsClosed            bool
	Source              string
}

// MetricsRow is one 5-minute derivative metrics sample. CreateTime is
// floored to the 5-minute grid. A row exists only when open interest was
// returned; the ratio fields stay nil when their endpoint had no data.
type MetricsRow struct {
	Symbol               string
	CreateTime           time.Time
	SumOpenInterest      float64
	SumOpenInterestValue float64

	CountTopTraderLongShortRatio *float64
	SumTopTraderLongShortRatio   *float64
	CountLongShortRatio          *float64
	SumTakerLongShortVolRatio    *float64

	IsClosed bool
	Source   string
}

// CoverageKey addresses one (symbol, UTC day) cell of a coverage result.
type CoverageKey struct {
	Symbol string
	Day    string // YYYY-MM-DD
}

// Coverage maps (symbol, day) to the number of stored rows. Pairs with no
// rows are simply absent.
type Coverage map[CoverageKey]int

// Store is what the collectors and the backfiller write through.
type Store interface {
	UpsertCandles(ctx context.Context, interval market.Interval, rows []CandleRow) (int64, error)
	UpsertMetrics(ctx context.Context, rows []MetricsRow) (int64, error)
	CandleCoverage(ctx context.Context, interval market.Interval, symbols []string, from, to time.Time) (Coverage, error)
	MetricsCoverage(ctx context.Context, symbols []string, from, to time.Time) (Coverage, error)
	Close() error
}

// MetricsTable is the single 5-minute metrics table.
const MetricsTable = "metrics_5m"

// CandleTable maps an interval to its table name. Intervals are validated
// against the known set before being interpolated into SQL.
func CandleTable(iv market.Interval) (string, error) {
	if !market.Known(iv) {
		return "", fmt.Errorf("unknown interval %q", iv)
	}
	if iv == market.Interval1M {
		// avoid a case-only clash with candles_1m
		return "candles_1mo", nil
	}
	return "candles_" + string(iv), nil
}

// DayKey formats t as a coverage day key.
func DayKey(t time.Time) string {
	return market.DayStart(t).Format("2006-01-02")
}

// dedupeCandles drops in-batch duplicates on (exchange, symbol, bucket)
// keeping the last occurrence, so the merge never updates one target row
// twice. Rows without an exchange get DefaultExchange here.
func dedupeCandles(rows []CandleRow) []CandleRow {
	for i := range rows {
		if rows[i].Exchange == "" {
			rows[i].Exchange = DefaultExchange
		}
	}
	if len(rows) < 2 {
		return rows
	}
	type key struct {
		exch string
		sym  string
		ts   int64
	}
	idx := make(map[key]int, len(rows))
	out := rows[:0:0]
	for _, r := range rows {
		k := key{r.Exchange, r.Symbol, r.BucketTS.UnixMilli()}
		if i, seen := idx[k]; seen {
			out[i] = r
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}

// dedupeMetrics is dedupeCandles for metric samples.
func dedupeMetrics(rows []MetricsRow) []MetricsRow {
	if len(rows) < 2 {
		return rows
	}
	type key struct {
		sym string
		ts  int64
	}
	idx := make(map[key]int, len(rows))
	out := rows[:0:0]
	for _, r := range rows {
		k := key{r.Symbol, r.CreateTime.UnixMilli()}
		if i, seen := idx[k]; seen {
			out[i] = r
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}
