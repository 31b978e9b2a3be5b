package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sawpanic/datacat/internal/market"
)

const candleTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
	exchange                TEXT NOT NULL,
	symbol                  TEXT NOT NULL,
	bucket_ts               TIMESTAMPTZ NOT NULL,
	open                    DOUBLE PRECISION NOT NULL,
	high                    DOUBLE PRECISION NOT NULL,
	low                     DOUBLE PRECISION NOT NULL,
	close                   DOUBLE PRECISION NOT NULL,
	volume                  DOUBLE PRECISION NOT NULL DEFAULT 0,
	quote_volume            DOUBLE PRECISION NOT NULL DEFAULT 0,
	trade_count             BIGINT NOT NULL DEFAULT 0,
	taker_buy_volume        DOUBLE PRECISION NOT NULL DEFAULT 0,
	taker_buy_quote_volume  DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_closed               BOOLEAN NOT NULL DEFAULT TRUE,
	source                  TEXT NOT NULL DEFAULT '',
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (exchange, symbol, bucket_ts)
)`

const metricsTableDDL = `
CREATE TABLE IF NOT EXISTS metrics_5m (
	symbol                            TEXT NOT NULL,
	create_time                       TIMESTAMPTZ NOT NULL,
	sum_open_interest                 DOUBLE PRECISION NOT NULL,
	sum_open_interest_value           DOUBLE PRECISION NOT NULL,
	count_toptrader_long_short_ratio  DOUBLE PRECISION,
	sum_toptrader_long_short_ratio    DOUBLE PRECISION,
	count_long_short_ratio            DOUBLE PRECISION,
	sum_taker_long_short_vol_ratio    DOUBLE PRECISION,
	is_closed                         BOOLEAN NOT NULL DEFAULT TRUE,
	source                            TEXT NOT NULL DEFAULT '',
	updated_at                        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (symbol, create_time)
)`

// EnsureSchema creates every candle table and the metrics table if absent.
// Idempotent; safe to run on every backfill invocation.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	for _, iv := range SchemaIntervals() {
		table, err := CandleTable(iv)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(candleTableDDL, table)); err != nil {
			return fmt.Errorf("failed to create %s: %w", table, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, metricsTableDDL); err != nil {
		return fmt.Errorf("failed to create metrics_5m: %w", err)
	}
	s.log.Info().Msg("schema ensured")
	return nil
}

// SchemaIntervals lists every interval that gets a candle table, narrowest
// first.
func SchemaIntervals() []market.Interval {
	ivs := []market.Interval{
		market.Interval1m, market.Interval3m, market.Interval5m, market.Interval15m,
		market.Interval30m, market.Interval1h, market.Interval2h, market.Interval4h,
		market.Interval6h, market.Interval8h, market.Interval12h, market.Interval1d,
		market.Interval3d, market.Interval1w, market.Interval1M,
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].Seconds() < ivs[j].Seconds() })
	return ivs
}
