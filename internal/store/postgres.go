package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/sawpanic/datacat/internal/market"
)

const (
	defaultBatchSize = 2000
	defaultTimeout   = 30 * time.Second

	poolMaxOpen  = 10
	poolMaxIdle  = 2
	poolIdleTime = 300 * time.Second
	poolLifetime = 3600 * time.Second
)

var candleColumns = []string{
	"exchange", "symbol", "bucket_ts", "open", "high", "low", "close", "volume",
	"quote_volume", "trade_count", "taker_buy_volume", "taker_buy_quote_volume",
	"is_closed", "source",
}

var metricsColumns = []string{
	"symbol", "create_time", "sum_open_interest", "sum_open_interest_value",
	"count_toptrader_long_short_ratio", "sum_toptrader_long_short_ratio",
	"count_long_short_ratio", "sum_taker_long_short_vol_ratio",
	"is_closed", "source",
}

// PostgresStore writes through a staging table and a single merge statement
// per call, so retried batches converge instead of conflicting.
type PostgresStore struct {
	db        *sqlx.DB
	batchSize int
	timeout   time.Duration
	log       zerolog.Logger
}

// NewPostgres connects, configures the pool, and verifies the server is
// reachable before any collector starts.
func NewPostgres(ctx context.Context, dsn string, logger zerolog.Logger) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(poolMaxOpen)
	db.SetMaxIdleConns(poolMaxIdle)
	db.SetConnMaxIdleTime(poolIdleTime)
	db.SetConnMaxLifetime(poolLifetime)

	return NewPostgresFromDB(db, logger), nil
}

// NewPostgresFromDB wraps an existing pool. Used by tests and schema tools.
func NewPostgresFromDB(db *sqlx.DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		db:        db,
		batchSize: defaultBatchSize,
		timeout:   defaultTimeout,
		log:       logger.With().Str("component", "store").Logger(),
	}
}

// UpsertCandles stages the batch with COPY and merges it into the interval's
// table. Returns the affected-row count, falling back to the input length
// when the driver reports none.
func (s *PostgresStore) UpsertCandles(ctx context.Context, interval market.Interval, rows []CandleRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	table, err := CandleTable(interval)
	if err != nil {
		return 0, err
	}
	rows = dedupeCandles(rows)
	for _, r := range rows {
		if r.Symbol == "" || r.BucketTS.IsZero() {
			return 0, fmt.Errorf("candle row missing natural key: symbol=%q ts=%v", r.Symbol, r.BucketTS)
		}
	}

	staging := "staging_" + table
	cols := strings.Join(candleColumns, ", ")
	merge := fmt.Sprintf(`
		INSERT INTO %s (%s)
		SELECT %s FROM %s
		ON CONFLICT (exchange, symbol, bucket_ts) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			quote_volume = EXCLUDED.quote_volume,
			trade_count = EXCLUDED.trade_count,
			taker_buy_volume = EXCLUDED.taker_buy_volume,
			taker_buy_quote_volume = EXCLUDED.taker_buy_quote_volume,
			is_closed = EXCLUDED.is_closed,
			source = EXCLUDED.source,
			updated_at = now()`, table, cols, cols, staging)

	value := func(i int) []interface{} {
		r := rows[i]
		return []interface{}{
			r.Exchange, r.Symbol, r.BucketTS.UTC(), r.Open, r.High, r.Low, r.Close, r.Volume,
			r.QuoteVolume, r.TradeCount, r.TakerBuyVolume, r.TakerBuyQuoteVolume,
			r.IsClosed, r.Source,
		}
	}

	affected, err := s.upsert(ctx, table, staging, candleColumns, len(rows), merge, value)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert candles into %s: %w", table, err)
	}
	return affected, nil
}

// UpsertMetrics is UpsertCandles for the 5-minute metrics table.
func (s *PostgresStore) UpsertMetrics(ctx context.Context, rows []MetricsRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	rows = dedupeMetrics(rows)
	for _, r := range rows {
		if r.Symbol == "" || r.CreateTime.IsZero() {
			return 0, fmt.Errorf("metrics row missing natural key: symbol=%q ts=%v", r.Symbol, r.CreateTime)
		}
	}

	staging := "staging_" + MetricsTable
	cols := strings.Join(metricsColumns, ", ")
	merge := fmt.Sprintf(`
		INSERT INTO %s (%s)
		SELECT %s FROM %s
		ON CONFLICT (symbol, create_time) DO UPDATE SET
			sum_open_interest = EXCLUDED.sum_open_interest,
			sum_open_interest_value = EXCLUDED.sum_open_interest_value,
			count_toptrader_long_short_ratio = EXCLUDED.count_toptrader_long_short_ratio,
			sum_toptrader_long_short_ratio = EXCLUDED.sum_toptrader_long_short_ratio,
			count_long_short_ratio = EXCLUDED.count_long_short_ratio,
			sum_taker_long_short_vol_ratio = EXCLUDED.sum_taker_long_short_vol_ratio,
			is_closed = EXCLUDED.is_closed,
			source = EXCLUDED.source,
			updated_at = now()`, MetricsTable, cols, cols, staging)

	value := func(i int) []interface{} {
		r := rows[i]
		return []interface{}{
			r.Symbol, r.CreateTime.UTC(), r.SumOpenInterest, r.SumOpenInterestValue,
			r.CountTopTraderLongShortRatio, r.SumTopTraderLongShortRatio,
			r.CountLongShortRatio, r.SumTakerLongShortVolRatio,
			r.IsClosed, r.Source,
		}
	}

	affected, err := s.upsert(ctx, MetricsTable, staging, metricsColumns, len(rows), merge, value)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert metrics: %w", err)
	}
	return affected, nil
}

// upsert runs the staging protocol: one transaction, a session-local temp
// table, COPY in batchSize chunks, then a single merge.
func (s *PostgresStore) upsert(ctx context.Context, table, staging string, columns []string, n int, mergeSQL string, value func(i int) []interface{}) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(n/s.batchSize+1))
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	createSQL := fmt.Sprintf(`CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP`, staging, table)
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return 0, fmt.Errorf("failed to create staging table: %w", err)
	}

	for start := 0; start < n; start += s.batchSize {
		end := start + s.batchSize
		if end > n {
			end = n
		}
		if err := copyChunk(ctx, tx, staging, columns, start, end, value); err != nil {
			return 0, err
		}
	}

	res, err := tx.ExecContext(ctx, mergeSQL)
	if err != nil {
		return 0, fmt.Errorf("failed to merge staging rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit upsert: %w", err)
	}

	affected, raErr := res.RowsAffected()
	if raErr != nil || affected <= 0 {
		affected = int64(n)
	}
	s.log.Debug().Str("table", table).Int("rows", n).Int64("affected", affected).Msg("batch upserted")
	return affected, nil
}

func copyChunk(ctx context.Context, tx *sqlx.Tx, staging string, columns []string, start, end int, value func(i int) []interface{}) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(staging, columns...))
	if err != nil {
		return fmt.Errorf("failed to prepare bulk copy: %w", err)
	}
	for i := start; i < end; i++ {
		if _, err := stmt.ExecContext(ctx, value(i)...); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to stage row %d: %w", i, err)
		}
	}
	// a final exec with no arguments flushes the COPY stream
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to flush bulk copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close bulk copy: %w", err)
	}
	return nil
}

// CandleCoverage counts stored rows per (symbol, UTC day) in [from, to).
func (s *PostgresStore) CandleCoverage(ctx context.Context, interval market.Interval, symbols []string, from, to time.Time) (Coverage, error) {
	table, err := CandleTable(interval)
	if err != nil {
		return nil, err
	}
	return s.coverage(ctx, table, "bucket_ts", symbols, from, to)
}

// MetricsCoverage counts stored metric samples per (symbol, UTC day).
func (s *PostgresStore) MetricsCoverage(ctx context.Context, symbols []string, from, to time.Time) (Coverage, error) {
	return s.coverage(ctx, MetricsTable, "create_time", symbols, from, to)
}

func (s *PostgresStore) coverage(ctx context.Context, table, tsColumn string, symbols []string, from, to time.Time) (Coverage, error) {
	cov := make(Coverage)
	if len(symbols) == 0 {
		return cov, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT symbol, to_char(%s AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*) AS n
		FROM %s
		WHERE symbol = ANY($1) AND %s >= $2 AND %s < $3
		GROUP BY 1, 2`, tsColumn, table, tsColumn, tsColumn)

	rows, err := s.db.QueryxContext(ctx, query, pq.Array(symbols), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query %s coverage: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var symbol, day string
		var n int
		if err := rows.Scan(&symbol, &day, &n); err != nil {
			return nil, fmt.Errorf("failed to scan coverage row: %w", err)
		}
		cov[CoverageKey{Symbol: symbol, Day: day}] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read coverage rows: %w", err)
	}
	return cov, nil
}

// Ping verifies the pool for the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
