package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/datacat/internal/market"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresFromDB(sqlx.NewDb(db, "postgres"), zerolog.Nop()), mock
}

func testCandles() []CandleRow {
	t0 := time.Date(2025, 2, 8, 7, 0, 0, 0, time.UTC)
	return []CandleRow{
		{Symbol: "BTCUSDT", BucketTS: t0, Open: 100, High: 110, Low: 95, Close: 105, Volume: 12.5,
			QuoteVolume: 1250, TradeCount: 42, TakerBuyVolume: 6, TakerBuyQuoteVolume: 600,
			IsClosed: true, Source: market.SourceWS},
		{Symbol: "BTCUSDT", BucketTS: t0.Add(time.Minute), Open: 105, High: 106, Low: 101, Close: 102, Volume: 8.25,
			QuoteVolume: 850, TradeCount: 17, TakerBuyVolume: 4, TakerBuyQuoteVolume: 410,
			IsClosed: true, Source: market.SourceWS},
	}
}

func TestUpsertCandlesStagesAndMerges(t *testing.T) {
	s, mock := newMockStore(t)
	rows := testCandles()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		`CREATE TEMP TABLE staging_candles_1m (LIKE candles_1m INCLUDING DEFAULTS) ON COMMIT DROP`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	prep := mock.ExpectPrepare(regexp.QuoteMeta(pq.CopyIn("staging_candles_1m", candleColumns...)))
	prep.ExpectExec().
		WithArgs(DefaultExchange, "BTCUSDT", rows[0].BucketTS, 100.0, 110.0, 95.0, 105.0, 12.5,
			1250.0, int64(42), 6.0, 600.0, true, market.SourceWS).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs(DefaultExchange, "BTCUSDT", rows[1].BucketTS, 105.0, 106.0, 101.0, 102.0, 8.25,
			850.0, int64(17), 4.0, 410.0, true, market.SourceWS).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 2)) // COPY flush

	mock.ExpectExec(`INSERT INTO candles_1m`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	affected, err := s.UpsertCandles(context.Background(), market.Interval1m, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCandlesChunksByBatchSize(t *testing.T) {
	s, mock := newMockStore(t)
	s.batchSize = 1
	rows := testCandles()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE staging_candles_1m`).WillReturnResult(sqlmock.NewResult(0, 0))

	// one COPY statement per chunk
	for i := 0; i < 2; i++ {
		prep := mock.ExpectPrepare(regexp.QuoteMeta(pq.CopyIn("staging_candles_1m", candleColumns...)))
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	}

	mock.ExpectExec(`INSERT INTO candles_1m`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	_, err := s.UpsertCandles(context.Background(), market.Interval1m, rows)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCandlesFallsBackToInputLength(t *testing.T) {
	s, mock := newMockStore(t)
	rows := testCandles()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE staging_candles_1m`).WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare(regexp.QuoteMeta(pq.CopyIn("staging_candles_1m", candleColumns...)))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO candles_1m`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	affected, err := s.UpsertCandles(context.Background(), market.Interval1m, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected, "driver reported nothing, fall back to input size")
}

func TestUpsertCandlesRollsBackOnMergeFailure(t *testing.T) {
	s, mock := newMockStore(t)
	rows := testCandles()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE staging_candles_1m`).WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare(regexp.QuoteMeta(pq.CopyIn("staging_candles_1m", candleColumns...)))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO candles_1m`).WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := s.UpsertCandles(context.Background(), market.Interval1m, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to merge")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCandlesValidatesNaturalKey(t *testing.T) {
	s, _ := newMockStore(t)

	_, err := s.UpsertCandles(context.Background(), market.Interval1m, []CandleRow{{Symbol: ""}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing natural key")
}

func TestUpsertCandlesRejectsUnknownInterval(t *testing.T) {
	s, _ := newMockStore(t)

	_, err := s.UpsertCandles(context.Background(), market.Interval("7m"), testCandles())
	assert.Error(t, err)
}

func TestUpsertMetricsNullableRatios(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Date(2025, 2, 8, 7, 5, 0, 0, time.UTC)
	ratio := 1.23
	rows := []MetricsRow{{
		Symbol:                     "ETHUSDT",
		CreateTime:                 ts,
		SumOpenInterest:            100.5,
		SumOpenInterestValue:       5e6,
		SumTopTraderLongShortRatio: &ratio,
		Source:                     market.SourceAPI,
	}}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE staging_metrics_5m`).WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare(regexp.QuoteMeta(pq.CopyIn("staging_metrics_5m", metricsColumns...)))
	prep.ExpectExec().
		WithArgs("ETHUSDT", ts, 100.5, 5e6, nil, 1.23, nil, nil, false, market.SourceAPI).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO metrics_5m`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	affected, err := s.UpsertMetrics(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCandleCoverageGroupsByDay(t *testing.T) {
	s, mock := newMockStore(t)
	from := time.Date(2025, 2, 7, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 2, 9, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT symbol, to_char`).
		WithArgs(pq.Array([]string{"BTCUSDT", "ETHUSDT"}), from, to).
		WillReturnRows(sqlmock.NewRows([]string{"symbol", "day", "n"}).
			AddRow("BTCUSDT", "2025-02-07", 1440).
			AddRow("BTCUSDT", "2025-02-08", 1000).
			AddRow("ETHUSDT", "2025-02-07", 1440))

	cov, err := s.CandleCoverage(context.Background(), market.Interval1m, []string{"BTCUSDT", "ETHUSDT"}, from, to)
	require.NoError(t, err)
	assert.Equal(t, 1440, cov[CoverageKey{"BTCUSDT", "2025-02-07"}])
	assert.Equal(t, 1000, cov[CoverageKey{"BTCUSDT", "2025-02-08"}])
	assert.Equal(t, 1440, cov[CoverageKey{"ETHUSDT", "2025-02-07"}])

	// absent pair means zero rows stored
	_, ok := cov[CoverageKey{"ETHUSDT", "2025-02-08"}]
	assert.False(t, ok)
}

func TestCoverageEmptySymbolsShortCircuits(t *testing.T) {
	s, mock := newMockStore(t)

	cov, err := s.MetricsCoverage(context.Background(), nil, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Empty(t, cov)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCandleTableNames(t *testing.T) {
	name, err := CandleTable(market.Interval1m)
	require.NoError(t, err)
	assert.Equal(t, "candles_1m", name)

	name, err = CandleTable(market.Interval1M)
	require.NoError(t, err)
	assert.Equal(t, "candles_1mo", name)

	_, err = CandleTable(market.Interval("9x"))
	assert.Error(t, err)
}

func TestDedupeCandlesKeepsLast(t *testing.T) {
	t0 := time.Date(2025, 2, 8, 7, 0, 0, 0, time.UTC)
	rows := []CandleRow{
		{Symbol: "BTCUSDT", BucketTS: t0, Close: 1},
		{Symbol: "ETHUSDT", BucketTS: t0, Close: 2},
		{Symbol: "BTCUSDT", BucketTS: t0, Close: 3},
	}
	out := dedupeCandles(rows)
	require.Len(t, out, 2)
	assert.Equal(t, 3.0, out[0].Close, "later duplicate wins")
	assert.Equal(t, 2.0, out[1].Close)
}
