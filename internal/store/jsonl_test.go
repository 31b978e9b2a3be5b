package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/datacat/internal/market"
)

func jsonlCandles(day time.Time, n int) []CandleRow {
	rows := make([]CandleRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, CandleRow{
			Symbol:   "BTCUSDT",
			BucketTS: day.Add(time.Duration(i) * time.Minute),
			Open:     1, High: 2, Low: 0.5, Close: 1.5, Volume: 10,
			Source: market.SourceWS,
		})
	}
	return rows
}

func TestJSONLAppendsAndDedupes(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONL(dir, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	day := time.Date(2025, 2, 8, 0, 0, 0, 0, time.UTC)
	rows := jsonlCandles(day, 3)

	n, err := s.UpsertCandles(context.Background(), market.Interval1m, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// identical batch converges to zero new rows
	n, err = s.UpsertCandles(context.Background(), market.Interval1m, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	data, err := os.ReadFile(filepath.Join(dir, "candles_1m.jsonl"))
	require.NoError(t, err)
	lines := strings.Count(string(data), "\n")
	assert.Equal(t, 3, lines)
}

func TestJSONLReopenRestoresIndex(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2025, 2, 8, 0, 0, 0, 0, time.UTC)
	rows := jsonlCandles(day, 5)

	s, err := NewJSONL(dir, zerolog.Nop())
	require.NoError(t, err)
	_, err = s.UpsertCandles(context.Background(), market.Interval1m, rows)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewJSONL(dir, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.UpsertCandles(context.Background(), market.Interval1m, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "index rebuilt from disk dedupes the replay")

	cov, err := reopened.CandleCoverage(context.Background(), market.Interval1m,
		[]string{"BTCUSDT"}, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 5, cov[CoverageKey{"BTCUSDT", "2025-02-08"}])
}

func TestJSONLCoverageWindowAndSymbols(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONL(dir, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	d1 := time.Date(2025, 2, 7, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	d3 := d1.AddDate(0, 0, 2)

	var rows []CandleRow
	rows = append(rows, jsonlCandles(d1, 2)...)
	rows = append(rows, jsonlCandles(d2, 3)...)
	rows = append(rows, jsonlCandles(d3, 4)...)
	rows = append(rows, CandleRow{Symbol: "ETHUSDT", BucketTS: d2, Open: 1, High: 1, Low: 1, Close: 1, Source: market.SourceZip})

	_, err = s.UpsertCandles(context.Background(), market.Interval1m, rows)
	require.NoError(t, err)

	cov, err := s.CandleCoverage(context.Background(), market.Interval1m, []string{"BTCUSDT"}, d2, d3.AddDate(0, 0, 1))
	require.NoError(t, err)

	assert.Len(t, cov, 2)
	assert.Equal(t, 3, cov[CoverageKey{"BTCUSDT", "2025-02-08"}])
	assert.Equal(t, 4, cov[CoverageKey{"BTCUSDT", "2025-02-09"}])

	_, hasEth := cov[CoverageKey{"ETHUSDT", "2025-02-08"}]
	assert.False(t, hasEth, "unrequested symbols stay out of the result")
}

func TestJSONLMetricsOmitsNilRatios(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONL(dir, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	ratio := 2.5
	rows := []MetricsRow{{
		Symbol:               "BTCUSDT",
		CreateTime:           time.Date(2025, 2, 8, 7, 5, 0, 0, time.UTC),
		SumOpenInterest:      42,
		SumOpenInterestValue: 42000,
		CountLongShortRatio:  &ratio,
	}}

	n, err := s.UpsertMetrics(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.UpsertMetrics(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	data, err := os.ReadFile(filepath.Join(dir, "metrics_5m.jsonl"))
	require.NoError(t, err)
	line := string(data)
	assert.Contains(t, line, `"count_long_short_ratio":2.5`)
	assert.NotContains(t, line, "sum_toptrader_long_short_ratio", "nil ratios are omitted")
}

func TestJSONLSkipsCorruptLinesOnLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "candles_1m.jsonl")
	body := `{"symbol":"BTCUSDT","ts":1739000100000,"open":1,"high":1,"low":1,"close":1,"volume":1,"source":"binance_ws"}
not json at all
{"symbol":"BTCUSDT","ts":1739000160000,"open":1,"high":1,"low":1,"close":1,"volume":1,"source":"binance_ws"}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	s, err := NewJSONL(dir, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	day := market.DayStart(time.UnixMilli(1739000100000))
	cov, err := s.CandleCoverage(context.Background(), market.Interval1m, []string{"BTCUSDT"}, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, cov[CoverageKey{"BTCUSDT", day.Format("2006-01-02")}])
}
