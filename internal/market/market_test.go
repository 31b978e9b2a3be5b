package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloor5m(t *testing.T) {
	cases := []struct {
		name string
		in   int64
		want int64
	}{
		{"mid bucket", 1739000123456, 1739000100000},
		{"on grid", 1739000100000, 1739000100000},
		{"one ms before grid", 1739000099999, 1738999800000},
		{"zero", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Floor5m(tc.in))
		})
	}
}

func TestFloorTo(t *testing.T) {
	ts := time.Date(2025, 2, 8, 7, 35, 23, 456000000, time.UTC)

	got := FloorTo(ts, Interval1m)
	assert.Equal(t, time.Date(2025, 2, 8, 7, 35, 0, 0, time.UTC), got)

	got = FloorTo(ts, Interval1h)
	assert.Equal(t, time.Date(2025, 2, 8, 7, 0, 0, 0, time.UTC), got)

	got = FloorTo(ts, Interval1d)
	assert.Equal(t, time.Date(2025, 2, 8, 0, 0, 0, 0, time.UTC), got)

	// non-UTC input lands on the UTC grid
	loc := time.FixedZone("X", 3*3600)
	got = FloorTo(ts.In(loc), Interval1d)
	assert.Equal(t, time.Date(2025, 2, 8, 0, 0, 0, 0, time.UTC), got)
}

func TestParseInterval(t *testing.T) {
	iv, err := ParseInterval("1m")
	require.NoError(t, err)
	assert.Equal(t, Interval1m, iv)

	iv, err = ParseInterval(" 4h ")
	require.NoError(t, err)
	assert.Equal(t, Interval4h, iv)

	_, err = ParseInterval("7m")
	assert.Error(t, err)

	_, err = ParseInterval("")
	assert.Error(t, err)
}

func TestRowsPerDay(t *testing.T) {
	n, ok := Interval1m.RowsPerDay()
	require.True(t, ok)
	assert.Equal(t, 1440, n)

	n, ok = Interval5m.RowsPerDay()
	require.True(t, ok)
	assert.Equal(t, 288, n)

	n, ok = Interval1d.RowsPerDay()
	require.True(t, ok)
	assert.Equal(t, 1, n)

	_, ok = Interval1w.RowsPerDay()
	assert.False(t, ok)

	_, ok = Interval1M.RowsPerDay()
	assert.False(t, ok)
}

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"btc":            "BTCUSDT",
		"BTCUSDT":        "BTCUSDT",
		" ethusdt ":      "ETHUSDT",
		"BTC/USDT":       "BTCUSDT",
		"BTC/USDT:USDT":  "BTCUSDT",
		"sol-usdt":       "SOLUSDT",
		"1000pepe_usdt":  "1000PEPEUSDT",
		"":               "",
		"   ":            "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeSymbol(in), "input %q", in)
	}
}

func TestNormalizeSymbols(t *testing.T) {
	got := NormalizeSymbols([]string{"eth", "btc", "BTC/USDT", "", "sol"})
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, got)
}

func TestDayStart(t *testing.T) {
	ts := time.Date(2025, 6, 1, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), DayStart(ts))
	assert.True(t, SameUTCDay(ts, ts.Add(-23*time.Hour)))
	assert.False(t, SameUTCDay(ts, ts.Add(time.Second)))
}
