package binance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKlineArray(t *testing.T) {
	raw := []interface{}{
		float64(1700000000000), "100.1", "101.2", "99.9", "100.8", "12.5",
		float64(1700000059999), "1260.0", float64(42), "6.1", "615.0", "0",
	}
	k, err := parseKlineArray(raw)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), k.OpenTime)
	assert.Equal(t, 100.1, k.Open)
	assert.Equal(t, int64(42), k.TradeCount)
	assert.Equal(t, 615.0, k.TakerBuyQuoteVolume)
}

func TestParseKlineArrayRejectsShortRows(t *testing.T) {
	_, err := parseKlineArray([]interface{}{float64(1700000000000), "100.1"})
	assert.Error(t, err)
}

func TestParseKlineArrayRejectsBadDecimals(t *testing.T) {
	raw := []interface{}{
		float64(1700000000000), "not-a-number", "101.2", "99.9", "100.8", "12.5",
		float64(1700000059999), "1260.0", float64(42), "6.1", "615.0", "0",
	}
	_, err := parseKlineArray(raw)
	assert.Error(t, err)
}

func TestIsTradingPerpetual(t *testing.T) {
	tests := []struct {
		name string
		sym  ExchangeSymbol
		want bool
	}{
		{"live usdt perpetual", ExchangeSymbol{Symbol: "BTCUSDT", Status: "TRADING", ContractType: "PERPETUAL", QuoteAsset: "USDT", MarginAsset: "USDT"}, true},
		{"empty margin asset", ExchangeSymbol{Symbol: "ETHUSDT", Status: "TRADING", ContractType: "PERPETUAL", QuoteAsset: "USDT"}, true},
		{"delisted", ExchangeSymbol{Symbol: "OLDUSDT", Status: "SETTLING", ContractType: "PERPETUAL", QuoteAsset: "USDT"}, false},
		{"dated future", ExchangeSymbol{Symbol: "BTCUSDT_240628", Status: "TRADING", ContractType: "CURRENT_QUARTER", QuoteAsset: "USDT"}, false},
		{"coin margined", ExchangeSymbol{Symbol: "BTCUSD_PERP", Status: "TRADING", ContractType: "PERPETUAL", QuoteAsset: "USD", MarginAsset: "BTC"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.sym.IsTradingPerpetual())
		})
	}
}

func TestLatestByTimestamp(t *testing.T) {
	points := []OpenInterestStat{
		{SumOpenInterest: "1", Timestamp: 1700000100000},
		{SumOpenInterest: "2", Timestamp: 1700000400000},
		{SumOpenInterest: "3", Timestamp: 1700000200000},
	}
	best, ok := LatestByTimestamp(points, func(p OpenInterestStat) int64 { return p.Timestamp })
	require.True(t, ok)
	assert.Equal(t, "2", best.SumOpenInterest)

	_, ok = LatestByTimestamp(nil, func(p OpenInterestStat) int64 { return p.Timestamp })
	assert.False(t, ok)
}
