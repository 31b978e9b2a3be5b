package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/datacat/internal/binance"
)

func testEvent(symbol string) binance.CandleEvent {
	open := time.UnixMilli(1700000000000).UTC()
	return binance.CandleEvent{
		Symbol:   symbol,
		OpenTime: open,
		Kline: binance.Kline{
			OpenTime: open,
			Open:     100.1, High: 101.2, Low: 99.9, Close: 100.8,
			Volume: 12.5, TradeCount: 42,
		},
		IsClosed: true,
	}
}

// testPayload is the wire form of testEvent for the given (normalized) symbol.
func testPayload(symbol string) []byte {
	return []byte(`{"exchange":"binance","symbol":"` + symbol + `","timeframe":"1m","open_time":1700000000000,` +
		`"open":100.1,"high":101.2,"low":99.9,"close":100.8,"volume":12.5,"trade_count":42,"closed":true}`)
}

func TestPublishCandleSendsToSymbolChannel(t *testing.T) {
	client, mock := redismock.NewClientMock()
	p := newFromClient(client, zerolog.Nop())

	mock.ExpectPublish("candles:BTCUSDT:1m", testPayload("BTCUSDT")).SetVal(1)

	err := p.PublishCandle(context.Background(), testEvent("BTCUSDT"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishCandleNormalizesSymbol(t *testing.T) {
	client, mock := redismock.NewClientMock()
	p := newFromClient(client, zerolog.Nop())

	// Lowercase input still lands on the uppercase channel and payload.
	mock.ExpectPublish("candles:ETHUSDT:1m", testPayload("ETHUSDT")).SetVal(1)

	err := p.PublishCandle(context.Background(), testEvent("ethusdt"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishCandleReturnsServerError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	p := newFromClient(client, zerolog.Nop())

	mock.ExpectPublish("candles:BTCUSDT:1m", testPayload("BTCUSDT")).SetErr(errors.New("connection reset"))

	err := p.PublishCandle(context.Background(), testEvent("BTCUSDT"))
	assert.Error(t, err)
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not-a-url", zerolog.Nop())
	assert.Error(t, err)
}
