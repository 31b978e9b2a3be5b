package binance

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/datacat/internal/market"
)

const closedKlineFrame = `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1700000060123,"s":"BTCUSDT",` +
	`"k":{"t":1700000000000,"s":"BTCUSDT","i":"1m","o":"100.1","h":"101.2","l":"99.9","c":"100.8",` +
	`"v":"12.5","n":42,"x":true,"q":"1260.0","V":"6.1","Q":"615.0"}}}`

func TestHandleFrameDeliversClosedKline(t *testing.T) {
	s := NewStream([]string{"BTCUSDT"}, true, nil, zerolog.Nop())
	s.handleFrame(context.Background(), []byte(closedKlineFrame))

	select {
	case ev := <-s.events:
		assert.Equal(t, "BTCUSDT", ev.Symbol)
		assert.True(t, ev.IsClosed)
		assert.Equal(t, time.UnixMilli(1700000000000).UTC(), ev.OpenTime)
		assert.Equal(t, time.UnixMilli(1700000060123).UTC(), ev.EventTime)
		assert.Equal(t, 100.1, ev.Kline.Open)
		assert.Equal(t, 100.8, ev.Kline.Close)
		assert.Equal(t, int64(42), ev.Kline.TradeCount)
		assert.Equal(t, 615.0, ev.Kline.TakerBuyQuoteVolume)
	default:
		t.Fatal("expected a candle event")
	}
}

func TestHandleFrameDropsInProgressCandle(t *testing.T) {
	open := `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1700000030000,"s":"BTCUSDT",` +
		`"k":{"t":1700000000000,"s":"BTCUSDT","i":"1m","o":"100.1","h":"101.2","l":"99.9","c":"100.4",` +
		`"v":"6.0","n":20,"x":false,"q":"600.0","V":"3.0","Q":"300.0"}}}`

	s := NewStream([]string{"BTCUSDT"}, true, nil, zerolog.Nop())
	s.handleFrame(context.Background(), []byte(open))
	assert.Empty(t, s.events)
}

func TestHandleFrameKeepsInProgressWhenClosedOnlyOff(t *testing.T) {
	open := `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1700000030000,"s":"BTCUSDT",` +
		`"k":{"t":1700000000000,"s":"BTCUSDT","i":"1m","o":"100.1","h":"101.2","l":"99.9","c":"100.4",` +
		`"v":"6.0","n":20,"x":false,"q":"600.0","V":"3.0","Q":"300.0"}}}`

	s := NewStream([]string{"BTCUSDT"}, false, nil, zerolog.Nop())
	s.handleFrame(context.Background(), []byte(open))

	require.Len(t, s.events, 1)
	ev := <-s.events
	assert.False(t, ev.IsClosed)
}

func TestHandleFrameIgnoresNonKlinePayloads(t *testing.T) {
	s := NewStream([]string{"BTCUSDT"}, true, nil, zerolog.Nop())

	for _, payload := range []string{
		`{"result":null,"id":1}`,                                  // subscribe ack
		`not json`,                                                // garbage
		`{"stream":"btcusdt@depth","data":{"e":"depthUpdate"}}`,   // other event type
		`{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT","k":{"t":1,"o":"bad","h":"1","l":"1","c":"1","v":"1","x":true,"q":"1","V":"1","Q":"1"}}}`, // malformed decimal
	} {
		s.handleFrame(context.Background(), []byte(payload))
	}
	assert.Empty(t, s.events)
}

func TestCandleEventRowCarriesWSProvenance(t *testing.T) {
	s := NewStream([]string{"BTCUSDT"}, true, nil, zerolog.Nop())
	s.handleFrame(context.Background(), []byte(closedKlineFrame))

	ev := <-s.events
	row := ev.Row()
	assert.Equal(t, "binance", row.Exchange)
	assert.Equal(t, "BTCUSDT", row.Symbol)
	assert.Equal(t, market.SourceWS, row.Source)
	assert.True(t, row.IsClosed)
	assert.Equal(t, 1260.0, row.QuoteVolume)
}
