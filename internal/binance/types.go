// Package binance talks to the USDT-margined futures API: weighted REST
// endpoints behind the shared rate limiter and a combined-stream WebSocket
// client for closed 1m candles.
package binance

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sawpanic/datacat/internal/store"
)

// ErrNotFound marks 404 responses. Callers treat it as a normal skip, never
// as a failure worth retrying or tripping the breaker.
var ErrNotFound = errors.New("resource not found")

// BanError is returned on 418/429 after the shared ban deadline has been
// recorded. Collectors drop the current unit of work and keep going; the
// limiter holds all further requests until the deadline passes.
type BanError struct {
	Status int
	Until  time.Time
}

func (e *BanError) Error() string {
	return fmt.Sprintf("banned by exchange (HTTP %d) until %s", e.Status, e.Until.UTC().Format(time.RFC3339))
}

// IsBan reports whether err carries a ban deadline.
func IsBan(err error) bool {
	var be *BanError
	return errors.As(err, &be)
}

// transientError wraps failures worth a retry: network errors and 5xx.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// errorResponse is the standard Binance error body.
type errorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ExchangeSymbol is the slice of exchangeInfo the resolver needs.
type ExchangeSymbol struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	ContractType string `json:"contractType"`
	QuoteAsset   string `json:"quoteAsset"`
	MarginAsset  string `json:"marginAsset"`
}

// IsTradingPerpetual reports whether this market belongs in the default
// universe: a live, linear, USDT-settled perpetual contract.
func (s ExchangeSymbol) IsTradingPerpetual() bool {
	return s.Status == "TRADING" &&
		s.ContractType == "PERPETUAL" &&
		s.QuoteAsset == "USDT" &&
		(s.MarginAsset == "" || s.MarginAsset == "USDT")
}

type exchangeInfoResponse struct {
	Symbols []ExchangeSymbol `json:"symbols"`
}

// OpenInterestStat is one /futures/data/openInterestHist point.
type OpenInterestStat struct {
	Symbol               string `json:"symbol"`
	SumOpenInterest      string `json:"sumOpenInterest"`
	SumOpenInterestValue string `json:"sumOpenInterestValue"`
	Timestamp            int64  `json:"timestamp"`
}

// LongShortRatio is the shared shape of the three ratio endpoints.
type LongShortRatio struct {
	Symbol         string `json:"symbol"`
	LongShortRatio string `json:"longShortRatio"`
	LongAccount    string `json:"longAccount"`
	ShortAccount   string `json:"shortAccount"`
	Timestamp      int64  `json:"timestamp"`
}

// TakerVolumeRatio is one /futures/data/takerlongshortRatio point. It has no
// symbol field on the wire.
type TakerVolumeRatio struct {
	BuySellRatio string `json:"buySellRatio"`
	BuyVol       string `json:"buyVol"`
	SellVol      string `json:"sellVol"`
	Timestamp    int64  `json:"timestamp"`
}

// Kline is one decoded candle bucket.
type Kline struct {
	OpenTime            time.Time
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	QuoteVolume         float64
	TradeCount          int64
	TakerBuyVolume      float64
	TakerBuyQuoteVolume float64
}

// CandleRow converts the kline to a store row with the given provenance.
func (k Kline) CandleRow(symbol, source string) store.CandleRow {
	return store.CandleRow{
		Exchange:            store.DefaultExchange,
		Symbol:              symbol,
		BucketTS:            k.OpenTime,
		Open:                k.Open,
		High:                k.High,
		Low:                 k.Low,
		Close:               k.Close,
		Volume:              k.Volume,
		QuoteVolume:         k.QuoteVolume,
		TradeCount:          k.TradeCount,
		TakerBuyVolume:      k.TakerBuyVolume,
		TakerBuyQuoteVolume: k.TakerBuyQuoteVolume,
		IsClosed:            true,
		Source:              source,
	}
}

// parseKlineArray decodes the 12-element kline array the REST API returns:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, count,
// takerBuyVolume, takerBuyQuoteVolume, ignore]. Numbers arrive as JSON
// numbers for timestamps and as strings for prices.
func parseKlineArray(raw []interface{}) (Kline, error) {
	if len(raw) < 12 {
		return Kline{}, fmt.Errorf("kline array has %d fields, expected 12", len(raw))
	}
	openMS, err := asMillis(raw[0])
	if err != nil {
		return Kline{}, fmt.Errorf("kline open time: %w", err)
	}
	vals := make([]float64, 8)
	for i, idx := range []int{1, 2, 3, 4, 5, 7, 9, 10} {
		v, err := asFloat(raw[idx])
		if err != nil {
			return Kline{}, fmt.Errorf("kline field %d: %w", idx, err)
		}
		vals[i] = v
	}
	count, err := asMillis(raw[8])
	if err != nil {
		return Kline{}, fmt.Errorf("kline trade count: %w", err)
	}
	return Kline{
		OpenTime:            time.UnixMilli(openMS).UTC(),
		Open:                vals[0],
		High:                vals[1],
		Low:                 vals[2],
		Close:               vals[3],
		Volume:              vals[4],
		QuoteVolume:         vals[5],
		TradeCount:          count,
		TakerBuyVolume:      vals[6],
		TakerBuyQuoteVolume: vals[7],
	}, nil
}

// asMillis accepts an epoch-milliseconds timestamp as a JSON number or a
// numeric string.
func asMillis(v interface{}) (int64, error) {
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case string:
		ms, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not a millisecond timestamp: %q", t)
		}
		return ms, nil
	default:
		return 0, fmt.Errorf("not a millisecond timestamp: %T", v)
	}
}

// asFloat accepts a decimal as a JSON string (the usual case) or number.
func asFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("not a decimal: %q", t)
		}
		return f, nil
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("not a decimal: %T", v)
	}
}

// ParseDecimal exposes the tolerant decimal parser for CSV decoding.
func ParseDecimal(s string) (float64, error) {
	return asFloat(s)
}

// LatestByTimestamp returns the point with the greatest timestamp, since the
// endpoints do not guarantee ordering for small windows.
func LatestByTimestamp[T any](points []T, ts func(T) int64) (T, bool) {
	var best T
	if len(points) == 0 {
		return best, false
	}
	bestTS := int64(-1)
	for _, p := range points {
		if t := ts(p); t > bestTS {
			bestTS = t
			best = p
		}
	}
	return best, true
}
