// Package publish fans closed candles out to Redis pub/sub channels for
// live consumers (signal engines, dashboards). Publishing is best-effort:
// the store write path never waits on it.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/sawpanic/datacat/internal/binance"
	"github.com/sawpanic/datacat/internal/market"
)

// candleMessage is the published payload shape.
type candleMessage struct {
	Exchange   string  `json:"exchange"`
	Symbol     string  `json:"symbol"`
	Timeframe  string  `json:"timeframe"`
	OpenTime   int64   `json:"open_time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	TradeCount int64   `json:"trade_count"`
	Closed     bool    `json:"closed"`
}

// RedisPublisher writes each closed candle to candles:<SYMBOL>:<timeframe>.
type RedisPublisher struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedis connects and verifies the server before the collector starts.
func NewRedis(ctx context.Context, url string, logger zerolog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	return &RedisPublisher{
		client: client,
		log:    logger.With().Str("component", "publish").Logger(),
	}, nil
}

// newFromClient wraps an existing client. Tests use this.
func newFromClient(client *redis.Client, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: logger}
}

// PublishCandle sends one candle event to its symbol channel.
func (p *RedisPublisher) PublishCandle(ctx context.Context, ev binance.CandleEvent) error {
	symbol := market.NormalizeSymbol(ev.Symbol)
	msg := candleMessage{
		Exchange:   "binance",
		Symbol:     symbol,
		Timeframe:  "1m",
		OpenTime:   ev.OpenTime.UnixMilli(),
		Open:       ev.Kline.Open,
		High:       ev.Kline.High,
		Low:        ev.Kline.Low,
		Close:      ev.Kline.Close,
		Volume:     ev.Kline.Volume,
		TradeCount: ev.Kline.TradeCount,
		Closed:     ev.IsClosed,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode candle message: %w", err)
	}

	channel := fmt.Sprintf("candles:%s:1m", symbol)
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Close releases the connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
