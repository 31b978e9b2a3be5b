package collector

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sawpanic/datacat/internal/binance"
	"github.com/sawpanic/datacat/internal/telemetry"
)

// CandlePublisher fans closed candles out to a live channel. Failures are
// log-and-continue; the store path never depends on it.
type CandlePublisher interface {
	PublishCandle(ctx context.Context, ev binance.CandleEvent) error
}

// WSCollector drains the candle stream into the coalescer, optionally
// publishing each closed candle to the live channel.
type WSCollector struct {
	events    <-chan binance.CandleEvent
	coalescer *Coalescer
	publisher CandlePublisher
	metrics   *telemetry.Metrics
	log       zerolog.Logger
}

// NewWSCollector wires the stream's events channel to the buffer. publisher
// and metrics may be nil.
func NewWSCollector(events <-chan binance.CandleEvent, coalescer *Coalescer, publisher CandlePublisher, metrics *telemetry.Metrics, logger zerolog.Logger) *WSCollector {
	return &WSCollector{
		events:    events,
		coalescer: coalescer,
		publisher: publisher,
		metrics:   metrics,
		log:       logger.With().Str("component", "ws_collector").Logger(),
	}
}

// Run consumes events until the channel closes (the stream owns reconnects;
// the channel only closes on final teardown), then flushes the buffer
// synchronously.
func (w *WSCollector) Run(ctx context.Context) {
	defer w.coalescer.Close()

	for ev := range w.events {
		w.coalescer.Append(ev.Row())

		if w.publisher != nil {
			if err := w.publisher.PublishCandle(ctx, ev); err != nil {
				w.log.Debug().Err(err).Str("symbol", ev.Symbol).Msg("live publish failed")
			}
		}
	}
	w.log.Info().Msg("candle stream ended, final flush")
}
