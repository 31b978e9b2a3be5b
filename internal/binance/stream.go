package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sawpanic/datacat/internal/market"
	"github.com/sawpanic/datacat/internal/store"
	"github.com/sawpanic/datacat/internal/telemetry"
)

const (
	// DefaultStreamURL is the combined-stream endpoint for USDT-M futures.
	DefaultStreamURL = "wss://fstream.binance.com/stream"

	// The server rejects oversized subscribe frames and throttles message
	// bursts, so subscriptions go out in chunks at a bounded rate.
	subscribeChunk = 100
	subscribeRate  = 8 // messages per second

	readTimeout      = 5 * time.Minute
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 60 * time.Second
)

// CandleEvent is one closed (or in-progress) 1m candle from the stream.
type CandleEvent struct {
	Symbol    string
	OpenTime  time.Time
	EventTime time.Time
	Kline     Kline
	IsClosed  bool
}

// Row converts the event to a store row with WS provenance.
func (e CandleEvent) Row() store.CandleRow {
	row := e.Kline.CandleRow(market.NormalizeSymbol(e.Symbol), market.SourceWS)
	row.IsClosed = e.IsClosed
	return row
}

// subscribeMsg is the stream management frame.
type subscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

// combinedFrame wraps every payload on the combined endpoint.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// wsKlineEvent is the kline payload shape.
type wsKlineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime           int64  `json:"t"`
		Symbol              string `json:"s"`
		Interval            string `json:"i"`
		Open                string `json:"o"`
		High                string `json:"h"`
		Low                 string `json:"l"`
		Close               string `json:"c"`
		Volume              string `json:"v"`
		TradeCount          int64  `json:"n"`
		Closed              bool   `json:"x"`
		QuoteVolume         string `json:"q"`
		TakerBuyVolume      string `json:"V"`
		TakerBuyQuoteVolume string `json:"Q"`
	} `json:"k"`
}

// Stream maintains the candle subscription for a symbol set, reconnecting
// internally until the context ends. Decoded events come out of Events();
// the channel closes when Run returns.
type Stream struct {
	url        string
	symbols    []string
	closedOnly bool

	events  chan CandleEvent
	pace    *rate.Limiter
	metrics *telemetry.Metrics
	log     zerolog.Logger
}

// NewStream prepares a stream for the given (already normalized) symbols.
// metrics may be nil. closedOnly drops in-progress candle updates, which is
// what the collector wants: one event per symbol per minute.
func NewStream(symbols []string, closedOnly bool, metrics *telemetry.Metrics, logger zerolog.Logger) *Stream {
	return &Stream{
		url:        DefaultStreamURL,
		symbols:    symbols,
		closedOnly: closedOnly,
		events:     make(chan CandleEvent, 2048),
		pace:       rate.NewLimiter(rate.Limit(subscribeRate), subscribeRate),
		metrics:    metrics,
		log:        logger.With().Str("component", "binance_ws").Logger(),
	}
}

// SetURL overrides the stream endpoint. Tests use this.
func (s *Stream) SetURL(u string) {
	s.url = u
}

// Events delivers decoded candle events until the stream shuts down.
func (s *Stream) Events() <-chan CandleEvent {
	return s.events
}

// Run connects and pumps events until ctx is cancelled. Connection drops are
// retried with capped exponential backoff; the caller only sees a closed
// events channel once the context ends.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.events)

	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("stream disconnected, reconnecting")
		if s.metrics != nil {
			s.metrics.WSEvents.WithLabelValues("reconnect").Inc()
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// runOnce handles one connection lifetime: dial, subscribe, read loop.
func (s *Stream) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.url, err)
	}
	defer conn.Close()

	conn.SetReadLimit(16 << 20)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(payload string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(writeTimeout))
	})

	if err := s.subscribe(ctx, conn); err != nil {
		return err
	}
	s.log.Info().Int("symbols", len(s.symbols)).Msg("stream subscribed")

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("stream read failed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		s.handleFrame(ctx, payload)
	}
}

// subscribe sends chunked SUBSCRIBE frames at a paced rate.
func (s *Stream) subscribe(ctx context.Context, conn *websocket.Conn) error {
	streams := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		streams = append(streams, strings.ToLower(sym)+"@kline_1m")
	}

	var id uint64
	for start := 0; start < len(streams); start += subscribeChunk {
		end := start + subscribeChunk
		if end > len(streams) {
			end = len(streams)
		}
		if err := s.pace.Wait(ctx); err != nil {
			return err
		}
		id++
		msg := subscribeMsg{Method: "SUBSCRIBE", Params: streams[start:end], ID: id}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
	}
	return nil
}

// handleFrame decodes one combined-stream frame, dropping anything that is
// not a well-formed kline event.
func (s *Stream) handleFrame(ctx context.Context, payload []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(payload, &frame); err != nil || len(frame.Data) == 0 {
		// subscribe acks and unknown frames land here
		return
	}

	var ev wsKlineEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil || ev.EventType != "kline" {
		return
	}
	if s.metrics != nil {
		s.metrics.WSEvents.WithLabelValues("kline").Inc()
	}
	if s.closedOnly && !ev.Kline.Closed {
		return
	}

	kline, err := ev.decode()
	if err != nil {
		if s.metrics != nil {
			s.metrics.ParseErrors.WithLabelValues("ws_kline").Inc()
		}
		s.log.Debug().Err(err).Str("symbol", ev.Symbol).Msg("dropped malformed kline event")
		return
	}

	out := CandleEvent{
		Symbol:    ev.Symbol,
		OpenTime:  kline.OpenTime,
		EventTime: time.UnixMilli(ev.EventTime).UTC(),
		Kline:     kline,
		IsClosed:  ev.Kline.Closed,
	}
	select {
	case s.events <- out:
	case <-ctx.Done():
	default:
		// Consumer is behind; dropping is safe, the gap watcher repairs it.
		if s.metrics != nil {
			s.metrics.WSEvents.WithLabelValues("dropped").Inc()
		}
	}
}

func (ev wsKlineEvent) decode() (Kline, error) {
	k := ev.Kline
	vals := make([]float64, 8)
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteVolume, k.TakerBuyVolume, k.TakerBuyQuoteVolume} {
		v, err := asFloat(s)
		if err != nil {
			return Kline{}, fmt.Errorf("kline field %d: %w", i, err)
		}
		vals[i] = v
	}
	return Kline{
		OpenTime:            time.UnixMilli(k.StartTime).UTC(),
		Open:                vals[0],
		High:                vals[1],
		Low:                 vals[2],
		Close:               vals[3],
		Volume:              vals[4],
		QuoteVolume:         vals[5],
		TradeCount:          k.TradeCount,
		TakerBuyVolume:      vals[6],
		TakerBuyQuoteVolume: vals[7],
	}, nil
}
