// Package collector houses the two realtime ingestion paths: the WebSocket
// candle collector with its coalescing buffer and co-resident gap watcher,
// and the REST derivatives metrics collector.
package collector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/datacat/internal/market"
	"github.com/sawpanic/datacat/internal/store"
	"github.com/sawpanic/datacat/internal/telemetry"
)

// Coalescer absorbs the per-minute candle burst and writes it as one batch.
// A flush fires when the buffer reaches MaxBuffer rows or FlushWindow has
// passed since the last append, whichever comes first. The swap happens
// under the lock; the store write never does.
type Coalescer struct {
	interval    market.Interval
	maxBuffer   int
	flushWindow time.Duration

	st      store.Store
	metrics *telemetry.Metrics
	log     zerolog.Logger

	mu         sync.Mutex
	buf        []store.CandleRow
	lastAppend time.Time
	timer      *time.Timer
	closed     bool

	writes sync.WaitGroup
	now    func() time.Time
}

// NewCoalescer builds a buffer for one candle table. metrics may be nil.
func NewCoalescer(st store.Store, interval market.Interval, maxBuffer int, flushWindow time.Duration, metrics *telemetry.Metrics, logger zerolog.Logger) *Coalescer {
	if maxBuffer <= 0 {
		maxBuffer = 1000
	}
	if flushWindow <= 0 {
		flushWindow = 3 * time.Second
	}
	return &Coalescer{
		interval:    interval,
		maxBuffer:   maxBuffer,
		flushWindow: flushWindow,
		st:          st,
		metrics:     metrics,
		log:         logger.With().Str("component", "coalescer").Logger(),
		now:         time.Now,
	}
}

// Append adds one row. The write that eventually persists it happens on a
// background goroutine; Append never blocks on the store.
func (c *Coalescer) Append(row store.CandleRow) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.buf = append(c.buf, row)
	c.lastAppend = c.now()
	if c.metrics != nil {
		c.metrics.BufferedRows.Set(float64(len(c.buf)))
	}

	if len(c.buf) >= c.maxBuffer {
		batch := c.swapLocked()
		c.mu.Unlock()
		c.write(batch, "size")
		return
	}

	// (Re)arm the window timer relative to this append.
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.flushWindow, c.flushByWindow)
	c.mu.Unlock()
}

// flushByWindow fires from the timer. The buffer may already be empty if a
// size flush raced the timer; that is a no-op.
func (c *Coalescer) flushByWindow() {
	c.mu.Lock()
	if c.closed || len(c.buf) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.swapLocked()
	c.mu.Unlock()
	c.write(batch, "window")
}

// swapLocked takes the buffer, leaving an empty one. Caller holds c.mu.
func (c *Coalescer) swapLocked() []store.CandleRow {
	batch := c.buf
	c.buf = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.metrics != nil {
		c.metrics.BufferedRows.Set(0)
	}
	return batch
}

// write hands the batch to the store on a tracked goroutine.
func (c *Coalescer) write(batch []store.CandleRow, trigger string) {
	if len(batch) == 0 {
		return
	}
	if c.metrics != nil {
		c.metrics.Flushes.WithLabelValues(trigger).Inc()
	}

	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		c.persist(batch, trigger)
	}()
}

func (c *Coalescer) persist(batch []store.CandleRow, trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	affected, err := c.st.UpsertCandles(ctx, c.interval, batch)
	if err != nil {
		// The rows are lost for this tick; the gap watcher recovers them.
		c.log.Error().Err(err).Int("rows", len(batch)).Str("trigger", trigger).Msg("flush failed")
		return
	}
	if c.metrics != nil {
		table, terr := store.CandleTable(c.interval)
		if terr == nil {
			c.metrics.RowsWritten.WithLabelValues(table).Add(float64(affected))
		}
	}
	c.log.Debug().Int("rows", len(batch)).Int64("affected", affected).Str("trigger", trigger).Msg("flushed candle batch")
}

// Len reports the buffered row count, for the status endpoint.
func (c *Coalescer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Close flushes whatever is buffered synchronously and waits for in-flight
// writes. Appends after Close are dropped.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	batch := c.swapLocked()
	c.mu.Unlock()

	if len(batch) > 0 {
		if c.metrics != nil {
			c.metrics.Flushes.WithLabelValues("final").Inc()
		}
		c.persist(batch, "final")
	}
	c.writes.Wait()
}
