package collector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/datacat/internal/telemetry"
)

// Repairer runs one scan-and-fill pass over [from, to) and reports how many
// gaps the initial scan found. The backfiller implements it.
type Repairer interface {
	Repair(ctx context.Context, symbols []string, from, to time.Time) (int, error)
}

// GapWatcher periodically repairs recent history while the WS collector
// streams. Its lookback adapts: a clean cycle shrinks it by one day (floor
// one), a gapped cycle grows it by one day up to the cap.
type GapWatcher struct {
	repairer Repairer
	symbols  []string

	interval     time.Duration
	lookbackDays int
	capDays      int

	metrics *telemetry.Metrics
	log     zerolog.Logger

	mu   sync.Mutex
	last struct {
		at    time.Time
		found int
	}

	now func() time.Time
}

// NewGapWatcher builds a watcher with the default cadence: 60s interval, 2-day
// initial lookback, 7-day cap. metrics may be nil.
func NewGapWatcher(repairer Repairer, symbols []string, interval time.Duration, initialDays, capDays int, metrics *telemetry.Metrics, logger zerolog.Logger) *GapWatcher {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if initialDays <= 0 {
		initialDays = 2
	}
	if capDays < initialDays {
		capDays = 7
	}
	return &GapWatcher{
		repairer:     repairer,
		symbols:      symbols,
		interval:     interval,
		lookbackDays: initialDays,
		capDays:      capDays,
		metrics:      metrics,
		log:          logger.With().Str("component", "gap_watcher").Logger(),
		now:          time.Now,
	}
}

// Run cycles until ctx ends. The stop check happens before every repair so
// shutdown never waits on a pass that has not started.
func (g *GapWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.log.Info().Msg("gap watcher stopped")
			return
		case <-ticker.C:
		}

		g.cycle(ctx)
	}
}

func (g *GapWatcher) cycle(ctx context.Context) {
	start := g.now()
	g.mu.Lock()
	lookback := g.lookbackDays
	g.mu.Unlock()
	to := start.UTC()
	from := to.AddDate(0, 0, -lookback)

	found, err := g.repairer.Repair(ctx, g.symbols, from, to)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		g.log.Error().Err(err).Msg("gap repair cycle failed")
		return
	}

	elapsed := g.now().Sub(start)
	if g.metrics != nil {
		g.metrics.LastBackfillDuration.Set(elapsed.Seconds())
	}

	// Clean cycles narrow the window, gapped cycles widen it.
	g.mu.Lock()
	g.last.at = start
	g.last.found = found
	before := g.lookbackDays
	if found == 0 {
		if g.lookbackDays > 1 {
			g.lookbackDays--
		}
	} else if g.lookbackDays < g.capDays {
		g.lookbackDays++
	}
	after := g.lookbackDays
	g.mu.Unlock()

	g.log.Debug().
		Int("gaps", found).
		Int("lookback_days", after).
		Dur("took", elapsed).
		Msg("gap cycle complete")
	if after != before {
		g.log.Info().Int("from", before).Int("to", after).Msg("gap lookback adjusted")
	}
}

// Status reports the watcher's current state for the ops endpoint.
func (g *GapWatcher) Status() (lookbackDays int, lastRun time.Time, lastFound int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lookbackDays, g.last.at, g.last.found
}
