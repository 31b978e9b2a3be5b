// Package backfill detects per-(symbol, day) coverage deficits and repairs
// them: monthly archives first, daily archives next, REST pagination last.
package backfill

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/datacat/internal/market"
	"github.com/sawpanic/datacat/internal/store"
	"github.com/sawpanic/datacat/internal/telemetry"
)

// Gap is one under-filled (symbol, UTC day) cell.
type Gap struct {
	Symbol   string
	Date     time.Time // 00:00 UTC
	Expected int
	Actual   int
}

func (g Gap) String() string {
	return fmt.Sprintf("%s %s %d/%d", g.Symbol, g.Date.Format("2006-01-02"), g.Actual, g.Expected)
}

// Scanner compares stored row counts against the expected per-day density.
type Scanner struct {
	st        store.Store
	threshold float64
	metrics   *telemetry.Metrics
	log       zerolog.Logger

	now func() time.Time
}

// NewScanner builds a scanner with the given coverage threshold (0.95 in
// production). metrics may be nil.
func NewScanner(st store.Store, threshold float64, metrics *telemetry.Metrics, logger zerolog.Logger) *Scanner {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.95
	}
	return &Scanner{
		st:        st,
		threshold: threshold,
		metrics:   metrics,
		log:       logger.With().Str("component", "scanner").Logger(),
		now:       time.Now,
	}
}

// ScanCandles reports candle gaps per symbol for [from, to). Intervals
// without an exact daily density are rejected; they never take part in
// per-day gap repair.
func (s *Scanner) ScanCandles(ctx context.Context, interval market.Interval, symbols []string, from, to time.Time) (map[string][]Gap, error) {
	expected, ok := interval.RowsPerDay()
	if !ok {
		return nil, fmt.Errorf("interval %s has no exact daily density", interval)
	}
	cov, err := s.st.CandleCoverage(ctx, interval, symbols, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to scan candle coverage: %w", err)
	}
	gaps := s.deficits(cov, symbols, from, to, expected)
	s.count("candles_"+string(interval), gaps)
	return gaps, nil
}

// ScanMetrics reports 5-minute metrics gaps per symbol for [from, to).
func (s *Scanner) ScanMetrics(ctx context.Context, symbols []string, from, to time.Time) (map[string][]Gap, error) {
	cov, err := s.st.MetricsCoverage(ctx, symbols, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to scan metrics coverage: %w", err)
	}
	gaps := s.deficits(cov, symbols, from, to, market.MetricsRowsPerDay)
	s.count("metrics", gaps)
	return gaps, nil
}

// deficits walks every (symbol, day) cell of the window; pairs missing from
// the coverage map count as zero rows. Today is measured against the portion
// of the day that has actually elapsed.
func (s *Scanner) deficits(cov store.Coverage, symbols []string, from, to time.Time, perDay int) map[string][]Gap {
	gaps := make(map[string][]Gap)
	now := s.now().UTC()

	for day := market.DayStart(from); day.Before(to); day = day.AddDate(0, 0, 1) {
		if day.After(now) {
			break
		}
		expected := perDay
		if market.SameUTCDay(day, now) {
			elapsed := int(now.Sub(day) / (24 * time.Hour / time.Duration(perDay)))
			if elapsed < expected {
				expected = elapsed
			}
		}
		if expected <= 0 {
			continue
		}
		minRows := int(float64(expected) * s.threshold)

		for _, sym := range symbols {
			actual := cov[store.CoverageKey{Symbol: sym, Day: store.DayKey(day)}]
			if actual >= minRows {
				continue
			}
			gaps[sym] = append(gaps[sym], Gap{Symbol: sym, Date: day, Expected: expected, Actual: actual})
		}
	}

	for sym := range gaps {
		sort.Slice(gaps[sym], func(i, j int) bool { return gaps[sym][i].Date.Before(gaps[sym][j].Date) })
	}
	return gaps
}

func (s *Scanner) count(kind string, gaps map[string][]Gap) {
	n := 0
	for _, g := range gaps {
		n += len(g)
	}
	if n > 0 {
		s.log.Info().Str("kind", kind).Int("gaps", n).Int("symbols", len(gaps)).Msg("coverage gaps detected")
	}
	if s.metrics != nil && n > 0 {
		s.metrics.GapsFound.WithLabelValues(kind).Add(float64(n))
	}
}

// TotalGaps sums the per-symbol gap lists.
func TotalGaps(gaps map[string][]Gap) int {
	n := 0
	for _, g := range gaps {
		n += len(g)
	}
	return n
}
