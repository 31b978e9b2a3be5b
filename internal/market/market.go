// Package market defines the shared market-data vocabulary: kline
// intervals, UTC grid math, symbol normalization, and row provenance.
package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Interval is a Binance kline interval such as "1m" or "4h".
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

// Row provenance markers. The string values are part of the stored data
// contract and must not change: downstream consumers filter on them.
const (
	SourceWS      = "binance_ws"
	SourceAPI     = "binance_api"
	SourceREST    = "binance_rest"
	SourceZip     = "binance_zip"
	SourceCCXT    = "ccxt"
	SourceCCXTGap = "ccxt_gap"
)

// MetricsPeriodMs is the sampling grid for derivative metrics (5 minutes).
const MetricsPeriodMs int64 = 5 * 60 * 1000

// MetricsRowsPerDay is the expected metrics density for one UTC day.
const MetricsRowsPerDay = 288

// intervalSeconds drives grid math. 1M uses a 30-day nominal width; calendar
// months are handled by the archive layout, never by the grid.
var intervalSeconds = map[Interval]int64{
	Interval1m:  60,
	Interval3m:  180,
	Interval5m:  300,
	Interval15m: 900,
	Interval30m: 1800,
	Interval1h:  3600,
	Interval2h:  7200,
	Interval4h:  14400,
	Interval6h:  21600,
	Interval8h:  28800,
	Interval12h: 43200,
	Interval1d:  86400,
	Interval3d:  259200,
	Interval1w:  604800,
	Interval1M:  2592000,
}

// ParseInterval validates a user-supplied interval name.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(strings.TrimSpace(s))
	if _, ok := intervalSeconds[iv]; !ok {
		return "", fmt.Errorf("unknown interval %q (known: %s)", s, strings.Join(intervalNames(), ", "))
	}
	return iv, nil
}

// Known reports whether iv is a supported interval name.
func Known(iv Interval) bool {
	_, ok := intervalSeconds[iv]
	return ok
}

func intervalNames() []string {
	names := make([]string, 0, len(intervalSeconds))
	for iv := range intervalSeconds {
		names = append(names, string(iv))
	}
	sort.Slice(names, func(i, j int) bool {
		return intervalSeconds[Interval(names[i])] < intervalSeconds[Interval(names[j])]
	})
	return names
}

// Seconds returns the interval width in seconds, 0 for unknown intervals.
func (iv Interval) Seconds() int64 {
	return intervalSeconds[iv]
}

// Millis returns the interval width in milliseconds.
func (iv Interval) Millis() int64 {
	return iv.Seconds() * 1000
}

// Duration returns the interval width as a time.Duration.
func (iv Interval) Duration() time.Duration {
	return time.Duration(iv.Seconds()) * time.Second
}

// RowsPerDay returns the exact number of buckets in one UTC day. ok is false
// for intervals wider than a day or without an exact daily density; those do
// not participate in per-day gap scanning.
func (iv Interval) RowsPerDay() (int, bool) {
	sec := iv.Seconds()
	if sec <= 0 || sec > 86400 || 86400%sec != 0 {
		return 0, false
	}
	return int(86400 / sec), true
}

// FloorTo truncates t to the start of its interval bucket in UTC.
func FloorTo(t time.Time, iv Interval) time.Time {
	sec := iv.Seconds()
	if sec <= 0 {
		return t.UTC()
	}
	unix := t.Unix()
	if unix < 0 {
		unix -= sec - 1
	}
	return time.Unix((unix/sec)*sec, 0).UTC()
}

// FloorMillis truncates an epoch-milliseconds timestamp to a grid step.
func FloorMillis(ms, stepMs int64) int64 {
	if stepMs <= 0 {
		return ms
	}
	if ms < 0 {
		ms -= stepMs - 1
	}
	return (ms / stepMs) * stepMs
}

// Floor5m snaps an epoch-milliseconds timestamp to the 5-minute metrics grid.
func Floor5m(ms int64) int64 {
	return FloorMillis(ms, MetricsPeriodMs)
}

// DayStart returns 00:00:00 UTC of the day containing t.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// SameUTCDay reports whether a and b fall on the same UTC calendar day.
func SameUTCDay(a, b time.Time) bool {
	return DayStart(a).Equal(DayStart(b))
}

// NormalizeSymbol uppercases a symbol and coerces it to the USDT-quoted
// contract name: "btc" and "BTC/USDT:USDT" both become "BTCUSDT".
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	// ccxt-style settle suffix ("BTC/USDT:USDT")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	s = strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
	if s == "" {
		return ""
	}
	if !strings.HasSuffix(s, "USDT") {
		s += "USDT"
	}
	return s
}

// NormalizeSymbols normalizes, dedupes, and sorts a symbol list.
func NormalizeSymbols(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		s := NormalizeSymbol(r)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
