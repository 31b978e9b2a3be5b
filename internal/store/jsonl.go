package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/datacat/internal/market"
)

// JSONLStore is the database-free sink: one append-only JSON-lines file per
// table under the data directory, deduplicated on the natural key. Meant for
// development hosts; coverage is answered from an in-memory index built when
// a file is first opened.
type JSONLStore struct {
	mu    sync.Mutex
	dir   string
	log   zerolog.Logger
	files map[string]*jsonlFile
}

type jsonlFile struct {
	f    *os.File
	seen map[jsonlKey]struct{}
	cov  Coverage
}

type jsonlKey struct {
	exchange string
	symbol   string
	ms       int64
}

type jsonlCandle struct {
	Exchange            string  `json:"exchange"`
	Symbol              string  `json:"symbol"`
	TS                  int64   `json:"ts"`
	Open                float64 `json:"open"`
	High                float64 `json:"high"`
	Low                 float64 `json:"low"`
	Close               float64 `json:"close"`
	Volume              float64 `json:"volume"`
	QuoteVolume         float64 `json:"quote_volume"`
	TradeCount          int64   `json:"trade_count"`
	TakerBuyVolume      float64 `json:"taker_buy_volume"`
	TakerBuyQuoteVolume float64 `json:"taker_buy_quote_volume"`
	IsClosed            bool    `json:"is_closed"`
	Source              string  `json:"source"`
}

type jsonlMetrics struct {
	Symbol               string   `json:"symbol"`
	CreateTime           int64    `json:"create_time"`
	SumOpenInterest      float64  `json:"sum_open_interest"`
	SumOpenInterestValue float64  `json:"sum_open_interest_value"`
	CountTopTrader       *float64 `json:"count_toptrader_long_short_ratio,omitempty"`
	SumTopTrader         *float64 `json:"sum_toptrader_long_short_ratio,omitempty"`
	CountLongShort       *float64 `json:"count_long_short_ratio,omitempty"`
	SumTakerVol          *float64 `json:"sum_taker_long_short_vol_ratio,omitempty"`
	IsClosed             bool     `json:"is_closed"`
	Source               string   `json:"source"`
}

// NewJSONL opens (or creates) the sink directory.
func NewJSONL(dir string, logger zerolog.Logger) (*JSONLStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create jsonl dir: %w", err)
	}
	return &JSONLStore{
		dir:   dir,
		log:   logger.With().Str("component", "store").Str("sink", "jsonl").Logger(),
		files: make(map[string]*jsonlFile),
	}, nil
}

// UpsertCandles appends rows not already present. The returned count is the
// number of new rows; duplicates are silently skipped.
func (s *JSONLStore) UpsertCandles(_ context.Context, interval market.Interval, rows []CandleRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	table, err := CandleTable(interval)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jf, err := s.open(table)
	if err != nil {
		return 0, err
	}

	var appended int64
	for _, r := range dedupeCandles(rows) {
		if r.Symbol == "" || r.BucketTS.IsZero() {
			return appended, fmt.Errorf("candle row missing natural key: symbol=%q ts=%v", r.Symbol, r.BucketTS)
		}
		key := jsonlKey{r.Exchange, r.Symbol, r.BucketTS.UnixMilli()}
		if _, dup := jf.seen[key]; dup {
			continue
		}
		line := jsonlCandle{
			Exchange: r.Exchange, Symbol: r.Symbol, TS: key.ms,
			Open: r.Open, High: r.High, Low: r.Low, Close: r.Close,
			Volume: r.Volume, QuoteVolume: r.QuoteVolume, TradeCount: r.TradeCount,
			TakerBuyVolume: r.TakerBuyVolume, TakerBuyQuoteVolume: r.TakerBuyQuoteVolume,
			IsClosed: r.IsClosed, Source: r.Source,
		}
		if err := appendLine(jf.f, line); err != nil {
			return appended, fmt.Errorf("failed to append candle: %w", err)
		}
		jf.seen[key] = struct{}{}
		jf.cov[CoverageKey{Symbol: r.Symbol, Day: DayKey(r.BucketTS)}]++
		appended++
	}
	return appended, nil
}

// UpsertMetrics appends metric samples not already present.
func (s *JSONLStore) UpsertMetrics(_ context.Context, rows []MetricsRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jf, err := s.open(MetricsTable)
	if err != nil {
		return 0, err
	}

	var appended int64
	for _, r := range dedupeMetrics(rows) {
		if r.Symbol == "" || r.CreateTime.IsZero() {
			return appended, fmt.Errorf("metrics row missing natural key: symbol=%q ts=%v", r.Symbol, r.CreateTime)
		}
		key := jsonlKey{DefaultExchange, r.Symbol, r.CreateTime.UnixMilli()}
		if _, dup := jf.seen[key]; dup {
			continue
		}
		line := jsonlMetrics{
			Symbol:               r.Symbol,
			CreateTime:           key.ms,
			SumOpenInterest:      r.SumOpenInterest,
			SumOpenInterestValue: r.SumOpenInterestValue,
			CountTopTrader:       r.CountTopTraderLongShortRatio,
			SumTopTrader:         r.SumTopTraderLongShortRatio,
			CountLongShort:       r.CountLongShortRatio,
			SumTakerVol:          r.SumTakerLongShortVolRatio,
			IsClosed:             r.IsClosed,
			Source:               r.Source,
		}
		if err := appendLine(jf.f, line); err != nil {
			return appended, fmt.Errorf("failed to append metrics: %w", err)
		}
		jf.seen[key] = struct{}{}
		jf.cov[CoverageKey{Symbol: r.Symbol, Day: DayKey(r.CreateTime)}]++
		appended++
	}
	return appended, nil
}

// CandleCoverage answers from the in-memory index.
func (s *JSONLStore) CandleCoverage(_ context.Context, interval market.Interval, symbols []string, from, to time.Time) (Coverage, error) {
	table, err := CandleTable(interval)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	jf, err := s.open(table)
	if err != nil {
		return nil, err
	}
	return filterCoverage(jf.cov, symbols, from, to), nil
}

// MetricsCoverage answers from the in-memory index.
func (s *JSONLStore) MetricsCoverage(_ context.Context, symbols []string, from, to time.Time) (Coverage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jf, err := s.open(MetricsTable)
	if err != nil {
		return nil, err
	}
	return filterCoverage(jf.cov, symbols, from, to), nil
}

// Close flushes and closes every open file.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for name, jf := range s.files {
		if err := jf.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s: %w", name, err)
		}
	}
	s.files = make(map[string]*jsonlFile)
	return firstErr
}

// open returns the per-table file, loading its dedup index on first use.
// Caller holds s.mu.
func (s *JSONLStore) open(table string) (*jsonlFile, error) {
	if jf, ok := s.files[table]; ok {
		return jf, nil
	}

	path := filepath.Join(s.dir, table+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	jf := &jsonlFile{
		f:    f,
		seen: make(map[jsonlKey]struct{}),
		cov:  make(Coverage),
	}
	dropped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var probe struct {
			Exchange   string `json:"exchange"`
			Symbol     string `json:"symbol"`
			TS         int64  `json:"ts"`
			CreateTime int64  `json:"create_time"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &probe); err != nil || probe.Symbol == "" {
			dropped++
			continue
		}
		ms := probe.TS
		if ms == 0 {
			ms = probe.CreateTime
		}
		if probe.Exchange == "" {
			probe.Exchange = DefaultExchange
		}
		key := jsonlKey{probe.Exchange, probe.Symbol, ms}
		if _, dup := jf.seen[key]; dup {
			continue
		}
		jf.seen[key] = struct{}{}
		jf.cov[CoverageKey{Symbol: probe.Symbol, Day: DayKey(time.UnixMilli(ms))}]++
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to index %s: %w", path, err)
	}
	if dropped > 0 {
		s.log.Warn().Str("file", path).Int("lines", dropped).Msg("skipped unparsable jsonl lines")
	}

	s.files[table] = jf
	return jf, nil
}

func appendLine(f *os.File, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

func filterCoverage(cov Coverage, symbols []string, from, to time.Time) Coverage {
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}
	fromDay := market.DayStart(from)

	out := make(Coverage)
	for key, n := range cov {
		if _, ok := want[key.Symbol]; !ok {
			continue
		}
		day, err := time.ParseInLocation("2006-01-02", key.Day, time.UTC)
		if err != nil {
			continue
		}
		if day.Before(fromDay) || !day.Before(to) {
			continue
		}
		out[key] = n
	}
	return out
}
