package backfill

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/sawpanic/datacat/internal/binance"
	"github.com/sawpanic/datacat/internal/market"
	"github.com/sawpanic/datacat/internal/ratelimit"
	"github.com/sawpanic/datacat/internal/store"
	"github.com/sawpanic/datacat/internal/telemetry"
)

// DefaultArchiveBaseURL is the public historical data host.
const DefaultArchiveBaseURL = "https://data.binance.vision/data/futures/um"

// ErrArchiveMissing marks a 404 from the archive host: the file is not
// published (yet). Callers fall through to the next fill tier.
var ErrArchiveMissing = errors.New("archive file not published")

// errBanSkip marks a 429 during a ZIP fetch. The ban is recorded and the
// file is skipped for this pass rather than retried.
var errBanSkip = errors.New("archive fetch rate limited, skipping")

const missMemoSize = 4096

// Limiter is the admission surface archive downloads go through.
type Limiter interface {
	Acquire(ctx context.Context, weight int) error
	Release()
	SetBan(until time.Time) error
}

// Downloader fetches and decodes archive ZIPs with an on-disk cache and an
// in-memory memo of known-missing files so repeated watcher cycles stay
// cheap.
type Downloader struct {
	baseURL  string
	cacheDir string
	maxAge   time.Duration

	http    *http.Client
	limiter Limiter
	missing *lru.Cache
	metrics *telemetry.Metrics
	log     zerolog.Logger

	now func() time.Time
}

// NewDownloader roots the cache at cacheDir (klines/ and metrics/ subtrees
// are created under it). cacheDays bounds the mtime eviction; metrics may be
// nil.
func NewDownloader(cacheDir string, cacheDays int, limiter Limiter, metrics *telemetry.Metrics, logger zerolog.Logger) (*Downloader, error) {
	if cacheDays <= 0 {
		cacheDays = 7
	}
	for _, sub := range []string{"klines", "metrics"} {
		if err := os.MkdirAll(filepath.Join(cacheDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive cache dir: %w", err)
		}
	}
	missing, err := lru.New(missMemoSize)
	if err != nil {
		return nil, err
	}
	return &Downloader{
		baseURL:  DefaultArchiveBaseURL,
		cacheDir: cacheDir,
		maxAge:   time.Duration(cacheDays) * 24 * time.Hour,
		http:     &http.Client{Timeout: 5 * time.Minute},
		limiter:  limiter,
		missing:  missing,
		metrics:  metrics,
		log:      logger.With().Str("component", "archive").Logger(),
		now:      time.Now,
	}, nil
}

// SetBaseURL overrides the archive host. Tests use this.
func (d *Downloader) SetBaseURL(u string) {
	d.baseURL = u
}

// MonthlyKlines downloads the monthly candle archive and returns its rows.
// Returns ErrArchiveMissing when the month is not published.
func (d *Downloader) MonthlyKlines(ctx context.Context, symbol string, interval market.Interval, month time.Time) ([]store.CandleRow, error) {
	name := fmt.Sprintf("%s-%s-%s.zip", symbol, interval, month.Format("2006-01"))
	url := fmt.Sprintf("%s/monthly/klines/%s/%s/%s", d.baseURL, symbol, interval, name)
	path, err := d.fetch(ctx, url, filepath.Join(d.cacheDir, "klines", name))
	if err != nil {
		return nil, err
	}
	return d.decodeKlineZip(path, symbol, interval)
}

// DailyKlines downloads one daily candle archive.
func (d *Downloader) DailyKlines(ctx context.Context, symbol string, interval market.Interval, day time.Time) ([]store.CandleRow, error) {
	name := fmt.Sprintf("%s-%s-%s.zip", symbol, interval, day.Format("2006-01-02"))
	url := fmt.Sprintf("%s/daily/klines/%s/%s/%s", d.baseURL, symbol, interval, name)
	path, err := d.fetch(ctx, url, filepath.Join(d.cacheDir, "klines", name))
	if err != nil {
		return nil, err
	}
	return d.decodeKlineZip(path, symbol, interval)
}

// DailyMetrics downloads one daily derivatives metrics archive.
func (d *Downloader) DailyMetrics(ctx context.Context, symbol string, day time.Time) ([]store.MetricsRow, error) {
	name := fmt.Sprintf("%s-metrics-%s.zip", symbol, day.Format("2006-01-02"))
	url := fmt.Sprintf("%s/daily/metrics/%s/%s", d.baseURL, symbol, name)
	path, err := d.fetch(ctx, url, filepath.Join(d.cacheDir, "metrics", name))
	if err != nil {
		return nil, err
	}
	return d.decodeMetricsZip(path, symbol)
}

// fetch returns a local path for url, downloading through the rate limiter
// unless the cache already holds the file.
func (d *Downloader) fetch(ctx context.Context, url, cachePath string) (string, error) {
	if _, err := os.Stat(cachePath); err == nil {
		if d.metrics != nil {
			d.metrics.ZipDownloads.WithLabelValues("hit").Inc()
		}
		return cachePath, nil
	}
	if _, known := d.missing.Get(url); known {
		return "", fmt.Errorf("%s: %w", url, ErrArchiveMissing)
	}

	if err := d.limiter.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer d.limiter.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		if d.metrics != nil {
			d.metrics.ZipDownloads.WithLabelValues("failed").Inc()
		}
		return "", fmt.Errorf("archive download failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to the copy below
	case http.StatusNotFound:
		d.missing.Add(url, struct{}{})
		if d.metrics != nil {
			d.metrics.ZipDownloads.WithLabelValues("missing").Inc()
		}
		return "", fmt.Errorf("%s: %w", url, ErrArchiveMissing)
	case http.StatusTooManyRequests:
		// Record the ban but do not retry the file in this pass.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		until := ratelimit.ParseBanUntil(string(body), d.now())
		if err := d.limiter.SetBan(until); err != nil {
			d.log.Error().Err(err).Msg("failed to record ban deadline")
		}
		if d.metrics != nil {
			d.metrics.ZipDownloads.WithLabelValues("failed").Inc()
		}
		return "", fmt.Errorf("%s: %w", url, errBanSkip)
	default:
		if d.metrics != nil {
			d.metrics.ZipDownloads.WithLabelValues("failed").Inc()
		}
		return "", fmt.Errorf("archive host returned HTTP %d for %s", resp.StatusCode, url)
	}

	tmp, err := os.CreateTemp(filepath.Dir(cachePath), ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create cache temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to store archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close archive file: %w", err)
	}
	if err := os.Rename(tmpName, cachePath); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to place archive in cache: %w", err)
	}

	if d.metrics != nil {
		d.metrics.ZipDownloads.WithLabelValues("fetched").Inc()
	}
	d.log.Debug().Str("url", url).Msg("archive downloaded")
	return cachePath, nil
}

// EvictCache removes cached archives older than the configured age.
func (d *Downloader) EvictCache() {
	cutoff := d.now().Add(-d.maxAge)
	removed := 0
	for _, sub := range []string{"klines", "metrics"} {
		entries, err := os.ReadDir(filepath.Join(d.cacheDir, sub))
		if err != nil {
			continue
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil || info.IsDir() {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if os.Remove(filepath.Join(d.cacheDir, sub, e.Name())) == nil {
					removed++
				}
			}
		}
	}
	if removed > 0 {
		d.log.Info().Int("files", removed).Msg("evicted stale archive cache files")
	}
}

// decodeKlineZip parses every CSV inside the ZIP. Individual bad rows are
// dropped and counted, never fatal; historical files vary in width and some
// years carry a header row.
func (d *Downloader) decodeKlineZip(path, symbol string, interval market.Interval) ([]store.CandleRow, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		// A truncated download poisons the cache entry; drop it.
		os.Remove(path)
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer zr.Close()

	var rows []store.CandleRow
	dropped := 0
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s in archive: %w", f.Name, err)
		}
		r := csv.NewReader(rc)
		r.FieldsPerRecord = -1
		for {
			record, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				dropped++
				continue
			}
			row, ok := parseKlineRecord(record, symbol, interval)
			if !ok {
				dropped++
				continue
			}
			rows = append(rows, row)
		}
		rc.Close()
	}

	if dropped > 0 {
		// The header row of newer files always lands here once per file.
		d.log.Debug().Str("archive", filepath.Base(path)).Int("rows", dropped).Msg("dropped unparsable csv rows")
		if d.metrics != nil {
			d.metrics.ParseErrors.WithLabelValues("zip_kline").Add(float64(dropped))
		}
	}
	return rows, nil
}

// parseKlineRecord decodes one CSV row: open_time, open, high, low, close,
// volume, close_time, quote_volume, count, taker_buy_volume,
// taker_buy_quote_volume[, ignore]. Timestamps are epoch millis or an
// ISO-8601 string depending on the file's vintage.
func parseKlineRecord(record []string, symbol string, interval market.Interval) (store.CandleRow, bool) {
	if len(record) < 11 {
		return store.CandleRow{}, false
	}
	ms, ok := parseArchiveTime(record[0])
	if !ok {
		return store.CandleRow{}, false
	}

	vals := make([]float64, 8)
	for i, idx := range []int{1, 2, 3, 4, 5, 7, 9, 10} {
		v, err := binance.ParseDecimal(strings.TrimSpace(record[idx]))
		if err != nil {
			return store.CandleRow{}, false
		}
		vals[i] = v
	}
	count, err := strconv.ParseInt(strings.TrimSpace(record[8]), 10, 64)
	if err != nil {
		return store.CandleRow{}, false
	}

	bucket := market.FloorMillis(ms, interval.Millis())
	return store.CandleRow{
		Exchange:            store.DefaultExchange,
		Symbol:              symbol,
		BucketTS:            time.UnixMilli(bucket).UTC(),
		Open:                vals[0],
		High:                vals[1],
		Low:                 vals[2],
		Close:               vals[3],
		Volume:              vals[4],
		QuoteVolume:         vals[5],
		TradeCount:          count,
		TakerBuyVolume:      vals[6],
		TakerBuyQuoteVolume: vals[7],
		IsClosed:            true,
		Source:              market.SourceZip,
	}, true
}

// decodeMetricsZip parses the daily metrics CSV: create_time, symbol,
// sum_open_interest, sum_open_interest_value, count_toptrader_long_short_ratio,
// sum_toptrader_long_short_ratio, count_long_short_ratio,
// sum_taker_long_short_vol_ratio.
func (d *Downloader) decodeMetricsZip(path, symbol string) ([]store.MetricsRow, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer zr.Close()

	var rows []store.MetricsRow
	dropped := 0
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s in archive: %w", f.Name, err)
		}
		r := csv.NewReader(rc)
		r.FieldsPerRecord = -1
		for {
			record, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				dropped++
				continue
			}
			row, ok := parseMetricsRecord(record, symbol)
			if !ok {
				dropped++
				continue
			}
			rows = append(rows, row)
		}
		rc.Close()
	}

	if dropped > 0 {
		d.log.Debug().Str("archive", filepath.Base(path)).Int("rows", dropped).Msg("dropped unparsable csv rows")
		if d.metrics != nil {
			d.metrics.ParseErrors.WithLabelValues("zip_metrics").Add(float64(dropped))
		}
	}
	return rows, nil
}

func parseMetricsRecord(record []string, symbol string) (store.MetricsRow, bool) {
	if len(record) < 8 {
		return store.MetricsRow{}, false
	}
	ms, ok := parseArchiveTime(record[0])
	if !ok {
		return store.MetricsRow{}, false
	}
	oi, err := binance.ParseDecimal(strings.TrimSpace(record[2]))
	if err != nil {
		return store.MetricsRow{}, false
	}
	oiValue, err := binance.ParseDecimal(strings.TrimSpace(record[3]))
	if err != nil {
		return store.MetricsRow{}, false
	}

	row := store.MetricsRow{
		Symbol:               symbol,
		CreateTime:           time.UnixMilli(market.Floor5m(ms)).UTC(),
		SumOpenInterest:      oi,
		SumOpenInterestValue: oiValue,
		IsClosed:             true,
		Source:               market.SourceZip,
	}
	// The ratio columns are optional; blanks stay null.
	row.CountTopTraderLongShortRatio = optionalDecimal(record[4])
	row.SumTopTraderLongShortRatio = optionalDecimal(record[5])
	row.CountLongShortRatio = optionalDecimal(record[6])
	row.SumTakerLongShortVolRatio = optionalDecimal(record[7])
	return row, true
}

func optionalDecimal(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := binance.ParseDecimal(s)
	if err != nil {
		return nil
	}
	return &v
}

// parseArchiveTime accepts epoch milliseconds, epoch seconds, or the
// "2006-01-02 15:04:05" layout older files use.
func parseArchiveTime(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 1e12 { // epoch seconds
			n *= 1000
		}
		return n, true
	}
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}
