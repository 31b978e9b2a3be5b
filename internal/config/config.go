// Package config resolves the collection engine configuration from the
// environment plus an optional YAML file, and validates it before any
// component starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/datacat/internal/market"
)

// Hard service-protection caps. Values above these are clamped, never raised.
const (
	MaxRatePerMinute = 2400
	MaxConcurrent    = 20
)

// ArchiveEpoch is the first day USDT-margined futures archives exist on the
// public data host. Full backfills without an explicit start date begin here.
var ArchiveEpoch = time.Date(2019, 9, 8, 0, 0, 0, 0, time.UTC)

// Config is the resolved runtime configuration shared by all modes.
type Config struct {
	DatabaseURL        string
	JSONSink           bool
	DataDir            string
	RateLimitPerMinute int
	MaxConcurrent      int
	HTTPProxy          string
	RedisURL           string

	Backfill  Backfill
	Symbols   Symbols
	Log       Log
	Collector Collector
	Gaps      Gaps
	Fill      Fill
	Ops       Ops

	// Groups maps group names from the YAML file to symbol lists.
	Groups map[string][]string
}

// Backfill controls startup gap repair.
type Backfill struct {
	Mode      string    // none | days | all
	Days      int       // lookback for mode=days
	StartDate time.Time // lower bound for mode=all; zero means ArchiveEpoch
	OnStart   bool      // run one pass before streaming
}

// Symbols narrows or extends the resolved universe.
type Symbols struct {
	Groups  []string // group names selected from Config.Groups
	Exclude []string
	Extra   []string
}

// Log mirrors the DATACAT_LOG_* environment surface.
type Log struct {
	Level  string // zerolog level name
	Format string // plain | json
	File   string // explicit log file path
	Dir    string // directory for the default log file name
}

// Collector tunes the WS candle collector and the REST metrics collector.
type Collector struct {
	MaxBuffer       int           // flush when the candle buffer reaches this size
	FlushWindow     time.Duration // flush when this much time passed since the last candle
	MetricsWorkers  int           // symbol fan-out for the metrics tick
	UseRESTSnapshot bool          // one REST klines snapshot at WS startup
}

// Gaps tunes the co-resident gap watcher.
type Gaps struct {
	WatchInterval       time.Duration
	LookbackInitialDays int
	LookbackCapDays     int
	DensityThreshold    float64
}

// Fill tunes the backfiller.
type Fill struct {
	Workers          int
	ArchiveCacheDays int
	RESTPageCap      int
	Intervals        []market.Interval
}

// Ops configures the status HTTP listener. "off" disables it.
type Ops struct {
	Listen string
}

// fileConfig is the YAML file shape. Durations are integers with the unit in
// the field name so the file stays trivially portable.
type fileConfig struct {
	Groups    map[string][]string `yaml:"groups"`
	Collector struct {
		MaxBuffer       int  `yaml:"max_buffer"`
		FlushWindowMS   int  `yaml:"flush_window_ms"`
		MetricsWorkers  int  `yaml:"metrics_workers"`
		UseRESTSnapshot bool `yaml:"use_rest_snapshot"`
	} `yaml:"collector"`
	Gaps struct {
		WatchIntervalSecs   int     `yaml:"watch_interval_secs"`
		LookbackInitialDays int     `yaml:"lookback_initial_days"`
		LookbackCapDays     int     `yaml:"lookback_cap_days"`
		DensityThreshold    float64 `yaml:"density_threshold"`
	} `yaml:"gaps"`
	Fill struct {
		Workers          int      `yaml:"workers"`
		ArchiveCacheDays int      `yaml:"archive_cache_days"`
		RESTPageCap      int      `yaml:"rest_page_cap"`
		Intervals        []string `yaml:"intervals"`
	} `yaml:"fill"`
	Ops struct {
		Listen string `yaml:"listen"`
	} `yaml:"ops"`
}

// Load resolves the configuration: defaults, then the optional YAML file
// named by DATACAT_CONFIG, then environment overrides, then validation.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("DATACAT_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.clamp()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		DataDir:            "data",
		RateLimitPerMinute: MaxRatePerMinute,
		MaxConcurrent:      MaxConcurrent,
		Backfill: Backfill{
			Mode: "none",
			Days: 3,
		},
		Log: Log{
			Level:  "info",
			Format: "plain",
		},
		Collector: Collector{
			MaxBuffer:      1000,
			FlushWindow:    3 * time.Second,
			MetricsWorkers: 8,
		},
		Gaps: Gaps{
			WatchInterval:       60 * time.Second,
			LookbackInitialDays: 2,
			LookbackCapDays:     7,
			DensityThreshold:    0.95,
		},
		Fill: Fill{
			Workers:          4,
			ArchiveCacheDays: 7,
			RESTPageCap:      100,
			Intervals:        []market.Interval{market.Interval1m},
		},
		Ops: Ops{
			Listen: ":9137",
		},
		Groups: map[string][]string{},
	}
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if fc.Groups != nil {
		c.Groups = fc.Groups
	}
	if fc.Collector.MaxBuffer > 0 {
		c.Collector.MaxBuffer = fc.Collector.MaxBuffer
	}
	if fc.Collector.FlushWindowMS > 0 {
		c.Collector.FlushWindow = time.Duration(fc.Collector.FlushWindowMS) * time.Millisecond
	}
	if fc.Collector.MetricsWorkers > 0 {
		c.Collector.MetricsWorkers = fc.Collector.MetricsWorkers
	}
	if fc.Collector.UseRESTSnapshot {
		c.Collector.UseRESTSnapshot = true
	}
	if fc.Gaps.WatchIntervalSecs > 0 {
		c.Gaps.WatchInterval = time.Duration(fc.Gaps.WatchIntervalSecs) * time.Second
	}
	if fc.Gaps.LookbackInitialDays > 0 {
		c.Gaps.LookbackInitialDays = fc.Gaps.LookbackInitialDays
	}
	if fc.Gaps.LookbackCapDays > 0 {
		c.Gaps.LookbackCapDays = fc.Gaps.LookbackCapDays
	}
	if fc.Gaps.DensityThreshold > 0 {
		c.Gaps.DensityThreshold = fc.Gaps.DensityThreshold
	}
	if fc.Fill.Workers > 0 {
		c.Fill.Workers = fc.Fill.Workers
	}
	if fc.Fill.ArchiveCacheDays > 0 {
		c.Fill.ArchiveCacheDays = fc.Fill.ArchiveCacheDays
	}
	if fc.Fill.RESTPageCap > 0 {
		c.Fill.RESTPageCap = fc.Fill.RESTPageCap
	}
	if len(fc.Fill.Intervals) > 0 {
		ivs := make([]market.Interval, 0, len(fc.Fill.Intervals))
		for _, s := range fc.Fill.Intervals {
			iv, err := market.ParseInterval(s)
			if err != nil {
				return fmt.Errorf("config file fill.intervals: %w", err)
			}
			ivs = append(ivs, iv)
		}
		c.Fill.Intervals = ivs
	}
	if fc.Ops.Listen != "" {
		c.Ops.Listen = fc.Ops.Listen
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DatabaseURL = firstEnv("DATACAT_DATABASE_URL", "DATABASE_URL")
	c.HTTPProxy = firstEnv("DATACAT_HTTP_PROXY", "HTTP_PROXY")
	c.RedisURL = os.Getenv("DATACAT_REDIS_URL")

	if v := os.Getenv("DATACAT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("DATACAT_OPS_ADDR"); v != "" {
		c.Ops.Listen = v
	}

	var err error
	if c.RateLimitPerMinute, err = envInt("DATACAT_RATE_LIMIT_PER_MINUTE", c.RateLimitPerMinute); err != nil {
		return err
	}
	if c.MaxConcurrent, err = envInt("DATACAT_MAX_CONCURRENT", c.MaxConcurrent); err != nil {
		return err
	}

	c.JSONSink = envBool("DATACAT_JSON_SINK") || c.DatabaseURL == ""

	if v := os.Getenv("BACKFILL_MODE"); v != "" {
		c.Backfill.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	if c.Backfill.Days, err = envInt("BACKFILL_DAYS", c.Backfill.Days); err != nil {
		return err
	}
	if v := os.Getenv("BACKFILL_START_DATE"); v != "" {
		t, perr := time.ParseInLocation("2006-01-02", v, time.UTC)
		if perr != nil {
			return fmt.Errorf("BACKFILL_START_DATE must be YYYY-MM-DD, got %q", v)
		}
		c.Backfill.StartDate = t
	}
	if v, ok := os.LookupEnv("BACKFILL_ON_START"); ok {
		c.Backfill.OnStart = truthy(v)
	}

	c.Symbols.Exclude = splitCSV(os.Getenv("SYMBOLS_EXCLUDE"))
	c.Symbols.Extra = splitCSV(os.Getenv("SYMBOLS_EXTRA"))
	c.Symbols.Groups = splitCSV(os.Getenv("SYMBOLS_GROUPS"))

	if v := os.Getenv("DATACAT_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("DATACAT_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(strings.TrimSpace(v))
	}
	c.Log.File = os.Getenv("DATACAT_LOG_FILE")
	c.Log.Dir = os.Getenv("DATACAT_LOG_DIR")
	return nil
}

// clamp enforces the service-protection caps after all sources are merged.
func (c *Config) clamp() {
	if c.RateLimitPerMinute > MaxRatePerMinute {
		c.RateLimitPerMinute = MaxRatePerMinute
	}
	if c.MaxConcurrent > MaxConcurrent {
		c.MaxConcurrent = MaxConcurrent
	}
}

// Validate ensures the merged configuration is usable. Any error here aborts
// startup before a single request is made.
func (c *Config) Validate() error {
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate limit per minute must be positive, got %d", c.RateLimitPerMinute)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir cannot be empty")
	}

	switch c.Backfill.Mode {
	case "none", "days", "all":
	default:
		return fmt.Errorf("backfill mode must be none, days, or all, got %q", c.Backfill.Mode)
	}
	if c.Backfill.Mode == "days" && c.Backfill.Days <= 0 {
		return fmt.Errorf("backfill days must be positive, got %d", c.Backfill.Days)
	}

	switch c.Log.Format {
	case "", "plain", "json":
	default:
		return fmt.Errorf("log format must be plain or json, got %q", c.Log.Format)
	}

	if c.Collector.MaxBuffer <= 0 {
		return fmt.Errorf("collector max_buffer must be positive, got %d", c.Collector.MaxBuffer)
	}
	if c.Collector.FlushWindow <= 0 {
		return fmt.Errorf("collector flush_window must be positive, got %s", c.Collector.FlushWindow)
	}
	if c.Collector.MetricsWorkers <= 0 {
		return fmt.Errorf("collector metrics_workers must be positive, got %d", c.Collector.MetricsWorkers)
	}

	if c.Gaps.WatchInterval <= 0 {
		return fmt.Errorf("gaps watch_interval must be positive, got %s", c.Gaps.WatchInterval)
	}
	if c.Gaps.LookbackInitialDays <= 0 {
		return fmt.Errorf("gaps lookback_initial_days must be positive, got %d", c.Gaps.LookbackInitialDays)
	}
	if c.Gaps.LookbackCapDays < c.Gaps.LookbackInitialDays {
		return fmt.Errorf("gaps lookback_cap_days (%d) must be >= lookback_initial_days (%d)",
			c.Gaps.LookbackCapDays, c.Gaps.LookbackInitialDays)
	}
	if c.Gaps.DensityThreshold <= 0 || c.Gaps.DensityThreshold > 1 {
		return fmt.Errorf("gaps density_threshold must be in (0,1], got %f", c.Gaps.DensityThreshold)
	}

	if c.Fill.Workers <= 0 {
		return fmt.Errorf("fill workers must be positive, got %d", c.Fill.Workers)
	}
	if c.Fill.ArchiveCacheDays < 0 {
		return fmt.Errorf("fill archive_cache_days cannot be negative, got %d", c.Fill.ArchiveCacheDays)
	}
	if c.Fill.RESTPageCap <= 0 {
		return fmt.Errorf("fill rest_page_cap must be positive, got %d", c.Fill.RESTPageCap)
	}
	if len(c.Fill.Intervals) == 0 {
		return fmt.Errorf("fill intervals cannot be empty")
	}
	for _, iv := range c.Fill.Intervals {
		if !market.Known(iv) {
			return fmt.Errorf("fill intervals: unknown interval %q", iv)
		}
	}

	for _, g := range c.Symbols.Groups {
		if _, ok := c.Groups[g]; !ok {
			return fmt.Errorf("symbol group %q is not defined in the config file", g)
		}
	}
	return nil
}

// StateDir is where the cross-process rate limiter keeps its files.
func (c *Config) StateDir() string {
	return filepath.Join(c.DataDir, "state")
}

// DownloadsDir is the archive cache root (klines/ and metrics/ subtrees).
func (c *Config) DownloadsDir() string {
	return filepath.Join(c.DataDir, "downloads")
}

// BackfillStart resolves the lower bound for mode=all.
func (c *Config) BackfillStart() time.Time {
	if c.Backfill.StartDate.IsZero() {
		return ArchiveEpoch
	}
	return c.Backfill.StartDate
}

// ConfiguredSymbols flattens the selected groups into a symbol list.
// Empty means the universe is resolved dynamically from the exchange.
func (c *Config) ConfiguredSymbols() []string {
	var raw []string
	for _, g := range c.Symbols.Groups {
		raw = append(raw, c.Groups[g]...)
	}
	return market.NormalizeSymbols(raw)
}

// OpsEnabled reports whether the status listener should start.
func (c *Config) OpsEnabled() bool {
	return c.Ops.Listen != "" && !strings.EqualFold(c.Ops.Listen, "off")
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envBool(key string) bool {
	return truthy(os.Getenv(key))
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
