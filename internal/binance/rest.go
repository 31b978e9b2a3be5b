package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/datacat/internal/market"
	"github.com/sawpanic/datacat/internal/ratelimit"
	"github.com/sawpanic/datacat/internal/telemetry"
)

const (
	// DefaultBaseURL is the USDT-margined futures REST host.
	DefaultBaseURL = "https://fapi.binance.com"

	userAgent      = "datacat/1.0 (market-data collector)"
	requestTimeout = 15 * time.Second

	maxAttempts = 3
)

// Limiter is the slice of the rate limiter the client needs. Every request
// passes Acquire/Release; bans discovered in responses go back through
// SetBan so peer processes stop too.
type Limiter interface {
	Acquire(ctx context.Context, weight int) error
	Release()
	SetBan(until time.Time) error
}

// Client calls the public futures REST API. All endpoints are anonymous; the
// only protocol state is the shared request budget and the breaker.
type Client struct {
	baseURL string
	http    *http.Client
	limiter Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *telemetry.Metrics
	log     zerolog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewClient builds a REST client. proxyURL may be empty; metrics may be nil.
func NewClient(limiter Limiter, proxyURL string, metrics *telemetry.Metrics, logger zerolog.Logger) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		proxy, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", proxyURL, err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	c := &Client{
		baseURL: DefaultBaseURL,
		http: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
		limiter: limiter,
		metrics: metrics,
		log:     logger.With().Str("component", "binance_rest").Logger(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "binance-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("rest breaker state changed")
		},
	})
	return c, nil
}

// SetBaseURL points the client at a different host. Tests use this.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// get performs one weighted, admission-controlled GET and decodes the JSON
// body into out. Transient failures (network, 5xx) are retried with
// exponential backoff; 404, 418 and 429 map to their typed errors and are
// never retried here.
func (c *Client) get(ctx context.Context, endpoint string, weight int, query url.Values, out interface{}) error {
	if err := c.limiter.Acquire(ctx, weight); err != nil {
		return fmt.Errorf("failed to acquire rate limit: %w", err)
	}
	defer c.limiter.Release()

	if c.metrics != nil {
		c.metrics.RequestsTotal.WithLabelValues("fapi.binance.com", endpoint).Inc()
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			// 1s, 2s, 4s...
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			if err := c.sleep(ctx, backoff); err != nil {
				return err
			}
		}

		err := c.attempt(ctx, endpoint, query, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
		c.log.Debug().Err(err).Str("endpoint", endpoint).Int("attempt", attempt+1).Msg("transient request failure")
	}

	if c.metrics != nil {
		c.metrics.RequestsFailed.WithLabelValues("fapi.binance.com", failReason(lastErr)).Inc()
	}
	return lastErr
}

// attempt runs a single round trip through the breaker. Bans and 404s count
// as breaker successes: the server answered, the budget layer handles them.
func (c *Client) attempt(ctx context.Context, endpoint string, query url.Values, out interface{}) error {
	var callErr error
	_, err := c.breaker.Execute(func() (interface{}, error) {
		callErr = c.roundTrip(ctx, endpoint, query, out)
		if callErr != nil && isTransient(callErr) {
			return nil, callErr
		}
		return nil, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return &transientError{fmt.Errorf("rest breaker open: %w", err)}
		}
		return err
	}
	return callErr
}

func (c *Client) roundTrip(ctx context.Context, endpoint string, query url.Values, out interface{}) error {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &transientError{fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return &transientError{fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
		}
		return nil

	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", endpoint, ErrNotFound)

	case resp.StatusCode == http.StatusTooManyRequests:
		until := c.now().Add(retryAfter(resp))
		if err := c.limiter.SetBan(until); err != nil {
			c.log.Error().Err(err).Msg("failed to record ban deadline")
		}
		return &BanError{Status: resp.StatusCode, Until: until}

	case resp.StatusCode == http.StatusTeapot: // 418: IP ban with deadline in the body
		until := ratelimit.ParseBanUntil(string(body), c.now())
		if err := c.limiter.SetBan(until); err != nil {
			c.log.Error().Err(err).Msg("failed to record ban deadline")
		}
		return &BanError{Status: resp.StatusCode, Until: until}

	case resp.StatusCode >= 500:
		return &transientError{fmt.Errorf("%s returned HTTP %d", endpoint, resp.StatusCode)}

	default:
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.Msg != "" {
			return fmt.Errorf("%s returned HTTP %d: %s (code %d)", endpoint, resp.StatusCode, er.Msg, er.Code)
		}
		return fmt.Errorf("%s returned HTTP %d", endpoint, resp.StatusCode)
	}
}

// retryAfter reads the 429 Retry-After header, defaulting to 60s.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 60 * time.Second
}

func failReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsBan(err):
		return "banned"
	case isTransient(err):
		return "transient"
	default:
		return "error"
	}
}

// klinesWeight is the published request weight by page size.
func klinesWeight(limit int) int {
	switch {
	case limit <= 100:
		return 1
	case limit <= 500:
		return 2
	case limit <= 1000:
		return 5
	default:
		return 10
	}
}

// ExchangeInfo returns all futures markets. The resolver filters them.
func (c *Client) ExchangeInfo(ctx context.Context) ([]ExchangeSymbol, error) {
	var resp exchangeInfoResponse
	if err := c.get(ctx, "/fapi/v1/exchangeInfo", 1, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch exchange info: %w", err)
	}
	return resp.Symbols, nil
}

// Klines fetches one page of candles starting at startMS (0 means latest).
func (c *Client) Klines(ctx context.Context, symbol string, interval market.Interval, startMS int64, limit int) ([]Kline, error) {
	if limit <= 0 {
		limit = 500
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", string(interval))
	q.Set("limit", strconv.Itoa(limit))
	if startMS > 0 {
		q.Set("startTime", strconv.FormatInt(startMS, 10))
	}

	var raw [][]interface{}
	if err := c.get(ctx, "/fapi/v1/klines", klinesWeight(limit), q, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, arr := range raw {
		k, err := parseKlineArray(arr)
		if err != nil {
			// tolerate individual malformed rows, keep the page
			if c.metrics != nil {
				c.metrics.ParseErrors.WithLabelValues("rest_kline").Inc()
			}
			c.log.Debug().Err(err).Str("symbol", symbol).Msg("dropped malformed kline")
			continue
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// futuresData issues one /futures/data/* request with the 5m period.
func (c *Client) futuresData(ctx context.Context, endpoint, symbol string, limit int, out interface{}) error {
	if limit <= 0 {
		limit = 1
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("period", "5m")
	q.Set("limit", strconv.Itoa(limit))
	return c.get(ctx, endpoint, 1, q, out)
}

// OpenInterestHist samples open interest history for symbol.
func (c *Client) OpenInterestHist(ctx context.Context, symbol string, limit int) ([]OpenInterestStat, error) {
	var out []OpenInterestStat
	if err := c.futuresData(ctx, "/futures/data/openInterestHist", symbol, limit, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch open interest for %s: %w", symbol, err)
	}
	return out, nil
}

// TopPositionRatio samples the top-trader position long/short ratio.
func (c *Client) TopPositionRatio(ctx context.Context, symbol string, limit int) ([]LongShortRatio, error) {
	var out []LongShortRatio
	if err := c.futuresData(ctx, "/futures/data/topLongShortPositionRatio", symbol, limit, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch top position ratio for %s: %w", symbol, err)
	}
	return out, nil
}

// TopAccountRatio samples the top-trader account long/short ratio.
func (c *Client) TopAccountRatio(ctx context.Context, symbol string, limit int) ([]LongShortRatio, error) {
	var out []LongShortRatio
	if err := c.futuresData(ctx, "/futures/data/topLongShortAccountRatio", symbol, limit, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch top account ratio for %s: %w", symbol, err)
	}
	return out, nil
}

// GlobalAccountRatio samples the global account long/short ratio.
func (c *Client) GlobalAccountRatio(ctx context.Context, symbol string, limit int) ([]LongShortRatio, error) {
	var out []LongShortRatio
	if err := c.futuresData(ctx, "/futures/data/globalLongShortAccountRatio", symbol, limit, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch global account ratio for %s: %w", symbol, err)
	}
	return out, nil
}

// TakerVolume samples the taker buy/sell volume ratio.
func (c *Client) TakerVolume(ctx context.Context, symbol string, limit int) ([]TakerVolumeRatio, error) {
	var out []TakerVolumeRatio
	if err := c.futuresData(ctx, "/futures/data/takerlongshortRatio", symbol, limit, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch taker volume ratio for %s: %w", symbol, err)
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
