package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/datacat/internal/market"
)

// fakeLimiter records admission calls and ban deadlines.
type fakeLimiter struct {
	mu       sync.Mutex
	weights  []int
	released int
	banUntil time.Time
}

func (l *fakeLimiter) Acquire(_ context.Context, weight int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.weights = append(l.weights, weight)
	return nil
}

func (l *fakeLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
}

func (l *fakeLimiter) SetBan(until time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.banUntil = until
	return nil
}

func newTestClient(t *testing.T, limiter *fakeLimiter, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(limiter, "", nil, zerolog.Nop())
	require.NoError(t, err)
	c.SetBaseURL(baseURL)
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c
}

func TestKlinesDecodesPage(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`[
			[1700000000000,"100.1","101.2","99.9","100.8","12.5",1700000059999,"1260.0",42,"6.1","615.0","0"],
			[1700000060000,"100.8","100.9","100.0","100.2","8.0",1700000119999,"804.0",17,"4.0","402.0","0"]
		]`))
	}))
	defer srv.Close()

	limiter := &fakeLimiter{}
	c := newTestClient(t, limiter, srv.URL)

	klines, err := c.Klines(context.Background(), "BTCUSDT", market.Interval1m, 1700000000000, 500)
	require.NoError(t, err)
	require.Len(t, klines, 2)

	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), klines[0].OpenTime)
	assert.Equal(t, 100.1, klines[0].Open)
	assert.Equal(t, 101.2, klines[0].High)
	assert.Equal(t, 12.5, klines[0].Volume)
	assert.Equal(t, 1260.0, klines[0].QuoteVolume)
	assert.Equal(t, int64(42), klines[0].TradeCount)
	assert.Equal(t, 6.1, klines[0].TakerBuyVolume)
	assert.Equal(t, 615.0, klines[0].TakerBuyQuoteVolume)

	assert.Contains(t, gotQuery, "symbol=BTCUSDT")
	assert.Contains(t, gotQuery, "interval=1m")
	assert.Contains(t, gotQuery, "startTime=1700000000000")

	// 500-row pages carry weight 2, and the slot was released.
	assert.Equal(t, []int{2}, limiter.weights)
	assert.Equal(t, 1, limiter.released)
}

func TestKlinesDropsMalformedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[
			[1700000000000,"100.1","101.2","99.9","100.8","12.5",1700000059999,"1260.0",42,"6.1","615.0","0"],
			[1700000060000,"short"]
		]`))
	}))
	defer srv.Close()

	c := newTestClient(t, &fakeLimiter{}, srv.URL)
	klines, err := c.Klines(context.Background(), "BTCUSDT", market.Interval1m, 0, 100)
	require.NoError(t, err)
	assert.Len(t, klines, 1)
}

func TestNotFoundIsTypedAndNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, &fakeLimiter{}, srv.URL)
	_, err := c.Klines(context.Background(), "NOPEUSDT", market.Interval1m, 0, 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 1, calls)
}

func TestRateLimitRecordsBanFromRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	limiter := &fakeLimiter{}
	c := newTestClient(t, limiter, srv.URL)
	now := time.Unix(1700000000, 0).UTC()
	c.now = func() time.Time { return now }

	_, err := c.Klines(context.Background(), "BTCUSDT", market.Interval1m, 0, 100)
	require.Error(t, err)
	assert.True(t, IsBan(err))

	var be *BanError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, http.StatusTooManyRequests, be.Status)
	assert.Equal(t, now.Add(120*time.Second), be.Until)
	assert.Equal(t, now.Add(120*time.Second), limiter.banUntil)
}

func TestIPBanParsesDeadlineFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`{"code":-1003,"msg":"Way too much request weight used; IP banned until 1700000123000."}`))
	}))
	defer srv.Close()

	limiter := &fakeLimiter{}
	c := newTestClient(t, limiter, srv.URL)
	c.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }

	_, err := c.ExchangeInfo(context.Background())
	require.Error(t, err)
	assert.True(t, IsBan(err))

	assert.Equal(t, time.UnixMilli(1700000123000).UTC(), limiter.banUntil.UTC())
}

func TestTransientFailuresAreRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"symbols":[]}`))
	}))
	defer srv.Close()

	var backoffs []time.Duration
	c := newTestClient(t, &fakeLimiter{}, srv.URL)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		backoffs = append(backoffs, d)
		return ctx.Err()
	}

	_, err := c.ExchangeInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, backoffs)
}

func TestTransientFailuresExhaustAttempts(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, &fakeLimiter{}, srv.URL)
	_, err := c.ExchangeInfo(context.Background())
	require.Error(t, err)
	assert.Equal(t, maxAttempts, calls)
	assert.True(t, isTransient(err))
}

func TestKlinesWeightTiers(t *testing.T) {
	assert.Equal(t, 1, klinesWeight(100))
	assert.Equal(t, 2, klinesWeight(500))
	assert.Equal(t, 5, klinesWeight(1000))
	assert.Equal(t, 10, klinesWeight(1500))
}
