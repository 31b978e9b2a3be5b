package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRendersPopulatedSeries(t *testing.T) {
	m := New()
	m.RequestsTotal.WithLabelValues("fapi.binance.com", "klines").Add(3)
	m.RowsWritten.WithLabelValues("candles_1m").Add(1440)
	m.GapsFound.WithLabelValues("candles").Inc()
	m.LastCollectDuration.Set(1.5)

	snap := m.Snapshot()
	assert.Contains(t, snap, "datacat_requests_total{endpoint=klines,host=fapi.binance.com}=3")
	assert.Contains(t, snap, "datacat_rows_written_total{table=candles_1m}=1440")
	assert.Contains(t, snap, "datacat_gaps_found_total{kind=candles}=1")
	assert.Contains(t, snap, "datacat_last_collect_duration_seconds=1.5")

	// one line, space separated
	assert.False(t, strings.ContainsRune(snap, '\n'))
}

func TestSnapshotIncludesHistogramCount(t *testing.T) {
	m := New()
	m.RateLimitWait.Observe(0.2)
	m.RateLimitWait.Observe(1.1)

	assert.Contains(t, m.Snapshot(), "datacat_rate_limit_wait_seconds_count=2")
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.ZipDownloads.WithLabelValues("fetched").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "datacat_zip_downloads_total")
	assert.Contains(t, body, `status="fetched"`)
}
