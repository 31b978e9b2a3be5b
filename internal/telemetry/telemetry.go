// Package telemetry holds the collector counters and renders the periodic
// one-line summary that goes through the log pipeline.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
)

// Metrics is the process-local metrics registry. Every mode creates exactly
// one and threads it through the components it starts.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec // host, endpoint
	RequestsFailed *prometheus.CounterVec // host, reason
	RowsWritten    *prometheus.CounterVec // table
	GapsFound      *prometheus.CounterVec // kind
	GapsFilled     *prometheus.CounterVec // kind, tier
	ZipDownloads   *prometheus.CounterVec // status
	ParseErrors    *prometheus.CounterVec // source
	WSEvents       *prometheus.CounterVec // type
	Flushes        *prometheus.CounterVec // trigger

	RateLimitWait prometheus.Histogram

	LastCollectDuration  prometheus.Gauge
	LastBackfillDuration prometheus.Gauge
	BufferedRows         prometheus.Gauge
}

// New builds and registers all collector metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacat_requests_total",
				Help: "Outbound HTTP requests by host and endpoint",
			},
			[]string{"host", "endpoint"},
		),
		RequestsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacat_requests_failed_total",
				Help: "Outbound HTTP requests that failed, by host and reason",
			},
			[]string{"host", "reason"},
		),
		RowsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacat_rows_written_total",
				Help: "Rows accepted by the store, by target table",
			},
			[]string{"table"},
		),
		GapsFound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacat_gaps_found_total",
				Help: "Day gaps detected by the scanner, by data kind",
			},
			[]string{"kind"},
		),
		GapsFilled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacat_gaps_filled_total",
				Help: "Day gaps repaired, by data kind and fill tier",
			},
			[]string{"kind", "tier"},
		),
		ZipDownloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacat_zip_downloads_total",
				Help: "Archive downloads by outcome (hit, fetched, missing, failed)",
			},
			[]string{"status"},
		),
		ParseErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacat_parse_errors_total",
				Help: "Rows dropped by defensive decoding, by source",
			},
			[]string{"source"},
		),
		WSEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacat_ws_events_total",
				Help: "WebSocket stream events by type",
			},
			[]string{"type"},
		),
		Flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacat_flushes_total",
				Help: "Candle buffer flushes by trigger (size, window, final)",
			},
			[]string{"trigger"},
		),

		RateLimitWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "datacat_rate_limit_wait_seconds",
				Help:    "Time spent waiting for rate limit admission",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),

		LastCollectDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "datacat_last_collect_duration_seconds",
				Help: "Wall time of the most recent metrics collection tick",
			},
		),
		LastBackfillDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "datacat_last_backfill_duration_seconds",
				Help: "Wall time of the most recent backfill pass",
			},
		),
		BufferedRows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "datacat_buffered_rows",
				Help: "Candles currently held in the coalescing buffer",
			},
		),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestsFailed,
		m.RowsWritten,
		m.GapsFound,
		m.GapsFilled,
		m.ZipDownloads,
		m.ParseErrors,
		m.WSEvents,
		m.Flushes,
		m.RateLimitWait,
		m.LastCollectDuration,
		m.LastBackfillDuration,
		m.BufferedRows,
	)
	return m
}

// Registry exposes the underlying registry for the ops endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot renders every populated series as "name{labels}=value" joined on
// one line, for the periodic summary log.
func (m *Metrics) Snapshot() string {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Sprintf("gather_error=%q", err.Error())
	}

	var parts []string
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			name := mf.GetName()
			if labels := renderLabels(metric.GetLabel()); labels != "" {
				name += "{" + labels + "}"
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				parts = append(parts, name+"="+formatValue(metric.GetCounter().GetValue()))
			case dto.MetricType_GAUGE:
				parts = append(parts, name+"="+formatValue(metric.GetGauge().GetValue()))
			case dto.MetricType_HISTOGRAM:
				h := metric.GetHistogram()
				parts = append(parts, name+"_count="+strconv.FormatUint(h.GetSampleCount(), 10))
			}
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

// LogSummary emits the snapshot through the given logger.
func (m *Metrics) LogSummary(logger zerolog.Logger, scope string) {
	logger.Info().Str("scope", scope).Str("counters", m.Snapshot()).Msg("telemetry summary")
}

func renderLabels(pairs []*dto.LabelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.GetName()+"="+p.GetValue())
	}
	return strings.Join(parts, ",")
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
