// Package ops serves the liveness surface for the long-running ws daemon:
// /health, /status, and /metrics. It is not the query API; it exposes no
// stored data.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sawpanic/datacat/internal/ratelimit"
	"github.com/sawpanic/datacat/internal/telemetry"
)

// StatusSource supplies the moving parts of the /status payload. Fields the
// running mode has no component for stay nil.
type StatusSource struct {
	Limiter interface{ Stats() ratelimit.Stats }
	Buffer  interface{ Len() int }
	Watcher interface {
		Status() (lookbackDays int, lastRun time.Time, lastFound int)
	}
	Unfillable interface{ UnfillableCount() int }
}

type statusPayload struct {
	Mode       string           `json:"mode"`
	Uptime     string           `json:"uptime"`
	Limiter    *ratelimit.Stats `json:"limiter,omitempty"`
	BufferRows *int             `json:"buffer_rows,omitempty"`
	GapWatcher *watcherStatus   `json:"gap_watcher,omitempty"`
	Unfillable *int             `json:"unfillable,omitempty"`
}

type watcherStatus struct {
	LookbackDays int       `json:"lookback_days"`
	LastRun      time.Time `json:"last_run"`
	LastFound    int       `json:"last_found"`
}

// Server is the ops HTTP listener.
type Server struct {
	srv     *http.Server
	mode    string
	started time.Time
	source  StatusSource
	log     zerolog.Logger
}

// NewServer builds the router. metrics may be nil, in which case /metrics
// responds 404.
func NewServer(addr, mode string, source StatusSource, metrics *telemetry.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		mode:    mode,
		started: time.Now(),
		source:  source,
		log:     logger.With().Str("component", "ops").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start listens in the background. Listener failures are logged, never
// fatal: the collectors outrank the ops surface.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("ops server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("ops server failed")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "mode": s.mode})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := statusPayload{
		Mode:   s.mode,
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if s.source.Limiter != nil {
		stats := s.source.Limiter.Stats()
		payload.Limiter = &stats
	}
	if s.source.Buffer != nil {
		n := s.source.Buffer.Len()
		payload.BufferRows = &n
	}
	if s.source.Watcher != nil {
		days, last, found := s.source.Watcher.Status()
		payload.GapWatcher = &watcherStatus{LookbackDays: days, LastRun: last, LastFound: found}
	}
	if s.source.Unfillable != nil {
		n := s.source.Unfillable.UnfillableCount()
		payload.Unfillable = &n
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}
