// Package universe resolves the set of symbols the collectors operate on:
// either a configured allow-list or the live USDT-margined perpetuals from
// the exchange, minus excludes, plus extras.
package universe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/datacat/internal/binance"
	"github.com/sawpanic/datacat/internal/market"
)

// MarketSource lists futures markets. The REST client implements it.
type MarketSource interface {
	ExchangeInfo(ctx context.Context) ([]binance.ExchangeSymbol, error)
}

// Limiter gates the fallback HTTP call.
type Limiter interface {
	Acquire(ctx context.Context, weight int) error
	Release()
}

// Resolver produces the active symbol list. The result is cached for the
// life of the process: the universe changes on the scale of weeks, restarts
// happen more often than listings.
type Resolver struct {
	configured []string
	exclude    []string
	extra      []string

	source      MarketSource
	limiter     Limiter
	fallbackURL string
	log         zerolog.Logger

	mu     sync.Mutex
	cached []string
}

// New builds a resolver. configured, when non-empty, short-circuits the
// exchange lookup entirely.
func New(configured, exclude, extra []string, source MarketSource, limiter Limiter, logger zerolog.Logger) *Resolver {
	return &Resolver{
		configured:  market.NormalizeSymbols(configured),
		exclude:     market.NormalizeSymbols(exclude),
		extra:       market.NormalizeSymbols(extra),
		source:      source,
		limiter:     limiter,
		fallbackURL: binance.DefaultBaseURL + "/fapi/v1/exchangeInfo",
		log:         logger.With().Str("component", "universe").Logger(),
	}
}

// SetFallbackURL overrides the raw exchangeInfo endpoint. Tests use this.
func (r *Resolver) SetFallbackURL(u string) {
	r.fallbackURL = u
}

// Resolve returns the deduplicated, sorted symbol list, applying excludes
// and extras on top of whichever source produced the base set.
func (r *Resolver) Resolve(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil {
		return r.cached, nil
	}

	base, err := r.baseSet(ctx)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]struct{}, len(r.exclude))
	for _, s := range r.exclude {
		excluded[s] = struct{}{}
	}

	kept := make([]string, 0, len(base)+len(r.extra))
	for _, s := range base {
		if _, skip := excluded[s]; skip {
			continue
		}
		kept = append(kept, s)
	}
	kept = append(kept, r.extra...)

	r.cached = market.NormalizeSymbols(kept)
	r.log.Info().Int("symbols", len(r.cached)).Msg("universe resolved")
	return r.cached, nil
}

// baseSet picks the base universe: configured list, then the exchange
// client, then the raw exchangeInfo fallback.
func (r *Resolver) baseSet(ctx context.Context) ([]string, error) {
	if len(r.configured) > 0 {
		r.log.Debug().Int("symbols", len(r.configured)).Msg("using configured universe")
		return r.configured, nil
	}

	symbols, err := r.fromClient(ctx)
	if err == nil {
		return symbols, nil
	}
	r.log.Warn().Err(err).Msg("market load failed, trying exchangeInfo fallback")

	symbols, ferr := r.fromFallback(ctx)
	if ferr != nil {
		return nil, fmt.Errorf("failed to resolve universe: %w (fallback: %v)", err, ferr)
	}
	return symbols, nil
}

func (r *Resolver) fromClient(ctx context.Context) ([]string, error) {
	markets, err := r.source.ExchangeInfo(ctx)
	if err != nil {
		return nil, err
	}
	return filterPerpetuals(markets)
}

// fromFallback is a minimal anonymous GET of exchangeInfo, still passing
// through the rate limiter, for when the client path is down.
func (r *Resolver) fromFallback(ctx context.Context) ([]string, error) {
	if err := r.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.limiter.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.fallbackURL, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fallback request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fallback returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("fallback read failed: %w", err)
	}
	var info struct {
		Symbols []binance.ExchangeSymbol `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("fallback decode failed: %w", err)
	}
	return filterPerpetuals(info.Symbols)
}

func filterPerpetuals(markets []binance.ExchangeSymbol) ([]string, error) {
	out := make([]string, 0, len(markets))
	for _, m := range markets {
		if m.IsTradingPerpetual() {
			out = append(out, m.Symbol)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("exchange returned no tradable perpetuals")
	}
	return out, nil
}
