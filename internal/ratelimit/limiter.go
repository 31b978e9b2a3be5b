// Package ratelimit implements the host-wide Binance request budget shared
// by every collector process on the machine: a weighted token bucket whose
// counters live on disk behind an advisory file lock, plus a ban deadline
// file that all processes honor.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

const (
	stateFileName = "rate_limit_state"
	banFileName   = "ban_until"
	lockFileName  = "rate_limit.lock"

	// banGrace is added on top of the exchange-supplied deadline before any
	// process sends again.
	banGrace = 5 * time.Second

	// defaultBanDuration applies when a 418/429 body carries no deadline.
	defaultBanDuration = 60 * time.Second

	lockRetryDelay = 10 * time.Millisecond

	// refillPad keeps a retry from landing exactly on the token boundary.
	refillPad = 25 * time.Millisecond
)

// state is the on-disk bucket representation. Peer processes parse this
// file, so the field names are a compatibility surface.
type state struct {
	Tokens         float64 `json:"tokens"`
	LastRefillUnix float64 `json:"last_refill_unix"`
}

// Stats is a point-in-time view for the status endpoint.
type Stats struct {
	Capacity     float64   `json:"capacity"`
	Tokens       float64   `json:"tokens"`
	RefillPerSec float64   `json:"refill_per_sec"`
	InFlight     int       `json:"in_flight"`
	MaxInFlight  int       `json:"max_in_flight"`
	BanUntil     time.Time `json:"ban_until,omitempty"`
}

// Limiter coordinates request admission across processes. All instances
// pointed at the same directory share one budget.
type Limiter struct {
	capacity     float64
	refillPerSec float64

	dir       string
	statePath string
	banPath   string
	lock      *flock.Flock

	sem chan struct{}
	log zerolog.Logger

	// WaitHook, when set, observes the total admission wait per Acquire.
	WaitHook func(time.Duration)

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New builds a limiter rooted at dir, creating it if needed. ratePerMinute
// and maxConcurrent are clamped to the service-protection caps (2400, 20)
// regardless of configuration.
func New(dir string, ratePerMinute, maxConcurrent int, logger zerolog.Logger) (*Limiter, error) {
	if ratePerMinute <= 0 || ratePerMinute > 2400 {
		ratePerMinute = 2400
	}
	if maxConcurrent <= 0 || maxConcurrent > 20 {
		maxConcurrent = 20
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create rate limit state dir: %w", err)
	}

	capacity := float64(ratePerMinute)
	return &Limiter{
		capacity:     capacity,
		refillPerSec: capacity / 60.0,
		dir:          dir,
		statePath:    filepath.Join(dir, stateFileName),
		banPath:      filepath.Join(dir, banFileName),
		lock:         flock.New(filepath.Join(dir, lockFileName)),
		sem:          make(chan struct{}, maxConcurrent),
		log:          logger.With().Str("component", "ratelimit").Logger(),
		now:          time.Now,
		sleep:        sleepCtx,
	}, nil
}

// Acquire blocks until weight tokens, a concurrency slot, and a ban-free
// window are all available. Callers must Release exactly once per successful
// Acquire, after the HTTP round trip completes.
func (l *Limiter) Acquire(ctx context.Context, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	if float64(weight) > l.capacity {
		return fmt.Errorf("request weight %d exceeds bucket capacity %.0f", weight, l.capacity)
	}

	start := l.now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Ban gate first: re-read the deadline on every attempt so a ban set
		// by a peer process mid-wait is honored.
		if until := l.BanUntil(); until.After(l.now()) {
			wait := until.Add(banGrace).Sub(l.now())
			l.log.Warn().
				Time("ban_until", until).
				Dur("wait", wait).
				Msg("ban active, holding all requests")
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		granted, wait, err := l.take(ctx, float64(weight))
		if err != nil {
			<-l.sem
			return err
		}
		if granted {
			if l.WaitHook != nil {
				l.WaitHook(l.now().Sub(start))
			}
			return nil
		}

		// Not enough tokens: give the slot back before sleeping so peers in
		// this process are not starved, then retry from the ban gate.
		<-l.sem
		l.log.Debug().Dur("wait", wait).Int("weight", weight).Msg("token bucket drained, waiting for refill")
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Release frees the concurrency slot taken by a successful Acquire.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
	default:
		// Release without a matching Acquire is a programming error; keep
		// the limiter usable instead of blocking.
		l.log.Error().Msg("release without matching acquire")
	}
}

// take runs one read-refill-deduct cycle under the cross-process lock.
// Returns granted=false with the suggested wait when tokens are short.
func (l *Limiter) take(ctx context.Context, weight float64) (bool, time.Duration, error) {
	locked, err := l.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return false, 0, fmt.Errorf("failed to lock rate limit state: %w", err)
	}
	if !locked {
		return false, 0, fmt.Errorf("failed to lock rate limit state")
	}
	defer l.lock.Unlock()

	st := l.loadState()
	nowUnix := unixFloat(l.now())
	elapsed := nowUnix - st.LastRefillUnix
	if elapsed < 0 {
		elapsed = 0
	}
	st.Tokens = math.Min(l.capacity, st.Tokens+elapsed*l.refillPerSec)
	st.LastRefillUnix = nowUnix

	if st.Tokens >= weight {
		st.Tokens -= weight
		if err := l.saveState(st); err != nil {
			return false, 0, err
		}
		return true, 0, nil
	}

	// Persist the refill progress so peers observe the same token count.
	if err := l.saveState(st); err != nil {
		return false, 0, err
	}
	need := weight - st.Tokens
	wait := time.Duration(need/l.refillPerSec*float64(time.Second)) + refillPad
	return false, wait, nil
}

// SetBan records a ban deadline, keeping the later of the new and any
// existing deadline so parallel 429/418 responses never shorten a ban.
func (l *Limiter) SetBan(until time.Time) error {
	locked, err := l.lock.TryLockContext(context.Background(), lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to lock rate limit state: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to lock rate limit state")
	}
	defer l.lock.Unlock()

	if existing := l.BanUntil(); existing.After(until) {
		until = existing
	}
	payload := strconv.FormatFloat(unixFloat(until), 'f', 3, 64)
	if err := l.writeAtomic(l.banPath, []byte(payload)); err != nil {
		return err
	}
	l.log.Warn().Time("ban_until", until).Msg("ban deadline recorded")
	return nil
}

// BanUntil reads the shared ban deadline; zero time means no ban on file.
func (l *Limiter) BanUntil() time.Time {
	data, err := os.ReadFile(l.banPath)
	if err != nil {
		return time.Time{}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil || v <= 0 {
		// Unreadable deadline is treated as no ban rather than a wedge.
		return time.Time{}
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// Stats snapshots the bucket for the status endpoint.
func (l *Limiter) Stats() Stats {
	st := l.loadState()
	nowUnix := unixFloat(l.now())
	elapsed := nowUnix - st.LastRefillUnix
	if elapsed > 0 {
		st.Tokens = math.Min(l.capacity, st.Tokens+elapsed*l.refillPerSec)
	}
	return Stats{
		Capacity:     l.capacity,
		Tokens:       st.Tokens,
		RefillPerSec: l.refillPerSec,
		InFlight:     len(l.sem),
		MaxInFlight:  cap(l.sem),
		BanUntil:     l.BanUntil(),
	}
}

// loadState reads the bucket file; a missing or corrupt file yields a fresh
// full bucket so one bad write can never wedge every process.
func (l *Limiter) loadState() state {
	fresh := state{Tokens: l.capacity, LastRefillUnix: unixFloat(l.now())}

	data, err := os.ReadFile(l.statePath)
	if err != nil {
		return fresh
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		l.log.Warn().Err(err).Msg("corrupt rate limit state, starting from full bucket")
		return fresh
	}
	if st.Tokens < 0 || math.IsNaN(st.Tokens) || st.Tokens > l.capacity {
		return fresh
	}
	return st
}

func (l *Limiter) saveState(st state) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode rate limit state: %w", err)
	}
	return l.writeAtomic(l.statePath, data)
}

// writeAtomic stages the payload in a temp file and renames it into place so
// peer readers never observe a half-written file.
func (l *Limiter) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(l.dir, ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

var banUntilRe = regexp.MustCompile(`banned until (\d+)`)

// ParseBanUntil extracts the ban deadline from a Binance 418/429 body such
// as "Way too many requests; IP banned until 1800000000000.". Bodies without
// a parsable deadline get a conservative now+60s.
func ParseBanUntil(body string, now time.Time) time.Time {
	if m := banUntilRe.FindStringSubmatch(body); m != nil {
		if ms, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	return now.Add(defaultBanDuration)
}

func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
