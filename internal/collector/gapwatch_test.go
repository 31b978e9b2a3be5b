package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRepairer returns the next count from its script on each pass and
// records the windows it was asked to repair.
type scriptedRepairer struct {
	mu      sync.Mutex
	script  []int
	err     error
	windows [][2]time.Time
}

func (r *scriptedRepairer) Repair(_ context.Context, _ []string, from, to time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = append(r.windows, [2]time.Time{from, to})
	if r.err != nil {
		return 0, r.err
	}
	found := 0
	if len(r.script) > 0 {
		found = r.script[0]
		r.script = r.script[1:]
	}
	return found, nil
}

func newTestWatcher(rep Repairer, initial, capDays int) *GapWatcher {
	g := NewGapWatcher(rep, []string{"BTCUSDT"}, time.Minute, initial, capDays, nil, zerolog.Nop())
	g.now = func() time.Time { return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) }
	return g
}

func TestGapWatcherWindowMatchesLookback(t *testing.T) {
	rep := &scriptedRepairer{script: []int{0}}
	g := newTestWatcher(rep, 2, 7)

	g.cycle(context.Background())

	require.Len(t, rep.windows, 1)
	from, to := rep.windows[0][0], rep.windows[0][1]
	assert.Equal(t, time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC), to)
	assert.Equal(t, to.AddDate(0, 0, -2), from)
}

func TestGapWatcherLookbackGrowsOnGapsUpToCap(t *testing.T) {
	rep := &scriptedRepairer{script: []int{5, 5, 5, 5, 5, 5, 5, 5}}
	g := newTestWatcher(rep, 2, 4)

	for i := 0; i < 5; i++ {
		g.cycle(context.Background())
	}
	days, _, found := g.Status()
	assert.Equal(t, 4, days) // capped
	assert.Equal(t, 5, found)
}

func TestGapWatcherLookbackShrinksOnCleanCyclesToFloor(t *testing.T) {
	rep := &scriptedRepairer{script: []int{0, 0, 0, 0, 0}}
	g := newTestWatcher(rep, 3, 7)

	for i := 0; i < 5; i++ {
		g.cycle(context.Background())
	}
	days, _, found := g.Status()
	assert.Equal(t, 1, days) // floor
	assert.Equal(t, 0, found)
}

func TestGapWatcherKeepsLookbackOnFailure(t *testing.T) {
	rep := &scriptedRepairer{err: errors.New("repair failed")}
	g := newTestWatcher(rep, 3, 7)

	g.cycle(context.Background())

	days, lastRun, _ := g.Status()
	assert.Equal(t, 3, days)
	assert.True(t, lastRun.IsZero()) // failed cycle does not count as a run
}

func TestGapWatcherRunStopsOnContext(t *testing.T) {
	rep := &scriptedRepairer{}
	g := NewGapWatcher(rep, []string{"BTCUSDT"}, 10*time.Millisecond, 2, 7, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
