package clock

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"binance-hedge-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTime advances only when the clock sleeps. delays adds extra lateness to
// the n-th sleep (1-based) and the clock is cancelled after maxSleeps sleeps.
type fakeTime struct {
	mu        sync.Mutex
	now       time.Time
	sleeps    int
	maxSleeps int
	delays    map[int]time.Duration
	cancel    context.CancelFunc
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps++
	if f.sleeps > f.maxSleeps {
		f.cancel()
		return context.Canceled
	}
	if d > 0 {
		f.now = f.now.Add(d)
	}
	f.now = f.now.Add(f.delays[f.sleeps])
	return nil
}

func runClock(t *testing.T, start time.Time, maxSleeps int, delays map[int]time.Duration) []Tick {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ft := &fakeTime{now: start, maxSleeps: maxSleeps, delays: delays, cancel: cancel}
	cfg := models.ClockConfig{PrecheckSecond: 30, DecisionSecond: 59, DriftToleranceMs: 1500}
	c := New(cfg, zap.NewNop(), WithNow(ft.Now), WithSleep(ft.Sleep))

	var mu sync.Mutex
	var ticks []Tick
	err := c.Run(ctx, func(_ context.Context, tick Tick) {
		mu.Lock()
		defer mu.Unlock()
		ticks = append(ticks, tick)
	})
	require.ErrorIs(t, err, context.Canceled)

	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Scheduled.Before(ticks[j].Scheduled) })
	return ticks
}

func TestNext(t *testing.T) {
	c := New(models.ClockConfig{PrecheckSecond: 30, DecisionSecond: 59}, zap.NewNop())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	next := c.Next(base)
	assert.Equal(t, Precheck, next.Phase)
	assert.Equal(t, base.Add(30*time.Second), next.Scheduled)

	next = c.Next(base.Add(30 * time.Second))
	assert.Equal(t, Decision, next.Phase)
	assert.Equal(t, base.Add(59*time.Second), next.Scheduled)

	next = c.Next(base.Add(59*time.Second + 200*time.Millisecond))
	assert.Equal(t, Precheck, next.Phase)
	assert.Equal(t, base.Add(90*time.Second), next.Scheduled)
}

func TestRun_DeliversEachOffsetOncePerMinute(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ticks := runClock(t, start, 4, nil)

	require.Len(t, ticks, 4)
	assert.Equal(t, []Phase{Precheck, Decision, Precheck, Decision},
		[]Phase{ticks[0].Phase, ticks[1].Phase, ticks[2].Phase, ticks[3].Phase})
	assert.Equal(t, start.Add(30*time.Second), ticks[0].Scheduled)
	assert.Equal(t, start.Add(119*time.Second), ticks[3].Scheduled)
}

func TestRun_LateTickIsSkippedNotReplayed(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// the second sleep (towards 12:00:59) overshoots by 5s
	ticks := runClock(t, start, 4, map[int]time.Duration{2: 5 * time.Second})

	require.Len(t, ticks, 3)
	assert.Equal(t, Precheck, ticks[0].Phase)
	assert.Equal(t, Precheck, ticks[1].Phase)
	assert.Equal(t, start.Add(90*time.Second), ticks[1].Scheduled)
	assert.Equal(t, Decision, ticks[2].Phase)
	assert.Equal(t, start.Add(119*time.Second), ticks[2].Scheduled)
}

func TestRun_SmallLagWithinToleranceIsDelivered(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ticks := runClock(t, start, 1, map[int]time.Duration{1: 700 * time.Millisecond})

	require.Len(t, ticks, 1)
	assert.Equal(t, 700*time.Millisecond, ticks[0].Lag())
}
