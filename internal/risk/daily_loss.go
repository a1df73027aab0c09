package risk

import (
	"sync"
	"time"
)

// DailyLossTracker accumulates realised PnL for the current UTC day.
type DailyLossTracker struct {
	mu  sync.Mutex
	day time.Time
	pnl float64
	now func() time.Time
}

func NewDailyLossTracker(now func() time.Time) *DailyLossTracker {
	if now == nil {
		now = time.Now
	}
	return &DailyLossTracker{now: now, day: StartOfDay(now())}
}

// StartOfDay returns midnight UTC of t's day.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// roll resets the accumulator when the UTC day changed. Caller holds mu.
func (t *DailyLossTracker) roll() {
	today := StartOfDay(t.now())
	if !today.Equal(t.day) {
		t.day = today
		t.pnl = 0
	}
}

// Seed replaces today's realised PnL, used at startup from the trade log.
func (t *DailyLossTracker) Seed(pnl float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	t.pnl = pnl
}

// Record adds a realised PnL amount (negative for a loss).
func (t *DailyLossTracker) Record(pnl float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	t.pnl += pnl
}

// Loss returns today's net realised loss as a positive number, 0 when in profit.
func (t *DailyLossTracker) Loss() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	if t.pnl >= 0 {
		return 0
	}
	return -t.pnl
}

// Day returns the UTC day currently accumulated.
func (t *DailyLossTracker) Day() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	return t.day
}
