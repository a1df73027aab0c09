package clock

import (
	"context"
	"sync"
	"time"

	"binance-hedge-bot-go/internal/models"

	"go.uber.org/zap"
)

// Phase identifies which offset within the minute a tick belongs to.
type Phase int

const (
	Precheck Phase = iota
	Decision
)

func (p Phase) String() string {
	if p == Precheck {
		return "precheck"
	}
	return "decision"
}

// Tick is a single clock firing. Scheduled is the nominal offset time and is
// used by consumers as the as-of timestamp for the tick.
type Tick struct {
	Phase     Phase
	Scheduled time.Time
	Fired     time.Time
}

// Lag returns how late the tick fired.
func (t Tick) Lag() time.Duration {
	return t.Fired.Sub(t.Scheduled)
}

type offset struct {
	phase  Phase
	second int
}

// Option configures a Clock.
type Option func(*Clock)

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// WithSleep overrides how the clock waits for the next offset.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Clock) { c.sleep = sleep }
}

// Clock fires ticks at fixed second-of-minute offsets. Each offset is delivered
// at most once per minute; an offset the process was late for by more than the
// drift tolerance is skipped, never replayed.
type Clock struct {
	offsets   []offset
	tolerance time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *zap.Logger

	mu        sync.Mutex
	delivered map[Phase]time.Time
}

// New creates a Clock from the clock configuration.
func New(cfg models.ClockConfig, logger *zap.Logger, opts ...Option) *Clock {
	c := &Clock{
		offsets: []offset{
			{phase: Precheck, second: cfg.PrecheckSecond},
			{phase: Decision, second: cfg.DecisionSecond},
		},
		tolerance: time.Duration(cfg.DriftToleranceMs) * time.Millisecond,
		now:       time.Now,
		sleep:     sleepContext,
		logger:    logger,
		delivered: make(map[Phase]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Next returns the earliest tick strictly after now.
func (c *Clock) Next(now time.Time) Tick {
	base := now.Truncate(time.Minute)
	var best Tick
	for _, minute := range []time.Time{base, base.Add(time.Minute)} {
		for _, off := range c.offsets {
			at := minute.Add(time.Duration(off.second) * time.Second)
			if !at.After(now) {
				continue
			}
			if best.Scheduled.IsZero() || at.Before(best.Scheduled) {
				best = Tick{Phase: off.phase, Scheduled: at}
			}
		}
	}
	return best
}

// Run blocks until ctx is cancelled, invoking handler for every delivered tick.
// Handlers run on their own goroutine so a slow cycle never delays the clock;
// overlapping work is serialized by the consumer. Run waits for in-flight
// handlers before returning.
func (c *Clock) Run(ctx context.Context, handler func(context.Context, Tick)) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		tick := c.Next(c.now())
		if err := c.sleep(ctx, tick.Scheduled.Sub(c.now())); err != nil {
			return err
		}
		tick.Fired = c.now()

		if lag := tick.Lag(); lag > c.tolerance {
			c.logger.Warn("clock drift beyond tolerance, skipping tick",
				zap.Stringer("phase", tick.Phase),
				zap.Time("scheduled", tick.Scheduled),
				zap.Duration("lag", lag))
			continue
		}
		if !c.markDelivered(tick) {
			continue
		}

		wg.Add(1)
		go func(t Tick) {
			defer wg.Done()
			handler(ctx, t)
		}(tick)
	}
}

func (c *Clock) markDelivered(t Tick) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.delivered[t.Phase]; ok && !t.Scheduled.After(last) {
		return false
	}
	c.delivered[t.Phase] = t.Scheduled
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
