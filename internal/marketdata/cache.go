package marketdata

import (
	"sort"
	"sync"
	"time"

	"binance-hedge-bot-go/internal/models"
)

type seriesKey struct {
	symbol    string
	timeframe string
}

type series struct {
	candles   []models.Candle
	fetchedAt time.Time
}

// Cache holds the latest candle window per (symbol, timeframe) together with
// the time it was fetched. Readers never see it directly; they take a Snapshot.
type Cache struct {
	mu     sync.RWMutex
	limit  int
	series map[seriesKey]*series
}

// NewCache keeps at most limit candles per series. limit <= 0 keeps everything.
func NewCache(limit int) *Cache {
	return &Cache{limit: limit, series: make(map[seriesKey]*series)}
}

// Put replaces a whole series, typically from a REST fetch.
func (c *Cache) Put(symbol, timeframe string, candles []models.Candle, fetchedAt time.Time) {
	cp := make([]models.Candle, len(candles))
	copy(cp, candles)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].OpenTime.Before(cp[j].OpenTime) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.series[seriesKey{symbol, timeframe}] = &series{candles: c.trim(cp), fetchedAt: fetchedAt}
}

// Update merges a single candle from the stream: a candle with the same open
// time as the last one replaces it, a newer one is appended, an older one is
// dropped.
func (c *Cache) Update(candle models.Candle, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := seriesKey{candle.Symbol, candle.Timeframe}
	s := c.series[k]
	if s == nil {
		s = &series{}
		c.series[k] = s
	}
	n := len(s.candles)
	switch {
	case n == 0 || candle.OpenTime.After(s.candles[n-1].OpenTime):
		s.candles = c.trim(append(s.candles, candle))
	case candle.OpenTime.Equal(s.candles[n-1].OpenTime):
		s.candles[n-1] = candle
	default:
		return
	}
	s.fetchedAt = at
}

func (c *Cache) trim(candles []models.Candle) []models.Candle {
	if c.limit > 0 && len(candles) > c.limit {
		return append([]models.Candle(nil), candles[len(candles)-c.limit:]...)
	}
	return candles
}

// Snapshot freezes every series that is no older than ttl at asOf. A series
// fetched after asOf counts as age zero. ttl <= 0 disables the staleness check.
func (c *Cache) Snapshot(asOf time.Time, ttl time.Duration) *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &Snapshot{AsOf: asOf, series: make(map[seriesKey][]models.Candle, len(c.series))}
	for k, s := range c.series {
		if len(s.candles) == 0 {
			continue
		}
		if ttl > 0 && asOf.Sub(s.fetchedAt) > ttl {
			continue
		}
		cp := make([]models.Candle, len(s.candles))
		copy(cp, s.candles)
		snap.series[k] = cp
	}
	return snap
}

// Snapshot is an immutable view of the market data used by one tick.
type Snapshot struct {
	AsOf   time.Time
	series map[seriesKey][]models.Candle
}

// Candles returns the frozen window for symbol/timeframe. The slice must not
// be modified.
func (s *Snapshot) Candles(symbol, timeframe string) ([]models.Candle, bool) {
	if s == nil {
		return nil, false
	}
	c, ok := s.series[seriesKey{symbol, timeframe}]
	return c, ok
}

// Current returns the most recent (possibly still forming) candle.
func (s *Snapshot) Current(symbol, timeframe string) (models.Candle, bool) {
	c, ok := s.Candles(symbol, timeframe)
	if !ok || len(c) == 0 {
		return models.Candle{}, false
	}
	return c[len(c)-1], true
}

// Price is the close of the freshest candle across the symbol's timeframes.
func (s *Snapshot) Price(symbol string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	var (
		best  models.Candle
		found bool
	)
	for k, c := range s.series {
		if k.symbol != symbol || len(c) == 0 {
			continue
		}
		last := c[len(c)-1]
		if !found || last.OpenTime.After(best.OpenTime) ||
			(last.OpenTime.Equal(best.OpenTime) && last.CloseTime.Before(best.CloseTime)) {
			best, found = last, true
		}
	}
	if !found || best.Close <= 0 {
		return 0, false
	}
	return best.Close, true
}
