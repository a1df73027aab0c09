package strategy

import (
	"fmt"
	"sort"
	"sync"

	"binance-hedge-bot-go/internal/models"
)

// Strategy turns a frozen candle window into a signal. The last candle in the
// window is the in-progress one; the returned event must carry its identity.
type Strategy interface {
	Name() string
	Analyze(symbol, timeframe string, candles []models.Candle) models.SignalEvent
}

// Registry manages a named collection of strategies. It is safe for
// concurrent use.
type Registry struct {
	strategies map[string]Strategy
	mu         sync.RWMutex
}

// NewRegistry returns a Registry with the built-in strategies registered.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register(Hold{})
	return r
}

// Register adds s under its own name, replacing any previous entry.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q: not registered", name)
	}
	return s, nil
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Hold never trades.
type Hold struct{}

func (Hold) Name() string { return "hold" }

func (Hold) Analyze(symbol, timeframe string, candles []models.Candle) models.SignalEvent {
	ev := models.SignalEvent{Symbol: symbol, Timeframe: timeframe, Action: models.ActionHold, Reason: "hold"}
	if n := len(candles); n > 0 {
		ev.CandleIdentity = candles[n-1].Identity()
	}
	return ev
}

// Set runs several strategies over the same candle window.
type Set struct {
	strategies []Strategy
}

// NewSet resolves names against the registry, keeping their order.
func NewSet(r *Registry, names []string) (*Set, error) {
	s := &Set{}
	for _, n := range names {
		st, err := r.Get(n)
		if err != nil {
			return nil, err
		}
		s.strategies = append(s.strategies, st)
	}
	return s, nil
}

// Names returns the strategy names in evaluation order.
func (s *Set) Names() []string {
	out := make([]string, len(s.strategies))
	for i, st := range s.strategies {
		out[i] = st.Name()
	}
	return out
}

// Evaluate returns one event per strategy. Symbol, timeframe and strategy
// name are stamped when the strategy leaves them empty; the candle identity
// is left as produced.
func (s *Set) Evaluate(symbol, timeframe string, candles []models.Candle) []models.SignalEvent {
	if len(candles) == 0 {
		return nil
	}
	out := make([]models.SignalEvent, 0, len(s.strategies))
	for _, st := range s.strategies {
		ev := st.Analyze(symbol, timeframe, candles)
		if ev.Symbol == "" {
			ev.Symbol = symbol
		}
		if ev.Timeframe == "" {
			ev.Timeframe = timeframe
		}
		if ev.Strategy == "" {
			ev.Strategy = st.Name()
		}
		out = append(out, ev)
	}
	return out
}
