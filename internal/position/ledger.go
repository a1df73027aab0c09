package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"binance-hedge-bot-go/internal/models"
	"binance-hedge-bot-go/internal/persistence"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrPending is returned when a symbol already has a transition awaiting confirmation.
var ErrPending = errors.New("transition pending")

// ErrNoPending is returned when a commit or abort finds nothing to act on.
var ErrNoPending = errors.New("no pending transition")

// Ledger owns every HedgeGroup. Callers serialize access per symbol; the
// internal mutex only protects the map.
type Ledger struct {
	mu     sync.Mutex
	groups map[string]*models.HedgeGroup
	store  persistence.GroupStore
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewLedger(store persistence.GroupStore, logger *zap.Logger) *Ledger {
	return &Ledger{
		groups: make(map[string]*models.HedgeGroup),
		store:  store,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Load restores groups from the store.
func (l *Ledger) Load() error {
	groups, err := l.store.LoadGroups()
	if err != nil {
		return fmt.Errorf("load hedge groups: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for s, g := range groups {
		l.groups[s] = g
		if g.Pending != nil {
			l.logger.Warn("restored group with pending transition",
				zap.String("symbol", s),
				zap.String("kind", string(g.Pending.Kind)),
				zap.String("status", string(g.Pending.Status)))
		}
	}
	return nil
}

// get returns the live group for symbol, creating an empty one. Caller holds mu.
func (l *Ledger) get(symbol string) *models.HedgeGroup {
	g, ok := l.groups[symbol]
	if !ok {
		g = &models.HedgeGroup{Symbol: symbol}
		l.groups[symbol] = g
	}
	return g
}

// Group returns a copy of the group for symbol.
func (l *Ledger) Group(symbol string) *models.HedgeGroup {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(symbol).Clone()
}

// Groups returns copies of every known group ordered by symbol.
func (l *Ledger) Groups() []*models.HedgeGroup {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.HedgeGroup, 0, len(l.groups))
	for _, g := range l.groups {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// replace swaps in next and persists it. The in-memory group always reflects
// what was executed even if the write fails.
func (l *Ledger) replace(next *models.HedgeGroup) error {
	l.mu.Lock()
	l.groups[next.Symbol] = next
	snapshot := next.Clone()
	l.mu.Unlock()

	if err := l.store.SaveGroup(snapshot); err != nil {
		l.logger.Error("failed to persist hedge group", zap.String("symbol", next.Symbol), zap.Error(err))
		return fmt.Errorf("persist group %s: %w", next.Symbol, err)
	}
	return nil
}

// PlanSignal computes the transition for an admitted signal at price.
func (l *Ledger) PlanSignal(symbol string, sig Signal, price, equity float64, cfg models.RiskConfig) (models.Transition, error) {
	g := l.Group(symbol)
	if g.Pending != nil {
		return models.Transition{}, ErrPending
	}
	return planSignal(g, sig, price, equity, cfg.HedgeCap, l.newID), nil
}

// PlanExit evaluates escape and hard take-profit for symbol at price.
func (l *Ledger) PlanExit(symbol string, price float64, cfg models.RiskConfig) models.Transition {
	g := l.Group(symbol)
	if g.Pending != nil {
		return models.Transition{Symbol: symbol, Kind: models.TransitionNoOp, Reason: "pending transition"}
	}
	return planExit(g, price, cfg)
}

// Begin records t as pending before any order is sent.
func (l *Ledger) Begin(t models.Transition) error {
	g := l.Group(t.Symbol)
	if g.Pending != nil {
		return ErrPending
	}
	g.Pending = &models.PendingTransition{
		Transition: t,
		Status:     models.PendingSubmitted,
		CreatedAt:  l.now(),
	}
	return l.replace(g)
}

// RecordFill stores the fill of one leg of the pending transition.
func (l *Ledger) RecordFill(symbol string, leg int, fill models.Fill) error {
	g := l.Group(symbol)
	if g.Pending == nil {
		return ErrNoPending
	}
	if leg < 0 || leg >= len(g.Pending.Legs) {
		return fmt.Errorf("record fill: leg %d out of range", leg)
	}
	f := fill
	g.Pending.Legs[leg].Fill = &f
	return l.replace(g)
}

// MarkPending records a failed attempt; the transition stays pending.
func (l *Ledger) MarkPending(symbol string, status models.PendingStatus, cause error) (*models.PendingTransition, error) {
	g := l.Group(symbol)
	if g.Pending == nil {
		return nil, ErrNoPending
	}
	g.Pending.Status = status
	g.Pending.Attempts++
	if cause != nil {
		g.Pending.LastError = cause.Error()
	}
	p := g.Pending.Clone()
	return p, l.replace(g)
}

// Commit applies the pending transition. Every leg must have a fill.
func (l *Ledger) Commit(symbol string) (*models.HedgeGroup, []LegResult, error) {
	g := l.Group(symbol)
	if g.Pending == nil {
		return nil, nil, ErrNoPending
	}
	for i, leg := range g.Pending.Legs {
		if leg.Fill == nil {
			return nil, nil, fmt.Errorf("commit %s: leg %d has no fill", symbol, i)
		}
	}
	return l.finish(g, "committed")
}

// Abort clears the pending transition, keeping only legs that were filled.
func (l *Ledger) Abort(symbol, reason string) (*models.HedgeGroup, []LegResult, error) {
	g := l.Group(symbol)
	if g.Pending == nil {
		return nil, nil, ErrNoPending
	}
	l.logger.Warn("aborting pending transition",
		zap.String("symbol", symbol),
		zap.String("kind", string(g.Pending.Kind)),
		zap.String("reason", reason))
	return l.finish(g, "aborted")
}

func (l *Ledger) finish(g *models.HedgeGroup, how string) (*models.HedgeGroup, []LegResult, error) {
	t := g.Pending.Transition
	next, results, err := apply(g, t, l.now())
	if err != nil {
		return nil, nil, &InvariantViolation{Symbol: g.Symbol, Reason: err.Error(), Group: g}
	}
	if err := l.replace(next); err != nil {
		return next.Clone(), results, err
	}
	l.logger.Info("transition "+how,
		zap.String("symbol", g.Symbol),
		zap.String("kind", string(t.Kind)),
		zap.Stringer("state", next.State()))
	if err := CheckInvariants(next, MaxHedges); err != nil {
		return next.Clone(), results, err
	}
	return next.Clone(), results, nil
}

// ApplyImmediate applies a transition that needs no order, e.g. a promotion.
func (l *Ledger) ApplyImmediate(t models.Transition) (*models.HedgeGroup, error) {
	if t.RequiresOrders() {
		return nil, fmt.Errorf("apply %s: transition requires orders", t.Kind)
	}
	g := l.Group(t.Symbol)
	if g.Pending != nil {
		return nil, ErrPending
	}
	next, _, err := apply(g, t, l.now())
	if err != nil {
		return nil, &InvariantViolation{Symbol: g.Symbol, Reason: err.Error(), Group: g}
	}
	if err := l.replace(next); err != nil {
		return next.Clone(), err
	}
	l.logger.Info("transition applied",
		zap.String("symbol", t.Symbol),
		zap.String("kind", string(t.Kind)),
		zap.Stringer("state", next.State()))
	return next.Clone(), CheckInvariants(next, MaxHedges)
}

// Reconcile resolves a pending transition against the exchange's exposure.
// Applied transitions get synthetic fills at the intent price for legs that
// never reported one.
func (l *Ledger) Reconcile(symbol string, exchange map[models.PositionSide]float64) (ReconcileOutcome, *models.HedgeGroup, []LegResult, error) {
	g := l.Group(symbol)
	if g.Pending == nil {
		return ReconcileNotApplied, nil, nil, ErrNoPending
	}
	outcome := ClassifyExposure(g, exchange)
	switch outcome {
	case ReconcileApplied:
		for i, leg := range g.Pending.Legs {
			if leg.Fill != nil {
				continue
			}
			in := leg.Intent
			if err := l.RecordFill(symbol, i, models.Fill{
				ClientOrderID: in.ClientOrderID,
				Symbol:        in.Symbol,
				Side:          in.Side,
				PositionSide:  in.PositionSide,
				Quantity:      in.Quantity,
				Price:         in.Price,
				FilledAt:      l.now(),
			}); err != nil {
				return outcome, nil, nil, err
			}
		}
		next, results, err := l.Commit(symbol)
		return outcome, next, results, err
	case ReconcileNotApplied:
		next, results, err := l.Abort(symbol, "exchange shows pre-transition exposure")
		return outcome, next, results, err
	}
	return outcome, g, nil, &InvariantViolation{
		Symbol: symbol,
		Reason: fmt.Sprintf("exchange exposure %v matches neither side of pending %s", exchange, g.Pending.Kind),
		Group:  g,
	}
}
