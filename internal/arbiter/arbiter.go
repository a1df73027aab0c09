package arbiter

import (
	"fmt"
	"sort"

	"binance-hedge-bot-go/internal/models"
)

// DefaultRow is the eligibility row used for timeframes without their own entry.
const DefaultRow = "*"

// ValidationError marks a malformed signal. It is dropped before admission.
type ValidationError struct {
	Field  string
	Reason string
	Event  models.SignalEvent
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid signal %s/%s (%s): %s %s", e.Event.Symbol, e.Event.Timeframe, e.Event.Strategy, e.Field, e.Reason)
}

// Selection is the single signal allowed to act this tick.
type Selection struct {
	Signal         models.SignalEvent
	TakeProfitOnly bool
	Suppressed     []models.SignalEvent // lower-priority signals that fired on the same tick
}

// Arbiter applies the per-timeframe eligibility table and the priority policy.
// It holds no mutable state.
type Arbiter struct {
	eligibility map[string]models.EligibilityRule
}

func New(eligibility map[string]models.EligibilityRule) *Arbiter {
	rules := make(map[string]models.EligibilityRule, len(eligibility))
	for tf, r := range eligibility {
		rules[tf] = r
	}
	return &Arbiter{eligibility: rules}
}

// Rule returns the eligibility row for timeframe.
func (a *Arbiter) Rule(timeframe string) models.EligibilityRule {
	if r, ok := a.eligibility[timeframe]; ok {
		return r
	}
	return a.eligibility[DefaultRow]
}

// rank orders signal types: MAIN_TREND > SUB_BOTTOM/SUB_TOP > SUB_ORDER_BLOCK > TP_*.
func rank(t models.SignalType) int {
	switch t {
	case models.SignalMainTrend:
		return 3
	case models.SignalSubBottom, models.SignalSubTop:
		return 2
	case models.SignalSubOrderBlock:
		return 1
	}
	return 0
}

type candidate struct {
	event  models.SignalEvent
	tpOnly bool
}

// Select returns the highest-priority actionable signal among events, or nil
// when nothing should act. Malformed events are returned as ValidationErrors.
func (a *Arbiter) Select(rc models.RiskConfig, symbol, timeframe string, candleIdentity int64, events []models.SignalEvent) (*Selection, []error) {
	var (
		errs       []error
		candidates []candidate
	)
	rule := a.Rule(timeframe)

	for _, ev := range events {
		if err := validate(ev, symbol, timeframe, candleIdentity); err != nil {
			errs = append(errs, err)
			continue
		}
		if ev.Action == models.ActionHold {
			continue
		}
		tpOnly := ev.Type.IsTakeProfit() || rule.For(ev.Type.Category()) == models.EligibilityTPOnly
		candidates = append(candidates, candidate{event: resolve(rc, ev, tpOnly), tpOnly: tpOnly})
	}
	if len(candidates) == 0 {
		return nil, errs
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := rank(candidates[i].event.Type), rank(candidates[j].event.Type)
		if ri != rj {
			return ri > rj
		}
		return !candidates[i].tpOnly && candidates[j].tpOnly
	})

	sel := &Selection{Signal: candidates[0].event, TakeProfitOnly: candidates[0].tpOnly}
	for _, c := range candidates[1:] {
		sel.Suppressed = append(sel.Suppressed, c.event)
	}
	return sel, errs
}

func validate(ev models.SignalEvent, symbol, timeframe string, candleIdentity int64) error {
	fail := func(field, reason string) error {
		return &ValidationError{Field: field, Reason: reason, Event: ev}
	}
	switch ev.Action {
	case models.ActionLong, models.ActionShort:
	case models.ActionHold:
		return nil
	case "":
		return fail("action", "missing")
	default:
		return fail("action", fmt.Sprintf("unknown value %q", ev.Action))
	}
	if ev.Type == "" {
		return fail("type", "missing")
	}
	if !ev.Type.Valid() {
		return fail("type", fmt.Sprintf("unknown value %q", ev.Type))
	}
	if ev.Symbol != symbol {
		return fail("symbol", fmt.Sprintf("expected %s", symbol))
	}
	if ev.Timeframe != timeframe {
		return fail("timeframe", fmt.Sprintf("expected %s", timeframe))
	}
	if ev.CandleIdentity != candleIdentity {
		return fail("candle_identity", fmt.Sprintf("%d does not match snapshot candle %d", ev.CandleIdentity, candleIdentity))
	}
	if ev.PositionPct < 0 || ev.PositionPct > 1 {
		return fail("position_pct", "must be within [0,1]")
	}
	if ev.Leverage < 0 {
		return fail("leverage", "must not be negative")
	}
	return nil
}

// resolve fills sizing from config where the producer left it unset, and
// forces take-profit-only signals to zero size.
func resolve(rc models.RiskConfig, ev models.SignalEvent, tpOnly bool) models.SignalEvent {
	out := ev
	if out.Leverage == 0 {
		out.Leverage = rc.Leverage
	}
	switch {
	case tpOnly:
		out.PositionPct = 0
	case out.PositionPct > 0:
	case ev.Type.IsMain():
		out.PositionPct = rc.MainPositionPct
	default:
		out.PositionPct = rc.SubPositionPct
	}
	return out
}
