package position

import (
	"fmt"
	"math"
	"time"

	"binance-hedge-bot-go/internal/models"
)

// sizeEpsilon absorbs float noise when comparing quantities.
const sizeEpsilon = 1e-9

// Signal is an arbitrated signal as seen by the state machine.
type Signal struct {
	Event          models.SignalEvent
	TakeProfitOnly bool
}

// Quantity converts an equity fraction into contract quantity:
// margin = equity*pct, notional = margin*leverage, qty = notional/price.
func Quantity(equity, pct float64, leverage int, price float64) float64 {
	if price <= 0 || pct <= 0 || equity <= 0 {
		return 0
	}
	if leverage <= 0 {
		leverage = 1
	}
	return equity * pct * float64(leverage) / price
}

// NetROI is summed PnL over summed margin for every open position of the group.
func NetROI(g *models.HedgeGroup, price float64) float64 {
	var pnl, margin float64
	for _, p := range g.Positions() {
		pnl += p.PnL(price)
		margin += p.Margin()
	}
	if margin <= 0 {
		return 0
	}
	return pnl / margin
}

func openLeg(symbol string, side models.PositionSide, role models.Role, qty, price float64, leverage int, id string) models.TransitionLeg {
	return models.TransitionLeg{
		Intent: models.OrderIntent{
			Symbol:       symbol,
			Side:         side.OpenSide(),
			PositionSide: side,
			Quantity:     qty,
			Price:        price,
			Leverage:     leverage,
		},
		PositionID: id,
		Role:       role,
	}
}

func closeLeg(p models.Position, price float64) models.TransitionLeg {
	return models.TransitionLeg{
		Intent: models.OrderIntent{
			Symbol:       p.Symbol,
			Side:         p.Side.CloseSide(),
			PositionSide: p.Side,
			Quantity:     p.Size,
			Price:        price,
			ReduceOnly:   true,
			Leverage:     p.Leverage,
		},
		PositionID: p.ID,
		Role:       p.Role,
		Close:      true,
	}
}

func noop(base models.Transition, kind models.TransitionKind, reason string) models.Transition {
	base.Kind = kind
	base.Reason = reason
	return base
}

// planSignal computes the transition an admitted signal causes. It never
// mutates g. newID names positions created by opening legs.
func planSignal(g *models.HedgeGroup, sig Signal, price, equity float64, hedgeCap int, newID func() string) models.Transition {
	ev := sig.Event
	d := ev.Action.Side()
	t := models.Transition{
		Symbol:         g.Symbol,
		Timeframe:      ev.Timeframe,
		Side:           d,
		CandleIdentity: ev.CandleIdentity,
	}
	st := g.State()

	open := func(kind models.TransitionKind, role models.Role, reason string) models.Transition {
		if ev.PositionPct <= 0 {
			return noop(t, models.TransitionNoOp, "position size is zero")
		}
		qty := Quantity(equity, ev.PositionPct, ev.Leverage, price)
		t.Kind = kind
		t.Reason = reason
		t.Legs = []models.TransitionLeg{openLeg(g.Symbol, d, role, qty, price, ev.Leverage, newID())}
		return t
	}

	switch st.Kind {
	case models.StateFlat:
		if sig.TakeProfitOnly {
			return noop(t, models.TransitionNoOp, "take-profit signal with no exposure")
		}
		return open(models.TransitionOpenMain, models.RoleMain, fmt.Sprintf("%s opens main %s", ev.Type, d))

	case models.StateMainOnly, models.StateMainPlusHedge:
		main := *g.Main
		if d == main.Side {
			if st.Kind == models.StateMainOnly {
				return noop(t, models.TransitionNoOp, "already exposed in signal direction")
			}
			t.Kind = models.TransitionUnwind
			t.Reason = fmt.Sprintf("%s %s matches main, closing %d hedge(s)", ev.Type, d, len(g.Hedges))
			for _, h := range g.Hedges {
				t.Legs = append(t.Legs, closeLeg(h, price))
			}
			return t
		}
		if sig.TakeProfitOnly {
			if main.PnL(price) <= 0 {
				return noop(t, models.TransitionNoOp, "take-profit signal but main is not in profit")
			}
			t.Kind = models.TransitionCloseMain
			t.Reason = fmt.Sprintf("%s takes profit on main %s", ev.Type, main.Side)
			t.Legs = []models.TransitionLeg{closeLeg(main, price)}
			return t
		}
		if len(g.Hedges) >= hedgeCap {
			return noop(t, models.TransitionHedgeCapReached, fmt.Sprintf("hedge cap %d reached", hedgeCap))
		}
		return open(models.TransitionOpenHedge, models.RoleHedge, fmt.Sprintf("%s opens hedge %s against main %s", ev.Type, d, main.Side))

	case models.StateHedgeOnly:
		matching := 0
		var pnl float64
		for _, h := range g.Hedges {
			if h.Side == d {
				matching++
			} else {
				pnl += h.PnL(price)
			}
		}
		switch {
		case matching > 0 && !sig.TakeProfitOnly:
			t.Kind = models.TransitionPromote
			t.Reason = fmt.Sprintf("%s %s promotes %d hedge(s) to main", ev.Type, d, matching)
			return t
		case matching > 0:
			return noop(t, models.TransitionNoOp, "take-profit signal cannot promote")
		case sig.TakeProfitOnly && pnl > 0:
			t.Kind = models.TransitionUnwind
			t.Reason = fmt.Sprintf("%s takes profit on remaining hedges", ev.Type)
			for _, h := range g.Hedges {
				t.Legs = append(t.Legs, closeLeg(h, price))
			}
			return t
		case sig.TakeProfitOnly:
			return noop(t, models.TransitionNoOp, "take-profit signal but hedges are not in profit")
		default:
			return open(models.TransitionOpenMain, models.RoleMain, fmt.Sprintf("%s opens main %s against leftover hedges", ev.Type, d))
		}
	}
	return noop(t, models.TransitionNoOp, "unhandled state "+st.String())
}

// planExit evaluates profit-escape and hard take-profit. Escape is checked
// first so it always wins over an unwind on the same tick.
func planExit(g *models.HedgeGroup, price float64, cfg models.RiskConfig) models.Transition {
	t := models.Transition{Symbol: g.Symbol, Kind: models.TransitionNoOp}

	if len(g.Hedges) > 0 {
		roi := NetROI(g, price)
		if roi >= cfg.HedgeTakeProfitPct {
			t.Kind = models.TransitionEscape
			t.Reason = fmt.Sprintf("net ROI %.4f%% >= %.4f%%", roi*100, cfg.HedgeTakeProfitPct*100)
			for _, p := range g.Positions() {
				t.Legs = append(t.Legs, closeLeg(p, price))
			}
		}
		return t
	}

	if g.Main != nil {
		ret := g.Main.PriceReturn(price)
		if ret >= cfg.HardTakeProfitPct {
			t.Kind = models.TransitionHardTakeProfit
			t.Side = g.Main.Side
			t.Reason = fmt.Sprintf("main return %.4f%% >= %.4f%%", ret*100, cfg.HardTakeProfitPct*100)
			t.Legs = []models.TransitionLeg{closeLeg(*g.Main, price)}
		}
	}
	return t
}

// LegResult is the effect of one applied leg.
type LegResult struct {
	Leg         models.TransitionLeg
	RealizedPnL float64
}

// apply returns a new group with every leg that has a fill applied. Legs
// without a fill are skipped, so a partially executed transition applies what
// was actually executed.
func apply(g *models.HedgeGroup, t models.Transition, now time.Time) (*models.HedgeGroup, []LegResult, error) {
	out := g.Clone()
	out.Pending = nil
	out.UpdatedAt = now

	if t.Kind == models.TransitionPromote {
		promote(out, t.Side)
		return out, nil, nil
	}

	var results []LegResult
	for _, leg := range t.Legs {
		if leg.Fill == nil {
			continue
		}
		f := *leg.Fill
		if leg.Close {
			pnl, err := closePosition(out, leg.PositionID, f)
			if err != nil {
				return nil, nil, err
			}
			results = append(results, LegResult{Leg: leg, RealizedPnL: pnl})
			continue
		}
		p := models.Position{
			ID:         leg.PositionID,
			Symbol:     out.Symbol,
			Side:       leg.Intent.PositionSide,
			Role:       leg.Role,
			Size:       f.Quantity,
			EntryPrice: f.Price,
			Leverage:   leg.Intent.Leverage,
			OpenedAt:   f.FilledAt,
		}
		if leg.Role == models.RoleMain {
			if out.Main != nil {
				return nil, nil, fmt.Errorf("open main %s: main %s already present", p.ID, out.Main.ID)
			}
			out.Main = &p
		} else {
			out.Hedges = append(out.Hedges, p)
		}
		results = append(results, LegResult{Leg: leg, RealizedPnL: -f.Fee})
	}
	return out, results, nil
}

// closePosition removes (or shrinks) the position and returns realised PnL net of fees.
func closePosition(g *models.HedgeGroup, id string, f models.Fill) (float64, error) {
	reduce := func(p *models.Position) (float64, bool) {
		qty := math.Min(f.Quantity, p.Size)
		unit := p.PnL(f.Price) / p.Size
		pnl := unit*qty - f.Fee
		p.Size -= qty
		return pnl, p.Size <= sizeEpsilon
	}

	if g.Main != nil && g.Main.ID == id {
		pnl, gone := reduce(g.Main)
		if gone {
			g.Main = nil
		}
		return pnl, nil
	}
	for i := range g.Hedges {
		if g.Hedges[i].ID != id {
			continue
		}
		pnl, gone := reduce(&g.Hedges[i])
		if gone {
			g.Hedges = append(g.Hedges[:i], g.Hedges[i+1:]...)
		}
		return pnl, nil
	}
	return 0, fmt.Errorf("close %s: no such position in %s", id, g.Symbol)
}

// promote merges every hedge on side into a single main position. Hedges on
// the other side stay hedges.
func promote(g *models.HedgeGroup, side models.PositionSide) {
	var (
		main     *models.Position
		notional float64
		kept     []models.Position
	)
	for _, h := range g.Hedges {
		if h.Side != side {
			kept = append(kept, h)
			continue
		}
		if main == nil {
			m := h
			m.Role = models.RoleMain
			main = &m
			notional = h.EntryPrice * h.Size
			continue
		}
		notional += h.EntryPrice * h.Size
		main.Size += h.Size
		main.EntryPrice = notional / main.Size
	}
	g.Main = main
	g.Hedges = kept
}
