package position

import (
	"encoding/json"
	"fmt"
	"math"

	"binance-hedge-bot-go/internal/models"
)

// MaxHedges is the hard ceiling of the hedge circuit breaker.
const MaxHedges = 2

// InvariantViolation carries the full group for operator inspection.
type InvariantViolation struct {
	Symbol string
	Reason string
	Group  *models.HedgeGroup
}

func (e *InvariantViolation) Error() string {
	dump, _ := json.Marshal(e.Group)
	return fmt.Sprintf("invariant violation on %s: %s; group=%s", e.Symbol, e.Reason, dump)
}

// CheckInvariants validates g against the hedge cap and role/side rules.
func CheckInvariants(g *models.HedgeGroup, hedgeCap int) error {
	if hedgeCap > MaxHedges || hedgeCap < 0 {
		hedgeCap = MaxHedges
	}
	violation := func(format string, args ...interface{}) error {
		return &InvariantViolation{Symbol: g.Symbol, Reason: fmt.Sprintf(format, args...), Group: g.Clone()}
	}

	if n := len(g.Hedges); n > hedgeCap {
		return violation("%d hedges exceed cap %d", n, hedgeCap)
	}
	if m := g.Main; m != nil {
		if m.Role != models.RoleMain {
			return violation("main position %s has role %s", m.ID, m.Role)
		}
		if m.Size <= 0 {
			return violation("main position %s has size %v", m.ID, m.Size)
		}
	}
	for _, h := range g.Hedges {
		if h.Role != models.RoleHedge {
			return violation("hedge position %s has role %s", h.ID, h.Role)
		}
		if h.Size <= 0 {
			return violation("hedge position %s has size %v", h.ID, h.Size)
		}
		if g.Main != nil && h.Side == g.Main.Side {
			return violation("hedge %s is on the main side %s", h.ID, h.Side)
		}
	}
	return nil
}

// ReconcileOutcome classifies exchange exposure against a pending transition.
type ReconcileOutcome int

const (
	// ReconcileApplied means the exchange shows the post-transition exposure.
	ReconcileApplied ReconcileOutcome = iota
	// ReconcileNotApplied means the exchange shows the pre-transition exposure.
	ReconcileNotApplied
	// ReconcileMismatch means neither matches; an operator has to look.
	ReconcileMismatch
)

func (o ReconcileOutcome) String() string {
	switch o {
	case ReconcileApplied:
		return "applied"
	case ReconcileNotApplied:
		return "not_applied"
	}
	return "mismatch"
}

// reconcileTolerance is the relative quantity tolerance, wide enough to absorb
// lot-size rounding on the exchange side.
const reconcileTolerance = 0.01

// expectedExposure returns the per-side exposure before and after the pending
// legs that have no recorded fill.
func expectedExposure(g *models.HedgeGroup) (before, after map[models.PositionSide]float64) {
	before = g.Exposure()
	after = map[models.PositionSide]float64{}
	if g.Pending != nil {
		for _, leg := range g.Pending.Legs {
			if leg.Fill == nil {
				continue
			}
			if leg.Close {
				before[leg.Intent.PositionSide] -= leg.Fill.Quantity
			} else {
				before[leg.Intent.PositionSide] += leg.Fill.Quantity
			}
		}
	}
	for k, v := range before {
		after[k] = v
	}
	if g.Pending != nil {
		for _, leg := range g.Pending.Legs {
			if leg.Fill != nil {
				continue
			}
			if leg.Close {
				after[leg.Intent.PositionSide] -= leg.Intent.Quantity
			} else {
				after[leg.Intent.PositionSide] += leg.Intent.Quantity
			}
		}
	}
	return before, after
}

func sameExposure(a, b map[models.PositionSide]float64) bool {
	for _, side := range []models.PositionSide{models.Long, models.Short} {
		x, y := a[side], b[side]
		if math.Abs(x-y) > reconcileTolerance*math.Max(math.Abs(y), 1e-6)+sizeEpsilon {
			return false
		}
	}
	return true
}

// ClassifyExposure compares exchange exposure with what g expects.
func ClassifyExposure(g *models.HedgeGroup, exchange map[models.PositionSide]float64) ReconcileOutcome {
	before, after := expectedExposure(g)
	switch {
	case sameExposure(exchange, after):
		return ReconcileApplied
	case sameExposure(exchange, before):
		return ReconcileNotApplied
	}
	return ReconcileMismatch
}
