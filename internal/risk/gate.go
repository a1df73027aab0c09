package risk

import (
	"fmt"
	"strings"
	"time"

	"binance-hedge-bot-go/internal/models"
)

// Context is everything a risk evaluation looks at. It is built by the caller;
// Evaluate never reads ambient state.
type Context struct {
	Symbol    string
	Timeframe string
	Intents   []models.OrderIntent
	Equity    float64
	DailyLoss float64 // realised loss so far today, as a positive number
	Now       time.Time
}

// reduceOnly reports whether every intent only reduces exposure.
func (c Context) reduceOnly() bool {
	if len(c.Intents) == 0 {
		return false
	}
	for _, in := range c.Intents {
		if !in.ReduceOnly {
			return false
		}
	}
	return true
}

type check struct {
	reason   models.BlockReason
	liveOnly bool
	blocked  func(cfg models.RiskConfig, ctx Context) bool
}

// checks are evaluated in this order and never short-circuit.
var checks = []check{
	{
		reason:  models.BlockTradingDisabled,
		blocked: func(cfg models.RiskConfig, _ Context) bool { return !cfg.TradingEnabled },
	},
	{
		reason:  models.BlockTradingPaused,
		blocked: func(cfg models.RiskConfig, _ Context) bool { return cfg.TradingPaused },
	},
	{
		reason:   models.BlockLiveTradingNotAllowed,
		liveOnly: true,
		blocked:  func(cfg models.RiskConfig, _ Context) bool { return !cfg.LiveTradingAllowed },
	},
	{
		reason: models.BlockMissingPositionSide,
		blocked: func(_ models.RiskConfig, ctx Context) bool {
			for _, in := range ctx.Intents {
				if in.PositionSide != models.Long && in.PositionSide != models.Short {
					return true
				}
			}
			return false
		},
	},
	{
		reason: models.BlockOrderNotional,
		blocked: func(cfg models.RiskConfig, ctx Context) bool {
			if cfg.MaxOrderNotional <= 0 || ctx.reduceOnly() {
				return false
			}
			for _, in := range ctx.Intents {
				if !in.ReduceOnly && in.Notional() > cfg.MaxOrderNotional {
					return true
				}
			}
			return false
		},
	},
	{
		reason: models.BlockDailyLossLimit,
		blocked: func(cfg models.RiskConfig, ctx Context) bool {
			if ctx.reduceOnly() {
				return false
			}
			if ctx.Equity <= 0 {
				return true
			}
			return cfg.DailyLossLimitPct > 0 && ctx.DailyLoss >= ctx.Equity*cfg.DailyLossLimitPct
		},
	},
}

// Evaluate runs every check and returns the full set of block reasons.
// Reduce-only exits skip the notional and daily-loss checks; the switches
// still apply to them.
func Evaluate(mode models.Mode, cfg models.RiskConfig, ctx Context) models.RiskDecision {
	d := models.RiskDecision{
		Symbol:      ctx.Symbol,
		Timeframe:   ctx.Timeframe,
		Mode:        mode,
		Reasons:     []models.BlockReason{},
		EvaluatedAt: ctx.Now,
	}
	for _, c := range checks {
		if c.liveOnly && mode != models.ModeLive {
			continue
		}
		if c.blocked(cfg, ctx) {
			d.Reasons = append(d.Reasons, c.reason)
		}
	}
	return d
}

// BlockedError wraps a non-empty decision.
type BlockedError struct {
	Decision models.RiskDecision
}

func (e *BlockedError) Error() string {
	reasons := make([]string, len(e.Decision.Reasons))
	for i, r := range e.Decision.Reasons {
		reasons[i] = string(r)
	}
	return fmt.Sprintf("risk blocked %s: %s", e.Decision.Symbol, strings.Join(reasons, ", "))
}
