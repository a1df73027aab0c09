package risk

import (
	"testing"
	"time"

	"binance-hedge-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
)

func permissive() models.RiskConfig {
	return models.RiskConfig{
		TradingEnabled:     true,
		LiveTradingAllowed: true,
		MaxOrderNotional:   5000,
		DailyLossLimitPct:  0.05,
	}
}

func openIntent(qty, price float64) models.OrderIntent {
	return models.OrderIntent{Symbol: "BTCUSDT", Side: models.Buy, PositionSide: models.Long, Quantity: qty, Price: price}
}

func TestEvaluate_Clear(t *testing.T) {
	d := Evaluate(models.ModeLive, permissive(), Context{
		Symbol:  "BTCUSDT",
		Intents: []models.OrderIntent{openIntent(30, 100)},
		Equity:  10000,
	})
	assert.False(t, d.Blocked())
	assert.Empty(t, d.Reasons)
}

func TestEvaluate_ReportsEveryViolation(t *testing.T) {
	cfg := permissive()
	cfg.TradingEnabled = false
	cfg.TradingPaused = true

	d := Evaluate(models.ModeSim, cfg, Context{
		Intents: []models.OrderIntent{openIntent(100, 100)},
		Equity:  10000,
	})
	assert.Equal(t, []models.BlockReason{
		models.BlockTradingDisabled,
		models.BlockTradingPaused,
		models.BlockOrderNotional,
	}, d.Reasons)
}

func TestEvaluate_LiveOnlyCheck(t *testing.T) {
	cfg := permissive()
	cfg.LiveTradingAllowed = false
	ctx := Context{Intents: []models.OrderIntent{openIntent(1, 100)}, Equity: 10000}

	assert.False(t, Evaluate(models.ModeSim, cfg, ctx).Blocked())
	assert.Equal(t, []models.BlockReason{models.BlockLiveTradingNotAllowed}, Evaluate(models.ModeLive, cfg, ctx).Reasons)
}

func TestEvaluate_SameCapitalRulesInBothModes(t *testing.T) {
	ctx := Context{Intents: []models.OrderIntent{openIntent(1, 100)}, Equity: 1000, DailyLoss: 60}
	for _, mode := range []models.Mode{models.ModeSim, models.ModeLive} {
		assert.Equal(t, []models.BlockReason{models.BlockDailyLossLimit}, Evaluate(mode, permissive(), ctx).Reasons, mode)
	}
}

func TestEvaluate_MissingPositionSide(t *testing.T) {
	in := openIntent(1, 100)
	in.PositionSide = ""
	d := Evaluate(models.ModeSim, permissive(), Context{Intents: []models.OrderIntent{in}, Equity: 1000})
	assert.Equal(t, []models.BlockReason{models.BlockMissingPositionSide}, d.Reasons)
}

func TestEvaluate_NonPositiveEquityBlocksNewExposure(t *testing.T) {
	d := Evaluate(models.ModeSim, permissive(), Context{Intents: []models.OrderIntent{openIntent(1, 100)}, Equity: 0})
	assert.Equal(t, []models.BlockReason{models.BlockDailyLossLimit}, d.Reasons)
}

func TestEvaluate_ReduceOnlyExitsSkipCapitalChecks(t *testing.T) {
	exit := models.OrderIntent{Symbol: "BTCUSDT", Side: models.Sell, PositionSide: models.Long, Quantity: 1000, Price: 100, ReduceOnly: true}
	ctx := Context{Intents: []models.OrderIntent{exit}, Equity: 1000, DailyLoss: 500}

	assert.False(t, Evaluate(models.ModeSim, permissive(), ctx).Blocked())

	cfg := permissive()
	cfg.TradingPaused = true
	assert.Equal(t, []models.BlockReason{models.BlockTradingPaused}, Evaluate(models.ModeSim, cfg, ctx).Reasons)
}

func TestBlockedError(t *testing.T) {
	err := &BlockedError{Decision: models.RiskDecision{Symbol: "BTCUSDT", Reasons: []models.BlockReason{models.BlockTradingPaused, models.BlockDailyLossLimit}}}
	assert.Equal(t, "risk blocked BTCUSDT: trading_paused, daily_loss_limit", err.Error())
}

func TestDailyLossTracker(t *testing.T) {
	now := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	tr := NewDailyLossTracker(func() time.Time { return now })

	tr.Record(-30)
	tr.Record(10)
	assert.InDelta(t, 20, tr.Loss(), 1e-9)

	tr.Record(50)
	assert.Zero(t, tr.Loss())

	tr.Seed(-75)
	assert.InDelta(t, 75, tr.Loss(), 1e-9)

	now = now.Add(2 * time.Minute)
	assert.Zero(t, tr.Loss(), "a new UTC day starts from zero")
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), tr.Day())
}
