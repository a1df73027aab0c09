package reporter

import (
	"bytes"
	"testing"
	"time"

	"binance-hedge-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestCalculateMetrics(t *testing.T) {
	trades := []models.TradeRecord{
		{Outcome: models.OutcomeFilled, Side: models.Buy, PositionSide: models.Long, RealizedPnL: -1.2, Fee: 1.2},
		{Outcome: models.OutcomeFilled, Side: models.Sell, PositionSide: models.Long, RealizedPnL: 3.6},
		{Outcome: models.OutcomeFilled, Side: models.Buy, PositionSide: models.Short, RealizedPnL: -1.2},
		{Outcome: models.OutcomeBlocked, Reason: "trading_paused"},
		{Outcome: models.OutcomeFailed},
		{Outcome: models.OutcomeDropped},
	}

	m := CalculateMetrics(trades)
	assert.Equal(t, 2, m.TotalTrades)
	assert.Equal(t, 1, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.InDelta(t, 50.0, m.WinRate, 1e-9)
	assert.InDelta(t, 3.0, m.AvgProfitLoss, 1e-9)
	assert.InDelta(t, 1.2, m.RealizedPnL, 1e-9)
	assert.InDelta(t, 1.2, m.TotalFees, 1e-9)
	assert.Equal(t, 1, m.Blocked)
	assert.Equal(t, 1, m.Failed)
}

func TestReport(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 14, 59, 0, time.UTC)
	state := &models.DashboardState{
		Groups: map[string]*models.HedgeGroup{
			"BTCUSDT": {
				Symbol: "BTCUSDT",
				Main:   &models.Position{ID: "m", Side: models.Long, Role: models.RoleMain, Size: 30, EntryPrice: 100, Leverage: 10},
				Hedges: []models.Position{{ID: "h", Side: models.Short, Role: models.RoleHedge, Size: 10, EntryPrice: 100, Leverage: 10}},
			},
			"ETHUSDT": {Symbol: "ETHUSDT"},
		},
		Decisions: []models.RiskDecision{
			{Symbol: "BTCUSDT", Timeframe: "15m", Mode: models.ModeSim, Reasons: []models.BlockReason{models.BlockTradingPaused}, EvaluatedAt: at},
		},
		Alerts: []models.Alert{{Level: "critical", Symbol: "ETHUSDT", Message: "reconcile mismatch", CreatedAt: at}},
	}
	trades := []models.TradeRecord{{Symbol: "BTCUSDT", Timeframe: "15m", Transition: models.TransitionOpenMain,
		Outcome: models.OutcomeFilled, Side: models.Buy, PositionSide: models.Long, Quantity: 30, Price: 100, CreatedAt: at}}

	var buf bytes.Buffer
	Report(&buf, state, trades)
	out := buf.String()

	assert.Contains(t, out, "MAIN_PLUS_HEDGE(1)")
	assert.Contains(t, out, "FLAT")
	assert.Contains(t, out, "blocked: trading_paused")
	assert.Contains(t, out, "reconcile mismatch")
	assert.Contains(t, out, "open_main")
}
