package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"binance-hedge-bot-go/internal/models"
	"binance-hedge-bot-go/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSim(t *testing.T, fee, slippage float64) *SimExchange {
	t.Helper()
	ex, err := NewSimExchange(models.ExecutionConfig{
		InitialBalance: 10000,
		TakerFeeRate:   fee,
		SlippageRate:   slippage,
	}, []string{"https://fapi.binance.com"}, zap.NewNop())
	require.NoError(t, err)
	ex.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 59, 0, time.UTC) }
	return ex
}

func TestNewSimExchange_RefusesSandbox(t *testing.T) {
	_, err := NewSimExchange(models.ExecutionConfig{}, []string{"https://testnet.binancefuture.com"}, zap.NewNop())
	assert.Error(t, err)
}

func TestSimExchange_OpenAndClose(t *testing.T) {
	ex := newTestSim(t, 0, 0)
	ctx := context.Background()
	ex.SetPrice("BTCUSDT", 100, time.Time{})

	fill, err := ex.SubmitOrder(ctx, models.OrderIntent{
		ClientOrderID: "a1", Symbol: "BTCUSDT", Side: models.Buy, PositionSide: models.Long,
		Quantity: 30, Leverage: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, fill.Price)
	assert.Equal(t, 30.0, fill.Quantity)

	_, err = ex.SubmitOrder(ctx, models.OrderIntent{
		ClientOrderID: "a2", Symbol: "BTCUSDT", Side: models.Sell, PositionSide: models.Short,
		Quantity: 10, Leverage: 10,
	})
	require.NoError(t, err)

	positions, err := ex.FetchPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, models.Long, positions[0].Side)
	assert.Equal(t, 30.0, positions[0].Size)
	assert.Equal(t, models.Short, positions[1].Side)

	ex.SetPrice("BTCUSDT", 100.12, time.Time{})
	eq, err := ex.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10002.4, eq.Total, 1e-9)
	assert.InDelta(t, 10002.4-400, eq.Available, 1e-9)

	_, err = ex.SubmitOrder(ctx, models.OrderIntent{
		ClientOrderID: "a3", Symbol: "BTCUSDT", Side: models.Sell, PositionSide: models.Long,
		Quantity: 30, ReduceOnly: true,
	})
	require.NoError(t, err)
	_, err = ex.SubmitOrder(ctx, models.OrderIntent{
		ClientOrderID: "a4", Symbol: "BTCUSDT", Side: models.Buy, PositionSide: models.Short,
		Quantity: 10, ReduceOnly: true,
	})
	require.NoError(t, err)

	positions, err = ex.FetchPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, positions)
	eq, err = ex.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10002.4, eq.Total, 1e-9)
}

func TestSimExchange_IdempotentByClientOrderID(t *testing.T) {
	ex := newTestSim(t, 0.0004, 0)
	ctx := context.Background()
	ex.SetPrice("ETHUSDT", 2000, time.Time{})
	intent := models.OrderIntent{
		ClientOrderID: "dup", Symbol: "ETHUSDT", Side: models.Buy, PositionSide: models.Long, Quantity: 1, Leverage: 5,
	}

	first, err := ex.SubmitOrder(ctx, intent)
	require.NoError(t, err)
	ex.SetPrice("ETHUSDT", 2100, time.Time{})
	second, err := ex.SubmitOrder(ctx, intent)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 2000.0, second.Price)
	positions, _ := ex.FetchPositions(ctx, "ETHUSDT")
	require.Len(t, positions, 1)
	assert.Equal(t, 1.0, positions[0].Size)
	assert.InDelta(t, 0.8, ex.TotalFees(), 1e-9)
}

func TestSimExchange_SlippageDirection(t *testing.T) {
	ex := newTestSim(t, 0, 0.001)
	ctx := context.Background()
	ex.SetPrice("BTCUSDT", 100, time.Time{})

	buy, err := ex.SubmitOrder(ctx, models.OrderIntent{Symbol: "BTCUSDT", Side: models.Buy, PositionSide: models.Long, Quantity: 1})
	require.NoError(t, err)
	sell, err := ex.SubmitOrder(ctx, models.OrderIntent{Symbol: "BTCUSDT", Side: models.Sell, PositionSide: models.Short, Quantity: 1})
	require.NoError(t, err)

	assert.InDelta(t, 100.1, buy.Price, 1e-9)
	assert.InDelta(t, 99.9, sell.Price, 1e-9)
}

func TestSimExchange_Rejections(t *testing.T) {
	ex := newTestSim(t, 0, 0)
	ctx := context.Background()

	_, err := ex.SubmitOrder(ctx, models.OrderIntent{Symbol: "BTCUSDT", Side: models.Buy, PositionSide: models.Long, Quantity: 1})
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, Rejected, execErr.Kind)

	ex.SetPrice("BTCUSDT", 100, time.Time{})
	_, err = ex.SubmitOrder(ctx, models.OrderIntent{Symbol: "BTCUSDT", Side: models.Sell, PositionSide: models.Long, Quantity: 1, ReduceOnly: true})
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, Rejected, execErr.Kind)
	assert.Equal(t, int64(codeReduceOnlyRejected), execErr.Code)

	_, err = ex.SubmitOrder(ctx, models.OrderIntent{Symbol: "BTCUSDT", Side: models.Buy, PositionSide: models.Long, Quantity: 0})
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, Rejected, execErr.Kind)
}

func TestSimExchange_ExpiredContextIsTimeout(t *testing.T) {
	ex := newTestSim(t, 0, 0)
	ex.SetPrice("BTCUSDT", 100, time.Time{})
	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	_, err := ex.SubmitOrder(ctx, models.OrderIntent{Symbol: "BTCUSDT", Side: models.Buy, PositionSide: models.Long, Quantity: 1})
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, Timeout, execErr.Kind)
	assert.False(t, execErr.Retryable())
}

func newTestRepo(t *testing.T) *persistence.BadgerRepository {
	t.Helper()
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSimExchange_AttachRestoresAccountAfterRestart(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first := newTestSim(t, 0.0004, 0)
	require.NoError(t, first.Attach(repo, nil))
	first.SetPrice("BTCUSDT", 100, time.Time{})
	open, err := first.SubmitOrder(ctx, models.OrderIntent{
		ClientOrderID: "open-1", Symbol: "BTCUSDT", Side: models.Buy, PositionSide: models.Long,
		Quantity: 30, Leverage: 10,
	})
	require.NoError(t, err)
	before, err := first.FetchBalance(ctx)
	require.NoError(t, err)

	// 重启: 新实例从存储恢复
	second := newTestSim(t, 0.0004, 0)
	require.NoError(t, second.Attach(repo, nil))
	second.SetPrice("BTCUSDT", 100, time.Time{})

	positions, err := second.FetchPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 30.0, positions[0].Size)
	assert.Equal(t, 10, positions[0].Leverage)

	after, err := second.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, before.Total, after.Total, 1e-9)
	assert.InDelta(t, first.TotalFees(), second.TotalFees(), 1e-12)

	again, err := second.SubmitOrder(ctx, models.OrderIntent{
		ClientOrderID: "open-1", Symbol: "BTCUSDT", Side: models.Buy, PositionSide: models.Long,
		Quantity: 30, Leverage: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, open.OrderID, again.OrderID, "a resubmitted client id must not fill twice")

	_, err = second.SubmitOrder(ctx, models.OrderIntent{
		ClientOrderID: "close-1", Symbol: "BTCUSDT", Side: models.Sell, PositionSide: models.Long,
		Quantity: 30, ReduceOnly: true,
	})
	require.NoError(t, err)
	positions, err = second.FetchPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestSimExchange_AttachSeedsFromLedgerWithoutSnapshot(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	groups := []*models.HedgeGroup{
		{
			Symbol: "BTCUSDT",
			Main:   &models.Position{Symbol: "BTCUSDT", Side: models.Long, Role: models.RoleMain, Size: 30, EntryPrice: 100, Leverage: 10},
			Hedges: []models.Position{
				{Symbol: "BTCUSDT", Side: models.Short, Role: models.RoleHedge, Size: 10, EntryPrice: 100, Leverage: 10},
			},
		},
	}

	ex := newTestSim(t, 0, 0)
	require.NoError(t, ex.Attach(repo, groups))

	positions, err := ex.FetchPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, 30.0, positions[0].Size)
	assert.Equal(t, 10.0, positions[1].Size)

	acc, err := repo.LoadSimAccount()
	require.NoError(t, err)
	require.NotNil(t, acc, "the seeded account is saved right away")
	assert.Len(t, acc.Positions, 2)

	ex.SetPrice("BTCUSDT", 103, time.Time{})
	fill, err := ex.SubmitOrder(ctx, models.OrderIntent{
		ClientOrderID: "tp-1", Symbol: "BTCUSDT", Side: models.Sell, PositionSide: models.Long,
		Quantity: 30, ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 103.0, fill.Price)
}
