package persistence

import (
	"sync"
	"testing"
	"time"

	"binance-hedge-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *BadgerRepository {
	t.Helper()
	repo, err := NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

var btcLong = models.DedupKey{Symbol: "BTCUSDT", Timeframe: "1m", Action: models.ActionLong}

func TestCompareAndSwapCandle(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now()

	ok, prev, err := repo.CompareAndSwapCandle(btcLong, 1000, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, prev)

	ok, _, err = repo.CompareAndSwapCandle(btcLong, 1000, now)
	require.NoError(t, err)
	assert.False(t, ok, "same candle must not be admitted twice")

	ok, prev, err = repo.CompareAndSwapCandle(btcLong, 2000, now)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotNil(t, prev)
	assert.Equal(t, int64(1000), prev.CandleIdentity)

	// re-arming to an older candle is permitted
	ok, _, err = repo.CompareAndSwapCandle(btcLong, 1000, now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompareAndSwapCandle_Concurrent(t *testing.T) {
	repo := newTestRepo(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := repo.CompareAndSwapCandle(btcLong, 42, time.Now())
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestRestoreCandle(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now()

	_, _, err := repo.CompareAndSwapCandle(btcLong, 1000, now)
	require.NoError(t, err)
	_, prev, err := repo.CompareAndSwapCandle(btcLong, 2000, now)
	require.NoError(t, err)

	require.NoError(t, repo.RestoreCandle(btcLong, 2000, prev))
	rec, err := repo.GetDedup(btcLong)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(1000), rec.CandleIdentity)

	// restoring a first-ever admission removes the key
	other := models.DedupKey{Symbol: "ETHUSDT", Timeframe: "1m", Action: models.ActionShort}
	_, _, err = repo.CompareAndSwapCandle(other, 5, now)
	require.NoError(t, err)
	require.NoError(t, repo.RestoreCandle(other, 5, nil))
	rec, err = repo.GetDedup(other)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRestoreCandle_KeepsNewerAdmission(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now()

	_, _, err := repo.CompareAndSwapCandle(btcLong, 1000, now)
	require.NoError(t, err)
	_, _, err = repo.CompareAndSwapCandle(btcLong, 2000, now)
	require.NoError(t, err)

	require.NoError(t, repo.RestoreCandle(btcLong, 1000, nil))
	rec, err := repo.GetDedup(btcLong)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), rec.CandleIdentity)
}

func TestListAndDeleteDedup(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now()
	short := btcLong
	short.Action = models.ActionShort

	_, _, _ = repo.CompareAndSwapCandle(btcLong, 1, now)
	_, _, _ = repo.CompareAndSwapCandle(short, 2, now)

	recs, err := repo.ListDedup()
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	require.NoError(t, repo.DeleteDedup(short))
	recs, err = repo.ListDedup()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, btcLong, recs[0].Key)
}

func TestGroups(t *testing.T) {
	repo := newTestRepo(t)

	main := models.Position{ID: "m1", Symbol: "BTCUSDT", Side: models.Long, Role: models.RoleMain, Size: 30, EntryPrice: 100, Leverage: 10}
	g := &models.HedgeGroup{
		Symbol: "BTCUSDT",
		Main:   &main,
		Hedges: []models.Position{{ID: "h1", Symbol: "BTCUSDT", Side: models.Short, Role: models.RoleHedge, Size: 10, EntryPrice: 100, Leverage: 10}},
		Pending: &models.PendingTransition{
			Transition: models.Transition{Kind: models.TransitionUnwind, Symbol: "BTCUSDT"},
			Status:     models.PendingRetry,
		},
	}
	require.NoError(t, repo.SaveGroup(g))
	require.NoError(t, repo.SaveGroup(&models.HedgeGroup{Symbol: "ETHUSDT"}))

	groups, err := repo.LoadGroups()
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "MAIN_PLUS_HEDGE(1)", groups["BTCUSDT"].State().String())
	require.NotNil(t, groups["BTCUSDT"].Pending)
	assert.Equal(t, models.PendingRetry, groups["BTCUSDT"].Pending.Status)
	assert.Equal(t, "FLAT", groups["ETHUSDT"].State().String())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, SortedSymbols(groups))
}

func TestDashboardState(t *testing.T) {
	repo := newTestRepo(t)

	state, err := repo.LoadState()
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, repo.SaveState(&models.DashboardState{
		Alerts: []models.Alert{{ID: "a1", Message: "timeout"}},
	}))
	state, err = repo.LoadState()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "timeout", state.Alerts[0].Message)
}

func TestSimAccount(t *testing.T) {
	repo := newTestRepo(t)

	acc, err := repo.LoadSimAccount()
	require.NoError(t, err)
	assert.Nil(t, acc, "no account saved yet")

	saved := &models.SimAccount{
		Cash:   9990.5,
		NextID: 3,
		Positions: []models.Position{
			{Symbol: "BTCUSDT", Side: models.Long, Size: 30, EntryPrice: 100, Leverage: 10},
		},
		Fills: map[string]models.Fill{"hb1": {ClientOrderID: "hb1", Symbol: "BTCUSDT", Quantity: 30, Price: 100}},
	}
	require.NoError(t, repo.SaveSimAccount(saved))

	acc, err = repo.LoadSimAccount()
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, 9990.5, acc.Cash)
	assert.Equal(t, int64(3), acc.NextID)
	require.Len(t, acc.Positions, 1)
	assert.Equal(t, 30.0, acc.Positions[0].Size)
	assert.Contains(t, acc.Fills, "hb1")
}
