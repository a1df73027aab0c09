package dedup

import (
	"sync"
	"testing"

	"binance-hedge-bot-go/internal/models"
	"binance-hedge-bot-go/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return NewLedger(repo, zap.NewNop())
}

var key = models.DedupKey{Symbol: "BTCUSDT", Timeframe: "1m", Action: models.ActionLong}

func TestCheckAndRecord_ExactlyOnce(t *testing.T) {
	l := newTestLedger(t)

	allowed := 0
	for i := 0; i < 10; i++ {
		a, err := l.CheckAndRecord(key, 1700000059999)
		require.NoError(t, err)
		if a.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed)
}

func TestCheckAndRecord_OverlappingTicks(t *testing.T) {
	l := newTestLedger(t)

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := l.CheckAndRecord(key, 1700000059999)
			assert.NoError(t, err)
			results <- a.Allowed
		}()
	}
	wg.Wait()
	close(results)

	allowed := 0
	for ok := range results {
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed)
}

func TestCheckAndRecord_KeysAreIndependent(t *testing.T) {
	l := newTestLedger(t)
	short := key
	short.Action = models.ActionShort
	fiveMin := key
	fiveMin.Timeframe = "5m"

	for _, k := range []models.DedupKey{key, short, fiveMin} {
		a, err := l.CheckAndRecord(k, 100)
		require.NoError(t, err)
		assert.True(t, a.Allowed, k.String())
	}
}

func TestRollback_ReadmitsSameCandle(t *testing.T) {
	l := newTestLedger(t)

	a, err := l.CheckAndRecord(key, 100)
	require.NoError(t, err)
	require.True(t, a.Allowed)
	require.NoError(t, l.Rollback(a))

	again, err := l.CheckAndRecord(key, 100)
	require.NoError(t, err)
	assert.True(t, again.Allowed)
}

func TestRollback_NotAllowedIsNoop(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.CheckAndRecord(key, 100)
	require.NoError(t, err)
	dup, err := l.CheckAndRecord(key, 100)
	require.NoError(t, err)
	require.False(t, dup.Allowed)

	require.NoError(t, l.Rollback(dup))
	again, err := l.CheckAndRecord(key, 100)
	require.NoError(t, err)
	assert.False(t, again.Allowed, "a rejected duplicate must not release the slot")
}

func TestReset(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.CheckAndRecord(key, 200)
	require.NoError(t, err)
	require.NoError(t, l.Reset(key))

	recs, err := l.Records()
	require.NoError(t, err)
	assert.Empty(t, recs)

	a, err := l.CheckAndRecord(key, 200)
	require.NoError(t, err)
	assert.True(t, a.Allowed)
}
