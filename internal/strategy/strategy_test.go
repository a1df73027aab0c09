package strategy

import (
	"testing"
	"time"

	"binance-hedge-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStrategy struct {
	name string
	ev   models.SignalEvent
}

func (f fixedStrategy) Name() string { return f.name }

func (f fixedStrategy) Analyze(string, string, []models.Candle) models.SignalEvent { return f.ev }

func window() []models.Candle {
	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []models.Candle{
		{Symbol: "BTCUSDT", Timeframe: "15m", OpenTime: open, CloseTime: open.Add(15*time.Minute - time.Millisecond)},
		{Symbol: "BTCUSDT", Timeframe: "15m", OpenTime: open.Add(15 * time.Minute), CloseTime: open.Add(30*time.Minute - time.Millisecond)},
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"hold"}, r.List())

	r.Register(fixedStrategy{name: "fixed"})
	_, err := r.Get("fixed")
	assert.NoError(t, err)
	_, err = r.Get("missing")
	assert.Error(t, err)
}

func TestHold_UsesInProgressCandle(t *testing.T) {
	w := window()
	ev := Hold{}.Analyze("BTCUSDT", "15m", w)
	assert.Equal(t, models.ActionHold, ev.Action)
	assert.Equal(t, w[1].Identity(), ev.CandleIdentity)
}

func TestSet_Evaluate(t *testing.T) {
	r := NewRegistry()
	r.Register(fixedStrategy{name: "trend", ev: models.SignalEvent{
		Action: models.ActionLong, Type: models.SignalMainTrend, CandleIdentity: 42,
	}})

	s, err := NewSet(r, []string{"trend", "hold"})
	require.NoError(t, err)
	assert.Equal(t, []string{"trend", "hold"}, s.Names())

	events := s.Evaluate("BTCUSDT", "15m", window())
	require.Len(t, events, 2)
	assert.Equal(t, "BTCUSDT", events[0].Symbol)
	assert.Equal(t, "15m", events[0].Timeframe)
	assert.Equal(t, "trend", events[0].Strategy)
	assert.Equal(t, int64(42), events[0].CandleIdentity, "identity is never rewritten")
	assert.Equal(t, "hold", events[1].Strategy)

	assert.Empty(t, s.Evaluate("BTCUSDT", "15m", nil))

	_, err = NewSet(r, []string{"nope"})
	assert.Error(t, err)
}
