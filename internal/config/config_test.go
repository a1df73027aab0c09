package config

import (
	"os"
	"path/filepath"
	"testing"

	"binance-hedge-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"symbols": ["BTCUSDT"], "risk": {"trading_enabled": true}}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "sim", cfg.Mode)
	assert.Equal(t, []string{"1m"}, cfg.Timeframes)
	assert.Equal(t, 30, cfg.Clock.PrecheckSecond)
	assert.Equal(t, 59, cfg.Clock.DecisionSecond)
	assert.Equal(t, 2, cfg.Risk.HedgeCap)
	assert.InDelta(t, 0.005, cfg.Risk.HedgeTakeProfitPct, 1e-12)
	assert.InDelta(t, 0.02, cfg.Risk.HardTakeProfitPct, 1e-12)
	assert.Equal(t, DefaultRestURL, cfg.MarketData.RestURL)
	assert.True(t, cfg.Risk.TradingEnabled)
}

func TestLoadConfig_ClockSecondZero(t *testing.T) {
	tests := []struct {
		name         string
		clock        string
		wantPrecheck int
		wantDecision int
	}{
		{"precheck at second 0", `{"precheck_second": 0, "decision_second": 30}`, 0, 30},
		{"decision at second 0", `{"precheck_second": 45, "decision_second": 0}`, 45, 0},
		{"clock block omitted", `{}`, 30, 59},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, `{"symbols": ["BTCUSDT"], "clock": `+tt.clock+`}`)
			cfg, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrecheck, cfg.Clock.PrecheckSecond)
			assert.Equal(t, tt.wantDecision, cfg.Clock.DecisionSecond)
		})
	}
}

func TestLoadConfig_RejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `{"symbols": ["BTCUSDT"], "grid_spacing": 0.01}`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *models.Config {
		c := &models.Config{Symbols: []string{"BTCUSDT"}}
		ApplyDefaults(c)
		return c
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, Validate(base()))
	})

	t.Run("hedge cap above two", func(t *testing.T) {
		c := base()
		c.Risk.HedgeCap = 3
		assert.ErrorContains(t, Validate(c), "hedge_cap")
	})

	t.Run("sim mode refuses sandbox market data", func(t *testing.T) {
		c := base()
		c.MarketData.RestURL = "https://testnet.binancefuture.com"
		assert.ErrorContains(t, Validate(c), "sandbox")
	})

	t.Run("live mode may point anywhere", func(t *testing.T) {
		c := base()
		c.Mode = "live"
		c.MarketData.RestURL = "https://demo-fapi.binance.com"
		assert.NoError(t, Validate(c))
	})

	t.Run("demo mode is rejected", func(t *testing.T) {
		c := base()
		c.Mode = "demo"
		assert.Error(t, Validate(c))
	})

	t.Run("bad eligibility value", func(t *testing.T) {
		c := base()
		c.Eligibility = map[string]models.EligibilityRule{"1m": {MainTrend: "maybe"}}
		assert.Error(t, Validate(c))
	})

	t.Run("same clock offsets", func(t *testing.T) {
		c := base()
		c.Clock.PrecheckSecond = 59
		assert.Error(t, Validate(c))
	})
}

func TestIsSandboxURL(t *testing.T) {
	assert.True(t, IsSandboxURL("wss://stream.binancefuture.com/testnet"))
	assert.True(t, IsSandboxURL("https://testnet.binancefuture.com"))
	assert.False(t, IsSandboxURL(DefaultRestURL))
	assert.False(t, IsSandboxURL(DefaultWSURL))
}
