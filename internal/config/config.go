package config

import (
	"binance-hedge-bot-go/internal/models"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
)

const (
	DefaultRestURL = "https://fapi.binance.com"
	DefaultWSURL   = "wss://fstream.binance.com"
)

// sandboxHosts 模拟模式下禁止连接的交易所沙盒/演示域名片段
var sandboxHosts = []string{"testnet", "sandbox", "demo"}

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中, 补齐默认值后校验
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(c *models.Config) {
	if c.Mode == "" {
		c.Mode = string(models.ModeSim)
	}
	if len(c.Timeframes) == 0 {
		c.Timeframes = []string{"1m"}
	}
	if len(c.Strategies) == 0 {
		c.Strategies = []string{"hold"}
	}
	if c.DBPath == "" {
		c.DBPath = "data/ledger"
	}
	if c.TradeLogPath == "" {
		c.TradeLogPath = "data/trades.db"
	}

	// 两个偏移必须不同, 所以同时为 0 才视为未配置; 单独配置第 0 秒是合法的
	if c.Clock.PrecheckSecond == 0 && c.Clock.DecisionSecond == 0 {
		c.Clock.PrecheckSecond = 30
		c.Clock.DecisionSecond = 59
	}
	if c.Clock.DriftToleranceMs == 0 {
		c.Clock.DriftToleranceMs = 1500
	}

	r := &c.Risk
	if r.MainPositionPct == 0 {
		r.MainPositionPct = 0.03
	}
	if r.SubPositionPct == 0 {
		r.SubPositionPct = 0.01
	}
	if r.HardTakeProfitPct == 0 {
		r.HardTakeProfitPct = 0.02
	}
	if r.HedgeTakeProfitPct == 0 {
		r.HedgeTakeProfitPct = 0.005
	}
	if r.HedgeCap == 0 {
		r.HedgeCap = 2
	}
	if r.Leverage == 0 {
		r.Leverage = 10
	}

	e := &c.Execution
	if e.OrderTimeoutMs == 0 {
		e.OrderTimeoutMs = 5000
	}
	if e.RetryAttempts == 0 {
		e.RetryAttempts = 3
	}
	if e.RetryInitialDelayMs == 0 {
		e.RetryInitialDelayMs = 200
	}
	if e.RetryMaxDelayMs == 0 {
		e.RetryMaxDelayMs = 2000
	}
	if e.WorkerCount == 0 {
		e.WorkerCount = 4
	}
	if e.MaxPendingAttempts == 0 {
		e.MaxPendingAttempts = 5
	}
	if e.EquityMaxAgeMs == 0 {
		e.EquityMaxAgeMs = 60000
	}
	if e.InitialBalance == 0 {
		e.InitialBalance = 10000
	}

	m := &c.MarketData
	if m.RestURL == "" {
		m.RestURL = DefaultRestURL
	}
	if m.WSURL == "" {
		m.WSURL = DefaultWSURL
	}
	if m.CacheTTLMs == 0 {
		m.CacheTTLMs = 90000
	}
	if m.KlineLimit == 0 {
		m.KlineLimit = 150
	}
	if m.PingIntervalSec == 0 {
		m.PingIntervalSec = 54
	}
	if m.PongTimeoutSec == 0 {
		m.PongTimeoutSec = 60
	}

	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.LogConfig.Output == "" {
		c.LogConfig.Output = "console"
	}
}

// Validate 校验配置的一致性
func Validate(c *models.Config) error {
	mode, err := models.ParseMode(c.Mode)
	if err != nil {
		return err
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("至少需要配置一个交易对")
	}
	if c.Clock.PrecheckSecond < 0 || c.Clock.PrecheckSecond > 59 ||
		c.Clock.DecisionSecond < 0 || c.Clock.DecisionSecond > 59 {
		return fmt.Errorf("clock offsets must be within [0,59]")
	}
	if c.Clock.PrecheckSecond == c.Clock.DecisionSecond {
		return fmt.Errorf("precheck and decision offsets must differ")
	}
	if err := ValidateRisk(c.Risk); err != nil {
		return err
	}
	for tf, rule := range c.Eligibility {
		for _, e := range []models.Eligibility{rule.MainTrend, rule.SubBottomTop, rule.SubOrderBlock} {
			if e != "" && e != models.EligibilityOpen && e != models.EligibilityTPOnly {
				return fmt.Errorf("eligibility[%s]: unknown value %q", tf, e)
			}
		}
	}
	if c.Execution.WorkerCount < 1 {
		return fmt.Errorf("execution.worker_count must be >= 1")
	}
	if mode == models.ModeSim {
		// 模拟模式必须使用真实行情, 禁止交易所沙盒/演示端点
		for _, raw := range []string{c.MarketData.RestURL, c.MarketData.WSURL} {
			if IsSandboxURL(raw) {
				return fmt.Errorf("sim mode must use real market data, got sandbox endpoint %s", raw)
			}
		}
	}
	return nil
}

// ValidateRisk 校验风控配置, 热加载时也会调用
func ValidateRisk(r models.RiskConfig) error {
	if r.HedgeCap < 1 || r.HedgeCap > 2 {
		return fmt.Errorf("risk.hedge_cap must be 1 or 2, got %d", r.HedgeCap)
	}
	if r.Leverage < 1 {
		return fmt.Errorf("risk.leverage must be >= 1")
	}
	for name, v := range map[string]float64{
		"main_position_pct":     r.MainPositionPct,
		"sub_position_pct":      r.SubPositionPct,
		"hard_take_profit_pct":  r.HardTakeProfitPct,
		"hedge_take_profit_pct": r.HedgeTakeProfitPct,
		"daily_loss_limit_pct":  r.DailyLossLimitPct,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("risk.%s must be a fraction in [0,1], got %v", name, v)
		}
	}
	if r.MaxOrderNotional < 0 {
		return fmt.Errorf("risk.max_order_notional must be >= 0")
	}
	return nil
}

// IsSandboxURL 报告URL是否指向交易所的沙盒/演示环境
func IsSandboxURL(raw string) bool {
	target := raw
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		target = u.Host + u.Path
	}
	target = strings.ToLower(target)
	for _, h := range sandboxHosts {
		if strings.Contains(target, h) {
			return true
		}
	}
	return false
}
