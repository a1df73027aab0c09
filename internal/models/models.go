package models

import (
	"fmt"
	"strings"
	"time"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	Mode         string                     `json:"mode"`           // 运行模式: sim 或 live
	Symbols      []string                   `json:"symbols"`        // 交易对列表, e.g. ["BTCUSDT"]
	Timeframes   []string                   `json:"timeframes"`     // 参与决策的K线周期, e.g. ["1m", "5m"]
	Strategies   []string                   `json:"strategies"`     // 信号策略名称
	DBPath       string                     `json:"db_path"`        // Badger 数据目录 (去重账本与持仓组)
	TradeLogPath string                     `json:"trade_log_path"` // SQLite 成交日志路径
	Clock        ClockConfig                `json:"clock"`
	Risk         RiskConfig                 `json:"risk"`
	Eligibility  map[string]EligibilityRule `json:"eligibility"` // 按周期的开仓资格表, "*" 为默认行
	Execution    ExecutionConfig            `json:"execution"`
	MarketData   MarketDataConfig           `json:"market_data"`
	LogConfig    LogConfig                  `json:"log"`
}

// ClockConfig 定义了每分钟内的触发秒数
type ClockConfig struct {
	PrecheckSecond   int `json:"precheck_second"`    // 预检偏移 (风控/余额刷新)
	DecisionSecond   int `json:"decision_second"`    // 决策偏移 (信号评估)
	DriftToleranceMs int `json:"drift_tolerance_ms"` // 超过该延迟则跳过本次tick
}

// RiskConfig 是风控配置的不可变快照, 每个tick显式传入
type RiskConfig struct {
	TradingEnabled      bool    `json:"trading_enabled"`
	TradingPaused       bool    `json:"trading_paused"`
	LiveTradingAllowed  bool    `json:"live_trading_allowed"`
	MaxOrderNotional    float64 `json:"max_order_notional"`     // 单笔名义价值上限 (USDT), 0 表示不限制
	DailyLossLimitPct   float64 `json:"daily_loss_limit_pct"`   // 当日亏损上限 (占权益比例)
	MainPositionPct     float64 `json:"main_position_pct"`      // 主仓保证金占权益比例
	SubPositionPct      float64 `json:"sub_position_pct"`       // 子信号(对冲)保证金占权益比例
	HardTakeProfitPct   float64 `json:"hard_take_profit_pct"`   // 无对冲时主仓止盈阈值
	HedgeTakeProfitPct  float64 `json:"hedge_take_profit_pct"`  // 有对冲时净收益逃逸阈值
	HedgeCap            int     `json:"hedge_cap"`              // 对冲仓位上限 (熔断)
	Leverage            int     `json:"leverage"`               // 默认杠杆
	ReleaseDedupOnBlock bool    `json:"release_dedup_on_block"` // 风控拦截时是否释放去重槽位
}

// Eligibility 表示某类信号在某周期上的权限
type Eligibility string

const (
	EligibilityOpen   Eligibility = "open"
	EligibilityTPOnly Eligibility = "tp_only"
)

// EligibilityRule 是资格表中的一行
type EligibilityRule struct {
	MainTrend     Eligibility `json:"main_trend"`
	SubBottomTop  Eligibility `json:"sub_bottom_top"`
	SubOrderBlock Eligibility `json:"sub_order_block"`
}

// For 返回某个信号类别在该行中的权限, 未配置视为 open
func (r EligibilityRule) For(c SignalCategory) Eligibility {
	var e Eligibility
	switch c {
	case CategoryMainTrend:
		e = r.MainTrend
	case CategorySubBottomTop:
		e = r.SubBottomTop
	case CategorySubOrderBlock:
		e = r.SubOrderBlock
	}
	if e == "" {
		return EligibilityOpen
	}
	return e
}

// ExecutionConfig 定义了下单、重试与模拟撮合参数
type ExecutionConfig struct {
	OrderTimeoutMs      int     `json:"order_timeout_ms"`
	RetryAttempts       int     `json:"retry_attempts"`         // 可重试错误的最大尝试次数
	RetryInitialDelayMs int     `json:"retry_initial_delay_ms"` // 重试前的初始延迟毫秒数
	RetryMaxDelayMs     int     `json:"retry_max_delay_ms"`
	WorkerCount         int     `json:"worker_count"`         // 跨交易对并发上限
	MaxPendingAttempts  int     `json:"max_pending_attempts"` // 挂起转换的最大重提交次数
	EquityMaxAgeMs      int     `json:"equity_max_age_ms"`    // 预检余额缓存有效期
	TakerFeeRate        float64 `json:"taker_fee_rate"`       // 吃单手续费率 (模拟)
	SlippageRate        float64 `json:"slippage_rate"`        // 滑点率 (模拟)
	InitialBalance      float64 `json:"initial_balance"`      // 模拟账户初始资金
}

// MarketDataConfig 定义了行情来源
type MarketDataConfig struct {
	RestURL         string `json:"rest_url"`
	WSURL           string `json:"ws_url"`
	CacheTTLMs      int    `json:"cache_ttl_ms"`
	KlineLimit      int    `json:"kline_limit"`
	UseStream       bool   `json:"use_stream"`
	PingIntervalSec int    `json:"websocket_ping_interval_sec,omitempty"` // WebSocket Ping消息发送间隔(秒)
	PongTimeoutSec  int    `json:"websocket_pong_timeout_sec,omitempty"`  // WebSocket Pong消息超时时间(秒)
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Mode 运行模式
type Mode string

const (
	ModeSim  Mode = "sim"
	ModeLive Mode = "live"
)

// ParseMode 解析运行模式。交易所自带的 demo/sandbox/testnet 模式被明确拒绝,
// 模拟模式始终使用真实行情。
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sim", "paper", "simulation", "":
		return ModeSim, nil
	case "live", "real":
		return ModeLive, nil
	case "demo", "sandbox", "test", "testnet":
		return "", fmt.Errorf("mode %q is not supported: use sim (real market data, local fills) or live", s)
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Side 定义了订单方向
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// PositionSide 定义了持仓方向 (双向持仓模式)
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// Opposite 返回相反方向
func (s PositionSide) Opposite() PositionSide {
	if s == Long {
		return Short
	}
	return Long
}

// OpenSide 返回开该方向仓位所用的订单方向
func (s PositionSide) OpenSide() Side {
	if s == Long {
		return Buy
	}
	return Sell
}

// CloseSide 返回平该方向仓位所用的订单方向
func (s PositionSide) CloseSide() Side {
	if s == Long {
		return Sell
	}
	return Buy
}

// Role 持仓角色
type Role string

const (
	RoleMain  Role = "main"
	RoleHedge Role = "hedge"
)

// Equity 账户权益快照
type Equity struct {
	Total     float64   `json:"total"`
	Available float64   `json:"available"`
	AsOf      time.Time `json:"as_of"`
}

// OrderIntent 是提交给执行后端的下单意图
type OrderIntent struct {
	ClientOrderID string       `json:"client_order_id"`
	Symbol        string       `json:"symbol"`
	Side          Side         `json:"side"`
	PositionSide  PositionSide `json:"position_side"`
	Quantity      float64      `json:"quantity"`
	Price         float64      `json:"price"` // 参考价 (快照中的最新价)
	ReduceOnly    bool         `json:"reduce_only"`
	Leverage      int          `json:"leverage"`
}

// Notional 返回按参考价计算的名义价值
func (o OrderIntent) Notional() float64 {
	return o.Quantity * o.Price
}

// Fill 是执行后端确认的成交
type Fill struct {
	ClientOrderID string       `json:"client_order_id"`
	OrderID       string       `json:"order_id"`
	Symbol        string       `json:"symbol"`
	Side          Side         `json:"side"`
	PositionSide  PositionSide `json:"position_side"`
	Quantity      float64      `json:"quantity"`
	Price         float64      `json:"price"`
	Fee           float64      `json:"fee"`
	FilledAt      time.Time    `json:"filled_at"`
}
