package models

import (
	"fmt"
	"time"
)

// Candle K线。决策使用的是仍在形成中的最新K线, 其 CloseTime 即K线身份。
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Closed    bool      `json:"closed"`
}

// Identity 返回K线身份 (CloseTime 的毫秒时间戳)
func (c Candle) Identity() int64 {
	return c.CloseTime.UnixMilli()
}

// Action 信号动作
type Action string

const (
	ActionLong  Action = "LONG"
	ActionShort Action = "SHORT"
	ActionHold  Action = "HOLD"
)

// Side 返回动作对应的持仓方向, HOLD 返回空
func (a Action) Side() PositionSide {
	switch a {
	case ActionLong:
		return Long
	case ActionShort:
		return Short
	}
	return ""
}

// SignalType 信号类型
type SignalType string

const (
	SignalMainTrend     SignalType = "MAIN_TREND"
	SignalSubBottom     SignalType = "SUB_BOTTOM"
	SignalSubTop        SignalType = "SUB_TOP"
	SignalSubOrderBlock SignalType = "SUB_ORDER_BLOCK"
	SignalTPBottom      SignalType = "TP_BOTTOM"
	SignalTPTop         SignalType = "TP_TOP"
	SignalTPOrderBlock  SignalType = "TP_ORDER_BLOCK"
)

// SignalCategory 是资格表使用的信号类别
type SignalCategory string

const (
	CategoryMainTrend     SignalCategory = "main_trend"
	CategorySubBottomTop  SignalCategory = "sub_bottom_top"
	CategorySubOrderBlock SignalCategory = "sub_order_block"
)

// Category 返回信号所属类别, 未知类型返回空
func (t SignalType) Category() SignalCategory {
	switch t {
	case SignalMainTrend:
		return CategoryMainTrend
	case SignalSubBottom, SignalSubTop, SignalTPBottom, SignalTPTop:
		return CategorySubBottomTop
	case SignalSubOrderBlock, SignalTPOrderBlock:
		return CategorySubOrderBlock
	}
	return ""
}

// IsTakeProfit 报告该类型是否只能用于止盈
func (t SignalType) IsTakeProfit() bool {
	return t == SignalTPBottom || t == SignalTPTop || t == SignalTPOrderBlock
}

// IsMain 报告该类型是否为主趋势信号
func (t SignalType) IsMain() bool {
	return t == SignalMainTrend
}

// Valid 报告是否为已知类型
func (t SignalType) Valid() bool {
	return t.Category() != ""
}

// SignalEvent 由信号生成方产生, 发出后不可变
type SignalEvent struct {
	Symbol         string     `json:"symbol"`
	Timeframe      string     `json:"timeframe"`
	Action         Action     `json:"action"`
	Type           SignalType `json:"type"`
	PositionPct    float64    `json:"position_pct"`
	Leverage       int        `json:"leverage"`
	CandleIdentity int64      `json:"candle_identity"`
	Reason         string     `json:"reason"`
	Strategy       string     `json:"strategy,omitempty"`
}

// DedupKey 去重键
type DedupKey struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Action    Action `json:"action"`
}

func (k DedupKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Symbol, k.Timeframe, k.Action)
}

// DedupRecord 记录某个去重键最后一次被执行的K线身份
type DedupRecord struct {
	Key            DedupKey  `json:"key"`
	CandleIdentity int64     `json:"candle_identity"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// BlockReason 风控拦截原因
type BlockReason string

const (
	BlockTradingDisabled       BlockReason = "trading_disabled"
	BlockTradingPaused         BlockReason = "trading_paused"
	BlockLiveTradingNotAllowed BlockReason = "live_trading_not_allowed"
	BlockMissingPositionSide   BlockReason = "missing_pos_side"
	BlockOrderNotional         BlockReason = "order_notional_exceeded"
	BlockDailyLossLimit        BlockReason = "daily_loss_limit"
)

// RiskDecision 是风控评估结果, Reasons 为空表示可执行
type RiskDecision struct {
	Symbol      string        `json:"symbol"`
	Timeframe   string        `json:"timeframe,omitempty"`
	Mode        Mode          `json:"mode"`
	Reasons     []BlockReason `json:"reasons"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// Blocked 报告是否被拦截
func (d RiskDecision) Blocked() bool {
	return len(d.Reasons) > 0
}

// TradeOutcome 成交日志条目结果
type TradeOutcome string

const (
	OutcomeFilled   TradeOutcome = "filled"
	OutcomeRejected TradeOutcome = "rejected"
	OutcomeBlocked  TradeOutcome = "blocked"
	OutcomeDropped  TradeOutcome = "dropped"
	OutcomeFailed   TradeOutcome = "failed"
)

// TradeRecord 是追加写入的成交/执行日志条目
type TradeRecord struct {
	ID             string         `json:"id"`
	Symbol         string         `json:"symbol"`
	Timeframe      string         `json:"timeframe"`
	Transition     TransitionKind `json:"transition"`
	Outcome        TradeOutcome   `json:"outcome"`
	ClientOrderID  string         `json:"client_order_id,omitempty"`
	Side           Side           `json:"side,omitempty"`
	PositionSide   PositionSide   `json:"position_side,omitempty"`
	Role           Role           `json:"role,omitempty"`
	Quantity       float64        `json:"quantity"`
	Price          float64        `json:"price"`
	Fee            float64        `json:"fee"`
	RealizedPnL    float64        `json:"realized_pnl"`
	CandleIdentity int64          `json:"candle_identity"`
	Reason         string         `json:"reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
