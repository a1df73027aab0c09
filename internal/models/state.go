package models

import (
	"fmt"
	"time"
)

// Position 由持仓账本独占, 仅通过状态机转换修改
type Position struct {
	ID         string       `json:"id"`
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Role       Role         `json:"role"`
	Size       float64      `json:"size"`
	EntryPrice float64      `json:"entry_price"`
	Leverage   int          `json:"leverage"`
	OpenedAt   time.Time    `json:"opened_at"`
}

// Margin 返回占用保证金 (entry * size / leverage)
func (p Position) Margin() float64 {
	lev := p.Leverage
	if lev <= 0 {
		lev = 1
	}
	return p.EntryPrice * p.Size / float64(lev)
}

// PnL 返回在给定价格下的未实现盈亏
func (p Position) PnL(price float64) float64 {
	if p.Side == Long {
		return (price - p.EntryPrice) * p.Size
	}
	return (p.EntryPrice - price) * p.Size
}

// PriceReturn 返回不含杠杆的价格收益率
func (p Position) PriceReturn(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	if p.Side == Long {
		return (price - p.EntryPrice) / p.EntryPrice
	}
	return (p.EntryPrice - price) / p.EntryPrice
}

// GroupStateKind 持仓组状态
type GroupStateKind string

const (
	StateFlat          GroupStateKind = "FLAT"
	StateMainOnly      GroupStateKind = "MAIN_ONLY"
	StateMainPlusHedge GroupStateKind = "MAIN_PLUS_HEDGE"
	StateHedgeOnly     GroupStateKind = "HEDGE_ONLY"
)

// GroupState 是状态种类加对冲数量
type GroupState struct {
	Kind   GroupStateKind
	Hedges int
}

func (s GroupState) String() string {
	if s.Kind == StateMainPlusHedge || s.Kind == StateHedgeOnly {
		return fmt.Sprintf("%s(%d)", s.Kind, s.Hedges)
	}
	return string(s.Kind)
}

// HedgeGroup 每个交易对一个: 至多一个主仓, 至多 hedgeCap 个对冲仓
type HedgeGroup struct {
	Symbol    string             `json:"symbol"`
	Main      *Position          `json:"main,omitempty"`
	Hedges    []Position         `json:"hedges"`
	Pending   *PendingTransition `json:"pending,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// State 返回当前状态
func (g *HedgeGroup) State() GroupState {
	n := len(g.Hedges)
	switch {
	case g.Main == nil && n == 0:
		return GroupState{Kind: StateFlat}
	case g.Main == nil:
		return GroupState{Kind: StateHedgeOnly, Hedges: n}
	case n == 0:
		return GroupState{Kind: StateMainOnly}
	default:
		return GroupState{Kind: StateMainPlusHedge, Hedges: n}
	}
}

// Positions 返回主仓在前的全部持仓
func (g *HedgeGroup) Positions() []Position {
	out := make([]Position, 0, len(g.Hedges)+1)
	if g.Main != nil {
		out = append(out, *g.Main)
	}
	return append(out, g.Hedges...)
}

// Exposure 返回每个方向的净持仓数量
func (g *HedgeGroup) Exposure() map[PositionSide]float64 {
	exp := map[PositionSide]float64{}
	for _, p := range g.Positions() {
		exp[p.Side] += p.Size
	}
	return exp
}

// Clone 深拷贝
func (g *HedgeGroup) Clone() *HedgeGroup {
	if g == nil {
		return nil
	}
	c := *g
	if g.Main != nil {
		m := *g.Main
		c.Main = &m
	}
	if g.Hedges != nil {
		c.Hedges = make([]Position, len(g.Hedges))
		copy(c.Hedges, g.Hedges)
	}
	if g.Pending != nil {
		c.Pending = g.Pending.Clone()
	}
	return &c
}

// TransitionKind 状态机转换种类
type TransitionKind string

const (
	TransitionOpenMain        TransitionKind = "open_main"
	TransitionOpenHedge       TransitionKind = "open_hedge"
	TransitionUnwind          TransitionKind = "unwind"
	TransitionPromote         TransitionKind = "promote"
	TransitionEscape          TransitionKind = "escape"
	TransitionHardTakeProfit  TransitionKind = "hard_take_profit"
	TransitionCloseMain       TransitionKind = "close_main"
	TransitionNoOp            TransitionKind = "noop"
	TransitionHedgeCapReached TransitionKind = "hedge_cap_reached"
)

// TransitionLeg 是一次转换中的一笔订单。开仓腿的 PositionID 是将要创建的持仓,
// 平仓腿的 PositionID 是被平掉的持仓。
type TransitionLeg struct {
	Intent     OrderIntent `json:"intent"`
	PositionID string      `json:"position_id"`
	Role       Role        `json:"role"`
	Close      bool        `json:"close"`
	Fill       *Fill       `json:"fill,omitempty"`
}

// Transition 是持仓账本计算出的状态转换
type Transition struct {
	Kind           TransitionKind  `json:"kind"`
	Symbol         string          `json:"symbol"`
	Timeframe      string          `json:"timeframe,omitempty"`
	Side           PositionSide    `json:"side,omitempty"`
	CandleIdentity int64           `json:"candle_identity"`
	Legs           []TransitionLeg `json:"legs,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// RequiresOrders 报告该转换是否需要下单
func (t Transition) RequiresOrders() bool {
	return len(t.Legs) > 0
}

// Exit 报告是否为退出类转换 (只减仓)
func (t Transition) Exit() bool {
	return t.Kind == TransitionEscape || t.Kind == TransitionHardTakeProfit
}

// PendingStatus 挂起转换的状态
type PendingStatus string

const (
	PendingSubmitted PendingStatus = "submitted" // 已记录, 订单提交中; 重启后按 unknown 处理
	PendingRetry     PendingStatus = "retry"     // 可重试错误耗尽, 下个tick以相同的clientOrderId重提交
	PendingUnknown   PendingStatus = "unknown"   // 超时, 结果未知, 只做对账不自动重提交
)

// PendingTransition 等待成交确认的转换
type PendingTransition struct {
	Transition
	Status    PendingStatus `json:"status"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Clone 深拷贝
func (p *PendingTransition) Clone() *PendingTransition {
	if p == nil {
		return nil
	}
	c := *p
	c.Legs = make([]TransitionLeg, len(p.Legs))
	for i, leg := range p.Legs {
		c.Legs[i] = leg
		if leg.Fill != nil {
			f := *leg.Fill
			c.Legs[i].Fill = &f
		}
	}
	return &c
}

// SimAccount 是模拟账户的持久化快照, 重启后恢复, 使模拟持仓与持仓账本一致
type SimAccount struct {
	Cash      float64         `json:"cash"`
	TotalFees float64         `json:"total_fees"`
	NextID    int64           `json:"next_id"`
	Positions []Position      `json:"positions"`
	Fills     map[string]Fill `json:"fills"` // 按 clientOrderID 记录的成交, 用于幂等重提交
	UpdatedAt time.Time       `json:"updated_at"`
}

// Alert 运维告警
type Alert struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Symbol    string    `json:"symbol,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// DashboardState 是供仪表盘只读的状态快照
type DashboardState struct {
	Groups         map[string]*HedgeGroup `json:"groups"`
	Decisions      []RiskDecision         `json:"decisions"`
	Alerts         []Alert                `json:"alerts"`
	LastUpdateTime time.Time              `json:"last_update_time"`
}
