package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"binance-hedge-bot-go/internal/config"
	"binance-hedge-bot-go/internal/models"
	"binance-hedge-bot-go/internal/persistence"

	"go.uber.org/zap"
)

// binance 对应错误码, 让模拟盘的拒单与真实盘一致
const (
	codeReduceOnlyRejected = -2022
	codeInvalidQuantity    = -4003
	codeNoMarkPrice        = -1121
)

// maxSimFills 限制为幂等保留的历史成交数量
const maxSimFills = 1000

type simPosition struct {
	size       float64
	entryPrice float64
	leverage   int
}

// SimExchange 是模拟执行后端: 以最新标记价加滑点撮合市价单,
// 按 (交易对, 持仓方向) 维护双向持仓。
// 同一 clientOrderID 只成交一次, 重复提交返回首次的成交结果。
type SimExchange struct {
	mu sync.Mutex

	cash      float64
	totalFees float64
	positions map[string]map[models.PositionSide]*simPosition
	prices    map[string]float64
	priceTime map[string]time.Time
	fills     map[string]*models.Fill
	fillOrder []string
	nextID    int64
	store     persistence.AccountStore

	takerFeeRate float64
	slippageRate float64
	now          func() time.Time
	logger       *zap.Logger
}

// NewSimExchange 创建模拟后端。endpoints 为行情地址, 模拟盘拒绝任何沙盒/测试网地址。
func NewSimExchange(cfg models.ExecutionConfig, endpoints []string, logger *zap.Logger) (*SimExchange, error) {
	for _, u := range endpoints {
		if config.IsSandboxURL(u) {
			return nil, fmt.Errorf("模拟盘禁止使用沙盒地址: %s", u)
		}
	}
	return &SimExchange{
		cash:         cfg.InitialBalance,
		positions:    make(map[string]map[models.PositionSide]*simPosition),
		prices:       make(map[string]float64),
		priceTime:    make(map[string]time.Time),
		fills:        make(map[string]*models.Fill),
		nextID:       1,
		takerFeeRate: cfg.TakerFeeRate,
		slippageRate: cfg.SlippageRate,
		now:          time.Now,
		logger:       logger,
	}, nil
}

// Attach 绑定持久化存储: 有已保存的账户则恢复, 否则按持仓账本的现有持仓建仓并保存。
// 之后每笔成交都会写回存储, 重启后模拟持仓与账本保持一致。
func (e *SimExchange) Attach(store persistence.AccountStore, groups []*models.HedgeGroup) error {
	acc, err := store.LoadSimAccount()
	if err != nil {
		return fmt.Errorf("load sim account: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = store
	if acc != nil {
		e.restore(acc)
		e.logger.Info("模拟账户已恢复",
			zap.Float64("cash", e.cash), zap.Int("positions", len(acc.Positions)), zap.Int("fills", len(e.fills)))
		return nil
	}

	seeded := 0
	for _, g := range groups {
		for _, p := range g.Positions() {
			e.addPosition(g.Symbol, p.Side, p.Size, p.EntryPrice, p.Leverage)
			seeded++
		}
	}
	if seeded > 0 {
		e.logger.Warn("未找到模拟账户快照, 已按持仓账本重建模拟持仓", zap.Int("positions", seeded))
	}
	return e.save()
}

func (e *SimExchange) restore(acc *models.SimAccount) {
	e.cash = acc.Cash
	e.totalFees = acc.TotalFees
	if acc.NextID > 0 {
		e.nextID = acc.NextID
	}
	e.positions = make(map[string]map[models.PositionSide]*simPosition)
	for _, p := range acc.Positions {
		e.addPosition(p.Symbol, p.Side, p.Size, p.EntryPrice, p.Leverage)
	}
	e.fills = make(map[string]*models.Fill, len(acc.Fills))
	e.fillOrder = e.fillOrder[:0]
	ids := make([]string, 0, len(acc.Fills))
	for id := range acc.Fills {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return acc.Fills[ids[i]].FilledAt.Before(acc.Fills[ids[j]].FilledAt) })
	for _, id := range ids {
		f := acc.Fills[id]
		e.fills[id] = &f
		e.fillOrder = append(e.fillOrder, id)
	}
}

// addPosition 按加权均价合并到 (交易对, 方向) 持仓
func (e *SimExchange) addPosition(symbol string, side models.PositionSide, size, entry float64, leverage int) {
	if size <= 0 {
		return
	}
	bySide := e.positions[symbol]
	if bySide == nil {
		bySide = make(map[models.PositionSide]*simPosition)
		e.positions[symbol] = bySide
	}
	pos := bySide[side]
	if pos == nil {
		pos = &simPosition{leverage: leverage}
		bySide[side] = pos
	}
	total := pos.size + size
	pos.entryPrice = (pos.entryPrice*pos.size + entry*size) / total
	pos.size = total
}

// save 写回账户快照, 调用方持有锁
func (e *SimExchange) save() error {
	if e.store == nil {
		return nil
	}
	acc := &models.SimAccount{
		Cash:      e.cash,
		TotalFees: e.totalFees,
		NextID:    e.nextID,
		Fills:     make(map[string]models.Fill, len(e.fills)),
		UpdatedAt: e.now(),
	}
	for symbol, bySide := range e.positions {
		for side, p := range bySide {
			acc.Positions = append(acc.Positions, models.Position{
				Symbol: symbol, Side: side, Size: p.size, EntryPrice: p.entryPrice, Leverage: p.leverage,
			})
		}
	}
	for id, f := range e.fills {
		acc.Fills[id] = *f
	}
	return e.store.SaveSimAccount(acc)
}

// SetPrice 更新标记价, 通常每个决策tick由行情快照驱动
func (e *SimExchange) SetPrice(symbol string, price float64, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
	e.priceTime[symbol] = at
}

// SubmitOrder 立即以市价撮合
func (e *SimExchange) SubmitOrder(ctx context.Context, intent models.OrderIntent) (*models.Fill, error) {
	if err := ctx.Err(); err != nil {
		kind := ConnectionFailed
		if errors.Is(err, context.DeadlineExceeded) {
			kind = Timeout
		}
		return nil, &ExecutionError{Kind: kind, Sent: false, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if intent.ClientOrderID != "" {
		if prev, ok := e.fills[intent.ClientOrderID]; ok {
			f := *prev
			return &f, nil
		}
	}

	if intent.Quantity <= 0 {
		return nil, &ExecutionError{Kind: Rejected, Sent: true, Code: codeInvalidQuantity,
			Err: fmt.Errorf("invalid quantity %v", intent.Quantity)}
	}
	mark, ok := e.prices[intent.Symbol]
	if !ok || mark <= 0 {
		return nil, &ExecutionError{Kind: Rejected, Sent: true, Code: codeNoMarkPrice,
			Err: fmt.Errorf("no mark price for %s", intent.Symbol)}
	}

	// 买入向上滑, 卖出向下滑
	price := mark * (1 + e.slippageRate)
	if intent.Side == models.Sell {
		price = mark * (1 - e.slippageRate)
	}
	fee := price * intent.Quantity * e.takerFeeRate

	bySide := e.positions[intent.Symbol]
	if bySide == nil {
		bySide = make(map[models.PositionSide]*simPosition)
		e.positions[intent.Symbol] = bySide
	}
	pos := bySide[intent.PositionSide]
	opening := intent.Side == intent.PositionSide.OpenSide()

	if opening {
		if intent.ReduceOnly {
			return nil, &ExecutionError{Kind: Rejected, Sent: true, Code: codeReduceOnlyRejected,
				Err: errors.New("reduce-only order would increase position")}
		}
		e.addPosition(intent.Symbol, intent.PositionSide, intent.Quantity, price, intent.Leverage)
	} else {
		// 平仓数量不得超过持仓, 与交易所 reduce-only 行为一致
		if pos == nil || intent.Quantity > pos.size*(1+1e-9) {
			return nil, &ExecutionError{Kind: Rejected, Sent: true, Code: codeReduceOnlyRejected,
				Err: fmt.Errorf("close quantity %v exceeds %s position", intent.Quantity, intent.PositionSide)}
		}
		qty := intent.Quantity
		if qty > pos.size {
			qty = pos.size
		}
		realized := (price - pos.entryPrice) * qty
		if intent.PositionSide == models.Short {
			realized = -realized
		}
		e.cash += realized
		pos.size -= qty
		if pos.size <= 1e-12 {
			delete(bySide, intent.PositionSide)
		}
	}
	e.cash -= fee
	e.totalFees += fee

	fill := &models.Fill{
		ClientOrderID: intent.ClientOrderID,
		OrderID:       fmt.Sprintf("sim-%d", e.nextID),
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		PositionSide:  intent.PositionSide,
		Quantity:      intent.Quantity,
		Price:         price,
		Fee:           fee,
		FilledAt:      e.now(),
	}
	e.nextID++
	if intent.ClientOrderID != "" {
		e.fills[intent.ClientOrderID] = fill
		e.fillOrder = append(e.fillOrder, intent.ClientOrderID)
		if len(e.fillOrder) > maxSimFills {
			delete(e.fills, e.fillOrder[0])
			e.fillOrder = e.fillOrder[1:]
		}
	}
	if err := e.save(); err != nil {
		e.logger.Error("模拟账户持久化失败", zap.String("client_order_id", fill.ClientOrderID), zap.Error(err))
	}

	e.logger.Info("模拟成交",
		zap.String("symbol", fill.Symbol),
		zap.String("side", string(fill.Side)),
		zap.String("position_side", string(fill.PositionSide)),
		zap.Float64("qty", fill.Quantity),
		zap.Float64("price", fill.Price),
		zap.Float64("fee", fill.Fee),
		zap.Float64("cash", e.cash))

	out := *fill
	return &out, nil
}

// FetchPositions 返回交易所视角的持仓, 不含角色信息
func (e *SimExchange) FetchPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ExecutionError{Kind: ConnectionFailed, Err: err}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	sides := make([]string, 0, 2)
	for side := range e.positions[symbol] {
		sides = append(sides, string(side))
	}
	sort.Strings(sides)

	out := make([]models.Position, 0, len(sides))
	for _, s := range sides {
		p := e.positions[symbol][models.PositionSide(s)]
		out = append(out, models.Position{
			Symbol:     symbol,
			Side:       models.PositionSide(s),
			Size:       p.size,
			EntryPrice: p.entryPrice,
			Leverage:   p.leverage,
		})
	}
	return out, nil
}

// FetchBalance 合约账户总权益 = 钱包余额 + 未实现盈亏; 可用 = 总权益 - 占用保证金
func (e *SimExchange) FetchBalance(ctx context.Context) (*models.Equity, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ExecutionError{Kind: ConnectionFailed, Err: err}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var unrealized, margin float64
	for symbol, bySide := range e.positions {
		mark := e.prices[symbol]
		for side, p := range bySide {
			pnl := (mark - p.entryPrice) * p.size
			if side == models.Short {
				pnl = -pnl
			}
			unrealized += pnl
			lev := p.leverage
			if lev <= 0 {
				lev = 1
			}
			margin += p.entryPrice * p.size / float64(lev)
		}
	}
	total := e.cash + unrealized
	return &models.Equity{Total: total, Available: total - margin, AsOf: e.now()}, nil
}

// TotalFees 返回累计手续费
func (e *SimExchange) TotalFees() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalFees
}
