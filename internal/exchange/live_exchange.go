package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-hedge-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// binance 错误码
const (
	codeNoNeedToChangePositionMode = -4059
	codeDuplicateClientOrderID     = -4116
)

// LiveExchange 通过 USDⓈ-M 合约接口与币安交互, 使用双向持仓模式。
type LiveExchange struct {
	client *futures.Client
	logger *zap.Logger

	mu        sync.Mutex
	stepSizes map[string]decimal.Decimal
	leverage  map[string]int
	now       func() time.Time
}

// NewLiveExchange 创建真实后端并与服务器同步时间
func NewLiveExchange(ctx context.Context, apiKey, secretKey, baseURL string, logger *zap.Logger) (*LiveExchange, error) {
	client := futures.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = strings.TrimRight(baseURL, "/")
	}
	e := &LiveExchange{
		client:    client,
		logger:    logger,
		stepSizes: make(map[string]decimal.Decimal),
		leverage:  make(map[string]int),
		now:       time.Now,
	}

	offset, err := client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("与币安服务器同步时间失败: %w", err)
	}
	logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", offset))
	return e, nil
}

// Prepare 开启双向持仓并加载交易对的数量精度
func (e *LiveExchange) Prepare(ctx context.Context, symbols []string) error {
	err := e.client.NewChangePositionModeService().DualSide(true).Do(ctx)
	// -4059 (无需更改) 说明已是双向持仓
	if err != nil && apiCode(err) != codeNoNeedToChangePositionMode {
		return fmt.Errorf("设置双向持仓模式失败: %w", err)
	}

	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("获取交易规则失败: %w", err)
	}
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range info.Symbols {
		if !wanted[s.Symbol] {
			continue
		}
		lot := s.LotSizeFilter()
		if lot == nil {
			continue
		}
		step, err := decimal.NewFromString(lot.StepSize)
		if err != nil {
			return fmt.Errorf("解析 %s 的 stepSize 失败: %w", s.Symbol, err)
		}
		e.stepSizes[s.Symbol] = step
	}
	for _, s := range symbols {
		if _, ok := e.stepSizes[s]; !ok {
			return fmt.Errorf("未找到交易对 %s 的交易规则", s)
		}
	}
	return nil
}

// quantity 按 stepSize 向下取整
func (e *LiveExchange) quantity(symbol string, qty float64) decimal.Decimal {
	e.mu.Lock()
	step, ok := e.stepSizes[symbol]
	e.mu.Unlock()
	d := decimal.NewFromFloat(qty)
	if !ok || step.IsZero() {
		return d
	}
	return d.Div(step).Floor().Mul(step)
}

func (e *LiveExchange) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		return nil
	}
	e.mu.Lock()
	current := e.leverage[symbol]
	e.mu.Unlock()
	if current == leverage {
		return nil
	}
	if _, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return classify(err, false)
	}
	e.mu.Lock()
	e.leverage[symbol] = leverage
	e.mu.Unlock()
	return nil
}

// SubmitOrder 下市价单。clientOrderID 重复时 (之前的提交已到达交易所) 查询原订单返回其成交。
func (e *LiveExchange) SubmitOrder(ctx context.Context, intent models.OrderIntent) (*models.Fill, error) {
	if !intent.ReduceOnly {
		if err := e.ensureLeverage(ctx, intent.Symbol, intent.Leverage); err != nil {
			return nil, err
		}
	}

	qty := e.quantity(intent.Symbol, intent.Quantity)
	if !qty.IsPositive() {
		return nil, &ExecutionError{Kind: Rejected, Sent: false, Code: codeInvalidQuantity,
			Err: fmt.Errorf("quantity %v rounds to zero", intent.Quantity)}
	}

	// 双向持仓模式下不能传 reduceOnly, 由 positionSide + side 决定开平
	svc := e.client.NewCreateOrderService().
		Symbol(intent.Symbol).
		Side(futures.SideType(intent.Side)).
		PositionSide(futures.PositionSideType(intent.PositionSide)).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if intent.ClientOrderID != "" {
		svc = svc.NewClientOrderID(intent.ClientOrderID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		if apiCode(err) == codeDuplicateClientOrderID {
			return e.existingFill(ctx, intent)
		}
		return nil, classify(err, true)
	}

	executed, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	if executed <= 0 || resp.Status != futures.OrderStatusTypeFilled {
		// RESULT 响应偶尔先于撮合返回, 再查一次
		return e.existingFill(ctx, intent)
	}
	return &models.Fill{
		ClientOrderID: resp.ClientOrderID,
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		PositionSide:  intent.PositionSide,
		Quantity:      executed,
		Price:         avg,
		FilledAt:      time.UnixMilli(resp.UpdateTime),
	}, nil
}

func (e *LiveExchange) existingFill(ctx context.Context, intent models.OrderIntent) (*models.Fill, error) {
	order, err := e.client.NewGetOrderService().
		Symbol(intent.Symbol).
		OrigClientOrderID(intent.ClientOrderID).
		Do(ctx)
	if err != nil {
		return nil, classify(err, true)
	}
	executed, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	avg, _ := strconv.ParseFloat(order.AvgPrice, 64)
	if order.Status != futures.OrderStatusTypeFilled || executed <= 0 {
		return nil, &ExecutionError{Kind: Timeout, Sent: true,
			Err: fmt.Errorf("order %s status %s, executed %v", intent.ClientOrderID, order.Status, executed)}
	}
	return &models.Fill{
		ClientOrderID: order.ClientOrderID,
		OrderID:       strconv.FormatInt(order.OrderID, 10),
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		PositionSide:  intent.PositionSide,
		Quantity:      executed,
		Price:         avg,
		FilledAt:      time.UnixMilli(order.UpdateTime),
	}, nil
}

// FetchPositions 返回交易对在两个方向上的非零持仓
func (e *LiveExchange) FetchPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	risks, err := e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify(err, true)
	}
	out := make([]models.Position, 0, 2)
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		if amt < 0 {
			amt = -amt
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		lev, _ := strconv.Atoi(r.Leverage)
		out = append(out, models.Position{
			Symbol:     r.Symbol,
			Side:       models.PositionSide(r.PositionSide),
			Size:       amt,
			EntryPrice: entry,
			Leverage:   lev,
		})
	}
	return out, nil
}

// FetchBalance 读取 USDT 钱包: 总权益 = 余额 + 未实现盈亏
func (e *LiveExchange) FetchBalance(ctx context.Context) (*models.Equity, error) {
	balances, err := e.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, classify(err, true)
	}
	for _, b := range balances {
		if b.Asset != "USDT" {
			continue
		}
		wallet, _ := strconv.ParseFloat(b.Balance, 64)
		upnl, _ := strconv.ParseFloat(b.CrossUnPnl, 64)
		avail, _ := strconv.ParseFloat(b.AvailableBalance, 64)
		return &models.Equity{Total: wallet + upnl, Available: avail, AsOf: e.now()}, nil
	}
	return nil, &ExecutionError{Kind: Rejected, Sent: true, Err: errors.New("USDT balance not found")}
}

func apiCode(err error) int64 {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// classify 把 SDK 错误映射为 ExecutionError。
// 交易所返回的业务错误为 Rejected; 拨号或 DNS 失败说明请求未发出; 其余一律按已发送处理。
func classify(err error, mayHaveSent bool) *ExecutionError {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &ExecutionError{Kind: Rejected, Sent: true, Code: apiErr.Code, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecutionError{Kind: Timeout, Sent: mayHaveSent, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &ExecutionError{Kind: ConnectionFailed, Sent: false, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &ExecutionError{Kind: ConnectionFailed, Sent: false, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ExecutionError{Kind: Timeout, Sent: mayHaveSent, Err: err}
	}
	return &ExecutionError{Kind: ConnectionFailed, Sent: mayHaveSent, Err: err}
}
