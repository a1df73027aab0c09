package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"binance-hedge-bot-go/internal/alert"
	"binance-hedge-bot-go/internal/arbiter"
	"binance-hedge-bot-go/internal/clock"
	"binance-hedge-bot-go/internal/config"
	"binance-hedge-bot-go/internal/dedup"
	"binance-hedge-bot-go/internal/exchange"
	"binance-hedge-bot-go/internal/marketdata"
	"binance-hedge-bot-go/internal/models"
	"binance-hedge-bot-go/internal/position"
	"binance-hedge-bot-go/internal/risk"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Producer turns a frozen candle window into signal events.
type Producer interface {
	Evaluate(symbol, timeframe string, candles []models.Candle) []models.SignalEvent
}

// Refresher pulls market data into the cache over REST.
type Refresher interface {
	Refresh(ctx context.Context, cache *marketdata.Cache, symbols, timeframes []string) error
}

// TradeLog is the append-only execution log.
type TradeLog interface {
	Append(rec *models.TradeRecord) error
}

// Dashboard receives read-only state for the UI.
type Dashboard interface {
	RecordGroup(g *models.HedgeGroup)
	RecordDecision(d models.RiskDecision)
}

// Deps are the collaborators of an Orchestrator. Refresher may be nil when a
// stream keeps the cache warm.
type Deps struct {
	Cache     *marketdata.Cache
	Refresher Refresher
	Producer  Producer
	Arbiter   *arbiter.Arbiter
	Dedup     *dedup.Ledger
	Positions *position.Ledger
	Exchange  exchange.Exchange
	TradeLog  TradeLog
	DailyLoss *risk.DailyLossTracker
	Dashboard Dashboard
	Alerts    alert.Alerter
	Logger    *zap.Logger
}

// Status is what happened to one (symbol, timeframe) on a tick.
type Status string

const (
	StatusNoData     Status = "no_data"
	StatusNoSignal   Status = "no_signal"
	StatusDuplicate  Status = "duplicate"
	StatusSuperseded Status = "superseded"
	StatusBlocked    Status = "blocked"
	StatusNoOp       Status = "noop"
	StatusHedgeCap   Status = "hedge_cap_reached"
	StatusExecuted   Status = "executed"
	StatusPending    Status = "pending"
	StatusFailed     Status = "failed"
)

// Outcome reports one evaluation. Exits have an empty Timeframe.
type Outcome struct {
	Symbol     string
	Timeframe  string
	Status     Status
	Transition models.TransitionKind
	Decision   *models.RiskDecision
	Err        error
}

// Result is everything a decision tick did, ordered by symbol.
type Result struct {
	AsOf     time.Time
	Outcomes []Outcome
}

// Orchestrator drives one tick at a time: it is the only writer of the dedup
// and position ledgers. Work is serialized per symbol and parallel across
// symbols.
type Orchestrator struct {
	mode       models.Mode
	symbols    []string
	timeframes []string
	exec       models.ExecutionConfig
	cacheTTL   time.Duration
	streaming  bool
	policy     exchange.RetryPolicy

	risk atomic.Pointer[models.RiskConfig]

	cache     *marketdata.Cache
	refresher Refresher
	producer  Producer
	arbiter   *arbiter.Arbiter
	dedup     *dedup.Ledger
	positions *position.Ledger
	exchange  exchange.Exchange
	trades    TradeLog
	daily     *risk.DailyLossTracker
	dashboard Dashboard
	alerts    alert.Alerter
	logger    *zap.Logger

	locks map[string]*sync.Mutex

	equityMu sync.Mutex
	equity   *models.Equity
}

// New wires an Orchestrator. streaming disables REST refreshes on ticks.
func New(cfg *models.Config, mode models.Mode, streaming bool, d Deps) (*Orchestrator, error) {
	if d.Cache == nil || d.Producer == nil || d.Arbiter == nil || d.Dedup == nil ||
		d.Positions == nil || d.Exchange == nil || d.DailyLoss == nil || d.Alerts == nil {
		return nil, errors.New("orchestrator: missing dependency")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	o := &Orchestrator{
		mode:       mode,
		symbols:    append([]string(nil), cfg.Symbols...),
		timeframes: append([]string(nil), cfg.Timeframes...),
		exec:       cfg.Execution,
		cacheTTL:   time.Duration(cfg.MarketData.CacheTTLMs) * time.Millisecond,
		streaming:  streaming,
		policy:     exchange.PolicyFromConfig(cfg.Execution),
		cache:      d.Cache,
		refresher:  d.Refresher,
		producer:   d.Producer,
		arbiter:    d.Arbiter,
		dedup:      d.Dedup,
		positions:  d.Positions,
		exchange:   d.Exchange,
		trades:     d.TradeLog,
		daily:      d.DailyLoss,
		dashboard:  d.Dashboard,
		alerts:     d.Alerts,
		logger:     d.Logger,
		locks:      make(map[string]*sync.Mutex, len(cfg.Symbols)),
	}
	rc := cfg.Risk
	o.risk.Store(&rc)
	for _, s := range o.symbols {
		o.locks[s] = &sync.Mutex{}
	}
	return o, nil
}

// RiskConfig returns the snapshot used by the next tick.
func (o *Orchestrator) RiskConfig() models.RiskConfig {
	return *o.risk.Load()
}

// SetRiskConfig swaps the risk snapshot. Ticks already running keep the old one.
func (o *Orchestrator) SetRiskConfig(rc models.RiskConfig) error {
	if err := config.ValidateRisk(rc); err != nil {
		return err
	}
	o.risk.Store(&rc)
	o.logger.Info("risk config updated",
		zap.Bool("trading_enabled", rc.TradingEnabled),
		zap.Bool("trading_paused", rc.TradingPaused),
		zap.Bool("live_trading_allowed", rc.LiveTradingAllowed))
	return nil
}

// HandleTick is the clock handler.
func (o *Orchestrator) HandleTick(ctx context.Context, t clock.Tick) {
	switch t.Phase {
	case clock.Precheck:
		o.Precheck(ctx, t.Scheduled)
	case clock.Decision:
		res := o.Decide(ctx, t.Scheduled)
		counts := map[Status]int{}
		for _, oc := range res.Outcomes {
			counts[oc.Status]++
		}
		o.logger.Info("decision tick done",
			zap.Time("as_of", res.AsOf),
			zap.Duration("lag", t.Lag()),
			zap.Any("outcomes", counts))
	}
}

// Precheck refreshes equity and market data and reconciles unknown pending
// transitions ahead of the decision tick.
func (o *Orchestrator) Precheck(ctx context.Context, at time.Time) {
	if _, err := o.refreshEquity(ctx); err != nil {
		o.alerts.Warn("", "equity refresh failed: %v", err)
	}
	o.logger.Debug("daily loss", zap.Float64("loss", o.daily.Loss()), zap.Time("day", o.daily.Day()))
	o.refreshMarketData(ctx)

	var g errgroup.Group
	g.SetLimit(o.workers())
	for _, s := range o.symbols {
		symbol := s
		g.Go(func() error {
			lock := o.lock(symbol)
			lock.Lock()
			defer lock.Unlock()
			o.resolvePending(ctx, symbol, false)
			return nil
		})
	}
	g.Wait()
}

// Decide runs the decision pipeline for every symbol against one frozen
// snapshot taken at the tick's scheduled time.
func (o *Orchestrator) Decide(ctx context.Context, at time.Time) Result {
	o.refreshMarketData(ctx)
	snap := o.cache.Snapshot(at, o.cacheTTL)
	rc := o.RiskConfig()

	equity, err := o.currentEquity(ctx, at)
	if err != nil {
		o.logger.Warn("no usable equity, new exposure will be blocked", zap.Error(err))
	}
	if ps, ok := o.exchange.(exchange.PriceSetter); ok {
		for _, s := range o.symbols {
			if price, ok := snap.Price(s); ok {
				ps.SetPrice(s, price, at)
			}
		}
	}

	perSymbol := make([][]Outcome, len(o.symbols))
	var g errgroup.Group
	g.SetLimit(o.workers())
	for i, s := range o.symbols {
		i, symbol := i, s
		g.Go(func() error {
			perSymbol[i] = o.processSymbol(ctx, symbol, snap, equity, rc)
			return nil
		})
	}
	g.Wait()

	res := Result{AsOf: at}
	for _, outs := range perSymbol {
		res.Outcomes = append(res.Outcomes, outs...)
	}
	return res
}

func (o *Orchestrator) workers() int {
	if o.exec.WorkerCount > 0 {
		return o.exec.WorkerCount
	}
	return 1
}

func (o *Orchestrator) lock(symbol string) *sync.Mutex {
	if l, ok := o.locks[symbol]; ok {
		return l
	}
	// symbols are fixed at construction; this only guards misuse
	panic(fmt.Sprintf("orchestrator: unknown symbol %s", symbol))
}

func (o *Orchestrator) refreshMarketData(ctx context.Context) {
	if o.refresher == nil || o.streaming {
		return
	}
	if err := o.refresher.Refresh(ctx, o.cache, o.symbols, o.timeframes); err != nil {
		o.logger.Warn("market data refresh failed, using cached data", zap.Error(err))
	}
}

func (o *Orchestrator) callTimeout() time.Duration {
	if o.exec.OrderTimeoutMs > 0 {
		return time.Duration(o.exec.OrderTimeoutMs) * time.Millisecond
	}
	return 5 * time.Second
}

func (o *Orchestrator) refreshEquity(ctx context.Context) (models.Equity, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout())
	defer cancel()
	eq, err := o.exchange.FetchBalance(callCtx)
	if err != nil {
		return models.Equity{}, err
	}
	o.equityMu.Lock()
	o.equity = eq
	o.equityMu.Unlock()
	return *eq, nil
}

// currentEquity uses the cached balance while it is fresh enough.
func (o *Orchestrator) currentEquity(ctx context.Context, at time.Time) (models.Equity, error) {
	o.equityMu.Lock()
	cached := o.equity
	o.equityMu.Unlock()

	maxAge := time.Duration(o.exec.EquityMaxAgeMs) * time.Millisecond
	if cached != nil && (maxAge <= 0 || at.Sub(cached.AsOf) <= maxAge) {
		return *cached, nil
	}
	return o.refreshEquity(ctx)
}

// processSymbol runs pending resolution, exits and then every timeframe's
// signal for one symbol. Caller must not hold the symbol lock.
func (o *Orchestrator) processSymbol(ctx context.Context, symbol string, snap *marketdata.Snapshot, equity models.Equity, rc models.RiskConfig) []Outcome {
	lock := o.lock(symbol)
	lock.Lock()
	defer lock.Unlock()

	var out []Outcome
	each := func(status Status) []Outcome {
		for _, tf := range o.timeframes {
			out = append(out, Outcome{Symbol: symbol, Timeframe: tf, Status: status})
		}
		return out
	}

	price, ok := snap.Price(symbol)
	if !ok {
		o.logger.Warn("no fresh market data", zap.String("symbol", symbol), zap.Time("as_of", snap.AsOf))
		return each(StatusNoData)
	}

	if o.resolvePending(ctx, symbol, true) {
		return each(StatusPending)
	}

	exited := false
	if exit := o.positions.PlanExit(symbol, price, rc); exit.RequiresOrders() {
		exit.CandleIdentity = snap.AsOf.UnixMilli()
		oc := o.runTransition(ctx, exit, nil, rc, equity, snap.AsOf)
		out = append(out, oc)
		switch oc.Status {
		case StatusExecuted:
			exited = true
		case StatusBlocked:
		default:
			// 退出未完成时不评估信号, 以免消耗去重槽位
			if o.positions.Group(symbol).Pending != nil {
				return each(StatusPending)
			}
			return each(StatusFailed)
		}
	}

	for _, tf := range o.timeframes {
		out = append(out, o.processTimeframe(ctx, symbol, tf, snap, price, equity, rc, exited))
	}
	return out
}

func (o *Orchestrator) processTimeframe(ctx context.Context, symbol, tf string, snap *marketdata.Snapshot,
	price float64, equity models.Equity, rc models.RiskConfig, exited bool) Outcome {

	oc := Outcome{Symbol: symbol, Timeframe: tf}
	current, ok := snap.Current(symbol, tf)
	if !ok {
		oc.Status = StatusNoData
		return oc
	}
	candles, _ := snap.Candles(symbol, tf)
	candle := current.Identity()

	sel, errs := o.arbiter.Select(rc, symbol, tf, candle, o.producer.Evaluate(symbol, tf, candles))
	for _, err := range errs {
		o.logger.Warn("signal dropped", zap.String("symbol", symbol), zap.String("timeframe", tf), zap.Error(err))
		o.appendTrade(&models.TradeRecord{
			Symbol: symbol, Timeframe: tf, Transition: models.TransitionNoOp, Outcome: models.OutcomeDropped,
			CandleIdentity: candle, Reason: err.Error(),
		})
	}
	if sel == nil {
		oc.Status = StatusNoSignal
		return oc
	}
	for _, s := range sel.Suppressed {
		o.logger.Debug("signal suppressed by priority",
			zap.String("symbol", symbol), zap.String("timeframe", tf),
			zap.String("type", string(s.Type)), zap.String("winner", string(sel.Signal.Type)))
	}

	adm, err := o.dedup.CheckAndRecord(models.DedupKey{Symbol: symbol, Timeframe: tf, Action: sel.Signal.Action}, candle)
	if err != nil {
		o.alerts.Critical(symbol, "dedup ledger unavailable: %v", err)
		oc.Status, oc.Err = StatusFailed, err
		return oc
	}
	if !adm.Allowed {
		oc.Status = StatusDuplicate
		return oc
	}
	if exited {
		o.logger.Info("signal superseded by exit on the same tick",
			zap.String("symbol", symbol), zap.String("timeframe", tf), zap.String("action", string(sel.Signal.Action)))
		oc.Status = StatusSuperseded
		return oc
	}

	t, err := o.positions.PlanSignal(symbol, position.Signal{Event: sel.Signal, TakeProfitOnly: sel.TakeProfitOnly}, price, equity.Total, rc)
	if err != nil {
		oc.Status, oc.Err = StatusPending, err
		return oc
	}
	oc.Transition = t.Kind

	switch {
	case t.Kind == models.TransitionHedgeCapReached:
		o.logger.Warn("hedge circuit breaker: signal dropped",
			zap.String("symbol", symbol), zap.String("timeframe", tf), zap.String("reason", t.Reason))
		o.appendTrade(&models.TradeRecord{
			Symbol: symbol, Timeframe: tf, Transition: models.TransitionHedgeCapReached, Outcome: models.OutcomeDropped,
			PositionSide: t.Side, CandleIdentity: candle, Reason: t.Reason,
		})
		oc.Status = StatusHedgeCap
	case t.Kind == models.TransitionPromote:
		g, err := o.positions.ApplyImmediate(t)
		if g != nil {
			o.publishGroup(g)
		}
		if err != nil {
			o.surfaceInvariant(symbol, err)
			oc.Status, oc.Err = StatusFailed, err
			break
		}
		oc.Status = StatusExecuted
	case !t.RequiresOrders():
		o.logger.Debug("signal is a no-op", zap.String("symbol", symbol), zap.String("timeframe", tf), zap.String("reason", t.Reason))
		oc.Status = StatusNoOp
	default:
		return o.runTransition(ctx, t, &adm, rc, equity, snap.AsOf)
	}
	return oc
}

func (o *Orchestrator) publishGroup(g *models.HedgeGroup) {
	if o.dashboard != nil {
		o.dashboard.RecordGroup(g)
	}
}

func (o *Orchestrator) appendTrade(rec *models.TradeRecord) {
	if o.trades == nil {
		return
	}
	if err := o.trades.Append(rec); err != nil {
		o.logger.Error("failed to append trade log", zap.String("symbol", rec.Symbol), zap.Error(err))
	}
}

func (o *Orchestrator) surfaceInvariant(symbol string, err error) {
	var iv *position.InvariantViolation
	if errors.As(err, &iv) {
		o.alerts.Critical(symbol, "%v", iv)
		return
	}
	o.alerts.Critical(symbol, "position ledger error: %v", err)
}
