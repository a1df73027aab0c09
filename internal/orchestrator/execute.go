package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"binance-hedge-bot-go/internal/dedup"
	"binance-hedge-bot-go/internal/exchange"
	"binance-hedge-bot-go/internal/models"
	"binance-hedge-bot-go/internal/position"
	"binance-hedge-bot-go/internal/risk"

	"go.uber.org/zap"
)

// runTransition gates t through risk and, when allowed, records it as pending
// and submits its legs. adm is nil for exits, which are not deduplicated.
func (o *Orchestrator) runTransition(ctx context.Context, t models.Transition, adm *dedup.Admission,
	rc models.RiskConfig, equity models.Equity, at time.Time) Outcome {

	oc := Outcome{Symbol: t.Symbol, Timeframe: t.Timeframe, Transition: t.Kind}

	intents := make([]models.OrderIntent, len(t.Legs))
	for i, leg := range t.Legs {
		intents[i] = leg.Intent
	}
	decision := risk.Evaluate(o.mode, rc, risk.Context{
		Symbol:    t.Symbol,
		Timeframe: t.Timeframe,
		Intents:   intents,
		Equity:    equity.Total,
		DailyLoss: o.daily.Loss(),
		Now:       at,
	})
	oc.Decision = &decision
	if o.dashboard != nil {
		o.dashboard.RecordDecision(decision)
	}

	if decision.Blocked() {
		berr := &risk.BlockedError{Decision: decision}
		o.logger.Warn("transition blocked by risk gate",
			zap.String("symbol", t.Symbol),
			zap.String("timeframe", t.Timeframe),
			zap.String("kind", string(t.Kind)),
			zap.Error(berr))
		o.appendTrade(&models.TradeRecord{
			Symbol: t.Symbol, Timeframe: t.Timeframe, Transition: t.Kind, Outcome: models.OutcomeBlocked,
			PositionSide: t.Side, CandleIdentity: t.CandleIdentity, Reason: berr.Error(),
		})
		if adm != nil && rc.ReleaseDedupOnBlock {
			if err := o.dedup.Rollback(*adm); err != nil {
				o.logger.Error("dedup rollback failed", zap.String("symbol", t.Symbol), zap.Error(err))
			}
		}
		oc.Status, oc.Err = StatusBlocked, berr
		return oc
	}

	for i := range t.Legs {
		t.Legs[i].Intent.ClientOrderID = exchange.ClientOrderID(
			t.Symbol, t.Timeframe, fmt.Sprintf("%s:%s", t.Kind, t.Side), t.CandleIdentity, i)
	}
	if err := o.positions.Begin(t); err != nil {
		if errors.Is(err, position.ErrPending) {
			oc.Status, oc.Err = StatusPending, err
			return oc
		}
		// nothing was sent: drop the in-memory pending rather than trade on unpersisted state
		o.positions.Abort(t.Symbol, "pending transition could not be persisted")
		o.alerts.Critical(t.Symbol, "failed to persist pending %s: %v", t.Kind, err)
		oc.Status, oc.Err = StatusFailed, err
		return oc
	}

	oc.Status, oc.Err = o.submitPending(ctx, t.Symbol)
	return oc
}

// submitPending sends every unfilled leg of the symbol's pending transition,
// reusing the client order IDs recorded in Begin.
func (o *Orchestrator) submitPending(ctx context.Context, symbol string) (Status, error) {
	p := o.positions.Group(symbol).Pending
	if p == nil {
		return StatusNoOp, nil
	}
	for i, leg := range p.Legs {
		if leg.Fill != nil {
			continue
		}
		fill, err := exchange.SubmitWithRetry(ctx, o.exchange, leg.Intent, o.policy, o.logger)
		if err != nil {
			return o.markFailed(symbol, leg, err)
		}
		if err := o.positions.RecordFill(symbol, i, *fill); err != nil {
			o.logger.Error("failed to persist fill",
				zap.String("symbol", symbol), zap.String("client_order_id", fill.ClientOrderID), zap.Error(err))
		}
	}
	return o.commit(symbol)
}

// markFailed keeps the transition pending. Errors that may have reached the
// exchange are reconciled, the rest are resubmitted on a later tick.
func (o *Orchestrator) markFailed(symbol string, leg models.TransitionLeg, err error) (Status, error) {
	execErr := exchange.AsExecutionError(err, false)
	status := models.PendingRetry
	if !execErr.Retryable() {
		status = models.PendingUnknown
	}
	p, merr := o.positions.MarkPending(symbol, status, execErr)
	if merr != nil {
		o.logger.Error("failed to persist pending status", zap.String("symbol", symbol), zap.Error(merr))
	}

	outcome := models.OutcomeFailed
	if execErr.Kind == exchange.Rejected {
		outcome = models.OutcomeRejected
	}
	rec := &models.TradeRecord{
		Symbol: symbol, Outcome: outcome, ClientOrderID: leg.Intent.ClientOrderID,
		Side: leg.Intent.Side, PositionSide: leg.Intent.PositionSide, Role: leg.Role,
		Quantity: leg.Intent.Quantity, Price: leg.Intent.Price, Reason: execErr.Error(),
	}
	if p != nil {
		rec.Timeframe, rec.Transition, rec.CandleIdentity = p.Timeframe, p.Kind, p.CandleIdentity
	}
	o.appendTrade(rec)

	if status == models.PendingUnknown {
		o.alerts.Critical(symbol, "order %s outcome unknown (%v); will reconcile against exchange positions",
			leg.Intent.ClientOrderID, execErr)
	} else {
		attempts := 0
		if p != nil {
			attempts = p.Attempts
		}
		o.alerts.Warn(symbol, "order %s failed after retries (attempt %d): %v",
			leg.Intent.ClientOrderID, attempts, execErr)
	}
	return StatusPending, execErr
}

func (o *Orchestrator) commit(symbol string) (Status, error) {
	p := o.positions.Group(symbol).Pending
	if p == nil {
		return StatusNoOp, nil
	}
	t := p.Transition
	g, results, err := o.positions.Commit(symbol)
	o.settle(t, g, results)
	if err != nil {
		o.surfaceInvariant(symbol, err)
		return StatusFailed, err
	}
	return StatusExecuted, nil
}

// settle logs the filled legs of a finished transition and books their PnL.
func (o *Orchestrator) settle(t models.Transition, g *models.HedgeGroup, results []position.LegResult) {
	for _, r := range results {
		f := r.Leg.Fill
		if f == nil {
			continue
		}
		o.appendTrade(&models.TradeRecord{
			Symbol: t.Symbol, Timeframe: t.Timeframe, Transition: t.Kind, Outcome: models.OutcomeFilled,
			ClientOrderID: f.ClientOrderID, Side: f.Side, PositionSide: f.PositionSide, Role: r.Leg.Role,
			Quantity: f.Quantity, Price: f.Price, Fee: f.Fee, RealizedPnL: r.RealizedPnL,
			CandleIdentity: t.CandleIdentity, Reason: t.Reason, CreatedAt: f.FilledAt,
		})
		o.daily.Record(r.RealizedPnL)
	}
	if g != nil {
		o.publishGroup(g)
	}
}

// resolvePending tries to settle the symbol's pending transition and reports
// whether it is still pending. Retry transitions are only resubmitted when
// resubmit is set; submitted and unknown ones are reconciled, never resent.
// Caller holds the symbol lock.
func (o *Orchestrator) resolvePending(ctx context.Context, symbol string, resubmit bool) bool {
	p := o.positions.Group(symbol).Pending
	if p == nil {
		return false
	}

	if p.Status != models.PendingRetry {
		return o.reconcile(ctx, symbol, p)
	}

	if max := o.exec.MaxPendingAttempts; max > 0 && p.Attempts >= max {
		g, results, err := o.positions.Abort(symbol, fmt.Sprintf("gave up after %d attempts", p.Attempts))
		o.settle(p.Transition, g, results)
		o.alerts.Critical(symbol, "abandoned pending %s after %d attempts: %s", p.Kind, p.Attempts, p.LastError)
		if err != nil {
			o.surfaceInvariant(symbol, err)
		}
		return false
	}
	if !resubmit {
		return true
	}
	o.logger.Info("resubmitting pending transition",
		zap.String("symbol", symbol), zap.String("kind", string(p.Kind)), zap.Int("attempts", p.Attempts))
	status, _ := o.submitPending(ctx, symbol)
	return status == StatusPending
}

func (o *Orchestrator) reconcile(ctx context.Context, symbol string, p *models.PendingTransition) bool {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout())
	defer cancel()
	positions, err := o.exchange.FetchPositions(callCtx, symbol)
	if err != nil {
		o.logger.Warn("reconcile: fetch positions failed, staying pending",
			zap.String("symbol", symbol), zap.Error(err))
		return true
	}
	exposure := map[models.PositionSide]float64{}
	for _, pos := range positions {
		exposure[pos.Side] += pos.Size
	}

	outcome, g, results, err := o.positions.Reconcile(symbol, exposure)
	switch outcome {
	case position.ReconcileApplied:
		o.settle(p.Transition, g, results)
		o.logger.Info("reconcile: pending transition applied on exchange",
			zap.String("symbol", symbol), zap.String("kind", string(p.Kind)))
	case position.ReconcileNotApplied:
		o.settle(p.Transition, g, results)
		o.alerts.Warn(symbol, "pending %s never reached the exchange; cleared", p.Kind)
	default:
		o.alerts.Critical(symbol, "reconcile mismatch for pending %s: %v", p.Kind, err)
		return true
	}
	if err != nil {
		o.surfaceInvariant(symbol, err)
	}
	return false
}
