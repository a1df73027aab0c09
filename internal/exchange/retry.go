package exchange

import (
	"context"
	"errors"
	"time"

	"binance-hedge-bot-go/internal/models"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// RetryPolicy bounds automatic resubmission of safely retryable failures.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	CallTimeout  time.Duration
}

// PolicyFromConfig builds a RetryPolicy from the execution section.
func PolicyFromConfig(cfg models.ExecutionConfig) RetryPolicy {
	return RetryPolicy{
		Attempts:     cfg.RetryAttempts,
		InitialDelay: time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
		CallTimeout:  time.Duration(cfg.OrderTimeoutMs) * time.Millisecond,
	}
}

// SubmitWithRetry submits intent, retrying Rejected and not-sent
// ConnectionFailed errors with exponential backoff. Every attempt reuses the
// intent's client order id. A Timeout is returned immediately.
func SubmitWithRetry(ctx context.Context, ex Exchange, intent models.OrderIntent, p RetryPolicy, logger *zap.Logger) (*models.Fill, error) {
	b := &backoff.Backoff{Min: p.InitialDelay, Max: p.MaxDelay, Factor: 2}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
		}
		fill, err := ex.SubmitOrder(callCtx, intent)
		deadlineHit := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			return fill, nil
		}

		execErr := AsExecutionError(err, deadlineHit)
		if !execErr.Retryable() || attempt >= attempts {
			return nil, execErr
		}

		delay := b.Duration()
		logger.Warn("order submission failed, retrying",
			zap.String("client_order_id", intent.ClientOrderID),
			zap.String("kind", string(execErr.Kind)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(execErr.Err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &ExecutionError{Kind: ConnectionFailed, Sent: false, Err: ctx.Err()}
		case <-timer.C:
		}
	}
}
