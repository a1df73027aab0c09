package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"binance-hedge-bot-go/internal/models"
)

// Exchange 定义了执行后端必须提供的能力。
// 模拟与真实实现对编排器完全可替换: 成功返回 Fill, 失败返回 *ExecutionError。
type Exchange interface {
	SubmitOrder(ctx context.Context, intent models.OrderIntent) (*models.Fill, error)
	FetchPositions(ctx context.Context, symbol string) ([]models.Position, error)
	FetchBalance(ctx context.Context) (*models.Equity, error)
}

// PriceSetter 由需要外部行情驱动撮合的后端实现 (模拟盘)
type PriceSetter interface {
	SetPrice(symbol string, price float64, at time.Time)
}

// ErrorKind 执行错误分类
type ErrorKind string

const (
	Timeout          ErrorKind = "timeout"
	Rejected         ErrorKind = "rejected"
	ConnectionFailed ErrorKind = "connection_failed"
)

// ExecutionError 是执行后端唯一的失败形态
type ExecutionError struct {
	Kind ErrorKind
	Sent bool  // 请求字节是否可能已到达交易所
	Code int64 // 交易所错误码 (Rejected)
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Retryable 只有明确安全的错误才自动重试: 被拒绝, 或发送前连接失败。
// 超时永远不自动重试, 原订单可能已经成交。
func (e *ExecutionError) Retryable() bool {
	switch e.Kind {
	case Rejected:
		return true
	case ConnectionFailed:
		return !e.Sent
	}
	return false
}

// AsExecutionError normalizes err. A deadline hit by the caller's context is
// always a Timeout, whatever the backend reported.
func AsExecutionError(err error, deadlineHit bool) *ExecutionError {
	if err == nil {
		return nil
	}
	if deadlineHit || errors.Is(err, context.DeadlineExceeded) {
		return &ExecutionError{Kind: Timeout, Sent: true, Err: err}
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee
	}
	return &ExecutionError{Kind: ConnectionFailed, Sent: true, Err: err}
}
