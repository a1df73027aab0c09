package exchange

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"binance-hedge-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedExchange 按顺序返回预设的错误, 用完后成交
type scriptedExchange struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	seenIDs []string
	block   bool
}

func (s *scriptedExchange) SubmitOrder(ctx context.Context, intent models.OrderIntent) (*models.Fill, error) {
	s.mu.Lock()
	s.calls++
	s.seenIDs = append(s.seenIDs, intent.ClientOrderID)
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	}
	block := s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &models.Fill{ClientOrderID: intent.ClientOrderID, Quantity: intent.Quantity, Price: 100}, nil
}

func (s *scriptedExchange) FetchPositions(context.Context, string) ([]models.Position, error) {
	return nil, nil
}

func (s *scriptedExchange) FetchBalance(context.Context) (*models.Equity, error) {
	return &models.Equity{}, nil
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, CallTimeout: time.Second}
}

func TestSubmitWithRetry_RetriesRejectedWithSameClientID(t *testing.T) {
	ex := &scriptedExchange{errs: []error{
		&ExecutionError{Kind: Rejected, Sent: true, Code: -1001, Err: errors.New("disconnected")},
		&ExecutionError{Kind: ConnectionFailed, Sent: false, Err: errors.New("dial")},
	}}
	intent := models.OrderIntent{ClientOrderID: "hbX", Symbol: "BTCUSDT", Quantity: 1}

	fill, err := SubmitWithRetry(context.Background(), ex, intent, fastPolicy(3), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "hbX", fill.ClientOrderID)
	assert.Equal(t, 3, ex.calls)
	assert.Equal(t, []string{"hbX", "hbX", "hbX"}, ex.seenIDs)
}

func TestSubmitWithRetry_ExhaustsAttempts(t *testing.T) {
	ex := &scriptedExchange{errs: []error{
		&ExecutionError{Kind: Rejected, Sent: true, Err: errors.New("r1")},
		&ExecutionError{Kind: Rejected, Sent: true, Err: errors.New("r2")},
		&ExecutionError{Kind: Rejected, Sent: true, Err: errors.New("r3")},
	}}

	_, err := SubmitWithRetry(context.Background(), ex, models.OrderIntent{}, fastPolicy(2), zap.NewNop())
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, Rejected, execErr.Kind)
	assert.Equal(t, 2, ex.calls)
}

func TestSubmitWithRetry_TimeoutIsNotRetried(t *testing.T) {
	ex := &scriptedExchange{block: true}
	p := fastPolicy(5)
	p.CallTimeout = 10 * time.Millisecond

	_, err := SubmitWithRetry(context.Background(), ex, models.OrderIntent{}, p, zap.NewNop())
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, Timeout, execErr.Kind)
	assert.Equal(t, 1, ex.calls)
}

func TestSubmitWithRetry_SentConnectionFailureIsNotRetried(t *testing.T) {
	ex := &scriptedExchange{errs: []error{
		&ExecutionError{Kind: ConnectionFailed, Sent: true, Err: errors.New("connection reset")},
	}}

	_, err := SubmitWithRetry(context.Background(), ex, models.OrderIntent{}, fastPolicy(5), zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, 1, ex.calls)
}

func TestExecutionError_Retryable(t *testing.T) {
	tests := []struct {
		name string
		err  ExecutionError
		want bool
	}{
		{"rejected", ExecutionError{Kind: Rejected, Sent: true}, true},
		{"connection failed before send", ExecutionError{Kind: ConnectionFailed, Sent: false}, true},
		{"connection failed after send", ExecutionError{Kind: ConnectionFailed, Sent: true}, false},
		{"timeout", ExecutionError{Kind: Timeout, Sent: false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Retryable())
		})
	}
}

func TestClassify(t *testing.T) {
	api := classify(&common.APIError{Code: -2019, Message: "Margin is insufficient."}, true)
	assert.Equal(t, Rejected, api.Kind)
	assert.Equal(t, int64(-2019), api.Code)

	dial := classify(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true)
	assert.Equal(t, ConnectionFailed, dial.Kind)
	assert.False(t, dial.Sent)

	deadline := classify(context.DeadlineExceeded, true)
	assert.Equal(t, Timeout, deadline.Kind)

	other := classify(errors.New("unexpected EOF"), true)
	assert.Equal(t, ConnectionFailed, other.Kind)
	assert.True(t, other.Sent)
	assert.False(t, other.Retryable())
}

func TestClientOrderID(t *testing.T) {
	a := ClientOrderID("BTCUSDT", "15m", "open_main", 1700000000000, 0)
	b := ClientOrderID("BTCUSDT", "15m", "open_main", 1700000000000, 0)
	c := ClientOrderID("BTCUSDT", "15m", "open_main", 1700000000000, 1)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "hb"))
	assert.LessOrEqual(t, len(a), 36)
}
