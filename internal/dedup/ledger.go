package dedup

import (
	"fmt"
	"time"

	"binance-hedge-bot-go/internal/models"
	"binance-hedge-bot-go/internal/persistence"

	"go.uber.org/zap"
)

// Admission is the outcome of CheckAndRecord. An allowed admission may be
// rolled back once, and only when the risk gate rejects the signal outright.
type Admission struct {
	Allowed        bool
	Key            models.DedupKey
	CandleIdentity int64
	previous       *models.DedupRecord
}

// Ledger enforces at most one order submission per (symbol, timeframe, action, candle).
type Ledger struct {
	store  persistence.DedupStore
	logger *zap.Logger
	now    func() time.Time
}

func NewLedger(store persistence.DedupStore, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// CheckAndRecord atomically compares the stored candle identity for key and,
// if it differs, records candleIdentity before any order is placed.
func (l *Ledger) CheckAndRecord(key models.DedupKey, candleIdentity int64) (Admission, error) {
	ok, prev, err := l.store.CompareAndSwapCandle(key, candleIdentity, l.now())
	if err != nil {
		return Admission{}, fmt.Errorf("dedup check for %s: %w", key, err)
	}
	a := Admission{Allowed: ok, Key: key, CandleIdentity: candleIdentity, previous: prev}
	if !ok {
		l.logger.Debug("duplicate candle, not admitted",
			zap.String("key", key.String()),
			zap.Int64("candle", candleIdentity))
	}
	return a, nil
}

// Rollback releases an admission. It never clobbers a newer admission for the same key.
func (l *Ledger) Rollback(a Admission) error {
	if !a.Allowed {
		return nil
	}
	if err := l.store.RestoreCandle(a.Key, a.CandleIdentity, a.previous); err != nil {
		return fmt.Errorf("dedup rollback for %s: %w", a.Key, err)
	}
	l.logger.Info("dedup admission rolled back",
		zap.String("key", a.Key.String()),
		zap.Int64("candle", a.CandleIdentity))
	return nil
}

// Reset removes the record for key so the next candle (even an older one) is admitted.
func (l *Ledger) Reset(key models.DedupKey) error {
	l.logger.Warn("dedup record reset by operator", zap.String("key", key.String()))
	return l.store.DeleteDedup(key)
}

// Records lists all stored records.
func (l *Ledger) Records() ([]models.DedupRecord, error) {
	return l.store.ListDedup()
}
