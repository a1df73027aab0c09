package alert

import (
	"fmt"
	"sync"
	"time"

	"binance-hedge-bot-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	LevelWarn     = "warn"
	LevelCritical = "critical"
)

// Sink receives every raised alert, e.g. the dashboard state manager.
type Sink interface {
	PublishAlert(a models.Alert)
}

// Alerter is the operator alert channel.
type Alerter interface {
	Warn(symbol, format string, args ...interface{}) models.Alert
	Critical(symbol, format string, args ...interface{}) models.Alert
}

// Dispatcher logs alerts and fans them out to its sinks.
type Dispatcher struct {
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	sinks []Sink
}

// NewDispatcher creates a Dispatcher that always logs.
func NewDispatcher(logger *zap.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{logger: logger, now: time.Now, sinks: sinks}
}

// AddSink registers another receiver.
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

func (d *Dispatcher) Warn(symbol, format string, args ...interface{}) models.Alert {
	return d.raise(LevelWarn, symbol, fmt.Sprintf(format, args...))
}

func (d *Dispatcher) Critical(symbol, format string, args ...interface{}) models.Alert {
	return d.raise(LevelCritical, symbol, fmt.Sprintf(format, args...))
}

func (d *Dispatcher) raise(level, symbol, msg string) models.Alert {
	a := models.Alert{
		ID:        uuid.NewString(),
		Level:     level,
		Symbol:    symbol,
		Message:   msg,
		CreatedAt: d.now(),
	}

	fields := []zap.Field{zap.String("alert_id", a.ID), zap.String("symbol", symbol)}
	if level == LevelCritical {
		d.logger.Error("ALERT: "+msg, fields...)
	} else {
		d.logger.Warn("ALERT: "+msg, fields...)
	}

	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()
	for _, s := range sinks {
		s.PublishAlert(a)
	}
	return a
}
