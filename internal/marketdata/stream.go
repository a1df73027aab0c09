package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Stream 订阅合约K线推送, 持续更新缓存, 断线后自动重连
type Stream struct {
	url            string
	cache          *Cache
	logger         *zap.Logger
	pingPeriod     time.Duration
	pongWait       time.Duration
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	now            func() time.Time
}

// NewStream 为所有 (交易对, 周期) 组合建立一个组合流
func NewStream(wsBaseURL string, symbols, timeframes []string, cache *Cache, pingPeriod, pongWait time.Duration, logger *zap.Logger) *Stream {
	streams := make([]string, 0, len(symbols)*len(timeframes))
	for _, s := range symbols {
		for _, tf := range timeframes {
			streams = append(streams, fmt.Sprintf("%s@kline_%s", strings.ToLower(s), tf))
		}
	}
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = (pongWait * 9) / 10
	}
	return &Stream{
		url:            fmt.Sprintf("%s/stream?streams=%s", strings.TrimRight(wsBaseURL, "/"), strings.Join(streams, "/")),
		cache:          cache,
		logger:         logger,
		pingPeriod:     pingPeriod,
		pongWait:       pongWait,
		reconnectDelay: 5 * time.Second,
		dialer:         websocket.DefaultDialer,
		now:            time.Now,
	}
}

// Run 是维持连接与重连的守护循环, ctx 取消后返回
func (s *Stream) Run(ctx context.Context) {
	for {
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("WebSocket连接失败, 稍后重试", zap.Error(err), zap.Duration("delay", s.reconnectDelay))
		} else {
			s.logger.Info("WebSocket连接成功", zap.String("url", s.url))
			if err := s.handle(ctx, conn); err != nil && ctx.Err() == nil {
				s.logger.Warn("WebSocket处理时发生错误", zap.Error(err))
			}
			conn.Close()
			if ctx.Err() != nil {
				s.logger.Info("WebSocket循环已停止")
				return
			}
			s.logger.Info("WebSocket连接已断开, 准备重连")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

type klineEvent struct {
	Data struct {
		Symbol string `json:"s"`
		Kline  struct {
			OpenTime  int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Interval  string `json:"i"`
			Open      string `json:"o"`
			Close     string `json:"c"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Volume    string `json:"v"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

// handle 处理一个已建立的连接并维持心跳, 直到连接损坏或 ctx 取消
func (s *Stream) handle(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					s.logger.Warn("发送Ping失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				// 优雅关闭, 同时让阻塞中的读返回
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.SetReadDeadline(time.Now())
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}
		var ev klineEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			s.logger.Warn("解析K线推送失败", zap.Error(err))
			continue
		}
		k := ev.Data.Kline
		if ev.Data.Symbol == "" || k.Interval == "" {
			continue
		}
		c, err := candleFromStrings(ev.Data.Symbol, k.Interval, k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			s.logger.Warn("转换K线失败", zap.Error(err))
			continue
		}
		c.Closed = k.Closed
		s.cache.Update(c, s.now())
	}
}
