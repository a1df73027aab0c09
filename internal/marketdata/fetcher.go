package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"binance-hedge-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Fetcher 通过合约 REST 接口拉取K线, 公共接口不需要 API Key
type Fetcher struct {
	client *futures.Client
	limit  int
	logger *zap.Logger
	now    func() time.Time
}

// NewFetcher 创建K线拉取器
func NewFetcher(restURL string, limit int, logger *zap.Logger) *Fetcher {
	client := futures.NewClient("", "")
	if restURL != "" {
		client.BaseURL = strings.TrimRight(restURL, "/")
	}
	return &Fetcher{client: client, limit: limit, logger: logger, now: time.Now}
}

// FetchKlines 返回最近 limit 根K线, 最后一根通常仍在形成中
func (f *Fetcher) FetchKlines(ctx context.Context, symbol, timeframe string) ([]models.Candle, error) {
	klines, err := f.client.NewKlinesService().
		Symbol(symbol).
		Interval(timeframe).
		Limit(f.limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("下载 %s %s K线失败: %w", symbol, timeframe, err)
	}

	now := f.now()
	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := candleFromStrings(symbol, timeframe, k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			return nil, err
		}
		c.Closed = !now.Before(c.CloseTime)
		candles = append(candles, c)
	}
	return candles, nil
}

// Refresh 并发拉取所有 (交易对, 周期) 并写入缓存
func (f *Fetcher) Refresh(ctx context.Context, cache *Cache, symbols, timeframes []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, s := range symbols {
		for _, tf := range timeframes {
			symbol, timeframe := s, tf
			g.Go(func() error {
				candles, err := f.FetchKlines(gctx, symbol, timeframe)
				if err != nil {
					return err
				}
				cache.Put(symbol, timeframe, candles, f.now())
				f.logger.Debug("K线已刷新",
					zap.String("symbol", symbol),
					zap.String("timeframe", timeframe),
					zap.Int("count", len(candles)))
				return nil
			})
		}
	}
	return g.Wait()
}

func candleFromStrings(symbol, timeframe string, openTime, closeTime int64, o, h, l, c, v string) (models.Candle, error) {
	var vals [5]float64
	for i, s := range []string{o, h, l, c, v} {
		x, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Candle{}, fmt.Errorf("解析K线数值 %q 失败: %w", s, err)
		}
		vals[i] = x
	}
	return models.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		OpenTime:  time.UnixMilli(openTime).UTC(),
		CloseTime: time.UnixMilli(closeTime).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}
