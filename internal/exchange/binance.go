package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/pkg/logger"
	"github.com/skalibog/btcsignals/pkg/models"
	"go.uber.org/zap"
)

const (
	klinesPerPage  = 1000
	maxPageErrors  = 5
	pageErrorDelay = 2 * time.Second
)

// klinePage одна страница минутных свечей начиная со startMs
type klinePage func(ctx context.Context, startMs, endMs int64) ([]*binance.Kline, error)

// BinanceClient источник минутных цен BTC
type BinanceClient struct {
	spot      *binance.Client
	symbol    string
	pageDelay time.Duration
	klines    klinePage
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.BinanceConfig) *BinanceClient {
	// Для спот-клиента тестовая сеть включается глобальным флагом библиотеки
	binance.UseTestnet = cfg.Testnet
	spotClient := binance.NewClient(cfg.APIKey, cfg.APISecret)

	c := &BinanceClient{
		spot:      spotClient,
		symbol:    cfg.Symbol,
		pageDelay: time.Duration(cfg.PageDelayMs) * time.Millisecond,
		sleep:     sleepCtx,
	}
	c.klines = c.fetchKlines
	return c
}

func (c *BinanceClient) fetchKlines(ctx context.Context, startMs, endMs int64) ([]*binance.Kline, error) {
	return c.spot.NewKlinesService().
		Symbol(c.symbol).
		Interval("1m").
		StartTime(startMs).
		EndTime(endMs).
		Limit(klinesPerPage).
		Do(ctx)
}

// FetchCandles минутные цены за период, страницами по 1000 свечей.
// После 5 ошибок подряд кусок пропускается, чтобы не застрять на нем.
func (c *BinanceClient) FetchCandles(ctx context.Context, start, end time.Time) ([]models.PricePoint, error) {
	var (
		out     []models.PricePoint
		current = start.UnixMilli()
		endMs   = end.UnixMilli()
		errs    int
	)
	for current < endMs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		klines, err := c.klines(ctx, current, endMs)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			errs++
			logger.Error("Ошибка загрузки свечей",
				zap.Int("attempt", errs),
				zap.Time("from", time.UnixMilli(current).UTC()),
				zap.Error(err))
			if errs >= maxPageErrors {
				logger.Warn("Слишком много ошибок подряд, кусок пропущен",
					zap.Time("from", time.UnixMilli(current).UTC()))
				current += klinesPerPage * int64(time.Minute/time.Millisecond)
				errs = 0
			}
			if err := c.sleep(ctx, pageErrorDelay); err != nil {
				return out, err
			}
			continue
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			p, err := klineToPoint(k)
			if err != nil {
				logger.Warn("Некорректная свеча", zap.Int64("open_time", k.OpenTime), zap.Error(err))
				continue
			}
			out = append(out, p)
		}
		current = klines[len(klines)-1].OpenTime + int64(time.Minute/time.Millisecond)
		errs = 0
		if c.pageDelay > 0 {
			if err := c.sleep(ctx, c.pageDelay); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

// FetchCurrent текущая цена тикера
func (c *BinanceClient) FetchCurrent(ctx context.Context) (models.PricePoint, error) {
	prices, err := c.spot.NewListPricesService().
		Symbol(c.symbol).
		Do(ctx)
	if err != nil {
		return models.PricePoint{}, fmt.Errorf("ошибка получения цены: %w", err)
	}
	if len(prices) == 0 {
		return models.PricePoint{}, fmt.Errorf("не найдена цена для %s", c.symbol)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return models.PricePoint{}, fmt.Errorf("ошибка парсинга цены: %w", err)
	}
	return models.PricePoint{
		Timestamp: time.Now().UTC().Truncate(time.Minute),
		Price:     price,
		Source:    models.PriceSourceTicker,
	}, nil
}

func klineToPoint(k *binance.Kline) (models.PricePoint, error) {
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return models.PricePoint{}, err
	}
	volume, _ := strconv.ParseFloat(k.Volume, 64)
	return models.PricePoint{
		Timestamp: time.UnixMilli(k.OpenTime).UTC(),
		Price:     closePrice,
		Volume:    volume,
		Source:    models.PriceSourceKline,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
