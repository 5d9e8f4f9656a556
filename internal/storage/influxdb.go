// internal/storage/influxdb.go
package storage

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/pkg/logger"
	"github.com/skalibog/btcsignals/pkg/models"
	"go.uber.org/zap"
)

// PricePersister принимает минутные цены
type PricePersister interface {
	SavePricePoints(ctx context.Context, points []models.PricePoint) (int, error)
}

// InfluxDBMirror дублирует ценовые точки в InfluxDB для графиков
type InfluxDBMirror struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	symbol   string
}

// NewInfluxDBMirror создает зеркало и проверяет соединение
func NewInfluxDBMirror(ctx context.Context, cfg config.MirrorConfig, symbol string) (*InfluxDBMirror, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	return &InfluxDBMirror{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Organization, cfg.Bucket),
		symbol:   symbol,
	}, nil
}

// SavePricePoints пишет точки в измерение btc_price
func (m *InfluxDBMirror) SavePricePoints(ctx context.Context, points []models.PricePoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	batch := make([]*write.Point, 0, len(points))
	for _, p := range points {
		batch = append(batch, influxdb2.NewPoint(
			"btc_price",
			map[string]string{
				"symbol": m.symbol,
				"source": p.Source,
			},
			map[string]interface{}{
				"price":  p.Price,
				"volume": p.Volume,
			},
			p.Timestamp,
		))
	}
	if err := m.writeAPI.WritePoint(ctx, batch...); err != nil {
		return 0, fmt.Errorf("ошибка записи в InfluxDB: %w", err)
	}
	return len(points), nil
}

// Close закрывает соединение с InfluxDB
func (m *InfluxDBMirror) Close() error {
	m.client.Close()
	return nil
}

// PriceTee пишет в основное хранилище и, без влияния на результат, в зеркало
type PriceTee struct {
	primary PricePersister
	mirror  PricePersister
}

// NewPriceTee объединяет основное хранилище и зеркало; mirror может быть nil
func NewPriceTee(primary, mirror PricePersister) *PriceTee {
	return &PriceTee{primary: primary, mirror: mirror}
}

// SavePricePoints результат определяется только основным хранилищем
func (t *PriceTee) SavePricePoints(ctx context.Context, points []models.PricePoint) (int, error) {
	n, err := t.primary.SavePricePoints(ctx, points)
	if err != nil {
		return n, err
	}
	if t.mirror != nil {
		if _, merr := t.mirror.SavePricePoints(ctx, points); merr != nil {
			logger.Warn("Зеркало цен недоступно", zap.Int("points", len(points)), zap.Error(merr))
		}
	}
	return n, nil
}
