// Package backfill дозаполняет ценовой контекст сигналов
package backfill

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skalibog/btcsignals/internal/metrics"
	"github.com/skalibog/btcsignals/internal/priceindex"
	"github.com/skalibog/btcsignals/internal/storage"
	"github.com/skalibog/btcsignals/pkg/logger"
	"github.com/skalibog/btcsignals/pkg/models"
	"go.uber.org/zap"
)

// settle запас после горизонта, чтобы минутная свеча успела закрыться
const settle = time.Minute

const defaultBatch = 200

// Store часть хранилища для работы с контекстом
type Store interface {
	EnsureContexts(ctx context.Context) (int64, error)
	PendingContexts(ctx context.Context, after *storage.ContextCursor, limit int) ([]models.SignalContext, error)
	Context(ctx context.Context, signalID int64) (*models.SignalContext, error)
	SetContextBase(ctx context.Context, contextID int64, price float64) (bool, error)
	FillBefore(ctx context.Context, contextID int64, horizon models.Horizon, price float64) (bool, error)
	SetHorizon(ctx context.Context, contextID int64, horizon models.Horizon, price, pct float64) (bool, error)
}

// Backfiller заполняет цены до и после сигнала по индексу цен
type Backfiller struct {
	store Store
	index *priceindex.Index
	batch int
	now   func() time.Time
	log   *zap.Logger
}

// New создает заполнитель; batch - размер страницы незавершенных контекстов
func New(store Store, index *priceindex.Index, batch int) *Backfiller {
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Backfiller{
		store: store,
		index: index,
		batch: batch,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logger.Named("backfill"),
	}
}

// Pass один проход по всем незавершенным контекстам, от старых к новым.
// Возвращает число заполненных горизонтов после сигнала.
func (b *Backfiller) Pass(ctx context.Context) (int, error) {
	created, err := b.store.EnsureContexts(ctx)
	if err != nil {
		return 0, err
	}
	if created > 0 {
		b.log.Info("Созданы недостающие строки контекста", zap.Int64("count", created))
	}

	var (
		cursor  *storage.ContextCursor
		filled  int
		visited int
	)
	for {
		batch, err := b.store.PendingContexts(ctx, cursor, b.batch)
		if err != nil {
			return filled, err
		}
		if len(batch) == 0 {
			break
		}
		for _, c := range batch {
			if err := ctx.Err(); err != nil {
				return filled, err
			}
			n, err := b.fill(ctx, c)
			if err != nil {
				return filled, err
			}
			filled += n
		}
		visited += len(batch)
		last := batch[len(batch)-1]
		cursor = &storage.ContextCursor{Timestamp: last.SignalTimestamp, ID: last.ID}
	}
	if visited > 0 {
		b.log.Info("Проход по контексту завершен", zap.Int("pending", visited), zap.Int("filled", filled))
	}
	return filled, nil
}

// FillSignal заполняет контекст одного сигнала, сколько позволяют цены
func (b *Backfiller) FillSignal(ctx context.Context, signalID int64) (int, error) {
	c, err := b.store.Context(ctx, signalID)
	if err != nil || c == nil {
		return 0, err
	}
	if c.Complete() {
		return 0, nil
	}
	return b.fill(ctx, *c)
}

func (b *Backfiller) fill(ctx context.Context, c models.SignalContext) (int, error) {
	base := c.PriceAtSignal
	if base == nil {
		if v, err := b.index.Lookup(c.SignalTimestamp, priceindex.Floor); err == nil {
			if _, err := b.store.SetContextBase(ctx, c.ID, v); err != nil {
				return 0, err
			}
			base = &v
		}
	}

	for _, h := range models.BeforeHorizons {
		if c.PriceBefore[h.Name] != nil {
			continue
		}
		v, err := b.index.Lookup(c.SignalTimestamp.Add(-h.Offset), priceindex.Floor)
		if err != nil {
			continue
		}
		if _, err := b.store.FillBefore(ctx, c.ID, h, v); err != nil {
			return 0, err
		}
	}

	// без цены сигнала изменение не посчитать, горизонты ждут следующего прохода
	if base == nil || *base == 0 {
		return 0, nil
	}

	now := b.now()
	var filled int
	for _, h := range models.AfterHorizons {
		if c.FilledMask&h.Bit != 0 {
			continue
		}
		at := c.SignalTimestamp.Add(h.Offset)
		if now.Before(at.Add(settle)) {
			continue
		}
		v, err := b.index.Lookup(at, priceindex.Floor)
		if err != nil {
			continue
		}
		ok, err := b.store.SetHorizon(ctx, c.ID, h, v, ChangePct(*base, v))
		if err != nil {
			return filled, err
		}
		if ok {
			filled++
			metrics.HorizonsFilled.WithLabelValues(h.Name).Inc()
		}
	}
	return filled, nil
}

// ChangePct изменение цены в процентах, 4 знака после запятой
func ChangePct(base, price float64) float64 {
	b := decimal.NewFromFloat(base)
	pct := decimal.NewFromFloat(price).Sub(b).Div(b).Mul(decimal.NewFromInt(100)).Round(4)
	f, _ := pct.Float64()
	return f
}
