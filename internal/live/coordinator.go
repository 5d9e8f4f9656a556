// Package live держит подписки на источники и фоновые задачи после синхронизации
package live

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/internal/ingest"
	"github.com/skalibog/btcsignals/internal/metrics"
	"github.com/skalibog/btcsignals/internal/notify"
	"github.com/skalibog/btcsignals/internal/priceindex"
	"github.com/skalibog/btcsignals/internal/source"
	"github.com/skalibog/btcsignals/pkg/logger"
	"github.com/skalibog/btcsignals/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyStarted координатор запускается один раз
var ErrAlreadyStarted = errors.New("координатор уже запущен")

// цены считаются устаревшими, если последняя минута старше
const staleAfter = 5 * time.Minute

// State состояние координатора
type State int32

const (
	Idle State = iota
	Running
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	}
	return "idle"
}

// Store часть хранилища для live-режима
type Store interface {
	InsertRawMessages(ctx context.Context, src config.SourceConfig, msgs []models.Message) (int, error)
	RawMessage(ctx context.Context, sourceID, messageID int64) (*models.RawMessage, error)
	LastSignalAt(ctx context.Context, sourceID int64) (*time.Time, error)
}

// PriceFeed свечи для закрытия пропусков и текущая цена
type PriceFeed interface {
	FetchCandles(ctx context.Context, start, end time.Time) ([]models.PricePoint, error)
	FetchCurrent(ctx context.Context) (models.PricePoint, error)
}

// Filler заполнение ценового контекста
type Filler interface {
	Pass(ctx context.Context) (int, error)
	FillSignal(ctx context.Context, signalID int64) (int, error)
}

// Deps зависимости координатора
type Deps struct {
	Store     Store
	Adapter   source.Adapter
	Feed      PriceFeed
	Index     *priceindex.Index
	Processor *ingest.Processor
	Filler    Filler
	Notifier  notify.Notifier
	Sources   []config.SourceConfig
	Config    config.LiveConfig
}

// Coordinator live-режим: чтение подписок и периодические задачи
type Coordinator struct {
	store    Store
	adapter  source.Adapter
	feed     PriceFeed
	index    *priceindex.Index
	proc     *ingest.Processor
	filler   Filler
	notifier notify.Notifier
	sources  []config.SourceConfig
	cfg      config.LiveConfig
	now      func() time.Time
	log      *zap.Logger

	state  atomic.Int32
	queue  chan int64
	cancel context.CancelFunc
	group  *errgroup.Group

	mu        sync.Mutex
	priceErrs int
}

// New создает координатор. Обработчик переключается в live-режим:
// общий журнал нераспознанных и текущая цена для свежих сообщений.
func New(d Deps) *Coordinator {
	queue := d.Config.BackfillQueue
	if queue <= 0 {
		queue = 256
	}
	return &Coordinator{
		store:    d.Store,
		adapter:  d.Adapter,
		feed:     d.Feed,
		index:    d.Index,
		proc:     d.Processor.ForLive(d.Feed),
		filler:   d.Filler,
		notifier: d.Notifier,
		sources:  d.Sources,
		cfg:      d.Config,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.Named("live"),
		queue:    make(chan int64, queue),
	}
}

// State текущее состояние
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Start запускает все задачи и сразу возвращается
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrAlreadyStarted
	}
	ctx, c.cancel = context.WithCancel(ctx)
	g, gCtx := errgroup.WithContext(ctx)
	c.group = g

	for _, src := range c.sources {
		src := src
		g.Go(func() error { return c.read(gCtx, src) })
	}
	g.Go(func() error { return c.backfillWorker(gCtx) })
	g.Go(func() error { return c.every(gCtx, c.cfg.PriceTick(), c.priceTick) })
	g.Go(func() error { return c.every(gCtx, c.cfg.ContextFill(), c.fillContexts) })
	g.Go(func() error { return c.every(gCtx, c.cfg.HealthCheck(), c.healthCheck) })

	c.log.Info("Live-режим запущен", zap.Int("sources", len(c.sources)))
	notify.Send(ctx, c.notifier, fmt.Sprintf("🟢 Live-режим: подписка на %d источников", len(c.sources)))
	return nil
}

// Shutdown останавливает прием новых сообщений; начатая обработка
// сообщения доводится до конца
func (c *Coordinator) Shutdown() {
	if c.state.CompareAndSwap(int32(Running), int32(ShuttingDown)) {
		c.log.Info("Остановка live-режима")
		c.cancel()
	}
}

// Wait ждет завершения всех задач
func (c *Coordinator) Wait() error {
	if c.group == nil {
		return nil
	}
	err := c.group.Wait()
	c.state.Store(int32(Stopped))
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	c.log.Info("Live-режим остановлен")
	return err
}

// read держит подписку источника, переподключаясь при обрыве
func (c *Coordinator) read(ctx context.Context, src config.SourceConfig) error {
	log := c.log.With(zap.String("source", src.Name))
	for {
		ch, err := c.adapter.SubscribeLive(ctx, src.ID)
		if err != nil {
			log.Error("Ошибка подписки", zap.Error(err))
		} else {
			for msg := range ch {
				// после остановки буфер подписки не разбирается
				if ctx.Err() != nil {
					return nil
				}
				c.handle(ctx, src, msg)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("Подписка прервана, повтор", zap.Duration("after", c.cfg.Resubscribe()))
		if !sleep(ctx, c.cfg.Resubscribe()) {
			return nil
		}
	}
}

// handle сохраняет и разбирает новое сообщение. Работает на контексте без
// отмены, чтобы остановка не оставила сообщение наполовину записанным.
func (c *Coordinator) handle(ctx context.Context, src config.SourceConfig, msg models.Message) {
	hctx := context.WithoutCancel(ctx)
	log := c.log.With(zap.String("source", src.Name), zap.Int64("message_id", msg.ID))

	if _, err := c.store.InsertRawMessages(hctx, src, []models.Message{msg}); err != nil {
		log.Error("Ошибка сохранения сообщения", zap.Error(err))
		return
	}
	metrics.MessagesFetched.WithLabelValues(src.Name).Inc()

	raw, err := c.store.RawMessage(hctx, src.ID, msg.ID)
	if err != nil || raw == nil {
		log.Error("Сообщение не найдено после сохранения", zap.Error(err))
		return
	}
	if raw.Parsed {
		return
	}
	res, err := c.proc.Process(hctx, src, *raw)
	if err != nil {
		log.Error("Ошибка обработки сообщения", zap.Error(err))
		return
	}
	if res.Outcome != ingest.Parsed {
		log.Debug("Сообщение не распознано", zap.String("reason", res.Reason))
		return
	}
	log.Info("Новый сигнал", zap.Int64("signal_id", res.SignalID))
	if !res.Inserted {
		return
	}
	select {
	case c.queue <- res.SignalID:
	default:
		// очередь полна, контекст подхватит периодический проход
		log.Warn("Очередь контекста переполнена", zap.Int64("signal_id", res.SignalID))
	}
}

func (c *Coordinator) backfillWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-c.queue:
			if _, err := c.filler.FillSignal(ctx, id); err != nil && ctx.Err() == nil {
				c.log.Warn("Ошибка заполнения контекста", zap.Int64("signal_id", id), zap.Error(err))
			}
		}
	}
}

// every вызывает fn каждые d до отмены ctx
func (c *Coordinator) every(ctx context.Context, d time.Duration, fn func(context.Context)) error {
	if d <= 0 {
		return nil
	}
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// priceTick добавляет текущую цену, а после простоя сначала догружает свечи
func (c *Coordinator) priceTick(ctx context.Context) {
	now := c.now()
	if latest, ok := c.index.Latest(); ok && now.Sub(latest) > 2*time.Minute {
		points, err := c.feed.FetchCandles(ctx, latest.Add(time.Minute), now)
		if err != nil {
			c.priceFailed(err)
		} else if added, err := c.index.Extend(ctx, points); err != nil {
			c.log.Error("Ошибка сохранения свечей", zap.Error(err))
		} else if added > 0 {
			metrics.PricePoints.WithLabelValues("catchup").Add(float64(added))
			c.log.Info("Пропуск цен закрыт", zap.Int("added", added))
		}
	}

	pt, err := c.feed.FetchCurrent(ctx)
	if err != nil {
		c.priceFailed(err)
		return
	}
	added, err := c.index.Extend(ctx, []models.PricePoint{pt})
	if err != nil {
		c.log.Error("Ошибка сохранения цены", zap.Error(err))
		return
	}
	metrics.PricePoints.WithLabelValues("ticker").Add(float64(added))
	c.mu.Lock()
	c.priceErrs = 0
	c.mu.Unlock()
}

func (c *Coordinator) priceFailed(err error) {
	c.mu.Lock()
	c.priceErrs++
	c.mu.Unlock()
	c.log.Warn("Ошибка получения цены", zap.Error(err))
}

func (c *Coordinator) fillContexts(ctx context.Context) {
	filled, err := c.filler.Pass(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("Ошибка прохода по контексту", zap.Error(err))
		}
		return
	}
	if filled > 0 {
		c.log.Info("Контекст дозаполнен", zap.Int("horizons", filled))
	}
}

// Issue проблема, найденная проверкой здоровья
type Issue struct {
	Kind   string
	Source string
	Detail string
}

// Health проверяет подписки, поток цен и молчащие источники
func (c *Coordinator) Health(ctx context.Context) []Issue {
	var issues []Issue
	for _, src := range c.sources {
		src := src
		if !c.adapter.SubscriptionActive(src.ID) {
			issues = append(issues, Issue{Kind: "subscription", Source: src.Name, Detail: "подписка неактивна"})
		}
	}

	latest, ok := c.index.Latest()
	c.mu.Lock()
	priceErrs := c.priceErrs
	c.mu.Unlock()
	switch {
	case !ok:
		issues = append(issues, Issue{Kind: "price_feed", Detail: "индекс цен пуст"})
	case c.now().Sub(latest) > staleAfter:
		issues = append(issues, Issue{Kind: "price_feed",
			Detail: fmt.Sprintf("последняя цена %s (ошибок подряд: %d)", latest.Format(models.TimeLayout), priceErrs)})
	}

	for _, src := range c.sources {
		src := src
		last, err := c.store.LastSignalAt(ctx, src.ID)
		if err != nil {
			c.log.Warn("Не удалось получить время последнего сигнала", zap.String("source", src.Name), zap.Error(err))
			continue
		}
		if last != nil && c.now().Sub(*last) > c.cfg.Silence() {
			issues = append(issues, Issue{Kind: "silence", Source: src.Name,
				Detail: fmt.Sprintf("нет сигналов с %s", last.Format(models.TimeLayout))})
		}
	}
	return issues
}

func (c *Coordinator) healthCheck(ctx context.Context) {
	issues := c.Health(ctx)
	if len(issues) == 0 {
		c.log.Debug("Проверка здоровья пройдена")
		return
	}
	var b strings.Builder
	b.WriteString("⚠️ Проверка live-режима:\n")
	for _, is := range issues {
		metrics.HealthIssues.WithLabelValues(is.Kind).Inc()
		if is.Source != "" {
			fmt.Fprintf(&b, "- %s: %s\n", is.Source, is.Detail)
		} else {
			fmt.Fprintf(&b, "- %s\n", is.Detail)
		}
	}
	c.log.Warn("Проверка здоровья выявила проблемы", zap.Int("issues", len(issues)))
	notify.Send(ctx, c.notifier, strings.TrimRight(b.String(), "\n"))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
