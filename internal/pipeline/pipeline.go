// Package pipeline массовая синхронизация источников по фазам
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/internal/ingest"
	"github.com/skalibog/btcsignals/internal/metrics"
	"github.com/skalibog/btcsignals/internal/notify"
	"github.com/skalibog/btcsignals/internal/priceindex"
	"github.com/skalibog/btcsignals/internal/source"
	"github.com/skalibog/btcsignals/internal/storage"
	"github.com/skalibog/btcsignals/pkg/logger"
	"github.com/skalibog/btcsignals/pkg/models"
	"go.uber.org/zap"
)

// ErrTooManyErrors источник брошен после серии ошибок подряд
var ErrTooManyErrors = errors.New("слишком много ошибок подряд")

const (
	parseBatch      = 500
	backboneMinimum = 10000
	extendMargin    = 24 * time.Hour
	maxFailExamples = 5
)

// PriceFeed исторические и текущие цены
type PriceFeed interface {
	FetchCandles(ctx context.Context, start, end time.Time) ([]models.PricePoint, error)
	FetchCurrent(ctx context.Context) (models.PricePoint, error)
}

// ContextFiller проход дозаполнения ценового контекста
type ContextFiller interface {
	Pass(ctx context.Context) (int, error)
}

// Deps зависимости конвейера
type Deps struct {
	Store     storage.Storage
	Adapter   source.Adapter
	Feed      PriceFeed
	Index     *priceindex.Index
	Processor *ingest.Processor
	Journal   *ingest.UnrecognizedLog
	Notifier  notify.Notifier
	Filler    ContextFiller
	Config    config.PipelineConfig

	// Now и Sleep подменяются в тестах
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Pipeline возобновляемая синхронизация источников
type Pipeline struct {
	store    storage.Storage
	adapter  source.Adapter
	feed     PriceFeed
	index    *priceindex.Index
	proc     *ingest.Processor
	journal  *ingest.UnrecognizedLog
	notifier notify.Notifier
	filler   ContextFiller
	cfg      config.PipelineConfig
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	log      *zap.Logger
}

// New создает конвейер
func New(d Deps) *Pipeline {
	p := &Pipeline{
		store:    d.Store,
		adapter:  d.Adapter,
		feed:     d.Feed,
		index:    d.Index,
		proc:     d.Processor,
		journal:  d.Journal,
		notifier: d.Notifier,
		filler:   d.Filler,
		cfg:      d.Config,
		now:      d.Now,
		sleep:    d.Sleep,
		log:      logger.Named("pipeline"),
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	if p.sleep == nil {
		p.sleep = sleepCtx
	}
	if p.cfg.PageSize <= 0 {
		p.cfg.PageSize = 100
	}
	if p.cfg.MaxConsecutiveErrors <= 0 {
		p.cfg.MaxConsecutiveErrors = 5
	}
	return p
}

// Summary итог синхронизации одного источника
type Summary struct {
	Source  string
	Skipped bool
	Fetched int
	Parse   ParseStats
	Report  string
}

// ParseStats счетчики одного прохода разбора
type ParseStats struct {
	Processed    int
	OK           int
	NoMatch      int
	Invalid      int
	Filtered     int
	FailExamples []models.RawMessage
}

func (s *ParseStats) add(raw models.RawMessage, res ingest.Result) {
	s.Processed++
	switch res.Outcome {
	case ingest.Parsed:
		s.OK++
	case ingest.Filtered:
		s.Filtered++
	case ingest.Invalid:
		s.Invalid++
	default:
		s.NoMatch++
	}
	if (res.Outcome == ingest.NoMatch || res.Outcome == ingest.Invalid) && len(s.FailExamples) < maxFailExamples {
		s.FailExamples = append(s.FailExamples, raw)
	}
}

// RunSource проводит источник по фазам начиная с последней записанной.
// Источник с завершенной синхронизацией не трогается вовсе.
func (p *Pipeline) RunSource(ctx context.Context, num int, src config.SourceConfig) (Summary, error) {
	sum := Summary{Source: src.Name}
	last, err := p.store.LatestPhase(ctx, src.Name)
	if err != nil {
		return sum, fmt.Errorf("ошибка чтения sync_log: %w", err)
	}
	phase := ParsePhase(last)
	log := p.log.With(zap.String("source", src.Name), zap.Int("num", num))

	if NextAction(phase) == ActionSkip {
		log.Info("Источник уже синхронизирован, пропуск")
		sum.Skipped = true
		return sum, nil
	}
	if err := p.store.UpsertChannel(ctx, src); err != nil {
		return sum, fmt.Errorf("ошибка регистрации канала: %w", err)
	}

	runID := uuid.NewString()
	log = log.With(zap.String("run", runID))
	log.Info("Синхронизация источника", zap.String("resume_from", phase.String()))

	for action := NextAction(phase); action != ActionSkip; action = NextAction(phase) {
		current := phaseOf(action)
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := p.store.RecordPhase(ctx, models.SyncState{
			SourceName: src.Name,
			Phase:      current.String(),
			StartedAt:  p.now(),
			Notes:      "run=" + runID,
		}); err != nil {
			return sum, fmt.Errorf("ошибка записи фазы %s: %w", current, err)
		}

		switch action {
		case ActionFetch:
			notify.Send(ctx, p.notifier, fmt.Sprintf("⏳ Источник %d: загрузка '%s'...", num, src.Name))
			sum.Fetched, err = p.fetch(ctx, src)
		case ActionParse:
			sum.Parse, err = p.Parse(ctx, src)
		case ActionExtend:
			err = p.extend(ctx, src)
		case ActionReport:
			sum.Report, err = p.report(ctx, num, src, sum, runID)
		}
		if err != nil {
			log.Error("Фаза прервана", zap.String("phase", current.String()), zap.Error(err))
			return sum, fmt.Errorf("%s: фаза %s: %w", src.Name, current, err)
		}
		phase = current.Next()
	}
	log.Info("Источник синхронизирован",
		zap.Int("fetched", sum.Fetched),
		zap.Int("parsed_ok", sum.Parse.OK))
	return sum, nil
}

// fetch докачивает историю от самого старого сохраненного сообщения.
// Страница сохраняется до перехода к следующей.
func (p *Pipeline) fetch(ctx context.Context, src config.SourceConfig) (int, error) {
	before, resumed, err := p.store.MinMessageID(ctx, src.ID)
	if err != nil {
		return 0, err
	}
	if resumed {
		p.log.Info("Продолжение загрузки", zap.String("source", src.Name), zap.Int64("before_id", before))
	}

	var (
		fetched      int
		errs         int
		emptyRetried bool
		pages        int
	)
	for {
		if err := ctx.Err(); err != nil {
			return fetched, err
		}
		page, err := p.adapter.FetchHistoryPage(ctx, src.ID, before, p.cfg.PageSize)
		if wait, limited := source.RateLimit(page, err); limited {
			wait = p.boundedWait(wait)
			metrics.RateLimitWaits.WithLabelValues(src.Name).Inc()
			p.log.Warn("Лимит запросов, ожидание",
				zap.String("source", src.Name),
				zap.Int("fetched", fetched),
				zap.Duration("wait", wait))
			if err := p.sleep(ctx, wait); err != nil {
				return fetched, err
			}
			continue
		}
		if err != nil {
			errs++
			p.log.Error("Ошибка загрузки страницы",
				zap.String("source", src.Name),
				zap.Int("attempt", errs),
				zap.Error(err))
			if errs >= p.cfg.MaxConsecutiveErrors {
				return fetched, fmt.Errorf("%w (%d): %v", ErrTooManyErrors, errs, err)
			}
			if err := p.sleep(ctx, p.cfg.ErrorRetryDelay()); err != nil {
				return fetched, err
			}
			continue
		}
		errs = 0

		if len(page.Messages) == 0 {
			// Новая сессия иногда отдает пустую первую страницу, повтор помогает
			if pages == 0 && !emptyRetried {
				emptyRetried = true
				p.log.Warn("Пустая первая страница, повтор", zap.String("source", src.Name))
				if err := p.sleep(ctx, p.cfg.EmptyRetryDelay()); err != nil {
					return fetched, err
				}
				continue
			}
			break
		}

		if _, err := p.store.InsertRawMessages(ctx, src, page.Messages); err != nil {
			return fetched, fmt.Errorf("ошибка сохранения страницы: %w", err)
		}
		pages++
		fetched += len(page.Messages)
		metrics.MessagesFetched.WithLabelValues(src.Name).Add(float64(len(page.Messages)))

		oldest := page.Messages[0].ID
		for _, m := range page.Messages[1:] {
			if m.ID < oldest {
				oldest = m.ID
			}
		}
		if before != 0 && oldest >= before {
			p.log.Warn("Курсор не сдвинулся, загрузка остановлена", zap.String("source", src.Name), zap.Int64("before_id", before))
			break
		}
		before = oldest
		if fetched%500 < len(page.Messages) {
			p.log.Info("Загружено сообщений", zap.String("source", src.Name), zap.Int("count", fetched))
		}
		if err := p.sleep(ctx, p.cfg.PageDelay()); err != nil {
			return fetched, err
		}
	}
	p.log.Info("Загрузка завершена", zap.String("source", src.Name), zap.Int("fetched", fetched))
	return fetched, nil
}

func (p *Pipeline) boundedWait(wait time.Duration) time.Duration {
	if wait <= 0 {
		wait = time.Second
	}
	if max := p.cfg.MaxRateLimitSleep(); max > 0 && wait > max {
		wait = max
	}
	return wait
}

// Parse разбирает все необработанные сообщения источника
func (p *Pipeline) Parse(ctx context.Context, src config.SourceConfig) (ParseStats, error) {
	var stats ParseStats
	before, err := p.store.SourceStats(ctx, src.ID)
	if err != nil {
		return stats, err
	}
	if before.ParsedOK+before.ParsedFail+before.SkippedFilter == 0 {
		p.journal.Reset(p.proc.Journal(src))
	}

	var after int64
	for {
		batch, err := p.store.UnparsedMessages(ctx, src.ID, after, parseBatch)
		if err != nil {
			return stats, err
		}
		if len(batch) == 0 {
			break
		}
		for _, raw := range batch {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			res, err := p.proc.Process(ctx, src, raw)
			if err != nil {
				return stats, err
			}
			stats.add(raw, res)
			after = raw.ID
		}
	}
	p.log.Info("Разбор завершен",
		zap.String("source", src.Name),
		zap.Int("processed", stats.Processed),
		zap.Int("ok", stats.OK),
		zap.Int("no_match", stats.NoMatch),
		zap.Int("invalid", stats.Invalid),
		zap.Int("filtered", stats.Filtered))
	return stats, nil
}

// extend догружает цены, если сообщения источника старше индекса
func (p *Pipeline) extend(ctx context.Context, src config.SourceConfig) error {
	stats, err := p.store.SourceStats(ctx, src.ID)
	if err != nil {
		return err
	}
	if stats.Earliest == nil {
		return nil
	}
	// пустой индекс: все сообщения старше цен, грузим до текущего момента
	end, ok := p.index.Earliest()
	if !ok {
		end = p.now()
	} else if !stats.Earliest.Before(end) {
		return nil
	}
	start := stats.Earliest.Add(-extendMargin)
	p.log.Info("Сообщения старше цен, расширение индекса",
		zap.String("source", src.Name),
		zap.Time("from", start),
		zap.Time("to", end))
	points, err := p.feed.FetchCandles(ctx, start, end)
	if err != nil {
		return fmt.Errorf("ошибка загрузки цен: %w", err)
	}
	added, err := p.index.Extend(ctx, points)
	if err != nil {
		return err
	}
	metrics.PricePoints.WithLabelValues("extend").Add(float64(added))
	p.log.Info("Индекс расширен", zap.Int("added", added))
	return nil
}

// LoadPriceBackbone догружает минутные цены до текущего момента: с последней
// точки, либо history_days назад, если цен почти нет
func (p *Pipeline) LoadPriceBackbone(ctx context.Context) (int, error) {
	stats, err := p.store.PriceStats(ctx)
	if err != nil {
		return 0, err
	}
	now := p.now()
	start := now.AddDate(0, 0, -p.cfg.HistoryDays)
	if stats.Count > backboneMinimum && stats.Latest != nil {
		start = *stats.Latest
		p.log.Info("Цены уже есть, догрузка", zap.Int("points", stats.Count), zap.Time("from", start))
	} else {
		p.log.Info("Первичная загрузка цен", zap.Time("from", start))
	}
	points, err := p.feed.FetchCandles(ctx, start, now)
	if err != nil {
		return 0, fmt.Errorf("ошибка загрузки цен: %w", err)
	}
	added, err := p.index.Extend(ctx, points)
	if err != nil {
		return 0, err
	}
	metrics.PricePoints.WithLabelValues("backbone").Add(float64(added))
	p.log.Info("Цены загружены", zap.Int("added", added), zap.Int("total", p.index.Len()))
	return added, nil
}

// RunAll синхронизирует источники по одному, затем заполняет контекст.
// Ошибка одного источника не останавливает остальные.
func (p *Pipeline) RunAll(ctx context.Context, sources []config.SourceConfig) error {
	if _, err := p.LoadPriceBackbone(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Error("Не удалось обновить цены", zap.Error(err))
	}

	var failed int
	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum, err := p.RunSource(ctx, i+1, src)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			notify.Send(ctx, p.notifier, fmt.Sprintf("🚨 %s: синхронизация прервана: %v", src.Name, err))
			continue
		}
		if !sum.Skipped && i < len(sources)-1 {
			if err := p.sleep(ctx, p.cfg.SourcePause()); err != nil {
				return err
			}
		}
	}

	if p.filler != nil {
		filled, err := p.filler.Pass(ctx)
		if err != nil {
			return fmt.Errorf("ошибка заполнения контекста: %w", err)
		}
		p.log.Info("Контекст заполнен", zap.Int("horizons", filled))
	}
	if failed > 0 {
		return fmt.Errorf("не синхронизировано источников: %d", failed)
	}
	return nil
}

// Reparse снимает отметки неудачного разбора и разбирает источник заново
func (p *Pipeline) Reparse(ctx context.Context, src config.SourceConfig) (string, error) {
	reset, err := p.store.ResetParseFailures(ctx, src.Name)
	if err != nil {
		return "", err
	}
	stats, err := p.Parse(ctx, src)
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf("✅ Переразобрано: %d/%d (%d нераспознано, %d отфильтровано)",
		stats.OK, reset, stats.NoMatch+stats.Invalid, stats.Filtered)
	p.log.Info(msg, zap.String("source", src.Name))
	return msg, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
