// Package ingest разбирает сохраненные сообщения и записывает сигналы
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/internal/metrics"
	"github.com/skalibog/btcsignals/internal/parsers"
	"github.com/skalibog/btcsignals/internal/priceindex"
	"github.com/skalibog/btcsignals/internal/source"
	"github.com/skalibog/btcsignals/internal/storage"
	"github.com/skalibog/btcsignals/pkg/logger"
	"github.com/skalibog/btcsignals/pkg/models"
	"go.uber.org/zap"
)

// Outcome итог обработки одного сообщения
type Outcome int

const (
	Parsed Outcome = iota
	NoMatch
	Invalid
	Filtered
)

func (o Outcome) String() string {
	switch o {
	case Parsed:
		return "ok"
	case NoMatch:
		return "no_match"
	case Invalid:
		return "validation"
	case Filtered:
		return "filtered"
	}
	return "unknown"
}

// Result итог обработки
type Result struct {
	Outcome  Outcome
	Reason   string
	SignalID int64
	// Inserted сигнал записан этим вызовом, а не найден среди существующих
	Inserted bool
}

// LivePrice цена "сейчас" для сообщений новее индекса
type LivePrice interface {
	FetchCurrent(ctx context.Context) (models.PricePoint, error)
}

// Store часть хранилища, нужная для разбора
type Store interface {
	CommitParsed(ctx context.Context, raw models.RawMessage, sig models.Signal) (storage.CommitResult, error)
	MarkParseFailed(ctx context.Context, rawID int64, reason string) error
}

// Processor общий контракт "разобрать и сохранить" для bulk и live
type Processor struct {
	store        Store
	parsers      *parsers.Registry
	index        *priceindex.Index
	unrecognized *UnrecognizedLog
	log          *zap.Logger

	// live-режим: имя общего журнала и запасной источник цены
	journal string
	live    LivePrice
}

// NewProcessor создает обработчик
func NewProcessor(store Store, reg *parsers.Registry, index *priceindex.Index, unrec *UnrecognizedLog, log *zap.Logger) *Processor {
	if log == nil {
		log = logger.Named("ingest")
	}
	return &Processor{
		store:        store,
		parsers:      reg,
		index:        index,
		unrecognized: unrec,
		log:          log,
	}
}

// ForLive копия обработчика для live-сообщений: общий журнал
// и текущая цена, если минута сигнала еще не в индексе
func (p *Processor) ForLive(feed LivePrice) *Processor {
	cp := *p
	cp.journal = "live_unrecognized"
	cp.live = feed
	return &cp
}

// Journal имя журнала нераспознанных для источника
func (p *Processor) Journal(src config.SourceConfig) string {
	if p.journal != "" {
		return p.journal
	}
	return src.Name
}

// Process фильтр, разбор, проверка и атомарная запись результата
func (p *Processor) Process(ctx context.Context, src config.SourceConfig, raw models.RawMessage) (Result, error) {
	if reason := source.NewFilter(src).Check(raw.SenderHandle, raw.TopicID, raw.Text); reason != source.FilterPass {
		res := Result{Outcome: Filtered, Reason: "filtered:" + reason}
		if err := p.store.MarkParseFailed(ctx, raw.ID, res.Reason); err != nil {
			return res, fmt.Errorf("ошибка отметки сообщения %d: %w", raw.MessageID, err)
		}
		metrics.MessagesParsed.WithLabelValues(src.Name, res.Outcome.String()).Inc()
		return res, nil
	}

	parsed, err := p.parsers.Parse(src.Parser, raw.Text)
	if err != nil {
		res := Result{Outcome: NoMatch, Reason: "no_match"}
		var ve *parsers.ValidationError
		switch {
		case errors.As(err, &ve):
			res = Result{Outcome: Invalid, Reason: ve.Error()}
		case !errors.Is(err, parsers.ErrNoMatch):
			return res, err
		}
		if err := p.store.MarkParseFailed(ctx, raw.ID, res.Reason); err != nil {
			return res, fmt.Errorf("ошибка отметки сообщения %d: %w", raw.MessageID, err)
		}
		p.unrecognized.Record(p.Journal(src), raw, res.Reason)
		metrics.MessagesParsed.WithLabelValues(src.Name, res.Outcome.String()).Inc()
		return res, nil
	}

	sig := models.Signal{
		SourceID:       raw.SourceID,
		SourceName:     raw.SourceName,
		MessageID:      raw.MessageID,
		MessageText:    raw.Text,
		Timestamp:      raw.Timestamp,
		Value:          parsed.Value,
		Color:          parsed.Color,
		Direction:      parsed.Direction,
		Timeframe:      parsed.Timeframe,
		SourcePrice:    parsed.SourcePrice,
		ReferencePrice: p.referencePrice(ctx, raw),
		Extra:          parsed.Extra,
	}
	commit, err := p.store.CommitParsed(ctx, raw, sig)
	if err != nil {
		return Result{}, fmt.Errorf("ошибка записи сигнала %d: %w", raw.MessageID, err)
	}
	metrics.MessagesParsed.WithLabelValues(src.Name, Parsed.String()).Inc()
	return Result{Outcome: Parsed, SignalID: commit.SignalID, Inserted: commit.Inserted}, nil
}

// referencePrice цена биржи на момент сообщения, nil если неизвестна
func (p *Processor) referencePrice(ctx context.Context, raw models.RawMessage) *float64 {
	if p.index != nil {
		if v, err := p.index.Lookup(raw.Timestamp, priceindex.Floor); err == nil {
			return &v
		}
	}
	if p.live == nil {
		return nil
	}
	pt, err := p.live.FetchCurrent(ctx)
	if err != nil {
		p.log.Warn("Нет текущей цены для сигнала", zap.Int64("message_id", raw.MessageID), zap.Error(err))
		return nil
	}
	return &pt.Price
}
