// Package app собирает компоненты в одном порядке для всех режимов запуска
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/skalibog/btcsignals/internal/backfill"
	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/internal/exchange"
	"github.com/skalibog/btcsignals/internal/ingest"
	"github.com/skalibog/btcsignals/internal/live"
	"github.com/skalibog/btcsignals/internal/metrics"
	"github.com/skalibog/btcsignals/internal/notify"
	"github.com/skalibog/btcsignals/internal/parsers"
	"github.com/skalibog/btcsignals/internal/pipeline"
	"github.com/skalibog/btcsignals/internal/priceindex"
	"github.com/skalibog/btcsignals/internal/source"
	"github.com/skalibog/btcsignals/internal/storage"
	"github.com/skalibog/btcsignals/pkg/logger"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// App явный контекст приложения вместо глобальных синглтонов
type App struct {
	Config    *config.Config
	Store     *storage.SQLiteStore
	Mirror    *storage.InfluxDBMirror
	Index     *priceindex.Index
	Feed      *exchange.BinanceClient
	Adapter   *source.RelayAdapter
	Notifier  notify.Notifier
	Parsers   *parsers.Registry
	Sources   []config.SourceConfig
	Journal   *ingest.UnrecognizedLog
	Processor *ingest.Processor
	Pipeline  *pipeline.Pipeline
	Backfill  *backfill.Backfiller

	metrics *http.Server
}

// New открывает хранилище, загружает индекс цен и создает остальные компоненты.
// Индекс загружается до создания любого компонента, который его читает.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	store, err := storage.NewSQLiteStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации хранилища: %w", err)
	}
	a.Store = store

	var persister priceindex.Persister = store
	if cfg.Mirror.Enabled {
		mirror, err := storage.NewInfluxDBMirror(ctx, cfg.Mirror, cfg.Binance.Symbol)
		if err != nil {
			logger.Warn("Зеркало InfluxDB отключено", zap.Error(err))
		} else {
			a.Mirror = mirror
			persister = storage.NewPriceTee(store, mirror)
		}
	}

	a.Index = priceindex.New(persister, cfg.Index.LookupWindow())
	if err := a.Index.Load(ctx, store); err != nil {
		a.Close()
		return nil, err
	}

	a.Feed = exchange.NewBinanceClient(cfg.Binance)

	adapter, err := source.NewRelayAdapter(cfg.Relay)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("ошибка инициализации адаптера источников: %w", err)
	}
	a.Adapter = adapter

	a.Notifier = notify.New(cfg.Notify)

	a.Parsers = parsers.Default()
	sources, errs := cfg.ResolveSources(a.Parsers)
	for _, e := range errs {
		logger.Error("Источник исключен", zap.Error(e))
	}
	if len(errs) > 0 {
		notify.Send(ctx, a.Notifier, "🚨 Ошибки конфигурации источников:\n"+joinErrors(errs))
	}
	a.Sources = sources

	a.Journal = ingest.NewUnrecognizedLog(cfg.Pipeline.UnrecognizedDir)
	a.Processor = ingest.NewProcessor(store, a.Parsers, a.Index, a.Journal, nil)
	a.Backfill = backfill.New(store, a.Index, cfg.Live.ContextBatch)
	a.Pipeline = pipeline.New(pipeline.Deps{
		Store:     store,
		Adapter:   adapter,
		Feed:      a.Feed,
		Index:     a.Index,
		Processor: a.Processor,
		Journal:   a.Journal,
		Notifier:  a.Notifier,
		Filler:    a.Backfill,
		Config:    cfg.Pipeline,
	})
	a.metrics = metrics.Serve(cfg.Metrics.Addr)

	logger.Info("Приложение инициализировано",
		zap.Int("sources", len(a.Sources)),
		zap.Int("prices", a.Index.Len()),
		zap.Bool("mirror", a.Mirror != nil))
	return a, nil
}

// Live координатор live-режима поверх тех же компонентов
func (a *App) Live() *live.Coordinator {
	return live.New(live.Deps{
		Store:     a.Store,
		Adapter:   a.Adapter,
		Feed:      a.Feed,
		Index:     a.Index,
		Processor: a.Processor,
		Filler:    a.Backfill,
		Notifier:  a.Notifier,
		Sources:   a.Sources,
		Config:    a.Config.Live,
	})
}

// Source источник по имени без учета регистра
func (a *App) Source(name string) (config.SourceConfig, bool) {
	for _, src := range a.Sources {
		if strings.EqualFold(src.Name, name) {
			return src, true
		}
	}
	return config.SourceConfig{}, false
}

// Close освобождает ресурсы в обратном порядке
func (a *App) Close() error {
	var err error
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, a.metrics.Shutdown(ctx))
		cancel()
	}
	err = multierr.Append(err, a.Journal.Close())
	if a.Adapter != nil {
		err = multierr.Append(err, a.Adapter.Close())
	}
	if a.Mirror != nil {
		err = multierr.Append(err, a.Mirror.Close())
	}
	if a.Store != nil {
		err = multierr.Append(err, a.Store.Close())
	}
	return err
}

func joinErrors(errs []error) string {
	lines := make([]string, 0, len(errs))
	for _, e := range errs {
		lines = append(lines, "- "+e.Error())
	}
	return strings.Join(lines, "\n")
}
