package storage

import (
	"context"
	"time"

	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/pkg/models"
)

// Фазы, записываемые в sync_log
const (
	PhaseFetching  = "fetching"
	PhaseParsing   = "parsing"
	PhaseExtending = "extending"
	PhaseReporting = "reporting"
	PhaseComplete  = "complete"
)

// Причины, которые пишутся в raw_messages.parse_error помимо ошибок парсера
const (
	ReasonMedia          = "media"
	ReasonFilteredAuthor = "filtered:author"
	ReasonFilteredTopic  = "filtered:topic"
)

// CommitResult итог записи распарсенного сообщения
type CommitResult struct {
	SignalID int64
	// Inserted true только если строка signals была вставлена этим вызовом
	Inserted bool
}

// TableCounts количество строк по таблицам
type TableCounts struct {
	Prices   int
	Raw      int
	Signals  int
	Contexts int
	Channels int
	SyncLog  int
}

// PriceStats покрытие таблицы цен
type PriceStats struct {
	Count    int
	Earliest *time.Time
	Latest   *time.Time
}

// ContextCursor позиция keyset-пагинации по signal_price_context
type ContextCursor struct {
	Timestamp time.Time
	ID        int64
}

// Storage интерфейс для работы с хранилищем данных
type Storage interface {
	// Методы для цен
	SavePricePoints(ctx context.Context, points []models.PricePoint) (int, error)
	StreamPricePoints(ctx context.Context, fn func(models.PricePoint) error) error
	PriceStats(ctx context.Context) (PriceStats, error)

	// Методы для каналов
	UpsertChannel(ctx context.Context, src config.SourceConfig) error
	UpdateChannelStats(ctx context.Context, sourceID int64, parsedOK int, last *time.Time) error

	// Методы для сырых сообщений
	InsertRawMessages(ctx context.Context, src config.SourceConfig, msgs []models.Message) (int, error)
	UnparsedMessages(ctx context.Context, sourceID, afterID int64, limit int) ([]models.RawMessage, error)
	RawMessage(ctx context.Context, sourceID, messageID int64) (*models.RawMessage, error)
	MarkParseFailed(ctx context.Context, rawID int64, reason string) error
	MinMessageID(ctx context.Context, sourceID int64) (int64, bool, error)
	ResetParseFailures(ctx context.Context, sourceName string) (int64, error)

	// Методы для сигналов
	CommitParsed(ctx context.Context, raw models.RawMessage, sig models.Signal) (CommitResult, error)
	LastSignalAt(ctx context.Context, sourceID int64) (*time.Time, error)

	// Методы для ценового контекста
	EnsureContexts(ctx context.Context) (int64, error)
	PendingContexts(ctx context.Context, after *ContextCursor, limit int) ([]models.SignalContext, error)
	Context(ctx context.Context, signalID int64) (*models.SignalContext, error)
	SetContextBase(ctx context.Context, contextID int64, price float64) (bool, error)
	FillBefore(ctx context.Context, contextID int64, horizon models.Horizon, price float64) (bool, error)
	SetHorizon(ctx context.Context, contextID int64, horizon models.Horizon, price, pct float64) (bool, error)

	// Методы для журнала синхронизации
	LatestPhase(ctx context.Context, sourceName string) (string, error)
	RecordPhase(ctx context.Context, state models.SyncState) error
	SourceStats(ctx context.Context, sourceID int64) (models.SourceStats, error)

	// Вспомогательные методы
	Counts(ctx context.Context) (TableCounts, error)
	Close() error
}
