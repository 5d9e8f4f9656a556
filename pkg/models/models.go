package models

import (
	"time"
)

// TimeLayout формат меток времени в хранилище (всегда UTC)
const TimeLayout = "2006-01-02T15:04:05"

// Источники ценовых точек
const (
	PriceSourceKline  = "binance_kline"
	PriceSourceTicker = "ticker"
)

// PricePoint представляет минутную цену BTC
type PricePoint struct {
	Timestamp time.Time
	Price     float64
	Volume    float64
	Source    string
}

// Minute возвращает ключ минуты (unix-минуты)
func (p PricePoint) Minute() int64 {
	return MinuteKey(p.Timestamp)
}

// MinuteKey округляет время вниз до минуты
func MinuteKey(t time.Time) int64 {
	sec := t.Unix()
	if sec < 0 && sec%60 != 0 {
		return sec/60 - 1
	}
	return sec / 60
}

// MinuteTime обратное преобразование ключа минуты
func MinuteTime(key int64) time.Time {
	return time.Unix(key*60, 0).UTC()
}

// Message сообщение, полученное от адаптера источника
type Message struct {
	ID           int64
	Timestamp    time.Time
	Text         string
	SenderHandle string
	TopicID      *int64
}

// RawMessage сырое сообщение в хранилище
type RawMessage struct {
	ID           int64
	SourceID     int64
	SourceName   string
	MessageID    int64
	Timestamp    time.Time
	Text         string
	HasText      bool
	SenderHandle string
	TopicID      *int64
	Parsed       bool
	ParseError   string
}

// ParsedSignal результат работы парсера
type ParsedSignal struct {
	Value       *float64
	Color       string
	Direction   string
	Timeframe   string
	SourcePrice *float64
	Extra       map[string]any
}

// Signal структурированный сигнал, извлеченный из одного сообщения
type Signal struct {
	ID             int64
	SourceID       int64
	SourceName     string
	MessageID      int64
	MessageText    string
	Timestamp      time.Time
	Value          *float64
	Color          string
	Direction      string
	Timeframe      string
	SourcePrice    *float64
	ReferencePrice *float64
	Extra          map[string]any
}

// Horizon горизонт измерения ценового контекста
type Horizon struct {
	Name   string
	Offset time.Duration
	Bit    int
}

// Биты filled_mask
const (
	Mask5m  = 1
	Mask15m = 2
	Mask1h  = 4
	Mask4h  = 8
	Mask24h = 16
	MaskAll = 31
)

// AfterHorizons горизонты после сигнала, отслеживаемые маской
var AfterHorizons = []Horizon{
	{Name: "5m", Offset: 5 * time.Minute, Bit: Mask5m},
	{Name: "15m", Offset: 15 * time.Minute, Bit: Mask15m},
	{Name: "1h", Offset: time.Hour, Bit: Mask1h},
	{Name: "4h", Offset: 4 * time.Hour, Bit: Mask4h},
	{Name: "24h", Offset: 24 * time.Hour, Bit: Mask24h},
}

// BeforeHorizons горизонты до сигнала; в маске не участвуют
var BeforeHorizons = []Horizon{
	{Name: "5m", Offset: 5 * time.Minute},
	{Name: "15m", Offset: 15 * time.Minute},
	{Name: "1h", Offset: time.Hour},
}

// SignalContext ценовой контекст сигнала
type SignalContext struct {
	ID              int64
	SignalID        int64
	SourceName      string
	SignalTimestamp time.Time
	PriceAtSignal   *float64
	PriceBefore     map[string]*float64
	PriceAfter      map[string]*float64
	ChangePct       map[string]*float64
	FilledMask      int
}

// Complete все горизонты заполнены
func (c SignalContext) Complete() bool {
	return c.FilledMask&MaskAll == MaskAll
}

// SyncState строка sync_log
type SyncState struct {
	SourceName      string
	Phase           string
	TotalMessages   int
	ParsedOK        int
	ParsedFail      int
	SkippedMedia    int
	SkippedFilter   int
	EarliestMessage *time.Time
	LatestMessage   *time.Time
	StartedAt       time.Time
	CompletedAt     *time.Time
	Notes           string
}

// SourceStats агрегаты по сырым сообщениям источника
type SourceStats struct {
	Total         int
	WithText      int
	ParsedOK      int
	ParsedFail    int
	SkippedFilter int
	Pending       int
	Earliest      *time.Time
	Latest        *time.Time
}
