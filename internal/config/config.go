package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/skalibog/btcsignals/pkg/logger"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Binance  BinanceConfig  `yaml:"binance"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	Relay    RelayConfig    `yaml:"relay"`
	Sources  []SourceConfig `yaml:"sources"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Index    IndexConfig    `yaml:"index"`
	Live     LiveConfig     `yaml:"live"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// DatabaseConfig настройки SQLite
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
}

// BinanceConfig содержит настройки подключения к Binance
type BinanceConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
	Symbol    string `yaml:"symbol"`
	// Пауза между страницами исторических свечей
	PageDelayMs int `yaml:"page_delay_ms"`
}

// MirrorConfig зеркалирование ценовых точек в InfluxDB
type MirrorConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// RelayConfig адрес шлюза, отдающего историю и поток сообщений источников
type RelayConfig struct {
	BaseURL        string `yaml:"base_url"`
	WSURL          string `yaml:"ws_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SourceConfig описывает один источник (канал или группу)
type SourceConfig struct {
	ID           int64  `yaml:"id"`
	Name         string `yaml:"name"`
	Parser       string `yaml:"parser"`
	IsGroup      bool   `yaml:"is_group"`
	FilterAuthor string `yaml:"filter_author"`
	// nil: без фильтра; 0: только сообщения с BTCUSDT; >0: конкретный топик
	TopicID *int64 `yaml:"topic_id"`
}

// PipelineConfig настройки массовой синхронизации
type PipelineConfig struct {
	HistoryDays              int    `yaml:"history_days"`
	PageSize                 int    `yaml:"page_size"`
	PageDelayMs              int    `yaml:"page_delay_ms"`
	MaxRateLimitSleepSeconds int    `yaml:"max_rate_limit_sleep_seconds"`
	EmptyRetryDelaySeconds   int    `yaml:"empty_retry_delay_seconds"`
	ErrorRetryDelaySeconds   int    `yaml:"error_retry_delay_seconds"`
	MaxConsecutiveErrors     int    `yaml:"max_consecutive_errors"`
	SourcePauseSeconds       int    `yaml:"source_pause_seconds"`
	UnrecognizedDir          string `yaml:"unrecognized_dir"`
}

// IndexConfig настройки временного индекса цен
type IndexConfig struct {
	LookupWindowMinutes int `yaml:"lookup_window_minutes"`
}

// LiveConfig периоды фоновых задач live-режима
type LiveConfig struct {
	PriceTickSeconds   int `yaml:"price_tick_seconds"`
	ContextFillSeconds int `yaml:"context_fill_seconds"`
	HealthCheckSeconds int `yaml:"health_check_seconds"`
	SilenceHours       int `yaml:"silence_hours"`
	ContextBatch       int `yaml:"context_batch"`
	BackfillQueue      int `yaml:"backfill_queue"`
	ResubscribeSeconds int `yaml:"resubscribe_seconds"`
}

// NotifyConfig уведомления администратору
type NotifyConfig struct {
	BotToken    string `yaml:"bot_token"`
	AdminChatID int64  `yaml:"admin_chat_id"`
	APIURL      string `yaml:"api_url"`
}

// LogConfig настройки логирования
type LogConfig struct {
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// MetricsConfig адрес prometheus-эндпоинта
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load загружает конфигурацию из файла, .env и переменных окружения
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
	}

	// .env необязателен
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Не удалось прочитать .env", zap.Error(err))
	}
	config.applyEnv()

	final := config.withDefaults()
	if err := final.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("Загружена конфигурация", zap.String("path", path), zap.Int("sources", len(final.Sources)))
	return &final, nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString(&c.Binance.APIKey, "BINANCE_API_KEY")
	setString(&c.Binance.APISecret, "BINANCE_API_SECRET")
	setString(&c.Notify.BotToken, "BOT_TOKEN")
	setString(&c.Relay.Token, "RELAY_TOKEN")
	setString(&c.Mirror.Token, "INFLUX_TOKEN")
	if v := strings.TrimSpace(os.Getenv("ADMIN_USER_ID")); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Notify.AdminChatID = id
		}
	}
}

func (c Config) withDefaults() Config {
	out := c
	if out.Database.Path == "" {
		out.Database.Path = "btc_signals.db"
	}
	if out.Database.BusyTimeoutMs <= 0 {
		out.Database.BusyTimeoutMs = 5000
	}
	if out.Binance.Symbol == "" {
		out.Binance.Symbol = "BTCUSDT"
	}
	if out.Binance.PageDelayMs <= 0 {
		out.Binance.PageDelayMs = 300
	}
	if out.Relay.TimeoutSeconds <= 0 {
		out.Relay.TimeoutSeconds = 15
	}
	if out.Pipeline.HistoryDays <= 0 {
		out.Pipeline.HistoryDays = 90
	}
	if out.Pipeline.PageSize <= 0 {
		out.Pipeline.PageSize = 100
	}
	if out.Pipeline.PageDelayMs <= 0 {
		out.Pipeline.PageDelayMs = 500
	}
	if out.Pipeline.MaxRateLimitSleepSeconds <= 0 {
		out.Pipeline.MaxRateLimitSleepSeconds = 600
	}
	if out.Pipeline.EmptyRetryDelaySeconds <= 0 {
		out.Pipeline.EmptyRetryDelaySeconds = 5
	}
	if out.Pipeline.ErrorRetryDelaySeconds <= 0 {
		out.Pipeline.ErrorRetryDelaySeconds = 5
	}
	if out.Pipeline.MaxConsecutiveErrors <= 0 {
		out.Pipeline.MaxConsecutiveErrors = 5
	}
	if out.Pipeline.SourcePauseSeconds < 0 {
		out.Pipeline.SourcePauseSeconds = 0
	} else if out.Pipeline.SourcePauseSeconds == 0 {
		out.Pipeline.SourcePauseSeconds = 3
	}
	if out.Pipeline.UnrecognizedDir == "" {
		out.Pipeline.UnrecognizedDir = "unrecognized"
	}
	if out.Index.LookupWindowMinutes <= 0 {
		out.Index.LookupWindowMinutes = 2
	}
	if out.Live.PriceTickSeconds <= 0 {
		out.Live.PriceTickSeconds = 60
	}
	if out.Live.ContextFillSeconds <= 0 {
		out.Live.ContextFillSeconds = 300
	}
	if out.Live.HealthCheckSeconds <= 0 {
		out.Live.HealthCheckSeconds = 3600
	}
	if out.Live.SilenceHours <= 0 {
		out.Live.SilenceHours = 48
	}
	if out.Live.ContextBatch <= 0 {
		out.Live.ContextBatch = 200
	}
	if out.Live.BackfillQueue <= 0 {
		out.Live.BackfillQueue = 256
	}
	if out.Live.ResubscribeSeconds <= 0 {
		out.Live.ResubscribeSeconds = 30
	}
	if out.Notify.APIURL == "" {
		out.Notify.APIURL = "https://api.telegram.org"
	}
	if out.Log.Level == "" {
		out.Log.Level = "info"
	}
	return out
}

// Validate проверяет глобальные параметры. Ошибки отдельных источников
// не фатальны и возвращаются из ResolveSources.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path не задан")
	}
	if c.Mirror.Enabled && (c.Mirror.URL == "" || c.Mirror.Bucket == "") {
		return errors.New("mirror включен, но url/bucket не заданы")
	}
	return nil
}

// Duration-хелперы

func (p PipelineConfig) PageDelay() time.Duration {
	return time.Duration(p.PageDelayMs) * time.Millisecond
}

func (p PipelineConfig) MaxRateLimitSleep() time.Duration {
	return time.Duration(p.MaxRateLimitSleepSeconds) * time.Second
}

func (p PipelineConfig) EmptyRetryDelay() time.Duration {
	return time.Duration(p.EmptyRetryDelaySeconds) * time.Second
}

func (p PipelineConfig) ErrorRetryDelay() time.Duration {
	return time.Duration(p.ErrorRetryDelaySeconds) * time.Second
}

func (p PipelineConfig) SourcePause() time.Duration {
	return time.Duration(p.SourcePauseSeconds) * time.Second
}

func (i IndexConfig) LookupWindow() time.Duration {
	return time.Duration(i.LookupWindowMinutes) * time.Minute
}

func (l LiveConfig) PriceTick() time.Duration {
	return time.Duration(l.PriceTickSeconds) * time.Second
}

func (l LiveConfig) ContextFill() time.Duration {
	return time.Duration(l.ContextFillSeconds) * time.Second
}

func (l LiveConfig) HealthCheck() time.Duration {
	return time.Duration(l.HealthCheckSeconds) * time.Second
}

func (l LiveConfig) Silence() time.Duration {
	return time.Duration(l.SilenceHours) * time.Hour
}

func (l LiveConfig) Resubscribe() time.Duration {
	return time.Duration(l.ResubscribeSeconds) * time.Second
}
