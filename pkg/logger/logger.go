package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Глобальный экземпляр логгера
var (
	globalLogger *zap.Logger
	mu           sync.Mutex
)

// Options настройки глобального логгера
type Options struct {
	Level   string
	File    string
	Console bool
}

// Init инициализирует (или переинициализирует) глобальный логгер
func Init(opts Options) {
	l, err := newLogger(opts)
	if err != nil {
		// Без файла продолжаем писать в stdout
		l = consoleLogger(parseLevel(opts.Level))
		l.Warn("Не удалось открыть файл лога", zap.String("file", opts.File), zap.Error(err))
	}
	mu.Lock()
	globalLogger = l
	mu.Unlock()
}

// GetLogger возвращает глобальный экземпляр логгера
func GetLogger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		globalLogger = consoleLogger(zapcore.InfoLevel)
	}
	return globalLogger
}

// Named возвращает дочерний логгер компонента (без сдвига caller)
func Named(component string) *zap.Logger {
	return GetLogger().WithOptions(zap.AddCallerSkip(-1)).With(zap.String("component", component))
}

// Sync сбрасывает буферы
func Sync() {
	_ = GetLogger().Sync()
}

// Вспомогательные функции для удобства использования
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, fields...)
}

// NewJSONL создает отдельный логгер, пишущий JSON-строки в файл.
// Файл закрывает вызывающий через возвращенный io.Closer.
func NewJSONL(path string) (*zap.Logger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "logged_at"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.LevelKey = ""
	cfg.CallerKey = ""
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(f), zapcore.DebugLevel)
	return zap.New(core), f, nil
}

func encoderConfig() zapcore.EncoderConfig {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("02.01.2006 - 15:04:05.000000000Z07:00")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return encoderConfig
}

func consoleLogger(level zapcore.Level) *zap.Logger {
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig()),
		zapcore.AddSync(os.Stdout),
		level,
	), zap.AddCaller(), zap.AddCallerSkip(1))
}

func parseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// newLogger собирает Tee: читаемый файл + JSON файл (+ консоль)
func newLogger(opts Options) (*zap.Logger, error) {
	level := parseLevel(opts.Level)
	encCfg := encoderConfig()

	var cores []zapcore.Core
	if opts.File != "" {
		readableFile, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		jsonFile, err := os.OpenFile(opts.File+".json", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		cores = append(cores,
			zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(readableFile), level),
			zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(jsonFile), level),
		)
	}
	if opts.Console || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stdout), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)), nil
}
