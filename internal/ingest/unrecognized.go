package ingest

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/skalibog/btcsignals/pkg/logger"
	"github.com/skalibog/btcsignals/pkg/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const unrecognizedTextLen = 500

// UnrecognizedLog JSONL-файлы с сообщениями, которые не удалось разобрать
type UnrecognizedLog struct {
	dir string

	mu    sync.Mutex
	files map[string]*journalFile
}

type journalFile struct {
	log  *zap.Logger
	file io.Closer
}

func (j *journalFile) close() error {
	j.log.Sync()
	return j.file.Close()
}

// NewUnrecognizedLog журнал в каталоге dir; пустой dir - журнал отключен
func NewUnrecognizedLog(dir string) *UnrecognizedLog {
	return &UnrecognizedLog{dir: dir, files: make(map[string]*journalFile)}
}

// Path путь файла для имени журнала
func (u *UnrecognizedLog) Path(name string) string {
	return filepath.Join(u.dir, sanitize(name)+".jsonl")
}

// Reset удаляет файл журнала перед новым проходом по источнику
func (u *UnrecognizedLog) Reset(name string) {
	if u == nil || u.dir == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if j, ok := u.files[name]; ok {
		if err := j.close(); err != nil {
			logger.Warn("Ошибка закрытия журнала нераспознанных", zap.String("file", u.Path(name)), zap.Error(err))
		}
		delete(u.files, name)
	}
	if err := os.Remove(u.Path(name)); err != nil && !os.IsNotExist(err) {
		logger.Warn("Не удалось очистить журнал нераспознанных", zap.String("file", u.Path(name)), zap.Error(err))
	}
}

// Record добавляет запись; ошибки записи не мешают обработке
func (u *UnrecognizedLog) Record(name string, raw models.RawMessage, reason string) {
	if u == nil || u.dir == "" {
		return
	}
	// Reset и Close не закрывают файл посреди записи
	u.mu.Lock()
	defer u.mu.Unlock()
	j, err := u.open(name)
	if err != nil {
		logger.Warn("Журнал нераспознанных недоступен", zap.String("file", u.Path(name)), zap.Error(err))
		return
	}
	j.log.Info("unrecognized",
		zap.String("channel", raw.SourceName),
		zap.Int64("message_id", raw.MessageID),
		zap.String("timestamp", raw.Timestamp.UTC().Format(models.TimeLayout)),
		zap.String("text", cut(raw.Text, unrecognizedTextLen)),
		zap.String("reason", reason))
}

// open вызывается под u.mu
func (u *UnrecognizedLog) open(name string) (*journalFile, error) {
	if j, ok := u.files[name]; ok {
		return j, nil
	}
	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return nil, err
	}
	l, f, err := logger.NewJSONL(u.Path(name))
	if err != nil {
		return nil, err
	}
	j := &journalFile{log: l, file: f}
	u.files[name] = j
	return j, nil
}

// Close сбрасывает буферы и закрывает файлы всех журналов.
// Следующая запись откроет файл заново.
func (u *UnrecognizedLog) Close() error {
	if u == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	var err error
	for name, j := range u.files {
		err = multierr.Append(err, j.close())
		delete(u.files, name)
	}
	return err
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '_'
		}
		return r
	}, name)
}

func cut(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
