// Package notify отправляет отчеты администратору
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/pkg/logger"
	"go.uber.org/zap"
)

// MaxMessageLen длина одного сообщения Telegram с запасом
const MaxMessageLen = 4000

// Notifier получатель отчетов и предупреждений
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Send отправляет без влияния на вызывающего: ошибка только логируется
func Send(ctx context.Context, n Notifier, text string) {
	if n == nil || strings.TrimSpace(text) == "" {
		return
	}
	if err := n.Notify(ctx, text); err != nil {
		logger.Warn("Не удалось отправить уведомление", zap.Error(err))
	}
}

// Split режет текст на куски не длиннее max символов
func Split(text string, max int) []string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for i := 0; i < len(runes); i += max {
		end := i + max
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// LogNotifier пишет уведомления в лог, когда бот не настроен
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, text string) error {
	logger.Info("Уведомление", zap.String("text", text))
	return nil
}

// Telegram отправляет сообщения через Bot API
type Telegram struct {
	apiURL string
	token  string
	chatID int64
	client *http.Client
	pause  time.Duration
}

// New выбирает реализацию по конфигурации
func New(cfg config.NotifyConfig) Notifier {
	if cfg.BotToken == "" || cfg.AdminChatID == 0 {
		logger.Warn("Бот или ADMIN_USER_ID не заданы, уведомления только в лог")
		return LogNotifier{}
	}
	return NewTelegram(cfg)
}

// NewTelegram создает отправителя Bot API
func NewTelegram(cfg config.NotifyConfig) *Telegram {
	return &Telegram{
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		token:  cfg.BotToken,
		chatID: cfg.AdminChatID,
		client: &http.Client{Timeout: 10 * time.Second},
		pause:  500 * time.Millisecond,
	}
}

// Notify отправляет текст частями по MaxMessageLen
func (t *Telegram) Notify(ctx context.Context, text string) error {
	for i, chunk := range Split(text, MaxMessageLen) {
		if i > 0 && t.pause > 0 {
			select {
			case <-time.After(t.pause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := t.send(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telegram) send(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]any{"chat_id": t.chatID, "text": text})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("ошибка отправки в Telegram: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("Telegram вернул %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
