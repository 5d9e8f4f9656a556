// Package source описывает границу с внешними источниками сообщений
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skalibog/btcsignals/pkg/models"
)

// ErrRateLimited источник попросил притормозить
var ErrRateLimited = errors.New("превышен лимит запросов источника")

// RateLimitError ответ "подождите" с указанным временем ожидания
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: повтор через %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Page страница истории источника. Сообщения упорядочены от новых к старым.
type Page struct {
	Messages    []models.Message
	RateLimited bool
	RetryAfter  time.Duration
}

// Adapter история и живая подписка одного источника
type Adapter interface {
	// FetchHistoryPage возвращает сообщения с id < beforeID (0 - с самого нового)
	FetchHistoryPage(ctx context.Context, sourceID, beforeID int64, limit int) (Page, error)
	// SubscribeLive отдает новые сообщения до отмены ctx, затем закрывает канал
	SubscribeLive(ctx context.Context, sourceID int64) (<-chan models.Message, error)
	// SubscriptionActive подписка источника сейчас подключена
	SubscriptionActive(sourceID int64) bool
	Close() error
}

// RateLimit сводит оба способа сообщить о лимите к одному ответу
func RateLimit(page Page, err error) (time.Duration, bool) {
	if page.RateLimited {
		return page.RetryAfter, true
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	if errors.Is(err, ErrRateLimited) {
		return 0, true
	}
	return 0, false
}
