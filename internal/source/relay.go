package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/pkg/logger"
	"github.com/skalibog/btcsignals/pkg/models"
	"go.uber.org/zap"
)

const (
	defaultRetryAfter = 5 * time.Second
	maxBackoff        = 30 * time.Second
	readTimeout       = 90 * time.Second
	pingInterval      = 30 * time.Second
)

// wireMessage сообщение в формате шлюза
type wireMessage struct {
	ID      int64  `json:"id"`
	Date    int64  `json:"date"`
	Text    string `json:"text"`
	Sender  string `json:"sender"`
	TopicID *int64 `json:"topic_id"`
}

func (w wireMessage) toModel() models.Message {
	return models.Message{
		ID:           w.ID,
		Timestamp:    time.Unix(w.Date, 0).UTC(),
		Text:         w.Text,
		SenderHandle: w.Sender,
		TopicID:      w.TopicID,
	}
}

type historyResponse struct {
	Messages   []wireMessage `json:"messages"`
	RetryAfter int           `json:"retry_after"`
}

// RelayAdapter получает историю по HTTP и живые сообщения по websocket
// от шлюза, который держит пользовательскую сессию мессенджера
type RelayAdapter struct {
	baseURL string
	wsURL   string
	token   string
	http    *http.Client
	dialer  websocket.Dialer
	log     *zap.Logger

	mu     sync.Mutex
	active map[int64]bool
}

// NewRelayAdapter создает адаптер шлюза
func NewRelayAdapter(cfg config.RelayConfig) (*RelayAdapter, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("relay.base_url не задан")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = strings.Replace(strings.Replace(cfg.BaseURL, "https://", "wss://", 1), "http://", "ws://", 1)
	}
	return &RelayAdapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		wsURL:   strings.TrimRight(wsURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		dialer:  websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:     logger.Named("relay"),
		active:  make(map[int64]bool),
	}, nil
}

func (r *RelayAdapter) header() http.Header {
	h := http.Header{}
	if r.token != "" {
		h.Set("Authorization", "Bearer "+r.token)
	}
	return h
}

// FetchHistoryPage одна страница истории; 429 превращается в RateLimited-страницу
func (r *RelayAdapter) FetchHistoryPage(ctx context.Context, sourceID, beforeID int64, limit int) (Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if beforeID > 0 {
		q.Set("before_id", strconv.FormatInt(beforeID, 10))
	}
	endpoint := fmt.Sprintf("%s/v1/sources/%d/messages?%s", r.baseURL, sourceID, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header = r.header()
	resp, err := r.http.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("ошибка запроса истории: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Page{}, fmt.Errorf("ошибка чтения истории: %w", err)
	}

	var hr historyResponse
	if resp.StatusCode == http.StatusTooManyRequests {
		_ = json.Unmarshal(body, &hr)
		return Page{RateLimited: true, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), hr.RetryAfter)}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, fmt.Errorf("шлюз вернул %d: %s", resp.StatusCode, truncateBody(body))
	}
	if err := json.Unmarshal(body, &hr); err != nil {
		return Page{}, fmt.Errorf("ошибка разбора истории: %w", err)
	}

	page := Page{Messages: make([]models.Message, 0, len(hr.Messages))}
	for _, m := range hr.Messages {
		page.Messages = append(page.Messages, m.toModel())
	}
	return page, nil
}

// SubscribeLive держит websocket-подписку, переподключаясь с нарастающей паузой
func (r *RelayAdapter) SubscribeLive(ctx context.Context, sourceID int64) (<-chan models.Message, error) {
	endpoint := fmt.Sprintf("%s/v1/sources/%d/live", r.wsURL, sourceID)
	out := make(chan models.Message, 64)

	go func() {
		defer close(out)
		defer r.setActive(sourceID, false)

		var backoff time.Duration
		for {
			if ctx.Err() != nil {
				return
			}
			connected, err := r.consume(ctx, sourceID, endpoint, out)
			if ctx.Err() != nil {
				return
			}
			backoff = retryDelay(backoff, connected)
			r.log.Warn("Подписка прервана, переподключение",
				zap.Int64("source_id", sourceID),
				zap.Duration("backoff", backoff),
				zap.Bool("was_connected", connected),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// retryDelay пауза перед следующим подключением. После состоявшейся сессии
// отсчет начинается заново, подряд идущие отказы растягивают паузу до maxBackoff.
func retryDelay(prev time.Duration, connected bool) time.Duration {
	if connected || prev <= 0 {
		return time.Second
	}
	return time.Duration(math.Min(float64(maxBackoff), float64(prev)*1.8))
}

// consume читает одну websocket-сессию. connected сообщает, было ли
// соединение установлено до ошибки.
func (r *RelayAdapter) consume(ctx context.Context, sourceID int64, endpoint string, out chan<- models.Message) (connected bool, err error) {
	conn, _, err := r.dialer.DialContext(ctx, endpoint, r.header())
	if err != nil {
		return false, err
	}
	defer conn.Close()
	r.setActive(sourceID, true)
	defer r.setActive(sourceID, false)

	r.log.Info("Подписка активна", zap.Int64("source_id", sourceID))

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// ReadMessage не следит за ctx, поэтому соединение закрывается отдельно
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var wm wireMessage
		if err := json.Unmarshal(data, &wm); err != nil {
			r.log.Warn("Некорректное сообщение подписки", zap.Int64("source_id", sourceID), zap.Error(err))
			continue
		}
		select {
		case out <- wm.toModel():
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func (r *RelayAdapter) setActive(sourceID int64, v bool) {
	r.mu.Lock()
	r.active[sourceID] = v
	r.mu.Unlock()
}

// SubscriptionActive подключена ли подписка источника
func (r *RelayAdapter) SubscriptionActive(sourceID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[sourceID]
}

// Close освобождает HTTP-соединения
func (r *RelayAdapter) Close() error {
	r.http.CloseIdleConnections()
	return nil
}

func parseRetryAfter(header string, fallback int) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	if fallback > 0 {
		return time.Duration(fallback) * time.Second
	}
	return defaultRetryAfter
}

func truncateBody(b []byte) string {
	s := string(b)
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
