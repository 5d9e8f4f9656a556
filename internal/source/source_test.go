package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/pkg/models"
)

func TestFilterCheck(t *testing.T) {
	zero, topic := int64(0), int64(42)
	other := int64(7)

	tests := []struct {
		name   string
		src    config.SourceConfig
		sender string
		topic  *int64
		text   string
		want   string
	}{
		{"no filter", config.SourceConfig{}, "", nil, "anything", FilterPass},
		{"author match ignores case", config.SourceConfig{FilterAuthor: "@Dyor_Bot"}, "dyor_bot", nil, "x", FilterPass},
		{"author mismatch", config.SourceConfig{FilterAuthor: "dyor_bot"}, "someone", nil, "x", FilterAuthor},
		{"author missing", config.SourceConfig{FilterAuthor: "dyor_bot"}, "", nil, "x", FilterAuthor},
		{"topic match", config.SourceConfig{TopicID: &topic}, "", &topic, "x", FilterPass},
		{"topic mismatch", config.SourceConfig{TopicID: &topic}, "", &other, "x", FilterTopic},
		{"topic absent", config.SourceConfig{TopicID: &topic}, "", nil, "x", FilterTopic},
		{"zero topic needs BTCUSDT", config.SourceConfig{TopicID: &zero}, "", nil, "eth only", FilterTopic},
		{"zero topic with btcusdt", config.SourceConfig{TopicID: &zero}, "", nil, "#btcusdt RSI_OVERSOLD", FilterPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewFilter(tt.src).Check(tt.sender, tt.topic, tt.text)
			if got != tt.want {
				t.Fatalf("Check() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitNormalizes(t *testing.T) {
	if d, ok := RateLimit(Page{RateLimited: true, RetryAfter: time.Second}, nil); !ok || d != time.Second {
		t.Fatalf("page flag not recognized: %v %v", d, ok)
	}
	if d, ok := RateLimit(Page{}, &RateLimitError{RetryAfter: 2 * time.Second}); !ok || d != 2*time.Second {
		t.Fatalf("typed error not recognized: %v %v", d, ok)
	}
	if !errors.Is(&RateLimitError{}, ErrRateLimited) {
		t.Fatalf("RateLimitError must match ErrRateLimited")
	}
	if _, ok := RateLimit(Page{}, errors.New("boom")); ok {
		t.Fatalf("plain error must not be a rate limit")
	}
}

func TestRelayFetchHistoryPage(t *testing.T) {
	var gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/sources/7/messages" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages":[{"id":42,"date":1709294400,"text":"Avg. 1%","sender":"bot","topic_id":3}]}`))
	}))
	defer srv.Close()

	r, err := NewRelayAdapter(config.RelayConfig{BaseURL: srv.URL, Token: "secret"})
	if err != nil {
		t.Fatalf("NewRelayAdapter error: %v", err)
	}
	page, err := r.FetchHistoryPage(context.Background(), 7, 100, 50)
	if err != nil {
		t.Fatalf("FetchHistoryPage error: %v", err)
	}
	if !strings.Contains(gotQuery, "before_id=100") || !strings.Contains(gotQuery, "limit=50") {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if len(page.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(page.Messages))
	}
	m := page.Messages[0]
	if m.ID != 42 || m.SenderHandle != "bot" || m.TopicID == nil || *m.TopicID != 3 {
		t.Fatalf("unexpected message %+v", m)
	}
	if !m.Timestamp.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %v", m.Timestamp)
	}
}

func TestRelayRateLimitedPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r, _ := NewRelayAdapter(config.RelayConfig{BaseURL: srv.URL})
	page, err := r.FetchHistoryPage(context.Background(), 7, 0, 100)
	if err != nil {
		t.Fatalf("rate limit must not be an error: %v", err)
	}
	if !page.RateLimited || page.RetryAfter != 3*time.Second {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestRelayServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	r, _ := NewRelayAdapter(config.RelayConfig{BaseURL: srv.URL})
	if _, err := r.FetchHistoryPage(context.Background(), 7, 0, 100); err == nil {
		t.Fatalf("expected error for 502")
	}
}

func TestRelaySubscribeLive(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":5,"date":1709294400,"text":"hello"}`))
		// держим соединение, пока клиент не закроет
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	r, _ := NewRelayAdapter(config.RelayConfig{BaseURL: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := r.SubscribeLive(ctx, 9)
	if err != nil {
		t.Fatalf("SubscribeLive error: %v", err)
	}
	select {
	case m := <-ch:
		if m.ID != 5 || m.Text != "hello" {
			t.Fatalf("unexpected message %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no live message received")
	}
	if !r.SubscriptionActive(9) {
		t.Fatalf("subscription should be active")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}

func TestRetryDelayResetsAfterSession(t *testing.T) {
	d := retryDelay(0, false)
	if d != time.Second {
		t.Fatalf("first delay = %v", d)
	}
	for i := 0; i < 20; i++ {
		d = retryDelay(d, false)
	}
	if d != maxBackoff {
		t.Fatalf("delay must stop at %v, got %v", maxBackoff, d)
	}
	if d = retryDelay(d, true); d != time.Second {
		t.Fatalf("delay after a live session must reset, got %v", d)
	}
}

func TestConsumeReportsConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/sources/1/live" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// сессия обрывается сразу после подключения
		conn.Close()
	}))
	defer srv.Close()

	r, _ := NewRelayAdapter(config.RelayConfig{BaseURL: srv.URL})
	out := make(chan models.Message, 1)
	ctx := context.Background()

	connected, err := r.consume(ctx, 1, r.wsURL+"/v1/sources/1/live", out)
	if connected || err == nil {
		t.Fatalf("refused dial must not count as connected: %v %v", connected, err)
	}
	connected, err = r.consume(ctx, 2, r.wsURL+"/v1/sources/2/live", out)
	if !connected || err == nil {
		t.Fatalf("dropped session must count as connected: %v %v", connected, err)
	}
	if r.SubscriptionActive(2) {
		t.Fatalf("subscription must be inactive after drop")
	}
}
