package source

import (
	"strings"

	"github.com/skalibog/btcsignals/internal/config"
)

// Причины отбраковки сообщений фильтром
const (
	FilterPass   = ""
	FilterAuthor = "author"
	FilterTopic  = "topic"
)

// Filter отбирает сообщения групп по автору и теме
type Filter struct {
	author  string
	topicID *int64
}

// NewFilter фильтр по настройкам источника
func NewFilter(src config.SourceConfig) Filter {
	return Filter{
		author:  strings.ToLower(strings.TrimPrefix(strings.TrimSpace(src.FilterAuthor), "@")),
		topicID: src.TopicID,
	}
}

// Check возвращает причину отбраковки или FilterPass.
// topic_id > 0 требует совпадения темы, topic_id = 0 - упоминания BTCUSDT в тексте.
func (f Filter) Check(senderHandle string, topicID *int64, text string) string {
	if f.author != "" {
		if strings.ToLower(strings.TrimPrefix(senderHandle, "@")) != f.author {
			return FilterAuthor
		}
	}
	if f.topicID != nil {
		want := *f.topicID
		if want > 0 {
			if topicID == nil || *topicID != want {
				return FilterTopic
			}
		} else if !strings.Contains(strings.ToUpper(text), "BTCUSDT") {
			return FilterTopic
		}
	}
	return FilterPass
}
