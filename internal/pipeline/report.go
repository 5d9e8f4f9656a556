package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/internal/notify"
	"github.com/skalibog/btcsignals/internal/storage"
	"github.com/skalibog/btcsignals/pkg/models"
	"go.uber.org/zap"
)

const exampleTextLen = 100

// report собирает итог по источнику, отправляет его и закрывает синхронизацию
func (p *Pipeline) report(ctx context.Context, num int, src config.SourceConfig, sum Summary, runID string) (string, error) {
	stats, err := p.store.SourceStats(ctx, src.ID)
	if err != nil {
		return "", err
	}
	text := Report(num, src.Name, stats, sum.Parse.FailExamples)

	if dir := p.cfg.UnrecognizedDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err == nil {
			path := filepath.Join(dir, reportFile(src.Name))
			if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
				p.log.Warn("Не удалось сохранить отчет", zap.String("file", path), zap.Error(err))
			}
		}
	}
	notify.Send(ctx, p.notifier, text)

	last, err := p.store.LastSignalAt(ctx, src.ID)
	if err != nil {
		return text, err
	}
	if err := p.store.UpdateChannelStats(ctx, src.ID, stats.ParsedOK, last); err != nil {
		return text, err
	}
	completed := p.now()
	err = p.store.RecordPhase(ctx, models.SyncState{
		SourceName:      src.Name,
		Phase:           storage.PhaseComplete,
		TotalMessages:   stats.Total,
		ParsedOK:        stats.ParsedOK,
		ParsedFail:      stats.ParsedFail,
		SkippedMedia:    stats.Total - stats.WithText,
		SkippedFilter:   stats.SkippedFilter,
		EarliestMessage: stats.Earliest,
		LatestMessage:   stats.Latest,
		StartedAt:       completed,
		CompletedAt:     &completed,
		Notes:           "run=" + runID,
	})
	return text, err
}

// Report текст отчета по источнику
func Report(num int, name string, stats models.SourceStats, examples []models.RawMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Источник %d: %s\n", num, name)
	fmt.Fprintf(&b, "Сообщений: %d (с текстом %d, медиа %d)\n", stats.Total, stats.WithText, stats.Total-stats.WithText)
	rate := 0.0
	if stats.WithText > 0 {
		rate = float64(stats.ParsedOK) / float64(stats.WithText) * 100
	}
	fmt.Fprintf(&b, "Распознано: %d (%.1f%%)\n", stats.ParsedOK, rate)
	fmt.Fprintf(&b, "Не распознано: %d\n", stats.ParsedFail)
	if stats.SkippedFilter > 0 {
		fmt.Fprintf(&b, "Отфильтровано: %d\n", stats.SkippedFilter)
	}
	if stats.Earliest != nil && stats.Latest != nil {
		fmt.Fprintf(&b, "Период: %s .. %s\n",
			stats.Earliest.UTC().Format("2006-01-02"),
			stats.Latest.UTC().Format("2006-01-02"))
	}
	if len(examples) > 0 {
		b.WriteString("Примеры нераспознанных:\n")
		for _, m := range examples {
			text := strings.ReplaceAll(m.Text, "\n", " ")
			if utf8.RuneCountInString(text) > exampleTextLen {
				text = string([]rune(text)[:exampleTextLen]) + "..."
			}
			fmt.Fprintf(&b, "  #%d: %s\n", m.MessageID, text)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func reportFile(name string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(name) + "_report.txt"
}
