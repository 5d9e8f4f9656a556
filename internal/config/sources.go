package config

import (
	"fmt"
	"strings"
)

// ParserLookup сообщает, зарегистрирован ли парсер данного типа
type ParserLookup interface {
	Has(parserType string) bool
}

// SourceConfigError фатальная ошибка конфигурации одного источника.
// Источник исключается, остальные продолжают работу.
type SourceConfigError struct {
	Index  int
	Name   string
	Reason string
}

func (e *SourceConfigError) Error() string {
	name := e.Name
	if name == "" {
		name = fmt.Sprintf("#%d", e.Index+1)
	}
	return fmt.Sprintf("источник %s: %s", name, e.Reason)
}

// ResolveSources отбирает источники с корректной идентификацией и парсером
func (c Config) ResolveSources(parsers ParserLookup) ([]SourceConfig, []error) {
	var (
		valid []SourceConfig
		errs  []error
	)
	seenID := make(map[int64]bool)
	seenName := make(map[string]bool)
	for i, src := range c.Sources {
		src.Name = strings.TrimSpace(src.Name)
		src.Parser = strings.ToLower(strings.TrimSpace(src.Parser))
		src.FilterAuthor = strings.TrimPrefix(strings.TrimSpace(src.FilterAuthor), "@")

		var reason string
		switch {
		case src.ID == 0:
			reason = "не задан id"
		case src.Name == "":
			reason = "не задано имя"
		case src.Parser == "":
			reason = "не задан парсер"
		case parsers != nil && !parsers.Has(src.Parser):
			reason = fmt.Sprintf("парсер %q не зарегистрирован", src.Parser)
		case seenID[src.ID]:
			reason = fmt.Sprintf("повтор id %d", src.ID)
		case seenName[src.Name]:
			reason = "повтор имени"
		}
		if reason != "" {
			errs = append(errs, &SourceConfigError{Index: i, Name: src.Name, Reason: reason})
			continue
		}
		seenID[src.ID] = true
		seenName[src.Name] = true
		valid = append(valid, src)
	}
	return valid, errs
}
