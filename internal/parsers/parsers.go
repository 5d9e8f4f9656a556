// Package parsers разбирает тексты сообщений источников в сигналы
package parsers

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/skalibog/btcsignals/pkg/models"
)

// ErrNoMatch текст не похож на сигнал этого источника
var ErrNoMatch = errors.New("no_match")

// ValidationError сигнал распознан, но значения вне допустимых границ
type ValidationError struct {
	Parser string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// Parser разбирает текст одного типа источника
type Parser interface {
	Parse(text string) (*models.ParsedSignal, error)
}

// ParserFunc позволяет использовать функцию как Parser
type ParserFunc func(text string) (*models.ParsedSignal, error)

func (f ParserFunc) Parse(text string) (*models.ParsedSignal, error) {
	return f(text)
}

// Range допустимый диапазон значения индикатора
type Range struct {
	Min, Max float64
}

// Границы цены BTC, указанной в самом сообщении
const (
	minSourcePrice = 1000
	maxSourcePrice = 500000
)

// Registry сопоставляет тип парсера реализации и правилам проверки
type Registry struct {
	parsers map[string]Parser
	rules   map[string]Range
}

// NewRegistry пустой реестр
func NewRegistry() *Registry {
	return &Registry{
		parsers: make(map[string]Parser),
		rules:   make(map[string]Range),
	}
}

// Default реестр со всеми известными парсерами
func Default() *Registry {
	r := NewRegistry()
	r.Register("altswing", ParserFunc(parseAltSwing), &Range{-100, 100})
	r.Register("diamond_marks", ParserFunc(parseDiamondMarks), nil)
	r.Register("sells_power", ParserFunc(parseSellsPower), &Range{-300, 300})
	r.Register("altspi", ParserFunc(parseAltSPI), &Range{-100, 200})
	r.Register("scalp17", ParserFunc(parseScalp17), &Range{-200, 200})
	r.Register("index_btc", ParserFunc(parseIndexBTC), nil)
	r.Register("dmi_smf", ParserFunc(parseDMISMF), &Range{-300, 300})
	r.Register("dyor_alerts", ParserFunc(parseDyorAlerts), &Range{0, 1000})
	r.Register("rsi_btc", ParserFunc(parseRSIBTC), &Range{0, 100})
	return r
}

// Register добавляет парсер; rules == nil - значение не проверяется
func (r *Registry) Register(parserType string, p Parser, rules *Range) {
	r.parsers[parserType] = p
	if rules != nil {
		r.rules[parserType] = *rules
	} else {
		delete(r.rules, parserType)
	}
}

// Has зарегистрирован ли тип
func (r *Registry) Has(parserType string) bool {
	_, ok := r.parsers[parserType]
	return ok
}

// Types отсортированный список типов
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.parsers))
	for k := range r.parsers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Parse разбирает и проверяет текст. Ошибка всегда ErrNoMatch
// (возможно обернутая) или *ValidationError.
func (r *Registry) Parse(parserType, text string) (*models.ParsedSignal, error) {
	p, ok := r.parsers[parserType]
	if !ok {
		return nil, fmt.Errorf("неизвестный парсер %q", parserType)
	}
	sig, err := safeParse(p, text)
	if err != nil {
		return nil, err
	}
	if sig == nil {
		return nil, ErrNoMatch
	}
	if err := r.Validate(parserType, sig); err != nil {
		return nil, err
	}
	if sig.Extra == nil {
		sig.Extra = map[string]any{}
	}
	return sig, nil
}

// safeParse паника в парсере считается нераспознанным сообщением
func safeParse(p Parser, text string) (sig *models.ParsedSignal, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			sig, err = nil, fmt.Errorf("%w: panic: %v", ErrNoMatch, rec)
		}
	}()
	sig, err = p.Parse(text)
	if err != nil && !errors.Is(err, ErrNoMatch) {
		err = fmt.Errorf("%w: %v", ErrNoMatch, err)
	}
	return sig, err
}

// Validate проверяет значение и цену из сообщения
func (r *Registry) Validate(parserType string, sig *models.ParsedSignal) error {
	if rule, ok := r.rules[parserType]; ok && sig.Value != nil {
		v := *sig.Value
		if v < rule.Min || v > rule.Max {
			return &ValidationError{
				Parser: parserType,
				Reason: fmt.Sprintf("value %s out of [%s,%s]", fmtNum(v), fmtNum(rule.Min), fmtNum(rule.Max)),
			}
		}
	}
	if sig.SourcePrice != nil {
		p := *sig.SourcePrice
		if p < minSourcePrice || p > maxSourcePrice {
			return &ValidationError{Parser: parserType, Reason: fmt.Sprintf("btc_price %s suspicious", fmtNum(p))}
		}
	}
	return nil
}

func fmtNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Общие хелперы

func ptr(v float64) *float64 { return &v }

func parseNum(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}

// optional nil вместо отсутствующего значения в extra
func optional(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func detectColor(text string, colors []emojiColor) string {
	for _, c := range colors {
		if strings.Contains(text, c.emoji) {
			return c.name
		}
	}
	return ""
}

type emojiColor struct {
	emoji string
	name  string
}

func direction(bull, bear int) string {
	switch {
	case bull > bear:
		return "bullish"
	case bear > bull:
		return "bearish"
	default:
		return "neutral"
	}
}
