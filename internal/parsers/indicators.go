package parsers

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/skalibog/btcsignals/pkg/models"
)

// Однозначные индикаторы: процент плюс цвет квадрата

var (
	avgRe     = regexp.MustCompile(`Avg\.\s*(-?[\d.]+)%`)
	percentRe = regexp.MustCompile(`(-?[\d.]+)\s*%`)
	altspiRe  = regexp.MustCompile(`(?:Market\s+Av\.|Avg\.)\s*(-?[\d.]+)%`)
	smfRe     = regexp.MustCompile(`SMF\s*(?:BTC\s*)?(-?[\d.]+)`)
	smfBTCRe  = regexp.MustCompile(`SMF\s+BTC\s`)
)

var (
	altSwingColors = []emojiColor{
		{"\U0001f7e9", "green"}, {"\U0001f7e7", "orange"},
		{"\U0001f7e5", "red"}, {"\U0001f7e6", "blue"}, {"⬜", "white"},
	}
	sellsColors = []emojiColor{
		{"\U0001f7e9", "green"}, {"\U0001f7e6", "blue"},
		{"\U0001f7e5", "red"}, {"\U0001f7e7", "orange"},
	}
	scalpColors = []emojiColor{
		{"\U0001f7e9", "green"}, {"\U0001f7e7", "orange"},
		{"\U0001f7e5", "red"}, {"\U0001f7e6", "blue"}, {"\U0001f7ea", "purple"},
	}
)

// percentSignal значение из первой группы re и цвет
func percentSignal(re *regexp.Regexp, text string, colors []emojiColor) (*models.ParsedSignal, error) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil, ErrNoMatch
	}
	v, err := parseNum(m[1])
	if err != nil {
		return nil, err
	}
	return &models.ParsedSignal{Value: ptr(v), Color: detectColor(text, colors), Extra: map[string]any{}}, nil
}

func parseAltSwing(text string) (*models.ParsedSignal, error) {
	return percentSignal(avgRe, text, altSwingColors)
}

func parseSellsPower(text string) (*models.ParsedSignal, error) {
	return percentSignal(percentRe, text, sellsColors)
}

func parseScalp17(text string) (*models.ParsedSignal, error) {
	if !strings.Contains(text, "⚡") {
		return nil, ErrNoMatch
	}
	return percentSignal(avgRe, text, scalpColors)
}

var altspiCounters = []emojiColor{
	{"\U0001f7e5", "red"}, {"\U0001f7e7", "orange"}, {"⚪", "white"},
	{"\U0001f7e6", "blue"}, {"\U0001f7e9", "green"},
}

var altspiCountRes = func() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(altspiCounters))
	for _, c := range altspiCounters {
		out[c.name] = regexp.MustCompile(regexp.QuoteMeta(c.emoji) + `\x{fe0f}?\s*(\d+)`)
	}
	return out
}()

func parseAltSPI(text string) (*models.ParsedSignal, error) {
	m := altspiRe.FindStringSubmatch(text)
	if m == nil {
		return nil, ErrNoMatch
	}
	v, err := parseNum(m[1])
	if err != nil {
		return nil, err
	}
	extra := make(map[string]any, len(altspiCounters))
	for _, c := range altspiCounters {
		n := 0
		if cm := altspiCountRes[c.name].FindStringSubmatch(text); cm != nil {
			n, _ = strconv.Atoi(cm[1])
		}
		extra[c.name] = n
	}
	return &models.ParsedSignal{Value: ptr(v), Extra: extra}, nil
}

func parseDMISMF(text string) (*models.ParsedSignal, error) {
	if !strings.Contains(text, "SMF") {
		return nil, ErrNoMatch
	}
	m := smfRe.FindStringSubmatch(text)
	if m == nil {
		return nil, ErrNoMatch
	}
	v, err := parseNum(m[1])
	if err != nil {
		return nil, err
	}
	sig := &models.ParsedSignal{
		Value:     ptr(v),
		Timeframe: "15m",
		Extra:     map[string]any{"is_btc_specific": smfBTCRe.MatchString(text)},
	}
	switch {
	case strings.Contains(text, "\U0001f536"):
		sig.Color, sig.Direction = "orange", "bullish"
	case strings.Contains(text, "\U0001f537"):
		sig.Color, sig.Direction = "blue", "bearish"
	}
	return sig, nil
}
