package parsers

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/skalibog/btcsignals/pkg/models"
)

// Составные сообщения: счетчики эмодзи, цена BTC, таймфрейм

var (
	diamondTFRe    = regexp.MustCompile(`Total\s+(\d+[mhHMМ])`)
	diamondPriceRe = regexp.MustCompile(`BTC/USDT:\s*\$?([\d,]+\.?\d*)`)

	indexTFRe    = regexp.MustCompile(`(?i)INDEX\s+(\d+\s*(?:min|m|h))`)
	indexPriceRe = regexp.MustCompile(`Bitcoin\s+([\d.]+)`)

	dyorPriceRe  = regexp.MustCompile(`BTC/USDT-SPOT:\s*([\d.]+)`)
	dyorLevelRe  = regexp.MustCompile(`(\d+)\s*уровень`)
	longMoneyRe  = regexp.MustCompile(`Long:\s*\$([\d.]+\s*[MmМKkК]?)`)
	shortMoneyRe = regexp.MustCompile(`Short:\s*\$([\d.]+\s*[MmМKkК]?)`)
	moneyRe      = regexp.MustCompile(`^([\d.]+)\s*([MmМKkК]?)`)

	rsiTypeRe    = regexp.MustCompile(`(RSI_OVERSOLD|RSI_OVERBOUGHT)`)
	rsiPriceRe   = regexp.MustCompile(`\$\s*([\d,]+)`)
	rsiValueRe   = regexp.MustCompile(`(\d+[mhd]):\s*([\d.]+)`)
	rsiTriggerRe = regexp.MustCompile(`(\d+[mhd]):\s*[\d.]+\s*(?:\x{1f7e2}|\x{1f534})\x{2b05}\x{fe0f}`)
)

func parseDiamondMarks(text string) (*models.ParsedSignal, error) {
	if !strings.Contains(text, "Total") || !strings.Contains(text, "BTC/USDT:") {
		return nil, ErrNoMatch
	}
	sig := &models.ParsedSignal{}
	if m := diamondTFRe.FindStringSubmatch(text); m != nil {
		sig.Timeframe = strings.ToLower(m[1])
	}
	if m := diamondPriceRe.FindStringSubmatch(text); m != nil {
		p, err := parseNum(m[1])
		if err != nil {
			return nil, err
		}
		sig.SourcePrice = ptr(p)
	}

	g := strings.Count(text, "\U0001f7e9")
	o := strings.Count(text, "\U0001f7e7")
	r := strings.Count(text, "\U0001f7e5")
	y := strings.Count(text, "\U0001f7e8")
	sig.Direction = direction(g, r)

	// при равенстве побеждает цвет, идущий раньше
	best := 0
	for _, c := range []struct {
		name string
		n    int
	}{{"green", g}, {"orange", o}, {"red", r}, {"yellow", y}} {
		if c.n > best {
			best, sig.Color = c.n, c.name
		}
	}
	sig.Extra = map[string]any{
		"green_count":  g,
		"orange_count": o,
		"red_count":    r,
		"yellow_count": y,
		"has_fire":     strings.Contains(text, "\U0001f525"),
	}
	return sig, nil
}

func parseIndexBTC(text string) (*models.ParsedSignal, error) {
	if !strings.Contains(text, "INDEX") || !strings.Contains(text, "Bitcoin") {
		return nil, ErrNoMatch
	}
	sig := &models.ParsedSignal{}
	if m := indexTFRe.FindStringSubmatch(text); m != nil {
		sig.Timeframe = strings.ToLower(m[1])
	}
	if m := indexPriceRe.FindStringSubmatch(text); m != nil {
		p, err := parseNum(m[1])
		if err != nil {
			return nil, err
		}
		sig.SourcePrice = ptr(p)
	}
	prefix := text[:strings.Index(text, "INDEX")]
	g := strings.Count(prefix, "\U0001f7e9")
	r := strings.Count(prefix, "\U0001f7e5")
	sig.Direction = direction(g, r)
	switch {
	case g > r:
		sig.Color = "green"
	case r > g:
		sig.Color = "red"
	}
	sig.Extra = map[string]any{"green_count": g, "red_count": r}
	return sig, nil
}

// dyorType тип сигнала, направление и уровень
func dyorType(text string) (string, string, *int) {
	tl := strings.ToLower(text)
	switch {
	case strings.Contains(tl, "дисбаланс покупателя"):
		return "buyer_disbalance", "bullish", nil
	case strings.Contains(tl, "дисбаланс продавца"):
		return "seller_disbalance", "bearish", nil
	case strings.Contains(tl, "лонговый приоритет"):
		var level *int
		if m := dyorLevelRe.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				level = &n
			}
		}
		return "long_priority", "bullish", level
	case strings.Contains(tl, "шортовый"):
		return "short_signal", "bearish", nil
	case strings.Contains(tl, "сигнал лонг"):
		return "long_signal", "bullish", nil
	case strings.Contains(tl, "сигнал шорт"):
		return "short_signal", "bearish", nil
	case strings.Contains(tl, "баланс"):
		return "balance", "neutral", nil
	}
	return "unknown", "", nil
}

// parseMoney "$1.5M" / "$200K" в число
func parseMoney(re *regexp.Regexp, section string) *float64 {
	m := re.FindStringSubmatch(section)
	if m == nil {
		return nil
	}
	nm := moneyRe.FindStringSubmatch(m[1])
	if nm == nil {
		return nil
	}
	v, err := strconv.ParseFloat(nm[1], 64)
	if err != nil {
		return nil
	}
	switch strings.ToUpper(nm[2]) {
	case "M", "М":
		v *= 1_000_000
	case "K", "К":
		v *= 1_000
	}
	return &v
}

func lastPart(text, sep string) string {
	if !strings.Contains(text, sep) {
		return ""
	}
	parts := strings.Split(text, sep)
	return parts[len(parts)-1]
}

func parseDyorAlerts(text string) (*models.ParsedSignal, error) {
	if !strings.Contains(text, "BTC/USDT-SPOT:") {
		return nil, ErrNoMatch
	}
	sigType, dir, level := dyorType(text)
	sig := &models.ParsedSignal{Direction: dir}
	if m := dyorPriceRe.FindStringSubmatch(text); m != nil {
		p, err := parseNum(m[1])
		if err != nil {
			return nil, err
		}
		sig.SourcePrice = ptr(p)
	}

	greenDots := strings.Count(text, "\U0001f7e2")
	greenHearts := strings.Count(text, "\U0001f49a")
	greenSquares := strings.Count(text, "\U0001f7e9")

	binance := lastPart(text, "Binance:")
	if binance != "" {
		binance = strings.Split(binance, "Total")[0]
	}
	liq := lastPart(text, "Total liquidations:")
	bl, bs := parseMoney(longMoneyRe, binance), parseMoney(shortMoneyRe, binance)
	ll, ls := parseMoney(longMoneyRe, liq), parseMoney(shortMoneyRe, liq)

	var ratio *float64
	if bl != nil && bs != nil && *bl != 0 && *bs > 0 {
		r, _ := decimal.NewFromFloat(*bl / *bs).Round(2).Float64()
		ratio = &r
	}
	switch {
	case ratio != nil:
		sig.Value = ptr(*ratio)
	case level != nil:
		sig.Value = ptr(float64(*level))
	}

	switch {
	case greenDots+greenHearts+greenSquares > 0:
		sig.Color = "green"
	case strings.Contains(text, "\U0001f7e5"):
		sig.Color = "red"
	}

	var levelAny any
	if level != nil {
		levelAny = *level
	}
	sig.Extra = map[string]any{
		"signal_type":      sigType,
		"green_dots":       greenDots,
		"green_hearts":     greenHearts,
		"level":            levelAny,
		"binance_long":     optional(bl),
		"binance_short":    optional(bs),
		"liq_long":         optional(ll),
		"liq_short":        optional(ls),
		"long_short_ratio": optional(ratio),
	}
	return sig, nil
}

func parseRSIBTC(text string) (*models.ParsedSignal, error) {
	if !strings.Contains(text, "BTCUSDT") {
		return nil, ErrNoMatch
	}
	tm := rsiTypeRe.FindStringSubmatch(text)
	if tm == nil {
		return nil, ErrNoMatch
	}
	sigType := tm[1]
	sig := &models.ParsedSignal{Direction: "bearish", Color: "red"}
	if sigType == "RSI_OVERSOLD" {
		sig.Direction, sig.Color = "bullish", "green"
	}
	if m := rsiPriceRe.FindStringSubmatch(text); m != nil {
		p, err := parseNum(m[1])
		if err != nil {
			return nil, err
		}
		sig.SourcePrice = ptr(p)
	}

	rsi := make(map[string]float64)
	for _, m := range rsiValueRe.FindAllStringSubmatch(text, -1) {
		if v, err := strconv.ParseFloat(m[2], 64); err == nil {
			rsi[m[1]] = v
		}
	}
	get := func(tf string) any {
		if v, ok := rsi[tf]; ok {
			return v
		}
		return nil
	}

	var triggered any
	if m := rsiTriggerRe.FindStringSubmatch(text); m != nil {
		sig.Timeframe = m[1]
		triggered = m[1]
		if v, ok := rsi[m[1]]; ok {
			sig.Value = ptr(v)
		}
	}
	sig.Extra = map[string]any{
		"signal_type":  sigType,
		"triggered_tf": triggered,
		"rsi_5m":       get("5m"),
		"rsi_15m":      get("15m"),
		"rsi_1h":       get("1h"),
		"rsi_4h":       get("4h"),
		"rsi_1d":       get("1d"),
	}
	return sig, nil
}
