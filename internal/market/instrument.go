package market

import (
	"fmt"
	"regexp"
	"strings"
)

// Instrument 区分现货、U 本位合约与币本位合约，三者在归档与 REST 上路径不同。
type Instrument string

const (
	InstrumentSpot Instrument = "spot"
	InstrumentUM   Instrument = "um"
	InstrumentCM   Instrument = "cm"
)

// ParseInstrument accepts the canonical names plus a few common aliases.
func ParseInstrument(s string) (Instrument, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spot", "":
		return InstrumentSpot, nil
	case "um", "usdm", "futures", "futures/um":
		return InstrumentUM, nil
	case "cm", "coinm", "delivery", "futures/cm":
		return InstrumentCM, nil
	default:
		return "", fmt.Errorf("unknown instrument type: %q", s)
	}
}

// ArchivePath is the path segment used by data.binance.vision.
func (i Instrument) ArchivePath() string {
	switch i {
	case InstrumentUM:
		return "futures/um"
	case InstrumentCM:
		return "futures/cm"
	default:
		return "spot"
	}
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,24}(_[A-Z0-9]{2,12})?$`)

// NormalizeSymbol converts "btc/usdt" or "BTC-USDT" to exchange form "BTCUSDT" and rejects
// anything Binance would not list. COIN-M symbols keep their "_PERP" suffix.
func NormalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.NewReplacer("/", "", "-", "").Replace(s)
	if !symbolPattern.MatchString(s) {
		return "", fmt.Errorf("malformed symbol: %q", raw)
	}
	return s, nil
}

// Pair identifies one unit of work: a symbol at a timeframe for an instrument type.
type Pair struct {
	Instrument Instrument
	Symbol     string
	Timeframe  Timeframe
}

// Key is the stable identifier used by the checkpoint, e.g. "um:BTCUSDT@1h".
func (p Pair) Key() string {
	return string(p.Instrument) + ":" + p.Symbol + "@" + p.Timeframe.Key
}

func (p Pair) String() string { return p.Key() }

// ParsePairKey is the inverse of Pair.Key.
func ParsePairKey(key string) (Pair, error) {
	inst, rest, ok := strings.Cut(key, ":")
	if !ok {
		return Pair{}, fmt.Errorf("malformed pair key: %q", key)
	}
	sym, tfKey, ok := strings.Cut(rest, "@")
	if !ok {
		return Pair{}, fmt.Errorf("malformed pair key: %q", key)
	}
	instrument, err := ParseInstrument(inst)
	if err != nil {
		return Pair{}, err
	}
	tf, err := ParseTimeframe(tfKey)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Instrument: instrument, Symbol: sym, Timeframe: tf}, nil
}
