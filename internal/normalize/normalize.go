// Package normalize decodes Binance kline CSV payloads into canonical candles.
package normalize

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"klinevault/internal/logger"
	"klinevault/internal/market"

	"github.com/shopspring/decimal"
)

var (
	// ErrTooManyMalformed is returned when the drop ratio exceeds the configured limit.
	ErrTooManyMalformed = errors.New("too many malformed rows")
	// ErrUnknownLayout means no row matched either known layout.
	ErrUnknownLayout = errors.New("unknown kline layout")
)

const (
	legacyFields        = 6
	enhancedFields      = 11
	enhancedFieldsTrail = 12

	// Open times above this are microseconds (Binance spot archives from 2025 on).
	microsecondThreshold = 1e14

	DefaultMaxDropRatio = 0.05
)

// Drop reasons reported in Result.Reasons.
const (
	ReasonColumns      = "column_count"
	ReasonNumeric      = "non_numeric"
	ReasonNonMonotonic = "non_monotonic"
	ReasonSyntax       = "csv_syntax"
)

// Options 控制容错阈值。
type Options struct {
	// MaxDropRatio is the largest tolerated dropped/rows fraction.
	MaxDropRatio float64
}

// Result 是一次解码的输出：K 线、检测到的格式与丢弃统计。
type Result struct {
	Candles []market.Candle
	Layout  market.Layout
	Rows    int
	Dropped int
	Reasons map[string]int
}

// DropRatio is Dropped/Rows, zero for an empty payload.
func (r Result) DropRatio() float64 {
	if r.Rows == 0 {
		return 0
	}
	return float64(r.Dropped) / float64(r.Rows)
}

// Normalizer converts archive payloads. It is stateless and safe for concurrent use.
type Normalizer struct {
	maxDrop float64
}

func New(opts Options) *Normalizer {
	maxDrop := opts.MaxDropRatio
	if maxDrop <= 0 {
		maxDrop = DefaultMaxDropRatio
	}
	return &Normalizer{maxDrop: maxDrop}
}

// Normalize detects the payload layout once, then decodes every row against it. Rows with
// the wrong column count, non-numeric values or a non-increasing open time are dropped.
// An empty payload is not an error; its bars simply show up as gaps.
func (n *Normalizer) Normalize(payload []byte) (Result, error) {
	res := Result{Reasons: map[string]int{}}
	if len(bytes.TrimSpace(payload)) == 0 {
		return res, nil
	}
	layout, err := DetectLayout(payload)
	if err != nil {
		return res, err
	}
	res.Layout = layout

	r := newReader(payload)
	last := int64(-1)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil && !errors.Is(err, csv.ErrFieldCount) {
			res.Rows++
			res.drop(ReasonSyntax)
			continue
		}
		if isBlank(rec) || isHeader(rec) {
			continue
		}
		res.Rows++
		c, reason := decodeRow(rec, layout)
		if reason != "" {
			res.drop(reason)
			continue
		}
		if c.OpenTime <= last {
			res.drop(ReasonNonMonotonic)
			continue
		}
		last = c.OpenTime
		res.Candles = append(res.Candles, c)
	}

	if res.Dropped > 0 {
		logger.Debugf("[normalize] dropped %d/%d rows %v", res.Dropped, res.Rows, res.Reasons)
	}
	if res.DropRatio() > n.maxDrop {
		return res, fmt.Errorf("%w: %d of %d rows (limit %.2f%%)", ErrTooManyMalformed, res.Dropped, res.Rows, n.maxDrop*100)
	}
	return res, nil
}

func (r *Result) drop(reason string) {
	r.Dropped++
	r.Reasons[reason]++
}

// DetectLayout inspects the header, or failing that the first data row with a known
// column count, and returns the layout the whole payload is decoded with.
func DetectLayout(payload []byte) (market.Layout, error) {
	r := newReader(payload)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return market.LayoutUnknown, ErrUnknownLayout
		}
		if err != nil && !errors.Is(err, csv.ErrFieldCount) {
			continue
		}
		if isBlank(rec) {
			continue
		}
		if layout := layoutForWidth(len(rec)); layout != market.LayoutUnknown {
			return layout, nil
		}
	}
}

func layoutForWidth(n int) market.Layout {
	switch n {
	case legacyFields:
		return market.LayoutLegacy
	case enhancedFields, enhancedFieldsTrail:
		return market.LayoutEnhanced
	default:
		return market.LayoutUnknown
	}
}

func newReader(payload []byte) *csv.Reader {
	r := csv.NewReader(bytes.NewReader(payload))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.ReuseRecord = true
	return r
}

func isBlank(rec []string) bool {
	return len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "")
}

func isHeader(rec []string) bool {
	first := strings.ToLower(strings.TrimSpace(rec[0]))
	return first == "open_time" || first == "opentime" || first == "open time"
}

func decodeRow(rec []string, layout market.Layout) (market.Candle, string) {
	if layoutForWidth(len(rec)) != layout {
		return market.Candle{}, ReasonColumns
	}
	openTime, err := parseTimestamp(rec[0])
	if err != nil {
		return market.Candle{}, ReasonNumeric
	}
	var c market.Candle
	c.OpenTime = openTime
	c.Provenance = market.ProvenanceArchive
	for i, dst := range []*decimal.Decimal{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
		v, err := decimal.NewFromString(strings.TrimSpace(rec[i+1]))
		if err != nil {
			return market.Candle{}, ReasonNumeric
		}
		*dst = v
	}
	if layout == market.LayoutLegacy {
		return c, ""
	}

	ext := &market.EnhancedFields{}
	if ext.CloseTime, err = parseTimestamp(rec[6]); err != nil {
		return market.Candle{}, ReasonNumeric
	}
	if ext.QuoteVolume, err = decimal.NewFromString(strings.TrimSpace(rec[7])); err != nil {
		return market.Candle{}, ReasonNumeric
	}
	if ext.TradeCount, err = strconv.ParseInt(strings.TrimSpace(rec[8]), 10, 64); err != nil {
		return market.Candle{}, ReasonNumeric
	}
	if ext.TakerBuyVolume, err = decimal.NewFromString(strings.TrimSpace(rec[9])); err != nil {
		return market.Candle{}, ReasonNumeric
	}
	if ext.TakerBuyQuoteVolume, err = decimal.NewFromString(strings.TrimSpace(rec[10])); err != nil {
		return market.Candle{}, ReasonNumeric
	}
	c.Enhanced = ext
	return c, ""
}

func parseTimestamp(raw string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if v > microsecondThreshold {
		v /= 1000
	}
	return v, nil
}
