package market

import (
	"github.com/shopspring/decimal"
)

// Provenance 标记一根 K 线的来源，仅用于审计，不参与校验。
type Provenance uint8

const (
	ProvenanceArchive Provenance = iota
	ProvenanceLiveBackfill
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceArchive:
		return "archive"
	case ProvenanceLiveBackfill:
		return "live-backfill"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the known provenance tags.
func (p Provenance) Valid() bool {
	return p == ProvenanceArchive || p == ProvenanceLiveBackfill
}

// ParseProvenance is the inverse of Provenance.String.
func ParseProvenance(s string) (Provenance, bool) {
	switch s {
	case "archive":
		return ProvenanceArchive, true
	case "live-backfill":
		return ProvenanceLiveBackfill, true
	default:
		return 0, false
	}
}

// Candle 是一根 OHLCV K 线。价格与成交量保持归档原始精度。
type Candle struct {
	OpenTime int64           `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`

	// Enhanced 仅在增强格式（11/12 列）中存在；旧格式为 nil，不能补零。
	Enhanced *EnhancedFields `json:"enhanced,omitempty"`

	Provenance Provenance `json:"-"`
}

// EnhancedFields 是增强格式额外携带的成交衍生字段。
type EnhancedFields struct {
	CloseTime           int64           `json:"close_time"`
	QuoteVolume         decimal.Decimal `json:"quote_volume"`
	TradeCount          int64           `json:"trade_count"`
	TakerBuyVolume      decimal.Decimal `json:"taker_buy_volume"`
	TakerBuyQuoteVolume decimal.Decimal `json:"taker_buy_quote_volume"`
}

// Layout is the record layout a payload (and therefore a series) was decoded from.
type Layout uint8

const (
	LayoutUnknown Layout = iota
	LayoutLegacy
	LayoutEnhanced
)

func (l Layout) String() string {
	switch l {
	case LayoutLegacy:
		return "legacy"
	case LayoutEnhanced:
		return "enhanced"
	default:
		return "unknown"
	}
}

// Weaker returns the layout carrying fewer fields. Merging a legacy payload into an
// enhanced series downgrades the series, never the other way round.
func (l Layout) Weaker(other Layout) Layout {
	switch {
	case l == LayoutUnknown:
		return other
	case other == LayoutUnknown:
		return l
	case l == LayoutLegacy || other == LayoutLegacy:
		return LayoutLegacy
	default:
		return LayoutEnhanced
	}
}
