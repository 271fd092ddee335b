package persist

import (
	"errors"
	"fmt"
	"io"
	"os"

	"klinevault/internal/market"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
)

// Parquet 文件元数据键。
const (
	metaPair   = "klinevault.pair"
	metaLayout = "klinevault.layout"
)

// candleRecord is the on-disk row. Decimals are stored as their exact string form so
// archive precision survives a round trip; enhanced columns are null for legacy rows.
type candleRecord struct {
	OpenTime            int64   `parquet:"open_time,timestamp(millisecond)"`
	Open                string  `parquet:"open"`
	High                string  `parquet:"high"`
	Low                 string  `parquet:"low"`
	Close               string  `parquet:"close"`
	Volume              string  `parquet:"volume"`
	CloseTime           *int64  `parquet:"close_time,optional"`
	QuoteVolume         *string `parquet:"quote_volume,optional"`
	TradeCount          *int64  `parquet:"trade_count,optional"`
	TakerBuyVolume      *string `parquet:"taker_buy_volume,optional"`
	TakerBuyQuoteVolume *string `parquet:"taker_buy_quote_volume,optional"`
	Provenance          string  `parquet:"provenance,dict"`
}

func toRecord(c market.Candle) candleRecord {
	rec := candleRecord{
		OpenTime:   c.OpenTime,
		Open:       c.Open.String(),
		High:       c.High.String(),
		Low:        c.Low.String(),
		Close:      c.Close.String(),
		Volume:     c.Volume.String(),
		Provenance: c.Provenance.String(),
	}
	if ext := c.Enhanced; ext != nil {
		closeTime, trades := ext.CloseTime, ext.TradeCount
		quote, takerBase, takerQuote := ext.QuoteVolume.String(), ext.TakerBuyVolume.String(), ext.TakerBuyQuoteVolume.String()
		rec.CloseTime = &closeTime
		rec.TradeCount = &trades
		rec.QuoteVolume = &quote
		rec.TakerBuyVolume = &takerBase
		rec.TakerBuyQuoteVolume = &takerQuote
	}
	return rec
}

func fromRecord(rec candleRecord) (market.Candle, error) {
	var (
		c   market.Candle
		err error
	)
	c.OpenTime = rec.OpenTime
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&c.Open, rec.Open},
		{&c.High, rec.High},
		{&c.Low, rec.Low},
		{&c.Close, rec.Close},
		{&c.Volume, rec.Volume},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return c, fmt.Errorf("open_time %d: %w", rec.OpenTime, err)
		}
	}
	prov, ok := market.ParseProvenance(rec.Provenance)
	if !ok {
		return c, fmt.Errorf("open_time %d: unknown provenance %q", rec.OpenTime, rec.Provenance)
	}
	c.Provenance = prov
	if rec.CloseTime == nil {
		return c, nil
	}
	ext := &market.EnhancedFields{CloseTime: *rec.CloseTime}
	if rec.TradeCount != nil {
		ext.TradeCount = *rec.TradeCount
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src *string
	}{
		{&ext.QuoteVolume, rec.QuoteVolume},
		{&ext.TakerBuyVolume, rec.TakerBuyVolume},
		{&ext.TakerBuyQuoteVolume, rec.TakerBuyQuoteVolume},
	} {
		if f.src == nil {
			continue
		}
		if *f.dst, err = decimal.NewFromString(*f.src); err != nil {
			return c, fmt.Errorf("open_time %d: %w", rec.OpenTime, err)
		}
	}
	c.Enhanced = ext
	return c, nil
}

func encodeParquet(w io.Writer, series market.Series) error {
	records := make([]candleRecord, len(series.Candles))
	for i, c := range series.Candles {
		records[i] = toRecord(c)
	}
	pw := parquet.NewGenericWriter[candleRecord](w,
		parquet.KeyValueMetadata(metaPair, series.Pair.Key()),
		parquet.KeyValueMetadata(metaLayout, series.Layout.String()),
	)
	if _, err := pw.Write(records); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}

// Load reads a file written by Save back into a series.
func Load(path string) (market.Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return market.Series{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return market.Series{}, err
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return market.Series{}, fmt.Errorf("opening %s: %w", path, err)
	}

	var series market.Series
	if key, ok := pf.Lookup(metaPair); ok {
		if series.Pair, err = market.ParsePairKey(key); err != nil {
			return market.Series{}, err
		}
	}
	if layout, ok := pf.Lookup(metaLayout); ok {
		switch layout {
		case market.LayoutLegacy.String():
			series.Layout = market.LayoutLegacy
		case market.LayoutEnhanced.String():
			series.Layout = market.LayoutEnhanced
		}
	}

	records, err := parquet.ReadFile[candleRecord](path)
	if err != nil {
		return market.Series{}, fmt.Errorf("reading %s: %w", path, err)
	}
	series.Candles = make([]market.Candle, 0, len(records))
	for _, rec := range records {
		c, err := fromRecord(rec)
		if err != nil {
			return market.Series{}, errors.Join(fmt.Errorf("decoding %s", path), err)
		}
		series.Candles = append(series.Candles, c)
	}
	return series, nil
}
