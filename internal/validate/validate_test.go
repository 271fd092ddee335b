package validate

import (
	"testing"

	"klinevault/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hour = int64(3_600_000)

var pair = market.Pair{Instrument: market.InstrumentSpot, Symbol: "BTCUSD", Timeframe: market.MustTimeframe("1h")}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func flatSeries(n int) market.Series {
	out := market.Series{Pair: pair, Layout: market.LayoutLegacy}
	for i := 0; i < n; i++ {
		out.Candles = append(out.Candles, market.Candle{
			OpenTime: hour * int64(1000+i),
			Open:     d("100"),
			High:     d("101"),
			Low:      d("99"),
			Close:    d("100.5"),
			Volume:   d("3"),
		})
	}
	return out
}

func rangeOf(n int) (int64, int64) {
	return hour * 1000, hour * int64(1000+n)
}

func TestValidatePassesCompleteSeries(t *testing.T) {
	s := flatSeries(48)
	start, end := rangeOf(48)
	rep := New(Options{}).Validate(s, start, end)
	assert.True(t, rep.Passed, rep.Failed())
	assert.Len(t, rep.Checks, 5)
	assert.Equal(t, 1.0, rep.Coverage.Ratio)
	assert.Equal(t, 48, rep.Provenance["archive"])
}

func TestOHLCVLowAboveOpenFails(t *testing.T) {
	s := flatSeries(3)
	s.Candles[1].Low = d("100.2") // above open 100
	start, end := rangeOf(3)

	rep := New(Options{}).Validate(s, start, end)
	ohlcv, ok := rep.Check(CheckOHLCV)
	require.True(t, ok)
	assert.False(t, ohlcv.Passed)
	assert.Equal(t, 1, ohlcv.Violations)
	assert.False(t, rep.Passed)
	assert.False(t, rep.Partial())
}

func TestOHLCVFlatBarPasses(t *testing.T) {
	s := flatSeries(1)
	s.Candles[0].Open = d("42")
	s.Candles[0].High = d("42")
	s.Candles[0].Low = d("42")
	s.Candles[0].Close = d("42")
	s.Candles[0].Volume = decimal.Zero
	start, end := rangeOf(1)

	rep := New(Options{}).Validate(s, start, end)
	ohlcv, _ := rep.Check(CheckOHLCV)
	assert.True(t, ohlcv.Passed, ohlcv.Diagnostics)
	assert.True(t, rep.Passed)
}

func TestOHLCVRejectsPlaceholderAndNegativeVolume(t *testing.T) {
	s := flatSeries(2)
	s.Candles[0].Open, s.Candles[0].High, s.Candles[0].Low, s.Candles[0].Close = decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	s.Candles[1].Volume = d("-1")
	start, end := rangeOf(2)

	ohlcv, _ := New(Options{}).Validate(s, start, end).Check(CheckOHLCV)
	assert.Equal(t, 2, ohlcv.Violations)
	assert.Contains(t, ohlcv.Diagnostics[0], "placeholder")
}

func TestCoverageNinetySevenOfHundred(t *testing.T) {
	full := flatSeries(100)
	start, end := rangeOf(100)
	s := full
	s.Candles = append(append(append([]market.Candle{}, full.Candles[:10]...), full.Candles[11:50]...), full.Candles[52:]...)
	require.Len(t, s.Candles, 97)

	rep := New(Options{}).Validate(s, start, end)
	assert.Equal(t, int64(100), rep.Coverage.Expected)
	assert.Equal(t, int64(97), rep.Coverage.Actual)
	assert.Equal(t, int64(3), rep.Coverage.Missing)
	assert.InDelta(t, 0.97, rep.Coverage.Ratio, 1e-12)
	assert.False(t, rep.Passed)

	cov, _ := rep.Check(CheckCoverage)
	assert.False(t, cov.Passed)
	assert.Contains(t, cov.Diagnostics[0], "3 missing")

	temporal, _ := rep.Check(CheckTemporal)
	assert.False(t, temporal.Passed, "residual gaps are a hard temporal failure")
	assert.Equal(t, 2, temporal.GapBreaks)
	assert.True(t, rep.Partial())
}

func TestTemporalDuplicatesAndDisorder(t *testing.T) {
	s := flatSeries(4)
	s.Candles[2].OpenTime = s.Candles[1].OpenTime
	s.Candles = append(s.Candles, market.Candle{OpenTime: s.Candles[0].OpenTime, Open: d("1"), High: d("1"), Low: d("1"), Close: d("1")})
	start, end := rangeOf(4)

	rep := New(Options{}).Validate(s, start, end)
	temporal, _ := rep.Check(CheckTemporal)
	assert.False(t, temporal.Passed)
	assert.GreaterOrEqual(t, temporal.Violations, 2)
	assert.False(t, rep.Partial())
}

func TestStructuralEnhancedFieldsRequired(t *testing.T) {
	s := flatSeries(2)
	s.Layout = market.LayoutEnhanced
	s.Candles[0].Enhanced = &market.EnhancedFields{CloseTime: s.Candles[0].OpenTime + hour - 1}
	start, end := rangeOf(2)

	structural, _ := New(Options{}).Validate(s, start, end).Check(CheckStructural)
	assert.False(t, structural.Passed)
	assert.Equal(t, 1, structural.Violations)
}

func TestDiagnosticsAreCapped(t *testing.T) {
	s := flatSeries(30)
	for i := range s.Candles {
		s.Candles[i].Volume = d("-1")
	}
	start, end := rangeOf(30)
	ohlcv, _ := New(Options{MaxDiagnostics: 5}).Validate(s, start, end).Check(CheckOHLCV)
	assert.Equal(t, 30, ohlcv.Violations)
	assert.Len(t, ohlcv.Diagnostics, 6)
	assert.Equal(t, "... and 25 more", ohlcv.Diagnostics[5])
}
