package normalize

import (
	"fmt"
	"strings"
	"testing"

	"klinevault/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const enhancedHeader = "open_time,open,high,low,close,volume,close_time,quote_volume,count,taker_buy_volume,taker_buy_quote_volume,ignore\n"

func enhancedRow(openTime int64) string {
	return fmt.Sprintf("%d,100.10,101.50,99.90,100.80,12.5,%d,1260.3,42,6.25,630.15,0\n", openTime, openTime+3_599_999)
}

func legacyRow(openTime int64) string {
	return fmt.Sprintf("%d,100.10,101.50,99.90,100.80,12.5\n", openTime)
}

func TestNormalizeEnhancedWithHeader(t *testing.T) {
	payload := enhancedHeader + enhancedRow(1704067200000) + enhancedRow(1704070800000)

	res, err := New(Options{}).Normalize([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, market.LayoutEnhanced, res.Layout)
	assert.Equal(t, 2, res.Rows)
	assert.Zero(t, res.Dropped)
	require.Len(t, res.Candles, 2)

	c := res.Candles[0]
	assert.Equal(t, int64(1704067200000), c.OpenTime)
	assert.True(t, c.High.Equal(decimal.RequireFromString("101.50")))
	assert.Equal(t, market.ProvenanceArchive, c.Provenance)
	require.NotNil(t, c.Enhanced)
	assert.Equal(t, int64(1704070799999), c.Enhanced.CloseTime)
	assert.Equal(t, int64(42), c.Enhanced.TradeCount)
	assert.True(t, c.Enhanced.TakerBuyQuoteVolume.Equal(decimal.RequireFromString("630.15")))
}

func TestNormalizeLegacyLeavesEnhancedUnset(t *testing.T) {
	payload := legacyRow(1000) + legacyRow(2000) + legacyRow(3000)

	res, err := New(Options{}).Normalize([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, market.LayoutLegacy, res.Layout)
	require.Len(t, res.Candles, 3)
	for _, c := range res.Candles {
		assert.Nil(t, c.Enhanced, "legacy rows never carry zero-filled enhanced fields")
	}
}

func TestNormalizeElevenFieldLayout(t *testing.T) {
	row := "1704067200000,1,2,0.5,1.5,10,1704070799999,15,3,5,7.5\n"
	layout, err := DetectLayout([]byte(row))
	require.NoError(t, err)
	assert.Equal(t, market.LayoutEnhanced, layout)
}

func TestNormalizeSkipsRepeatedHeaders(t *testing.T) {
	// concatenated daily files each carry their own header
	payload := enhancedHeader + enhancedRow(1000) + "\n" + enhancedHeader + enhancedRow(2000)

	res, err := New(Options{}).Normalize([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rows)
	assert.Len(t, res.Candles, 2)
}

func TestNormalizeMicrosecondTimestamps(t *testing.T) {
	row := "1735689600000000,1,2,0.5,1.5,10,1735693199999999,15,3,5,7.5,0\n"
	res, err := New(Options{}).Normalize([]byte(row))
	require.NoError(t, err)
	require.Len(t, res.Candles, 1)
	assert.Equal(t, int64(1735689600000), res.Candles[0].OpenTime)
	assert.Equal(t, int64(1735693199999), res.Candles[0].Enhanced.CloseTime)
}

func TestNormalizeDropsMalformedRows(t *testing.T) {
	var b strings.Builder
	for i := int64(1); i <= 40; i++ {
		b.WriteString(legacyRow(i * 1000))
	}
	b.WriteString("41000,abc,1,1,1,1\n")
	b.WriteString(legacyRow(5000))
	b.WriteString("42000,1,1,1,1,1,extra,col\n")

	res, err := New(Options{MaxDropRatio: 0.1}).Normalize([]byte(b.String()))
	require.NoError(t, err)
	assert.Equal(t, 43, res.Rows)
	assert.Equal(t, 3, res.Dropped)
	assert.Len(t, res.Candles, 40)
	assert.Equal(t, 1, res.Reasons[ReasonNumeric])
	assert.Equal(t, 1, res.Reasons[ReasonNonMonotonic])
	assert.Equal(t, 1, res.Reasons[ReasonColumns])
}

func TestNormalizeTooManyMalformed(t *testing.T) {
	payload := legacyRow(1000) + "2000,x,1,1,1,1\n" + "3000,y,1,1,1,1\n"

	res, err := New(Options{}).Normalize([]byte(payload))
	assert.ErrorIs(t, err, ErrTooManyMalformed)
	assert.Equal(t, 2, res.Dropped)
}

func TestNormalizeEmptyAndUnknown(t *testing.T) {
	res, err := New(Options{}).Normalize(nil)
	require.NoError(t, err)
	assert.Empty(t, res.Candles)
	assert.Equal(t, market.LayoutUnknown, res.Layout)

	_, err = New(Options{}).Normalize([]byte("a,b,c\n1,2,3\n"))
	assert.ErrorIs(t, err, ErrUnknownLayout)
}
