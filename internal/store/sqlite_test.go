package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"klinevault/internal/market"
	"klinevault/internal/validate"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pair = market.Pair{Instrument: market.InstrumentSpot, Symbol: "BTCUSDT", Timeframe: market.MustTimeframe("4h")}

func delivery(n int, closePx string) Delivery {
	s := market.Series{Pair: pair, Layout: market.LayoutEnhanced}
	for i := 0; i < n; i++ {
		open := int64(1_704_067_200_000) + int64(i)*4*3_600_000
		s.Candles = append(s.Candles, market.Candle{
			OpenTime: open,
			Open:     decimal.RequireFromString("42000.01"),
			High:     decimal.RequireFromString("42500"),
			Low:      decimal.RequireFromString("41900.5"),
			Close:    decimal.RequireFromString(closePx),
			Volume:   decimal.RequireFromString("12.5"),
			Enhanced: &market.EnhancedFields{CloseTime: open + 4*3_600_000 - 1, TradeCount: 77},
		})
	}
	return Delivery{
		RunID:    3,
		TraceID:  "trace",
		Series:   s,
		Report:   validate.Report{Pair: pair.Key(), Passed: true, Coverage: validate.Coverage{Expected: int64(n), Actual: int64(n), Ratio: 1}},
		Coverage: 1,
	}
}

func openSink(t *testing.T) *SQLiteSink {
	t.Helper()
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "db", "klines.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func TestSQLiteSinkUpsertIsIdempotent(t *testing.T) {
	sink := openSink(t)
	ctx := context.Background()

	require.NoError(t, sink.Ingest(ctx, delivery(6, "42100")))
	require.NoError(t, sink.Ingest(ctx, delivery(6, "42200")))

	n, err := sink.CountCandles(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	var row CandleModel
	require.NoError(t, sink.db.Where("open_time = ?", int64(1_704_067_200_000)).First(&row).Error)
	assert.Equal(t, "42200", row.Close, "second delivery overwrites")
	require.NotNil(t, row.TradeCount)
	assert.Equal(t, int64(77), *row.TradeCount)
	assert.Equal(t, "archive", row.Provenance)

	reports, err := sink.Reports(ctx, pair)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, 6, reports[0].RowCount)
	assert.True(t, reports[0].Passed)

	var decoded validate.Report
	require.NoError(t, json.Unmarshal(reports[0].Report, &decoded))
	assert.Equal(t, pair.Key(), decoded.Pair)
}

func TestSQLiteSinkRecordsPartial(t *testing.T) {
	sink := openSink(t)
	ctx := context.Background()
	d := delivery(3, "42100")
	d.Partial = true
	d.Coverage = 0.75
	d.Report.Passed = false
	require.NoError(t, sink.Ingest(ctx, d))

	reports, err := sink.Reports(ctx, pair)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Partial)
	assert.InDelta(t, 0.75, reports[0].Coverage, 1e-9)
}

func TestNopSink(t *testing.T) {
	var s Sink = NopSink{}
	assert.NoError(t, s.Ingest(context.Background(), Delivery{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Ingest(ctx, Delivery{}), context.Canceled)
	assert.NoError(t, s.Close())
}

func TestNewSQLiteSinkRejectsEmptyPath(t *testing.T) {
	_, err := NewSQLiteSink("  ")
	assert.Error(t, err)
}
