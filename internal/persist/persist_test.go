package persist

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"klinevault/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pair = market.Pair{Instrument: market.InstrumentUM, Symbol: "ETHUSDT", Timeframe: market.MustTimeframe("1h")}

func series(n int, enhanced bool) market.Series {
	s := market.Series{Pair: pair, Layout: market.LayoutLegacy}
	if enhanced {
		s.Layout = market.LayoutEnhanced
	}
	for i := 0; i < n; i++ {
		open := int64(1_700_000_000_000) + int64(i)*3_600_000
		c := market.Candle{
			OpenTime: open,
			Open:     decimal.RequireFromString("2031.10000000"),
			High:     decimal.RequireFromString("2040.5"),
			Low:      decimal.RequireFromString("2029.01"),
			Close:    decimal.RequireFromString("2035.77"),
			Volume:   decimal.RequireFromString("123.456789"),
		}
		if enhanced {
			c.Enhanced = &market.EnhancedFields{
				CloseTime:           open + 3_599_999,
				QuoteVolume:         decimal.RequireFromString("251234.5"),
				TradeCount:          int64(100 + i),
				TakerBuyVolume:      decimal.RequireFromString("60.1"),
				TakerBuyQuoteVolume: decimal.RequireFromString("122000.25"),
			}
		}
		if i%3 == 0 {
			c.Provenance = market.ProvenanceLiveBackfill
		}
		s.Candles = append(s.Candles, c)
	}
	return s
}

func TestPathLayout(t *testing.T) {
	p := New("/data")
	assert.Equal(t, filepath.Join("/data", "um", "ETHUSDT", "1h.parquet"), p.Path(pair))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	p := New(t.TempDir())
	dest := p.Path(pair)
	in := series(10, true)

	commit, err := p.Save(context.Background(), in, dest)
	require.NoError(t, err)
	require.NoError(t, commit.Done())

	out, err := Load(dest)
	require.NoError(t, err)
	assert.Equal(t, pair.Key(), out.Pair.Key())
	assert.Equal(t, market.LayoutEnhanced, out.Layout)
	require.Len(t, out.Candles, 10)
	for i := range in.Candles {
		assert.Equal(t, in.Candles[i].OpenTime, out.Candles[i].OpenTime)
		assert.True(t, in.Candles[i].Open.Equal(out.Candles[i].Open))
		assert.Equal(t, in.Candles[i].Volume.String(), out.Candles[i].Volume.String())
		assert.Equal(t, in.Candles[i].Provenance, out.Candles[i].Provenance)
		require.NotNil(t, out.Candles[i].Enhanced)
		assert.Equal(t, in.Candles[i].Enhanced.TradeCount, out.Candles[i].Enhanced.TradeCount)
	}
}

func TestLegacyRowsKeepNilEnhanced(t *testing.T) {
	p := New(t.TempDir())
	dest := p.Path(pair)
	commit, err := p.Save(context.Background(), series(3, false), dest)
	require.NoError(t, err)
	require.NoError(t, commit.Done())

	out, err := Load(dest)
	require.NoError(t, err)
	assert.Equal(t, market.LayoutLegacy, out.Layout)
	for _, c := range out.Candles {
		assert.Nil(t, c.Enhanced)
	}
}

func TestFailedWriteRestoresPreviousFile(t *testing.T) {
	p := New(t.TempDir())
	dest := p.Path(pair)

	commit, err := p.Save(context.Background(), series(5, false), dest)
	require.NoError(t, err)
	require.NoError(t, commit.Done())
	before, err := os.ReadFile(dest)
	require.NoError(t, err)

	boom := errors.New("disk full")
	p.WithEncoder(func(w io.Writer, _ market.Series) error {
		_, _ = w.Write([]byte("PAR1 half a file"))
		return boom
	})
	_, err = p.Save(context.Background(), series(8, true), dest)
	require.ErrorIs(t, err, boom)

	after, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp and backup files are cleaned up")
	assert.Equal(t, "1h.parquet", entries[0].Name())
}

func TestFailedFirstWriteLeavesNothing(t *testing.T) {
	p := New(t.TempDir()).WithEncoder(func(io.Writer, market.Series) error {
		return errors.New("boom")
	})
	dest := p.Path(pair)
	_, err := p.Save(context.Background(), series(2, false), dest)
	require.Error(t, err)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRollbackRestoresPrevious(t *testing.T) {
	p := New(t.TempDir())
	dest := p.Path(pair)

	first, err := p.Save(context.Background(), series(4, false), dest)
	require.NoError(t, err)
	require.NoError(t, first.Done())
	before, err := os.ReadFile(dest)
	require.NoError(t, err)

	second, err := p.Save(context.Background(), series(9, true), dest)
	require.NoError(t, err)
	_, err = os.Stat(dest + backupSuffix)
	require.NoError(t, err, "backup is kept until the commit is settled")

	require.NoError(t, second.Rollback())
	after, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoError(t, second.Done(), "settled commits ignore further calls")
}

func TestRollbackWithoutPreviousRemovesFile(t *testing.T) {
	p := New(t.TempDir())
	dest := p.Path(pair)
	commit, err := p.Save(context.Background(), series(2, false), dest)
	require.NoError(t, err)
	require.NoError(t, commit.Rollback())
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSaveHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(t.TempDir())
	_, err := p.Save(ctx, series(1, false), p.Path(pair))
	assert.ErrorIs(t, err, context.Canceled)
}
