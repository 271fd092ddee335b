package backfill

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"klinevault/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const klinesBody = `[[1704067200000,"42283.58","42554.57","42283.58","42475.23","1271.68108",1704070799999,"53957248.9",47134,"682.57581","28957416.8","0"]]`

func TestBinanceClientRoutesByInstrument(t *testing.T) {
	var paths []string
	var lastQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		q := r.URL.Query()
		lastQuery = map[string]string{
			"symbol":    q.Get("symbol"),
			"interval":  q.Get("interval"),
			"startTime": q.Get("startTime"),
			"endTime":   q.Get("endTime"),
			"limit":     q.Get("limit"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(klinesBody))
	}))
	defer srv.Close()

	client := NewBinanceClient(BinanceConfig{SpotBaseURL: srv.URL, FuturesBaseURL: srv.URL, DeliveryBaseURL: srv.URL})
	req := Request{
		Pair:  market.Pair{Instrument: market.InstrumentUM, Symbol: "BTCUSDT", Timeframe: market.MustTimeframe("1h")},
		Start: 1704067200000,
		End:   1704070800000,
		Limit: 2,
	}

	candles, err := client.FetchKlines(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	c := candles[0]
	assert.Equal(t, int64(1704067200000), c.OpenTime)
	assert.Equal(t, "42554.57", c.High.String())
	assert.Equal(t, market.ProvenanceLiveBackfill, c.Provenance)
	require.NotNil(t, c.Enhanced)
	assert.Equal(t, int64(47134), c.Enhanced.TradeCount)
	assert.Equal(t, "28957416.8", c.Enhanced.TakerBuyQuoteVolume.String())
	assert.Equal(t, map[string]string{
		"symbol":    "BTCUSDT",
		"interval":  "1h",
		"startTime": "1704067200000",
		"endTime":   "1704070800000",
		"limit":     "2",
	}, lastQuery)

	req.Pair.Instrument = market.InstrumentSpot
	_, err = client.FetchKlines(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"/fapi/v1/klines", "/api/v3/klines"}, paths)
}
