package backfill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"klinevault/internal/market"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/delivery"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// Request 描述一次 REST K 线请求，Start/End 为开盘时间闭区间（毫秒）。
type Request struct {
	Pair  market.Pair
	Start int64
	End   int64
	Limit int
}

// LiveClient returns exchange candles for a time range. Implementations must be safe
// for concurrent use by several pair workers.
type LiveClient interface {
	FetchKlines(ctx context.Context, req Request) ([]market.Candle, error)
}

// StatusError is an HTTP failure without a structured exchange error body.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// Binance error codes worth retrying: unknown, disconnected, too many requests,
// timeout, server busy, order rate.
var transientCodes = map[int64]struct{}{
	-1000: {},
	-1001: {},
	-1003: {},
	-1007: {},
	-1008: {},
	-1015: {},
}

// IsTransient classifies errors that a later attempt may not hit.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		// a zero code means the body was not JSON, typically a gateway error page
		if apiErr.Code == 0 {
			return true
		}
		_, ok := transientCodes[apiErr.Code]
		return ok
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= http.StatusInternalServerError ||
			statusErr.Code == http.StatusTooManyRequests ||
			statusErr.Code == http.StatusTeapot
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// BinanceConfig 配置三类市场的 REST 入口。
type BinanceConfig struct {
	SpotBaseURL     string
	FuturesBaseURL  string
	DeliveryBaseURL string
	HTTPTimeout     time.Duration
}

func (c BinanceConfig) withDefaults() BinanceConfig {
	out := c
	out.SpotBaseURL = strings.TrimRight(strings.TrimSpace(out.SpotBaseURL), "/")
	if out.SpotBaseURL == "" {
		out.SpotBaseURL = "https://api.binance.com"
	}
	out.FuturesBaseURL = strings.TrimRight(strings.TrimSpace(out.FuturesBaseURL), "/")
	if out.FuturesBaseURL == "" {
		out.FuturesBaseURL = "https://fapi.binance.com"
	}
	out.DeliveryBaseURL = strings.TrimRight(strings.TrimSpace(out.DeliveryBaseURL), "/")
	if out.DeliveryBaseURL == "" {
		out.DeliveryBaseURL = "https://dapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	return out
}

// maxKlineLimit is the largest page the kline endpoints accept (spot caps at 1000).
const maxKlineLimit = 1000

// BinanceClient 基于 go-binance SDK 拉取现货、U 本位与币本位 K 线。
type BinanceClient struct {
	spot     *binance.Client
	futures  *futures.Client
	delivery *delivery.Client
}

func NewBinanceClient(cfg BinanceConfig) *BinanceClient {
	final := cfg.withDefaults()
	httpClient := &http.Client{Timeout: final.HTTPTimeout}

	spot := binance.NewClient("", "")
	spot.BaseURL = final.SpotBaseURL
	spot.HTTPClient = httpClient

	um := futures.NewClient("", "")
	um.BaseURL = final.FuturesBaseURL
	um.HTTPClient = httpClient

	cm := delivery.NewClient("", "")
	cm.BaseURL = final.DeliveryBaseURL
	cm.HTTPClient = httpClient

	return &BinanceClient{spot: spot, futures: um, delivery: cm}
}

func (b *BinanceClient) FetchKlines(ctx context.Context, req Request) ([]market.Candle, error) {
	limit := req.Limit
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	interval := req.Pair.Timeframe.SourceInterval
	symbol := req.Pair.Symbol
	if symbol == "" || interval == "" {
		return nil, fmt.Errorf("symbol/interval is required")
	}

	switch req.Pair.Instrument {
	case market.InstrumentUM:
		kls, err := b.futures.NewKlinesService().Symbol(symbol).Interval(interval).
			StartTime(req.Start).EndTime(req.End).Limit(limit).Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]market.Candle, 0, len(kls))
		for _, kl := range kls {
			if kl == nil {
				continue
			}
			c, err := convertKline(kl.OpenTime, kl.CloseTime, kl.TradeNum,
				kl.Open, kl.High, kl.Low, kl.Close, kl.Volume,
				kl.QuoteAssetVolume, kl.TakerBuyBaseAssetVolume, kl.TakerBuyQuoteAssetVolume)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	case market.InstrumentCM:
		kls, err := b.delivery.NewKlinesService().Symbol(symbol).Interval(interval).
			StartTime(req.Start).EndTime(req.End).Limit(limit).Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]market.Candle, 0, len(kls))
		for _, kl := range kls {
			if kl == nil {
				continue
			}
			c, err := convertKline(kl.OpenTime, kl.CloseTime, kl.TradeNum,
				kl.Open, kl.High, kl.Low, kl.Close, kl.Volume,
				kl.QuoteAssetVolume, kl.TakerBuyBaseAssetVolume, kl.TakerBuyQuoteAssetVolume)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	default:
		kls, err := b.spot.NewKlinesService().Symbol(symbol).Interval(interval).
			StartTime(req.Start).EndTime(req.End).Limit(limit).Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]market.Candle, 0, len(kls))
		for _, kl := range kls {
			if kl == nil {
				continue
			}
			c, err := convertKline(kl.OpenTime, kl.CloseTime, kl.TradeNum,
				kl.Open, kl.High, kl.Low, kl.Close, kl.Volume,
				kl.QuoteAssetVolume, kl.TakerBuyBaseAssetVolume, kl.TakerBuyQuoteAssetVolume)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	}
}

func convertKline(openTime, closeTime, trades int64, open, high, low, closePx, volume, quoteVolume, takerBase, takerQuote string) (market.Candle, error) {
	var c market.Candle
	c.OpenTime = openTime
	c.Provenance = market.ProvenanceLiveBackfill
	fields := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{open, &c.Open},
		{high, &c.High},
		{low, &c.Low},
		{closePx, &c.Close},
		{volume, &c.Volume},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return market.Candle{}, fmt.Errorf("kline %d: %w", openTime, err)
		}
		*f.dst = v
	}
	ext := &market.EnhancedFields{CloseTime: closeTime, TradeCount: trades}
	var err error
	if ext.QuoteVolume, err = decimal.NewFromString(quoteVolume); err != nil {
		return market.Candle{}, fmt.Errorf("kline %d quote volume: %w", openTime, err)
	}
	if ext.TakerBuyVolume, err = decimal.NewFromString(takerBase); err != nil {
		return market.Candle{}, fmt.Errorf("kline %d taker volume: %w", openTime, err)
	}
	if ext.TakerBuyQuoteVolume, err = decimal.NewFromString(takerQuote); err != nil {
		return market.Candle{}, fmt.Errorf("kline %d taker quote volume: %w", openTime, err)
	}
	c.Enhanced = ext
	return c, nil
}
