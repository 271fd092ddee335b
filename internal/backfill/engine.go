// Package backfill patches gaps in archive data with authentic candles from the live API.
package backfill

import (
	"context"
	"errors"
	"time"

	"klinevault/internal/gaps"
	"klinevault/internal/logger"
	"klinevault/internal/market"
	"klinevault/internal/pkg/circuit"

	"golang.org/x/time/rate"
)

// Config 控制补数请求的批量、限速与重试。
type Config struct {
	BatchLimit     int
	RequestsPerMin int
	Burst          int
	RequestTimeout time.Duration
	Retry          Policy
}

func (c Config) withDefaults() Config {
	if c.BatchLimit <= 0 || c.BatchLimit > maxKlineLimit {
		c.BatchLimit = maxKlineLimit
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	c.Retry = c.Retry.normalized()
	return c
}

// Outcome 汇总一次 Fill：请求数、补齐数量、重试耗尽的区间以及复扫后的剩余缺口。
type Outcome struct {
	Requested  int64
	Filled     int64
	Requests   int
	Attempts   int
	Duplicates int
	// Exhausted are request chunks that failed for good (retries spent or a permanent error).
	Exhausted []gaps.Gap
	// Remaining is the re-scan of the merged series; non-empty means reduced coverage.
	Remaining []gaps.Gap
	// Err is set only when the context ended before every gap was attempted.
	Err error
}

// Complete reports whether the re-scan found nothing missing.
func (o Outcome) Complete() bool {
	return len(o.Remaining) == 0 && o.Err == nil
}

// Engine 将缺口转换为实时 API 请求并合并结果。可被多个 worker 共享：限速器与熔断器是全局的。
type Engine struct {
	client  LiveClient
	cfg     Config
	limiter *rate.Limiter
	breaker *circuit.CircuitBreaker
}

// NewEngine builds an engine. breaker may be nil.
func NewEngine(client LiveClient, cfg Config, breaker *circuit.CircuitBreaker) *Engine {
	final := cfg.withDefaults()
	limit := rate.Inf
	if final.RequestsPerMin > 0 {
		limit = rate.Limit(float64(final.RequestsPerMin) / 60.0)
	}
	return &Engine{
		client:  client,
		cfg:     final,
		limiter: rate.NewLimiter(limit, final.Burst),
		breaker: breaker,
	}
}

// Fill requests every gap slot from the live API, merges what comes back into series and
// re-scans [rangeStart, rangeEnd) once. Exhausted retries and empty answers are not
// errors: they stay in Outcome.Remaining as reduced coverage.
func (e *Engine) Fill(ctx context.Context, series market.Series, gapList []gaps.Gap, rangeStart, rangeEnd int64) (market.Series, Outcome) {
	var out Outcome
	step := series.Pair.Timeframe.StepMillis()
	merged := series.Clone()
	if step <= 0 {
		out.Remaining = append(out.Remaining, gapList...)
		return merged, out
	}

	var fetched []market.Candle
	for _, gap := range gapList {
		for _, chunk := range splitGap(gap, step, int64(e.cfg.BatchLimit)) {
			if err := ctx.Err(); err != nil {
				out.Err = err
				break
			}
			out.Requested += chunk.Count
			res := e.fetchChunk(ctx, series.Pair, chunk)
			out.Requests++
			out.Attempts += res.Attempts
			if !res.OK() {
				if ctx.Err() != nil {
					out.Err = ctx.Err()
					break
				}
				out.Exhausted = append(out.Exhausted, chunk)
				logger.Warnf("[backfill] %s %s gave up after %d attempts: %v", series.Pair, chunk, res.Attempts, res.Err)
				continue
			}
			kept := keepSlots(res.Value, chunk, step)
			if len(kept) < int(chunk.Count) {
				logger.Infof("[backfill] %s %s live API returned %d/%d bars", series.Pair, chunk, len(kept), chunk.Count)
			}
			fetched = append(fetched, kept...)
		}
		if out.Err != nil {
			break
		}
	}

	if len(fetched) > 0 {
		var dropped int
		merged.Candles, dropped = Merge(merged.Candles, fetched)
		out.Duplicates = dropped
		switch merged.Layout {
		case market.LayoutUnknown:
			merged.Layout = market.LayoutEnhanced
		case market.LayoutLegacy:
			// a legacy series carries OHLCV only, live bars included
			for i := range merged.Candles {
				merged.Candles[i].Enhanced = nil
			}
		}
	}
	counts := merged.CountByProvenance()
	out.Filled = int64(counts[market.ProvenanceLiveBackfill] - series.CountByProvenance()[market.ProvenanceLiveBackfill])

	rescan := gaps.Scan(merged.Candles, step, rangeStart, rangeEnd)
	out.Remaining = rescan.Gaps
	if len(out.Remaining) > 0 {
		logger.Warnf("[backfill] %s %d bars still missing in %d ranges", series.Pair, rescan.Missing(), len(out.Remaining))
	}
	return merged, out
}

func (e *Engine) fetchChunk(ctx context.Context, pair market.Pair, chunk gaps.Gap) Result[[]market.Candle] {
	req := Request{Pair: pair, Start: chunk.From, End: chunk.To, Limit: int(chunk.Count)}
	return Do(ctx, e.cfg.Retry, e.retryable(ctx), func(ctx context.Context) ([]market.Candle, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var got []market.Candle
		call := func() error {
			reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
			defer cancel()
			var err error
			got, err = e.client.FetchKlines(reqCtx, req)
			return err
		}
		if e.breaker == nil {
			return got, call()
		}
		err := e.breaker.Guard(call, func(error) bool { return ctx.Err() == nil })
		return got, err
	})
}

func (e *Engine) retryable(ctx context.Context) func(error) bool {
	return func(err error) bool {
		if ctx.Err() != nil || errors.Is(err, circuit.ErrOpen) {
			return false
		}
		return IsTransient(err)
	}
}

// splitGap cuts a gap into consecutive chunks of at most limit bars.
func splitGap(g gaps.Gap, step, limit int64) []gaps.Gap {
	if limit <= 0 {
		limit = maxKlineLimit
	}
	var out []gaps.Gap
	for from := g.From; from <= g.To; {
		to := from + (limit-1)*step
		if to > g.To {
			to = g.To
		}
		out = append(out, gaps.Gap{From: from, To: to, Count: (to-from)/step + 1})
		from = to + step
	}
	return out
}

// keepSlots returns only candles that land on a slot of chunk, tagged live-backfill.
func keepSlots(candles []market.Candle, chunk gaps.Gap, step int64) []market.Candle {
	out := make([]market.Candle, 0, len(candles))
	for _, c := range candles {
		if c.OpenTime < chunk.From || c.OpenTime > chunk.To || (c.OpenTime-chunk.From)%step != 0 {
			continue
		}
		c.Provenance = market.ProvenanceLiveBackfill
		out = append(out, c)
	}
	return out
}
