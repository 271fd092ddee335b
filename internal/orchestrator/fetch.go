package orchestrator

import (
	"context"
	"time"

	"klinevault/internal/archive"
	"klinevault/internal/backfill"
	"klinevault/internal/logger"
	"klinevault/internal/market"

	"golang.org/x/sync/errgroup"
)

type periodResult struct {
	candles []market.Candle
	layout  market.Layout
}

// fetch downloads and decodes every archive month covering [rangeStart, rangeEnd). Absent
// or malformed periods contribute nothing and surface as gaps; only cancellation is an error.
func (o *Orchestrator) fetch(ctx context.Context, pair market.Pair, rangeStart, rangeEnd int64) (market.Series, error) {
	periods := archive.MonthsCovering(time.UnixMilli(rangeStart).UTC(), time.UnixMilli(rangeEnd).UTC())
	results := make([]periodResult, len(periods))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(o.opts.PeriodConcurrency)
	for i, period := range periods {
		i, period := i, period
		group.Go(func() error {
			res, err := o.deps.Archive.FetchPeriod(gctx, archive.Request{
				Instrument: pair.Instrument,
				Symbol:     pair.Symbol,
				Interval:   pair.Timeframe.SourceInterval,
				Period:     period,
			})
			if err != nil {
				return err
			}
			if len(res.Missing) > 0 {
				logger.Infof("[orchestrator] %s %s: %d archive files absent", pair, period, len(res.Missing))
			}
			decoded, err := o.deps.Normalizer.Normalize(res.Payload)
			if err != nil {
				logger.Warnf("[orchestrator] %s %s discarded: %v", pair, period, err)
				return nil
			}
			results[i] = periodResult{candles: decoded.Candles, layout: decoded.Layout}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return market.Series{}, err
	}

	series := market.Series{Pair: pair}
	for _, r := range results {
		if len(r.candles) == 0 {
			continue
		}
		series.Layout = series.Layout.Weaker(r.layout)
		series.Candles = append(series.Candles, r.candles...)
	}
	if series.Layout == market.LayoutLegacy {
		// one legacy period downgrades the whole series; enhanced fields would be ragged
		for i := range series.Candles {
			series.Candles[i].Enhanced = nil
		}
	}
	series.Candles = market.Trim(series.Candles, rangeStart, rangeEnd)
	var dups int
	series.Candles, dups = backfill.Dedupe(series.Candles)
	if dups > 0 {
		logger.Warnf("[orchestrator] %s: %d duplicate archive bars dropped", pair, dups)
	}
	return series, nil
}
