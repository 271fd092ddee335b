package orchestrator

import (
	"fmt"
	"time"

	"klinevault/internal/market"
)

// Job 描述一次批量任务：某个合约类型下 symbol × timeframe 的笛卡尔积。
type Job struct {
	Instrument market.Instrument
	Symbols    []string
	Timeframes []market.Timeframe
	Start      time.Time
	End        time.Time
}

// Pairs expands the job symbol-major: every timeframe of the first symbol, then the next.
func (j Job) Pairs() []market.Pair {
	out := make([]market.Pair, 0, len(j.Symbols)*len(j.Timeframes))
	for _, sym := range j.Symbols {
		for _, tf := range j.Timeframes {
			out = append(out, market.Pair{Instrument: j.Instrument, Symbol: sym, Timeframe: tf})
		}
	}
	return out
}

// Range returns the grid-aligned [start, end) for tf. The end is capped at now so only
// closed bars are expected.
func (j Job) Range(tf market.Timeframe, now time.Time) (int64, int64, error) {
	step := tf.StepMillis()
	if step <= 0 {
		return 0, 0, fmt.Errorf("timeframe %s has no fixed step", tf)
	}
	end := j.End
	if now.Before(end) {
		end = now
	}
	start := market.AlignDown(j.Start.UnixMilli(), step)
	stop := market.AlignDown(end.UnixMilli(), step)
	if stop <= start {
		return start, start, fmt.Errorf("empty range %s..%s for %s", j.Start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339), tf)
	}
	return start, stop, nil
}
