// Package gaps finds missing bars in an ordered candle sequence.
package gaps

import (
	"fmt"

	"klinevault/internal/market"
)

// Gap 是一段连续缺失的 K 线，From/To 均为缺失槽位的开盘时间（闭区间）。
type Gap struct {
	From  int64 `json:"from" yaml:"from"`
	To    int64 `json:"to" yaml:"to"`
	Count int64 `json:"count" yaml:"count"`
}

func (g Gap) String() string {
	return fmt.Sprintf("[%d,%d]x%d", g.From, g.To, g.Count)
}

// Result 汇总一次扫描。
type Result struct {
	Gaps []Gap
	// Duplicates lists open times that occur more than once (each reported once).
	Duplicates []int64
	// Misaligned lists open times off the step grid or outside the range.
	Misaligned []int64
	Expected   int64
	Present    int64
}

// Missing is the total number of missing bars.
func (r Result) Missing() int64 { return Total(r.Gaps) }

// Complete reports a gap-free, duplicate-free scan.
func (r Result) Complete() bool {
	return len(r.Gaps) == 0 && len(r.Duplicates) == 0
}

// Scan walks candles (sorted by open time) against the grid rangeStart, rangeStart+step, …
// below rangeEnd and returns the missing slots coalesced into ranges, including any
// missing prefix and suffix. rangeStart is aligned down to the step grid first.
func Scan(candles []market.Candle, step, rangeStart, rangeEnd int64) Result {
	var res Result
	if step <= 0 || rangeEnd <= rangeStart {
		return res
	}
	start := market.AlignDown(rangeStart, step)
	res.Expected = (rangeEnd - start + step - 1) / step

	cursor := start // next expected slot
	var prev int64
	havePrev := false
	for _, c := range candles {
		ts := c.OpenTime
		if havePrev && ts == prev {
			if n := len(res.Duplicates); n == 0 || res.Duplicates[n-1] != ts {
				res.Duplicates = append(res.Duplicates, ts)
			}
			continue
		}
		if ts < start || ts >= rangeEnd || (ts-start)%step != 0 {
			res.Misaligned = append(res.Misaligned, ts)
			continue
		}
		if havePrev && ts < prev {
			// unsorted input; the slot was either already counted or already a gap
			continue
		}
		if ts > cursor {
			res.Gaps = appendGap(res.Gaps, cursor, ts-step, step)
		}
		res.Present++
		cursor = ts + step
		prev = ts
		havePrev = true
	}
	if cursor < rangeEnd {
		last := start + (res.Expected-1)*step
		res.Gaps = appendGap(res.Gaps, cursor, last, step)
	}
	return res
}

func appendGap(gaps []Gap, from, to, step int64) []Gap {
	if to < from {
		return gaps
	}
	count := (to-from)/step + 1
	if n := len(gaps); n > 0 && gaps[n-1].To+step == from {
		gaps[n-1].To = to
		gaps[n-1].Count += count
		return gaps
	}
	return append(gaps, Gap{From: from, To: to, Count: count})
}

// Slots expands a gap into the open times it covers.
func (g Gap) Slots(step int64) []int64 {
	if step <= 0 || g.To < g.From {
		return nil
	}
	out := make([]int64, 0, g.Count)
	for ts := g.From; ts <= g.To; ts += step {
		out = append(out, ts)
	}
	return out
}

// Total sums the missing bars over gaps.
func Total(gaps []Gap) int64 {
	var n int64
	for _, g := range gaps {
		n += g.Count
	}
	return n
}
