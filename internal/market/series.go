package market

import "sort"

// Series 是某个 Pair 的有序 K 线序列，只归处理该 Pair 的 worker 所有。
type Series struct {
	Pair    Pair
	Layout  Layout
	Candles []Candle
}

func (s Series) Len() int { return len(s.Candles) }

// OpenTimes returns the open time of every record in order.
func (s Series) OpenTimes() []int64 {
	out := make([]int64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.OpenTime
	}
	return out
}

// Clone returns a deep-enough copy: the candle slice is copied, decimals are immutable.
func (s Series) Clone() Series {
	out := s
	out.Candles = make([]Candle, len(s.Candles))
	copy(out.Candles, s.Candles)
	return out
}

// SortStable orders candles by open time, keeping input order for equal timestamps.
func SortStable(candles []Candle) {
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].OpenTime < candles[j].OpenTime
	})
}

// Trim keeps only candles with start <= OpenTime < end.
func Trim(candles []Candle, start, end int64) []Candle {
	out := candles[:0:0]
	for _, c := range candles {
		if c.OpenTime >= start && c.OpenTime < end {
			out = append(out, c)
		}
	}
	return out
}

// CountByProvenance tallies how many records came from each source.
func (s Series) CountByProvenance() map[Provenance]int {
	out := make(map[Provenance]int, 2)
	for _, c := range s.Candles {
		out[c.Provenance]++
	}
	return out
}
