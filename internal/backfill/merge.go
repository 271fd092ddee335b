package backfill

import "klinevault/internal/market"

// Merge combines base and extra into one sequence ordered by open time with a single
// record per timestamp. Archive records win over live-backfill ones; between records
// of the same provenance the earlier one (base before extra) is kept. Merging a merged
// sequence with itself returns it unchanged. The second return value counts the
// records discarded as duplicates.
func Merge(base, extra []market.Candle) ([]market.Candle, int) {
	all := make([]market.Candle, 0, len(base)+len(extra))
	all = append(all, base...)
	all = append(all, extra...)
	market.SortStable(all)

	out := all[:0]
	dropped := 0
	for _, c := range all {
		n := len(out)
		if n == 0 || out[n-1].OpenTime != c.OpenTime {
			out = append(out, c)
			continue
		}
		dropped++
		if out[n-1].Provenance != market.ProvenanceArchive && c.Provenance == market.ProvenanceArchive {
			out[n-1] = c
		}
	}
	return out, dropped
}

// Dedupe is Merge of a single sequence.
func Dedupe(candles []market.Candle) ([]market.Candle, int) {
	return Merge(candles, nil)
}
