package validate

import (
	"math"

	"klinevault/internal/market"

	talib "github.com/markcheno/go-talib"
)

// checkAnomalies flags bars whose largest excursion from the previous close exceeds
// AnomalyMultiple times the standard deviation of the preceding AnomalyWindow
// close-to-close returns. The check is advisory: it never fails a report.
func (v *Validator) checkAnomalies(candles []market.Candle) ([]Anomaly, CheckResult) {
	c := newCollector(CheckAnomaly, v.opts.MaxDiagnostics)
	c.res.Advisory = true
	window := v.opts.AnomalyWindow
	if len(candles) < window+2 {
		return nil, c.result()
	}

	closes := make([]float64, len(candles))
	for i, cdl := range candles {
		closes[i] = cdl.Close.InexactFloat64()
	}
	// returns[k] is the move from bar k to bar k+1
	returns := make([]float64, len(closes)-1)
	for k := range returns {
		if closes[k] > 0 {
			returns[k] = closes[k+1]/closes[k] - 1
		}
	}
	// stdev[k] covers returns[k-window+1 .. k]; talib leaves the warm-up entries at zero
	stdev := talib.StdDev(returns, window, 1)

	var anomalies []Anomaly
	for i := window + 1; i < len(candles); i++ {
		prevClose := closes[i-1]
		sd := stdev[i-2]
		if prevClose <= 0 || sd <= 0 || math.IsNaN(sd) {
			continue
		}
		high := candles[i].High.InexactFloat64()
		low := candles[i].Low.InexactFloat64()
		move := math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)) / prevClose
		threshold := v.opts.AnomalyMultiple * sd
		if move <= threshold {
			continue
		}
		a := Anomaly{
			OpenTime:   candles[i].OpenTime,
			Move:       move,
			Threshold:  threshold,
			Provenance: candles[i].Provenance.String(),
		}
		anomalies = append(anomalies, a)
		c.fail("%d: move %.4f%% vs threshold %.4f%% (%s)", a.OpenTime, move*100, threshold*100, a.Provenance)
	}
	return anomalies, c.result()
}
