// Package validate runs the integrity checks a series must pass before it is persisted.
package validate

import (
	"fmt"

	"klinevault/internal/market"

	"github.com/shopspring/decimal"
)

// Check names as they appear in reports.
const (
	CheckStructural = "structural"
	CheckTemporal   = "temporal"
	CheckOHLCV      = "ohlcv"
	CheckCoverage   = "coverage"
	CheckAnomaly    = "anomaly"
)

const (
	DefaultAnomalyMultiple = 8.0
	DefaultAnomalyWindow   = 30
	DefaultMaxDiagnostics  = 20
)

// Options 配置异常检测与诊断输出上限。
type Options struct {
	AnomalyMultiple float64
	AnomalyWindow   int
	MaxDiagnostics  int
}

// CheckResult is one check's verdict. Advisory checks never affect Report.Passed.
type CheckResult struct {
	Name        string   `json:"name" yaml:"name"`
	Passed      bool     `json:"passed" yaml:"passed"`
	Advisory    bool     `json:"advisory,omitempty" yaml:"advisory,omitempty"`
	Violations  int      `json:"violations" yaml:"violations"`
	Diagnostics []string `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
	// GapBreaks counts temporal violations that are holes on an otherwise regular grid.
	GapBreaks int `json:"gap_breaks,omitempty" yaml:"gap_breaks,omitempty"`
}

// Coverage 记录实际/期望 K 线数量。
type Coverage struct {
	Expected int64   `json:"expected" yaml:"expected"`
	Actual   int64   `json:"actual" yaml:"actual"`
	Missing  int64   `json:"missing" yaml:"missing"`
	Ratio    float64 `json:"ratio" yaml:"ratio"`
}

// Anomaly is a bar whose move from the previous close is far outside recent volatility.
type Anomaly struct {
	OpenTime   int64   `json:"open_time" yaml:"open_time"`
	Move       float64 `json:"move" yaml:"move"`
	Threshold  float64 `json:"threshold" yaml:"threshold"`
	Provenance string  `json:"provenance" yaml:"provenance"`
}

// Report 是单个序列的校验结果。
type Report struct {
	Pair       string         `json:"pair" yaml:"pair"`
	Layout     string         `json:"layout" yaml:"layout"`
	Passed     bool           `json:"passed" yaml:"passed"`
	Checks     []CheckResult  `json:"checks" yaml:"checks"`
	Coverage   Coverage       `json:"coverage" yaml:"coverage"`
	Anomalies  []Anomaly      `json:"anomalies,omitempty" yaml:"anomalies,omitempty"`
	Provenance map[string]int `json:"provenance" yaml:"provenance"`
}

// Check returns the named check result.
func (r Report) Check(name string) (CheckResult, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

// Failed lists the names of failing hard checks.
func (r Report) Failed() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed && !c.Advisory {
			out = append(out, c.Name)
		}
	}
	return out
}

// Partial reports a series whose records are sound but incomplete: only coverage (and the
// spacing breaks the holes cause) fail, and at least one bar is present.
func (r Report) Partial() bool {
	if r.Passed || r.Coverage.Actual == 0 {
		return false
	}
	for _, name := range r.Failed() {
		if name != CheckCoverage && name != CheckTemporal {
			return false
		}
	}
	if c, ok := r.Check(CheckTemporal); ok && c.Violations != c.GapBreaks {
		return false
	}
	return true
}

// Validator 对序列执行五项相互独立的检查。
type Validator struct {
	opts Options
}

func New(opts Options) *Validator {
	if opts.AnomalyMultiple <= 0 {
		opts.AnomalyMultiple = DefaultAnomalyMultiple
	}
	if opts.AnomalyWindow < 2 {
		opts.AnomalyWindow = DefaultAnomalyWindow
	}
	if opts.MaxDiagnostics <= 0 {
		opts.MaxDiagnostics = DefaultMaxDiagnostics
	}
	return &Validator{opts: opts}
}

// Validate checks series over [rangeStart, rangeEnd). Overall pass requires every hard
// check to pass; the anomaly check is advisory.
func (v *Validator) Validate(series market.Series, rangeStart, rangeEnd int64) Report {
	step := series.Pair.Timeframe.StepMillis()
	rep := Report{
		Pair:       series.Pair.Key(),
		Layout:     series.Layout.String(),
		Provenance: map[string]int{},
	}
	for prov, n := range series.CountByProvenance() {
		rep.Provenance[prov.String()] = n
	}

	coverage, covCheck := v.checkCoverage(series.Candles, series.Pair.Timeframe, rangeStart, rangeEnd)
	anomalies, anomalyCheck := v.checkAnomalies(series.Candles)
	rep.Coverage = coverage
	rep.Anomalies = anomalies
	rep.Checks = []CheckResult{
		v.checkStructural(series),
		v.checkTemporal(series.Candles, step, rangeStart),
		v.checkOHLCV(series.Candles),
		covCheck,
		anomalyCheck,
	}
	rep.Passed = len(rep.Failed()) == 0
	return rep
}

type collector struct {
	res   CheckResult
	limit int
}

func newCollector(name string, limit int) *collector {
	return &collector{res: CheckResult{Name: name, Passed: true}, limit: limit}
}

func (c *collector) fail(format string, args ...any) {
	c.res.Passed = false
	c.res.Violations++
	if len(c.res.Diagnostics) < c.limit {
		c.res.Diagnostics = append(c.res.Diagnostics, fmt.Sprintf(format, args...))
	}
}

func (c *collector) result() CheckResult {
	if hidden := c.res.Violations - len(c.res.Diagnostics); hidden > 0 {
		c.res.Diagnostics = append(c.res.Diagnostics, fmt.Sprintf("... and %d more", hidden))
	}
	return c.res
}

func (v *Validator) checkStructural(series market.Series) CheckResult {
	c := newCollector(CheckStructural, v.opts.MaxDiagnostics)
	if len(series.Candles) > 0 && series.Layout == market.LayoutUnknown {
		c.fail("series layout unknown")
	}
	for _, cdl := range series.Candles {
		if cdl.OpenTime <= 0 {
			c.fail("%d: open time missing", cdl.OpenTime)
		}
		if !cdl.Provenance.Valid() {
			c.fail("%d: unknown provenance %d", cdl.OpenTime, cdl.Provenance)
		}
		if series.Layout == market.LayoutEnhanced && cdl.Enhanced == nil {
			c.fail("%d: enhanced fields missing", cdl.OpenTime)
		}
		if ext := cdl.Enhanced; ext != nil {
			if ext.CloseTime <= cdl.OpenTime {
				c.fail("%d: close time %d not after open time", cdl.OpenTime, ext.CloseTime)
			}
			if ext.TradeCount < 0 {
				c.fail("%d: negative trade count %d", cdl.OpenTime, ext.TradeCount)
			}
		}
	}
	return c.result()
}

func (v *Validator) checkTemporal(candles []market.Candle, step, rangeStart int64) CheckResult {
	c := newCollector(CheckTemporal, v.opts.MaxDiagnostics)
	if step <= 0 {
		c.fail("invalid step %d", step)
		return c.result()
	}
	origin := market.AlignDown(rangeStart, step)
	for i, cdl := range candles {
		if (cdl.OpenTime-origin)%step != 0 {
			c.fail("%d: off the %dms grid", cdl.OpenTime, step)
		}
		if i == 0 {
			continue
		}
		prev := candles[i-1].OpenTime
		switch diff := cdl.OpenTime - prev; {
		case diff == 0:
			c.fail("%d: duplicate open time", cdl.OpenTime)
		case diff < 0:
			c.fail("%d: not increasing after %d", cdl.OpenTime, prev)
		case diff != step && diff%step == 0:
			c.res.GapBreaks++
			c.fail("gap after %d: %d bars missing", prev, diff/step-1)
		case diff != step:
			c.fail("%d: spacing %dms after %d", cdl.OpenTime, diff, prev)
		}
	}
	return c.result()
}

func (v *Validator) checkOHLCV(candles []market.Candle) CheckResult {
	c := newCollector(CheckOHLCV, v.opts.MaxDiagnostics)
	for _, cdl := range candles {
		if cdl.Open.IsZero() && cdl.High.IsZero() && cdl.Low.IsZero() && cdl.Close.IsZero() {
			c.fail("%d: all-zero placeholder bar", cdl.OpenTime)
			continue
		}
		if !cdl.Open.IsPositive() || !cdl.High.IsPositive() || !cdl.Low.IsPositive() || !cdl.Close.IsPositive() {
			c.fail("%d: non-positive price", cdl.OpenTime)
		}
		top := decimal.Max(cdl.Open, cdl.Close)
		bottom := decimal.Min(cdl.Open, cdl.Close)
		if cdl.High.LessThan(top) {
			c.fail("%d: high %s below max(open,close) %s", cdl.OpenTime, cdl.High, top)
		}
		if cdl.Low.GreaterThan(bottom) {
			c.fail("%d: low %s above min(open,close) %s", cdl.OpenTime, cdl.Low, bottom)
		}
		if cdl.Volume.IsNegative() {
			c.fail("%d: negative volume %s", cdl.OpenTime, cdl.Volume)
		}
		if ext := cdl.Enhanced; ext != nil {
			if ext.QuoteVolume.IsNegative() || ext.TakerBuyVolume.IsNegative() || ext.TakerBuyQuoteVolume.IsNegative() {
				c.fail("%d: negative enhanced volume", cdl.OpenTime)
			}
		}
	}
	return c.result()
}

func (v *Validator) checkCoverage(candles []market.Candle, tf market.Timeframe, rangeStart, rangeEnd int64) (Coverage, CheckResult) {
	c := newCollector(CheckCoverage, v.opts.MaxDiagnostics)
	step := tf.StepMillis()
	cov := Coverage{Expected: tf.ExpectedCandles(rangeStart, rangeEnd)}

	seen := make(map[int64]struct{}, len(candles))
	for _, cdl := range candles {
		if step <= 0 || cdl.OpenTime < rangeStart || cdl.OpenTime >= rangeEnd || (cdl.OpenTime-rangeStart)%step != 0 {
			continue
		}
		seen[cdl.OpenTime] = struct{}{}
	}
	cov.Actual = int64(len(seen))
	cov.Missing = cov.Expected - cov.Actual
	if cov.Expected > 0 {
		cov.Ratio = float64(cov.Actual) / float64(cov.Expected)
	} else {
		cov.Ratio = 1
	}
	if cov.Actual != cov.Expected {
		c.fail("coverage %.4f: %d of %d bars present, %d missing", cov.Ratio, cov.Actual, cov.Expected, cov.Missing)
	}
	return cov, c.result()
}
