package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timeframe 描述周期信息（内部 duration + 数据源 interval）
type Timeframe struct {
	Key            string
	Duration       time.Duration
	SourceInterval string
}

// 1M 按自然月变化，步长不固定，无法保证等距，因此不支持。
var supportedTimeframes = map[string]Timeframe{
	"1s":  {Key: "1s", Duration: time.Second, SourceInterval: "1s"},
	"1m":  {Key: "1m", Duration: time.Minute, SourceInterval: "1m"},
	"3m":  {Key: "3m", Duration: 3 * time.Minute, SourceInterval: "3m"},
	"5m":  {Key: "5m", Duration: 5 * time.Minute, SourceInterval: "5m"},
	"15m": {Key: "15m", Duration: 15 * time.Minute, SourceInterval: "15m"},
	"30m": {Key: "30m", Duration: 30 * time.Minute, SourceInterval: "30m"},
	"1h":  {Key: "1h", Duration: time.Hour, SourceInterval: "1h"},
	"2h":  {Key: "2h", Duration: 2 * time.Hour, SourceInterval: "2h"},
	"4h":  {Key: "4h", Duration: 4 * time.Hour, SourceInterval: "4h"},
	"6h":  {Key: "6h", Duration: 6 * time.Hour, SourceInterval: "6h"},
	"8h":  {Key: "8h", Duration: 8 * time.Hour, SourceInterval: "8h"},
	"12h": {Key: "12h", Duration: 12 * time.Hour, SourceInterval: "12h"},
	"1d":  {Key: "1d", Duration: 24 * time.Hour, SourceInterval: "1d"},
	"3d":  {Key: "3d", Duration: 72 * time.Hour, SourceInterval: "3d"},
	"1w":  {Key: "1w", Duration: 7 * 24 * time.Hour, SourceInterval: "1w"},
}

// ParseTimeframe 返回标准化周期定义。
func ParseTimeframe(input string) (Timeframe, error) {
	key := strings.TrimSpace(input)
	if key != "1M" {
		key = strings.ToLower(key)
	}
	tf, ok := supportedTimeframes[key]
	if !ok {
		return Timeframe{}, fmt.Errorf("unsupported timeframe: %q", input)
	}
	return tf, nil
}

// MustTimeframe is ParseTimeframe for compile-time constants in tests and defaults.
func MustTimeframe(input string) Timeframe {
	tf, err := ParseTimeframe(input)
	if err != nil {
		panic(err)
	}
	return tf
}

// SupportedTimeframes 返回所有支持的 key（按周期长度排序）。
func SupportedTimeframes() []string {
	keys := make([]string, 0, len(supportedTimeframes))
	for k := range supportedTimeframes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return supportedTimeframes[keys[i]].Duration < supportedTimeframes[keys[j]].Duration
	})
	return keys
}

func (tf Timeframe) String() string { return tf.Key }

// StepMillis is the bar spacing in epoch milliseconds.
func (tf Timeframe) StepMillis() int64 {
	return tf.Duration.Milliseconds()
}

// weekOrigin 是 1970-01-05（周一）00:00 UTC；Binance 周线从周一开盘，而 epoch 是周四。
const (
	weekMillis = int64(7 * 24 * time.Hour / time.Millisecond)
	weekOrigin = int64(4 * 24 * time.Hour / time.Millisecond)
)

// GridOrigin returns the open time every bar of the given step is a whole number of steps
// away from. Weekly bars hang off Monday; all other supported steps divide the epoch.
func GridOrigin(step int64) int64 {
	if step == weekMillis {
		return weekOrigin
	}
	return 0
}

// AlignDown 将毫秒时间向下对齐到周期网格。
func AlignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	origin := GridOrigin(step)
	rem := (ts - origin) % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// OnGrid reports whether ts is a bar open time for the step.
func OnGrid(ts, step int64) bool {
	return step > 0 && AlignDown(ts, step) == ts
}

// AlignUp 将毫秒时间向上对齐到周期网格。
func AlignUp(ts, step int64) int64 {
	down := AlignDown(ts, step)
	if down == ts {
		return ts
	}
	return down + step
}

// AlignRange 将 [start,end) 对齐到周期网格：start 向下、end 向上，保证 start<=end。
func (tf Timeframe) AlignRange(start, end int64) (int64, int64) {
	step := tf.StepMillis()
	if end < start {
		start, end = end, start
	}
	alStart := AlignDown(start, step)
	alEnd := AlignUp(end, step)
	if alEnd < alStart {
		alEnd = alStart
	}
	return alStart, alEnd
}

// ExpectedCandles 计算 [start,end) 区间应存在的 K 线数量。
func (tf Timeframe) ExpectedCandles(start, end int64) int64 {
	if end <= start {
		return 0
	}
	step := tf.StepMillis()
	if step == 0 {
		return 0
	}
	return (end - start) / step
}
