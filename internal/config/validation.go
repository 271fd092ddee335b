package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"klinevault/internal/market"
)

// ErrInvalid 标记配置本身不合法（区别于运行期失败）。
var ErrInvalid = errors.New("invalid config")

// TimeLayouts 是 jobs.start / jobs.end 接受的时间格式，均按 UTC 解释。
var TimeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"}

// validate 对配置进行基础校验。
func validate(c *Config) error {
	checks := []func() error{
		c.App.validate,
		c.Archive.validate,
		c.Live.validate,
		c.Jobs.validate,
		c.Normalize.validate,
		c.Validate.validate,
		c.Storage.validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("app.log_level unsupported: %s", a.LogLevel)
	}
	if strings.TrimSpace(a.StateDir) == "" {
		return fmt.Errorf("app.state_dir cannot be empty")
	}
	return nil
}

func (a *ArchiveConfig) validate() error {
	if !strings.HasPrefix(a.BaseURL, "http://") && !strings.HasPrefix(a.BaseURL, "https://") {
		return fmt.Errorf("archive.base_url must be an http(s) url")
	}
	if strings.TrimSpace(a.CacheDir) == "" {
		return fmt.Errorf("archive.cache_dir cannot be empty")
	}
	if a.Retries < 0 {
		return fmt.Errorf("archive.retries must be >= 0")
	}
	return nil
}

func (l *LiveConfig) validate() error {
	if !l.Enabled {
		return nil
	}
	if l.BatchLimit > 1000 {
		return fmt.Errorf("live.batch_limit must be <= 1000")
	}
	if l.MaxDelayMillis < l.BaseDelayMillis {
		return fmt.Errorf("live.max_delay_ms must be >= live.base_delay_ms")
	}
	return nil
}

func (j *JobsConfig) validate() error {
	if _, err := market.ParseInstrument(j.Instrument); err != nil {
		return fmt.Errorf("jobs.instrument: %w", err)
	}
	if len(j.Symbols) == 0 {
		return fmt.Errorf("jobs.symbols requires at least one symbol")
	}
	for _, sym := range j.Symbols {
		if _, err := market.NormalizeSymbol(sym); err != nil {
			return fmt.Errorf("jobs.symbols: %w", err)
		}
	}
	if len(j.Timeframes) == 0 {
		return fmt.Errorf("jobs.timeframes requires at least one timeframe")
	}
	for _, tf := range j.Timeframes {
		if _, err := market.ParseTimeframe(tf); err != nil {
			return fmt.Errorf("jobs.timeframes: %w", err)
		}
	}
	start, err := ParseTime(j.Start)
	if err != nil {
		return fmt.Errorf("jobs.start: %w", err)
	}
	if strings.TrimSpace(j.End) != "" {
		end, err := ParseTime(j.End)
		if err != nil {
			return fmt.Errorf("jobs.end: %w", err)
		}
		if !end.After(start) {
			return fmt.Errorf("jobs.end must be after jobs.start")
		}
	}
	return nil
}

func (n *NormalizeConfig) validate() error {
	if n.MaxDropRatio >= 1 {
		return fmt.Errorf("normalize.max_drop_ratio must be < 1")
	}
	return nil
}

func (v *ValidateConfig) validate() error {
	if v.AnomalyWindow < 2 {
		return fmt.Errorf("validate.anomaly_window must be >= 2")
	}
	return nil
}

func (s *StorageConfig) validate() error {
	if strings.TrimSpace(s.DataDir) == "" {
		return fmt.Errorf("storage.data_dir cannot be empty")
	}
	return nil
}

// ParseTime 解析任务区间时间，无时区信息时按 UTC。
func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("time cannot be empty")
	}
	for _, layout := range TimeLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", raw)
}
