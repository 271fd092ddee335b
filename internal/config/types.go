package config

import "strings"

// Config 是 klinevault 的主配置载体。
type Config struct {
	App       AppConfig       `toml:"app"`
	Archive   ArchiveConfig   `toml:"archive"`
	Live      LiveConfig      `toml:"live"`
	Jobs      JobsConfig      `toml:"jobs"`
	Normalize NormalizeConfig `toml:"normalize"`
	Validate  ValidateConfig  `toml:"validate"`
	Storage   StorageConfig   `toml:"storage"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
	HTTPAddr string `toml:"http_addr"` // 为空时不启动状态服务
	StateDir string `toml:"state_dir"` // checkpoint 与 summary 所在目录
}

// ArchiveConfig 描述 data.binance.vision 的访问方式。
type ArchiveConfig struct {
	BaseURL            string `toml:"base_url"`
	CacheDir           string `toml:"cache_dir"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	Retries            int    `toml:"retries"`
	RateLimitPerMin    int    `toml:"rate_limit_per_min"`
	PeriodConcurrency  int    `toml:"period_concurrency"`
	VerifyChecksum     bool   `toml:"verify_checksum"`
	TrustClosedPeriods bool   `toml:"trust_closed_periods"`
}

// LiveConfig 控制实时 REST 补数。
type LiveConfig struct {
	Enabled                bool   `toml:"enabled"`
	SpotBaseURL            string `toml:"spot_base_url"`
	FuturesBaseURL         string `toml:"futures_base_url"`
	DeliveryBaseURL        string `toml:"delivery_base_url"`
	BatchLimit             int    `toml:"batch_limit"`
	RequestsPerMin         int    `toml:"requests_per_min"`
	RequestTimeoutSeconds  int    `toml:"request_timeout_seconds"`
	MaxAttempts            int    `toml:"max_attempts"`
	BaseDelayMillis        int    `toml:"base_delay_ms"`
	MaxDelayMillis         int    `toml:"max_delay_ms"`
	BreakerThreshold       int    `toml:"breaker_threshold"`
	BreakerCooldownSeconds int    `toml:"breaker_cooldown_seconds"`
}

// JobsConfig 定义批量任务：instrument 下 symbols × timeframes，区间 [start, end)。
type JobsConfig struct {
	Instrument         string   `toml:"instrument"`
	Symbols            []string `toml:"symbols"`
	Timeframes         []string `toml:"timeframes"`
	Start              string   `toml:"start"`
	End                string   `toml:"end"`
	MaxConcurrentPairs int      `toml:"max_concurrent_pairs"`
}

type NormalizeConfig struct {
	MaxDropRatio float64 `toml:"max_drop_ratio"`
}

type ValidateConfig struct {
	AnomalyMultiple float64 `toml:"anomaly_multiple"`
	AnomalyWindow   int     `toml:"anomaly_window"`
	MaxDiagnostics  int     `toml:"max_diagnostics"`
}

// StorageConfig 描述落盘位置与下游 SQLite 入库。
type StorageConfig struct {
	DataDir        string `toml:"data_dir"`
	SQLitePath     string `toml:"sqlite_path"` // 为空时不入库
	PersistPartial bool   `toml:"persist_partial"`
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
