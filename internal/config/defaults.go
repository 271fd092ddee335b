package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppStateDir        = "/data/state"
	defaultArchiveBaseURL     = "https://data.binance.vision"
	defaultArchiveCacheDir    = "/data/cache"
	defaultArchiveTimeout     = 30
	defaultArchiveRetries     = 3
	defaultArchiveRateLimit   = 600
	defaultArchivePeriodConc  = 4
	defaultLiveBatchLimit     = 1000
	defaultLiveRequestsPerMin = 1200
	defaultLiveTimeout        = 10
	defaultLiveMaxAttempts    = 5
	defaultLiveBaseDelay      = 500
	defaultLiveMaxDelay       = 30_000
	defaultLiveBreaker        = 5
	defaultLiveBreakerCool    = 60
	defaultJobsInstrument     = "spot"
	defaultJobsConcurrency    = 4
	defaultMaxDropRatio       = 0.05
	defaultAnomalyMultiple    = 8.0
	defaultAnomalyWindow      = 30
	defaultMaxDiagnostics     = 20
	defaultStorageDataDir     = "/data/klines"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Archive.applyDefaults(keys)
	c.Live.applyDefaults(keys)
	c.Jobs.applyDefaults(keys)
	c.Normalize.applyDefaults(keys)
	c.Validate.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.state_dir", &a.StateDir, defaultAppStateDir),
	)
}

func (a *ArchiveConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("archive.base_url", &a.BaseURL, defaultArchiveBaseURL),
		stringFieldDefault("archive.cache_dir", &a.CacheDir, defaultArchiveCacheDir),
		intFieldDefault("archive.timeout_seconds", &a.TimeoutSeconds, defaultArchiveTimeout),
		intFieldDefault("archive.rate_limit_per_min", &a.RateLimitPerMin, defaultArchiveRateLimit),
		intFieldDefault("archive.period_concurrency", &a.PeriodConcurrency, defaultArchivePeriodConc),
		// retries=0 is a legitimate choice, so only an absent key gets the default
		fieldDefault{
			key:   "archive.retries",
			apply: func() { a.Retries = defaultArchiveRetries },
		},
	)
}

func (l *LiveConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("live.enabled", &l.Enabled, true),
		intFieldDefault("live.batch_limit", &l.BatchLimit, defaultLiveBatchLimit),
		intFieldDefault("live.requests_per_min", &l.RequestsPerMin, defaultLiveRequestsPerMin),
		intFieldDefault("live.request_timeout_seconds", &l.RequestTimeoutSeconds, defaultLiveTimeout),
		intFieldDefault("live.max_attempts", &l.MaxAttempts, defaultLiveMaxAttempts),
		intFieldDefault("live.base_delay_ms", &l.BaseDelayMillis, defaultLiveBaseDelay),
		intFieldDefault("live.max_delay_ms", &l.MaxDelayMillis, defaultLiveMaxDelay),
		intFieldDefault("live.breaker_threshold", &l.BreakerThreshold, defaultLiveBreaker),
		intFieldDefault("live.breaker_cooldown_seconds", &l.BreakerCooldownSeconds, defaultLiveBreakerCool),
	)
}

func (j *JobsConfig) applyDefaults(keys keySet) {
	if j == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("jobs.instrument", &j.Instrument, defaultJobsInstrument),
		intFieldDefault("jobs.max_concurrent_pairs", &j.MaxConcurrentPairs, defaultJobsConcurrency),
	)
}

func (n *NormalizeConfig) applyDefaults(keys keySet) {
	if n == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "normalize.max_drop_ratio",
			need:  func() bool { return n.MaxDropRatio <= 0 },
			apply: func() { n.MaxDropRatio = defaultMaxDropRatio },
		},
	)
}

func (v *ValidateConfig) applyDefaults(keys keySet) {
	if v == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "validate.anomaly_multiple",
			need:  func() bool { return v.AnomalyMultiple <= 0 },
			apply: func() { v.AnomalyMultiple = defaultAnomalyMultiple },
		},
		intFieldDefault("validate.anomaly_window", &v.AnomalyWindow, defaultAnomalyWindow),
		intFieldDefault("validate.max_diagnostics", &v.MaxDiagnostics, defaultMaxDiagnostics),
	)
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("storage.data_dir", &s.DataDir, defaultStorageDataDir),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
