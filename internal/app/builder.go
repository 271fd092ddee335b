package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"klinevault/internal/archive"
	"klinevault/internal/backfill"
	"klinevault/internal/checkpoint"
	"klinevault/internal/config"
	"klinevault/internal/logger"
	"klinevault/internal/market"
	"klinevault/internal/normalize"
	"klinevault/internal/orchestrator"
	"klinevault/internal/persist"
	"klinevault/internal/pkg/circuit"
	"klinevault/internal/store"
	statushttp "klinevault/internal/transport/http/status"
	"klinevault/internal/validate"
)

type AppBuilder struct {
	cfg *config.Config
	now func() time.Time

	sinkFn       func(config.StorageConfig) (store.Sink, error)
	liveFn       func(config.LiveConfig) (backfill.LiveClient, error)
	statusFn     func(statushttp.ServerConfig) (*statushttp.Server, error)
	sinkOverride store.Sink
}

type AppBuilderOption func(*AppBuilder)

// WithClock fixes the wall clock; the job window and closed-bar cap derive from it.
func WithClock(now func() time.Time) AppBuilderOption {
	return func(b *AppBuilder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithSink replaces the configured downstream sink.
func WithSink(sink store.Sink) AppBuilderOption {
	return func(b *AppBuilder) { b.sinkOverride = sink }
}

// WithLiveClient replaces the Binance REST client used for backfill.
func WithLiveClient(client backfill.LiveClient) AppBuilderOption {
	return func(b *AppBuilder) {
		if client != nil {
			b.liveFn = func(config.LiveConfig) (backfill.LiveClient, error) { return client, nil }
		}
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:      cfg,
		now:      time.Now,
		sinkFn:   buildSink,
		liveFn:   buildLiveClient,
		statusFn: statushttp.NewServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (app *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	job, err := resolveJob(cfg, b.now())
	if err != nil {
		return nil, err
	}

	var closers []func() error
	defer func() {
		if err != nil {
			closeAll(closers)
		}
	}()

	cache, err := archive.NewCacheStore(cfg.Archive.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("archive cache: %w", err)
	}
	closers = append(closers, cache.Close)
	fetcher, err := archive.NewFetcher(archiveConfig(cfg.Archive), cache)
	if err != nil {
		return nil, err
	}
	fetcher.SetClock(b.now)

	validator := validate.New(validate.Options{
		AnomalyMultiple: cfg.Validate.AnomalyMultiple,
		AnomalyWindow:   cfg.Validate.AnomalyWindow,
		MaxDiagnostics:  cfg.Validate.MaxDiagnostics,
	})
	persister := persist.New(cfg.Storage.DataDir)
	deps := orchestrator.Deps{
		Archive:    fetcher,
		Normalizer: normalize.New(normalize.Options{MaxDropRatio: cfg.Normalize.MaxDropRatio}),
		Validator:  validator,
		Persister:  persister,
	}

	var breakers []*circuit.CircuitBreaker
	if cfg.Live.Enabled {
		client, err := b.liveFn(cfg.Live)
		if err != nil {
			return nil, err
		}
		breaker := circuit.NewCircuitBreaker("binance-live", cfg.Live.BreakerThreshold, time.Duration(cfg.Live.BreakerCooldownSeconds)*time.Second)
		breakers = append(breakers, breaker)
		deps.Backfill = backfill.NewEngine(client, liveConfig(cfg.Live), breaker)
	} else {
		logger.Warnf("[app] live backfill disabled, archive gaps stay open")
	}

	sink := b.sinkOverride
	if sink == nil {
		if sink, err = b.sinkFn(cfg.Storage); err != nil {
			return nil, fmt.Errorf("sink: %w", err)
		}
	}
	closers = append(closers, sink.Close)
	deps.Sink = sink

	cp, err := checkpoint.Open(cfg.App.StateDir)
	if err != nil {
		return nil, err
	}
	closers = append(closers, cp.Close)
	cp.SetClock(b.now)
	deps.Checkpoint = cp

	orch, err := orchestrator.New(job, orchestrator.Options{
		MaxConcurrentPairs: cfg.Jobs.MaxConcurrentPairs,
		PeriodConcurrency:  cfg.Archive.PeriodConcurrency,
		PersistPartial:     cfg.Storage.PersistPartial,
		StateDir:           cfg.App.StateDir,
	}, deps)
	if err != nil {
		return nil, err
	}
	orch.SetClock(b.now)

	var status *statushttp.Server
	if addr := strings.TrimSpace(cfg.App.HTTPAddr); addr != "" {
		status, err = b.statusFn(statushttp.ServerConfig{
			Addr:       addr,
			Progress:   cp,
			Runs:       orch,
			SeriesPath: persister.Path,
			Breakers:   breakers,
		})
		if err != nil {
			return nil, err
		}
	}

	return &App{
		cfg:     cfg,
		orch:    orch,
		status:  status,
		closers: closers,
		Summary: newStartupSummary(cfg, job),
	}, nil
}

// resolveJob turns the jobs section into canonical pairs and an explicit window.
func resolveJob(cfg *config.Config, now time.Time) (orchestrator.Job, error) {
	inst, err := market.ParseInstrument(cfg.Jobs.Instrument)
	if err != nil {
		return orchestrator.Job{}, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	job := orchestrator.Job{Instrument: inst}
	seen := make(map[string]bool, len(cfg.Jobs.Symbols))
	for _, raw := range cfg.Jobs.Symbols {
		sym, err := market.NormalizeSymbol(raw)
		if err != nil {
			return orchestrator.Job{}, fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
		if seen[sym] {
			continue
		}
		seen[sym] = true
		job.Symbols = append(job.Symbols, sym)
	}
	seenTF := make(map[string]bool, len(cfg.Jobs.Timeframes))
	for _, raw := range cfg.Jobs.Timeframes {
		tf, err := market.ParseTimeframe(raw)
		if err != nil {
			return orchestrator.Job{}, fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
		if seenTF[tf.Key] {
			continue
		}
		seenTF[tf.Key] = true
		job.Timeframes = append(job.Timeframes, tf)
	}
	job.Start, job.End, err = cfg.Window(now)
	if err != nil {
		return orchestrator.Job{}, err
	}
	return job, nil
}

func archiveConfig(c config.ArchiveConfig) archive.Config {
	return archive.Config{
		BaseURL:            c.BaseURL,
		Timeout:            time.Duration(c.TimeoutSeconds) * time.Second,
		Retries:            c.Retries,
		RateLimitPerMin:    c.RateLimitPerMin,
		TrustClosedPeriods: c.TrustClosedPeriods,
		VerifyChecksum:     c.VerifyChecksum,
	}
}

func liveConfig(c config.LiveConfig) backfill.Config {
	return backfill.Config{
		BatchLimit:     c.BatchLimit,
		RequestsPerMin: c.RequestsPerMin,
		RequestTimeout: time.Duration(c.RequestTimeoutSeconds) * time.Second,
		Retry: backfill.Policy{
			MaxAttempts: c.MaxAttempts,
			BaseDelay:   time.Duration(c.BaseDelayMillis) * time.Millisecond,
			MaxDelay:    time.Duration(c.MaxDelayMillis) * time.Millisecond,
			Multiplier:  2,
		},
	}
}

func buildLiveClient(c config.LiveConfig) (backfill.LiveClient, error) {
	return backfill.NewBinanceClient(backfill.BinanceConfig{
		SpotBaseURL:     c.SpotBaseURL,
		FuturesBaseURL:  c.FuturesBaseURL,
		DeliveryBaseURL: c.DeliveryBaseURL,
		HTTPTimeout:     time.Duration(c.RequestTimeoutSeconds) * time.Second,
	}), nil
}

func buildSink(c config.StorageConfig) (store.Sink, error) {
	if strings.TrimSpace(c.SQLitePath) == "" {
		return store.NopSink{}, nil
	}
	sink, err := store.NewSQLiteSink(c.SQLitePath)
	if err != nil {
		return nil, err
	}
	logger.Infof("✓ SQLite 下游已启用: %s", c.SQLitePath)
	return sink, nil
}

func closeAll(closers []func() error) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Warnf("[app] close failed: %v", err)
		}
	}
}
