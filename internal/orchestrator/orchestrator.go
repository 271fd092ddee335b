// Package orchestrator drives the integrity pipeline over every (symbol, timeframe) pair
// and keeps the checkpoint that makes an interrupted batch resumable.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"klinevault/internal/archive"
	"klinevault/internal/backfill"
	"klinevault/internal/checkpoint"
	"klinevault/internal/gaps"
	"klinevault/internal/logger"
	"klinevault/internal/market"
	"klinevault/internal/normalize"
	"klinevault/internal/persist"
	"klinevault/internal/store"
	"klinevault/internal/validate"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Pipeline stage names, recorded with failures.
const (
	StageCheckpoint = "checkpoint"
	StageRange      = "range"
	StageFetch      = "fetch"
	StageBackfill   = "backfill"
	StageValidate   = "validate"
	StagePersist    = "persist"
	StageIngest     = "ingest"
)

// Fetcher is the archive side of the pipeline.
type Fetcher interface {
	FetchPeriod(ctx context.Context, req archive.Request) (archive.Result, error)
}

// Filler patches gaps from the live API.
type Filler interface {
	Fill(ctx context.Context, series market.Series, gapList []gaps.Gap, rangeStart, rangeEnd int64) (market.Series, backfill.Outcome)
}

// Writer persists a validated series.
type Writer interface {
	Path(pair market.Pair) string
	Save(ctx context.Context, series market.Series, dest string) (*persist.Commit, error)
}

// Options 控制并发与部分覆盖的处理方式。
type Options struct {
	MaxConcurrentPairs int
	PeriodConcurrency  int
	// PersistPartial still writes and delivers series below full coverage.
	PersistPartial bool
	// StateDir receives summary-<run>.yaml; empty disables the file.
	StateDir string
}

// Deps are the pipeline stages. Backfill may be nil (live API disabled); Sink defaults
// to store.NopSink.
type Deps struct {
	Archive    Fetcher
	Normalizer *normalize.Normalizer
	Backfill   Filler
	Validator  *validate.Validator
	Persister  Writer
	Sink       store.Sink
	Checkpoint *checkpoint.Checkpoint
}

// Orchestrator 按 pair 并行执行 Fetch → Normalize → Scan → Backfill → Validate → Persist。
type Orchestrator struct {
	job  Job
	opts Options
	deps Deps
	now  func() time.Time

	mu      sync.RWMutex
	running bool
	last    *Summary
}

func New(job Job, opts Options, deps Deps) (*Orchestrator, error) {
	if deps.Archive == nil || deps.Normalizer == nil || deps.Validator == nil || deps.Persister == nil || deps.Checkpoint == nil {
		return nil, errors.New("orchestrator: archive, normalizer, validator, persister and checkpoint are required")
	}
	if deps.Sink == nil {
		deps.Sink = store.NopSink{}
	}
	if opts.MaxConcurrentPairs <= 0 {
		opts.MaxConcurrentPairs = 1
	}
	if opts.PeriodConcurrency <= 0 {
		opts.PeriodConcurrency = 1
	}
	return &Orchestrator{job: job, opts: opts, deps: deps, now: time.Now}, nil
}

// SetClock overrides the wall clock used to cap ranges at the last closed bar.
func (o *Orchestrator) SetClock(now func() time.Time) {
	if now != nil {
		o.now = now
	}
}

// LastSummary returns the summary of the most recent finished run.
func (o *Orchestrator) LastSummary() (Summary, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return Summary{}, false
	}
	return *o.last, true
}

// Running reports whether Run is in progress.
func (o *Orchestrator) Running() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// Run processes every pending pair. Completed pairs from earlier runs are skipped. One
// pair's failure never stops the batch; the returned error is non-nil only when ctx ended
// the run early or the checkpoint could not be written.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	o.mu.Lock()
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	cp := o.deps.Checkpoint
	pairs := o.job.Pairs()
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key()
	}
	summary := Summary{
		RunID:     cp.RunID(),
		TraceID:   uuid.NewString(),
		StartedAt: o.now().UTC(),
		Pairs:     len(pairs),
	}
	if err := cp.Register(keys); err != nil {
		return summary, fmt.Errorf("registering pairs: %w", err)
	}
	logger.Infof("[orchestrator] run %d (%s): %d pairs, %d workers", summary.RunID, summary.TraceID, len(pairs), o.opts.MaxConcurrentPairs)

	var (
		mu      sync.Mutex
		group   errgroup.Group
		runID   = summary.RunID
		traceID = summary.TraceID
	)
	group.SetLimit(o.opts.MaxConcurrentPairs)
	notStarted := 0
	for _, pair := range pairs {
		if st, ok := cp.Get(pair.Key()); ok && st.State == checkpoint.StateCompleted {
			summary.Skipped++
			logger.Debugf("[orchestrator] %s already completed, skipping", pair)
			continue
		}
		if ctx.Err() != nil {
			notStarted++
			continue
		}
		pair := pair
		group.Go(func() error {
			res := o.runPair(ctx, pair, runID, traceID)
			mu.Lock()
			summary.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	if notStarted > 0 {
		summary.Interrupted += notStarted
		logger.Warnf("[orchestrator] interrupted, %d pairs not started", notStarted)
	}

	summary.FinishedAt = o.now().UTC()
	summary.sortResults()
	o.finish(&summary)

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (o *Orchestrator) finish(summary *Summary) {
	cp := o.deps.Checkpoint
	if cp.AllCompleted() {
		if err := cp.Remove(); err != nil {
			logger.Warnf("[orchestrator] removing checkpoint: %v", err)
		} else {
			logger.Infof("[orchestrator] every pair completed, checkpoint removed")
		}
	}
	if o.opts.StateDir != "" {
		if path, err := summary.WriteFile(o.opts.StateDir); err != nil {
			logger.Warnf("[orchestrator] writing summary: %v", err)
		} else {
			logger.Infof("[orchestrator] summary written to %s", path)
		}
	}
	for _, f := range summary.Failures {
		logger.Warnf("[orchestrator] failed %s at %s: %s", f.Pair, f.Stage, f.Reason)
	}
	for _, p := range summary.Partials {
		logger.Warnf("[orchestrator] partial %s: coverage %.4f, %d missing", p.Pair, p.Coverage, p.Missing)
	}
	logger.Infof("[orchestrator] %s", summary.Line())

	o.mu.Lock()
	snapshot := *summary
	o.last = &snapshot
	o.mu.Unlock()
}

// runPair executes the pipeline for one pair and records the terminal state. A pair cut
// short by ctx stays in-progress, which the next run treats as pending.
func (o *Orchestrator) runPair(ctx context.Context, pair market.Pair, runID int64, traceID string) (res PairResult) {
	started := o.now()
	key := pair.Key()
	res = PairResult{Pair: key, State: checkpoint.StateInProgress}
	defer func() { res.Duration = o.now().Sub(started) }()

	cp := o.deps.Checkpoint
	fail := func(stage, reason, kind string) PairResult {
		res.State, res.Stage, res.Reason, res.Kind = checkpoint.StateFailed, stage, reason, kind
		if err := cp.MarkFailed(key, stage, reason, kind); err != nil {
			logger.Errorf("[orchestrator] %s: recording failure: %v", key, err)
		}
		return res
	}
	interrupted := func(stage string) PairResult {
		res.Interrupted = true
		res.Stage = stage
		logger.Warnf("[orchestrator] %s interrupted during %s", key, stage)
		return res
	}

	if err := cp.MarkInProgress(key); err != nil {
		return fail(StageCheckpoint, err.Error(), "")
	}
	rangeStart, rangeEnd, err := o.job.Range(pair.Timeframe, o.now())
	if err != nil {
		return fail(StageRange, err.Error(), "")
	}

	series, err := o.fetch(ctx, pair, rangeStart, rangeEnd)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(StageFetch)
		}
		return fail(StageFetch, err.Error(), "")
	}

	step := pair.Timeframe.StepMillis()
	scan := gaps.Scan(series.Candles, step, rangeStart, rangeEnd)
	if len(scan.Misaligned) > 0 {
		logger.Warnf("[orchestrator] %s: %d off-grid archive bars", key, len(scan.Misaligned))
	}
	if len(scan.Gaps) > 0 {
		logger.Infof("[orchestrator] %s: %d bars missing in %d ranges after archive", key, scan.Missing(), len(scan.Gaps))
		if o.deps.Backfill != nil {
			before := series.Len()
			var outcome backfill.Outcome
			series, outcome = o.deps.Backfill.Fill(ctx, series, scan.Gaps, rangeStart, rangeEnd)
			if outcome.Err != nil || ctx.Err() != nil {
				return interrupted(StageBackfill)
			}
			res.Backfilled = int64(series.Len() - before)
		}
	}

	if ctx.Err() != nil {
		return interrupted(StageValidate)
	}
	report := o.deps.Validator.Validate(series, rangeStart, rangeEnd)
	res.Bars = series.Len()
	res.Coverage = report.Coverage.Ratio
	res.Missing = report.Coverage.Missing
	res.Anomalies = len(report.Anomalies)
	for _, a := range report.Anomalies {
		logger.Debugf("[orchestrator] %s anomaly at %d: move %.4f > %.4f (%s)", key, a.OpenTime, a.Move, a.Threshold, a.Provenance)
	}

	partial := report.Partial()
	coverageReason := fmt.Sprintf("coverage %.4f (%d of %d bars)", report.Coverage.Ratio, report.Coverage.Actual, report.Coverage.Expected)
	if !report.Passed && !partial {
		return fail(StageValidate, "failed checks: "+strings.Join(report.Failed(), ", "), "")
	}
	if partial && !o.opts.PersistPartial {
		return fail(StageValidate, coverageReason, checkpoint.KindPartial)
	}

	// never enter the persister once cancelled
	if ctx.Err() != nil {
		return interrupted(StagePersist)
	}
	dest := o.deps.Persister.Path(pair)
	commit, err := o.deps.Persister.Save(ctx, series, dest)
	if err != nil {
		return fail(StagePersist, err.Error(), "")
	}
	delivery := store.Delivery{
		RunID:    runID,
		TraceID:  traceID,
		Series:   series,
		Report:   report,
		Partial:  partial,
		Coverage: report.Coverage.Ratio,
	}
	if err := o.deps.Sink.Ingest(ctx, delivery); err != nil {
		if rerr := commit.Rollback(); rerr != nil {
			logger.Errorf("[orchestrator] %s: rollback after ingest failure: %v", key, rerr)
		}
		return fail(StageIngest, err.Error(), "")
	}
	if err := commit.Done(); err != nil {
		logger.Warnf("[orchestrator] %s: %v", key, err)
	}
	res.Persisted = dest

	if partial {
		logger.Warnf("[orchestrator] %s persisted with partial %s", key, coverageReason)
		return fail(StageValidate, coverageReason, checkpoint.KindPartial)
	}
	if err := cp.MarkCompleted(key); err != nil {
		return fail(StageCheckpoint, err.Error(), "")
	}
	res.State = checkpoint.StateCompleted
	logger.Infof("[orchestrator] %s completed: %d bars, %d backfilled", key, res.Bars, res.Backfilled)
	return res
}
