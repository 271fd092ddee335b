package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"klinevault/internal/logger"
	"klinevault/internal/market"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	// ErrNotFound means the archive does not publish the requested file (yet).
	ErrNotFound = errors.New("archive file not found")
	// ErrTransport covers network failures and unexpected statuses after retries.
	ErrTransport = errors.New("archive transport failure")
	// ErrCorrupt means the payload could not be decoded.
	ErrCorrupt = errors.New("archive payload corrupt")
)

const defaultBaseURL = "https://data.binance.vision"

// Config 配置归档下载器。
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	Retries         int
	RetryWait       time.Duration
	RetryMaxWait    time.Duration
	RateLimitPerMin int
	// TrustClosedPeriods serves cached closed periods without a conditional request.
	TrustClosedPeriods bool
	VerifyChecksum     bool
	UserAgent          string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = defaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryWait <= 0 {
		c.RetryWait = time.Second
	}
	if c.RetryMaxWait <= 0 {
		c.RetryMaxWait = 10 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "klinevault"
	}
	return c
}

// Request 描述一次按周期的归档拉取。
type Request struct {
	Instrument market.Instrument
	Symbol     string
	Interval   string
	Period     Period
}

func (r Request) key(p Period) Key {
	return Key{Instrument: r.Instrument, Symbol: r.Symbol, Interval: r.Interval, Period: p}
}

// Result is the decoded CSV content for one requested period.
type Result struct {
	Payload     []byte
	ETag        string
	Granularity Granularity
	Files       int
	// Missing lists archive files that were absent or unreadable; their bars
	// surface downstream as gaps.
	Missing     []string
	Revalidated int
	Downloaded  int64
}

type fileResult struct {
	csv         []byte
	etag        string
	notModified bool
	downloaded  int64
}

// Fetcher 负责带缓存的条件请求下载；当月或缺失的月文件回退到日文件。
type Fetcher struct {
	cfg     Config
	client  *resty.Client
	cache   *CacheStore
	limiter *rate.Limiter
	group   singleflight.Group
	now     func() time.Time
}

// NewFetcher builds a fetcher. cache must not be nil.
func NewFetcher(cfg Config, cache *CacheStore) (*Fetcher, error) {
	if cache == nil {
		return nil, fmt.Errorf("archive fetcher requires a cache store")
	}
	final := cfg.withDefaults()
	client := resty.New().
		SetBaseURL(final.BaseURL).
		SetTimeout(final.Timeout).
		SetRetryCount(final.Retries).
		SetRetryWaitTime(final.RetryWait).
		SetRetryMaxWaitTime(final.RetryMaxWait).
		SetHeader("User-Agent", final.UserAgent).
		SetLogger(restyLogger{})
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		if r == nil {
			return false
		}
		code := r.StatusCode()
		return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
	})

	limit := rate.Inf
	if final.RateLimitPerMin > 0 {
		limit = rate.Limit(float64(final.RateLimitPerMin) / 60.0)
	}
	return &Fetcher{
		cfg:     final,
		client:  client,
		cache:   cache,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}, nil
}

// SetClock overrides the wall clock; the current period is derived from it.
func (f *Fetcher) SetClock(now func() time.Time) {
	if now != nil {
		f.now = now
	}
}

// FetchPeriod returns the CSV content of one archive period. Absent or unreadable
// files are not errors: they yield an empty payload and are listed in Missing.
// Only context cancellation is returned as an error.
func (f *Fetcher) FetchPeriod(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	now := f.now().UTC()
	period := req.Period
	if !period.Start.Before(now) {
		return Result{Granularity: period.Granularity}, nil
	}
	if period.Granularity == Daily {
		return f.fetchDays(ctx, req, []Period{period}, now)
	}
	if period.Start.Equal(MonthOf(now).Start) {
		logger.Debugf("[archive] %s %s %s is the open month, using daily files", req.Symbol, req.Interval, period.Label())
		return f.fetchDays(ctx, req, period.Days(), now)
	}

	key := req.key(period)
	fr, err := f.fetchFile(ctx, key)
	switch {
	case err == nil:
		res := Result{Payload: fr.csv, ETag: fr.etag, Granularity: Monthly, Files: 1, Downloaded: fr.downloaded}
		if fr.notModified {
			res.Revalidated = 1
		}
		return res, nil
	case ctx.Err() != nil:
		return Result{}, ctx.Err()
	case errors.Is(err, ErrNotFound):
		logger.Infof("[archive] %s monthly file absent, falling back to daily files", key)
		return f.fetchDays(ctx, req, period.Days(), now)
	default:
		logger.Warnf("[archive] %s unavailable, period becomes a gap: %v", key, err)
		return Result{Granularity: Monthly, Missing: []string{key.String()}}, nil
	}
}

func (f *Fetcher) fetchDays(ctx context.Context, req Request, days []Period, now time.Time) (Result, error) {
	res := Result{Granularity: Daily}
	var buf bytes.Buffer
	for _, day := range days {
		if !day.ClosedAt(now) {
			continue
		}
		key := req.key(day)
		fr, err := f.fetchFile(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			if errors.Is(err, ErrNotFound) {
				logger.Debugf("[archive] %s not published", key)
			} else {
				logger.Warnf("[archive] %s unavailable: %v", key, err)
			}
			res.Missing = append(res.Missing, key.String())
			continue
		}
		buf.Write(fr.csv)
		appendNewline(&buf)
		res.Files++
		res.Downloaded += fr.downloaded
		if fr.notModified {
			res.Revalidated++
		}
	}
	res.Payload = buf.Bytes()
	return res, nil
}

func (f *Fetcher) fetchFile(ctx context.Context, key Key) (fileResult, error) {
	v, err, _ := f.group.Do(key.String(), func() (any, error) {
		return f.doFetchFile(ctx, key)
	})
	if err != nil {
		return fileResult{}, err
	}
	return v.(fileResult), nil
}

func (f *Fetcher) doFetchFile(ctx context.Context, key Key) (fileResult, error) {
	now := f.now().UTC()
	cached, ok := f.cache.Get(key)
	fresh := ok && f.cache.IsFresh(cached, currentPeriod(key.Period.Granularity, now))
	if fresh && f.cfg.TrustClosedPeriods {
		return fromEntry(cached, true)
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return fileResult{}, err
	}
	req := f.client.R().SetContext(ctx)
	if fresh && cached.ETag != "" {
		req.SetHeader("If-None-Match", cached.ETag)
	}
	resp, err := req.Get("/" + key.URLPath())
	if err != nil {
		if ctx.Err() != nil {
			return fileResult{}, ctx.Err()
		}
		if fresh {
			logger.Warnf("[archive] %s revalidation failed, serving cached copy: %v", key, err)
			return fromEntry(cached, true)
		}
		return fileResult{}, fmt.Errorf("%w: %s: %v", ErrTransport, key, err)
	}

	code := resp.StatusCode()
	switch {
	case code == http.StatusNotModified && fresh:
		logger.Debugf("[archive] %s not modified", key)
		return fromEntry(cached, true)
	case code == http.StatusOK:
		payload := resp.Body()
		if f.cfg.VerifyChecksum {
			if err := f.checkChecksum(ctx, key, payload); err != nil {
				return fileResult{}, err
			}
		}
		csv, err := extractCSV(payload)
		if err != nil {
			return fileResult{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
		}
		etag := resp.Header().Get("ETag")
		if err := f.cache.Put(key, Entry{ETag: etag, Payload: payload, FetchedAt: now}); err != nil {
			logger.Warnf("[archive] caching %s failed: %v", key, err)
		}
		return fileResult{csv: csv, etag: etag, downloaded: int64(len(payload))}, nil
	case code == http.StatusNotFound || code == http.StatusForbidden:
		return fileResult{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	default:
		if fresh {
			logger.Warnf("[archive] %s revalidation returned %d, serving cached copy", key, code)
			return fromEntry(cached, true)
		}
		return fileResult{}, fmt.Errorf("%w: %s: status %d", ErrTransport, key, code)
	}
}

func (f *Fetcher) checkChecksum(ctx context.Context, key Key, payload []byte) error {
	resp, err := f.client.R().SetContext(ctx).Get("/" + key.URLPath() + ".CHECKSUM")
	if err != nil {
		return fmt.Errorf("%w: %s checksum: %v", ErrTransport, key, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: %s checksum status %d", ErrTransport, key, resp.StatusCode())
	}
	if err := verifyChecksum(payload, resp.Body()); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func fromEntry(e Entry, notModified bool) (fileResult, error) {
	csv, err := extractCSV(e.Payload)
	if err != nil {
		return fileResult{}, fmt.Errorf("%w: cached %s: %v", ErrCorrupt, e.Key, err)
	}
	return fileResult{csv: csv, etag: e.ETag, notModified: notModified}, nil
}

func currentPeriod(g Granularity, now time.Time) Period {
	if g == Daily {
		return DayOf(now)
	}
	return MonthOf(now)
}

type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...any) { logger.Warnf("[archive] "+format, v...) }
func (restyLogger) Warnf(format string, v ...any)  { logger.Warnf("[archive] "+format, v...) }
func (restyLogger) Debugf(format string, v ...any) { logger.Debugf("[archive] "+format, v...) }
