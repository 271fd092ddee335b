package backfill

import (
	"context"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Backoff is the wait after the given (1-based) failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// Result 是重试状态机的终态：成功（Value）或耗尽（Exhausted + 最后一次错误）。
type Result[T any] struct {
	Value     T
	Attempts  int
	Err       error
	Exhausted bool
}

// OK reports success.
func (r Result[T]) OK() bool { return r.Err == nil }

// Do runs fn until it succeeds, returns an error retryable rejects, the attempt budget
// is spent, or ctx ends. It never panics past its caller and never sleeps after the
// final attempt.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) (T, error)) Result[T] {
	p = p.normalized()
	var out Result[T]
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if out.Err == nil {
				out.Err = err
			}
			return out
		}
		out.Attempts = attempt
		v, err := fn(ctx)
		if err == nil {
			out.Value = v
			out.Err = nil
			return out
		}
		out.Err = err
		if retryable != nil && !retryable(err) {
			return out
		}
		if attempt == p.MaxAttempts {
			break
		}
		wait := p.Backoff(attempt)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return out
		case <-timer.C:
		}
	}
	out.Exhausted = true
	return out
}
