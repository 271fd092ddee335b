package backfill

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
)

func TestPolicyBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(4))
	assert.Equal(t, time.Second, p.Backoff(5))
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	res := Do(context.Background(), Policy{MaxAttempts: 4}, nil, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	})
	assert.True(t, res.OK())
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, res.Exhausted)
}

func TestDoExhausts(t *testing.T) {
	boom := errors.New("boom")
	res := Do(context.Background(), Policy{MaxAttempts: 3}, nil, func(context.Context) (string, error) {
		return "", boom
	})
	assert.True(t, res.Exhausted)
	assert.Equal(t, 3, res.Attempts)
	assert.ErrorIs(t, res.Err, boom)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	perm := errors.New("permanent")
	res := Do(context.Background(), Policy{MaxAttempts: 5}, func(err error) bool { return !errors.Is(err, perm) },
		func(context.Context) (int, error) { return 0, perm })
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Exhausted)
	assert.ErrorIs(t, res.Err, perm)
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	res := Do(ctx, Policy{MaxAttempts: 3, BaseDelay: time.Hour}, nil, func(context.Context) (int, error) {
		cancel()
		return 0, errors.New("fail")
	})
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Exhausted)
	assert.Error(t, res.Err)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&common.APIError{Code: -1003, Message: "Too many requests"}))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", &common.APIError{Code: -1001})))
	assert.False(t, IsTransient(&common.APIError{Code: -1121, Message: "Invalid symbol."}))
	assert.True(t, IsTransient(&StatusError{Code: 503}))
	assert.True(t, IsTransient(&StatusError{Code: 418}))
	assert.False(t, IsTransient(&StatusError{Code: 404}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.False(t, IsTransient(errors.New("decode failure")))
	assert.False(t, IsTransient(nil))
}
