package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	calls atomic.Int32
	fn    func(ctx context.Context, n int) (*Completion, error)
}

func (c *countingProvider) Name() string { return "counting" }

func (c *countingProvider) Complete(ctx context.Context, _ Request) (*Completion, error) {
	n := int(c.calls.Add(1))
	return c.fn(ctx, n)
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetryRecoversFromTransient(t *testing.T) {
	p := &countingProvider{fn: func(_ context.Context, n int) (*Completion, error) {
		if n < 3 {
			return nil, FromStatus("counting", 503, "", "busy", nil)
		}
		return &Completion{Text: "ok"}, nil
	}}
	r := WithRetry(p, RetryPolicy{MaxAttempts: 3}).(*retrying)
	r.sleep = noSleep

	out, err := r.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Text)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestRetryStopsOnFatal(t *testing.T) {
	p := &countingProvider{fn: func(context.Context, int) (*Completion, error) {
		return nil, FromStatus("counting", 401, "", "denied", nil)
	}}
	r := WithRetry(p, RetryPolicy{MaxAttempts: 5}).(*retrying)
	r.sleep = noSleep

	_, err := r.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.False(t, IsTransient(err))
}

func TestRetryExhaustionReturnsProviderError(t *testing.T) {
	p := &countingProvider{fn: func(context.Context, int) (*Completion, error) {
		return nil, errors.New("plain failure")
	}}
	r := WithRetry(p, RetryPolicy{MaxAttempts: 2}).(*retrying)
	r.sleep = noSleep

	_, err := r.Complete(context.Background(), Request{})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "counting", pe.Provider)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestRetryCallTimeoutIsTransient(t *testing.T) {
	p := &countingProvider{fn: func(ctx context.Context, n int) (*Completion, error) {
		if n == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &Completion{Text: "second"}, nil
	}}
	r := WithRetry(p, RetryPolicy{MaxAttempts: 2, CallTimeout: 10 * time.Millisecond}).(*retrying)
	r.sleep = noSleep

	out, err := r.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "second", out.Text)
}

func TestRetryHonoursCancelledParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &countingProvider{fn: func(context.Context, int) (*Completion, error) {
		return &Completion{}, nil
	}}
	_, err := WithRetry(p, DefaultRetryPolicy()).Complete(ctx, Request{})
	require.Error(t, err)
	assert.Equal(t, int32(0), p.calls.Load())
}

func TestBackoffIsCapped(t *testing.T) {
	r := &retrying{policy: RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}}
	for attempt := 1; attempt <= 6; attempt++ {
		d := r.backoff(attempt)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
		assert.Positive(t, d)
	}
}

func TestBackoffLargeAttemptCounts(t *testing.T) {
	capped := &retrying{policy: RetryPolicy{BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}}
	uncapped := &retrying{policy: RetryPolicy{BaseDelay: 500 * time.Millisecond}}
	for attempt := 1; attempt < 200; attempt++ {
		require.NotPanics(t, func() {
			d := capped.backoff(attempt)
			assert.Positive(t, d)
			assert.LessOrEqual(t, d, 8*time.Second)
			assert.Positive(t, uncapped.backoff(attempt))
		}, "attempt %d", attempt)
	}
}

func TestClassifyTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, classifyTransport("x", ctx, context.Canceled).Transient())
	assert.True(t, classifyTransport("x", context.Background(), context.DeadlineExceeded).Transient())
}

func TestRateLimitPassesThrough(t *testing.T) {
	p := &countingProvider{fn: func(context.Context, int) (*Completion, error) {
		return &Completion{Text: "ok"}, nil
	}}
	assert.Same(t, Provider(p), WithRateLimit(p, 0, 0))

	limited := WithRateLimit(p, 1000, 2)
	for i := 0; i < 3; i++ {
		_, err := limited.Complete(context.Background(), Request{})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), p.calls.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WithRateLimit(p, 0.001, 1).Complete(ctx, Request{})
	require.Error(t, err)
}
