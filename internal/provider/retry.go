package provider

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds retries of transient failures at the adapter boundary.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// CallTimeout bounds each Complete call. Zero means no per-call limit.
	CallTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		CallTimeout: 60 * time.Second,
	}
}

// WithRetry wraps p so transient errors are retried with exponential backoff.
func WithRetry(p Provider, policy RetryPolicy) Provider {
	if p == nil {
		return nil
	}
	return &retrying{next: p, policy: policy, sleep: sleepCtx}
}

type retrying struct {
	next   Provider
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

func (r *retrying) Name() string { return r.next.Name() }

func (r *retrying) Complete(ctx context.Context, req Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, Fatal(r.Name(), "cancelled before call", err)
	}

	attempts := normalizedAttempts(r.policy.MaxAttempts)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := r.call(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt == attempts || ctx.Err() != nil || !IsTransient(err) {
			break
		}
		if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
			break
		}
	}

	var pe *ProviderError
	if !errors.As(lastErr, &pe) {
		return nil, Fatal(r.Name(), lastErr.Error(), lastErr)
	}
	return nil, lastErr
}

func (r *retrying) call(ctx context.Context, req Request) (*Completion, error) {
	if r.policy.CallTimeout <= 0 {
		return r.next.Complete(ctx, req)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.policy.CallTimeout)
	defer cancel()
	out, err := r.next.Complete(callCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !IsTransient(err) {
		return nil, Transient(r.Name(), "call timed out", err)
	}
	return out, err
}

func (r *retrying) backoff(attempt int) time.Duration {
	base := r.policy.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base
	for i := 1; i < attempt && d < math.MaxInt64/2; i++ {
		if r.policy.MaxDelay > 0 && d >= r.policy.MaxDelay {
			break
		}
		d *= 2
	}
	if r.policy.MaxDelay > 0 && d > r.policy.MaxDelay {
		d = r.policy.MaxDelay
	}
	// up to 20% jitter
	return d - time.Duration(rand.Int64N(int64(d)/5+1))
}

func normalizedAttempts(maxAttempts int) int {
	if maxAttempts < 1 {
		return 1
	}
	return maxAttempts
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
