package provider

import (
	"context"

	"golang.org/x/time/rate"
)

// WithRateLimit throttles Complete calls to rps with the given burst.
// A non-positive rps returns p unchanged.
func WithRateLimit(p Provider, rps float64, burst int) Provider {
	if p == nil || rps <= 0 {
		return p
	}
	if burst < 1 {
		burst = 1
	}
	return &limited{next: p, lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

type limited struct {
	next Provider
	lim  *rate.Limiter
}

func (l *limited) Name() string { return l.next.Name() }

func (l *limited) Complete(ctx context.Context, req Request) (*Completion, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return nil, Fatal(l.Name(), "rate limiter wait aborted", err)
	}
	return l.next.Complete(ctx, req)
}
