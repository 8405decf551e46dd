package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Client with a token-bucket limiter so bursts of
// parallel agents cannot exceed the provider's request budget.
type RateLimited struct {
	inner   Client
	limiter *rate.Limiter
}

// NewRateLimited caps requests at rps (burst = ceil(rps), at least 1).
// A non-positive rps returns the inner client unchanged.
func NewRateLimited(inner Client, rps float64) Client {
	if rps <= 0 {
		return inner
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Complete waits for a token, then delegates.
func (r *RateLimited) Complete(ctx context.Context, req *Request) (*Completion, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Complete(ctx, req)
}

// Stream waits for a token, then delegates.
func (r *RateLimited) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Stream(ctx, req)
}

// Close closes the wrapped client.
func (r *RateLimited) Close() error { return r.inner.Close() }
