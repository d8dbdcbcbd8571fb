package dispatch

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/msageha/dronebatch/internal/executor"
	"github.com/msageha/dronebatch/internal/model"
)

// RateLimited throttles calls into a backend with one token bucket per
// resource key, so a busy drone does not starve the others.
type RateLimited struct {
	base  executor.Handler
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// WithRateLimit wraps h when limit is positive. A burst below 1 is coerced
// to 1.
func WithRateLimit(h executor.Handler, limit rate.Limit, burst int) executor.Handler {
	if limit <= 0 {
		return h
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		base:    h,
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Handle waits for a token before calling the backend. Waiting counts against
// the attempt deadline; a wait that cannot finish in time fails immediately
// with the context error.
func (r *RateLimited) Handle(ctx context.Context, action string, params model.Params) (executor.Outcome, error) {
	if err := r.limiterFor(executor.ResourceFrom(ctx)).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return executor.Outcome{}, ctx.Err()
		}
		if _, ok := ctx.Deadline(); ok {
			return executor.Outcome{}, fmt.Errorf("rate limit: %v: %w", err, context.DeadlineExceeded)
		}
		return executor.Outcome{}, fmt.Errorf("rate limit: %w", err)
	}
	return r.base.Handle(ctx, action, params)
}

func (r *RateLimited) limiterFor(resource string) *rate.Limiter {
	key := resource
	if key == "" {
		key = model.SystemResource
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.buckets[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.buckets[key] = l
	}
	return l
}
