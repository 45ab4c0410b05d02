package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ipguard/internal/domain"
	"ipguard/internal/metrics"
)

// ErrRateLimited is returned when a key exceeded its budget.
var ErrRateLimited = errors.New("rate limit exceeded")

type Result struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

type Limiter struct {
	store CounterStore
}

func NewLimiter(store CounterStore) *Limiter {
	return &Limiter{store: store}
}

// CheckAndConsume counts one request of key against endpoint's budget. The
// request is throttled when the post-increment count exceeds spec.Limit.
// Store failures fail open: the result is allowed and the error returned.
func (l *Limiter) CheckAndConsume(ctx context.Context, key, endpoint string, spec domain.RateSpec) (Result, error) {
	if !spec.Valid() {
		return Result{Allowed: true}, fmt.Errorf("%w: %s", domain.ErrInvalidRateSpec, spec)
	}

	count, ttl, err := l.store.Increment(ctx, counterKey(endpoint, key), spec.Window)
	if err != nil {
		metrics.RateLimitStoreErrors.Inc()
		metrics.RateLimitDecisions.WithLabelValues(endpoint, "failed_open").Inc()
		return Result{Allowed: true, Limit: spec.Limit}, fmt.Errorf("ratelimit: increment %s: %w", endpoint, err)
	}

	result := Result{
		Allowed: count <= int64(spec.Limit),
		Count:   count,
		Limit:   spec.Limit,
	}
	if result.Allowed {
		metrics.RateLimitDecisions.WithLabelValues(endpoint, "allowed").Inc()
		return result, nil
	}

	if ttl <= 0 || ttl > spec.Window {
		ttl = spec.Window
	}
	result.RetryAfter = ttl
	metrics.RateLimitDecisions.WithLabelValues(endpoint, "throttled").Inc()
	return result, ErrRateLimited
}

func counterKey(endpoint, key string) string {
	return endpoint + ":" + key
}

// RetryAfterSeconds rounds d up to whole seconds, at least one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
