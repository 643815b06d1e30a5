// Package ratelimit throttles outbound step dispatches.
//
// Saga steps that call external HTTP endpoints or asynchronous agents can
// overwhelm a downstream service when many saga instances run at once. A
// Limiter bounds the dispatch rate per target:
//   - LocalLimiter: token bucket scoped to one process (golang.org/x/time/rate)
//   - RedisLimiter: fixed window shared by every process using the same key
//
// Wrap any Limiter with NewMetricsLimiter to record OpenTelemetry metrics.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter paces dispatches to a target.
//
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Wait blocks until a dispatch may proceed or ctx is done.
	Wait(ctx context.Context) error
}

// LocalLimiter is an in-process token bucket.
type LocalLimiter struct {
	limiter *rate.Limiter
}

// NewLocalLimiter creates a token bucket allowing perSecond events with the
// given burst. A non-positive perSecond means no limit.
func NewLocalLimiter(perSecond float64, burst int) *LocalLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &LocalLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until a token is available or ctx is done.
func (l *LocalLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Compile-time check
var _ Limiter = (*LocalLimiter)(nil)
