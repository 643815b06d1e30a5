package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/health"
)

// lowBudget reports whether fewer than a tenth of limit slots are left.
func lowBudget(remaining, limit int) bool {
	floor := max(limit/10, 1)
	return remaining < floor
}

// Health checks the shared window budget.
//
// Unhealthy when Redis does not answer: Wait then fails open and stops
// limiting, which must not go unnoticed. Degraded when the current
// window is nearly spent, meaning saga dispatches to the target are being
// delayed.
func (r *RedisLimiter) Health(ctx context.Context) *health.Result {
	start := time.Now()
	res := &health.Result{
		Status:    health.StatusHealthy,
		CheckedAt: start,
		Details: map[string]any{
			"key":    r.key,
			"limit":  r.limit,
			"window": r.window.String(),
		},
	}

	remaining, err := r.Remaining(ctx)
	res.Latency = time.Since(start)
	if err != nil {
		res.Status = health.StatusUnhealthy
		res.Message = fmt.Sprintf("redis unavailable, limiter failing open: %v", err)
		return res
	}

	res.Details["remaining"] = remaining
	if lowBudget(remaining, r.limit) {
		res.Status = health.StatusDegraded
		res.Message = fmt.Sprintf("dispatch budget nearly exhausted: %d/%d remaining", remaining, r.limit)
	}
	return res
}

// Health reports the tokens left in the bucket. It is degraded while the
// bucket is empty and dispatches wait.
func (l *LocalLimiter) Health(_ context.Context) *health.Result {
	now := time.Now()
	tokens := l.limiter.TokensAt(now)
	burst := l.limiter.Burst()

	res := &health.Result{
		Status:    health.StatusHealthy,
		CheckedAt: now,
		Details: map[string]any{
			"tokens": tokens,
			"burst":  burst,
		},
	}
	if tokens < 1 {
		res.Status = health.StatusDegraded
		res.Message = fmt.Sprintf("dispatch bucket empty: %.2f/%d tokens", tokens, burst)
	}
	return res
}

// Health delegates to the wrapped limiter when it is a health.Checker.
func (m *MetricsLimiter) Health(ctx context.Context) *health.Result {
	if checker, ok := m.limiter.(health.Checker); ok {
		res := checker.Health(ctx)
		if res.Details == nil {
			res.Details = map[string]any{}
		}
		res.Details["target"] = m.target
		return res
	}
	return &health.Result{
		Status:    health.StatusHealthy,
		CheckedAt: time.Now(),
		Details:   map[string]any{"target": m.target},
	}
}

// Compile-time checks
var (
	_ health.Checker = (*RedisLimiter)(nil)
	_ health.Checker = (*LocalLimiter)(nil)
	_ health.Checker = (*MetricsLimiter)(nil)
)
