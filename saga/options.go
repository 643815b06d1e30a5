package saga

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/event/v3/backoff"

	"github.com/rbaliyan/event-saga/dispatch"
)

// Dispatcher invokes step actions. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, call dispatch.Call) (map[string]any, error)
}

// BackoffStrategy is an alias for backoff.Strategy from the main event library.
// All implementations from github.com/rbaliyan/event/v3/backoff can be used directly.
//
// Implementations must be stateless and safe for concurrent use.
type BackoffStrategy = backoff.Strategy

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger            *slog.Logger
	metrics           *MetricsRecorder
	clock             Clock
	queue             WorkQueue
	leaser            Leaser
	leaseTTL          time.Duration
	concurrency       int
	backoff           BackoffStrategy
	defaultRetryDelay time.Duration
	maxRetryDelay     time.Duration
	defaultMaxRetries int
	stepTimeout       time.Duration
	owner             string
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "saga"
	}
	return host + "-" + uuid.NewString()[:8]
}

// WithLogger sets a custom logger.
//
// If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics collection.
//
// Example:
//
//	recorder := saga.NewMetricsRecorder("myapp")
//	engine := saga.NewEngine(store, dispatcher, saga.WithMetrics(recorder))
func WithMetrics(recorder *MetricsRecorder) Option {
	return func(o *engineOptions) {
		o.metrics = recorder
	}
}

// WithClock sets the time source used for timestamps, deadlines and
// backoff sleeps.
func WithClock(c Clock) Option {
	return func(o *engineOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithQueue sets the work queue. Default: an in-process MemoryQueue.
//
// Use a RedisQueue when several processes share a store.
func WithQueue(q WorkQueue) Option {
	return func(o *engineOptions) {
		if q != nil {
			o.queue = q
		}
	}
}

// WithLeaser sets the per-instance lease provider. Default: MemoryLeaser.
func WithLeaser(l Leaser) Option {
	return func(o *engineOptions) {
		if l != nil {
			o.leaser = l
		}
	}
}

// WithLeaseTTL sets the instance lease TTL. The lease is renewed every
// TTL/3 while the instance executes. Default: 30s.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *engineOptions) {
		if ttl > 0 {
			o.leaseTTL = ttl
		}
	}
}

// WithConcurrency bounds the number of instances Run executes at once.
// Default: 4.
func WithConcurrency(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithBackoff replaces the per-step exponential backoff with strategy.
//
// By default the delay before retry n is retryDelay × 2^(n-1), capped by
// WithMaxRetryDelay, where retryDelay comes from the definition.
func WithBackoff(strategy BackoffStrategy) Option {
	return func(o *engineOptions) {
		o.backoff = strategy
	}
}

// WithDefaultRetryDelay sets the backoff base for definitions that declare
// none. Default: 1s.
func WithDefaultRetryDelay(d time.Duration) Option {
	return func(o *engineOptions) {
		if d > 0 {
			o.defaultRetryDelay = d
		}
	}
}

// WithMaxRetryDelay caps the backoff delay. Default: 5m.
func WithMaxRetryDelay(d time.Duration) Option {
	return func(o *engineOptions) {
		if d > 0 {
			o.maxRetryDelay = d
		}
	}
}

// WithDefaultMaxRetries sets the retry count for retryable steps whose
// step and definition declare none. Default: 3.
func WithDefaultMaxRetries(n int) Option {
	return func(o *engineOptions) {
		if n >= 0 {
			o.defaultMaxRetries = n
		}
	}
}

// WithStepTimeout sets the timeout for steps that declare none. Default: 30s.
func WithStepTimeout(d time.Duration) Option {
	return func(o *engineOptions) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

// WithOwner sets the lease owner name of this engine. Default: hostname
// plus a random suffix.
func WithOwner(owner string) Option {
	return func(o *engineOptions) {
		if owner != "" {
			o.owner = owner
		}
	}
}
