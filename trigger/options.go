package trigger

import (
	"time"

	"github.com/rbaliyan/event-saga/dispatch"
)

type options struct {
	timeout     time.Duration
	maxRetries  int
	retryDelay  time.Duration
	stepTimeout time.Duration
	kind        dispatch.Kind
}

// Option configures a trigger adapter.
//
// Options shape the definition saved on first use. A tenant that already
// has a definition keeps it; publish a new version to change it.
type Option func(*options)

// WithTimeout sets the overall saga deadline. Zero means none.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.timeout = d
		}
	}
}

// WithMaxRetries sets the retries per step (default: 3).
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithRetryDelay sets the backoff base (default: 1s).
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryDelay = d
		}
	}
}

// WithStepTimeout sets the timeout of each step (default: 30s).
func WithStepTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

// WithStepKind sets how steps are dispatched (default: dispatch.KindInternal).
//
// With dispatch.KindAgent each step is sent to the agent named after its
// service (sales, inventory, billing, ledger, notifications) with the
// action as the agent action. Agents must reply with the output keys the
// accessors read.
func WithStepKind(kind dispatch.Kind) Option {
	return func(o *options) {
		if kind.Valid() {
			o.kind = kind
		}
	}
}
