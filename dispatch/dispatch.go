// Package dispatch resolves a saga step's target to an invocable action and
// runs it under a timeout.
//
// Three kinds of target exist:
//   - KindInternal: an in-process handler registered in a Registry
//   - KindExternalHTTP: a JSON POST to an external endpoint (HTTPTarget)
//   - KindAgent: a request/reply exchange with an asynchronous agent over
//     Redis streams (AgentTarget, served by AgentWorker)
//
// Every call carries an idempotency key so that handlers can make repeated
// delivery safe. Steps are executed at least once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Kind identifies how a step target is invoked.
type Kind string

const (
	KindInternal     Kind = "internal"
	KindExternalHTTP Kind = "external_http"
	KindAgent        Kind = "agent"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindInternal, KindExternalHTTP, KindAgent:
		return true
	}
	return false
}

// Call is one invocation of a step action.
type Call struct {
	SagaID         string
	TenantID       string
	StepName       string
	StepIndex      int
	Direction      string
	Kind           Kind
	Target         string
	Action         string
	Input          map[string]any
	IdempotencyKey string
	Timeout        time.Duration
}

// Target invokes a call against one kind of target.
//
// Implementations must honour ctx cancellation where they can. The
// Dispatcher still abandons a call whose ctx expired.
type Target interface {
	Invoke(ctx context.Context, call Call) (map[string]any, error)
}

// TargetFunc adapts a function to Target.
type TargetFunc func(ctx context.Context, call Call) (map[string]any, error)

// Invoke calls f.
func (f TargetFunc) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	return f(ctx, call)
}

// Dispatcher routes calls to the Target registered for their kind.
type Dispatcher struct {
	targets        map[Kind]Target
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTarget registers the target used for kind.
func WithTarget(kind Kind, target Target) Option {
	return func(d *Dispatcher) {
		d.targets[kind] = target
	}
}

// WithDefaultTimeout sets the timeout applied when a call has none.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.defaultTimeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a Dispatcher.
//
// Example:
//
//	registry := dispatch.NewRegistry()
//	d := dispatch.New(
//	    dispatch.WithTarget(dispatch.KindInternal, registry),
//	    dispatch.WithTarget(dispatch.KindExternalHTTP, dispatch.NewHTTPTarget()),
//	)
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		targets:        make(map[Kind]Target),
		defaultTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type invokeResult struct {
	output map[string]any
	err    error
}

// Dispatch invokes call and waits at most call.Timeout for the result.
//
// Returns ErrTimeout when the timeout elapses, ErrUnknownKind when no target
// is registered for the call's kind, and the target's error otherwise. If the
// parent ctx is cancelled the parent's error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (map[string]any, error) {
	target, ok := d.targets[call.Kind]
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %q", ErrUnknownKind, call.Kind))
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	start := time.Now()
	go func() {
		out, err := target.Invoke(callCtx, call)
		done <- invokeResult{output: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return res.output, res.err
	case <-callCtx.Done():
		// A result that raced the timeout still counts.
		select {
		case res := <-done:
			if res.err == nil {
				return res.output, nil
			}
		default:
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d.logger.Warn("step dispatch timed out",
			"saga_id", call.SagaID,
			"step", call.StepName,
			"direction", call.Direction,
			"kind", string(call.Kind),
			"target", call.Target,
			"elapsed", time.Since(start))
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}
