package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/backoff"

	"github.com/rbaliyan/event-saga/dispatch"
)

// stepOutcome is the result of running one step in one direction.
// The final row status is committed by the caller together with the
// instance change and events.
type stepOutcome struct {
	row     *StepExecution
	output  map[string]any
	failure *StepError
	skipped bool // already completed or compensated by an earlier run
}

type stepPolicy struct {
	maxRetries int
	timeout    time.Duration
	backoff    BackoffStrategy
}

func (e *Engine) policyFor(def *Definition, step StepConfig) stepPolicy {
	p := stepPolicy{
		maxRetries: step.MaxRetries,
		timeout:    step.Timeout,
	}
	if p.maxRetries == 0 {
		p.maxRetries = def.MaxRetries
	}
	if p.maxRetries == 0 {
		p.maxRetries = e.opts.defaultMaxRetries
	}
	if !step.Retryable {
		p.maxRetries = 0
	}
	if p.timeout <= 0 {
		p.timeout = e.opts.stepTimeout
	}

	p.backoff = e.opts.backoff
	if p.backoff == nil {
		base := def.RetryDelay
		if base <= 0 {
			base = e.opts.defaultRetryDelay
		}
		p.backoff = &backoff.Exponential{
			Initial:    base,
			Multiplier: 2,
			Max:        e.opts.maxRetryDelay,
		}
	}
	return p
}

// IdempotencyKey returns the key handlers receive for one step direction
// of an instance.
func IdempotencyKey(instanceID, stepName string, dir Direction) string {
	return instanceID + ":" + stepName + ":" + string(dir)
}

// loadRow returns the existing row for (instance, idx, dir) or persists a
// new pending one.
func (e *Engine) loadRow(ctx context.Context, r *run, idx int, dir Direction) (*StepExecution, error) {
	row, err := e.store.GetStepExecution(ctx, r.inst.ID, idx, dir)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, ErrStepExecutionNotFound) {
		return nil, fmt.Errorf("load step execution: %w", err)
	}
	row = &StepExecution{
		ID:         newID(),
		InstanceID: r.inst.ID,
		StepIndex:  idx,
		StepName:   r.def.Steps[idx].Name,
		Direction:  dir,
		Status:     StepPending,
		UpdatedAt:  e.opts.clock.Now(),
	}
	if err := e.store.Commit(ctx, &Transition{Step: row}); err != nil {
		return nil, fmt.Errorf("record pending step %s: %w", row.StepName, err)
	}
	return row, nil
}

// runStep executes step idx in direction dir, retrying retryable failures
// with backoff. The returned error is an engine error or ctx's error;
// step failures are reported in the outcome.
func (e *Engine) runStep(ctx context.Context, r *run, idx int, dir Direction) (*stepOutcome, error) {
	step := r.def.Steps[idx]
	logger := r.logger.With("step", step.Name, "step_index", idx, "direction", string(dir))

	row, err := e.loadRow(ctx, r, idx, dir)
	if err != nil {
		return nil, err
	}

	switch {
	case dir == DirectionForward && row.Status == StepCompleted,
		dir == DirectionCompensation && row.Status == StepCompensated:
		logger.Debug("step already done, skipping")
		return &stepOutcome{row: row, output: row.Output, skipped: true}, nil
	}

	now := e.opts.clock.Now()
	if row.StartedAt == nil {
		row.StartedAt = &now
	}
	row.Status = StepRunning
	row.Input = r.inst.Context.Clone()
	row.UpdatedAt = now
	if err := e.store.Commit(ctx, &Transition{Step: row}); err != nil {
		return nil, fmt.Errorf("mark step %s running: %w", step.Name, err)
	}

	action := step.Action
	if dir == DirectionCompensation {
		action = step.CompensationAction
		if action == NoCompensation {
			logger.Debug("step declares no compensation")
			return &stepOutcome{row: row, output: map[string]any{}}, nil
		}
	}

	policy := e.policyFor(r.def, step)
	call := dispatch.Call{
		SagaID:         r.inst.ID,
		TenantID:       r.inst.TenantID,
		StepName:       step.Name,
		StepIndex:      idx,
		Direction:      string(dir),
		Kind:           step.Kind,
		Target:         step.Target,
		Action:         action,
		IdempotencyKey: IdempotencyKey(r.inst.ID, step.Name, dir),
		Timeout:        policy.timeout,
	}

	for {
		attempt := row.RetryCount + 1

		var stepErr error
		if dir == DirectionForward {
			if r.exec.isInterrupted() {
				stepErr = ErrCancelled
			} else if e.deadlinePassed(r.inst) {
				stepErr = ErrDeadlineExceeded
			}
		}

		var output map[string]any
		if stepErr == nil {
			call.Input = r.inst.Context.Clone()

			logger.Info("executing step", "attempt", attempt)

			callCtx, release := e.stepContext(ctx, r, dir)
			start := e.opts.clock.Now()
			output, stepErr = e.dispatcher.Dispatch(callCtx, call)
			cause := context.Cause(callCtx)
			release()

			result := "success"
			if stepErr != nil {
				result = "failure"
			}
			e.opts.metrics.RecordStepExecution(ctx, r.inst.SagaName, step.Name, dir, result, e.opts.clock.Now().Sub(start))

			if stepErr == nil {
				if output == nil {
					output = map[string]any{}
				}
				return &stepOutcome{row: row, output: output}, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(cause, ErrDeadlineExceeded) {
				stepErr = cause
			}
		}

		// A cancelled instance gets no further forward attempts.
		stopped := dir == DirectionForward && r.exec.isInterrupted()
		if stopped || !isRetryable(stepErr) || row.RetryCount >= policy.maxRetries {
			return &stepOutcome{
				row: row,
				failure: &StepError{
					Step:      step.Name,
					Index:     idx,
					Direction: dir,
					Attempts:  attempt,
					Err:       stepErr,
				},
			}, nil
		}

		row.RetryCount++
		row.Error = stepErr.Error()
		row.UpdatedAt = e.opts.clock.Now()
		if err := e.store.Commit(ctx, &Transition{Step: row}); err != nil {
			return nil, fmt.Errorf("record retry of step %s: %w", step.Name, err)
		}
		e.opts.metrics.RecordRetry(ctx, r.inst.SagaName, step.Name, dir)

		delay := policy.backoff.NextDelay(row.RetryCount - 1)
		logger.Warn("step failed, will retry",
			"attempt", attempt,
			"max_attempts", policy.maxRetries+1,
			"backoff_delay", delay,
			"error", stepErr)

		if err := e.sleep(ctx, r, dir, delay); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Interrupted or past the deadline: fail on the next pass.
			continue
		}
	}
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrDeadlineExceeded) {
		return false
	}
	return !dispatch.IsPermanent(err)
}

func (e *Engine) deadlinePassed(inst *Instance) bool {
	return inst.Deadline != nil && !e.opts.clock.Now().Before(*inst.Deadline)
}

// stepContext returns the dispatch context of one attempt. Forward attempts
// are capped at the instance deadline; compensation is not.
func (e *Engine) stepContext(ctx context.Context, r *run, dir Direction) (context.Context, context.CancelFunc) {
	if dir != DirectionForward || r.inst.Deadline == nil {
		return context.WithCancel(ctx)
	}
	remaining := r.inst.Deadline.Sub(e.opts.clock.Now())
	return context.WithTimeoutCause(ctx, remaining, ErrDeadlineExceeded)
}

// sleep waits for the backoff delay. Forward waits end early on Cancel or
// when the instance deadline arrives.
func (e *Engine) sleep(ctx context.Context, r *run, dir Direction, delay time.Duration) error {
	if dir != DirectionForward {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.opts.clock.After(delay):
			return nil
		}
	}

	expires := false
	if r.inst.Deadline != nil {
		remaining := r.inst.Deadline.Sub(e.opts.clock.Now())
		if remaining <= delay {
			delay = remaining
			expires = true
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.exec.interrupted:
		return ErrCancelled
	case <-e.opts.clock.After(delay):
		if expires {
			return ErrDeadlineExceeded
		}
		return nil
	}
}
