package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"golang.org/x/sync/semaphore"
)

// StartRequest asks the engine to start a saga.
type StartRequest struct {
	TenantID       string         `json:"tenant_id"`
	SagaName       string         `json:"saga_name"`
	EntityType     string         `json:"entity_type,omitempty"`
	EntityID       string         `json:"entity_id,omitempty"`
	InitialContext map[string]any `json:"initial_context,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
}

// Validate checks the request.
func (r StartRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.TenantID, validation.Required),
		validation.Field(&r.SagaName, validation.Required),
		validation.Field(&r.EntityID, validation.When(r.EntityType != "", validation.Required)),
	)
}

// ExecutionResult summarizes an instance.
type ExecutionResult struct {
	SagaInstanceID string `json:"saga_instance_id"`
	Status         Status `json:"status"`
	CompletedSteps int    `json:"completed_steps"`
	TotalSteps     int    `json:"total_steps"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

const maxCommitAttempts = 5

var (
	// errSkip tells commit that the reloaded instance needs no change.
	errSkip = errors.New("saga: no change")

	errLeaseLost = errors.New("saga: instance lease lost")
)

// Engine drives saga instances.
//
// StartSaga persists a new instance and enqueues it; Run executes queued
// instances on a bounded set of workers. An instance is executed by one
// engine at a time, guarded by a lease.
type Engine struct {
	store      Store
	dispatcher Dispatcher
	opts       engineOptions
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]*execution
}

// NewEngine creates an engine.
//
// Example:
//
//	engine := saga.NewEngine(store, dispatcher,
//	    saga.WithQueue(saga.NewRedisQueue(rdb)),
//	    saga.WithLeaser(saga.NewRedisLeaser(rdb)),
//	    saga.WithConcurrency(16),
//	)
func NewEngine(store Store, dispatcher Dispatcher, opts ...Option) *Engine {
	o := engineOptions{
		logger:            slog.Default(),
		leaseTTL:          30 * time.Second,
		concurrency:       4,
		defaultRetryDelay: time.Second,
		maxRetryDelay:     5 * time.Minute,
		defaultMaxRetries: 3,
		stepTimeout:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = defaultClock()
	}
	if o.queue == nil {
		o.queue = NewMemoryQueue()
	}
	if o.leaser == nil {
		o.leaser = NewMemoryLeaser()
	}
	if o.owner == "" {
		o.owner = defaultOwner()
	}

	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		opts:       o,
		logger:     o.logger,
		running:    make(map[string]*execution),
	}
}

// Store returns the engine's store.
func (e *Engine) Store() Store {
	return e.store
}

// StartSaga binds a new instance to the active definition of
// (TenantID, SagaName), persists it with its saga_started event and
// enqueues it for execution.
//
// Returns ErrDefinitionNotFound when no definition exists and
// ErrDefinitionInactive when the latest version is inactive. No instance is
// created in either case.
func (e *Engine) StartSaga(ctx context.Context, req StartRequest) (*ExecutionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid start request: %w", err)
	}

	def, err := e.activeDefinition(ctx, req.TenantID, req.SagaName)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, def, req, 0)
}

func (e *Engine) activeDefinition(ctx context.Context, tenantID, name string) (*Definition, error) {
	def, err := e.store.GetActiveDefinition(ctx, tenantID, name)
	if err == nil {
		return def, nil
	}
	if !errors.Is(err, ErrDefinitionNotFound) {
		return nil, fmt.Errorf("load definition: %w", err)
	}
	if _, lerr := e.store.LatestDefinition(ctx, tenantID, name); lerr == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrDefinitionInactive, tenantID, name)
	}
	return nil, err
}

func (e *Engine) start(ctx context.Context, def *Definition, req StartRequest, retryCount int) (*ExecutionResult, error) {
	now := e.opts.clock.Now()

	initial := Context(cloneMap(req.InitialContext))
	if initial == nil {
		initial = Context{}
	}

	inst := &Instance{
		ID:                newID(),
		TenantID:          req.TenantID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		SagaName:          def.Name,
		Status:            StatusStarted,
		Context:           initial,
		EntityType:        req.EntityType,
		EntityID:          req.EntityID,
		ActorID:           req.ActorID,
		StartedAt:         now,
		RetryCount:        retryCount,
		UpdatedAt:         now,
	}
	if def.Timeout > 0 {
		deadline := now.Add(def.Timeout)
		inst.Deadline = &deadline
	}

	ev := e.newEvent(inst, EventSagaStarted, nil, "saga started", map[string]any{
		"definition_version": def.Version,
		"actor_id":           req.ActorID,
		"total_steps":        len(def.Steps),
	})
	if err := e.store.CreateInstance(ctx, inst, ev); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	e.logger.Info("saga started",
		"saga_id", inst.ID,
		"saga", inst.SagaName,
		"tenant_id", inst.TenantID,
		"definition_version", def.Version,
		"steps", len(def.Steps))

	if err := e.opts.queue.Enqueue(ctx, inst.ID); err != nil {
		e.logger.Error("failed to enqueue saga, recovery will pick it up",
			"saga_id", inst.ID,
			"error", err)
	}

	return &ExecutionResult{
		SagaInstanceID: inst.ID,
		Status:         inst.Status,
		CompletedSteps: 0,
		TotalSteps:     len(def.Steps),
	}, nil
}

// run is the in-memory state of one Execute call.
type run struct {
	inst   *Instance
	def    *Definition
	exec   *execution
	logger *slog.Logger
}

// execution lets Cancel stop an instance between forward attempts. The
// attempt in flight runs to its end so its outcome is recorded.
type execution struct {
	mu          sync.Mutex
	interrupted chan struct{}
	closed      bool
}

func newExecution() *execution {
	return &execution{interrupted: make(chan struct{})}
}

func (x *execution) interrupt() {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.closed {
		close(x.interrupted)
		x.closed = true
	}
}

func (x *execution) isInterrupted() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.closed
}

func (e *Engine) track(id string) *execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	x := newExecution()
	e.running[id] = x
	return x
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

func (e *Engine) interrupt(id string) bool {
	e.mu.Lock()
	x, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		x.interrupt()
	}
	return ok
}

// Execute runs an instance from where it stopped until it reaches a
// terminal status.
//
// Terminal instances are left untouched. Returns ErrLeaseHeld when another
// worker owns the instance. When ctx is cancelled the instance is left
// resumable and ctx's error is returned. Other errors are engine errors:
// the instance is marked failed and the error is returned.
func (e *Engine) Execute(ctx context.Context, instanceID string) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	if inst.Status.Terminal() {
		return nil
	}

	acquired, err := e.opts.leaser.Acquire(ctx, instanceID, e.opts.owner, e.opts.leaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		return ErrLeaseHeld
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stopKeepAlive := e.keepLease(runCtx, instanceID, cancel)
	x := e.track(instanceID)
	defer func() {
		e.untrack(instanceID)
		stopKeepAlive()
		cancel(nil)
		if err := e.opts.leaser.Release(context.WithoutCancel(ctx), instanceID, e.opts.owner); err != nil {
			e.logger.Warn("failed to release lease", "saga_id", instanceID, "error", err)
		}
	}()

	// Reload under the lease: the previous holder may have moved it on.
	inst, err = e.store.GetInstance(runCtx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	if inst.Status.Terminal() {
		return nil
	}

	r := &run{
		inst: inst,
		exec: x,
		logger: e.logger.With(
			"saga_id", inst.ID,
			"saga", inst.SagaName,
			"tenant_id", inst.TenantID),
	}

	e.opts.metrics.RecordSagaStart(ctx, inst.SagaName)
	defer func() {
		e.opts.metrics.RecordSagaEnd(ctx, r.inst.SagaName, r.inst.Status, e.opts.clock.Now().Sub(r.inst.StartedAt))
	}()

	err = e.drive(runCtx, r)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		r.logger.Info("saga execution interrupted, instance is resumable",
			"status", r.inst.Status,
			"current_step", r.inst.CurrentStep)
		return ctx.Err()
	}
	if errors.Is(context.Cause(runCtx), errLeaseLost) {
		r.logger.Warn("saga execution stopped, lease lost")
		return errLeaseLost
	}

	r.logger.Error("saga engine error", "error", err)
	if ferr := e.failInstance(context.WithoutCancel(ctx), r, err); ferr != nil {
		r.logger.Error("failed to record engine error", "error", ferr)
	}
	return err
}

// keepLease renews the lease every TTL/3 and cancels the run when the
// lease cannot be renewed.
func (e *Engine) keepLease(ctx context.Context, instanceID string, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		interval := e.opts.leaseTTL / 3
		if interval <= 0 {
			interval = time.Second
		}
		ticker := e.opts.clock.Ticker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := e.opts.leaser.Extend(ctx, instanceID, e.opts.owner, e.opts.leaseTTL)
				if err != nil {
					e.logger.Warn("failed to extend lease", "saga_id", instanceID, "error", err)
					continue
				}
				if !ok {
					cancel(errLeaseLost)
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// drive moves the instance through its remaining transitions.
func (e *Engine) drive(ctx context.Context, r *run) error {
	def, err := e.store.GetDefinition(ctx, r.inst.DefinitionID)
	if err != nil {
		return fmt.Errorf("load definition %s: %w", r.inst.DefinitionID, err)
	}
	r.def = def

	if r.inst.Status == StatusStarted {
		err := e.commit(ctx, r, nil, func(inst *Instance) ([]*Event, error) {
			if inst.Status != StatusStarted {
				return nil, errSkip
			}
			next, err := nextStatus(inst.Status, triggerRun)
			if err != nil {
				return nil, err
			}
			inst.Status = next
			return nil, nil
		})
		if err != nil {
			return err
		}
	}

	if r.inst.Status == StatusRunning {
		if err := e.runForward(ctx, r); err != nil {
			return err
		}
	}

	if r.inst.Status == StatusCompensating {
		return e.runCompensation(ctx, r)
	}
	return nil
}

func (e *Engine) runForward(ctx context.Context, r *run) error {
	steps := r.def.Steps

	for i := r.inst.CurrentStep; i < len(steps); i++ {
		if r.inst.Status != StatusRunning {
			return nil
		}

		out, err := e.runStep(ctx, r, i, DirectionForward)
		if err != nil {
			return err
		}

		if out.failure != nil {
			if err := e.recordForwardFailure(ctx, r, out); err != nil {
				return err
			}
			return nil
		}

		if err := e.recordForwardSuccess(ctx, r, out); err != nil {
			return err
		}
	}

	if r.inst.Status != StatusRunning {
		return nil
	}

	err := e.commit(ctx, r, nil, func(inst *Instance) ([]*Event, error) {
		if inst.Status == StatusCompensating {
			return nil, errSkip
		}
		next, err := nextStatus(inst.Status, triggerComplete)
		if err != nil {
			return nil, err
		}
		now := e.opts.clock.Now()
		inst.Status = next
		inst.CompletedAt = &now
		return []*Event{e.newEvent(inst, EventSagaCompleted, nil, "saga completed", map[string]any{
			"completed_steps": inst.CurrentStep,
		})}, nil
	})
	if err != nil {
		return err
	}

	if r.inst.Status == StatusCompleted {
		r.logger.Info("saga completed", "steps", len(steps))
	}
	return nil
}

func (e *Engine) recordForwardSuccess(ctx context.Context, r *run, out *stepOutcome) error {
	row := out.row
	idx := row.StepIndex

	if !out.skipped {
		now := e.opts.clock.Now()
		row.Status = StepCompleted
		row.Output = cloneMap(out.output)
		row.Error = ""
		row.CompletedAt = &now
		row.UpdatedAt = now
	}

	return e.commit(ctx, r, row, func(inst *Instance) ([]*Event, error) {
		if inst.Status.Terminal() {
			return nil, fmt.Errorf("%w: step %s completed on %s instance", ErrInvalidTransition, row.StepName, inst.Status)
		}
		inst.Context = inst.Context.Merge(row.StepName, out.output)
		if inst.CurrentStep < idx+1 {
			inst.CurrentStep = idx + 1
		}
		if out.skipped {
			return nil, nil
		}
		return []*Event{e.newEvent(inst, EventStepCompleted, row, "step completed", map[string]any{
			"attempts": row.RetryCount + 1,
		})}, nil
	})
}

func (e *Engine) recordForwardFailure(ctx context.Context, r *run, out *stepOutcome) error {
	row := out.row
	now := e.opts.clock.Now()
	row.Status = StepFailed
	row.Error = out.failure.Err.Error()
	row.CompletedAt = &now
	row.UpdatedAt = now

	r.logger.Error("step failed",
		"step", row.StepName,
		"step_index", row.StepIndex,
		"attempts", out.failure.Attempts,
		"error", out.failure.Err)

	return e.commit(ctx, r, row, func(inst *Instance) ([]*Event, error) {
		switch inst.Status {
		case StatusRunning:
			next, err := nextStatus(inst.Status, triggerCompensate)
			if err != nil {
				return nil, err
			}
			inst.Status = next
			inst.ErrorMessage = out.failure.Error()
		case StatusCompensating:
			// Cancelled while the step was in flight; keep the cancel reason.
		default:
			return nil, fmt.Errorf("%w: step %s failed on %s instance", ErrInvalidTransition, row.StepName, inst.Status)
		}
		return []*Event{e.newEvent(inst, EventStepFailed, row, out.failure.Error(), map[string]any{
			"attempts": out.failure.Attempts,
			"error":    out.failure.Err.Error(),
		})}, nil
	})
}

// runCompensation walks completed steps in reverse order. The first
// compensation that fails permanently stops the walk and fails the instance.
func (e *Engine) runCompensation(ctx context.Context, r *run) error {
	last := r.inst.CurrentStep - 1
	if last >= len(r.def.Steps) {
		last = len(r.def.Steps) - 1
	}

	r.logger.Info("starting compensation", "steps_to_compensate", last+1)

	for j := last; j >= 0; j-- {
		out, err := e.runStep(ctx, r, j, DirectionCompensation)
		if err != nil {
			return err
		}
		if out.skipped {
			continue
		}

		row := out.row
		now := e.opts.clock.Now()
		row.CompletedAt = &now
		row.UpdatedAt = now

		if out.failure != nil {
			row.Status = StepCompensationFailed
			row.Error = out.failure.Err.Error()
			e.opts.metrics.RecordCompensation(ctx, r.inst.SagaName, row.StepName, "failure")

			r.logger.Error("compensation failed",
				"step", row.StepName,
				"step_index", row.StepIndex,
				"attempts", out.failure.Attempts,
				"error", out.failure.Err)

			return e.commit(ctx, r, row, func(inst *Instance) ([]*Event, error) {
				next, err := nextStatus(inst.Status, triggerFail)
				if err != nil {
					return nil, err
				}
				msg := fmt.Sprintf("compensation failed at step %s", row.StepName)
				inst.Status = next
				inst.FailedAt = &now
				inst.ErrorMessage = msg
				inst.ErrorDetail = out.failure.Error()
				return []*Event{
					e.newEvent(inst, EventCompensationFailed, row, out.failure.Error(), map[string]any{
						"attempts": out.failure.Attempts,
						"error":    out.failure.Err.Error(),
					}),
					e.newEvent(inst, EventSagaFailed, nil, msg, nil),
				}, nil
			})
		}

		row.Status = StepCompensated
		row.Output = cloneMap(out.output)
		row.Error = ""
		e.opts.metrics.RecordCompensation(ctx, r.inst.SagaName, row.StepName, "success")

		err = e.commit(ctx, r, row, func(inst *Instance) ([]*Event, error) {
			return []*Event{e.newEvent(inst, EventStepCompensated, row, "step compensated", map[string]any{
				"attempts": row.RetryCount + 1,
			})}, nil
		})
		if err != nil {
			return err
		}
	}

	err := e.commit(ctx, r, nil, func(inst *Instance) ([]*Event, error) {
		next, err := nextStatus(inst.Status, triggerCompensated)
		if err != nil {
			return nil, err
		}
		now := e.opts.clock.Now()
		inst.Status = next
		inst.CompensatedAt = &now
		return []*Event{e.newEvent(inst, EventSagaCompensated, nil, "saga compensated", nil)}, nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("compensation completed")
	return nil
}

// commit applies mutate to a copy of the instance and persists it with row
// and the returned events. On a version conflict the instance is reloaded
// and mutate applied again.
func (e *Engine) commit(ctx context.Context, r *run, row *StepExecution, mutate func(*Instance) ([]*Event, error)) error {
	inst, err := e.commitInstance(ctx, r.inst, row, mutate)
	if inst != nil {
		r.inst = inst
	}
	return err
}

func (e *Engine) commitInstance(ctx context.Context, current *Instance, row *StepExecution, mutate func(*Instance) ([]*Event, error)) (*Instance, error) {
	for attempt := 1; ; attempt++ {
		next := current.Clone()
		events, err := mutate(next)
		if errors.Is(err, errSkip) {
			return current, nil
		}
		if err != nil {
			return current, err
		}
		next.UpdatedAt = e.opts.clock.Now()

		err = e.store.Commit(ctx, &Transition{Instance: next, Step: row, Events: events})
		if err == nil {
			return next, nil
		}
		if !IsVersionConflict(err) || attempt >= maxCommitAttempts {
			return current, fmt.Errorf("commit instance %s: %w", current.ID, err)
		}

		fresh, gerr := e.store.GetInstance(ctx, current.ID)
		if gerr != nil {
			return current, fmt.Errorf("reload instance %s: %w", current.ID, gerr)
		}
		current = fresh
	}
}

// failInstance records an engine error on the instance.
func (e *Engine) failInstance(ctx context.Context, r *run, cause error) error {
	fresh, err := e.store.GetInstance(ctx, r.inst.ID)
	if err != nil {
		return fmt.Errorf("reload instance: %w", err)
	}
	r.inst = fresh

	return e.commit(ctx, r, nil, func(inst *Instance) ([]*Event, error) {
		if inst.Status.Terminal() {
			return nil, errSkip
		}
		next, err := nextStatus(inst.Status, triggerFail)
		if err != nil {
			return nil, err
		}
		now := e.opts.clock.Now()
		inst.Status = next
		inst.FailedAt = &now
		inst.ErrorMessage = "engine error: " + cause.Error()
		inst.ErrorDetail = fmt.Sprintf("%+v", cause)
		return []*Event{e.newEvent(inst, EventSagaFailed, nil, inst.ErrorMessage, nil)}, nil
	})
}

func (e *Engine) newEvent(inst *Instance, typ EventType, row *StepExecution, msg string, payload map[string]any) *Event {
	ev := &Event{
		ID:         newID(),
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		StepIndex:  -1,
		Type:       typ,
		Message:    msg,
		Payload:    payload,
		CreatedAt:  e.opts.clock.Now(),
	}
	if row != nil {
		ev.StepExecutionID = row.ID
		ev.StepName = row.StepName
		ev.StepIndex = row.StepIndex
	}
	return ev
}

// Cancel stops a started or running instance and compensates the steps it
// completed.
//
// A forward step in flight finishes its current attempt first. If it
// succeeds it is compensated with the others; if it fails it is not retried.
// Returns ErrNotCancellable for instances in any other status.
func (e *Engine) Cancel(ctx context.Context, instanceID, actorID, reason string) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	_, err = e.commitInstance(ctx, inst, nil, func(inst *Instance) ([]*Event, error) {
		if !canFire(inst.Status, triggerCompensate) {
			return nil, fmt.Errorf("%w: status %s", ErrNotCancellable, inst.Status)
		}
		next, err := nextStatus(inst.Status, triggerCompensate)
		if err != nil {
			return nil, err
		}
		msg := "cancelled"
		if reason != "" {
			msg = "cancelled: " + reason
		}
		inst.Status = next
		inst.ErrorMessage = msg
		return []*Event{e.newEvent(inst, EventSagaCancelled, nil, msg, map[string]any{
			"actor_id": actorID,
			"reason":   reason,
		})}, nil
	})
	if err != nil {
		return err
	}

	local := e.interrupt(instanceID)
	e.logger.Info("saga cancelled",
		"saga_id", instanceID,
		"actor_id", actorID,
		"reason", reason,
		"interrupted", local)

	if err := e.opts.queue.Enqueue(ctx, instanceID); err != nil {
		e.logger.Error("failed to enqueue cancelled saga", "saga_id", instanceID, "error", err)
	}
	return nil
}

// Retry starts a fresh instance of a failed or compensated instance's saga,
// seeded with its context and entity linkage. Returns ErrNotRetryable for
// instances in any other status.
func (e *Engine) Retry(ctx context.Context, instanceID, actorID string) (*ExecutionResult, error) {
	old, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if old.Status != StatusFailed && old.Status != StatusCompensated {
		return nil, fmt.Errorf("%w: status %s", ErrNotRetryable, old.Status)
	}

	def, err := e.activeDefinition(ctx, old.TenantID, old.SagaName)
	if err != nil {
		return nil, err
	}

	res, err := e.start(ctx, def, StartRequest{
		TenantID:       old.TenantID,
		SagaName:       old.SagaName,
		EntityType:     old.EntityType,
		EntityID:       old.EntityID,
		InitialContext: old.Context,
		ActorID:        actorID,
	}, old.RetryCount+1)
	if err != nil {
		return nil, err
	}

	ev := e.newEvent(old, EventSagaRetried, nil, "saga retried", map[string]any{
		"actor_id":        actorID,
		"new_instance_id": res.SagaInstanceID,
	})
	if err := e.store.Commit(ctx, &Transition{Events: []*Event{ev}}); err != nil {
		e.logger.Error("failed to record retry event", "saga_id", instanceID, "error", err)
	}
	return res, nil
}

// GetInstance returns an instance.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	return e.store.GetInstance(ctx, instanceID)
}

// ListInstances returns instances matching filter.
func (e *Engine) ListInstances(ctx context.Context, filter InstanceFilter) (*InstancePage, error) {
	return e.store.ListInstances(ctx, filter)
}

// StepExecutions returns the step rows of an instance.
func (e *Engine) StepExecutions(ctx context.Context, instanceID string) ([]*StepExecution, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListStepExecutions(ctx, instanceID)
}

// Events returns the event log of an instance.
func (e *Engine) Events(ctx context.Context, instanceID string) ([]*Event, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, instanceID)
}

// Result summarizes an instance.
func (e *Engine) Result(ctx context.Context, instanceID string) (*ExecutionResult, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.store.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}
	return &ExecutionResult{
		SagaInstanceID: inst.ID,
		Status:         inst.Status,
		CompletedSteps: inst.CurrentStep,
		TotalSteps:     len(def.Steps),
		ErrorMessage:   inst.ErrorMessage,
	}, nil
}

// Run executes queued instances until ctx is done, at most
// WithConcurrency at a time. It waits for in-flight executions before
// returning; those are left resumable.
func (e *Engine) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(e.opts.concurrency))
	var wg sync.WaitGroup
	defer wg.Wait()

	e.logger.Info("saga engine started",
		"owner", e.opts.owner,
		"concurrency", e.opts.concurrency)

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		id, err := e.opts.queue.Dequeue(ctx)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Error("failed to dequeue saga", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-e.opts.clock.After(time.Second):
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			e.executeQueued(ctx, id)
		}()
	}
}

func (e *Engine) executeQueued(ctx context.Context, id string) {
	err := e.Execute(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrLeaseHeld):
		e.logger.Debug("saga owned by another worker", "saga_id", id)
	case ctx.Err() != nil:
	case IsNotFound(err):
		e.logger.Warn("queued saga not found", "saga_id", id)
	default:
		e.logger.Error("saga execution failed", "saga_id", id, "error", err)
	}
}

// Recover enqueues every instance that has not reached a terminal status.
// Call it at startup. Returns the number of instances enqueued.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	const pageSize = 500

	filter := InstanceFilter{
		Status: []Status{StatusStarted, StatusRunning, StatusCompensating},
		Limit:  pageSize,
	}

	var ids []string
	for {
		page, err := e.store.ListInstances(ctx, filter)
		if err != nil {
			return 0, fmt.Errorf("list instances: %w", err)
		}
		for _, inst := range page.Items {
			ids = append(ids, inst.ID)
		}
		if len(page.Items) < pageSize {
			break
		}
		filter.Offset += pageSize
	}

	for _, id := range ids {
		if err := e.opts.queue.Enqueue(ctx, id); err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", id, err)
		}
	}

	e.logger.Info("recovered sagas", "count", len(ids))
	return len(ids), nil
}
