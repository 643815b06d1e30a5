// Package saga provides a durable saga orchestrator.
//
// A saga coordinates a business transaction spanning several independently
// failable operations without two-phase commit:
//   - Steps run strictly in order, one at a time
//   - Progress is persisted after every step
//   - A failing step is retried with exponential backoff
//   - On persistent failure, completed steps are compensated in reverse order
//
// # Overview
//
// A Definition is a versioned, tenant-scoped template: an ordered list of
// StepConfig values, each naming a forward action and a compensation action
// on a dispatch target (internal handler, external HTTP endpoint or agent).
//
// The Engine binds an Instance to the active Definition, then drives it:
//
//	started -> running -> completed
//	                   \
//	                compensating -> compensated
//	                            \
//	                            failed
//
// Every transition writes the Instance, the StepExecution row it concerns
// and its Event log entries in one Store.Commit, so a crash leaves the
// instance resumable from Instance.CurrentStep.
//
// # Basic Usage
//
//	registry := dispatch.NewRegistry()
//	registry.MustRegister("orders", "create", createOrder)
//	registry.MustRegister("orders", "cancel", cancelOrder)
//
//	store := saga.NewMemoryStore()
//	engine := saga.NewEngine(store,
//	    dispatch.New(dispatch.WithTarget(dispatch.KindInternal, registry)),
//	    saga.WithConcurrency(8),
//	)
//
//	_, err := saga.EnsureDefinition(ctx, store, &saga.Definition{
//	    TenantID: "acme",
//	    Name:     "order",
//	    Steps: []saga.StepConfig{{
//	        Name: "create-order", Kind: dispatch.KindInternal, Target: "orders",
//	        Action: "create", CompensationAction: "cancel", Retryable: true,
//	    }},
//	})
//
//	go engine.Run(ctx)
//	res, err := engine.StartSaga(ctx, saga.StartRequest{TenantID: "acme", SagaName: "order"})
//
// # Delivery Guarantees
//
// Steps run at least once. A crash between a handler's side effect and the
// commit of its result re-runs the step on resume. Handlers receive an
// idempotency key "<instance-id>:<step-name>:<direction>" to make repeated
// delivery safe.
package saga

import (
	"time"

	"github.com/rbaliyan/event-saga/dispatch"
)

// Status is the status of a saga instance.
type Status string

const (
	// StatusStarted indicates the instance is persisted but no step ran yet.
	StatusStarted Status = "started"

	// StatusRunning indicates forward steps are executing.
	StatusRunning Status = "running"

	// StatusCompleted indicates all steps succeeded.
	StatusCompleted Status = "completed"

	// StatusCompensating indicates completed steps are being compensated.
	StatusCompensating Status = "compensating"

	// StatusCompensated indicates a step failed and all compensations succeeded.
	StatusCompensated Status = "compensated"

	// StatusFailed indicates compensation could not complete, or the engine
	// itself failed.
	StatusFailed Status = "failed"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// StepStatus is the status of one step execution row.
type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepRunning            StepStatus = "running"
	StepCompleted          StepStatus = "completed"
	StepFailed             StepStatus = "failed"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
)

// Direction distinguishes forward execution from compensation.
type Direction string

const (
	DirectionForward      Direction = "forward"
	DirectionCompensation Direction = "compensation"
)

// EventType is the type of an event log entry.
type EventType string

const (
	EventSagaStarted        EventType = "saga_started"
	EventStepCompleted      EventType = "step_completed"
	EventStepFailed         EventType = "step_failed"
	EventStepCompensated    EventType = "step_compensated"
	EventCompensationFailed EventType = "compensation_failed"
	EventSagaCompleted      EventType = "saga_completed"
	EventSagaCompensated    EventType = "saga_compensated"
	EventSagaFailed         EventType = "saga_failed"
	EventSagaCancelled      EventType = "saga_cancelled"
	EventSagaRetried        EventType = "saga_retried"
)

// NoCompensation declares that a step has nothing to undo. The compensation
// row is recorded as compensated without dispatching anything.
const NoCompensation = "noop"

// StepConfig describes one step of a Definition.
type StepConfig struct {
	Name               string        `json:"name" bson:"name"`
	Kind               dispatch.Kind `json:"kind" bson:"kind"`
	Target             string        `json:"target" bson:"target"`
	Action             string        `json:"action" bson:"action"`
	CompensationAction string        `json:"compensation_action" bson:"compensation_action"`
	Timeout            time.Duration `json:"timeout,omitempty" bson:"timeout,omitempty"`
	Retryable          bool          `json:"retryable" bson:"retryable"`
	MaxRetries         int           `json:"max_retries,omitempty" bson:"max_retries,omitempty"`
}

// Definition is a versioned saga template.
//
// Definitions are immutable once saved. New behaviour is a new version,
// see PublishDefinition.
type Definition struct {
	ID         string        `json:"id"`
	TenantID   string        `json:"tenant_id"`
	Name       string        `json:"name"`
	Version    int           `json:"version"`
	Active     bool          `json:"active"`
	Steps      []StepConfig  `json:"steps"`
	Timeout    time.Duration `json:"timeout,omitempty"`     // overall deadline, 0 = none
	MaxRetries int           `json:"max_retries,omitempty"` // default for steps
	RetryDelay time.Duration `json:"retry_delay,omitempty"` // default backoff base
	CreatedAt  time.Time     `json:"created_at"`
}

// Instance is one execution of a Definition.
//
// CurrentStep points at the next forward step to execute and is the only
// resumption pointer. Instances are never deleted.
type Instance struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	DefinitionID      string     `json:"definition_id"`
	DefinitionVersion int        `json:"definition_version"`
	SagaName          string     `json:"saga_name"`
	Status            Status     `json:"status"`
	CurrentStep       int        `json:"current_step"`
	Context           Context    `json:"context"`
	EntityType        string     `json:"entity_type,omitempty"`
	EntityID          string     `json:"entity_id,omitempty"`
	ActorID           string     `json:"actor_id,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	CompensatedAt     *time.Time `json:"compensated_at,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ErrorDetail       string     `json:"error_detail,omitempty"`
	RetryCount        int        `json:"retry_count"`
	Deadline          *time.Time `json:"deadline,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Version           int64      `json:"version"` // optimistic lock, incremented by every commit
}

// Clone returns a copy of i that shares no mutable state with it.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Context = i.Context.Clone()
	c.CompletedAt = cloneTime(i.CompletedAt)
	c.FailedAt = cloneTime(i.FailedAt)
	c.CompensatedAt = cloneTime(i.CompensatedAt)
	c.Deadline = cloneTime(i.Deadline)
	return &c
}

// StepExecution records the execution of one step in one direction.
//
// There is one row per (instance, step index, direction). Retries increment
// RetryCount on the same row.
type StepExecution struct {
	ID          string         `json:"id"`
	InstanceID  string         `json:"instance_id"`
	StepIndex   int            `json:"step_index"`
	StepName    string         `json:"step_name"`
	Direction   Direction      `json:"direction"`
	Status      StepStatus     `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Clone returns a copy of s.
func (s *StepExecution) Clone() *StepExecution {
	if s == nil {
		return nil
	}
	c := *s
	c.Input = cloneMap(s.Input)
	c.Output = cloneMap(s.Output)
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	return &c
}

// Event is an append-only audit entry.
//
// StepIndex is -1 for saga-level events. Sequence orders the events of one
// instance and is assigned by the Store.
type Event struct {
	ID              string         `json:"id"`
	InstanceID      string         `json:"instance_id"`
	TenantID        string         `json:"tenant_id"`
	StepExecutionID string         `json:"step_execution_id,omitempty"`
	StepName        string         `json:"step_name,omitempty"`
	StepIndex       int            `json:"step_index"`
	Type            EventType      `json:"type"`
	Message         string         `json:"message,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	Sequence        int64          `json:"sequence"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Clone returns a copy of e.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = cloneMap(e.Payload)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
