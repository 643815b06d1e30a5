package saga

import (
	"errors"
	"fmt"

	eventerrors "github.com/rbaliyan/event/v3/errors"
)

var (
	// ErrDefinitionNotFound is returned when no definition exists.
	ErrDefinitionNotFound = errors.New("saga: definition not found")

	// ErrDefinitionInactive is returned when the latest definition version
	// for a (tenant, name) exists but is not active.
	ErrDefinitionInactive = errors.New("saga: definition inactive")

	// ErrDefinitionExists is returned when saving a (tenant, name, version)
	// that is already stored.
	ErrDefinitionExists = errors.New("saga: definition version already exists")

	// ErrInstanceNotFound is returned when no instance has the given ID.
	ErrInstanceNotFound = errors.New("saga: instance not found")

	// ErrInstanceExists is returned when creating an instance twice.
	ErrInstanceExists = errors.New("saga: instance already exists")

	// ErrStepExecutionNotFound is returned when no step execution row exists.
	ErrStepExecutionNotFound = errors.New("saga: step execution not found")

	// ErrInvalidTransition is returned for a status change the state machine
	// does not permit.
	ErrInvalidTransition = errors.New("saga: invalid status transition")

	// ErrDeadlineExceeded is the step error recorded when the instance
	// deadline passes before the forward path finishes.
	ErrDeadlineExceeded = errors.New("saga: deadline exceeded")

	// ErrCancelled is the step error recorded when an operator cancels an
	// instance while a step is in flight.
	ErrCancelled = errors.New("saga: cancelled")

	// ErrLeaseHeld is returned by Execute when another worker owns the instance.
	ErrLeaseHeld = errors.New("saga: instance lease held by another worker")

	// ErrNotCancellable is returned by Cancel for instances that are not
	// started or running.
	ErrNotCancellable = errors.New("saga: instance cannot be cancelled")

	// ErrNotRetryable is returned by Retry for instances that are not failed
	// or compensated.
	ErrNotRetryable = errors.New("saga: instance cannot be retried")

	// ErrVersionConflict is returned when an instance update fails due to a
	// version mismatch: another writer committed since it was read.
	//
	// This is an alias to the shared event errors package for ecosystem consistency.
	ErrVersionConflict = eventerrors.ErrVersionConflict
)

// NewVersionConflictError creates a detailed version conflict error for an instance.
func NewVersionConflictError(instanceID string, expected, actual int64) error {
	return eventerrors.NewVersionConflictError("saga instance", instanceID, expected, actual)
}

// IsVersionConflict checks if an error indicates a version conflict.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || eventerrors.IsVersionConflict(err)
}

// IsNotFound checks if an error indicates a missing definition, instance or
// step execution.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrStepExecutionNotFound) ||
		eventerrors.IsNotFound(err)
}

// StepError is returned when a step fails permanently in either direction.
type StepError struct {
	Step      string
	Index     int
	Direction Direction
	Attempts  int
	Err       error
}

func (e *StepError) Error() string {
	if e.Direction == DirectionCompensation {
		return fmt.Sprintf("compensation of step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
	}
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
