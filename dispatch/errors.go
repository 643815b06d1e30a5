package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrHandlerNotFound is returned when no internal handler is registered
	// for a (service, action) pair.
	ErrHandlerNotFound = errors.New("dispatch: handler not found")

	// ErrUnknownKind is returned for a target kind with no registered target.
	ErrUnknownKind = errors.New("dispatch: unknown target kind")

	// ErrTimeout is returned when a call exceeds its timeout.
	ErrTimeout = errors.New("dispatch: timeout")

	// ErrHandlerPanic wraps the value of a panicking internal handler.
	ErrHandlerPanic = errors.New("dispatch: handler panicked")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
//
// Step handlers return Permanent errors for failures that cannot succeed on a
// later attempt, such as a validation failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var p *permanentError
	if errors.As(err, &p) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked
// with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// StatusError is returned by HTTPTarget for a non-2xx response.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("dispatch: %s returned status %d", e.URL, e.Code)
	}
	return fmt.Sprintf("dispatch: %s returned status %d: %s", e.URL, e.Code, e.Body)
}

// AgentError is an error reported by an agent in its reply.
type AgentError struct {
	Agent   string
	Message string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("dispatch: agent %s: %s", e.Agent, e.Message)
}
