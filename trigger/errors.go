package trigger

import "errors"

var (
	// ErrInvalidRequest is returned by Trigger when the request fails
	// validation. No instance is created.
	ErrInvalidRequest = errors.New("trigger: invalid request")

	// ErrMissingContext is returned by a handler when a value an earlier
	// step should have produced is absent from the saga context.
	ErrMissingContext = errors.New("trigger: missing saga context value")
)
