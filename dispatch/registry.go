package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// Metadata keys present in the saga context passed to internal handlers.
const (
	MetaSagaID         = "saga_id"
	MetaTenantID       = "tenant_id"
	MetaStep           = "step"
	MetaStepIndex      = "step_index"
	MetaDirection      = "direction"
	MetaIdempotencyKey = "idempotency_key"
	MetaAction         = "action"
)

// HandlerFunc is an internal step handler.
//
// input is a copy of the accumulated saga context. sagaContext carries call
// metadata under the Meta* keys.
type HandlerFunc func(ctx context.Context, input map[string]any, sagaContext map[string]any) (map[string]any, error)

// Registry maps (service, action) pairs to internal handlers.
//
// A call's Target names the service and its Action names the method.
// Registry implements Target for KindInternal.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func handlerKey(service, action string) string {
	return service + "." + action
}

// Register adds a handler. Registering the same pair twice is an error.
func (r *Registry) Register(service, action string, h HandlerFunc) error {
	if service == "" || action == "" {
		return fmt.Errorf("register handler: service and action are required")
	}
	if h == nil {
		return fmt.Errorf("register handler %s: nil handler", handlerKey(service, action))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := handlerKey(service, action)
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("register handler %s: already registered", key)
	}
	r.handlers[key] = h
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(service, action string, h HandlerFunc) {
	if err := r.Register(service, action, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for (service, action).
func (r *Registry) Lookup(service, action string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[handlerKey(service, action)]
	return h, ok
}

// Invoke runs the handler registered for the call. A panicking handler
// yields a permanent ErrHandlerPanic error.
func (r *Registry) Invoke(ctx context.Context, call Call) (out map[string]any, err error) {
	h, ok := r.Lookup(call.Target, call.Action)
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %s", ErrHandlerNotFound, handlerKey(call.Target, call.Action)))
	}

	sagaContext := map[string]any{
		MetaSagaID:         call.SagaID,
		MetaTenantID:       call.TenantID,
		MetaStep:           call.StepName,
		MetaStepIndex:      call.StepIndex,
		MetaDirection:      call.Direction,
		MetaIdempotencyKey: call.IdempotencyKey,
		MetaAction:         call.Action,
	}

	defer func() {
		if v := recover(); v != nil {
			out = nil
			err = Permanent(fmt.Errorf("%w: %s: %v", ErrHandlerPanic, handlerKey(call.Target, call.Action), v))
		}
	}()
	return h(ctx, call.Input, sagaContext)
}

// Compile-time check
var _ Target = (*Registry)(nil)
