package saga

import (
	"encoding/json"
)

// Context is the data accumulated by a saga instance.
//
// The initial context supplied to StartSaga sits at the top level. Each
// completed forward step adds its output under its own step name.
type Context map[string]any

// Clone returns a deep copy of c. Nested maps and slices are copied.
func (c Context) Clone() Context {
	if c == nil {
		return Context{}
	}
	return Context(cloneMap(c))
}

// Merge returns a copy of c with output stored under step.
func (c Context) Merge(step string, output map[string]any) Context {
	next := c.Clone()
	if output == nil {
		output = map[string]any{}
	}
	next[step] = cloneMap(output)
	return next
}

// StepOutput returns the output recorded for step.
func (c Context) StepOutput(step string) (map[string]any, bool) {
	v, ok := c[step]
	if !ok {
		return nil, false
	}
	out, ok := v.(map[string]any)
	return out, ok
}

// Lookup returns the value stored under key in the output of step,
// converted to T.
//
// Values that went through a JSON or BSON round trip (numbers as float64,
// nested objects as maps) are converted through encoding/json, so an int
// stored in memory and a float64 read back from Postgres both satisfy
// Lookup[int].
func Lookup[T any](c Context, step, key string) (T, bool) {
	var zero T

	out, ok := c.StepOutput(step)
	if !ok {
		return zero, false
	}
	v, ok := out[key]
	if !ok || v == nil {
		return zero, false
	}
	if typed, ok := v.(T); ok {
		return typed, true
	}

	data, err := json.Marshal(v)
	if err != nil {
		return zero, false
	}
	var converted T
	if err := json.Unmarshal(data, &converted); err != nil {
		return zero, false
	}
	return converted, true
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Context:
		return cloneMap(t)
	case []any:
		c := make([]any, len(t))
		for i := range t {
			c[i] = cloneValue(t[i])
		}
		return c
	default:
		return v
	}
}
