package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/rbaliyan/event-saga/dispatch"
)

// fakeClock advances instantly on After and records every requested delay.
// Tickers only fire on Tick.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
	ticks  *clock.Mock
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		ticks: clock.NewMock(),
	}
}

func (c *fakeClock) Ticker(d time.Duration) *clock.Ticker {
	return c.ticks.Ticker(d)
}

// Tick fires tickers due within d.
func (c *fakeClock) Tick(d time.Duration) {
	c.ticks.Add(d)
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.delays = append(c.delays, d)
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// callLog records the order in which handlers run.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(name string) int {
	n := 0
	for _, c := range l.list() {
		if c == name {
			n++
		}
	}
	return n
}

const (
	testTenant  = "acme"
	testSaga    = "order"
	testService = "orders"
)

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *MemoryStore
	registry *dispatch.Registry
	clock    *fakeClock
	calls    *callLog
	engine   *Engine
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		store:    NewMemoryStore(),
		registry: dispatch.NewRegistry(),
		clock:    newFakeClock(),
		calls:    &callLog{},
	}

	dispatcher := dispatch.New(dispatch.WithTarget(dispatch.KindInternal, h.registry))
	base := []Option{WithClock(h.clock), WithOwner("test-worker")}
	h.engine = NewEngine(h.store, dispatcher, append(base, opts...)...)
	return h
}

// handle registers fn for action on the test service and logs each call.
func (h *harness) handle(action string, fn dispatch.HandlerFunc) {
	h.registry.MustRegister(testService, action, func(ctx context.Context, input, meta map[string]any) (map[string]any, error) {
		h.calls.add(action)
		return fn(ctx, input, meta)
	})
}

// succeed registers a handler returning output.
func (h *harness) succeed(action string, output map[string]any) {
	h.handle(action, func(context.Context, map[string]any, map[string]any) (map[string]any, error) {
		return output, nil
	})
}

// fail registers a handler that always returns err.
func (h *harness) fail(action string, err error) {
	h.handle(action, func(context.Context, map[string]any, map[string]any) (map[string]any, error) {
		return nil, err
	})
}

func (h *harness) define(def *Definition) *Definition {
	h.t.Helper()

	def.TenantID = testTenant
	def.Name = testSaga
	stored, err := EnsureDefinition(h.ctx, h.store, def)
	require.NoError(h.t, err)
	return stored
}

func (h *harness) start(initial map[string]any) string {
	h.t.Helper()

	res, err := h.engine.StartSaga(h.ctx, StartRequest{
		TenantID:       testTenant,
		SagaName:       testSaga,
		InitialContext: initial,
		ActorID:        "user-1",
	})
	require.NoError(h.t, err)
	require.Equal(h.t, StatusStarted, res.Status)
	return res.SagaInstanceID
}

func (h *harness) execute(id string) *Instance {
	h.t.Helper()

	require.NoError(h.t, h.engine.Execute(h.ctx, id))
	return h.instance(id)
}

func (h *harness) instance(id string) *Instance {
	h.t.Helper()

	inst, err := h.store.GetInstance(h.ctx, id)
	require.NoError(h.t, err)
	return inst
}

func (h *harness) events(id string) []*Event {
	h.t.Helper()

	events, err := h.store.ListEvents(h.ctx, id)
	require.NoError(h.t, err)
	return events
}

// eventLog renders events as "type" or "type(step)".
func (h *harness) eventLog(id string) []string {
	var out []string
	for _, ev := range h.events(id) {
		if ev.StepName == "" {
			out = append(out, string(ev.Type))
		} else {
			out = append(out, string(ev.Type)+"("+ev.StepName+")")
		}
	}
	return out
}

func (h *harness) row(id string, idx int, dir Direction) *StepExecution {
	h.t.Helper()

	row, err := h.store.GetStepExecution(h.ctx, id, idx, dir)
	require.NoError(h.t, err)
	return row
}

// step builds an internal step whose compensation is "undo-<name>".
func step(name string, retryable bool) StepConfig {
	return StepConfig{
		Name:               name,
		Kind:               dispatch.KindInternal,
		Target:             testService,
		Action:             name,
		CompensationAction: "undo-" + name,
		Retryable:          retryable,
	}
}

var errUnavailable = errors.New("service unavailable")
