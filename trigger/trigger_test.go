package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbaliyan/event-saga/dispatch"
	"github.com/rbaliyan/event-saga/saga"
)

// fakeServices implements every service interface and records calls.
type fakeServices struct {
	mu    sync.Mutex
	calls []string
	refs  []Ref
	fail  map[string]error
}

func newFakeServices() *fakeServices {
	return &fakeServices{fail: make(map[string]error)}
}

func (f *fakeServices) record(ref Ref, call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.refs = append(f.refs, ref)
	return f.fail[call]
}

func (f *fakeServices) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeServices) services() Services {
	return Services{Quotes: f, Inventory: f, Orders: f, Invoices: f, Ledger: f, Notifier: f}
}

func (f *fakeServices) CreateQuote(_ context.Context, ref Ref, customerID, currency string, lines []QuoteLine) (string, error) {
	if err := f.record(ref, "create-quote"); err != nil {
		return "", err
	}
	return fmt.Sprintf("q-%s-%s-%d", customerID, currency, len(lines)), nil
}

func (f *fakeServices) CancelQuote(_ context.Context, ref Ref, quoteID string) error {
	return f.record(ref, "cancel-quote:"+quoteID)
}

func (f *fakeServices) Reserve(_ context.Context, ref Ref, quoteID string, _ []QuoteLine) (string, error) {
	if err := f.record(ref, "reserve"); err != nil {
		return "", err
	}
	return "r-" + quoteID, nil
}

func (f *fakeServices) Release(_ context.Context, ref Ref, reservationID string) error {
	return f.record(ref, "release:"+reservationID)
}

func (f *fakeServices) ConvertQuote(_ context.Context, ref Ref, _, _ string) (string, error) {
	if err := f.record(ref, "convert-quote"); err != nil {
		return "", err
	}
	return "o-1", nil
}

func (f *fakeServices) CancelOrder(_ context.Context, ref Ref, orderID string) error {
	return f.record(ref, "cancel-order:"+orderID)
}

func (f *fakeServices) CreateInvoice(_ context.Context, ref Ref, _, _ string, lines []QuoteLine) (Invoice, error) {
	if err := f.record(ref, "create-invoice"); err != nil {
		return Invoice{}, err
	}
	var total int64
	for _, l := range lines {
		total += int64(l.Quantity) * l.UnitPriceMinor
	}
	return Invoice{ID: "inv-1", TotalMinor: total}, nil
}

func (f *fakeServices) VoidInvoice(_ context.Context, ref Ref, invoiceID string) error {
	return f.record(ref, "void-invoice:"+invoiceID)
}

func (f *fakeServices) PostInvoice(_ context.Context, ref Ref, invoiceID string, totalMinor int64, currency string) (string, error) {
	if err := f.record(ref, "post-invoice"); err != nil {
		return "", err
	}
	return fmt.Sprintf("je-%s-%d-%s", invoiceID, totalMinor, currency), nil
}

func (f *fakeServices) ReverseEntry(_ context.Context, ref Ref, journalEntryID string) error {
	return f.record(ref, "reverse-entry:"+journalEntryID)
}

func (f *fakeServices) NotifyInvoiced(_ context.Context, ref Ref, _, _ string) (string, error) {
	if err := f.record(ref, "notify"); err != nil {
		return "", err
	}
	return "n-1", nil
}

func newEngine(t *testing.T, svc *fakeServices) *saga.Engine {
	t.Helper()
	registry := dispatch.NewRegistry()
	require.NoError(t, Register(registry, svc.services()))
	return saga.NewEngine(saga.NewMemoryStore(),
		dispatch.New(dispatch.WithTarget(dispatch.KindInternal, registry)),
		saga.WithOwner("trigger-test"),
	)
}

func validRequest() DemandToCashRequest {
	return DemandToCashRequest{
		TenantID:   "acme",
		CustomerID: "cust-42",
		Currency:   "EUR",
		ActorID:    "u-7",
		QuoteLines: []QuoteLine{
			{SKU: "WIDGET-1", Quantity: 3, UnitPriceMinor: 1250},
			{SKU: "GADGET-9", Quantity: 1, UnitPriceMinor: 4000},
		},
	}
}

func TestDemandToCashDefinition(t *testing.T) {
	d2c := NewDemandToCash(nil)
	def := d2c.Definition("acme")

	require.NoError(t, def.Validate())
	assert.Equal(t, DemandToCashSaga, def.Name)

	var names []string
	for _, s := range def.Steps {
		names = append(names, s.Name)
		assert.Equal(t, dispatch.KindInternal, s.Kind)
		assert.NotEmpty(t, s.CompensationAction, s.Name)
	}
	assert.Equal(t, []string{
		StepCreateQuote, StepReserveInventory, StepConvertOrder,
		StepCreateInvoice, StepPostGL, StepNotifyCustomer,
	}, names)
	assert.Equal(t, saga.NoCompensation, def.Steps[5].CompensationAction)
	assert.Equal(t, 3, def.MaxRetries)
}

func TestDemandToCashOptions(t *testing.T) {
	d2c := NewDemandToCash(nil,
		WithStepKind(dispatch.KindAgent),
		WithTimeout(time.Hour),
		WithMaxRetries(5),
		WithRetryDelay(2*time.Second),
		WithStepTimeout(time.Minute),
	)
	def := d2c.Definition("acme")

	require.NoError(t, def.Validate())
	assert.Equal(t, time.Hour, def.Timeout)
	assert.Equal(t, 5, def.MaxRetries)
	assert.Equal(t, 2*time.Second, def.RetryDelay)
	for _, s := range def.Steps {
		assert.Equal(t, dispatch.KindAgent, s.Kind)
		assert.Equal(t, time.Minute, s.Timeout)
	}
	assert.Equal(t, ServiceLedger, def.Steps[4].Target)

	// Unknown kinds are ignored.
	def = NewDemandToCash(nil, WithStepKind("smtp")).Definition("acme")
	assert.Equal(t, dispatch.KindInternal, def.Steps[0].Kind)
}

func TestDemandToCashTrigger(t *testing.T) {
	ctx := context.Background()

	t.Run("CompletesAllSteps", func(t *testing.T) {
		svc := newFakeServices()
		engine := newEngine(t, svc)
		d2c := NewDemandToCash(engine)

		res, err := d2c.Trigger(ctx, validRequest())
		require.NoError(t, err)
		assert.Equal(t, saga.StatusStarted, res.Status)
		assert.Equal(t, 6, res.TotalSteps)

		require.NoError(t, engine.Execute(ctx, res.SagaInstanceID))

		inst, err := engine.GetInstance(ctx, res.SagaInstanceID)
		require.NoError(t, err)
		assert.Equal(t, saga.StatusCompleted, inst.Status)
		assert.Equal(t, EntityCustomer, inst.EntityType)
		assert.Equal(t, "cust-42", inst.EntityID)
		assert.Equal(t, "u-7", inst.ActorID)

		assert.Equal(t, []string{
			"create-quote", "reserve", "convert-quote", "create-invoice", "post-invoice", "notify",
		}, svc.Calls())

		quoteID, ok := QuoteID(inst.Context)
		assert.True(t, ok)
		assert.Equal(t, "q-cust-42-EUR-2", quoteID)

		reservationID, ok := ReservationID(inst.Context)
		assert.True(t, ok)
		assert.Equal(t, "r-"+quoteID, reservationID)

		orderID, ok := OrderID(inst.Context)
		assert.True(t, ok)
		assert.Equal(t, "o-1", orderID)

		invoiceID, ok := InvoiceID(inst.Context)
		assert.True(t, ok)
		assert.Equal(t, "inv-1", invoiceID)

		total, ok := InvoiceTotal(inst.Context)
		assert.True(t, ok)
		assert.Equal(t, int64(3*1250+4000), total)

		entryID, ok := JournalEntryID(inst.Context)
		assert.True(t, ok)
		assert.Equal(t, "je-inv-1-7750-EUR", entryID)

		for _, ref := range svc.refs {
			assert.Equal(t, "acme", ref.TenantID)
			assert.Equal(t, res.SagaInstanceID, ref.SagaID)
			assert.NotEmpty(t, ref.IdempotencyKey)
		}
	})

	t.Run("CompensatesOnInvoiceFailure", func(t *testing.T) {
		svc := newFakeServices()
		svc.fail["create-invoice"] = dispatch.Permanent(errors.New("customer on credit hold"))
		engine := newEngine(t, svc)
		d2c := NewDemandToCash(engine)

		res, err := d2c.Trigger(ctx, validRequest())
		require.NoError(t, err)
		require.NoError(t, engine.Execute(ctx, res.SagaInstanceID))

		inst, err := engine.GetInstance(ctx, res.SagaInstanceID)
		require.NoError(t, err)
		assert.Equal(t, saga.StatusCompensated, inst.Status)

		assert.Equal(t, []string{
			"create-quote", "reserve", "convert-quote", "create-invoice",
			"cancel-order:o-1",
			"release:r-q-cust-42-EUR-2",
			"cancel-quote:q-cust-42-EUR-2",
		}, svc.Calls())
	})

	t.Run("ReusesDefinition", func(t *testing.T) {
		svc := newFakeServices()
		engine := newEngine(t, svc)
		d2c := NewDemandToCash(engine)

		first, err := d2c.Trigger(ctx, validRequest())
		require.NoError(t, err)
		second, err := d2c.Trigger(ctx, validRequest())
		require.NoError(t, err)

		a, err := engine.GetInstance(ctx, first.SagaInstanceID)
		require.NoError(t, err)
		b, err := engine.GetInstance(ctx, second.SagaInstanceID)
		require.NoError(t, err)
		assert.Equal(t, a.DefinitionID, b.DefinitionID)
		assert.Equal(t, 1, b.DefinitionVersion)
	})

	t.Run("InactiveDefinition", func(t *testing.T) {
		svc := newFakeServices()
		engine := newEngine(t, svc)
		d2c := NewDemandToCash(engine)

		def, err := saga.EnsureDefinition(ctx, engine.Store(), d2c.Definition("acme"))
		require.NoError(t, err)
		require.NoError(t, engine.Store().SetDefinitionActive(ctx, def.ID, false))

		_, err = d2c.Trigger(ctx, validRequest())
		assert.ErrorIs(t, err, saga.ErrDefinitionInactive)
	})

	t.Run("InvalidRequest", func(t *testing.T) {
		svc := newFakeServices()
		engine := newEngine(t, svc)
		d2c := NewDemandToCash(engine)

		tests := []struct {
			name   string
			mutate func(*DemandToCashRequest)
		}{
			{"missing tenant", func(r *DemandToCashRequest) { r.TenantID = "" }},
			{"missing customer", func(r *DemandToCashRequest) { r.CustomerID = "" }},
			{"no lines", func(r *DemandToCashRequest) { r.QuoteLines = nil }},
			{"bad currency", func(r *DemandToCashRequest) { r.Currency = "EURO" }},
			{"zero quantity", func(r *DemandToCashRequest) { r.QuoteLines[0].Quantity = 0 }},
			{"negative price", func(r *DemandToCashRequest) { r.QuoteLines[1].UnitPriceMinor = -1 }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				req := validRequest()
				tt.mutate(&req)
				_, err := d2c.Trigger(ctx, req)
				assert.ErrorIs(t, err, ErrInvalidRequest)
			})
		}

		page, err := engine.ListInstances(ctx, saga.InstanceFilter{TenantID: "acme"})
		require.NoError(t, err)
		assert.Zero(t, page.Total)
	})
}

func TestRegister(t *testing.T) {
	t.Run("MissingService", func(t *testing.T) {
		svc := newFakeServices().services()
		svc.Ledger = nil
		err := Register(dispatch.NewRegistry(), svc)
		assert.Error(t, err)
	})

	t.Run("Twice", func(t *testing.T) {
		registry := dispatch.NewRegistry()
		svc := newFakeServices()
		require.NoError(t, Register(registry, svc.services()))
		assert.Error(t, Register(registry, svc.services()))
	})

	t.Run("MissingContextIsPermanent", func(t *testing.T) {
		registry := dispatch.NewRegistry()
		require.NoError(t, Register(registry, newFakeServices().services()))

		handler, ok := registry.Lookup(ServiceInventory, ActionReserve)
		require.True(t, ok)

		_, err := handler(context.Background(), map[string]any{}, map[string]any{})
		assert.ErrorIs(t, err, ErrMissingContext)
		assert.True(t, dispatch.IsPermanent(err))
	})
}

func TestAccessors(t *testing.T) {
	// Values as they come back from a JSON column.
	c := saga.Context{
		"customer_id": "cust-1",
		"currency":    "USD",
		"quote_lines": []any{
			map[string]any{"sku": "A", "quantity": float64(2), "unit_price_minor": float64(150)},
		},
		StepCreateInvoice: map[string]any{"invoice_id": "inv-9", "total_minor": float64(300)},
	}

	lines, ok := QuoteLines(c)
	require.True(t, ok)
	assert.Equal(t, []QuoteLine{{SKU: "A", Quantity: 2, UnitPriceMinor: 150}}, lines)

	total, ok := InvoiceTotal(c)
	assert.True(t, ok)
	assert.Equal(t, int64(300), total)

	_, ok = JournalEntryID(c)
	assert.False(t, ok)

	_, ok = CustomerID(saga.Context{})
	assert.False(t, ok)
}
