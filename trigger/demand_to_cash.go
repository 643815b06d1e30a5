// Package trigger contains the named sagas callers start.
//
// A trigger adapter owns the step catalogue of one saga, ensures its
// definition exists for the tenant, assembles the initial context and
// hands the instance to the engine. It returns as soon as the instance is
// persisted; progress is observed through the engine's query methods.
//
// # Demand to cash
//
//	create-quote -> reserve-inventory -> convert-order -> create-invoice -> post-gl -> notify-customer
//
// Every step but notify-customer has a compensation. The business services
// behind the steps are bound with Register:
//
//	registry := dispatch.NewRegistry()
//	if err := trigger.Register(registry, trigger.Services{...}); err != nil {
//	    return err
//	}
//	d2c := trigger.NewDemandToCash(engine)
//	res, err := d2c.Trigger(ctx, trigger.DemandToCashRequest{
//	    TenantID:   "acme",
//	    CustomerID: "cust-42",
//	    Currency:   "EUR",
//	    QuoteLines: []trigger.QuoteLine{{SKU: "WIDGET-1", Quantity: 3, UnitPriceMinor: 1250}},
//	})
package trigger

import (
	"context"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/rbaliyan/event-saga/dispatch"
	"github.com/rbaliyan/event-saga/saga"
)

// DemandToCashSaga is the definition name of the demand-to-cash saga.
const DemandToCashSaga = "demand-to-cash"

// Step names of the demand-to-cash saga, in execution order.
const (
	StepCreateQuote      = "create-quote"
	StepReserveInventory = "reserve-inventory"
	StepConvertOrder     = "convert-order"
	StepCreateInvoice    = "create-invoice"
	StepPostGL           = "post-gl"
	StepNotifyCustomer   = "notify-customer"
)

// Handler services. Each is a Registry service name.
const (
	ServiceSales         = "sales"
	ServiceInventory     = "inventory"
	ServiceBilling       = "billing"
	ServiceLedger        = "ledger"
	ServiceNotifications = "notifications"
)

// Actions registered by Register.
const (
	ActionCreateQuote    = "create-quote"
	ActionCancelQuote    = "cancel-quote"
	ActionReserve        = "reserve"
	ActionRelease        = "release"
	ActionConvertQuote   = "convert-quote"
	ActionCancelOrder    = "cancel-order"
	ActionCreateInvoice  = "create-invoice"
	ActionVoidInvoice    = "void-invoice"
	ActionPostInvoice    = "post-invoice"
	ActionReverseEntry   = "reverse-entry"
	ActionNotifyInvoiced = "notify-invoiced"
)

// EntityCustomer is the entity type demand-to-cash instances link to.
const EntityCustomer = "customer"

// Initial context keys.
const (
	keyCustomerID = "customer_id"
	keyCurrency   = "currency"
	keyQuoteLines = "quote_lines"
)

// QuoteLine is one line of the quote that starts the saga.
// Amounts are in minor currency units.
type QuoteLine struct {
	SKU            string `json:"sku"`
	Quantity       int    `json:"quantity"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
}

// Validate checks the line.
func (l QuoteLine) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.SKU, validation.Required),
		validation.Field(&l.Quantity, validation.Required, validation.Min(1)),
		validation.Field(&l.UnitPriceMinor, validation.Min(int64(0))),
	)
}

// DemandToCashRequest starts a demand-to-cash saga.
type DemandToCashRequest struct {
	TenantID   string      `json:"tenant_id"`
	CustomerID string      `json:"customer_id"`
	QuoteLines []QuoteLine `json:"quote_lines"`
	Currency   string      `json:"currency"`
	ActorID    string      `json:"actor_id,omitempty"`
}

// Validate checks the request.
func (r DemandToCashRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.TenantID, validation.Required),
		validation.Field(&r.CustomerID, validation.Required),
		validation.Field(&r.QuoteLines, validation.Required),
		validation.Field(&r.Currency, validation.Required, is.CurrencyCode),
	)
}

func (r DemandToCashRequest) initialContext() map[string]any {
	lines := make([]any, 0, len(r.QuoteLines))
	for _, l := range r.QuoteLines {
		lines = append(lines, map[string]any{
			"sku":              l.SKU,
			"quantity":         l.Quantity,
			"unit_price_minor": l.UnitPriceMinor,
		})
	}
	return map[string]any{
		keyCustomerID: r.CustomerID,
		keyCurrency:   r.Currency,
		keyQuoteLines: lines,
	}
}

// Engine is the part of *saga.Engine a trigger needs.
type Engine interface {
	Store() saga.Store
	StartSaga(ctx context.Context, req saga.StartRequest) (*saga.ExecutionResult, error)
}

// DemandToCash starts demand-to-cash sagas.
type DemandToCash struct {
	engine Engine
	opts   options
}

// NewDemandToCash creates the adapter.
func NewDemandToCash(engine Engine, opts ...Option) *DemandToCash {
	o := options{
		maxRetries:  3,
		retryDelay:  time.Second,
		stepTimeout: 30 * time.Second,
		kind:        dispatch.KindInternal,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &DemandToCash{engine: engine, opts: o}
}

// Definition returns the version-1 definition for tenantID.
func (d *DemandToCash) Definition(tenantID string) *saga.Definition {
	step := func(name, service, action, compensation string) saga.StepConfig {
		return saga.StepConfig{
			Name:               name,
			Kind:               d.opts.kind,
			Target:             service,
			Action:             action,
			CompensationAction: compensation,
			Timeout:            d.opts.stepTimeout,
			Retryable:          true,
		}
	}

	return &saga.Definition{
		TenantID: tenantID,
		Name:     DemandToCashSaga,
		Steps: []saga.StepConfig{
			step(StepCreateQuote, ServiceSales, ActionCreateQuote, ActionCancelQuote),
			step(StepReserveInventory, ServiceInventory, ActionReserve, ActionRelease),
			step(StepConvertOrder, ServiceSales, ActionConvertQuote, ActionCancelOrder),
			step(StepCreateInvoice, ServiceBilling, ActionCreateInvoice, ActionVoidInvoice),
			step(StepPostGL, ServiceLedger, ActionPostInvoice, ActionReverseEntry),
			step(StepNotifyCustomer, ServiceNotifications, ActionNotifyInvoiced, saga.NoCompensation),
		},
		Timeout:    d.opts.timeout,
		MaxRetries: d.opts.maxRetries,
		RetryDelay: d.opts.retryDelay,
	}
}

// Trigger ensures the tenant's definition exists and starts an instance
// linked to the customer. It returns once the instance is persisted.
func (d *DemandToCash) Trigger(ctx context.Context, req DemandToCashRequest) (*saga.ExecutionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if _, err := saga.EnsureDefinition(ctx, d.engine.Store(), d.Definition(req.TenantID)); err != nil {
		return nil, fmt.Errorf("ensure %s definition: %w", DemandToCashSaga, err)
	}

	res, err := d.engine.StartSaga(ctx, saga.StartRequest{
		TenantID:       req.TenantID,
		SagaName:       DemandToCashSaga,
		EntityType:     EntityCustomer,
		EntityID:       req.CustomerID,
		InitialContext: req.initialContext(),
		ActorID:        req.ActorID,
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", DemandToCashSaga, err)
	}
	return res, nil
}
