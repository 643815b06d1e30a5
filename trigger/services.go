package trigger

import (
	"context"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/rbaliyan/event-saga/dispatch"
	"github.com/rbaliyan/event-saga/saga"
)

// Ref identifies the saga step a service call belongs to.
//
// IdempotencyKey is stable across retries and redeliveries of the same
// step in the same direction. Services should deduplicate on it.
type Ref struct {
	TenantID       string
	SagaID         string
	IdempotencyKey string
}

func refFrom(meta map[string]any) Ref {
	str := func(key string) string {
		s, _ := meta[key].(string)
		return s
	}
	return Ref{
		TenantID:       str(dispatch.MetaTenantID),
		SagaID:         str(dispatch.MetaSagaID),
		IdempotencyKey: str(dispatch.MetaIdempotencyKey),
	}
}

// Invoice is the result of CreateInvoice.
type Invoice struct {
	ID         string
	TotalMinor int64
}

// QuoteService creates and cancels quotes.
type QuoteService interface {
	CreateQuote(ctx context.Context, ref Ref, customerID, currency string, lines []QuoteLine) (quoteID string, err error)
	CancelQuote(ctx context.Context, ref Ref, quoteID string) error
}

// InventoryService reserves stock for a quote.
type InventoryService interface {
	Reserve(ctx context.Context, ref Ref, quoteID string, lines []QuoteLine) (reservationID string, err error)
	Release(ctx context.Context, ref Ref, reservationID string) error
}

// OrderService turns a quote into an order.
type OrderService interface {
	ConvertQuote(ctx context.Context, ref Ref, quoteID, reservationID string) (orderID string, err error)
	CancelOrder(ctx context.Context, ref Ref, orderID string) error
}

// InvoiceService bills an order.
type InvoiceService interface {
	CreateInvoice(ctx context.Context, ref Ref, orderID, currency string, lines []QuoteLine) (Invoice, error)
	VoidInvoice(ctx context.Context, ref Ref, invoiceID string) error
}

// LedgerService posts invoices to the general ledger.
type LedgerService interface {
	PostInvoice(ctx context.Context, ref Ref, invoiceID string, totalMinor int64, currency string) (journalEntryID string, err error)
	ReverseEntry(ctx context.Context, ref Ref, journalEntryID string) error
}

// Notifier tells the customer about the invoice.
type Notifier interface {
	NotifyInvoiced(ctx context.Context, ref Ref, customerID, invoiceID string) (notificationID string, err error)
}

// Services are the business services behind the demand-to-cash steps.
type Services struct {
	Quotes    QuoteService
	Inventory InventoryService
	Orders    OrderService
	Invoices  InvoiceService
	Ledger    LedgerService
	Notifier  Notifier
}

// Validate checks that every service is set.
func (s Services) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Quotes, validation.NotNil),
		validation.Field(&s.Inventory, validation.NotNil),
		validation.Field(&s.Orders, validation.NotNil),
		validation.Field(&s.Invoices, validation.NotNil),
		validation.Field(&s.Ledger, validation.NotNil),
		validation.Field(&s.Notifier, validation.NotNil),
	)
}

// Register binds the demand-to-cash handlers to registry.
func Register(registry *dispatch.Registry, svc Services) error {
	if err := svc.Validate(); err != nil {
		return fmt.Errorf("register %s: %w", DemandToCashSaga, err)
	}

	h := &handlers{svc: svc}
	bindings := []struct {
		service, action string
		fn              dispatch.HandlerFunc
	}{
		{ServiceSales, ActionCreateQuote, h.createQuote},
		{ServiceSales, ActionCancelQuote, h.cancelQuote},
		{ServiceInventory, ActionReserve, h.reserve},
		{ServiceInventory, ActionRelease, h.release},
		{ServiceSales, ActionConvertQuote, h.convertQuote},
		{ServiceSales, ActionCancelOrder, h.cancelOrder},
		{ServiceBilling, ActionCreateInvoice, h.createInvoice},
		{ServiceBilling, ActionVoidInvoice, h.voidInvoice},
		{ServiceLedger, ActionPostInvoice, h.postInvoice},
		{ServiceLedger, ActionReverseEntry, h.reverseEntry},
		{ServiceNotifications, ActionNotifyInvoiced, h.notifyInvoiced},
	}
	for _, b := range bindings {
		if err := registry.Register(b.service, b.action, b.fn); err != nil {
			return err
		}
	}
	return nil
}

type handlers struct {
	svc Services
}

// need reads a value with get or fails with a permanent ErrMissingContext.
// Retrying cannot make an earlier step's output appear.
func need[T any](c saga.Context, what string, get func(saga.Context) (T, bool)) (T, error) {
	v, ok := get(c)
	if !ok {
		return v, dispatch.Permanent(fmt.Errorf("%w: %s", ErrMissingContext, what))
	}
	return v, nil
}

func (h *handlers) createQuote(ctx context.Context, input, meta map[string]any) (map[string]any, error) {
	c := saga.Context(input)
	customerID, err := need(c, "customer_id", CustomerID)
	if err != nil {
		return nil, err
	}
	currency, err := need(c, "currency", Currency)
	if err != nil {
		return nil, err
	}
	lines, err := need(c, "quote_lines", QuoteLines)
	if err != nil {
		return nil, err
	}

	quoteID, err := h.svc.Quotes.CreateQuote(ctx, refFrom(meta), customerID, currency, lines)
	if err != nil {
		return nil, err
	}
	return map[string]any{keyQuoteID: quoteID}, nil
}

func (h *handlers) cancelQuote(ctx context.Context, input, meta map[string]any) (map[string]any, error) {
	quoteID, err := need(saga.Context(input), "quote_id", QuoteID)
	if err != nil {
		return nil, err
	}
	return nil, h.svc.Quotes.CancelQuote(ctx, refFrom(meta), quoteID)
}

func (h *handlers) reserve(ctx context.Context, input, meta map[string]any) (map[string]any, error) {
	c := saga.Context(input)
	quoteID, err := need(c, "quote_id", QuoteID)
	if err != nil {
		return nil, err
	}
	lines, err := need(c, "quote_lines", QuoteLines)
	if err != nil {
		return nil, err
	}

	reservationID, err := h.svc.Inventory.Reserve(ctx, refFrom(meta), quoteID, lines)
	if err != nil {
		return nil, err
	}
	return map[string]any{keyReservationID: reservationID}, nil
}

func (h *handlers) release(ctx context.Context, input, meta map[string]any) (map[string]any, error) {
	reservationID, err := need(saga.Context(input), "reservation_id", ReservationID)
	if err != nil {
		return nil, err
	}
	return nil, h.svc.Inventory.Release(ctx, refFrom(meta), reservationID)
}

func (h *handlers) convertQuote(ctx context.Context, input, meta map[string]any) (map[string]any, error) {
	c := saga.Context(input)
	quoteID, err := need(c, "quote_id", QuoteID)
	if err != nil {
		return nil, err
	}
	reservationID, err := need(c, "reservation_id", ReservationID)
	if err != nil {
		return nil, err
	}

	orderID, err := h.svc.Orders.ConvertQuote(ctx, refFrom(meta), quoteID, reservationID)
	if err != nil {
		return nil, err
	}
	return map[string]any{keyOrderID: orderID}, nil
}

func (h *handlers) cancelOrder(ctx context.Context, input, meta map[string]any) (map[string]any, error) {
	orderID, err := need(saga.Context(input), "order_id", OrderID)
	if err != nil {
		return nil, err
	}
	return nil, h.svc.Orders.CancelOrder(ctx, refFrom(meta), orderID)
}

func (h *handlers) createInvoice(ctx context.Context, input, meta map[string]any) (map[string]any, error) {
	c := saga.Context(input)
	orderID, err := need(c, "order_id", OrderID)
	if err != nil {
		return nil, err
	}
	currency, err := need(c, "currency", Currency)
	if err != nil {
		return nil, err
	}
	lines, err := need(c, "quote_lines", QuoteLines)
	if err != nil {
		return nil, err
	}

	inv, err := h.svc.Invoices.CreateInvoice(ctx, refFrom(meta), orderID, currency, lines)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		keyInvoiceID:    inv.ID,
		keyInvoiceTotal: inv.TotalMinor,
	}, nil
}

func (h *handlers) voidInvoice(ctx context.Context, input, meta map[string]any) (map[string]any, error) {
	invoiceID, err := need(saga.Context(input), "invoice_id", InvoiceID)
	if err != nil {
		return nil, err
	}
	return nil, h.svc.Invoices.VoidInvoice(ctx, refFrom(meta), invoiceID)
}

func (h *handlers) postInvoice(ctx context.Context, input, meta map[string]any) (map[string]any, error) {
	c := saga.Context(input)
	invoiceID, err := need(c, "invoice_id", InvoiceID)
	if err != nil {
		return nil, err
	}
	total, err := need(c, "invoice total", InvoiceTotal)
	if err != nil {
		return nil, err
	}
	currency, err := need(c, "currency", Currency)
	if err != nil {
		return nil, err
	}

	entryID, err := h.svc.Ledger.PostInvoice(ctx, refFrom(meta), invoiceID, total, currency)
	if err != nil {
		return nil, err
	}
	return map[string]any{keyJournalEntryID: entryID}, nil
}

func (h *handlers) reverseEntry(ctx context.Context, input, meta map[string]any) (map[string]any, error) {
	entryID, err := need(saga.Context(input), "journal_entry_id", JournalEntryID)
	if err != nil {
		return nil, err
	}
	return nil, h.svc.Ledger.ReverseEntry(ctx, refFrom(meta), entryID)
}

func (h *handlers) notifyInvoiced(ctx context.Context, input, meta map[string]any) (map[string]any, error) {
	c := saga.Context(input)
	customerID, err := need(c, "customer_id", CustomerID)
	if err != nil {
		return nil, err
	}
	invoiceID, err := need(c, "invoice_id", InvoiceID)
	if err != nil {
		return nil, err
	}

	notificationID, err := h.svc.Notifier.NotifyInvoiced(ctx, refFrom(meta), customerID, invoiceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{keyNotificationID: notificationID}, nil
}
