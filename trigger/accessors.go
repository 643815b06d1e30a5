package trigger

import (
	"encoding/json"

	"github.com/rbaliyan/event-saga/saga"
)

// Output keys written by the demand-to-cash handlers.
const (
	keyQuoteID        = "quote_id"
	keyReservationID  = "reservation_id"
	keyOrderID        = "order_id"
	keyInvoiceID      = "invoice_id"
	keyInvoiceTotal   = "total_minor"
	keyJournalEntryID = "journal_entry_id"
	keyNotificationID = "notification_id"
)

// QuoteID returns the quote created by create-quote.
func QuoteID(c saga.Context) (string, bool) {
	return saga.Lookup[string](c, StepCreateQuote, keyQuoteID)
}

// ReservationID returns the stock reservation made by reserve-inventory.
func ReservationID(c saga.Context) (string, bool) {
	return saga.Lookup[string](c, StepReserveInventory, keyReservationID)
}

// OrderID returns the order created by convert-order.
func OrderID(c saga.Context) (string, bool) {
	return saga.Lookup[string](c, StepConvertOrder, keyOrderID)
}

// InvoiceID returns the invoice created by create-invoice.
func InvoiceID(c saga.Context) (string, bool) {
	return saga.Lookup[string](c, StepCreateInvoice, keyInvoiceID)
}

// InvoiceTotal returns the invoice total in minor currency units.
func InvoiceTotal(c saga.Context) (int64, bool) {
	return saga.Lookup[int64](c, StepCreateInvoice, keyInvoiceTotal)
}

// JournalEntryID returns the ledger entry posted by post-gl.
func JournalEntryID(c saga.Context) (string, bool) {
	return saga.Lookup[string](c, StepPostGL, keyJournalEntryID)
}

// CustomerID returns the customer the saga was started for.
func CustomerID(c saga.Context) (string, bool) {
	id, ok := c[keyCustomerID].(string)
	return id, ok && id != ""
}

// Currency returns the quote currency.
func Currency(c saga.Context) (string, bool) {
	cur, ok := c[keyCurrency].(string)
	return cur, ok && cur != ""
}

// QuoteLines returns the lines the saga was started with.
func QuoteLines(c saga.Context) ([]QuoteLine, bool) {
	raw, ok := c[keyQuoteLines]
	if !ok || raw == nil {
		return nil, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var lines []QuoteLine
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil, false
	}
	return lines, len(lines) > 0
}
