package marketplace

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"marketchain/core/types"
)

const (
	EventTypeListingCreated     = "marketplace.listing.created"
	EventTypeListingUpdated     = "marketplace.listing.updated"
	EventTypeListingDeactivated = "marketplace.listing.deactivated"
	EventTypeListingRejected    = "marketplace.listing.rejected"
	EventTypeItemPurchased      = "marketplace.invoice.purchased"
	EventTypeItemShipped        = "marketplace.invoice.shipped"
	EventTypeItemReceived       = "marketplace.invoice.received"
	EventTypeItemRefunded       = "marketplace.invoice.refunded"
)

// Event wraps the wire-level event record so it satisfies the emitter
// contract in core/events.
type Event struct {
	evt *types.Event
}

// EventType satisfies the events.Event interface.
func (e *Event) EventType() string {
	if e == nil || e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Event returns the wire-friendly representation for subscribers.
func (e *Event) Event() *types.Event {
	if e == nil {
		return nil
	}
	return e.evt
}

// NewListingCreatedEvent returns the canonical payload for a new listing.
func NewListingCreatedEvent(i *Item) *Event { return newListingEvent(EventTypeListingCreated, i) }

// NewListingUpdatedEvent returns the canonical payload for a listing update.
func NewListingUpdatedEvent(i *Item) *Event { return newListingEvent(EventTypeListingUpdated, i) }

// NewListingDeactivatedEvent returns the payload emitted when a seller takes a
// listing off sale.
func NewListingDeactivatedEvent(i *Item) *Event {
	return newListingEvent(EventTypeListingDeactivated, i)
}

// NewListingRejectedEvent returns the payload emitted when the administrator
// rejects a listing.
func NewListingRejectedEvent(i *Item) *Event { return newListingEvent(EventTypeListingRejected, i) }

// NewPurchasedEvent returns the payload for a successful purchase, carrying
// both the seller payout and the buyer refund so the audit trail records the
// full payment split.
func NewPurchasedEvent(inv *Invoice, item *Item, refunded *big.Int) *Event {
	evt := newInvoiceEvent(EventTypeItemPurchased, inv, item)
	if refunded != nil && refunded.Sign() > 0 {
		evt.evt.Attributes["refunded"] = refunded.String()
	}
	return evt
}

// NewShippedEvent returns the payload emitted when the seller ships.
func NewShippedEvent(inv *Invoice, item *Item) *Event {
	return newInvoiceEvent(EventTypeItemShipped, inv, item)
}

// NewReceivedEvent returns the payload emitted when the buyer confirms
// receipt.
func NewReceivedEvent(inv *Invoice, item *Item) *Event {
	return newInvoiceEvent(EventTypeItemReceived, inv, item)
}

// NewRefundedEvent returns the payload emitted when the seller refunds.
func NewRefundedEvent(inv *Invoice, item *Item) *Event {
	return newInvoiceEvent(EventTypeItemRefunded, inv, item)
}

func newListingEvent(eventType string, i *Item) *Event {
	attrs := make(map[string]string)
	if i == nil {
		return &Event{evt: &types.Event{Type: eventType, Attributes: attrs}}
	}
	sanitized, err := SanitizeItem(i)
	if err != nil {
		return &Event{evt: &types.Event{Type: eventType, Attributes: attrs}}
	}
	attrs["id"] = sanitized.ID
	attrs["name"] = sanitized.Name
	attrs["seller"] = hex.EncodeToString(sanitized.Seller[:])
	attrs["price"] = sanitized.Price.String()
	attrs["stock"] = strconv.FormatUint(sanitized.Stock, 10)
	attrs["status"] = sanitized.Status.String()
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	return &Event{evt: &types.Event{Type: eventType, Attributes: attrs}}
}

func newInvoiceEvent(eventType string, inv *Invoice, item *Item) *Event {
	attrs := make(map[string]string)
	if inv == nil {
		return &Event{evt: &types.Event{Type: eventType, Attributes: attrs}}
	}
	sanitized, err := SanitizeInvoice(inv)
	if err != nil {
		return &Event{evt: &types.Event{Type: eventType, Attributes: attrs}}
	}
	attrs["invoiceId"] = sanitized.ID
	attrs["itemId"] = sanitized.ItemID
	attrs["buyer"] = hex.EncodeToString(sanitized.Buyer[:])
	attrs["quantity"] = strconv.FormatUint(sanitized.Quantity, 10)
	attrs["amountPaid"] = sanitized.AmountPaid.String()
	attrs["status"] = sanitized.Status.String()
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	if item != nil {
		attrs["seller"] = hex.EncodeToString(item.Seller[:])
	}
	return &Event{evt: &types.Event{Type: eventType, Attributes: attrs}}
}
