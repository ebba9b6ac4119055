package marketplace

import (
	"fmt"
	"math/big"
	"strings"
)

// ListingStatus represents the lifecycle states of a catalog listing.
type ListingStatus uint8

const (
	ListingOnSale ListingStatus = iota
	ListingDeactivated
	ListingRejected
)

// InvoiceStatus represents the lifecycle states of a purchase invoice. The
// state machine is strictly forward: Processing -> Shipped -> Received, with
// Refunded reachable from Processing or Shipped. Received and Refunded are
// terminal.
type InvoiceStatus uint8

const (
	InvoiceProcessing InvoiceStatus = iota
	InvoiceShipped
	InvoiceReceived
	InvoiceRefunded
)

// Item captures a seller's offer: descriptive text, unit price, remaining
// stock, and the listing status. Seller and CreatedAt are set once at listing
// time and never reassigned.
type Item struct {
	ID          string
	Name        string
	Description string
	Price       *big.Int
	Stock       uint64
	Status      ListingStatus
	Seller      [20]byte
	CreatedAt   int64
}

// Invoice is the durable record of one purchase. AmountPaid is locked at
// purchase time and drives all later refund computation regardless of item
// price changes.
type Invoice struct {
	ID         string
	ItemID     string
	Quantity   uint64
	AmountPaid *big.Int
	Status     InvoiceStatus
	Buyer      [20]byte
	CreatedAt  int64
}

// Clone returns a deep copy of the item so callers can safely mutate the copy
// without affecting the stored instance.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	clone := *i
	if i.Price != nil {
		clone.Price = new(big.Int).Set(i.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// Clone returns a deep copy of the invoice.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	clone := *inv
	if inv.AmountPaid != nil {
		clone.AmountPaid = new(big.Int).Set(inv.AmountPaid)
	} else {
		clone.AmountPaid = big.NewInt(0)
	}
	return &clone
}

// Valid reports whether the status value is within the supported range.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingOnSale, ListingDeactivated, ListingRejected:
		return true
	default:
		return false
	}
}

// String returns the canonical lowercase name for the listing status.
func (s ListingStatus) String() string {
	switch s {
	case ListingOnSale:
		return "on_sale"
	case ListingDeactivated:
		return "deactivated"
	case ListingRejected:
		return "rejected"
	default:
		return fmt.Sprintf("listing(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceProcessing, InvoiceShipped, InvoiceReceived, InvoiceRefunded:
		return true
	default:
		return false
	}
}

// String returns the canonical lowercase name for the invoice status.
func (s InvoiceStatus) String() string {
	switch s {
	case InvoiceProcessing:
		return "processing"
	case InvoiceShipped:
		return "shipped"
	case InvoiceReceived:
		return "received"
	case InvoiceRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("invoice(%d)", uint8(s))
	}
}

// NormalizeID trims the caller-supplied identifier and rejects empty values.
func NormalizeID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", fmt.Errorf("%w: identifier required", ErrInvalidArgument)
	}
	return trimmed, nil
}

// SanitizeItem validates and normalises the supplied item, returning a cloned
// instance with a non-nil price. The function does not mutate the original
// value.
func SanitizeItem(i *Item) (*Item, error) {
	if i == nil {
		return nil, fmt.Errorf("%w: nil item", ErrInvalidArgument)
	}
	clone := i.Clone()
	id, err := NormalizeID(clone.ID)
	if err != nil {
		return nil, err
	}
	clone.ID = id
	if clone.Price == nil || clone.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidArgument)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("%w: listing status %d", ErrInvalidArgument, clone.Status)
	}
	return clone, nil
}

// SanitizeInvoice validates and normalises the supplied invoice, returning a
// cloned instance with a non-nil paid amount.
func SanitizeInvoice(inv *Invoice) (*Invoice, error) {
	if inv == nil {
		return nil, fmt.Errorf("%w: nil invoice", ErrInvalidArgument)
	}
	clone := inv.Clone()
	id, err := NormalizeID(clone.ID)
	if err != nil {
		return nil, err
	}
	clone.ID = id
	itemID, err := NormalizeID(clone.ItemID)
	if err != nil {
		return nil, err
	}
	clone.ItemID = itemID
	if clone.Quantity == 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidArgument)
	}
	if clone.AmountPaid == nil || clone.AmountPaid.Sign() < 0 {
		return nil, fmt.Errorf("%w: paid amount must be non-negative", ErrInvalidArgument)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("%w: invoice status %d", ErrInvalidArgument, clone.Status)
	}
	return clone, nil
}
