package marketplace

import (
	"fmt"
	"math/big"
	"time"

	"marketchain/core/events"
	nativecommon "marketchain/native/common"
)

const moduleName = "marketplace"

type catalogState interface {
	ItemPut(*Item) error
	ItemGet(id string) (*Item, bool)
}

// Catalog owns the set of listed items. Listings are created and mutated by
// their seller, rejected by the configured administrator, and never deleted.
type Catalog struct {
	state   catalogState
	emitter events.Emitter
	pauses  nativecommon.PauseView
	admin   [20]byte
	nowFn   func() int64
}

// NewCatalog creates a catalog with a no-op emitter. Callers can override the
// emitter via SetEmitter.
func NewCatalog() *Catalog {
	return &Catalog{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the catalog.
func (c *Catalog) SetState(state catalogState) { c.state = state }

// SetAdmin configures the administrator account allowed to reject listings.
func (c *Catalog) SetAdmin(addr [20]byte) { c.admin = addr }

// SetPauses configures the pause view consulted before mutating operations.
func (c *Catalog) SetPauses(p nativecommon.PauseView) { c.pauses = p }

// SetEmitter configures the event emitter used by the catalog. Passing nil
// resets the emitter to a no-op implementation.
func (c *Catalog) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		c.emitter = events.NoopEmitter{}
		return
	}
	c.emitter = emitter
}

// SetNowFunc overrides the time source used by the catalog. Primarily intended
// for tests to provide deterministic timestamps.
func (c *Catalog) SetNowFunc(now func() int64) {
	if now == nil {
		c.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	c.nowFn = now
}

func (c *Catalog) emit(evt *Event) {
	if c == nil || c.emitter == nil || evt == nil {
		return
	}
	c.emitter.Emit(evt)
}

func (c *Catalog) now() int64 {
	if c == nil || c.nowFn == nil {
		return time.Now().Unix()
	}
	return c.nowFn()
}

func (c *Catalog) loadItem(id string) (*Item, error) {
	if c == nil || c.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}
	item, ok := c.state.ItemGet(normalized)
	if !ok {
		return nil, ErrItemNotFound
	}
	return item, nil
}

func (c *Catalog) storeItem(item *Item) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	sanitized, err := SanitizeItem(item)
	if err != nil {
		return err
	}
	return c.state.ItemPut(sanitized)
}

func validateListingInput(price *big.Int, stock uint64) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidArgument)
	}
	if stock == 0 {
		return fmt.Errorf("%w: stock must be positive", ErrInvalidArgument)
	}
	return nil
}

// CreateListing registers a new item for the caller. Identifiers are bound to
// the first seller that uses them; reusing an existing identifier fails.
func (c *Catalog) CreateListing(caller [20]byte, id, name, description string, price *big.Int, stock uint64) (*Item, error) {
	if c == nil || c.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(c.pauses, moduleName); err != nil {
		return nil, err
	}
	normalized, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}
	if err := validateListingInput(price, stock); err != nil {
		return nil, err
	}
	if _, ok := c.state.ItemGet(normalized); ok {
		return nil, ErrItemExists
	}
	item := &Item{
		ID:          normalized,
		Name:        name,
		Description: description,
		Price:       new(big.Int).Set(price),
		Stock:       stock,
		Status:      ListingOnSale,
		Seller:      caller,
		CreatedAt:   c.now(),
	}
	if err := c.storeItem(item); err != nil {
		return nil, err
	}
	c.emit(NewListingCreatedEvent(item))
	return item.Clone(), nil
}

// UpdateListing mutates the descriptive fields, price, and stock of a listing
// in place. Only the listing's seller may update it; the seller itself is
// never reassigned.
func (c *Catalog) UpdateListing(caller [20]byte, id, name, description string, price *big.Int, stock uint64) (*Item, error) {
	if c == nil || c.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(c.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := validateListingInput(price, stock); err != nil {
		return nil, err
	}
	item, err := c.loadItem(id)
	if err != nil {
		return nil, err
	}
	if item.Seller != caller {
		return nil, fmt.Errorf("%w: caller is not the seller", ErrUnauthorized)
	}
	item.Name = name
	item.Description = description
	item.Price = new(big.Int).Set(price)
	item.Stock = stock
	if err := c.storeItem(item); err != nil {
		return nil, err
	}
	c.emit(NewListingUpdatedEvent(item))
	return item.Clone(), nil
}

// DeactivateListing takes a listing off sale. In-flight invoices are not
// affected.
func (c *Catalog) DeactivateListing(caller [20]byte, id string) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(c.pauses, moduleName); err != nil {
		return err
	}
	item, err := c.loadItem(id)
	if err != nil {
		return err
	}
	if item.Seller != caller {
		return fmt.Errorf("%w: caller is not the seller", ErrUnauthorized)
	}
	item.Status = ListingDeactivated
	if err := c.storeItem(item); err != nil {
		return err
	}
	c.emit(NewListingDeactivatedEvent(item))
	return nil
}

// RejectListing marks a listing as rejected. Only the administrator may
// invoke it, and it remains available while the module is paused so the
// operator can always pull a bad listing.
func (c *Catalog) RejectListing(caller [20]byte, id string) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	if c.admin == ([20]byte{}) || caller != c.admin {
		return fmt.Errorf("%w: caller is not the administrator", ErrUnauthorized)
	}
	item, err := c.loadItem(id)
	if err != nil {
		return err
	}
	item.Status = ListingRejected
	if err := c.storeItem(item); err != nil {
		return err
	}
	c.emit(NewListingRejectedEvent(item))
	return nil
}

// GetListing returns the stored item record.
func (c *Catalog) GetListing(id string) (*Item, error) {
	item, err := c.loadItem(id)
	if err != nil {
		return nil, err
	}
	return item.Clone(), nil
}
