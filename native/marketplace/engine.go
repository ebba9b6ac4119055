package marketplace

import (
	"fmt"
	"math/big"
	"time"

	"marketchain/core/events"
	"marketchain/core/types"
	nativecommon "marketchain/native/common"
)

type engineState interface {
	catalogState
	InvoicePut(*Invoice) error
	InvoiceGet(id string) (*Invoice, bool)
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
	VaultAddress() [20]byte
}

// Engine owns the invoice table and drives each invoice through its
// lifecycle. Every transition is also a value transfer: tendered payment is
// pulled into the module vault and split between seller payout and buyer
// refund inside the same state transaction, so a failed step leaves no
// partial effect.
type Engine struct {
	state   engineState
	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPauses configures the pause view consulted before mutating operations.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt *Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

func (e *Engine) loadInvoice(id string) (*Invoice, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}
	inv, ok := e.state.InvoiceGet(normalized)
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return inv, nil
}

func (e *Engine) loadItem(id string) (*Item, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	item, ok := e.state.ItemGet(id)
	if !ok {
		return nil, ErrItemNotFound
	}
	return item, nil
}

func (e *Engine) storeInvoice(inv *Invoice) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	sanitized, err := SanitizeInvoice(inv)
	if err != nil {
		return err
	}
	return e.state.InvoicePut(sanitized)
}

// transfer moves amount between two ledger accounts. A zero amount is a no-op;
// negative amounts and insufficient balances fail the whole transition.
func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("%w: negative transfer amount", ErrInvalidArgument)
	}
	fromAcc, err := e.state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

// Purchase reserves stock and executes the payment split in one transition.
// The tendered amount is debited from the buyer into the module vault, any
// excess over quantity*price is refunded to the buyer, and the exact total is
// paid to the seller. The invoice locks the total as AmountPaid.
func (e *Engine) Purchase(caller [20]byte, itemID, invoiceID string, quantity uint64, tendered *big.Int) (*Invoice, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if quantity == 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidArgument)
	}
	normalizedInvoice, err := NormalizeID(invoiceID)
	if err != nil {
		return nil, err
	}
	normalizedItem, err := NormalizeID(itemID)
	if err != nil {
		return nil, err
	}
	if _, ok := e.state.InvoiceGet(normalizedInvoice); ok {
		return nil, ErrInvoiceExists
	}
	item, err := e.loadItem(normalizedItem)
	if err != nil {
		return nil, err
	}
	if item.Status != ListingOnSale {
		return nil, fmt.Errorf("%w: listing is %s", ErrListingNotOnSale, item.Status)
	}
	// Bounds-checked comparison, never a post-subtraction check.
	if quantity > item.Stock {
		return nil, ErrOutOfStock
	}
	if item.Price == nil || item.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: listing price must be positive", ErrInvalidArgument)
	}
	total := new(big.Int).Mul(item.Price, new(big.Int).SetUint64(quantity))
	amt := cloneBigInt(tendered)
	if amt.Sign() < 0 {
		return nil, fmt.Errorf("%w: tendered amount must be non-negative", ErrInvalidArgument)
	}
	if amt.Cmp(total) < 0 {
		return nil, ErrInsufficientPayment
	}
	vault := e.state.VaultAddress()
	if err := e.transfer(caller, vault, amt); err != nil {
		return nil, err
	}
	// Excess goes back to the buyer before the seller payout.
	excess := new(big.Int).Sub(amt, total)
	if excess.Sign() > 0 {
		if err := e.transfer(vault, caller, excess); err != nil {
			return nil, err
		}
	}
	if err := e.transfer(vault, item.Seller, total); err != nil {
		return nil, err
	}
	item.Stock -= quantity
	if err := e.state.ItemPut(item); err != nil {
		return nil, err
	}
	inv := &Invoice{
		ID:         normalizedInvoice,
		ItemID:     item.ID,
		Quantity:   quantity,
		AmountPaid: total,
		Status:     InvoiceProcessing,
		Buyer:      caller,
		CreatedAt:  e.now(),
	}
	if err := e.storeInvoice(inv); err != nil {
		return nil, err
	}
	e.emit(NewPurchasedEvent(inv, item, excess))
	return inv.Clone(), nil
}

// Ship marks the invoice as shipped. Only the seller of the referenced item
// may ship, and only from Processing.
func (e *Engine) Ship(caller [20]byte, invoiceID string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	inv, err := e.loadInvoice(invoiceID)
	if err != nil {
		return err
	}
	item, err := e.loadItem(inv.ItemID)
	if err != nil {
		return err
	}
	if item.Seller != caller {
		return fmt.Errorf("%w: caller is not the seller", ErrUnauthorized)
	}
	if inv.Status != InvoiceProcessing {
		return fmt.Errorf("%w: cannot ship invoice in status %s", ErrInvalidState, inv.Status)
	}
	inv.Status = InvoiceShipped
	if err := e.storeInvoice(inv); err != nil {
		return err
	}
	e.emit(NewShippedEvent(inv, item))
	return nil
}

// Receive marks the invoice as received. Only the invoice's buyer may
// receive, and only from Shipped. Received is terminal.
func (e *Engine) Receive(caller [20]byte, invoiceID string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	inv, err := e.loadInvoice(invoiceID)
	if err != nil {
		return err
	}
	if inv.Buyer != caller {
		return fmt.Errorf("%w: caller is not the buyer", ErrUnauthorized)
	}
	if inv.Status != InvoiceShipped {
		return fmt.Errorf("%w: cannot receive invoice in status %s", ErrInvalidState, inv.Status)
	}
	inv.Status = InvoiceReceived
	if err := e.storeInvoice(inv); err != nil {
		return err
	}
	item, _ := e.state.ItemGet(inv.ItemID)
	e.emit(NewReceivedEvent(inv, item))
	return nil
}

// Refund pays the locked AmountPaid back to the buyer, funded by the seller's
// tendered amount; any tender surplus is returned to the seller. Refunds are
// allowed from Processing or Shipped; Received and Refunded are terminal.
func (e *Engine) Refund(caller [20]byte, invoiceID string, tendered *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	inv, err := e.loadInvoice(invoiceID)
	if err != nil {
		return err
	}
	item, err := e.loadItem(inv.ItemID)
	if err != nil {
		return err
	}
	if item.Seller != caller {
		return fmt.Errorf("%w: caller is not the seller", ErrUnauthorized)
	}
	if inv.Status != InvoiceProcessing && inv.Status != InvoiceShipped {
		return fmt.Errorf("%w: cannot refund invoice in status %s", ErrInvalidState, inv.Status)
	}
	if inv.AmountPaid == nil || inv.AmountPaid.Sign() == 0 {
		return fmt.Errorf("%w: invoice was never paid", ErrInvalidState)
	}
	amt := cloneBigInt(tendered)
	if amt.Sign() < 0 {
		return fmt.Errorf("%w: tendered amount must be non-negative", ErrInvalidArgument)
	}
	if amt.Cmp(inv.AmountPaid) < 0 {
		return ErrInsufficientPayment
	}
	vault := e.state.VaultAddress()
	if err := e.transfer(caller, vault, amt); err != nil {
		return err
	}
	if err := e.transfer(vault, inv.Buyer, inv.AmountPaid); err != nil {
		return err
	}
	surplus := new(big.Int).Sub(amt, inv.AmountPaid)
	if surplus.Sign() > 0 {
		if err := e.transfer(vault, caller, surplus); err != nil {
			return err
		}
	}
	inv.Status = InvoiceRefunded
	if err := e.storeInvoice(inv); err != nil {
		return err
	}
	e.emit(NewRefundedEvent(inv, item))
	return nil
}

// GetInvoice returns the stored invoice record. Only the invoice's buyer may
// query it; a missing invoice is reported as unauthorized so callers cannot
// probe for identifiers they do not own.
func (e *Engine) GetInvoice(caller [20]byte, invoiceID string) (*Invoice, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeID(invoiceID)
	if err != nil {
		return nil, err
	}
	inv, ok := e.state.InvoiceGet(normalized)
	if !ok || inv.Buyer != caller {
		return nil, fmt.Errorf("%w: caller is not the buyer", ErrUnauthorized)
	}
	return inv.Clone(), nil
}
