package core

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"marketchain/core/genesis"
	"marketchain/core/types"
	"marketchain/native/marketplace"
	"marketchain/observability"
	"marketchain/state"
	"marketchain/storage"
)

// Node wires the marketplace engines to durable state and serialises all
// operations: one operation executes fully before the next begins, and each
// runs inside a state transaction so a failure is indistinguishable from an
// operation never attempted.
type Node struct {
	mu      sync.Mutex
	state   *state.MarketState
	emitter *state.LogEmitter
	catalog *marketplace.Catalog
	engine  *marketplace.Engine
	pauses  *PauseRegistry
	logger  *slog.Logger
	metrics *observability.MarketMetrics

	subMu   sync.Mutex
	subs    map[uint64]chan struct{}
	nextSub uint64
}

// NewNode builds a node over the database, funding genesis allocations on
// first boot and registering the genesis administrator with the catalog.
func NewNode(db storage.Database, gen *genesis.Spec, pausedModules []string, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st := state.NewMarketState(db)

	applied, err := st.GenesisApplied()
	if err != nil {
		return nil, err
	}
	if !applied {
		st.Begin()
		if err := gen.Apply(st); err != nil {
			st.Rollback()
			return nil, err
		}
		if err := st.MarkGenesisApplied(); err != nil {
			st.Rollback()
			return nil, err
		}
		if err := st.Commit(); err != nil {
			return nil, err
		}
		logger.Info("genesis applied", "accounts", len(gen.Alloc))
	}

	admin, err := gen.AdminAddress()
	if err != nil {
		return nil, err
	}

	pauses := NewPauseRegistry(pausedModules)
	emitter := state.NewLogEmitter(st)

	catalog := marketplace.NewCatalog()
	catalog.SetState(st)
	catalog.SetAdmin(admin)
	catalog.SetPauses(pauses)
	catalog.SetEmitter(emitter)

	engine := marketplace.NewEngine()
	engine.SetState(st)
	engine.SetPauses(pauses)
	engine.SetEmitter(emitter)

	return &Node{
		state:   st,
		emitter: emitter,
		catalog: catalog,
		engine:  engine,
		pauses:  pauses,
		logger:  logger,
		metrics: observability.Metrics(),
		subs:    make(map[uint64]chan struct{}),
	}, nil
}

// withTx runs fn inside a state transaction, recording metrics and logging
// the outcome. Any error, including a failed audit append or a failed
// commit, rolls back every write fn staged.
func (n *Node) withTx(op string, fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	start := time.Now()
	n.state.Begin()
	n.emitter.Reset()
	err := fn()
	if err == nil {
		err = n.emitter.Err()
	}
	if err != nil {
		n.state.Rollback()
	} else if commitErr := n.state.Commit(); commitErr != nil {
		n.state.Rollback()
		err = fmt.Errorf("commit %s: %w", op, commitErr)
	}
	n.metrics.Observe(op, start, err)
	if err != nil {
		n.logger.Warn("operation rejected", "op", op, "err", err)
		return err
	}
	n.logger.Info("operation applied", "op", op, "duration", time.Since(start))
	n.notifySubscribers()
	return nil
}

// EventsSubscribe registers a wakeup channel signalled after every applied
// operation. Consumers re-read the durable event log on each wakeup; the
// returned cancel func must be called when the consumer goes away.
func (n *Node) EventsSubscribe() (<-chan struct{}, func()) {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	id := n.nextSub
	n.nextSub++
	ch := make(chan struct{}, 1)
	n.subs[id] = ch
	cancel := func() {
		n.subMu.Lock()
		defer n.subMu.Unlock()
		delete(n.subs, id)
	}
	return ch, cancel
}

func (n *Node) notifySubscribers() {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// CreateListing registers a new item for the calling seller.
func (n *Node) CreateListing(caller [20]byte, id, name, description string, price *big.Int, stock uint64) (*marketplace.Item, error) {
	var item *marketplace.Item
	err := n.withTx("create_listing", func() error {
		var innerErr error
		item, innerErr = n.catalog.CreateListing(caller, id, name, description, price, stock)
		return innerErr
	})
	return item, err
}

// UpdateListing mutates an existing listing owned by the caller.
func (n *Node) UpdateListing(caller [20]byte, id, name, description string, price *big.Int, stock uint64) (*marketplace.Item, error) {
	var item *marketplace.Item
	err := n.withTx("update_listing", func() error {
		var innerErr error
		item, innerErr = n.catalog.UpdateListing(caller, id, name, description, price, stock)
		return innerErr
	})
	return item, err
}

// DeactivateListing takes the caller's listing off sale.
func (n *Node) DeactivateListing(caller [20]byte, id string) error {
	return n.withTx("deactivate_listing", func() error {
		return n.catalog.DeactivateListing(caller, id)
	})
}

// RejectListing marks a listing rejected; administrator only.
func (n *Node) RejectListing(caller [20]byte, id string) error {
	return n.withTx("reject_listing", func() error {
		return n.catalog.RejectListing(caller, id)
	})
}

// GetListing returns the stored item record.
func (n *Node) GetListing(id string) (*marketplace.Item, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.catalog.GetListing(id)
}

// ListListings returns every catalog item.
func (n *Node) ListListings() ([]*marketplace.Item, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.ItemList()
}

// Purchase executes a purchase as the calling buyer.
func (n *Node) Purchase(caller [20]byte, itemID, invoiceID string, quantity uint64, tendered *big.Int) (*marketplace.Invoice, error) {
	var inv *marketplace.Invoice
	err := n.withTx("purchase", func() error {
		var innerErr error
		inv, innerErr = n.engine.Purchase(caller, itemID, invoiceID, quantity, tendered)
		return innerErr
	})
	return inv, err
}

// Ship marks an invoice shipped as the calling seller.
func (n *Node) Ship(caller [20]byte, invoiceID string) error {
	return n.withTx("ship", func() error {
		return n.engine.Ship(caller, invoiceID)
	})
}

// Receive marks an invoice received as the calling buyer.
func (n *Node) Receive(caller [20]byte, invoiceID string) error {
	return n.withTx("receive", func() error {
		return n.engine.Receive(caller, invoiceID)
	})
}

// Refund refunds an invoice as the calling seller.
func (n *Node) Refund(caller [20]byte, invoiceID string, tendered *big.Int) error {
	return n.withTx("refund", func() error {
		return n.engine.Refund(caller, invoiceID, tendered)
	})
}

// GetInvoice returns an invoice to its buyer.
func (n *Node) GetInvoice(caller [20]byte, invoiceID string) (*marketplace.Invoice, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.GetInvoice(caller, invoiceID)
}

// ListInvoices returns the caller's invoices. Invoices stay private to their
// buyer, so the list is scoped to the calling address.
func (n *Node) ListInvoices(caller [20]byte) ([]*marketplace.Invoice, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.InvoiceList(caller)
}

// GetBalance returns the spendable balance for an address.
func (n *Node) GetBalance(addr [20]byte) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	account, err := n.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.Balance, nil
}

// SetPaused toggles the marketplace kill-switch.
func (n *Node) SetPaused(module string, paused bool) {
	n.pauses.SetPaused(module, paused)
	n.logger.Info("pause flag changed", "module", module, "paused", paused)
}

// EventCount returns the length of the audit trail.
func (n *Node) EventCount() (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.EventCount()
}

// EventAt returns the audit record at the given sequence number.
func (n *Node) EventAt(seq uint64) (*types.Event, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.EventAt(seq)
}
