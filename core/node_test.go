package core

import (
	"errors"
	"math/big"
	"testing"

	"marketchain/core/genesis"
	"marketchain/core/types"
	nativecommon "marketchain/native/common"
	"marketchain/native/marketplace"
	"marketchain/storage"
)

const (
	adminHex  = "0xadadadadadadadadadadadadadadadadadadadad"
	sellerHex = "0x0101010101010101010101010101010101010101"
	buyerHex  = "0x0202020202020202020202020202020202020202"
)

func mustAddress(t *testing.T, s string) [20]byte {
	t.Helper()
	addr, err := types.ParseAddress(s)
	if err != nil {
		t.Fatalf("parse address %s: %v", s, err)
	}
	return addr
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	gen := &genesis.Spec{
		Alloc: map[string]string{buyerHex: "1000"},
		Admin: adminHex,
	}
	node, err := NewNode(storage.NewMemDB(), gen, nil, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

func TestNodePurchaseFlow(t *testing.T) {
	node := newTestNode(t)
	seller := mustAddress(t, sellerHex)
	buyer := mustAddress(t, buyerHex)

	if _, err := node.CreateListing(seller, "shoe-1", "runner", "", big.NewInt(100), 5); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	inv, err := node.Purchase(buyer, "shoe-1", "inv-1", 2, big.NewInt(210))
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if inv.AmountPaid.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("amount paid = %s", inv.AmountPaid)
	}

	sellerBalance, err := node.GetBalance(seller)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if sellerBalance.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("seller balance = %s, want 200", sellerBalance)
	}
	buyerBalance, err := node.GetBalance(buyer)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if buyerBalance.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("buyer balance = %s, want 800", buyerBalance)
	}

	item, err := node.GetListing("shoe-1")
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if item.Stock != 3 {
		t.Fatalf("stock = %d, want 3", item.Stock)
	}

	if err := node.Ship(seller, "inv-1"); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if err := node.Receive(buyer, "inv-1"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	got, err := node.GetInvoice(buyer, "inv-1")
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if got.Status != marketplace.InvoiceReceived {
		t.Fatalf("status = %s, want received", got.Status)
	}
}

func TestNodeFailedPurchaseLeavesNoTrace(t *testing.T) {
	node := newTestNode(t)
	seller := mustAddress(t, sellerHex)
	buyer := mustAddress(t, buyerHex)

	if _, err := node.CreateListing(seller, "shoe-1", "runner", "", big.NewInt(600), 2); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	eventsBefore, err := node.EventCount()
	if err != nil {
		t.Fatalf("event count: %v", err)
	}

	// The buyer can cover the price check but not the funds transfer, so the
	// operation fails mid-transition and must roll back entirely.
	_, err = node.Purchase(buyer, "shoe-1", "inv-1", 2, big.NewInt(1200))
	if !errors.Is(err, marketplace.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	item, err := node.GetListing("shoe-1")
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if item.Stock != 2 {
		t.Fatalf("stock mutated by failed purchase: %d", item.Stock)
	}
	buyerBalance, err := node.GetBalance(buyer)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if buyerBalance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("buyer balance mutated by failed purchase: %s", buyerBalance)
	}
	eventsAfter, err := node.EventCount()
	if err != nil {
		t.Fatalf("event count: %v", err)
	}
	if eventsAfter != eventsBefore {
		t.Fatalf("failed operation emitted events: %d -> %d", eventsBefore, eventsAfter)
	}
}

func TestNodeAuditTrailExactlyOnce(t *testing.T) {
	node := newTestNode(t)
	seller := mustAddress(t, sellerHex)
	buyer := mustAddress(t, buyerHex)

	if _, err := node.CreateListing(seller, "shoe-1", "runner", "", big.NewInt(100), 5); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if _, err := node.Purchase(buyer, "shoe-1", "inv-1", 1, big.NewInt(100)); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	count, err := node.EventCount()
	if err != nil {
		t.Fatalf("event count: %v", err)
	}
	if count != 2 {
		t.Fatalf("event count = %d, want 2", count)
	}
	first, err := node.EventAt(0)
	if err != nil {
		t.Fatalf("event at 0: %v", err)
	}
	if first.Type != marketplace.EventTypeListingCreated {
		t.Fatalf("first event = %s", first.Type)
	}
	second, err := node.EventAt(1)
	if err != nil {
		t.Fatalf("event at 1: %v", err)
	}
	if second.Type != marketplace.EventTypeItemPurchased {
		t.Fatalf("second event = %s", second.Type)
	}
}

func TestNodePauseToggle(t *testing.T) {
	node := newTestNode(t)
	seller := mustAddress(t, sellerHex)
	admin := mustAddress(t, adminHex)

	node.SetPaused("marketplace", true)
	_, err := node.CreateListing(seller, "shoe-1", "runner", "", big.NewInt(100), 5)
	if !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}

	node.SetPaused("marketplace", false)
	if _, err := node.CreateListing(seller, "shoe-1", "runner", "", big.NewInt(100), 5); err != nil {
		t.Fatalf("create listing after unpause: %v", err)
	}

	// Rejection works even while paused.
	node.SetPaused("marketplace", true)
	if err := node.RejectListing(admin, "shoe-1"); err != nil {
		t.Fatalf("reject while paused: %v", err)
	}
}

func TestNodeStartsPausedFromConfig(t *testing.T) {
	gen := &genesis.Spec{Alloc: map[string]string{}, Admin: adminHex}
	node, err := NewNode(storage.NewMemDB(), gen, []string{"marketplace"}, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	_, err = node.CreateListing(mustAddress(t, sellerHex), "shoe-1", "runner", "", big.NewInt(100), 5)
	if !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}

func TestNodeGenesisAppliedOnce(t *testing.T) {
	db := storage.NewMemDB()
	gen := &genesis.Spec{Alloc: map[string]string{buyerHex: "1000"}, Admin: adminHex}
	if _, err := NewNode(db, gen, nil, nil); err != nil {
		t.Fatalf("first boot: %v", err)
	}
	node, err := NewNode(db, gen, nil, nil)
	if err != nil {
		t.Fatalf("second boot: %v", err)
	}
	balance, err := node.GetBalance(mustAddress(t, buyerHex))
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("genesis double-applied: %s", balance)
	}
}

type unreliableDB struct {
	*storage.MemDB
	failBatch bool
	failReads bool
}

func (db *unreliableDB) WriteBatch(entries map[string][]byte) error {
	if db.failBatch {
		return errors.New("disk full")
	}
	return db.MemDB.WriteBatch(entries)
}

func (db *unreliableDB) Get(key []byte) ([]byte, error) {
	if db.failReads {
		return nil, errors.New("read failure")
	}
	return db.MemDB.Get(key)
}

func TestNodeFailedCommitRollsBack(t *testing.T) {
	db := &unreliableDB{MemDB: storage.NewMemDB()}
	gen := &genesis.Spec{Alloc: map[string]string{buyerHex: "1000"}, Admin: adminHex}
	node, err := NewNode(db, gen, nil, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	seller := mustAddress(t, sellerHex)

	db.failBatch = true
	if _, err := node.CreateListing(seller, "shoe-1", "runner", "", big.NewInt(100), 5); err == nil {
		t.Fatal("expected commit failure")
	}
	db.failBatch = false

	// Readers must not observe writes from the failed operation.
	if _, err := node.GetListing("shoe-1"); !errors.Is(err, marketplace.ErrItemNotFound) {
		t.Fatalf("phantom listing after failed commit: %v", err)
	}
	items, err := node.ListListings()
	if err != nil {
		t.Fatalf("list listings: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("phantom listings after failed commit: %d", len(items))
	}
	count, err := node.EventCount()
	if err != nil {
		t.Fatalf("event count: %v", err)
	}
	if count != 0 {
		t.Fatalf("failed commit emitted events: %d", count)
	}

	// The node keeps working once the backend recovers.
	if _, err := node.CreateListing(seller, "shoe-1", "runner", "", big.NewInt(100), 5); err != nil {
		t.Fatalf("create listing after recovery: %v", err)
	}
}

func TestNodeAbortsWhenAuditAppendFails(t *testing.T) {
	db := &unreliableDB{MemDB: storage.NewMemDB()}
	gen := &genesis.Spec{Alloc: map[string]string{}, Admin: adminHex}
	node, err := NewNode(db, gen, nil, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	seller := mustAddress(t, sellerHex)

	db.failReads = true
	if _, err := node.CreateListing(seller, "shoe-1", "runner", "", big.NewInt(100), 5); err == nil {
		t.Fatal("expected failure when the audit append cannot be staged")
	}
	db.failReads = false

	if _, err := node.GetListing("shoe-1"); !errors.Is(err, marketplace.ErrItemNotFound) {
		t.Fatalf("listing applied without its audit record: %v", err)
	}
	count, err := node.EventCount()
	if err != nil {
		t.Fatalf("event count: %v", err)
	}
	if count != 0 {
		t.Fatalf("event count = %d, want 0", count)
	}
}
