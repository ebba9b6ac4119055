package state

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"marketchain/core/types"
	"marketchain/native/marketplace"
	"marketchain/storage"
)

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestItemRoundTrip(t *testing.T) {
	st := NewMarketState(storage.NewMemDB())
	item := &marketplace.Item{
		ID:          "shoe-1",
		Name:        "runner",
		Description: "lightweight",
		Price:       big.NewInt(100),
		Stock:       5,
		Status:      marketplace.ListingOnSale,
		Seller:      testAddress(0x01),
		CreatedAt:   1700000000,
	}
	require.NoError(t, st.ItemPut(item))

	got, ok := st.ItemGet("shoe-1")
	require.True(t, ok)
	require.Equal(t, item.ID, got.ID)
	require.Equal(t, item.Name, got.Name)
	require.Equal(t, item.Description, got.Description)
	require.Zero(t, item.Price.Cmp(got.Price))
	require.Equal(t, item.Stock, got.Stock)
	require.Equal(t, item.Status, got.Status)
	require.Equal(t, item.Seller, got.Seller)
	require.Equal(t, item.CreatedAt, got.CreatedAt)
}

func TestInvoiceRoundTrip(t *testing.T) {
	st := NewMarketState(storage.NewMemDB())
	inv := &marketplace.Invoice{
		ID:         "inv-1",
		ItemID:     "shoe-1",
		Quantity:   2,
		AmountPaid: big.NewInt(200),
		Status:     marketplace.InvoiceProcessing,
		Buyer:      testAddress(0x02),
		CreatedAt:  1700000000,
	}
	require.NoError(t, st.InvoicePut(inv))

	got, ok := st.InvoiceGet("inv-1")
	require.True(t, ok)
	require.Equal(t, inv.ItemID, got.ItemID)
	require.Equal(t, inv.Quantity, got.Quantity)
	require.Zero(t, inv.AmountPaid.Cmp(got.AmountPaid))
	require.Equal(t, inv.Status, got.Status)
	require.Equal(t, inv.Buyer, got.Buyer)
}

func TestAccountDefaultsToZero(t *testing.T) {
	st := NewMarketState(storage.NewMemDB())
	account, err := st.GetAccount(testAddress(0x05))
	require.NoError(t, err)
	require.Zero(t, account.Balance.Sign())

	account.Balance = big.NewInt(500)
	require.NoError(t, st.PutAccount(testAddress(0x05), account))
	got, err := st.GetAccount(testAddress(0x05))
	require.NoError(t, err)
	require.Zero(t, got.Balance.Cmp(big.NewInt(500)))
}

func TestPutAccountRejectsNegativeBalance(t *testing.T) {
	st := NewMarketState(storage.NewMemDB())
	err := st.PutAccount(testAddress(0x05), &types.Account{Balance: big.NewInt(-1)})
	require.Error(t, err)
}

func TestRollbackDiscardsStagedWrites(t *testing.T) {
	db := storage.NewMemDB()
	st := NewMarketState(db)
	item := &marketplace.Item{ID: "shoe-1", Price: big.NewInt(100), Stock: 5, Seller: testAddress(0x01)}

	st.Begin()
	require.NoError(t, st.ItemPut(item))
	_, ok := st.ItemGet("shoe-1")
	require.True(t, ok, "staged write should be visible inside the transaction")
	st.Rollback()

	_, ok = st.ItemGet("shoe-1")
	require.False(t, ok, "rolled back write must not persist")
}

func TestCommitFlushesStagedWrites(t *testing.T) {
	db := storage.NewMemDB()
	st := NewMarketState(db)
	item := &marketplace.Item{ID: "shoe-1", Price: big.NewInt(100), Stock: 5, Seller: testAddress(0x01)}

	st.Begin()
	require.NoError(t, st.ItemPut(item))
	require.NoError(t, st.Commit())

	// A fresh state over the same database observes the write.
	st2 := NewMarketState(db)
	_, ok := st2.ItemGet("shoe-1")
	require.True(t, ok)
}

func TestCommitWithoutBeginFails(t *testing.T) {
	st := NewMarketState(storage.NewMemDB())
	require.Error(t, st.Commit())
}

func TestEventLogAppend(t *testing.T) {
	st := NewMarketState(storage.NewMemDB())
	count, err := st.EventCount()
	require.NoError(t, err)
	require.Zero(t, count)

	require.NoError(t, st.EventAppend(&types.Event{Type: "marketplace.listing.created", Attributes: map[string]string{"id": "shoe-1"}}))
	require.NoError(t, st.EventAppend(&types.Event{Type: "marketplace.invoice.purchased", Attributes: map[string]string{"invoiceId": "inv-1"}}))

	count, err = st.EventCount()
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)

	first, err := st.EventAt(0)
	require.NoError(t, err)
	require.Equal(t, "marketplace.listing.created", first.Type)
	require.Equal(t, "shoe-1", first.Attributes["id"])
}

func TestEventLogRollsBackWithTransaction(t *testing.T) {
	st := NewMarketState(storage.NewMemDB())
	st.Begin()
	require.NoError(t, st.EventAppend(&types.Event{Type: "marketplace.listing.created"}))
	st.Rollback()

	count, err := st.EventCount()
	require.NoError(t, err)
	require.Zero(t, count, "event from aborted transaction must not persist")
}

func TestVaultAddressDeterministic(t *testing.T) {
	a := NewMarketState(storage.NewMemDB())
	b := NewMarketState(storage.NewMemDB())
	require.Equal(t, a.VaultAddress(), b.VaultAddress())
	require.NotEqual(t, [20]byte{}, a.VaultAddress())
}

func TestGenesisAppliedFlag(t *testing.T) {
	st := NewMarketState(storage.NewMemDB())
	applied, err := st.GenesisApplied()
	require.NoError(t, err)
	require.False(t, applied)

	require.NoError(t, st.MarkGenesisApplied())
	applied, err = st.GenesisApplied()
	require.NoError(t, err)
	require.True(t, applied)
}

func TestItemListOrderedAndOverlayAware(t *testing.T) {
	st := NewMarketState(storage.NewMemDB())
	for _, id := range []string{"shoe-2", "shoe-1"} {
		require.NoError(t, st.ItemPut(&marketplace.Item{
			ID:     id,
			Name:   "runner",
			Price:  big.NewInt(100),
			Stock:  5,
			Status: marketplace.ListingOnSale,
			Seller: testAddress(0x01),
		}))
	}

	items, err := st.ItemList()
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "shoe-1", items[0].ID)
	require.Equal(t, "shoe-2", items[1].ID)

	// A staged write shadows the committed record for in-transaction reads.
	st.Begin()
	require.NoError(t, st.ItemPut(&marketplace.Item{
		ID:     "shoe-1",
		Name:   "runner",
		Price:  big.NewInt(100),
		Stock:  1,
		Status: marketplace.ListingOnSale,
		Seller: testAddress(0x01),
	}))
	items, err = st.ItemList()
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, uint64(1), items[0].Stock)
	st.Rollback()

	items, err = st.ItemList()
	require.NoError(t, err)
	require.Equal(t, uint64(5), items[0].Stock)
}

func TestInvoiceListScopedToBuyer(t *testing.T) {
	st := NewMarketState(storage.NewMemDB())
	mine := testAddress(0x02)
	other := testAddress(0x03)
	for _, inv := range []*marketplace.Invoice{
		{ID: "inv-1", ItemID: "shoe-1", Quantity: 1, AmountPaid: big.NewInt(100), Buyer: mine},
		{ID: "inv-2", ItemID: "shoe-1", Quantity: 1, AmountPaid: big.NewInt(100), Buyer: other},
		{ID: "inv-3", ItemID: "shoe-2", Quantity: 2, AmountPaid: big.NewInt(200), Buyer: mine},
	} {
		require.NoError(t, st.InvoicePut(inv))
	}

	invoices, err := st.InvoiceList(mine)
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	require.Equal(t, "inv-1", invoices[0].ID)
	require.Equal(t, "inv-3", invoices[1].ID)
}

type flakyDB struct {
	*storage.MemDB
	failBatch bool
	failKey   string
}

func (db *flakyDB) WriteBatch(entries map[string][]byte) error {
	if db.failBatch {
		return errors.New("disk full")
	}
	return db.MemDB.WriteBatch(entries)
}

func (db *flakyDB) Get(key []byte) ([]byte, error) {
	if db.failKey != "" && string(key) == db.failKey {
		return nil, errors.New("read failure")
	}
	return db.MemDB.Get(key)
}

func TestFailedCommitLeavesNoPartialState(t *testing.T) {
	db := &flakyDB{MemDB: storage.NewMemDB()}
	st := NewMarketState(db)

	st.Begin()
	require.NoError(t, st.ItemPut(&marketplace.Item{
		ID:     "shoe-1",
		Name:   "runner",
		Price:  big.NewInt(100),
		Stock:  5,
		Status: marketplace.ListingOnSale,
		Seller: testAddress(0x01),
	}))
	require.NoError(t, st.Commit())

	db.failBatch = true
	st.Begin()
	for _, id := range []string{"shoe-2", "shoe-3"} {
		require.NoError(t, st.ItemPut(&marketplace.Item{
			ID:     id,
			Name:   "runner",
			Price:  big.NewInt(100),
			Stock:  5,
			Status: marketplace.ListingOnSale,
			Seller: testAddress(0x01),
		}))
	}
	require.NoError(t, st.PutAccount(testAddress(0x02), &types.Account{Balance: big.NewInt(50)}))
	require.Error(t, st.Commit())
	st.Rollback()
	db.failBatch = false

	// Nothing from the failed transaction may be visible or durable.
	if _, ok := st.ItemGet("shoe-2"); ok {
		t.Fatal("failed commit leaked an item")
	}
	if _, ok := st.ItemGet("shoe-3"); ok {
		t.Fatal("failed commit leaked an item")
	}
	items, err := st.ItemList()
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "shoe-1", items[0].ID)
	account, err := st.GetAccount(testAddress(0x02))
	require.NoError(t, err)
	require.Zero(t, account.Balance.Sign())
}

func TestLogEmitterRecordsAppendFailure(t *testing.T) {
	db := &flakyDB{MemDB: storage.NewMemDB()}
	st := NewMarketState(db)
	emitter := NewLogEmitter(st)

	item := &marketplace.Item{
		ID:     "shoe-1",
		Name:   "runner",
		Price:  big.NewInt(100),
		Stock:  1,
		Status: marketplace.ListingOnSale,
		Seller: testAddress(0x01),
	}
	emitter.Emit(marketplace.NewListingCreatedEvent(item))
	require.NoError(t, emitter.Err())

	db.failKey = eventSeqKey
	emitter.Emit(marketplace.NewListingCreatedEvent(item))
	require.Error(t, emitter.Err())

	emitter.Reset()
	require.NoError(t, emitter.Err())
}
