package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"marketchain/core/types"
	"marketchain/native/marketplace"
	"marketchain/storage"
)

const (
	itemPrefix    = "market/item/"
	invoicePrefix = "market/invoice/"
	accountPrefix = "market/account/"
	eventPrefix   = "market/event/"
	eventSeqKey   = "market/event-seq"
)

var errNoTransaction = errors.New("state: no transaction in progress")

// MarketState persists the Items, Invoices and Accounts tables over a
// key-value database, RLP-encoding every record. Writes issued between Begin
// and Commit are staged in an overlay so an aborted operation leaves the
// database untouched; reads always observe staged writes first.
type MarketState struct {
	db      storage.Database
	pending map[string][]byte
	inTx    bool
	vault   [20]byte
}

// NewMarketState wraps the provided database. The module vault address is
// derived from a fixed label so every node computes the same account.
func NewMarketState(db storage.Database) *MarketState {
	var vault [20]byte
	digest := ethcrypto.Keccak256([]byte("marketchain/module-vault"))
	copy(vault[:], digest[12:])
	return &MarketState{db: db, vault: vault}
}

// VaultAddress returns the ledger account holding in-flight escrow funds.
func (s *MarketState) VaultAddress() [20]byte { return s.vault }

// Begin starts staging writes. Nested transactions are not supported; the
// node serialises operations so a second Begin indicates a bug.
func (s *MarketState) Begin() {
	s.pending = make(map[string][]byte)
	s.inTx = true
}

// Commit flushes all staged writes to the database in one batch and ends the
// transaction. The batch write is atomic, so a storage failure or crash
// mid-commit never leaves a partially applied operation behind. On failure
// the overlay stays intact; the caller must Rollback before reading again.
func (s *MarketState) Commit() error {
	if !s.inTx {
		return errNoTransaction
	}
	if len(s.pending) > 0 {
		if err := s.db.WriteBatch(s.pending); err != nil {
			return fmt.Errorf("state: commit: %w", err)
		}
	}
	s.pending = nil
	s.inTx = false
	return nil
}

// Rollback discards all staged writes and ends the transaction.
func (s *MarketState) Rollback() {
	s.pending = nil
	s.inTx = false
}

func (s *MarketState) write(key string, value []byte) error {
	if s.inTx {
		s.pending[key] = value
		return nil
	}
	return s.db.Put([]byte(key), value)
}

func (s *MarketState) read(key string) ([]byte, bool, error) {
	if s.inTx {
		if value, ok := s.pending[key]; ok {
			return value, true, nil
		}
	}
	value, err := s.db.Get([]byte(key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// scan visits every record under the prefix, observing staged writes the same
// way read does. Outside a transaction keys arrive in ascending order; staged
// inserts not yet committed are visited last.
func (s *MarketState) scan(prefix string, fn func(key string, value []byte) error) error {
	staged := make(map[string][]byte)
	if s.inTx {
		for key, value := range s.pending {
			if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
				staged[key] = value
			}
		}
	}
	err := s.db.IteratePrefix([]byte(prefix), func(key, value []byte) error {
		if override, ok := staged[string(key)]; ok {
			delete(staged, string(key))
			value = override
		}
		return fn(string(key), value)
	})
	if err != nil {
		return err
	}
	for key, value := range staged {
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

type storedItem struct {
	ID          string
	Name        string
	Description string
	Price       *big.Int
	Stock       uint64
	Status      uint8
	Seller      [20]byte
	CreatedAt   uint64
}

type storedInvoice struct {
	ID         string
	ItemID     string
	Quantity   uint64
	AmountPaid *big.Int
	Status     uint8
	Buyer      [20]byte
	CreatedAt  uint64
}

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

// ItemPut persists the item record.
func (s *MarketState) ItemPut(item *marketplace.Item) error {
	sanitized, err := marketplace.SanitizeItem(item)
	if err != nil {
		return err
	}
	record := storedItem{
		ID:          sanitized.ID,
		Name:        sanitized.Name,
		Description: sanitized.Description,
		Price:       sanitized.Price,
		Stock:       sanitized.Stock,
		Status:      uint8(sanitized.Status),
		Seller:      sanitized.Seller,
		CreatedAt:   uint64(sanitized.CreatedAt),
	}
	encoded, err := rlp.EncodeToBytes(&record)
	if err != nil {
		return fmt.Errorf("state: encode item: %w", err)
	}
	return s.write(itemPrefix+sanitized.ID, encoded)
}

// ItemGet loads the item record for the identifier.
func (s *MarketState) ItemGet(id string) (*marketplace.Item, bool) {
	raw, ok, err := s.read(itemPrefix + id)
	if err != nil || !ok {
		return nil, false
	}
	var record storedItem
	if err := rlp.DecodeBytes(raw, &record); err != nil {
		return nil, false
	}
	return &marketplace.Item{
		ID:          record.ID,
		Name:        record.Name,
		Description: record.Description,
		Price:       record.Price,
		Stock:       record.Stock,
		Status:      marketplace.ListingStatus(record.Status),
		Seller:      record.Seller,
		CreatedAt:   int64(record.CreatedAt),
	}, true
}

// ItemList returns every stored item in ascending identifier order.
func (s *MarketState) ItemList() ([]*marketplace.Item, error) {
	var items []*marketplace.Item
	err := s.scan(itemPrefix, func(_ string, value []byte) error {
		var record storedItem
		if err := rlp.DecodeBytes(value, &record); err != nil {
			return fmt.Errorf("state: decode item: %w", err)
		}
		items = append(items, &marketplace.Item{
			ID:          record.ID,
			Name:        record.Name,
			Description: record.Description,
			Price:       record.Price,
			Stock:       record.Stock,
			Status:      marketplace.ListingStatus(record.Status),
			Seller:      record.Seller,
			CreatedAt:   int64(record.CreatedAt),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// InvoicePut persists the invoice record.
func (s *MarketState) InvoicePut(inv *marketplace.Invoice) error {
	sanitized, err := marketplace.SanitizeInvoice(inv)
	if err != nil {
		return err
	}
	record := storedInvoice{
		ID:         sanitized.ID,
		ItemID:     sanitized.ItemID,
		Quantity:   sanitized.Quantity,
		AmountPaid: sanitized.AmountPaid,
		Status:     uint8(sanitized.Status),
		Buyer:      sanitized.Buyer,
		CreatedAt:  uint64(sanitized.CreatedAt),
	}
	encoded, err := rlp.EncodeToBytes(&record)
	if err != nil {
		return fmt.Errorf("state: encode invoice: %w", err)
	}
	return s.write(invoicePrefix+sanitized.ID, encoded)
}

// InvoiceGet loads the invoice record for the identifier.
func (s *MarketState) InvoiceGet(id string) (*marketplace.Invoice, bool) {
	raw, ok, err := s.read(invoicePrefix + id)
	if err != nil || !ok {
		return nil, false
	}
	var record storedInvoice
	if err := rlp.DecodeBytes(raw, &record); err != nil {
		return nil, false
	}
	return &marketplace.Invoice{
		ID:         record.ID,
		ItemID:     record.ItemID,
		Quantity:   record.Quantity,
		AmountPaid: record.AmountPaid,
		Status:     marketplace.InvoiceStatus(record.Status),
		Buyer:      record.Buyer,
		CreatedAt:  int64(record.CreatedAt),
	}, true
}

// InvoiceList returns every stored invoice for the buyer in ascending
// identifier order.
func (s *MarketState) InvoiceList(buyer [20]byte) ([]*marketplace.Invoice, error) {
	var invoices []*marketplace.Invoice
	err := s.scan(invoicePrefix, func(_ string, value []byte) error {
		var record storedInvoice
		if err := rlp.DecodeBytes(value, &record); err != nil {
			return fmt.Errorf("state: decode invoice: %w", err)
		}
		if record.Buyer != buyer {
			return nil
		}
		invoices = append(invoices, &marketplace.Invoice{
			ID:         record.ID,
			ItemID:     record.ItemID,
			Quantity:   record.Quantity,
			AmountPaid: record.AmountPaid,
			Status:     marketplace.InvoiceStatus(record.Status),
			Buyer:      record.Buyer,
			CreatedAt:  int64(record.CreatedAt),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

// GetAccount loads the ledger account, returning a fresh zero-balance account
// for unknown addresses.
func (s *MarketState) GetAccount(addr [20]byte) (*types.Account, error) {
	raw, ok, err := s.read(accountPrefix + string(addr[:]))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	var record storedAccount
	if err := rlp.DecodeBytes(raw, &record); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	balance := record.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	return &types.Account{Nonce: record.Nonce, Balance: balance}, nil
}

// PutAccount persists the ledger account.
func (s *MarketState) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	balance := account.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	if balance.Sign() < 0 {
		return fmt.Errorf("state: negative balance")
	}
	encoded, err := rlp.EncodeToBytes(&storedAccount{Nonce: account.Nonce, Balance: balance})
	if err != nil {
		return fmt.Errorf("state: encode account: %w", err)
	}
	return s.write(accountPrefix+string(addr[:]), encoded)
}

const genesisAppliedKey = "market/genesis-applied"

// GenesisApplied reports whether the genesis allocation was already funded.
func (s *MarketState) GenesisApplied() (bool, error) {
	_, ok, err := s.read(genesisAppliedKey)
	return ok, err
}

// MarkGenesisApplied records that genesis funding completed.
func (s *MarketState) MarkGenesisApplied() error {
	return s.write(genesisAppliedKey, []byte{1})
}

func eventKey(seq uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return eventPrefix + string(buf[:])
}

// EventAppend stores the event at the next sequence number. Appends staged
// within a transaction roll back with the rest of the operation, which keeps
// the audit trail exactly-once per successful transition.
func (s *MarketState) EventAppend(evt *types.Event) error {
	if evt == nil {
		return fmt.Errorf("state: nil event")
	}
	seq, err := s.EventCount()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("state: encode event: %w", err)
	}
	if err := s.write(eventKey(seq), encoded); err != nil {
		return err
	}
	var next [8]byte
	binary.BigEndian.PutUint64(next[:], seq+1)
	return s.write(eventSeqKey, next[:])
}

// EventCount returns the number of stored events.
func (s *MarketState) EventCount() (uint64, error) {
	raw, ok, err := s.read(eventSeqKey)
	if err != nil {
		return 0, err
	}
	if !ok || len(raw) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(raw), nil
}

// EventAt returns the stored event at the given sequence number.
func (s *MarketState) EventAt(seq uint64) (*types.Event, error) {
	raw, ok, err := s.read(eventKey(seq))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("state: event %d not found", seq)
	}
	evt := &types.Event{}
	if err := json.Unmarshal(raw, evt); err != nil {
		return nil, fmt.Errorf("state: decode event: %w", err)
	}
	return evt, nil
}
