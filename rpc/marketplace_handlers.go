package rpc

import (
	"encoding/json"
	"math/big"
	"strings"

	"marketchain/core/types"
	"marketchain/native/marketplace"
)

type listingWriteParams struct {
	Caller      string `json:"caller"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       string `json:"price"`
	Stock       uint64 `json:"stock"`
}

type listingIDParams struct {
	Caller string `json:"caller,omitempty"`
	ID     string `json:"id"`
}

type purchaseParams struct {
	Caller    string `json:"caller"`
	ItemID    string `json:"itemId"`
	InvoiceID string `json:"invoiceId"`
	Quantity  uint64 `json:"quantity"`
	Tendered  string `json:"tendered"`
}

type invoiceActionParams struct {
	Caller    string `json:"caller"`
	InvoiceID string `json:"invoiceId"`
	Tendered  string `json:"tendered,omitempty"`
}

type balanceParams struct {
	Address string `json:"address"`
}

type callerParams struct {
	Caller string `json:"caller"`
}

type setPausedParams struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

type itemJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       string `json:"price"`
	Stock       uint64 `json:"stock"`
	Status      string `json:"status"`
	Seller      string `json:"seller"`
	CreatedAt   int64  `json:"createdAt"`
}

type invoiceJSON struct {
	ID         string `json:"id"`
	ItemID     string `json:"itemId"`
	Quantity   uint64 `json:"quantity"`
	AmountPaid string `json:"amountPaid"`
	Status     string `json:"status"`
	Buyer      string `json:"buyer"`
	CreatedAt  int64  `json:"createdAt"`
}

func itemToJSON(item *marketplace.Item) itemJSON {
	price := "0"
	if item.Price != nil {
		price = item.Price.String()
	}
	return itemJSON{
		ID:          item.ID,
		Name:        item.Name,
		Description: item.Description,
		Price:       price,
		Stock:       item.Stock,
		Status:      item.Status.String(),
		Seller:      types.FormatAddress(item.Seller),
		CreatedAt:   item.CreatedAt,
	}
}

func invoiceToJSON(inv *marketplace.Invoice) invoiceJSON {
	paid := "0"
	if inv.AmountPaid != nil {
		paid = inv.AmountPaid.String()
	}
	return invoiceJSON{
		ID:         inv.ID,
		ItemID:     inv.ItemID,
		Quantity:   inv.Quantity,
		AmountPaid: paid,
		Status:     inv.Status.String(),
		Buyer:      types.FormatAddress(inv.Buyer),
		CreatedAt:  inv.CreatedAt,
	}
}

func decodeParams(req *RPCRequest, dst any) *RPCError {
	if len(req.Params) != 1 {
		return &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: "exactly one parameter object expected"}
	}
	if err := json.Unmarshal(req.Params[0], dst); err != nil {
		return &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: err.Error()}
	}
	return nil
}

func parseCaller(s string) ([20]byte, *RPCError) {
	addr, err := types.ParseAddress(s)
	if err != nil {
		return addr, &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: err.Error()}
	}
	return addr, nil
}

func parseAmount(s string) (*big.Int, *RPCError) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: "amount must be a base-10 integer"}
	}
	if amount.Sign() < 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: "amount must be non-negative"}
	}
	return amount, nil
}

func (s *Server) handleCreateListing(req *RPCRequest) (any, *RPCError) {
	var params listingWriteParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseCaller(params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	price, rpcErr := parseAmount(params.Price)
	if rpcErr != nil {
		return nil, rpcErr
	}
	item, err := s.node.CreateListing(caller, params.ID, params.Name, params.Description, price, params.Stock)
	if err != nil {
		return nil, marketError(err)
	}
	return itemToJSON(item), nil
}

func (s *Server) handleUpdateListing(req *RPCRequest) (any, *RPCError) {
	var params listingWriteParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseCaller(params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	price, rpcErr := parseAmount(params.Price)
	if rpcErr != nil {
		return nil, rpcErr
	}
	item, err := s.node.UpdateListing(caller, params.ID, params.Name, params.Description, price, params.Stock)
	if err != nil {
		return nil, marketError(err)
	}
	return itemToJSON(item), nil
}

func (s *Server) handleDeactivateListing(req *RPCRequest) (any, *RPCError) {
	var params listingIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseCaller(params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.node.DeactivateListing(caller, params.ID); err != nil {
		return nil, marketError(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) handleRejectListing(req *RPCRequest) (any, *RPCError) {
	var params listingIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseCaller(params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.node.RejectListing(caller, params.ID); err != nil {
		return nil, marketError(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) handleGetListing(req *RPCRequest) (any, *RPCError) {
	var params listingIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	item, err := s.node.GetListing(params.ID)
	if err != nil {
		return nil, marketError(err)
	}
	return itemToJSON(item), nil
}

func (s *Server) handleListListings(req *RPCRequest) (any, *RPCError) {
	if len(req.Params) > 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: "no parameters expected"}
	}
	items, err := s.node.ListListings()
	if err != nil {
		return nil, marketError(err)
	}
	out := make([]itemJSON, 0, len(items))
	for _, item := range items {
		out = append(out, itemToJSON(item))
	}
	return out, nil
}

func (s *Server) handleListInvoices(req *RPCRequest) (any, *RPCError) {
	var params callerParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseCaller(params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	invoices, err := s.node.ListInvoices(caller)
	if err != nil {
		return nil, marketError(err)
	}
	out := make([]invoiceJSON, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, invoiceToJSON(inv))
	}
	return out, nil
}

func (s *Server) handlePurchase(req *RPCRequest) (any, *RPCError) {
	var params purchaseParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseCaller(params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	tendered, rpcErr := parseAmount(params.Tendered)
	if rpcErr != nil {
		return nil, rpcErr
	}
	inv, err := s.node.Purchase(caller, params.ItemID, params.InvoiceID, params.Quantity, tendered)
	if err != nil {
		return nil, marketError(err)
	}
	return invoiceToJSON(inv), nil
}

func (s *Server) handleShip(req *RPCRequest) (any, *RPCError) {
	var params invoiceActionParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseCaller(params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.node.Ship(caller, params.InvoiceID); err != nil {
		return nil, marketError(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) handleReceive(req *RPCRequest) (any, *RPCError) {
	var params invoiceActionParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseCaller(params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.node.Receive(caller, params.InvoiceID); err != nil {
		return nil, marketError(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) handleRefund(req *RPCRequest) (any, *RPCError) {
	var params invoiceActionParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseCaller(params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	tendered, rpcErr := parseAmount(params.Tendered)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.node.Refund(caller, params.InvoiceID, tendered); err != nil {
		return nil, marketError(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) handleGetInvoice(req *RPCRequest) (any, *RPCError) {
	var params invoiceActionParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseCaller(params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	inv, err := s.node.GetInvoice(caller, params.InvoiceID)
	if err != nil {
		return nil, marketError(err)
	}
	return invoiceToJSON(inv), nil
}

func (s *Server) handleGetBalance(req *RPCRequest) (any, *RPCError) {
	var params balanceParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parseCaller(params.Address)
	if rpcErr != nil {
		return nil, rpcErr
	}
	balance, err := s.node.GetBalance(addr)
	if err != nil {
		return nil, marketError(err)
	}
	return map[string]string{"balance": balance.String()}, nil
}

func (s *Server) handleSetPaused(req *RPCRequest) (any, *RPCError) {
	var params setPausedParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	module := strings.TrimSpace(params.Module)
	if module == "" {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: "module required"}
	}
	s.node.SetPaused(module, params.Paused)
	return map[string]bool{"ok": true}, nil
}
