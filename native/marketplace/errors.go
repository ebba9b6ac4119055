package marketplace

import "errors"

var (
	ErrInvalidArgument     = errors.New("marketplace: invalid argument")
	ErrUnauthorized        = errors.New("marketplace: unauthorized")
	ErrInvalidState        = errors.New("marketplace: state transition not allowed")
	ErrOutOfStock          = errors.New("marketplace: out of stock")
	ErrInsufficientPayment = errors.New("marketplace: insufficient payment")
	ErrInsufficientFunds   = errors.New("marketplace: insufficient balance")
	ErrItemNotFound        = errors.New("marketplace: item not found")
	ErrItemExists          = errors.New("marketplace: item already listed")
	ErrListingNotOnSale    = errors.New("marketplace: listing not on sale")
	ErrInvoiceNotFound     = errors.New("marketplace: invoice not found")
	ErrInvoiceExists       = errors.New("marketplace: invoice already exists")

	errNilState = errors.New("marketplace: state not configured")
)
