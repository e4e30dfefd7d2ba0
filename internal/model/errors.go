package model

import "errors"

// Error taxonomy. Wrap with fmt.Errorf("%w: ...") and match with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidState      = errors.New("invalid state")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrValidation        = errors.New("validation error")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)
