package ledger

import "errors"

// ErrInsufficientFunds is returned when wallet balance is not enough.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrInvalidAmount means non-positive amount passed.
var ErrInvalidAmount = errors.New("amount must be positive")

// ErrWalletNotFound is returned for operations on a wallet that does not exist.
var ErrWalletNotFound = errors.New("wallet not found")

// ErrTransactionNotFound is returned for an unknown transaction id.
var ErrTransactionNotFound = errors.New("transaction not found")

// ErrConflict signals an optimistic lock conflict on the wallet row.
var ErrConflict = errors.New("optimistic lock conflict")
