package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrDuplicate indicates a uniqueness constraint rejected the write.
var ErrDuplicate = errors.New("repository: duplicate entity")

// ErrInsufficientFunds indicates a debit would drive a budget negative.
var ErrInsufficientFunds = errors.New("repository: insufficient funds")

// ErrListingSold indicates the targeted listing was already consumed by
// another purchase.
var ErrListingSold = errors.New("repository: listing already sold")
