package storage

import "errors"

var (
	// ErrNotFound is returned when an account or its config row is missing.
	ErrNotFound = errors.New("storage: not found")

	// ErrInsufficientBudget is returned by DebitBudget when the account
	// cannot cover the amount.
	ErrInsufficientBudget = errors.New("storage: insufficient budget")

	// ErrInvalidInput is returned for non-positive amounts and empty keys.
	ErrInvalidInput = errors.New("storage: invalid input")
)
