package api

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderRejected means the exchange answered and refused the order.
	// Nothing was placed; retrying may or may not help.
	ErrOrderRejected = errors.New("order rejected")

	// ErrUnknownOutcome means the request may have reached the exchange but
	// no answer was received. The order must be reconciled, never resubmitted.
	ErrUnknownOutcome = errors.New("order outcome unknown")
)

// UnknownOutcomeError carries the locally computed order hash so the caller
// can look the order up on the exchange.
type UnknownOutcomeError struct {
	OrderHash string
	Err       error
}

func (e *UnknownOutcomeError) Error() string {
	return fmt.Sprintf("order %s outcome unknown: %v", e.OrderHash, e.Err)
}

func (e *UnknownOutcomeError) Unwrap() error { return e.Err }

func (e *UnknownOutcomeError) Is(target error) bool {
	return target == ErrUnknownOutcome
}

// RejectedError is returned when the exchange explicitly refuses an order.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("order rejected: %d %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("order rejected: %s", e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrOrderRejected
}
