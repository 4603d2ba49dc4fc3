package queue

import "errors"

var (
	// ErrInvariantViolation means a counter was observed with called > issued.
	// The counter is flagged and refuses issuance and calls until it is reset.
	ErrInvariantViolation = errors.New("counter invariant violated")
	ErrTicketOutOfRange   = errors.New("ticket number out of range")

	errNothingWaiting = errors.New("nobody waiting")
)
