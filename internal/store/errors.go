package store

import (
	"errors"
	"fmt"
)

var (
	ErrCounterNotFound  = errors.New("counter not found")
	ErrConflict         = errors.New("counter changed concurrently")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrUnknownField     = errors.New("unknown counter field")
)

// unavailable marks a backing-store failure as retryable while keeping the cause.
func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
