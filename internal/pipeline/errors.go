package pipeline

import (
	"errors"
	"fmt"
)

// Error classes reported by Process and Aggregate. Callers match them with
// errors.Is.
var (
	ErrTransport      = errors.New("transport error")
	ErrBackend        = errors.New("analysis backend error")
	ErrStore          = errors.New("store error")
	ErrMissingPartial = errors.New("missing partial result")
	ErrInvalidRequest = errors.New("invalid request")
)

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

func backendError(name string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBackend, name, err)
}
