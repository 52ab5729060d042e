package orders

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest matches every *InvalidRequestError.
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("not found")
	ErrStorage        = errors.New("storage unavailable")
)

// InvalidRequestError reports a malformed or semantically invalid order.
// Field names the offending payload field when there is one.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

func (e *InvalidRequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

func Invalid(field, reason string) error {
	return &InvalidRequestError{Field: field, Reason: reason}
}

// StorageError tags err as a store failure so callers can map it to a
// retryable outcome.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
