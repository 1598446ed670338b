package ledger

import "fmt"

// InsufficientError rejects a delta batch in which any debit would take a
// balance below zero. The whole batch is discarded; no partial application.
type InsufficientError struct {
	Kind      Kind
	Required  int64
	Available int64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient %s: required %d, available %d", e.Kind, e.Required, e.Available)
}
