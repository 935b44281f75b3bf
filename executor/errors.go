package executor

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/mevdschee/tqbulk/statement"
)

var (
	// ErrInvalidDemand is reported when Request is called with n <= 0
	ErrInvalidDemand = errors.New("requested demand must be positive")

	// ErrCancelled is reported by a cancelled subscription
	ErrCancelled = errors.New("subscription cancelled")
)

// ExecutionError wraps the failure of a statement or batch together
// with the unit that failed.
type ExecutionError struct {
	Unit  statement.ExecutionUnit
	Cause error
}

func newExecutionError(unit statement.ExecutionUnit, cause error) *ExecutionError {
	return &ExecutionError{Unit: unit, Cause: cause}
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing %s: %v", describe(e.Unit), e.Cause)
}

// Unwrap returns the underlying cause
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

func describe(unit statement.ExecutionUnit) string {
	switch u := unit.(type) {
	case *statement.Statement:
		return fmt.Sprintf("%q", truncateQuery(u.Query, 50))
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("batch of %d statements", u.Len())
	}
}

// truncateQuery truncates a query for use in messages
func truncateQuery(query string, maxLen int) string {
	if len(query) <= maxLen {
		return query
	}
	return query[:maxLen] + "..."
}
