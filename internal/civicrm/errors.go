package civicrm

import (
	"fmt"

	"github.com/xiy/civicrm-mcp/pkg/types"
)

// InputError reports tool input that failed validation. No request was sent.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input: %s %s", e.Field, e.Reason)
}

func inputErr(field, reason string) error {
	return &InputError{Field: field, Reason: reason}
}

// BatchError reports the operation that aborted a batch. Completed holds the
// results of the operations that ran before it; later operations never ran.
type BatchError struct {
	Index     int
	Total     int
	Operation types.BatchOperation
	Completed []map[string]any
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch operation %d of %d (%s/%s) failed after %d completed: %v",
		e.Index+1, e.Total, e.Operation.Entity, e.Operation.Action, len(e.Completed), e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
