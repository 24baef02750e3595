package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiy/civicrm-mcp/internal/apiv4"
	"github.com/xiy/civicrm-mcp/internal/civicrm"
)

type toolCallError struct {
	Tool string
	Err  error
}

func (e *toolCallError) Error() string { return e.Tool + " failed: " + e.Err.Error() }

func (e *toolCallError) Unwrap() error { return e.Err }

// errorSummary renders err for the request log. CRM response bodies are left out.
func errorSummary(err error) string {
	var (
		toolErr  *toolCallError
		batchErr *civicrm.BatchError
		inputErr *civicrm.InputError
	)
	switch {
	case errors.As(err, &toolErr):
		return toolErr.Tool + " failed: " + errorSummary(toolErr.Err)
	case errors.As(err, &batchErr):
		return fmt.Sprintf("batch operation %d of %d (%s/%s) failed after %d completed: %s",
			batchErr.Index+1, batchErr.Total, batchErr.Operation.Entity, batchErr.Operation.Action,
			len(batchErr.Completed), errorSummary(batchErr.Err))
	case errors.As(err, &inputErr):
		return inputErr.Error()
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return apiv4.Summary(err)
}

// describeError maps a tool failure to a structured payload the host can branch on.
func describeError(err error) map[string]any {
	out := map[string]any{"kind": "internal", "message": err.Error()}

	var (
		inputErr     *civicrm.InputError
		batchErr     *civicrm.BatchError
		configErr    *apiv4.ConfigError
		transportErr *apiv4.TransportError
		decodeErr    *apiv4.DecodeError
		apiErr       *apiv4.APIError
	)
	if errors.As(err, &batchErr) {
		out["operationIndex"] = batchErr.Index
		out["completed"] = batchErr.Completed
	}

	switch {
	case errors.As(err, &inputErr):
		out["kind"] = "input"
		out["field"] = inputErr.Field
	case errors.As(err, &configErr):
		out["kind"] = "config"
		out["field"] = configErr.Field
	case errors.As(err, &apiErr):
		out["kind"] = "api"
		out["code"] = apiErr.Code
	case errors.As(err, &decodeErr):
		out["kind"] = "decode"
	case errors.As(err, &transportErr):
		out["kind"] = "transport"
		out["status"] = transportErr.Status
		if errors.Is(err, context.Canceled) {
			out["kind"] = "cancelled"
		}
	case errors.Is(err, context.Canceled):
		out["kind"] = "cancelled"
	}
	return out
}
