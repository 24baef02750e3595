package apiv4

import (
	"errors"
	"fmt"
)

var (
	errNotObject    = errors.New("response is not a JSON object")
	errTrailingData = errors.New("unexpected data after the JSON object")
)

// ConfigError reports a required client setting that is absent or malformed.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("civicrm config: %s %s", e.Field, e.Reason)
}

// TransportError reports a non-2xx status or a failed HTTP exchange.
// Status is 0 when no response was received (network failure, timeout, cancellation).
type TransportError struct {
	Entity string
	Action string
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("civicrm request %s/%s failed: %v", e.Entity, e.Action, e.Err)
	}
	return fmt.Sprintf("civicrm HTTP %d for %s/%s: %s", e.Status, e.Entity, e.Action, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a 2xx response whose body is not a JSON object.
type DecodeError struct {
	Entity string
	Action string
	Body   string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("civicrm response for %s/%s is not valid JSON: %v (body: %s)", e.Entity, e.Action, e.Err, e.Body)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// APIError reports a 2xx response carrying is_error. Code is passed through verbatim.
type APIError struct {
	Entity  string
	Action  string
	Message string
	Code    any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("civicrm API error for %s/%s: %s (code=%v)", e.Entity, e.Action, e.Message, e.Code)
}

// Summary describes err without response bodies or CRM messages, so it can be
// persisted. Errors of other types are rendered with their own text.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	var (
		configErr    *ConfigError
		transportErr *TransportError
		decodeErr    *DecodeError
		apiErr       *APIError
	)
	switch {
	case errors.As(err, &apiErr):
		return fmt.Sprintf("api error for %s/%s (code=%v)", apiErr.Entity, apiErr.Action, apiErr.Code)
	case errors.As(err, &decodeErr):
		return fmt.Sprintf("invalid JSON response for %s/%s", decodeErr.Entity, decodeErr.Action)
	case errors.As(err, &transportErr):
		if transportErr.Status == 0 {
			return fmt.Sprintf("request %s/%s failed: %v", transportErr.Entity, transportErr.Action, transportErr.Err)
		}
		return fmt.Sprintf("HTTP %d for %s/%s", transportErr.Status, transportErr.Entity, transportErr.Action)
	case errors.As(err, &configErr):
		return configErr.Error()
	}
	return err.Error()
}
