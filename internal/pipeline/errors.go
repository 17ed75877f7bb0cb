package pipeline

import (
	"fmt"

	"github.com/paradigmxyz/spice/internal/dune"
)

// ConfigurationError reports an unusable call: a missing credential or an
// invalid option. It is raised before any network activity when possible.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// QueryResolutionError reports a reference that could not be turned into a
// runnable query: unregistrable SQL or an unknown query id.
type QueryResolutionError struct {
	Reference string
	Err       error
}

func (e *QueryResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Reference, e.Err)
}

func (e *QueryResolutionError) Unwrap() error { return e.Err }

// ExecutionFailure reports an execution that ended failed, canceled or
// expired. Message is the diagnostic reported by the service.
type ExecutionFailure struct {
	ExecutionID string
	State       dune.State
	Message     string
}

func (e *ExecutionFailure) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("execution %s %s", e.ExecutionID, e.State)
	}
	return fmt.Sprintf("execution %s %s: %s", e.ExecutionID, e.State, e.Message)
}

// RateLimitExceeded reports that the retry budget ran out while the service
// kept answering with rate-limit responses.
type RateLimitExceeded struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("%s: still rate limited after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RateLimitExceeded) Unwrap() error { return e.Err }

// TransportError is any other failure talking to the service.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PartialResultError reports a pagination that broke after the first page.
type PartialResultError struct {
	ExecutionID string
	RowsFetched int
	Err         error
}

func (e *PartialResultError) Error() string {
	return fmt.Sprintf("execution %s: pagination aborted after %d rows: %v", e.ExecutionID, e.RowsFetched, e.Err)
}

func (e *PartialResultError) Unwrap() error { return e.Err }
