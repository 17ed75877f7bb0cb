// Package dune is the transport-level gateway to the Dune analytics API. It
// issues the HTTP calls the resolution pipeline needs and classifies remote
// failures into sentinel errors; it holds no state between calls.
package dune

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrNotFound    = errors.New("not found")
	ErrNoAPIKey    = errors.New("api key is required")
)

type State string

const (
	StatePending   State = "pending"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
	StateExpired   State = "expired"
	// StateUnknown is any state name the client does not recognise.
	StateUnknown   State = "unknown"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled, StateExpired:
		return true
	default:
		return false
	}
}

// Unsuccessful reports whether the state is terminal without a usable result.
func (s State) Unsuccessful() bool {
	return s == StateFailed || s == StateCanceled || s == StateExpired
}

func parseState(raw string) State {
	switch raw {
	case "QUERY_STATE_PENDING":
		return StatePending
	case "QUERY_STATE_EXECUTING":
		return StateExecuting
	case "QUERY_STATE_COMPLETED", "QUERY_STATE_COMPLETED_PARTIAL":
		return StateCompleted
	case "QUERY_STATE_FAILED":
		return StateFailed
	case "QUERY_STATE_CANCELLED", "QUERY_STATE_CANCELED":
		return StateCanceled
	case "QUERY_STATE_EXPIRED":
		return StateExpired
	default:
		return StateUnknown
	}
}

// Execution is a handle to one run of a query. State is the state observed
// when the handle was obtained and is never refreshed in place.
type Execution struct {
	ID          string
	QueryID     int64
	SubmittedAt time.Time
	State       State
}

type Status struct {
	ExecutionID string
	QueryID     int64
	State       State
	// RawState is the state name as the service sent it.
	RawState    string
	Message     string
	SubmittedAt time.Time
	StartedAt   time.Time
	EndedAt     time.Time
}

type Column struct {
	Name string
	Type string
}

// PageRequest carries the result shape directives. Zero values mean unset.
type PageRequest struct {
	Limit       int64
	Offset      int64
	SampleCount int64
	SortBy      string
	Columns     []string
	Extras      map[string]string
	Cursor      string
}

type Page struct {
	Columns    []Column
	Rows       [][]any
	NextCursor string
	// TotalRows is -1 when the service did not report it.
	TotalRows int64
}

func (p Page) Last() bool {
	return p.NextCursor == ""
}

type Gateway interface {
	CreateQuery(ctx context.Context, sql string, params Parameters) (int64, error)
	SubmitExecution(ctx context.Context, queryID int64, params Parameters, performance string) (Execution, error)
	ExecutionStatus(ctx context.Context, executionID string) (Status, error)
	ResultPage(ctx context.Context, executionID string, req PageRequest) (Page, error)
	LatestExecution(ctx context.Context, queryID int64, params Parameters) (Execution, bool, error)
	CancelExecution(ctx context.Context, executionID string) error
}

// APIError is a non-2xx (or error-bearing) response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dune api status=%d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == 429:
		return ErrRateLimited
	case e.StatusCode == 404:
		return ErrNotFound
	default:
		return nil
	}
}

type apiKeyCtxKey struct{}

// ContextWithAPIKey attaches the credential used for every call made with ctx.
func ContextWithAPIKey(ctx context.Context, apiKey string) context.Context {
	return context.WithValue(ctx, apiKeyCtxKey{}, apiKey)
}

func APIKeyFromContext(ctx context.Context) string {
	value, _ := ctx.Value(apiKeyCtxKey{}).(string)
	return value
}
