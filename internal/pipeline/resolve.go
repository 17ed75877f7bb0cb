package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paradigmxyz/spice/internal/dune"
	"github.com/paradigmxyz/spice/internal/observability"
)

func (c *Client) resolve(ctx context.Context, ref dune.Reference, opts Options) (dune.Execution, error) {
	var execution dune.Execution
	if ref.Kind() == dune.ReferenceExecution {
		execution = dune.Execution{ID: ref.ExecutionID()}
		observability.IncrementExecution("pinned")
	} else {
		queryID, err := c.queryID(ctx, ref, opts.Parameters)
		if err != nil {
			return dune.Execution{}, err
		}
		// A query registered moments ago has no history worth looking up.
		lookup := !opts.Refresh && ref.Kind() != dune.ReferenceSQL
		execution, err = c.reuseOrSubmit(ctx, ref, queryID, lookup, opts)
		if err != nil {
			return dune.Execution{}, err
		}
	}

	if opts.NoPoll {
		return execution, nil
	}
	return c.poll(ctx, execution, opts)
}

func (c *Client) queryID(ctx context.Context, ref dune.Reference, params dune.Parameters) (int64, error) {
	if ref.Kind() != dune.ReferenceSQL {
		return ref.QueryID(), nil
	}
	var queryID int64
	err := c.call(ctx, "create_query", func(ctx context.Context) error {
		var err error
		queryID, err = c.gateway.CreateQuery(ctx, ref.SQL(), params)
		return err
	})
	if err != nil {
		if rejected(ctx, err) {
			return 0, &QueryResolutionError{Reference: ref.String(), Err: err}
		}
		return 0, c.classify(ctx, "create_query", err)
	}
	c.logger.DebugContext(ctx, "query_registered", slog.Int64("query_id", queryID))
	return queryID, nil
}

func (c *Client) reuseOrSubmit(ctx context.Context, ref dune.Reference, queryID int64, lookup bool, opts Options) (dune.Execution, error) {
	if lookup {
		var (
			latest dune.Execution
			found  bool
		)
		err := c.call(ctx, "latest", func(ctx context.Context) error {
			var err error
			latest, found, err = c.gateway.LatestExecution(ctx, queryID, opts.Parameters)
			return err
		})
		if err != nil {
			return dune.Execution{}, c.classifyQuery(ctx, ref, "latest", err)
		}
		if found && c.reusable(latest, opts.MaxAge) {
			observability.IncrementExecution("reused")
			c.logger.InfoContext(ctx, "execution_reused",
				slog.Int64("query_id", queryID),
				slog.String("execution_id", latest.ID),
				slog.String("age", c.clock().Sub(latest.SubmittedAt).Round(time.Second).String()),
			)
			return latest, nil
		}
	}

	performance := opts.Performance
	if performance == "" {
		performance = c.performance
	}
	var execution dune.Execution
	err := c.call(ctx, "submit", func(ctx context.Context) error {
		var err error
		execution, err = c.gateway.SubmitExecution(ctx, queryID, opts.Parameters, performance)
		return err
	})
	if err != nil {
		return dune.Execution{}, c.classifyQuery(ctx, ref, "submit", err)
	}
	if execution.QueryID == 0 {
		execution.QueryID = queryID
	}
	observability.IncrementExecution("submitted")
	c.logger.InfoContext(ctx, "execution_submitted",
		slog.Int64("query_id", queryID),
		slog.String("execution_id", execution.ID),
		slog.String("performance", performance),
	)
	return execution, nil
}

// reusable rejects executions that ended without a result or in a state the
// client does not know and, when maxAge is set, executions older than it.
func (c *Client) reusable(execution dune.Execution, maxAge time.Duration) bool {
	if execution.ID == "" || execution.State.Unsuccessful() || execution.State == dune.StateUnknown {
		return false
	}
	if maxAge <= 0 {
		return true
	}
	if execution.SubmittedAt.IsZero() {
		return false
	}
	return c.clock().Sub(execution.SubmittedAt) <= maxAge
}

// poll reads status until the execution is terminal, sleeping between reads.
func (c *Client) poll(ctx context.Context, execution dune.Execution, opts Options) (dune.Execution, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = c.pollInterval
	}
	started := c.clock()
	for {
		var status dune.Status
		err := c.call(ctx, "status", func(ctx context.Context) error {
			var err error
			status, err = c.gateway.ExecutionStatus(ctx, execution.ID)
			return err
		})
		if err != nil {
			return dune.Execution{}, c.classify(ctx, "status", err)
		}
		observability.IncrementPollIteration()

		if status.State == dune.StateUnknown {
			c.logger.WarnContext(ctx, "execution_state_unknown",
				slog.String("execution_id", execution.ID),
				slog.String("state", status.RawState),
			)
			return dune.Execution{}, &TransportError{
				Op:  "status",
				Err: fmt.Errorf("execution %s reported unrecognised state %q", execution.ID, status.RawState),
			}
		}
		if status.State.Terminal() {
			if status.State.Unsuccessful() {
				return dune.Execution{}, &ExecutionFailure{
					ExecutionID: execution.ID,
					State:       status.State,
					Message:     status.Message,
				}
			}
			execution.State = status.State
			if execution.QueryID == 0 {
				execution.QueryID = status.QueryID
			}
			if execution.SubmittedAt.IsZero() {
				execution.SubmittedAt = status.SubmittedAt
			}
			c.logger.InfoContext(ctx, "execution_completed",
				slog.String("execution_id", execution.ID),
				slog.String("waited", c.clock().Sub(started).Round(time.Millisecond).String()),
			)
			return execution, nil
		}

		c.logger.DebugContext(ctx, "execution_pending",
			slog.String("execution_id", execution.ID),
			slog.String("state", string(status.State)),
		)
		if err := c.sleep(ctx, interval); err != nil {
			return dune.Execution{}, err
		}
	}
}

// maxBackoff caps the doubling delay between rate-limited attempts.
const maxBackoff = time.Minute

// call runs fn, retrying rate-limited attempts with doubling backoff until the
// retry budget is spent.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	delay := min(c.initialBackoff, maxBackoff)
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, dune.ErrRateLimited) {
			return err
		}
		if attempt > c.maxRetries {
			return &RateLimitExceeded{Op: op, Attempts: attempt, Err: err}
		}
		observability.IncrementRateLimitRetry(op)
		c.logger.WarnContext(ctx, "rate_limited",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.String("backoff", delay.String()),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
		delay = min(delay*2, maxBackoff)
	}
}

// rejected reports a client-side refusal by the service, other than rate
// limiting.
func rejected(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *dune.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && !errors.Is(err, dune.ErrRateLimited)
}

// classify maps a gateway error to the pipeline error kinds.
func (c *Client) classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var exceeded *RateLimitExceeded
	switch {
	case errors.As(err, &exceeded):
		return err
	case errors.Is(err, dune.ErrNoAPIKey):
		return &ConfigurationError{Field: "api_key", Err: err}
	default:
		return &TransportError{Op: op, Err: err}
	}
}

// classifyQuery also turns a not-found answer into a resolution error.
func (c *Client) classifyQuery(ctx context.Context, ref dune.Reference, op string, err error) error {
	if ctx.Err() == nil && errors.Is(err, dune.ErrNotFound) {
		return &QueryResolutionError{Reference: ref.String(), Err: err}
	}
	return c.classify(ctx, op, err)
}
