// Package pipeline resolves a query reference to a result table: it reuses or
// submits an execution, polls it, pages through its results and mediates the
// result cache.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paradigmxyz/spice/internal/cache"
	"github.com/paradigmxyz/spice/internal/dune"
	"github.com/paradigmxyz/spice/internal/observability"
	"github.com/paradigmxyz/spice/internal/table"
)

const (
	defaultPollInterval = time.Second
	defaultPerformance  = "medium"
	defaultBackoff      = time.Second
)

type Config struct {
	Gateway dune.Gateway
	// Cache is optional; nil disables caching.
	Cache cache.Store
	// APIKey is used when a call supplies none.
	APIKey string

	PollInterval   time.Duration
	Performance    string
	MaxRetries     int
	InitialBackoff time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Client struct {
	gateway        dune.Gateway
	cache          cache.Store
	apiKey         string
	pollInterval   time.Duration
	performance    string
	maxRetries     int
	initialBackoff time.Duration
	logger         *slog.Logger
	clock          func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
}

// Result is the outcome of Query. Table is nil when polling was disabled.
type Result struct {
	Table     *table.Table
	Execution dune.Execution
	FromCache bool
}

func New(cfg Config) (*Client, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0")
	}
	client := &Client{
		gateway:        cfg.Gateway,
		cache:          cfg.Cache,
		apiKey:         cfg.APIKey,
		pollInterval:   cfg.PollInterval,
		performance:    cfg.Performance,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		logger:         cfg.Logger,
		clock:          cfg.Clock,
		sleep:          cfg.Sleep,
	}
	if client.pollInterval <= 0 {
		client.pollInterval = defaultPollInterval
	}
	if client.performance == "" {
		client.performance = defaultPerformance
	}
	if client.initialBackoff <= 0 {
		client.initialBackoff = defaultBackoff
	}
	if client.logger == nil {
		client.logger = observability.DiscardLogger()
	}
	if client.clock == nil {
		client.clock = time.Now
	}
	if client.sleep == nil {
		client.sleep = sleepContext
	}
	return client, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withCredential resolves the credential once for the whole call.
func (c *Client) withCredential(ctx context.Context, opts Options) (context.Context, error) {
	key := opts.APIKey
	if key == "" {
		key = dune.APIKeyFromContext(ctx)
	}
	if key == "" {
		key = c.apiKey
	}
	if key == "" {
		return nil, &ConfigurationError{Field: "api_key", Err: dune.ErrNoAPIKey}
	}
	return dune.ContextWithAPIKey(ctx, key), nil
}

// Query resolves ref to a typed table, consulting the cache first.
func (c *Client) Query(ctx context.Context, ref dune.Reference, opts Options) (Result, error) {
	if err := opts.validate(ref); err != nil {
		return Result{}, err
	}
	ctx, err := c.withCredential(ctx, opts)
	if err != nil {
		return Result{}, err
	}

	var fingerprint string
	if c.cache != nil && !opts.NoPoll && !(opts.NoCacheLoad && opts.NoCacheSave) {
		fingerprint, err = cache.Fingerprint(opts.cacheKey(ref))
		if err != nil {
			return Result{}, err
		}
	}

	if fingerprint != "" && !opts.NoCacheLoad && !opts.Refresh {
		if entry, ok := c.lookupCache(ctx, fingerprint, opts.MaxAge); ok {
			typed, err := entry.Table.WithTypes(opts.Types)
			if err != nil {
				return Result{}, &ConfigurationError{Field: "types", Err: err}
			}
			c.logger.InfoContext(ctx, "cache_hit",
				slog.String("reference", ref.String()),
				slog.String("execution_id", entry.ExecutionID),
				slog.String("age", entry.Age(c.clock()).Round(time.Second).String()),
			)
			return Result{
				Table:     typed,
				Execution: dune.Execution{ID: entry.ExecutionID, SubmittedAt: entry.ExecutedAt, State: dune.StateCompleted},
				FromCache: true,
			}, nil
		}
	}

	execution, err := c.resolve(ctx, ref, opts)
	if err != nil {
		return Result{}, err
	}
	if opts.NoPoll {
		return Result{Execution: execution}, nil
	}

	raw, err := c.fetch(ctx, execution, opts)
	if err != nil {
		return Result{}, err
	}
	if fingerprint != "" && !opts.NoCacheSave && !raw.Partial {
		c.saveCache(ctx, cache.Entry{
			Fingerprint:   fingerprint,
			QueryIdentity: ref.Identity(),
			ExecutionID:   execution.ID,
			ExecutedAt:    execution.SubmittedAt.UTC(),
			CapturedAt:    c.clock().UTC(),
			Table:         raw,
		})
	}

	typed, err := raw.WithTypes(opts.Types)
	if err != nil {
		return Result{}, &ConfigurationError{Field: "types", Err: err}
	}
	return Result{Table: typed, Execution: execution}, nil
}

func (c *Client) lookupCache(ctx context.Context, fingerprint string, maxAge time.Duration) (cache.Entry, bool) {
	entry, err := c.cache.Lookup(ctx, fingerprint)
	switch {
	case errors.Is(err, cache.ErrMiss):
		observability.IncrementCacheLookup("miss")
		return cache.Entry{}, false
	case err != nil:
		observability.IncrementCacheLookup("error")
		c.logger.WarnContext(ctx, "cache_lookup_failed", slog.String("fingerprint", fingerprint), slog.Any("error", err))
		return cache.Entry{}, false
	}
	if maxAge > 0 && entry.Age(c.clock()) > maxAge {
		observability.IncrementCacheLookup("stale")
		return cache.Entry{}, false
	}
	observability.IncrementCacheLookup("hit")
	return entry, true
}

// saveCache is best effort: the result is already in hand.
func (c *Client) saveCache(ctx context.Context, entry cache.Entry) {
	if err := c.cache.Save(ctx, entry); err != nil {
		c.logger.WarnContext(ctx, "cache_save_failed",
			slog.String("fingerprint", entry.Fingerprint),
			slog.Any("error", err),
		)
		return
	}
	c.logger.DebugContext(ctx, "cache_saved",
		slog.String("fingerprint", entry.Fingerprint),
		slog.Int("rows", entry.Table.NumRows()),
	)
}

// Resolve returns an execution for ref, polled to completion unless
// opts.NoPoll is set.
func (c *Client) Resolve(ctx context.Context, ref dune.Reference, opts Options) (dune.Execution, error) {
	if err := opts.validate(ref); err != nil {
		return dune.Execution{}, err
	}
	ctx, err := c.withCredential(ctx, opts)
	if err != nil {
		return dune.Execution{}, err
	}
	return c.resolve(ctx, ref, opts)
}

// Fetch pages through the results of execution and applies opts.Types. An
// execution not yet known to be complete is polled first.
func (c *Client) Fetch(ctx context.Context, execution dune.Execution, opts Options) (*table.Table, error) {
	if err := opts.validate(dune.ExecutionRef(execution.ID)); err != nil {
		return nil, err
	}
	ctx, err := c.withCredential(ctx, opts)
	if err != nil {
		return nil, err
	}
	raw, err := c.fetch(ctx, execution, opts)
	if err != nil {
		return nil, err
	}
	typed, err := raw.WithTypes(opts.Types)
	if err != nil {
		return nil, &ConfigurationError{Field: "types", Err: err}
	}
	return typed, nil
}

// Cancel asks the service to stop execution. It is never issued implicitly.
func (c *Client) Cancel(ctx context.Context, execution dune.Execution) error {
	ctx, err := c.withCredential(ctx, Options{})
	if err != nil {
		return err
	}
	err = c.call(ctx, "cancel", func(ctx context.Context) error {
		return c.gateway.CancelExecution(ctx, execution.ID)
	})
	if err != nil {
		return c.classify(ctx, "cancel", err)
	}
	c.logger.InfoContext(ctx, "execution_canceled", slog.String("execution_id", execution.ID))
	return nil
}

// Pending is a Query running on its own goroutine.
type Pending struct {
	done   chan struct{}
	cancel context.CancelFunc
	result Result
	err    error
}

// Start runs Query asynchronously. The returned Pending owns a child context
// of ctx; Stop abandons the local work but issues no remote cancel.
func (c *Client) Start(ctx context.Context, ref dune.Reference, opts Options) *Pending {
	ctx, cancel := context.WithCancel(ctx)
	pending := &Pending{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(pending.done)
		defer cancel()
		pending.result, pending.err = c.Query(ctx, ref, opts)
	}()
	return pending
}

func (p *Pending) Done() <-chan struct{} { return p.done }

func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pending) Stop() { p.cancel() }
