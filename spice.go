// Package spice runs Dune queries from Go: it resolves a query reference,
// reuses or submits an execution, polls it, pages through the results and
// caches them locally.
//
//	client, err := spice.NewFromEnv(ctx)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//	result, err := client.Query(ctx, spice.QueryRef(21693), spice.Options{MaxAge: time.Hour})
package spice

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/paradigmxyz/spice/internal/cache/backend"
	"github.com/paradigmxyz/spice/internal/config"
	"github.com/paradigmxyz/spice/internal/dune"
	"github.com/paradigmxyz/spice/internal/observability"
	"github.com/paradigmxyz/spice/internal/pipeline"
	"github.com/paradigmxyz/spice/internal/table"
)

type (
	Config     = config.Config
	Options    = pipeline.Options
	Result     = pipeline.Result
	Pending    = pipeline.Pending
	Table      = table.Table
	Column     = table.Column
	Type       = table.Type
	Overrides  = table.Overrides
	Reference  = dune.Reference
	Parameters = dune.Parameters
	Value      = dune.Value
	Execution  = dune.Execution

	ConfigurationError   = pipeline.ConfigurationError
	QueryResolutionError = pipeline.QueryResolutionError
	ExecutionFailure     = pipeline.ExecutionFailure
	RateLimitExceeded    = pipeline.RateLimitExceeded
	TransportError       = pipeline.TransportError
	PartialResultError   = pipeline.PartialResultError
)

const (
	TypeString    = table.TypeString
	TypeInt64     = table.TypeInt64
	TypeFloat64   = table.TypeFloat64
	TypeBool      = table.TypeBool
	TypeTimestamp = table.TypeTimestamp

	AllowPartialResultsExtra = pipeline.AllowPartialResultsExtra
)

var (
	QueryRef       = dune.QueryRef
	SQLRef         = dune.SQLRef
	ExecutionRef   = dune.ExecutionRef
	ParseReference = dune.ParseReference

	String = dune.String
	Int    = dune.Int
	Float  = dune.Float
	Bool   = dune.Bool

	DefaultConfig = config.Defaults
)

// Client is a pipeline client bound to its configured result cache.
type Client struct {
	*pipeline.Client
	cache backend.Backend
}

// Option adjusts how New wires a Client.
type Option func(*settings)

type settings struct {
	logger     *slog.Logger
	httpClient *http.Client
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *settings) { s.httpClient = client }
}

// New builds a Client from cfg. The API key in cfg may be empty when every
// call supplies Options.APIKey.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	s := settings{}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = observability.NewLogger(cfg, io.Discard)
	}

	gateway, err := dune.NewClient(dune.ClientConfig{
		BaseURL:           cfg.API.BaseURL,
		APIKey:            cfg.API.APIKey,
		Timeout:           cfg.API.Timeout,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		HTTPClient:        s.httpClient,
		Logger:            s.logger,
	})
	if err != nil {
		return nil, err
	}
	results, err := backend.Open(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("open result cache: %w", err)
	}
	client, err := pipeline.New(pipeline.Config{
		Gateway:        gateway,
		Cache:          results.Store,
		APIKey:         cfg.API.APIKey,
		PollInterval:   cfg.Execution.PollInterval,
		Performance:    cfg.Execution.Performance,
		MaxRetries:     cfg.Retry.MaxRetries,
		InitialBackoff: cfg.Retry.InitialBackoff,
		Logger:         s.logger,
	})
	if err != nil {
		_ = results.Close()
		return nil, err
	}
	return &Client{Client: client, cache: results}, nil
}

// NewFromEnv loads the configuration from DUNE_API_KEY and the SPICE_*
// environment variables.
func NewFromEnv(ctx context.Context, opts ...Option) (*Client, error) {
	cfg, err := config.LoadFromEnv("spice")
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

// Close releases the result cache connection, if any.
func (c *Client) Close() error {
	return c.cache.Close()
}
