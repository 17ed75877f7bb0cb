// Package spicecli implements the spice command line.
package spicecli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/paradigmxyz/spice/internal/cache/backend"
	"github.com/paradigmxyz/spice/internal/config"
	"github.com/paradigmxyz/spice/internal/dune"
	"github.com/paradigmxyz/spice/internal/observability"
	"github.com/paradigmxyz/spice/internal/pipeline"
	"github.com/paradigmxyz/spice/internal/query"
	"github.com/paradigmxyz/spice/internal/query/duckdb"
	"github.com/paradigmxyz/spice/internal/table"
)

const previewRows = 10

type Options struct {
	Config     config.Config
	HTTPClient *http.Client
	// Engine runs --local-sql; nil uses DuckDB.
	Engine query.Engine
	Stdout io.Writer
	Stderr io.Writer
	Now    func() time.Time
}

// usageError marks failures caused by how the command was invoked.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }

func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

// Run executes the command and returns the process exit code: 0 on success,
// 1 when the query fails, 2 on invalid usage.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	if defaults.Now == nil {
		defaults.Now = time.Now
	}
	defaults.Stdout, defaults.Stderr = stdout, stderr

	if args == nil {
		args = []string{}
	}
	cmd := newCommand(defaults)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
	var usage usageError
	if errors.As(err, &usage) {
		_, _ = fmt.Fprintln(stderr, "")
		_, _ = fmt.Fprint(stderr, cmd.UsageString())
		return 2
	}
	return 1
}

func newCommand(defaults Options) *cobra.Command {
	flags := newFlagSet(defaults.Config)
	cmd := &cobra.Command{
		Use:   "spice QUERY",
		Short: "Run a Dune query and save its results",
		Long: "QUERY is a numeric query id, a dune.com query URL, an execution id, or raw SQL.\n" +
			"Results are reused from prior executions and the local cache when possible.",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usagef("expected exactly one QUERY argument, got %d", len(args))
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, args[0], flags, defaults)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})
	flags.register(cmd)
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, rawRef string, flags *flagSet, defaults Options) error {
	ref, err := dune.ParseReference(rawRef)
	if err != nil {
		return usageError{err: err}
	}
	opts, err := flags.options()
	if err != nil {
		return usageError{err: err}
	}
	format, err := flags.format()
	if err != nil {
		return usageError{err: err}
	}

	cfg, err := flags.apply(cmd, defaults.Config)
	if err != nil {
		return usageError{err: err}
	}
	logger := observability.NewLogger(cfg, defaults.Stderr)
	if flags.metricsFile != "" {
		defer writeMetrics(ctx, logger, flags.metricsFile)
	}

	httpClient := defaults.HTTPClient
	if httpClient != nil {
		instrumented := *httpClient
		instrumented.Transport = observability.NewTransport(httpClient.Transport, logger)
		httpClient = &instrumented
	}
	gateway, err := dune.NewClient(dune.ClientConfig{
		BaseURL:           cfg.API.BaseURL,
		APIKey:            cfg.API.APIKey,
		Timeout:           cfg.API.Timeout,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		HTTPClient:        httpClient,
		Logger:            logger,
	})
	if err != nil {
		return usageError{err: err}
	}

	var results backend.Backend
	if !flags.noCache {
		results, err = backend.Open(ctx, cfg.Cache)
		if err != nil {
			return fmt.Errorf("open result cache: %w", err)
		}
		defer func() { _ = results.Close() }()
	}

	client, err := pipeline.New(pipeline.Config{
		Gateway:        gateway,
		Cache:          results.Store,
		APIKey:         cfg.API.APIKey,
		PollInterval:   cfg.Execution.PollInterval,
		Performance:    cfg.Execution.Performance,
		MaxRetries:     cfg.Retry.MaxRetries,
		InitialBackoff: cfg.Retry.InitialBackoff,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	result, err := client.Query(ctx, ref, opts)
	if err != nil {
		var configErr *pipeline.ConfigurationError
		if errors.As(err, &configErr) && !errors.Is(err, dune.ErrNoAPIKey) {
			return usageError{err: err}
		}
		return err
	}
	if result.Table == nil {
		_, _ = fmt.Fprintln(defaults.Stdout, result.Execution.ID)
		return nil
	}

	out := result.Table
	if flags.localSQL != "" {
		out, err = runLocalSQL(ctx, defaults.Engine, flags.localSQL, out)
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "local_sql_applied", slog.Int("rows", out.NumRows()))
	}

	if flags.pipe {
		if err := table.Write(defaults.Stdout, out, format); err != nil {
			return fmt.Errorf("write %s output: %w", format, err)
		}
	} else {
		if err := table.Preview(defaults.Stdout, out, previewRows); err != nil {
			return fmt.Errorf("render preview: %w", err)
		}
	}

	if flags.noSave {
		return nil
	}
	path, err := flags.outputPath(ref, result, format, defaults.Now())
	if err != nil {
		return usageError{err: err}
	}
	if err := saveTable(path, out, format); err != nil {
		return err
	}
	logger.InfoContext(ctx, "result_saved", slog.String("path", path), slog.Int("rows", out.NumRows()))
	if !flags.pipe {
		_, _ = fmt.Fprintf(defaults.Stdout, "saved to %s\n", path)
	}
	return nil
}

func runLocalSQL(ctx context.Context, engine query.Engine, sqlText string, t *table.Table) (*table.Table, error) {
	if engine == nil {
		engine = duckdb.NewEngine()
	}
	res, err := engine.Execute(ctx, query.Request{
		SQL:    sqlText,
		Tables: map[string]*table.Table{query.ResultView: t},
	})
	if err != nil {
		return nil, fmt.Errorf("local sql: %w", err)
	}
	return res.Table, nil
}

func writeMetrics(ctx context.Context, logger *slog.Logger, path string) {
	if err := observability.WriteMetricsFile(path); err != nil {
		logger.WarnContext(ctx, "metrics_write_failed", slog.String("path", path), slog.Any("error", err))
	}
}
