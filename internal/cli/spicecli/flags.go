package spicecli

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/paradigmxyz/spice/internal/config"
	"github.com/paradigmxyz/spice/internal/dune"
	"github.com/paradigmxyz/spice/internal/pipeline"
	"github.com/paradigmxyz/spice/internal/table"
)

type flagSet struct {
	parameters   []string
	refresh      bool
	maxAge       float64
	apiKey       string
	performance  string
	pollInterval float64
	noPoll       bool

	limit       int64
	offset      int64
	sampleCount int64
	sortBy      string
	columns     []string
	types       []string
	allTypes    []string
	extras      []string

	noCache      bool
	noCacheLoad  bool
	noCacheSave  bool
	cacheDir     string
	cacheBackend string

	verbose     int
	noSave      bool
	csv         bool
	json        bool
	ndjson      bool
	parquet     bool
	outputDir   string
	outputFile  string
	queryName   string
	label       string
	pipe        bool
	localSQL    string
	metricsFile string
}

func newFlagSet(cfg config.Config) *flagSet {
	return &flagSet{
		performance:  cfg.Execution.Performance,
		pollInterval: cfg.Execution.PollInterval.Seconds(),
		cacheDir:     cfg.Cache.Dir,
		cacheBackend: string(cfg.Cache.Backend),
		outputDir:    ".",
		metricsFile:  cfg.Observability.MetricsFile,
	}
}

func (f *flagSet) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.SortFlags = false

	fs.StringArrayVarP(&f.parameters, "parameters", "p", nil, "query parameter as KEY=VALUE (repeatable)")
	fs.BoolVarP(&f.refresh, "refresh", "r", false, "always submit a new execution")
	fs.Float64Var(&f.maxAge, "max-age", 0, "max age in seconds of reused executions and cached results (0 accepts any age)")
	fs.StringVar(&f.apiKey, "api-key", "", "Dune API key (default $"+config.APIKeyEnv+")")
	fs.StringVar(&f.performance, "performance", f.performance, "execution tier: medium or large")
	fs.Float64Var(&f.pollInterval, "poll-interval", f.pollInterval, "seconds between status polls")
	fs.BoolVar(&f.noPoll, "no-poll", false, "print the execution id without waiting for results")

	fs.Int64VarP(&f.limit, "limit", "l", 0, "maximum number of rows to fetch")
	fs.Int64Var(&f.offset, "offset", 0, "row offset of the first page")
	fs.Int64Var(&f.sampleCount, "sample-count", 0, "number of rows to sample")
	fs.StringVarP(&f.sortBy, "sort-by", "s", "", "server-side sort expression")
	fs.StringSliceVarP(&f.columns, "columns", "c", nil, "columns to fetch")
	fs.StringArrayVarP(&f.types, "types", "t", nil, "column type override as COLUMN=TYPE (repeatable)")
	fs.StringSliceVar(&f.allTypes, "all-types", nil, "types of every column, in order")
	fs.StringArrayVar(&f.extras, "extras", nil, "extra result parameter as KEY=VALUE (repeatable)")

	fs.BoolVar(&f.noCache, "no-cache", false, "neither load from nor save to the result cache")
	fs.BoolVar(&f.noCacheLoad, "no-cache-load", false, "do not load from the result cache")
	fs.BoolVar(&f.noCacheSave, "no-cache-save", false, "do not save to the result cache")
	fs.StringVar(&f.cacheDir, "cache-dir", f.cacheDir, "directory of the local result cache")
	fs.StringVar(&f.cacheBackend, "cache-backend", f.cacheBackend, "result cache backend: local, s3, postgres or none")

	fs.CountVarP(&f.verbose, "verbose", "v", "log progress (-v info, -vv debug)")
	fs.BoolVar(&f.noSave, "no-save", false, "do not write an output file")
	fs.BoolVar(&f.csv, "csv", false, "write csv (default)")
	fs.BoolVar(&f.json, "json", false, "write a json array of objects")
	fs.BoolVar(&f.ndjson, "ndjson", false, "write newline-delimited json")
	fs.BoolVar(&f.parquet, "parquet", false, "write parquet")
	fs.StringVarP(&f.outputDir, "output-dir", "d", f.outputDir, "directory for the output file")
	fs.StringVarP(&f.outputFile, "output-file", "f", "", "output file path, overriding --output-dir")
	fs.StringVar(&f.queryName, "query-name", "", "query name used in the output filename")
	fs.StringVar(&f.label, "label", "", "label added to the output filename")
	fs.BoolVar(&f.pipe, "pipe", false, "print machine-readable output only")
	fs.StringVar(&f.localSQL, "local-sql", "", "SQL run locally over the fetched rows, exposed as table \"result\"")
	fs.StringVar(&f.metricsFile, "metrics-file", f.metricsFile, "write prometheus metrics to this file on exit")

	cmd.MarkFlagsMutuallyExclusive("csv", "json", "ndjson", "parquet")
	cmd.MarkFlagsMutuallyExclusive("types", "all-types")
}

// options translates flags into pipeline options.
func (f *flagSet) options() (pipeline.Options, error) {
	params, err := dune.ParseParameters(f.parameters)
	if err != nil {
		return pipeline.Options{}, err
	}
	maxAge, err := seconds("max-age", f.maxAge)
	if err != nil {
		return pipeline.Options{}, err
	}
	pollInterval, err := seconds("poll-interval", f.pollInterval)
	if err != nil {
		return pipeline.Options{}, err
	}
	overrides, err := f.overrides()
	if err != nil {
		return pipeline.Options{}, err
	}
	extras, err := keyValues("extras", f.extras)
	if err != nil {
		return pipeline.Options{}, err
	}

	return pipeline.Options{
		Parameters:   params,
		APIKey:       strings.TrimSpace(f.apiKey),
		Refresh:      f.refresh,
		MaxAge:       maxAge,
		NoPoll:       f.noPoll,
		PollInterval: pollInterval,
		Performance:  f.performance,
		Limit:        f.limit,
		Offset:       f.offset,
		SampleCount:  f.sampleCount,
		SortBy:       f.sortBy,
		Columns:      f.columns,
		Extras:       extras,
		Types:        overrides,
		NoCacheLoad:  f.noCache || f.noCacheLoad,
		NoCacheSave:  f.noCache || f.noCacheSave,
	}, nil
}

func (f *flagSet) overrides() (table.Overrides, error) {
	var out table.Overrides
	for _, raw := range f.allTypes {
		typ, err := table.ParseType(raw)
		if err != nil {
			return table.Overrides{}, err
		}
		out.Positional = append(out.Positional, typ)
	}
	named, err := keyValues("types", f.types)
	if err != nil {
		return table.Overrides{}, err
	}
	for column, raw := range named {
		typ, err := table.ParseType(raw)
		if err != nil {
			return table.Overrides{}, err
		}
		if out.Named == nil {
			out.Named = make(map[string]table.Type, len(named))
		}
		out.Named[column] = typ
	}
	return out, nil
}

func (f *flagSet) format() (table.Format, error) {
	switch {
	case f.json:
		return table.FormatJSON, nil
	case f.ndjson:
		return table.FormatNDJSON, nil
	case f.parquet:
		return table.FormatParquet, nil
	default:
		return table.FormatCSV, nil
	}
}

// apply folds the flags that shadow environment settings into cfg.
func (f *flagSet) apply(cmd *cobra.Command, cfg config.Config) (config.Config, error) {
	changed := cmd.Flags().Changed
	if changed("cache-dir") {
		cfg.Cache.Dir = f.cacheDir
	}
	if changed("cache-backend") {
		backend := config.CacheBackend(strings.ToLower(strings.TrimSpace(f.cacheBackend)))
		switch backend {
		case config.CacheBackendLocal, config.CacheBackendS3, config.CacheBackendPostgres, config.CacheBackendNone:
			cfg.Cache.Backend = backend
		default:
			return config.Config{}, fmt.Errorf("invalid --cache-backend %q", f.cacheBackend)
		}
	}
	if changed("verbose") {
		switch {
		case f.verbose <= 0:
			cfg.Observability.LogLevel = slog.LevelError
		case f.verbose == 1:
			cfg.Observability.LogLevel = slog.LevelInfo
		default:
			cfg.Observability.LogLevel = slog.LevelDebug
		}
	}
	return cfg, cfg.Validate()
}

func seconds(name string, value float64) (time.Duration, error) {
	if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("invalid --%s %v: must be a non-negative number of seconds", name, value)
	}
	return time.Duration(value * float64(time.Second)), nil
}

func keyValues(name string, tokens []string) (map[string]string, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(tokens))
	for _, token := range tokens {
		key, value, ok := strings.Cut(token, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --%s %q: expected KEY=VALUE", name, token)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}
