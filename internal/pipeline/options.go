package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paradigmxyz/spice/internal/cache"
	"github.com/paradigmxyz/spice/internal/dune"
	"github.com/paradigmxyz/spice/internal/table"
)

// AllowPartialResultsExtra is the extras key that asks the service for rows
// of an oversized result and lets an interrupted pagination return the rows
// fetched so far. It is forwarded like any other extra.
const AllowPartialResultsExtra = "allow_partial_results"

// Options are the per-call knobs of Query, Resolve and Fetch. The zero value
// polls to completion, reuses any prior execution and uses the cache.
type Options struct {
	Parameters dune.Parameters
	// APIKey overrides the client credential for this call.
	APIKey string

	Refresh bool
	// MaxAge bounds the age of reused executions and cache entries. Zero
	// accepts any age.
	MaxAge       time.Duration
	NoPoll       bool
	PollInterval time.Duration
	Performance  string

	Limit       int64
	Offset      int64
	SampleCount int64
	SortBy      string
	Columns     []string
	Extras      map[string]string
	Types       table.Overrides

	NoCacheLoad bool
	NoCacheSave bool
}

func (o Options) validate(ref dune.Reference) error {
	if ref.IsZero() {
		return &ConfigurationError{Field: "reference", Err: fmt.Errorf("query reference is required")}
	}
	if o.MaxAge < 0 {
		return &ConfigurationError{Field: "max_age", Err: fmt.Errorf("must be >= 0")}
	}
	if o.PollInterval < 0 {
		return &ConfigurationError{Field: "poll_interval", Err: fmt.Errorf("must be >= 0")}
	}
	switch o.Performance {
	case "", "medium", "large":
	default:
		return &ConfigurationError{Field: "performance", Err: fmt.Errorf("invalid tier %q", o.Performance)}
	}
	if o.Limit < 0 || o.Offset < 0 || o.SampleCount < 0 {
		return &ConfigurationError{Field: "limit", Err: fmt.Errorf("limit, offset and sample_count must be >= 0")}
	}
	for _, column := range o.Columns {
		if strings.TrimSpace(column) == "" {
			return &ConfigurationError{Field: "columns", Err: fmt.Errorf("column names must be non-empty")}
		}
	}
	if len(o.Types.Positional) > 0 && len(o.Types.Named) > 0 {
		return &ConfigurationError{Field: "types", Err: fmt.Errorf("use either positional or named type overrides")}
	}
	if len(o.Columns) > 0 {
		if err := o.Types.CheckWidth(len(o.Columns)); err != nil {
			return &ConfigurationError{Field: "types", Err: err}
		}
	}
	if _, err := o.allowPartial(); err != nil {
		return &ConfigurationError{Field: "extras", Err: err}
	}
	return nil
}

func (o Options) allowPartial() (bool, error) {
	raw, ok := o.Extras[AllowPartialResultsExtra]
	if !ok {
		return false, nil
	}
	allow, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", AllowPartialResultsExtra, raw)
	}
	return allow, nil
}

func (o Options) firstPage() dune.PageRequest {
	return dune.PageRequest{
		Limit:       o.Limit,
		Offset:      o.Offset,
		SampleCount: o.SampleCount,
		SortBy:      o.SortBy,
		Columns:     o.Columns,
		Extras:      o.Extras,
	}
}

func (o Options) cacheKey(ref dune.Reference) cache.Key {
	return cache.Key{
		Identity:    ref.Identity(),
		Parameters:  o.Parameters,
		Limit:       o.Limit,
		Offset:      o.Offset,
		SampleCount: o.SampleCount,
		SortBy:      o.SortBy,
		Columns:     o.Columns,
		Extras:      o.Extras,
	}
}
