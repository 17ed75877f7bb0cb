// Package query runs SQL over fetched result tables on a local engine.
package query

import (
	"context"
	"time"

	"github.com/paradigmxyz/spice/internal/table"
)

// ResultView is the view name a fetched result is exposed under.
const ResultView = "result"

type Request struct {
	SQL      string
	RowLimit int
	// Tables are exposed as views named by their keys.
	Tables map[string]*table.Table
}

type Result struct {
	Table     *table.Table
	InputRows int
	Duration  time.Duration
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
