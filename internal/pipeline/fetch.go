package pipeline

import (
	"context"
	"log/slog"

	"github.com/paradigmxyz/spice/internal/dune"
	"github.com/paradigmxyz/spice/internal/observability"
	"github.com/paradigmxyz/spice/internal/table"
)

// fetch assembles the untyped-override table for execution. Pages are read
// strictly in order, each from the cursor of the one before.
func (c *Client) fetch(ctx context.Context, execution dune.Execution, opts Options) (*table.Table, error) {
	if execution.State != dune.StateCompleted {
		polled, err := c.poll(ctx, execution, opts)
		if err != nil {
			return nil, err
		}
		execution = polled
	}
	allowPartial, err := opts.allowPartial()
	if err != nil {
		return nil, &ConfigurationError{Field: "extras", Err: err}
	}

	var (
		names    []string
		declared []string
		rows     [][]any
		partial  bool
	)
	request := opts.firstPage()
	for pageIndex := 0; ; pageIndex++ {
		var page dune.Page
		err := c.call(ctx, "results", func(ctx context.Context) error {
			var err error
			page, err = c.gateway.ResultPage(ctx, execution.ID, request)
			return err
		})
		if err != nil {
			classified := c.classify(ctx, "results", err)
			if pageIndex == 0 {
				return nil, classified
			}
			if !allowPartial {
				return nil, &PartialResultError{ExecutionID: execution.ID, RowsFetched: len(rows), Err: classified}
			}
			c.logger.WarnContext(ctx, "partial_result",
				slog.String("execution_id", execution.ID),
				slog.Int("rows", len(rows)),
				slog.Any("error", classified),
			)
			partial = true
			break
		}

		if pageIndex == 0 {
			names = make([]string, len(page.Columns))
			declared = make([]string, len(page.Columns))
			for i, column := range page.Columns {
				names[i] = column.Name
				declared[i] = column.Type
			}
			if err := opts.Types.CheckWidth(len(names)); err != nil {
				return nil, &ConfigurationError{Field: "types", Err: err}
			}
		}
		rows = append(rows, page.Rows...)
		observability.ObserveResultPage(len(page.Rows))
		c.logger.DebugContext(ctx, "result_page",
			slog.String("execution_id", execution.ID),
			slog.Int("page", pageIndex),
			slog.Int("rows", len(page.Rows)),
			slog.Int64("total_rows", page.TotalRows),
		)

		if page.Last() || (opts.Limit > 0 && int64(len(rows)) >= opts.Limit) {
			break
		}
		request = dune.PageRequest{Cursor: page.NextCursor}
	}

	if opts.Limit > 0 && int64(len(rows)) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	out, err := table.Decode(names, declared, rows)
	if err != nil {
		return nil, &TransportError{Op: "results", Err: err}
	}
	out.Partial = partial
	return out, nil
}
