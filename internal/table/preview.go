package table

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// Preview renders up to maxRows rows as a bordered text grid followed by a
// shape summary.
func Preview(w io.Writer, t *Table, maxRows int) error {
	grid := tablewriter.NewWriter(w)
	grid.SetAutoFormatHeaders(false)
	grid.SetAutoWrapText(false)

	header := make([]string, len(t.Columns))
	for i, column := range t.Columns {
		header[i] = column.Name + " (" + string(column.Type) + ")"
	}
	grid.SetHeader(header)

	shown := len(t.Rows)
	if maxRows >= 0 && shown > maxRows {
		shown = maxRows
	}
	for _, row := range t.Rows[:shown] {
		record := make([]string, len(row))
		for i, value := range row {
			if value == nil {
				record[i] = "null"
				continue
			}
			record[i] = FormatValue(value)
		}
		grid.Append(record)
	}
	grid.Render()

	summary := fmt.Sprintf("%d rows x %d columns", len(t.Rows), len(t.Columns))
	if shown < len(t.Rows) {
		summary += fmt.Sprintf(" (showing first %d)", shown)
	}
	if t.Partial {
		summary += " [partial]"
	}
	_, err := fmt.Fprintln(w, summary)
	return err
}
