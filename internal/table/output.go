package table

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatNDJSON  Format = "ndjson"
	FormatParquet Format = "parquet"
)

func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatNDJSON, "jsonl":
		return FormatNDJSON, nil
	case FormatParquet:
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("unsupported output format %q", raw)
	}
}

// Write renders the table in the given format.
func Write(w io.Writer, t *Table, format Format) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, t)
	case FormatJSON:
		return WriteJSON(w, t)
	case FormatNDJSON:
		return WriteNDJSON(w, t)
	case FormatParquet:
		return WriteParquet(w, t, nil)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// WriteCSV writes a header row followed by one record per row. Nulls are empty
// fields.
func WriteCSV(w io.Writer, t *Table) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(t.ColumnNames()); err != nil {
		return err
	}
	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, value := range row {
			record[i] = FormatValue(value)
		}
		if err := csvWriter.Write(record); err != nil {
			return err
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV writer: %w", err)
	}
	return nil
}

// WriteJSON writes the rows as a single JSON array of objects.
func WriteJSON(w io.Writer, t *Table) error {
	buffered := bufio.NewWriter(w)
	if _, err := buffered.WriteString("["); err != nil {
		return err
	}
	for i, row := range t.Rows {
		if i > 0 {
			if _, err := buffered.WriteString(","); err != nil {
				return err
			}
		}
		encoded, err := encodeObject(t.Columns, row)
		if err != nil {
			return err
		}
		if _, err := buffered.Write(encoded); err != nil {
			return err
		}
	}
	if _, err := buffered.WriteString("]\n"); err != nil {
		return err
	}
	return buffered.Flush()
}

// WriteNDJSON writes one JSON object per line.
func WriteNDJSON(w io.Writer, t *Table) error {
	buffered := bufio.NewWriter(w)
	for _, row := range t.Rows {
		encoded, err := encodeObject(t.Columns, row)
		if err != nil {
			return err
		}
		if _, err := buffered.Write(encoded); err != nil {
			return err
		}
		if err := buffered.WriteByte('\n'); err != nil {
			return err
		}
	}
	return buffered.Flush()
}

// encodeObject keeps column order, which a map would not.
func encodeObject(columns []Column, row []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, column := range columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(column.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		value := row[i]
		if ts, ok := value.(time.Time); ok {
			value = ts.UTC().Format(time.RFC3339Nano)
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode column %q: %w", column.Name, err)
		}
		buf.Write(encoded)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
