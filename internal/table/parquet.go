package table

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"
)

// columnsMetadataKey preserves column order and types; parquet groups sort
// their fields by name.
const columnsMetadataKey = "spice.columns"

func parquetNode(typ Type) parquet.Node {
	switch typ {
	case TypeInt64:
		return parquet.Optional(parquet.Int(64))
	case TypeFloat64:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType))
	case TypeBool:
		return parquet.Optional(parquet.Leaf(parquet.BooleanType))
	case TypeTimestamp:
		return parquet.Optional(parquet.Timestamp(parquet.Microsecond))
	default:
		return parquet.Optional(parquet.String())
	}
}

func (t *Table) parquetSchema() *parquet.Schema {
	group := make(parquet.Group, len(t.Columns))
	for _, column := range t.Columns {
		group[column.Name] = parquetNode(column.Type)
	}
	return parquet.NewSchema("result", group)
}

// leafIndexes maps each table column to its leaf position in the schema.
func leafIndexes(schema *parquet.Schema, columns []Column) ([]int, error) {
	positions := make(map[string]int)
	for i, path := range schema.Columns() {
		if len(path) != 1 {
			return nil, fmt.Errorf("unexpected nested column %v", path)
		}
		positions[path[0]] = i
	}
	indexes := make([]int, len(columns))
	for i, column := range columns {
		position, ok := positions[column.Name]
		if !ok {
			return nil, fmt.Errorf("column %q missing from parquet schema", column.Name)
		}
		indexes[i] = position
	}
	return indexes, nil
}

// WriteParquet encodes the table with the given key/value metadata.
func WriteParquet(w io.Writer, t *Table, metadata map[string]string) error {
	header, err := json.Marshal(t.Columns)
	if err != nil {
		return fmt.Errorf("encode column metadata: %w", err)
	}
	schema := t.parquetSchema()
	indexes, err := leafIndexes(schema, t.Columns)
	if err != nil {
		return err
	}

	options := []parquet.WriterOption{schema, parquet.KeyValueMetadata(columnsMetadataKey, string(header))}
	for key, value := range metadata {
		options = append(options, parquet.KeyValueMetadata(key, value))
	}
	writer := parquet.NewWriter(w, options...)

	rows := make([]parquet.Row, 0, len(t.Rows))
	for r, values := range t.Rows {
		row := make(parquet.Row, len(t.Columns))
		for c, value := range values {
			leaf := indexes[c]
			encoded, err := parquetValue(value, t.Columns[c].Type)
			if err != nil {
				return fmt.Errorf("row %d column %q: %w", r, t.Columns[c].Name, err)
			}
			if encoded.IsNull() {
				row[leaf] = encoded.Level(0, 0, leaf)
			} else {
				row[leaf] = encoded.Level(0, 1, leaf)
			}
		}
		rows = append(rows, row)
	}
	if _, err := writer.WriteRows(rows); err != nil {
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

func parquetValue(value any, typ Type) (parquet.Value, error) {
	if value == nil {
		return parquet.NullValue(), nil
	}
	switch typ {
	case TypeInt64:
		v, ok := value.(int64)
		if !ok {
			return parquet.Value{}, fmt.Errorf("expected int64, got %T", value)
		}
		return parquet.Int64Value(v), nil
	case TypeFloat64:
		v, ok := value.(float64)
		if !ok {
			return parquet.Value{}, fmt.Errorf("expected float64, got %T", value)
		}
		return parquet.DoubleValue(v), nil
	case TypeBool:
		v, ok := value.(bool)
		if !ok {
			return parquet.Value{}, fmt.Errorf("expected bool, got %T", value)
		}
		return parquet.BooleanValue(v), nil
	case TypeTimestamp:
		v, ok := value.(time.Time)
		if !ok {
			return parquet.Value{}, fmt.Errorf("expected time.Time, got %T", value)
		}
		return parquet.Int64Value(v.UnixMicro()), nil
	default:
		return parquet.ByteArrayValue([]byte(FormatValue(value))), nil
	}
}

// ReadParquet decodes a table written by WriteParquet and returns the
// requested metadata values.
func ReadParquet(r io.ReaderAt, size int64, metadataKeys ...string) (*Table, map[string]string, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, nil, fmt.Errorf("open parquet file: %w", err)
	}

	header, ok := file.Lookup(columnsMetadataKey)
	if !ok {
		return nil, nil, fmt.Errorf("parquet file has no %s metadata", columnsMetadataKey)
	}
	var columns []Column
	if err := json.Unmarshal([]byte(header), &columns); err != nil {
		return nil, nil, fmt.Errorf("decode column metadata: %w", err)
	}
	indexes, err := leafIndexes(file.Schema(), columns)
	if err != nil {
		return nil, nil, err
	}

	metadata := make(map[string]string, len(metadataKeys))
	for _, key := range metadataKeys {
		if value, ok := file.Lookup(key); ok {
			metadata[key] = value
		}
	}

	out := &Table{Columns: columns, Rows: make([][]any, 0, file.NumRows())}
	reader := parquet.NewReader(file)
	defer func() { _ = reader.Close() }()

	buffer := make([]parquet.Row, 128)
	for {
		n, err := reader.ReadRows(buffer)
		for _, row := range buffer[:n] {
			decoded, decodeErr := decodeRow(row, columns, indexes)
			if decodeErr != nil {
				return nil, nil, decodeErr
			}
			out.Rows = append(out.Rows, decoded)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read parquet rows: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return out, metadata, nil
}

func decodeRow(row parquet.Row, columns []Column, indexes []int) ([]any, error) {
	byLeaf := make(map[int]parquet.Value, len(row))
	for _, value := range row {
		byLeaf[value.Column()] = value
	}
	decoded := make([]any, len(columns))
	for c, column := range columns {
		value, ok := byLeaf[indexes[c]]
		if !ok || value.IsNull() {
			continue
		}
		switch column.Type {
		case TypeInt64:
			decoded[c] = value.Int64()
		case TypeFloat64:
			decoded[c] = value.Double()
		case TypeBool:
			decoded[c] = value.Boolean()
		case TypeTimestamp:
			decoded[c] = time.UnixMicro(value.Int64()).UTC()
		case TypeString:
			decoded[c] = string(value.ByteArray())
		default:
			return nil, fmt.Errorf("column %q has unsupported type %q", column.Name, column.Type)
		}
	}
	return decoded, nil
}
