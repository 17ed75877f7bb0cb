// Package table holds the resolved, typed result of a query and the codecs
// that move it in and out of files.
package table

import (
	"errors"
	"fmt"
)

var ErrTypeOverride = errors.New("invalid type override")

type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Table is a column-typed result set. Each row holds one value per column:
// string, int64, float64, bool, time.Time or nil.
type Table struct {
	Columns []Column
	Rows    [][]any
	// Partial marks a table assembled from an interrupted pagination.
	Partial bool
}

func (t *Table) NumRows() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, column := range t.Columns {
		names[i] = column.Name
	}
	return names
}

func (t *Table) ColumnIndex(name string) int {
	for i, column := range t.Columns {
		if column.Name == name {
			return i
		}
	}
	return -1
}

// Clone copies the table header and row slices. Values are immutable so they
// are shared.
func (t *Table) Clone() *Table {
	out := &Table{
		Columns: append([]Column(nil), t.Columns...),
		Rows:    make([][]any, len(t.Rows)),
		Partial: t.Partial,
	}
	for i, row := range t.Rows {
		out.Rows[i] = append([]any(nil), row...)
	}
	return out
}

// Decode builds a table from raw decoded JSON rows using the declared remote
// column types. A column whose values do not fit its declared type falls back
// to string.
func Decode(names []string, declared []string, rows [][]any) (*Table, error) {
	seen := make(map[string]struct{}, len(names))
	columns := make([]Column, len(names))
	for i, name := range names {
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		seen[name] = struct{}{}
		remote := ""
		if i < len(declared) {
			remote = declared[i]
		}
		columns[i] = Column{Name: name, Type: DeclaredType(remote)}
	}

	out := &Table{Columns: columns, Rows: make([][]any, len(rows))}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
		}
		out.Rows[i] = make([]any, len(columns))
	}

	for c := range columns {
		if err := out.fillColumn(c, rows, columns[c].Type); err != nil {
			columns[c].Type = TypeString
			if err := out.fillColumn(c, rows, TypeString); err != nil {
				return nil, fmt.Errorf("column %q: %w", columns[c].Name, err)
			}
		}
	}
	return out, nil
}

func (t *Table) fillColumn(c int, rows [][]any, typ Type) error {
	for r, row := range rows {
		value, err := Convert(row[c], typ)
		if err != nil {
			return err
		}
		t.Rows[r][c] = value
	}
	return nil
}

// Overrides replaces inferred column types. Positional overrides cover every
// column in order; named overrides touch only the columns they mention.
type Overrides struct {
	Positional []Type
	Named      map[string]Type
}

func (o Overrides) IsZero() bool {
	return len(o.Positional) == 0 && len(o.Named) == 0
}

// CheckWidth validates positional overrides against a column count.
func (o Overrides) CheckWidth(columns int) error {
	if len(o.Positional) > 0 && len(o.Positional) != columns {
		return fmt.Errorf("%w: %d positional types for %d columns", ErrTypeOverride, len(o.Positional), columns)
	}
	return nil
}

// WithTypes returns a copy of the table with overrides applied.
func (t *Table) WithTypes(o Overrides) (*Table, error) {
	if o.IsZero() {
		return t, nil
	}
	if err := o.CheckWidth(len(t.Columns)); err != nil {
		return nil, err
	}
	out := t.Clone()
	for c, column := range out.Columns {
		target := column.Type
		if len(o.Positional) > 0 {
			target = o.Positional[c]
		}
		if named, ok := o.Named[column.Name]; ok {
			target = named
		}
		if target == column.Type {
			continue
		}
		for r := range out.Rows {
			value, err := Convert(out.Rows[r][c], target)
			if err != nil {
				return nil, fmt.Errorf("%w: column %q row %d: %v", ErrTypeOverride, column.Name, r, err)
			}
			out.Rows[r][c] = value
		}
		out.Columns[c].Type = target
	}
	return out, nil
}
