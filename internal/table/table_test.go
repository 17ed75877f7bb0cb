package table

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeMapsDeclaredTypes(t *testing.T) {
	rows := [][]any{
		{json.Number("1"), "alice", json.Number("0.5"), true, "2024-01-02 03:04:05.000 UTC", "115792089237316195423570985008687907853269984665640564039457584007913129639935"},
		{nil, NullText, json.Number("2"), false, nil, nil},
	}
	out, err := Decode(
		[]string{"n", "name", "ratio", "ok", "ts", "big"},
		[]string{"bigint", "varchar", "double", "boolean", "timestamp(3) with time zone", "uint256"},
		rows,
	)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	wantTypes := []Type{TypeInt64, TypeString, TypeFloat64, TypeBool, TypeTimestamp, TypeString}
	for i, column := range out.Columns {
		if column.Type != wantTypes[i] {
			t.Fatalf("column %q type = %q, want %q", column.Name, column.Type, wantTypes[i])
		}
	}
	if out.Rows[0][0] != int64(1) || out.Rows[0][2] != 0.5 || out.Rows[0][3] != true {
		t.Fatalf("row 0 = %#v", out.Rows[0])
	}
	if got := out.Rows[0][4].(time.Time); !got.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("timestamp = %s", got)
	}
	if out.Rows[1][0] != nil || out.Rows[1][1] != nil || out.Rows[1][2] != 2.0 {
		t.Fatalf("row 1 = %#v", out.Rows[1])
	}
}

func TestDecodeFallsBackToStringOnMismatch(t *testing.T) {
	out, err := Decode([]string{"n"}, []string{"bigint"}, [][]any{{json.Number("1")}, {"not-a-number"}})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.Columns[0].Type != TypeString || out.Rows[0][0] != "1" {
		t.Fatalf("table = %+v", out)
	}
}

func TestDecodeEncodesCompositeValues(t *testing.T) {
	out, err := Decode([]string{"arr"}, []string{"array(varchar)"}, [][]any{{[]any{"a", "b"}}})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.Rows[0][0] != `["a","b"]` {
		t.Fatalf("value = %#v", out.Rows[0][0])
	}
}

func TestDecodeRejectsDuplicateColumns(t *testing.T) {
	if _, err := Decode([]string{"a", "a"}, nil, nil); err == nil {
		t.Fatalf("expected duplicate column error")
	}
}

func TestWithTypesPositional(t *testing.T) {
	base := &Table{
		Columns: []Column{{Name: "a", Type: TypeString}, {Name: "b", Type: TypeInt64}},
		Rows:    [][]any{{"7", int64(3)}, {nil, int64(0)}},
	}
	out, err := base.WithTypes(Overrides{Positional: []Type{TypeInt64, TypeFloat64}})
	if err != nil {
		t.Fatalf("WithTypes() error = %v", err)
	}
	if out.Rows[0][0] != int64(7) || out.Rows[0][1] != 3.0 || out.Rows[1][0] != nil {
		t.Fatalf("rows = %#v", out.Rows)
	}
	if base.Rows[0][0] != "7" || base.Columns[0].Type != TypeString {
		t.Fatalf("WithTypes mutated its receiver")
	}
}

func TestWithTypesPositionalWidthMismatch(t *testing.T) {
	base := &Table{Columns: []Column{{Name: "a", Type: TypeString}}}
	_, err := base.WithTypes(Overrides{Positional: []Type{TypeString, TypeString}})
	if !errors.Is(err, ErrTypeOverride) {
		t.Fatalf("expected ErrTypeOverride, got %v", err)
	}
}

func TestWithTypesNamedIgnoresUnknownColumns(t *testing.T) {
	base := &Table{
		Columns: []Column{{Name: "a", Type: TypeString}, {Name: "b", Type: TypeString}},
		Rows:    [][]any{{"true", "x"}},
	}
	out, err := base.WithTypes(Overrides{Named: map[string]Type{"a": TypeBool, "missing": TypeInt64}})
	if err != nil {
		t.Fatalf("WithTypes() error = %v", err)
	}
	if out.Columns[0].Type != TypeBool || out.Columns[1].Type != TypeString || out.Rows[0][0] != true {
		t.Fatalf("table = %+v", out)
	}
}

func TestWithTypesConversionFailure(t *testing.T) {
	base := &Table{Columns: []Column{{Name: "a", Type: TypeString}}, Rows: [][]any{{"abc"}}}
	if _, err := base.WithTypes(Overrides{Named: map[string]Type{"a": TypeInt64}}); !errors.Is(err, ErrTypeOverride) {
		t.Fatalf("expected ErrTypeOverride, got %v", err)
	}
}

func TestParseType(t *testing.T) {
	for raw, want := range map[string]Type{"Int": TypeInt64, "f64": TypeFloat64, "utf8": TypeString, "boolean": TypeBool, "datetime": TypeTimestamp} {
		got, err := ParseType(raw)
		if err != nil || got != want {
			t.Fatalf("ParseType(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParseType("decimal"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
