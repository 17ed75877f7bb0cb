package duckdb

import (
	"context"
	"strings"
	"testing"

	"github.com/paradigmxyz/spice/internal/query"
	"github.com/paradigmxyz/spice/internal/table"
)

func fetchedResult() *table.Table {
	return &table.Table{
		Columns: []table.Column{
			{Name: "symbol", Type: table.TypeString},
			{Name: "volume", Type: table.TypeInt64},
			{Name: "price", Type: table.TypeFloat64},
		},
		Rows: [][]any{
			{"ETH", int64(10), 3000.5},
			{"BTC", int64(2), 60000.0},
			{"ETH", int64(5), nil},
		},
	}
}

func TestExecuteQueriesResultView(t *testing.T) {
	engine := NewEngine()
	engine.TempDir = t.TempDir()

	result, err := engine.Execute(context.Background(), query.Request{
		SQL:    "SELECT symbol, SUM(volume) AS total FROM result GROUP BY symbol ORDER BY symbol",
		Tables: map[string]*table.Table{query.ResultView: fetchedResult()},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.InputRows != 3 {
		t.Fatalf("InputRows = %d", result.InputRows)
	}
	got := result.Table
	if got.NumRows() != 2 || got.Columns[0].Name != "symbol" || got.Columns[1].Name != "total" {
		t.Fatalf("table = %+v", got)
	}
	if got.Rows[0][0] != "BTC" || got.Rows[1][0] != "ETH" {
		t.Fatalf("rows = %v", got.Rows)
	}
	if got.Columns[0].Type != table.TypeString {
		t.Fatalf("symbol type = %q", got.Columns[0].Type)
	}
}

func TestExecuteSupportsTrailingSemicolonWithRowLimit(t *testing.T) {
	engine := NewEngine()
	engine.TempDir = t.TempDir()

	result, err := engine.Execute(context.Background(), query.Request{
		SQL:      "SELECT COUNT(*) AS c FROM result;",
		RowLimit: 2000,
		Tables:   map[string]*table.Table{query.ResultView: fetchedResult()},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Table.NumRows() != 1 {
		t.Fatalf("rows = %d", result.Table.NumRows())
	}
	if result.Table.Rows[0][0] != int64(3) || result.Table.Columns[0].Type != table.TypeInt64 {
		t.Fatalf("count = %#v (%s)", result.Table.Rows[0][0], result.Table.Columns[0].Type)
	}
}

func TestExecuteKeepsNulls(t *testing.T) {
	engine := NewEngine()
	engine.TempDir = t.TempDir()

	result, err := engine.Execute(context.Background(), query.Request{
		SQL:    "SELECT price FROM result WHERE volume = 5",
		Tables: map[string]*table.Table{query.ResultView: fetchedResult()},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Table.Rows[0][0] != nil {
		t.Fatalf("price = %#v, want nil", result.Table.Rows[0][0])
	}
}

func TestExecuteRejectsEmptyRequests(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.Execute(context.Background(), query.Request{SQL: " "}); err == nil || !strings.Contains(err.Error(), "sql is required") {
		t.Fatalf("expected sql error, got %v", err)
	}
	if _, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT 1"}); err == nil {
		t.Fatalf("expected error without tables")
	}
}

func TestExecuteReportsSQLErrors(t *testing.T) {
	engine := NewEngine()
	engine.TempDir = t.TempDir()

	_, err := engine.Execute(context.Background(), query.Request{
		SQL:    "SELECT missing_column FROM result",
		Tables: map[string]*table.Table{query.ResultView: fetchedResult()},
	})
	if err == nil || !strings.Contains(err.Error(), "execute query") {
		t.Fatalf("expected execute error, got %v", err)
	}
}
