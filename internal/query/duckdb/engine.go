// Package duckdb runs local SQL over result tables with an embedded DuckDB.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/paradigmxyz/spice/internal/query"
	"github.com/paradigmxyz/spice/internal/table"
)

type Engine struct {
	// TempDir holds the per-query parquet files; empty uses the OS default.
	TempDir string
}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if strings.TrimSpace(request.SQL) == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if len(request.Tables) == 0 {
		return query.Result{}, fmt.Errorf("no tables to query")
	}

	start := time.Now()
	workDir, err := os.MkdirTemp(e.TempDir, "spice-local-sql-")
	if err != nil {
		return query.Result{}, fmt.Errorf("create query temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	names := make([]string, 0, len(request.Tables))
	for name := range request.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	paths := make(map[string]string, len(names))
	inputRows := 0
	for index, name := range names {
		t := request.Tables[name]
		if t == nil || len(t.Columns) == 0 {
			return query.Result{}, fmt.Errorf("table %q has no columns", name)
		}
		localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", sanitizeFileComponent(name), index))
		if err := writeParquetFile(localPath, t); err != nil {
			return query.Result{}, fmt.Errorf("write local parquet file %q: %w", localPath, err)
		}
		paths[name] = localPath
		inputRows += t.NumRows()
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return query.Result{}, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	for _, name := range names {
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(name), quoteString(paths[name]))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			return query.Result{}, fmt.Errorf("create view %q: %w", name, err)
		}
	}

	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if request.RowLimit > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, request.RowLimit)
	}

	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}
	columns := make([]string, len(columnTypes))
	declared := make([]string, len(columnTypes))
	for i, columnType := range columnTypes {
		columns[i] = columnType.Name()
		declared[i] = columnType.DatabaseTypeName()
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	out, err := table.Decode(columns, declared, resultRows)
	if err != nil {
		return query.Result{}, fmt.Errorf("decode query result: %w", err)
	}
	return query.Result{
		Table:     out,
		InputRows: inputRows,
		Duration:  time.Since(start),
	}, nil
}

// normalizeValues widens driver values to the table value set.
func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case int8:
			normalized[i] = int64(typed)
		case int16:
			normalized[i] = int64(typed)
		case int32:
			normalized[i] = int64(typed)
		case int:
			normalized[i] = int64(typed)
		case uint8:
			normalized[i] = int64(typed)
		case uint16:
			normalized[i] = int64(typed)
		case uint32:
			normalized[i] = int64(typed)
		case float32:
			normalized[i] = float64(typed)
		case time.Time:
			normalized[i] = typed.UTC()
		case interface{ Float64() float64 }:
			normalized[i] = typed.Float64()
		case fmt.Stringer:
			normalized[i] = typed.String()
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
