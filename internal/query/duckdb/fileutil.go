package duckdb

import (
	"os"

	"github.com/paradigmxyz/spice/internal/table"
)

func writeParquetFile(path string, t *table.Table) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := table.WriteParquet(file, t, nil); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
