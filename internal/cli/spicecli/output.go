package spicecli

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/paradigmxyz/spice/internal/dune"
	"github.com/paradigmxyz/spice/internal/pipeline"
	"github.com/paradigmxyz/spice/internal/table"
)

const (
	filenameTimeLayout = "2006-01-02--15-04-05"
	rawSQLName         = "RAW_SQL"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// outputPath returns --output-file when given, otherwise
// dune__{name}[__{label}]__{execution}__{time}.{format} under --output-dir.
func (f *flagSet) outputPath(ref dune.Reference, result pipeline.Result, format table.Format, now time.Time) (string, error) {
	if f.outputFile != "" {
		return f.outputFile, nil
	}
	if result.Execution.ID == "" {
		return "", fmt.Errorf("cannot name output file without an execution id")
	}
	parts := []string{"dune", safeComponent(queryName(f.queryName, ref, result))}
	if label := safeComponent(f.label); label != "" {
		parts = append(parts, label)
	}
	parts = append(parts, safeComponent(result.Execution.ID), now.UTC().Format(filenameTimeLayout))
	name := strings.Join(parts, "__") + "." + string(format)
	return filepath.Join(f.outputDir, name), nil
}

func queryName(explicit string, ref dune.Reference, result pipeline.Result) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	switch ref.Kind() {
	case dune.ReferenceSQL:
		return rawSQLName
	case dune.ReferenceQuery:
		return strconv.FormatInt(ref.QueryID(), 10)
	}
	if result.Execution.QueryID != 0 {
		return strconv.FormatInt(result.Execution.QueryID, 10)
	}
	return "execution"
}

func safeComponent(raw string) string {
	return strings.Trim(unsafeFilenameChars.ReplaceAllString(strings.TrimSpace(raw), "_"), "_")
}

// saveTable writes t next to path and renames it into place so readers never
// observe a partial file.
func saveTable(path string, t *table.Table, format table.Format) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".spice-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp output file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := table.Write(tmp, t, format); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s output: %w", format, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp output file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename output file: %w", err)
	}
	return nil
}
