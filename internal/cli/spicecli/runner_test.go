package spicecli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paradigmxyz/spice/internal/config"
	"github.com/paradigmxyz/spice/internal/dune"
	"github.com/paradigmxyz/spice/internal/pipeline"
	"github.com/paradigmxyz/spice/internal/query"
	"github.com/paradigmxyz/spice/internal/table"
)

const testExecutionID = "01HQZ5W2C7Q0QAB3D9Y8E6N4KM"

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeDune struct {
	requests    atomic.Int64
	submits     atomic.Int64
	failMessage string
	apiKeys     []string
}

func (f *fakeDune) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	f.apiKeys = append(f.apiKeys, r.Header.Get("X-Dune-API-Key"))
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/query/7/results":
		writeJSON(w, map[string]any{
			"execution_id": testExecutionID,
			"query_id":     7,
			"state":        "QUERY_STATE_COMPLETED",
			"submitted_at": testNow.Add(-time.Minute).Format(time.RFC3339),
		})
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/query/7/execute":
		f.submits.Add(1)
		writeJSON(w, map[string]any{"execution_id": testExecutionID, "state": "QUERY_STATE_PENDING"})
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/execution/"+testExecutionID+"/status":
		if f.failMessage != "" {
			writeJSON(w, map[string]any{
				"execution_id": testExecutionID,
				"state":        "QUERY_STATE_FAILED",
				"error":        map[string]any{"type": "FAILED_TYPE_EXECUTION_FAILED", "message": f.failMessage},
			})
			return
		}
		writeJSON(w, map[string]any{"execution_id": testExecutionID, "query_id": 7, "state": "QUERY_STATE_COMPLETED"})
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/execution/"+testExecutionID+"/results":
		writeJSON(w, map[string]any{
			"execution_id": testExecutionID,
			"state":        "QUERY_STATE_COMPLETED",
			"result": map[string]any{
				"rows": []map[string]any{{"n": 1, "letter": "A"}, {"n": 2, "letter": "B"}},
				"metadata": map[string]any{
					"column_names":    []string{"letter", "n"},
					"column_types":    []string{"varchar", "bigint"},
					"total_row_count": 2,
				},
			},
		})
	default:
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"error": fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)})
	}
}

func writeJSON(w http.ResponseWriter, body any) {
	_ = json.NewEncoder(w).Encode(body)
}

func testOptions(t *testing.T, srv *httptest.Server) (Options, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	cfg := config.Defaults()
	cfg.API.BaseURL = srv.URL
	cfg.API.APIKey = "env-key"
	cfg.Execution.PollInterval = 10 * time.Millisecond
	cfg.Cache.Backend = config.CacheBackendNone
	cfg.Observability.LogLevel = slog.LevelError

	var stdout, stderr bytes.Buffer
	return Options{
		Config:     cfg,
		HTTPClient: srv.Client(),
		Stdout:     &stdout,
		Stderr:     &stderr,
		Now:        func() time.Time { return testNow },
	}, &stdout, &stderr
}

func TestRunSavesCSVWithTemplatedName(t *testing.T) {
	fake := &fakeDune{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	opts, stdout, stderr := testOptions(t, srv)
	dir := t.TempDir()

	code := Run(context.Background(), []string{"-d", dir, "--label", "daily", "7"}, opts)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	want := filepath.Join(dir, "dune__7__daily__"+testExecutionID+"__2024-06-01--12-00-00.csv")
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "letter,n\nA,1\nB,2\n" {
		t.Fatalf("csv = %q", string(data))
	}
	if !strings.Contains(stdout.String(), "saved to "+want) || !strings.Contains(stdout.String(), "2 rows x 2 columns") {
		t.Fatalf("stdout = %s", stdout.String())
	}
	if fake.submits.Load() != 0 {
		t.Fatalf("fresh execution should have been reused")
	}
}

func TestRunPipePrintsMachineOutputOnly(t *testing.T) {
	srv := httptest.NewServer(&fakeDune{})
	defer srv.Close()
	opts, stdout, stderr := testOptions(t, srv)

	code := Run(context.Background(), []string{"--pipe", "--ndjson", "--no-save", "7"}, opts)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if stdout.String() != "{\"letter\":\"A\",\"n\":1}\n{\"letter\":\"B\",\"n\":2}\n" {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunNoPollPrintsExecutionID(t *testing.T) {
	fake := &fakeDune{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	opts, stdout, stderr := testOptions(t, srv)

	code := Run(context.Background(), []string{"--refresh", "--no-poll", "7"}, opts)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if stdout.String() != testExecutionID+"\n" {
		t.Fatalf("stdout = %q", stdout.String())
	}
	if fake.submits.Load() != 1 || fake.requests.Load() != 1 {
		t.Fatalf("submits = %d requests = %d", fake.submits.Load(), fake.requests.Load())
	}
}

func TestRunAPIKeyFlagOverridesEnvironment(t *testing.T) {
	fake := &fakeDune{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	opts, _, stderr := testOptions(t, srv)

	code := Run(context.Background(), []string{"--api-key", "flag-key", "--no-save", "7"}, opts)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	for _, key := range fake.apiKeys {
		if key != "flag-key" {
			t.Fatalf("request used key %q", key)
		}
	}
}

func TestRunFailedExecutionExitsOne(t *testing.T) {
	srv := httptest.NewServer(&fakeDune{failMessage: "column foo does not exist"})
	defer srv.Close()
	opts, _, stderr := testOptions(t, srv)

	code := Run(context.Background(), []string{"--refresh", "--no-save", "7"}, opts)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "column foo does not exist") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunMissingAPIKeyExitsOne(t *testing.T) {
	fake := &fakeDune{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	opts, _, stderr := testOptions(t, srv)
	opts.Config.API.APIKey = ""

	code := Run(context.Background(), []string{"7"}, opts)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "api key is required") || fake.requests.Load() != 0 {
		t.Fatalf("stderr = %s requests = %d", stderr.String(), fake.requests.Load())
	}
}

func TestRunUsageErrorsExitTwo(t *testing.T) {
	srv := httptest.NewServer(&fakeDune{})
	defer srv.Close()

	tests := [][]string{
		{},
		{"7", "8"},
		{"--no-such-flag", "7"},
		{"-p", "missing-equals", "7"},
		{"-t", "n=decimal", "7"},
		{"--max-age", "-5", "7"},
		{"--cache-backend", "redis", "7"},
		{"not-a-query"},
		{"--performance", "huge", "7"},
	}
	for _, args := range tests {
		opts, _, stderr := testOptions(t, srv)
		if code := Run(context.Background(), args, opts); code != 2 {
			t.Fatalf("Run(%q) exit code = %d, want 2 (stderr=%s)", args, code, stderr.String())
		}
	}
}

func TestRunReusesLocalCache(t *testing.T) {
	fake := &fakeDune{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	cacheDir := t.TempDir()

	first, _, stderr := testOptions(t, srv)
	args := []string{"--cache-backend", "local", "--cache-dir", cacheDir, "--no-save", "-p", "days=7", "7"}
	if code := Run(context.Background(), args, first); code != 0 {
		t.Fatalf("first run exit code = %d, stderr=%s", code, stderr.String())
	}
	afterFirst := fake.requests.Load()

	second, stdout, stderr := testOptions(t, srv)
	if code := Run(context.Background(), args, second); code != 0 {
		t.Fatalf("second run exit code = %d, stderr=%s", code, stderr.String())
	}
	if fake.requests.Load() != afterFirst {
		t.Fatalf("cache hit still made %d requests", fake.requests.Load()-afterFirst)
	}
	if !strings.Contains(stdout.String(), "2 rows x 2 columns") {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

type stubEngine struct {
	request query.Request
}

func (s *stubEngine) Execute(_ context.Context, request query.Request) (query.Result, error) {
	s.request = request
	return query.Result{Table: &table.Table{
		Columns: []table.Column{{Name: "total", Type: table.TypeInt64}},
		Rows:    [][]any{{int64(3)}},
	}}, nil
}

func TestRunLocalSQLReplacesOutput(t *testing.T) {
	srv := httptest.NewServer(&fakeDune{})
	defer srv.Close()
	opts, stdout, stderr := testOptions(t, srv)
	engine := &stubEngine{}
	opts.Engine = engine

	code := Run(context.Background(), []string{"--pipe", "--csv", "--no-save", "--local-sql", "SELECT SUM(n) AS total FROM result", "7"}, opts)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if engine.request.Tables[query.ResultView].NumRows() != 2 {
		t.Fatalf("engine saw %+v", engine.request.Tables)
	}
	if stdout.String() != "total\n3\n" {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunWritesMetricsFile(t *testing.T) {
	srv := httptest.NewServer(&fakeDune{})
	defer srv.Close()
	opts, _, stderr := testOptions(t, srv)
	path := filepath.Join(t.TempDir(), "spice.prom")

	code := Run(context.Background(), []string{"--no-save", "--metrics-file", path, "7"}, opts)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metrics file: %v", err)
	}
	for _, name := range []string{"spice_gateway_requests_total", "spice_poll_iterations_total"} {
		if !strings.Contains(string(data), name) {
			t.Fatalf("metrics file missing %s", name)
		}
	}
}

func TestOutputPathNamesRawSQL(t *testing.T) {
	flags := &flagSet{outputDir: "out"}
	path, err := flags.outputPath(dune.SQLRef("SELECT 1"), pipeline.Result{
		Execution: dune.Execution{ID: testExecutionID, QueryID: 99},
	}, table.FormatJSON, testNow)
	if err != nil {
		t.Fatalf("outputPath() error = %v", err)
	}
	want := filepath.Join("out", "dune__RAW_SQL__"+testExecutionID+"__2024-06-01--12-00-00.json")
	if path != want {
		t.Fatalf("path = %q, want %q", path, want)
	}

	flags = &flagSet{outputDir: "out", queryName: "daily volume", outputFile: ""}
	path, err = flags.outputPath(dune.QueryRef(7), pipeline.Result{Execution: dune.Execution{ID: testExecutionID}}, table.FormatCSV, testNow)
	if err != nil {
		t.Fatalf("outputPath() error = %v", err)
	}
	if filepath.Base(path) != "dune__daily_volume__"+testExecutionID+"__2024-06-01--12-00-00.csv" {
		t.Fatalf("path = %q", path)
	}
}

func TestOutputFileOverridesTemplate(t *testing.T) {
	flags := &flagSet{outputDir: "out", outputFile: "result.parquet"}
	path, err := flags.outputPath(dune.QueryRef(7), pipeline.Result{}, table.FormatParquet, testNow)
	if err != nil || path != "result.parquet" {
		t.Fatalf("outputPath() = %q, %v", path, err)
	}
}
