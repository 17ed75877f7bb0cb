package spice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewQueriesThroughConfiguredClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/query/42/execute":
			_ = json.NewEncoder(w).Encode(map[string]any{"execution_id": "01HQZ5W2C7Q0QAB3D9Y8E6N4KM", "state": "QUERY_STATE_PENDING"})
		case "/api/v1/execution/01HQZ5W2C7Q0QAB3D9Y8E6N4KM/status":
			_ = json.NewEncoder(w).Encode(map[string]any{"state": "QUERY_STATE_COMPLETED"})
		case "/api/v1/execution/01HQZ5W2C7Q0QAB3D9Y8E6N4KM/results":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"result": map[string]any{
					"rows":     []map[string]any{{"total": 12.5}},
					"metadata": map[string]any{"column_names": []string{"total"}, "column_types": []string{"double"}},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.API.BaseURL = srv.URL
	cfg.API.APIKey = "key"
	cfg.Execution.PollInterval = 10 * time.Millisecond
	cfg.Cache.Backend = "none"

	client, err := New(context.Background(), cfg, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = client.Close() }()

	result, err := client.Query(context.Background(), QueryRef(42), Options{Refresh: true})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if result.Table.NumRows() != 1 || result.Table.Columns[0].Type != TypeFloat64 || result.Table.Rows[0][0] != 12.5 {
		t.Fatalf("table = %+v", result.Table)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Execution.Performance = "huge"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected invalid config error")
	}
}

func TestErrorAliasesMatchWithErrorsAs(t *testing.T) {
	var err error = &ExecutionFailure{ExecutionID: "e", Message: "boom"}
	var failure *ExecutionFailure
	if !errors.As(err, &failure) || failure.Message != "boom" {
		t.Fatalf("errors.As failed for %v", err)
	}
}
