package dune

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/paradigmxyz/spice/internal/observability"
)

const (
	apiKeyHeader = "X-Dune-API-Key"

	noExecutionMessage = "No execution found for the latest version of the given query"
)

type ClientConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *slog.Logger
	Clock             func() time.Time
}

// Client implements Gateway over the v1 HTTP API.
type Client struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	clock   func() time.Time
}

func NewClient(cfg ClientConfig) (*Client, error) {
	rawBase := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if rawBase == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	baseURL, err := url.Parse(rawBase)
	if err != nil || baseURL.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: observability.NewTransport(http.DefaultTransport, logger),
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	client := &Client{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		client:  httpClient,
		logger:  logger,
		clock:   clock,
	}
	if cfg.RequestsPerSecond > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return client, nil
}

type createQueryParameter struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (c *Client) CreateQuery(ctx context.Context, sql string, params Parameters) (int64, error) {
	if strings.TrimSpace(sql) == "" {
		return 0, fmt.Errorf("sql is required")
	}
	payload := map[string]any{
		"name":       "spice ad-hoc query",
		"query_sql":  sql,
		"is_private": true,
		"is_temp":    true,
	}
	if len(params) > 0 {
		declared := make([]createQueryParameter, 0, len(params))
		for _, key := range params.Keys() {
			value := params[key]
			declared = append(declared, createQueryParameter{Key: key, Type: value.remoteType(), Value: value.String()})
		}
		payload["parameters"] = declared
	}

	var parsed struct {
		QueryID int64 `json:"query_id"`
	}
	if err := c.do(ctx, "create_query", http.MethodPost, c.endpoint("/api/v1/query", nil), payload, &parsed); err != nil {
		return 0, err
	}
	if parsed.QueryID <= 0 {
		return 0, fmt.Errorf("create query: response carried no query id")
	}
	return parsed.QueryID, nil
}

func (c *Client) SubmitExecution(ctx context.Context, queryID int64, params Parameters, performance string) (Execution, error) {
	payload := map[string]any{}
	if len(params) > 0 {
		payload["query_parameters"] = params
	}
	if performance != "" {
		payload["performance"] = performance
	}

	var parsed struct {
		ExecutionID string `json:"execution_id"`
		State       string `json:"state"`
	}
	path := "/api/v1/query/" + strconv.FormatInt(queryID, 10) + "/execute"
	if err := c.do(ctx, "submit", http.MethodPost, c.endpoint(path, nil), payload, &parsed); err != nil {
		return Execution{}, err
	}
	if parsed.ExecutionID == "" {
		return Execution{}, fmt.Errorf("submit execution: response carried no execution id")
	}
	state := StatePending
	if parsed.State != "" {
		state = parseState(parsed.State)
	}
	return Execution{
		ID:          parsed.ExecutionID,
		QueryID:     queryID,
		SubmittedAt: c.clock().UTC(),
		State:       state,
	}, nil
}

type statusResponse struct {
	ExecutionID        string    `json:"execution_id"`
	QueryID            int64     `json:"query_id"`
	State              string    `json:"state"`
	SubmittedAt        time.Time `json:"submitted_at"`
	ExecutionStartedAt time.Time `json:"execution_started_at"`
	ExecutionEndedAt   time.Time `json:"execution_ended_at"`
	Error              *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) ExecutionStatus(ctx context.Context, executionID string) (Status, error) {
	var parsed statusResponse
	path := "/api/v1/execution/" + url.PathEscape(executionID) + "/status"
	if err := c.do(ctx, "status", http.MethodGet, c.endpoint(path, nil), nil, &parsed); err != nil {
		return Status{}, err
	}
	status := Status{
		ExecutionID: executionID,
		QueryID:     parsed.QueryID,
		State:       parseState(parsed.State),
		RawState:    parsed.State,
		SubmittedAt: parsed.SubmittedAt,
		StartedAt:   parsed.ExecutionStartedAt,
		EndedAt:     parsed.ExecutionEndedAt,
	}
	if parsed.Error != nil {
		status.Message = strings.TrimSpace(parsed.Error.Type + ": " + parsed.Error.Message)
		status.Message = strings.TrimPrefix(status.Message, ": ")
	}
	return status, nil
}

type resultsResponse struct {
	ExecutionID        string    `json:"execution_id"`
	QueryID            int64     `json:"query_id"`
	State              string    `json:"state"`
	SubmittedAt        time.Time `json:"submitted_at"`
	ExecutionStartedAt time.Time `json:"execution_started_at"`
	Result             struct {
		Rows     []map[string]any `json:"rows"`
		Metadata struct {
			ColumnNames   []string `json:"column_names"`
			ColumnTypes   []string `json:"column_types"`
			TotalRowCount *int64   `json:"total_row_count"`
		} `json:"metadata"`
	} `json:"result"`
	NextURI string `json:"next_uri"`
}

func (c *Client) ResultPage(ctx context.Context, executionID string, req PageRequest) (Page, error) {
	target, err := c.pageURL(executionID, req)
	if err != nil {
		return Page{}, err
	}

	var parsed resultsResponse
	if err := c.do(ctx, "results", http.MethodGet, target, nil, &parsed); err != nil {
		return Page{}, err
	}

	names := parsed.Result.Metadata.ColumnNames
	columns := make([]Column, len(names))
	for i, name := range names {
		columns[i] = Column{Name: name}
		if i < len(parsed.Result.Metadata.ColumnTypes) {
			columns[i].Type = parsed.Result.Metadata.ColumnTypes[i]
		}
	}
	rows := make([][]any, 0, len(parsed.Result.Rows))
	for _, record := range parsed.Result.Rows {
		row := make([]any, len(names))
		for i, name := range names {
			row[i] = record[name]
		}
		rows = append(rows, row)
	}

	page := Page{Columns: columns, Rows: rows, NextCursor: parsed.NextURI, TotalRows: -1}
	if parsed.Result.Metadata.TotalRowCount != nil {
		page.TotalRows = *parsed.Result.Metadata.TotalRowCount
	}
	return page, nil
}

func (c *Client) pageURL(executionID string, req PageRequest) (string, error) {
	if req.Cursor != "" {
		return c.resolveCursor(req.Cursor)
	}
	query := url.Values{}
	if req.Limit > 0 {
		query.Set("limit", strconv.FormatInt(req.Limit, 10))
	}
	if req.Offset > 0 {
		query.Set("offset", strconv.FormatInt(req.Offset, 10))
	}
	if req.SampleCount > 0 {
		query.Set("sample_count", strconv.FormatInt(req.SampleCount, 10))
	}
	if req.SortBy != "" {
		query.Set("sort_by", req.SortBy)
	}
	if len(req.Columns) > 0 {
		query.Set("columns", strings.Join(req.Columns, ","))
	}
	for key, value := range req.Extras {
		query.Set(key, value)
	}
	path := "/api/v1/execution/" + url.PathEscape(executionID) + "/results"
	return c.endpoint(path, query), nil
}

// resolveCursor only follows continuation links on the configured host so the
// credential is never sent elsewhere.
func (c *Client) resolveCursor(cursor string) (string, error) {
	ref, err := url.Parse(cursor)
	if err != nil {
		return "", fmt.Errorf("invalid continuation cursor %q: %w", cursor, err)
	}
	resolved := c.baseURL.ResolveReference(ref)
	if resolved.Host != c.baseURL.Host {
		return "", fmt.Errorf("continuation cursor points at foreign host %q", resolved.Host)
	}
	return resolved.String(), nil
}

func (c *Client) LatestExecution(ctx context.Context, queryID int64, params Parameters) (Execution, bool, error) {
	query := url.Values{}
	query.Set("limit", "0")
	for _, key := range params.Keys() {
		query.Set("params."+key, params[key].String())
	}

	var parsed resultsResponse
	path := "/api/v1/query/" + strconv.FormatInt(queryID, 10) + "/results"
	err := c.do(ctx, "latest", http.MethodGet, c.endpoint(path, query), nil, &parsed)
	if err != nil {
		if isNoExecution(err) {
			return Execution{}, false, nil
		}
		return Execution{}, false, err
	}
	if parsed.ExecutionID == "" {
		return Execution{}, false, nil
	}

	submitted := parsed.SubmittedAt
	if submitted.IsZero() {
		submitted = parsed.ExecutionStartedAt
	}
	return Execution{
		ID:          parsed.ExecutionID,
		QueryID:     queryID,
		SubmittedAt: submitted,
		State:       parseState(parsed.State),
	}, true, nil
}

func isNoExecution(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusNotFound || strings.Contains(apiErr.Message, noExecutionMessage)
}

func (c *Client) CancelExecution(ctx context.Context, executionID string) error {
	var parsed struct {
		Success bool `json:"success"`
	}
	path := "/api/v1/execution/" + url.PathEscape(executionID) + "/cancel"
	if err := c.do(ctx, "cancel", http.MethodPost, c.endpoint(path, nil), map[string]any{}, &parsed); err != nil {
		return err
	}
	if !parsed.Success {
		return fmt.Errorf("cancel execution %s: service reported failure", executionID)
	}
	return nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	target := *c.baseURL
	target.Path = strings.TrimRight(c.baseURL.Path, "/") + path
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

func (c *Client) do(ctx context.Context, op, method, target string, payload any, out any) error {
	apiKey := APIKeyFromContext(ctx)
	if apiKey == "" {
		apiKey = c.apiKey
	}
	if apiKey == "" {
		return ErrNoAPIKey
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: wait for request slot: %w", op, err)
		}
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(observability.ContextWithOperation(ctx, op), method, target, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(apiKeyHeader, apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response body: %w", op, err)
	}

	if message, plain, ok := errorMessage(raw); resp.StatusCode >= 400 || plain {
		if !ok {
			message = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// errorMessage extracts the "error" member of a response body. plain is true
// when the member is a bare string, which the service only sends for rejected
// requests; structured errors also appear on successful status payloads.
func errorMessage(raw []byte) (message string, plain bool, ok bool) {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Error) == 0 || string(envelope.Error) == "null" {
		return "", false, false
	}
	var text string
	if err := json.Unmarshal(envelope.Error, &text); err == nil {
		return text, true, true
	}
	var structured struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Error, &structured); err == nil && structured.Message != "" {
		return structured.Message, false, true
	}
	return "", false, false
}
