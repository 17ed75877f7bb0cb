package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/paradigmxyz/spice/internal/cache"
	"github.com/paradigmxyz/spice/internal/dune"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type stubGateway struct {
	mu sync.Mutex

	createID  int64
	createErr error

	latest      dune.Execution
	latestFound bool
	latestErr   error

	// submitErrs are returned by successive submits before one succeeds.
	submitErrs []error
	submitted  dune.Execution

	// statuses are returned in order; the last one repeats.
	statuses []dune.Status

	pages []dune.Page
	// pageErrs maps a page call index to the error it returns.
	pageErrs map[int]error

	createCalls  int
	latestCalls  int
	submitCalls  int
	statusCalls  int
	pageCalls    int
	cancelCalls  int
	pageRequests []dune.PageRequest
	apiKeys      []string
	performances []string
}

func (s *stubGateway) record(ctx context.Context) {
	s.apiKeys = append(s.apiKeys, dune.APIKeyFromContext(ctx))
}

func (s *stubGateway) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls + s.latestCalls + s.submitCalls + s.statusCalls + s.pageCalls + s.cancelCalls
}

func (s *stubGateway) CreateQuery(ctx context.Context, _ string, _ dune.Parameters) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(ctx)
	s.createCalls++
	if s.createErr != nil {
		return 0, s.createErr
	}
	return s.createID, nil
}

func (s *stubGateway) SubmitExecution(ctx context.Context, queryID int64, _ dune.Parameters, performance string) (dune.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(ctx)
	s.submitCalls++
	s.performances = append(s.performances, performance)
	if len(s.submitErrs) > 0 {
		err := s.submitErrs[0]
		s.submitErrs = s.submitErrs[1:]
		return dune.Execution{}, err
	}
	execution := s.submitted
	if execution.ID == "" {
		execution.ID = "exec-new"
	}
	execution.QueryID = queryID
	execution.SubmittedAt = testNow
	execution.State = dune.StatePending
	return execution, nil
}

func (s *stubGateway) ExecutionStatus(ctx context.Context, executionID string) (dune.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(ctx)
	s.statusCalls++
	if len(s.statuses) == 0 {
		return dune.Status{ExecutionID: executionID, State: dune.StateCompleted}, nil
	}
	status := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	status.ExecutionID = executionID
	return status, nil
}

func (s *stubGateway) ResultPage(ctx context.Context, _ string, req dune.PageRequest) (dune.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(ctx)
	index := s.pageCalls
	s.pageCalls++
	s.pageRequests = append(s.pageRequests, req)
	if err, ok := s.pageErrs[index]; ok {
		return dune.Page{}, err
	}
	if index >= len(s.pages) {
		return dune.Page{}, context.DeadlineExceeded
	}
	return s.pages[index], nil
}

func (s *stubGateway) LatestExecution(ctx context.Context, _ int64, _ dune.Parameters) (dune.Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(ctx)
	s.latestCalls++
	return s.latest, s.latestFound, s.latestErr
}

func (s *stubGateway) CancelExecution(ctx context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(ctx)
	s.cancelCalls++
	return nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]cache.Entry
	saves   int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string]cache.Entry{}}
}

func (m *memoryCache) Lookup(_ context.Context, fingerprint string) (cache.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[fingerprint]
	if !ok {
		return cache.Entry{}, cache.ErrMiss
	}
	return entry, nil
}

func (m *memoryCache) Save(_ context.Context, entry cache.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.entries[entry.Fingerprint] = entry
	return nil
}

func newTestClient(t *testing.T, gateway dune.Gateway, store cache.Store, sleeper *sleepRecorder) *Client {
	t.Helper()
	if sleeper == nil {
		sleeper = &sleepRecorder{}
	}
	cfg := Config{
		Gateway:        gateway,
		APIKey:         "client-key",
		PollInterval:   250 * time.Millisecond,
		MaxRetries:     5,
		InitialBackoff: time.Second,
		Clock:          func() time.Time { return testNow },
		Sleep:          sleeper.sleep,
	}
	if store != nil {
		cfg.Cache = store
	}
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client
}

func letterPages() []dune.Page {
	columns := []dune.Column{{Name: "letter", Type: "varchar"}, {Name: "n", Type: "bigint"}}
	return []dune.Page{
		{Columns: columns, Rows: [][]any{{"A", int64(1)}, {"B", int64(2)}}, NextCursor: "/api/v1/execution/exec-new/results?offset=2", TotalRows: 4},
		{Columns: columns, Rows: [][]any{{"C", int64(3)}, {"D", int64(4)}}, NextCursor: "/api/v1/execution/exec-new/results?offset=4", TotalRows: 4},
		{Columns: columns, Rows: [][]any{}, TotalRows: 4},
	}
}
