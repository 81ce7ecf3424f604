package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jpalmerr/jobwatch"
	"github.com/jpalmerr/jobwatch/internal/store"
	"github.com/jpalmerr/jobwatch/internal/watch"
)

const (
	jobA     = "0b6f6a52-2a4e-4a8b-9d0c-3c1f4e5a6b70"
	versionV = "6f1c2a9e-8d4b-4c3a-9f2e-1b7d5e8a0c41"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(kind, id, status string) store.StatusRecord {
	return store.StatusRecord{
		Kind:      kind,
		ID:        id,
		Status:    status,
		State:     "polling",
		CheckedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

// fakeRefetcher records calls and returns a fixed error.
type fakeRefetcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRefetcher) Refetch(_ context.Context, kind, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, store.Key(kind, id))
	return f.err
}

// panicStore panics on reads to exercise the recovery middleware.
type panicStore struct {
	store.Store
}

func (panicStore) GetAll() []store.StatusRecord {
	panic("store exploded")
}

func serve(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body map[string]errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

// --- Routes ---

func TestHandleHealth(t *testing.T) {
	srv := NewServer(store.NewMemoryStore(), nil, 0, testLogger())

	rec := serve(t, srv, http.MethodGet, "/health")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandleStatus(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.Update(record(store.KindVersion, versionV, "BUILDING"))
	ms.Update(record(store.KindJob, jobA, "RUNNING"))

	srv := NewServer(ms, nil, 0, testLogger())
	rec := serve(t, srv, http.MethodGet, "/api/status")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var records []store.StatusRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].Kind != store.KindJob || records[1].Kind != store.KindVersion {
		t.Errorf("records not ordered by key: %+v", records)
	}
}

func TestHandleStatus_Empty(t *testing.T) {
	srv := NewServer(store.NewMemoryStore(), nil, 0, testLogger())

	rec := serve(t, srv, http.MethodGet, "/api/status")

	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rec.Body.String())
	}
}

func TestHandleStatusOne(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.Update(record(store.KindJob, jobA, "RUNNING"))
	srv := NewServer(ms, nil, 0, testLogger())

	t.Run("found with non-canonical id", func(t *testing.T) {
		rec := serve(t, srv, http.MethodGet, "/api/status/job/"+strings.ToUpper(jobA))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var r store.StatusRecord
		if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if r.ID != jobA || r.Status != "RUNNING" {
			t.Errorf("record = %+v", r)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := serve(t, srv, http.MethodGet, "/api/status/version/"+versionV)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		if got := decodeError(t, rec).Code; got != "NOT_FOUND" {
			t.Errorf("code = %q, want NOT_FOUND", got)
		}
	})
}

func TestHandleRefetch(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{name: "accepted", wantCode: http.StatusAccepted},
		{name: "unknown target", err: fmt.Errorf("%w: job/x", watch.ErrUnknownTarget), wantCode: http.StatusNotFound, wantErr: "UNKNOWN_TARGET"},
		{name: "batch", err: watch.ErrNotRefetchable, wantCode: http.StatusConflict, wantErr: "NOT_REFETCHABLE"},
		{name: "not running", err: watch.ErrNotRunning, wantCode: http.StatusServiceUnavailable, wantErr: "NOT_RUNNING"},
		{name: "stopped", err: jobwatch.ErrStopped, wantCode: http.StatusServiceUnavailable, wantErr: "NOT_RUNNING"},
		{name: "timeout", err: context.DeadlineExceeded, wantCode: http.StatusGatewayTimeout, wantErr: "TIMEOUT"},
		{
			name:     "upstream failure",
			err:      &jobwatch.TransportError{StatusCode: 404, Detail: "Job not found"},
			wantCode: http.StatusBadGateway,
			wantErr:  "FETCH_FAILED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rf := &fakeRefetcher{err: tt.err}
			srv := NewServer(store.NewMemoryStore(), rf, 0, testLogger())

			rec := serve(t, srv, http.MethodPost, "/api/refetch/job/"+strings.ToUpper(jobA))

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantErr != "" {
				if got := decodeError(t, rec).Code; got != tt.wantErr {
					t.Errorf("code = %q, want %q", got, tt.wantErr)
				}
			}
			if len(rf.calls) != 1 || rf.calls[0] != "job/"+jobA {
				t.Errorf("calls = %v, want [job/%s]", rf.calls, jobA)
			}
		})
	}
}

func TestHandleRefetch_NoRefetcher(t *testing.T) {
	srv := NewServer(store.NewMemoryStore(), nil, 0, testLogger())

	rec := serve(t, srv, http.MethodPost, "/api/refetch/job/"+jobA)

	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

func TestHandleRefetch_RequiresPost(t *testing.T) {
	rf := &fakeRefetcher{}
	srv := NewServer(store.NewMemoryStore(), rf, 0, testLogger())

	rec := serve(t, srv, http.MethodGet, "/api/refetch/job/"+jobA)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if len(rf.calls) != 0 {
		t.Errorf("refetcher called on GET: %v", rf.calls)
	}
}

func TestRecovery(t *testing.T) {
	srv := NewServer(panicStore{}, nil, 0, testLogger())

	rec := serve(t, srv, http.MethodGet, "/api/status")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := decodeError(t, rec).Code; got != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", got)
	}
	if strings.Contains(rec.Body.String(), "store exploded") {
		t.Error("panic value leaked into response")
	}
}

func TestNotFoundRoute(t *testing.T) {
	srv := NewServer(store.NewMemoryStore(), nil, 0, testLogger())

	rec := serve(t, srv, http.MethodGet, "/")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// --- SSE ---

func TestHandleSSE_BasicFlow(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.Update(record(store.KindJob, jobA, "RUNNING"))
	ms.Update(record(store.KindVersion, versionV, "BUILDING"))

	srv := NewServer(ms, nil, 0, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	srv.handleSSE(rec, req)

	events := parseSSEEvents(rec.Body.String())
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2: %s", len(events), rec.Body.String())
	}
	if events[0].ID != jobA || events[1].ID != versionV {
		t.Errorf("events = %+v", events)
	}
}

func TestHandleSSE_StreamsUpdates(t *testing.T) {
	ms := store.NewMemoryStore()
	srv := NewServer(ms, nil, 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.handleSSE(rec, req)
		close(done)
	}()

	// give handler time to subscribe
	time.Sleep(50 * time.Millisecond)

	ms.Update(record(store.KindJob, jobA, "SUCCEEDED"))

	// give time for update to be written
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("handler did not exit after context cancellation")
	}

	if !strings.Contains(rec.Body.String(), "SUCCEEDED") {
		t.Errorf("response should contain streamed update, got: %s", rec.Body.String())
	}
}

func TestHandleSSE_ThroughRouter(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.Update(record(store.KindJob, jobA, "RUNNING"))
	srv := NewServer(ms, nil, 0, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	// the logging middleware wraps the writer and must keep it flushable
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(parseSSEEvents(rec.Body.String())) != 1 {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandleSSE_ClientDisconnect(t *testing.T) {
	srv := NewServer(store.NewMemoryStore(), nil, 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.handleSSE(rec, req)
		close(done)
	}()

	// simulate client disconnect
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("handler did not exit after client disconnect")
	}
}

func TestHandleSSE_SSENotSupported(t *testing.T) {
	srv := NewServer(store.NewMemoryStore(), nil, 0, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil)
	w := &nonFlushWriter{header: make(http.Header)}

	srv.handleSSE(w, req)

	if w.statusCode != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.statusCode)
	}
}

type nonFlushWriter struct {
	header     http.Header
	statusCode int
	body       []byte
}

func (n *nonFlushWriter) Header() http.Header {
	return n.header
}

func (n *nonFlushWriter) Write(b []byte) (int, error) {
	n.body = append(n.body, b...)
	return len(b), nil
}

func (n *nonFlushWriter) WriteHeader(statusCode int) {
	n.statusCode = statusCode
}

func TestHandleSSE_Headers(t *testing.T) {
	srv := NewServer(store.NewMemoryStore(), nil, 0, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	srv.handleSSE(rec, req)

	expectedHeaders := map[string]string{
		"Content-Type":                "text/event-stream",
		"Cache-Control":               "no-cache",
		"Connection":                  "keep-alive",
		"Access-Control-Allow-Origin": "*",
	}
	for key, expected := range expectedHeaders {
		if got := rec.Header().Get(key); got != expected {
			t.Errorf("header %s = %q, want %q", key, got, expected)
		}
	}
}

func TestHandleSSE_JSONFormat(t *testing.T) {
	ms := store.NewMemoryStore()
	msg := "rate limited"
	r := record(store.KindJob, jobA, "RUNNING")
	r.Batch = "chest-xray"
	r.Error = &msg
	ms.Update(r)

	srv := NewServer(ms, nil, 0, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	srv.handleSSE(rec, req)

	body := rec.Body.String()
	for _, field := range []string{`"kind":"job"`, `"batch":"chest-xray"`, `"checked_at":"2026-03-02T09:00:00Z"`, `"error":"rate limited"`} {
		if !strings.Contains(body, field) {
			t.Errorf("SSE payload missing %s: %s", field, body)
		}
	}
}

// TestHandleSSE_ServerShutdownIntegration tests that SSE handlers exit cleanly
// when the server is shut down, using a real HTTP connection.
func TestHandleSSE_ServerShutdownIntegration(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.Update(record(store.KindJob, jobA, "RUNNING"))

	srv := NewServer(ms, nil, 0, testLogger())
	serverCtx, serverCancel := context.WithCancel(context.Background())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// derive request context from server context (simulates BaseContext)
		r = r.WithContext(serverCtx)
		srv.handleSSE(w, r)
	})

	ts := httptest.NewServer(handler)
	defer ts.Close()

	connDone := make(chan error, 1)
	go func() {
		resp, err := ts.Client().Get(ts.URL)
		if err != nil {
			connDone <- err
			return
		}
		defer func() { _ = resp.Body.Close() }()

		buf := make([]byte, 1024)
		for {
			if _, err := resp.Body.Read(buf); err != nil {
				connDone <- nil // expected - connection closed
				return
			}
		}
	}()

	// give connection time to establish
	time.Sleep(100 * time.Millisecond)
	serverCancel()

	select {
	case <-connDone:
	case <-time.After(3 * time.Second):
		t.Fatal("SSE connection did not close after server shutdown")
	}
}

func parseSSEEvents(body string) []store.StatusRecord {
	var records []store.StatusRecord
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			var r store.StatusRecord
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &r); err == nil {
				records = append(records, r)
			}
		}
	}
	return records
}

// --- Start ---

func TestStart_ServesRoutes(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.Update(record(store.KindJob, jobA, "RUNNING"))

	// port 0 = OS assigns available port
	srv := NewServer(ms, nil, 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	port := srv.Addr().(*net.TCPAddr).Port
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/status/job/%s", port, jobA))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var r store.StatusRecord
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Status != "RUNNING" {
		t.Errorf("Status = %q, want RUNNING", r.Status)
	}
}

func TestStart_ShutsDownOnCancel(t *testing.T) {
	srv := NewServer(store.NewMemoryStore(), nil, 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := fmt.Sprintf("127.0.0.1:%d", srv.Addr().(*net.TCPAddr).Port)

	cancel()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return
		}
		_ = conn.Close()
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server still accepting connections after cancel")
}

func TestStart_PortInUse_ReturnsError(t *testing.T) {
	// occupy a port
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer func() { _ = ln.Close() }()

	port := ln.Addr().(*net.TCPAddr).Port
	srv := NewServer(store.NewMemoryStore(), nil, port, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = srv.Start(ctx)
	if err == nil {
		t.Fatal("Start() on occupied port should return error")
	}
	if !strings.Contains(err.Error(), "failed to bind") {
		t.Errorf("expected bind error, got: %v", err)
	}
}

func TestStart_InvalidPort_ReturnsError(t *testing.T) {
	srv := NewServer(store.NewMemoryStore(), nil, -1, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err == nil {
		t.Fatal("Start() with invalid port should return error")
	}
	if srv.Addr() != nil {
		t.Error("Addr() should be nil when Start fails")
	}
}

func TestWatcherImplementsRefetcher(t *testing.T) {
	var _ Refetcher = (*watch.Watcher)(nil)

	w, err := watch.New(nopFetcher{}, []watch.Target{watch.JobTarget(jobA)}, watch.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("watch.New() error = %v", err)
	}
	srv := NewServer(w.Store(), w, 0, testLogger())

	rec := serve(t, srv, http.MethodPost, "/api/refetch/job/"+jobA)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 before Run", rec.Code)
	}
}

type nopFetcher struct{}

func (nopFetcher) GetJob(context.Context, uuid.UUID) (jobwatch.Job, error) {
	return jobwatch.Job{}, errors.New("not used")
}

func (nopFetcher) GetModelVersion(context.Context, uuid.UUID) (jobwatch.ModelVersion, error) {
	return jobwatch.ModelVersion{}, errors.New("not used")
}

func (nopFetcher) BatchJobStatus(context.Context, []string) ([]jobwatch.Job, error) {
	return nil, errors.New("not used")
}
