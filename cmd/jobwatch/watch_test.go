package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jpalmerr/jobwatch"
	"github.com/jpalmerr/jobwatch/internal/store"
	"github.com/jpalmerr/jobwatch/internal/watch"
)

// fakeMarketplace serves fixed statuses. Unknown IDs answer 404.
func fakeMarketplace(t *testing.T, jobs map[string]string, versions map[string]string) *httptest.Server {
	t.Helper()

	r := chi.NewRouter()
	r.Get("/api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		status, ok := jobs[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"Job not found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id, "status": status})
	})
	r.Get("/api/models/versions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id, "status": versions[id]})
	})
	r.Post("/api/jobs/batch-status", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JobIDs []string `json:"job_ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		out := make([]map[string]string, 0, len(req.JobIDs))
		for _, id := range req.JobIDs {
			out = append(out, map[string]string{"id": id, "status": jobs[id]})
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func runWatchWithTimeout(t *testing.T, configPath string) (string, error) {
	t.Helper()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := executeCmd(t, "watch", "-c", configPath)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-time.After(10 * time.Second):
		t.Fatal("watch command did not return")
		return "", nil
	}
}

func TestRunWatch_ExitOnComplete(t *testing.T) {
	ts := fakeMarketplace(t,
		map[string]string{jobA: "SUCCEEDED", jobB: "FAILED"},
		map[string]string{versionV: "READY"},
	)
	configPath := writeConfig(t, `
api:
  base_url: `+ts.URL+`
poll_interval: 1s
exit_on_complete: true
jobs: [`+jobA+`]
versions: [`+versionV+`]
batches:
  - name: chest-xray
    jobs: [`+jobB+`]
`)

	output, err := runWatchWithTimeout(t, configPath)
	if err != nil {
		t.Fatalf("watch command error = %v\n%s", err, output)
	}

	expectedPhrases := []string{
		"job/" + jobA + "  SUCCEEDED",
		"version/" + versionV + "  READY",
		"job/" + jobB + "  FAILED  [chest-xray]",
		"RESOURCE",
		"batch chest-xray: 1 total, 0 succeeded, 1 failed, 0 in progress",
		"failed: " + jobB,
	}
	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("output missing %q\nGot: %s", phrase, output)
		}
	}
}

func TestRunWatch_ErroredTargetFails(t *testing.T) {
	ts := fakeMarketplace(t, map[string]string{jobA: "SUCCEEDED"}, nil)
	configPath := writeConfig(t, `
api:
  base_url: `+ts.URL+`
poll_interval: 1s
exit_on_complete: true
jobs: [`+jobA+`, `+jobB+`]
`)

	output, err := runWatchWithTimeout(t, configPath)
	if err == nil {
		t.Fatalf("watch command expected error, got nil\n%s", output)
	}
	if !strings.Contains(err.Error(), "1 target(s) ended in error") {
		t.Errorf("error = %v", err)
	}
	if !strings.Contains(output, "error: ") || !strings.Contains(output, "Job not found") {
		t.Errorf("output should show the API error, got: %s", output)
	}
}

func TestRunWatch_RefusesExpiredToken(t *testing.T) {
	ts := fakeMarketplace(t, map[string]string{jobA: "RUNNING"}, nil)
	t.Setenv("JOBWATCH_TEST_TOKEN", signToken(t, time.Now().Add(-time.Minute)))
	configPath := writeConfig(t, `
api:
  base_url: `+ts.URL+`
  token: ${JOBWATCH_TEST_TOKEN}
jobs: [`+jobA+`]
`)

	_, err := runWatchWithTimeout(t, configPath)
	if err == nil {
		t.Fatal("watch command expected error for expired token, got nil")
	}
	if !strings.Contains(err.Error(), "refusing to start") {
		t.Errorf("error = %v", err)
	}
}

func TestStatusPrinter_PrintsChangesOnly(t *testing.T) {
	var buf bytes.Buffer
	p := newStatusPrinter(&buf)
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	p.Print(store.StatusRecord{Kind: store.KindJob, ID: jobA, Status: "QUEUED", CheckedAt: at})
	p.Print(store.StatusRecord{Kind: store.KindJob, ID: jobA, Status: "QUEUED", CheckedAt: at.Add(5 * time.Second)})
	p.Print(store.StatusRecord{Kind: store.KindJob, ID: jobA, Status: "RUNNING", CheckedAt: at.Add(10 * time.Second)})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{
		"2026-03-02T09:00:00Z  job/" + jobA + "  QUEUED",
		"2026-03-02T09:00:10Z  job/" + jobA + "  RUNNING",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), buf.String())
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestFormatRecord(t *testing.T) {
	msg := "marketplace API 503: unavailable"
	tests := []struct {
		name string
		r    store.StatusRecord
		want string
	}{
		{
			name: "plain",
			r:    store.StatusRecord{Kind: store.KindVersion, ID: versionV, Status: "BUILDING"},
			want: "version/" + versionV + "  BUILDING",
		},
		{
			name: "no status yet",
			r:    store.StatusRecord{Kind: store.KindJob, ID: jobA},
			want: "job/" + jobA + "  -",
		},
		{
			name: "batch member with error",
			r:    store.StatusRecord{Kind: store.KindJob, ID: jobB, Batch: "b", Status: "RUNNING", Error: &msg},
			want: "job/" + jobB + "  RUNNING  [b]  error: " + msg,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatRecord(tt.r); got != tt.want {
				t.Errorf("formatRecord() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, watch.Result{
		Records: []store.StatusRecord{
			{Kind: store.KindJob, ID: jobA, Status: "SUCCEEDED", State: "terminal"},
		},
		Batches: map[string]jobwatch.JobSummary{
			"z-batch": {Total: 1, Succeeded: 1},
			"a-batch": {Total: 2, Failed: 1, InProgress: 1, FailedIDs: []string{jobB}},
		},
	})

	out := buf.String()
	if !strings.Contains(out, "job/"+jobA) || !strings.Contains(out, "SUCCEEDED") {
		t.Errorf("summary missing record:\n%s", out)
	}
	a := strings.Index(out, "batch a-batch")
	z := strings.Index(out, "batch z-batch")
	if a < 0 || z < 0 || a > z {
		t.Errorf("batches missing or unordered:\n%s", out)
	}
	if !strings.Contains(out, fmt.Sprintf("  failed: %s\n", jobB)) {
		t.Errorf("summary missing failed ids:\n%s", out)
	}
}
