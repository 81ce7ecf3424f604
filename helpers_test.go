package jobwatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

const testInterval = 5 * time.Second

var (
	epoch     = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	testJobID = uuid.MustParse("6f1c2a9e-8d4b-4c3a-9f2e-1b7d5e8a0c41")
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFakeClock() *testingclock.FakeClock {
	return testingclock.NewFakeClock(epoch)
}

func job(status JobStatus) Job {
	return Job{ID: testJobID, Status: status}
}

func jobWithID(id string, status JobStatus) Job {
	return Job{ID: uuid.MustParse(id), Status: status}
}

func rateLimited(retryAfter time.Duration) error {
	return fmt.Errorf("get job: %w", &TransportError{
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	})
}

type fetchStep struct {
	job Job
	err error
}

// scriptedFetch replays steps in order, repeating the last one. If release
// is set, every fetch blocks until it can receive from release, ignoring
// context cancellation like a slow transport would.
type scriptedFetch struct {
	mu          sync.Mutex
	steps       []fetchStep
	calls       int
	inFlight    int
	maxInFlight int
	release     chan struct{}
}

func (f *scriptedFetch) fetch(_ context.Context) (Job, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	idx := f.calls
	f.calls++
	release := f.release
	f.mu.Unlock()

	if release != nil {
		<-release
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	return f.steps[idx].job, f.steps[idx].err
}

func (f *scriptedFetch) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *scriptedFetch) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func newTestPoller(t *testing.T, f *scriptedFetch, fc *testingclock.FakeClock) *Poller[Job] {
	t.Helper()
	p, err := NewPoller(f.fetch, JobInProgress,
		WithInterval(testInterval),
		WithClock(fc),
		WithLogger(testLogger()),
	)
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p
}

func waitForCalls(t *testing.T, calls func() int, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return calls() >= n }, time.Second, time.Millisecond,
		"expected at least %d fetches", n)
}

// waitForTimer blocks until the session has armed its next tick.
func waitForTimer(t *testing.T, fc *testingclock.FakeClock) {
	t.Helper()
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond, "no timer armed")
}

func waitForState(t *testing.T, p *Poller[Job], want State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Session().State == want }, time.Second, time.Millisecond,
		"session never reached state %s", want)
}
