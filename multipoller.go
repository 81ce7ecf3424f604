package jobwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// BatchFetchFunc retrieves snapshots for a set of resources in one request.
// It should return one entry per requested ID; omissions are not treated
// specially.
type BatchFetchFunc[T any] func(ctx context.Context, ids []string) ([]T, error)

// BatchUpdate is published on [MultiPoller.Updates] after every applied fetch.
type BatchUpdate[T any] struct {
	Statuses map[string]T
	Complete bool
	Err      error
	At       time.Time
}

// MultiPoller tracks a batch of resources with one status request per tick.
//
// Each fetch result is keyed by the caller's key function (last write wins
// for duplicate keys) and replaces the previous mapping. The batch is
// complete when every returned snapshot is terminal; partial completion
// keeps polling. A fetch failure halts polling and is surfaced through
// [MultiPoller.Err]; there is no partial-snapshot fallback.
//
// Scheduling is fixed-delay, as for [Poller]: the next request is issued one
// interval after the previous one completes. Once complete, the loop exits
// and no further requests are made. An empty ID set is complete from
// construction and never fetches.
type MultiPoller[T any] struct {
	ids      []string
	fetch    BatchFetchFunc[T]
	key      func(T) string
	terminal func(T) bool
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	updates chan BatchUpdate[T]
	done    chan struct{}

	mu         sync.Mutex
	started    bool
	stopped    bool
	inFlight   bool
	cancel     context.CancelFunc
	finishOnce sync.Once
	statuses   map[string]T
	complete   bool
	err        error
	state      State
}

// NewMultiPoller creates a [MultiPoller] for the given resource IDs.
//
// Parameters:
//   - ids: resources to track; nil or empty completes immediately
//   - fetch: batched status request
//   - key: maps a snapshot back to its ID
//   - terminal: reports whether a snapshot's status is terminal
//   - opts: [WithInterval], [WithLogger], [WithClock], [WithName], [WithUpdateBuffer]
func NewMultiPoller[T any](ids []string, fetch BatchFetchFunc[T], key func(T) string, terminal func(T) bool, opts ...Option) (*MultiPoller[T], error) {
	if fetch == nil {
		return nil, errors.New("batch fetch function is required")
	}
	if key == nil {
		return nil, errors.New("key function is required")
	}
	if terminal == nil {
		return nil, errors.New("terminal predicate is required")
	}
	cfg, err := newPollConfig(opts)
	if err != nil {
		return nil, err
	}

	m := &MultiPoller[T]{
		ids:      append([]string(nil), ids...),
		fetch:    fetch,
		key:      key,
		terminal: terminal,
		interval: cfg.interval,
		clock:    cfg.clock,
		logger:   cfg.logger,
		updates:  make(chan BatchUpdate[T], cfg.updateBuffer),
		done:     make(chan struct{}),
		statuses: make(map[string]T),
	}
	if len(m.ids) == 0 {
		m.complete = true
		m.state = StateTerminal
	}
	return m, nil
}

// Start begins polling in a background goroutine, fetching immediately.
//
// If the ID set is empty, Start performs no fetch and [MultiPoller.Done] is
// closed right away. Start is idempotent and a no-op after Stop.
func (m *MultiPoller[T]) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	if m.complete {
		m.mu.Unlock()
		m.finish()
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop tears the session down. Results of an in-flight request are
// discarded. Stop is idempotent and safe to call before Start.
func (m *MultiPoller[T]) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	running := m.started && !m.complete && cancel != nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !running {
		m.finish()
	}
}

// Done returns a channel that is closed once polling has finished, whether
// by completion, failure, or teardown.
func (m *MultiPoller[T]) Done() <-chan struct{} {
	return m.done
}

// Updates returns a channel that receives a [BatchUpdate] after every
// applied fetch. Sends are non-blocking and the channel is closed when
// polling finishes.
func (m *MultiPoller[T]) Updates() <-chan BatchUpdate[T] {
	return m.updates
}

// Statuses returns a copy of the latest snapshots keyed by ID.
func (m *MultiPoller[T]) Statuses() map[string]T {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyStatuses(m.statuses)
}

// Complete reports whether every tracked resource is terminal.
func (m *MultiPoller[T]) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complete
}

// Err returns the error that halted polling, if any.
func (m *MultiPoller[T]) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// State returns the session's lifecycle state.
func (m *MultiPoller[T]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MultiPoller[T]) run(ctx context.Context) {
	defer m.finish()

	if !m.poll(ctx) {
		return
	}
	for {
		timer := m.clock.NewTimer(m.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
		if !m.poll(ctx) {
			return
		}
	}
}

// poll runs one batch request and reports whether polling should continue.
func (m *MultiPoller[T]) poll(ctx context.Context) bool {
	m.mu.Lock()
	if m.stopped || m.inFlight {
		m.mu.Unlock()
		return false
	}
	m.inFlight = true
	ids := append([]string(nil), m.ids...)
	m.mu.Unlock()

	results, err := m.fetch(ctx, ids)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || ctx.Err() != nil {
		return false
	}
	m.inFlight = false
	now := m.clock.Now()

	if err == nil {
		var statuses map[string]T
		var complete bool
		statuses, complete, err = m.evaluate(results)
		if err == nil {
			m.statuses = statuses
			m.complete = complete
			m.err = nil
			if complete {
				m.state = StateTerminal
				m.logger.Debug("batch complete", "resources", len(statuses))
			} else {
				m.state = StatePolling
			}
			m.publishLocked(now)
			return !complete
		}
	}

	m.err = err
	m.state = StateError
	m.logger.Warn("batch poll failed", "error", err.Error())
	m.publishLocked(now)
	return false
}

// evaluate keys the results and checks completion, recovering from panics
// in the caller-supplied functions.
func (m *MultiPoller[T]) evaluate(results []T) (statuses map[string]T, complete bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			statuses, complete = nil, false
			err = recoverPanic(m.logger, "batch predicate", r)
		}
	}()

	statuses = make(map[string]T, len(results))
	for _, res := range results {
		statuses[m.key(res)] = res
	}
	complete = true
	for _, res := range statuses {
		if !m.terminal(res) {
			complete = false
			break
		}
	}
	return statuses, complete, nil
}

func (m *MultiPoller[T]) publishLocked(at time.Time) {
	update := BatchUpdate[T]{
		Statuses: copyStatuses(m.statuses),
		Complete: m.complete,
		Err:      m.err,
		At:       at,
	}
	select {
	case m.updates <- update:
	default:
		m.logger.Debug("batch update dropped, consumer is slow")
	}
}

func (m *MultiPoller[T]) finish() {
	m.finishOnce.Do(func() {
		close(m.updates)
		close(m.done)
	})
}

func copyStatuses[T any](src map[string]T) map[string]T {
	dst := make(map[string]T, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
