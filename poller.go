package jobwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// FetchFunc retrieves the current snapshot of a single resource, e.g. a
// closure over the marketplace client bound to one job ID.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Session is a point-in-time copy of a [Poller]'s state.
type Session[T any] struct {
	// Resource is the last successfully fetched snapshot.
	Resource T

	// HasResource is false until the first fetch succeeds.
	HasResource bool

	// Err is the last surfaced error. Rate-limit failures are not surfaced
	// while a prior snapshot exists. nil after any successful fetch.
	Err error

	// State is the session's lifecycle state.
	State State

	// InFlight is true while a fetch is running.
	InFlight bool

	// BlockedUntil is the backoff deadline. No automatic fetch starts
	// before it. Zero when the session has never been rate limited or a
	// manual refetch cleared it.
	BlockedUntil time.Time

	// LastFetchedAt is when the last successful fetch completed.
	LastFetchedAt time.Time
}

// Update is published on [Poller.Updates] after every applied fetch.
type Update[T any] struct {
	Resource    T
	HasResource bool
	State       State
	Err         error
	At          time.Time
}

// Poller repeatedly fetches one resource until it reaches a terminal status.
//
// Poller runs a single goroutine per session. The first fetch happens
// immediately on [Poller.Start]; each following fetch is scheduled one
// interval after the previous one completes, so fetches never overlap even
// when a fetch takes longer than the interval.
//
// The continuation predicate decides, from the snapshot just fetched,
// whether another tick is scheduled. Once it returns false the session is
// terminal and no further automatic fetches happen.
//
// Rate-limited fetches (HTTP 429) back off until the server's retry hint,
// falling back to one interval. They are only surfaced as an error when no
// prior snapshot exists. Other failures are surfaced immediately and halt
// automatic polling until [Poller.Refetch] succeeds.
//
// All methods are safe for concurrent use. A Poller cannot be restarted
// after [Poller.Stop]; create a new one for a new session.
type Poller[T any] struct {
	fetch          FetchFunc[T]
	shouldContinue func(T) bool
	interval       time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	updates   chan Update[T]
	refetches chan chan<- fetchOutcome[T]
	done      chan struct{}

	mu         sync.Mutex
	started    bool
	stopped    bool
	cancel     context.CancelFunc
	finishOnce sync.Once
	session    Session[T]
}

type fetchOutcome[T any] struct {
	resource T
	err      error
}

// schedule tells the session loop when to tick next.
type schedule struct {
	armed bool
	delay time.Duration
}

// NewPoller creates a [Poller] for one resource.
//
// Parameters:
//   - fetch: retrieves the resource; errors are classified with [IsRateLimited]
//   - shouldContinue: returns true while the resource is still changing
//   - opts: [WithInterval], [WithLogger], [WithClock], [WithName], [WithUpdateBuffer]
//
// The poller must be started with [Poller.Start] and stopped with [Poller.Stop].
func NewPoller[T any](fetch FetchFunc[T], shouldContinue func(T) bool, opts ...Option) (*Poller[T], error) {
	if fetch == nil {
		return nil, errors.New("fetch function is required")
	}
	if shouldContinue == nil {
		return nil, errors.New("continuation predicate is required")
	}
	cfg, err := newPollConfig(opts)
	if err != nil {
		return nil, err
	}
	return &Poller[T]{
		fetch:          fetch,
		shouldContinue: shouldContinue,
		interval:       cfg.interval,
		clock:          cfg.clock,
		logger:         cfg.logger,
		updates:        make(chan Update[T], cfg.updateBuffer),
		refetches:      make(chan chan<- fetchOutcome[T]),
		done:           make(chan struct{}),
	}, nil
}

// Start begins the session in a background goroutine and performs the
// initial fetch immediately.
//
// If ctx is nil, context.Background() is used. Cancelling ctx tears the
// session down like [Poller.Stop]. Start is idempotent; calls after the
// first, or after Stop, are no-ops.
func (p *Poller[T]) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop tears the session down.
//
// Pending timers are cleared and the in-flight fetch, if any, has its
// context cancelled. Stop does not wait for that fetch to return; whatever
// it returns later is discarded and never changes the session. Use
// [Poller.Done] to wait for the loop to exit.
//
// Stop is idempotent and safe to call before Start.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !started {
		p.finish()
	}
}

// Done returns a channel that is closed once the session loop has exited.
func (p *Poller[T]) Done() <-chan struct{} {
	return p.done
}

// Updates returns a channel that receives an [Update] after every applied
// fetch. Sends are non-blocking: if the buffer is full the update is
// dropped. The channel is closed when the session loop exits.
func (p *Poller[T]) Updates() <-chan Update[T] {
	return p.updates
}

// Session returns a copy of the current session state.
func (p *Poller[T]) Session() Session[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// Refetch performs an immediate fetch, bypassing any backoff deadline.
//
// The deadline is cleared and the snapshot is updated with the result. If
// a fetch is already in flight, Refetch waits for it and then fetches
// again. A successful refetch re-arms automatic polling unless the session
// is terminal. The fetch result is also returned to the caller.
//
// Returns [ErrNotStarted] before Start and [ErrStopped] after Stop.
func (p *Poller[T]) Refetch(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()
	if stopped {
		return zero, ErrStopped
	}
	if !started {
		return zero, ErrNotStarted
	}

	reply := make(chan fetchOutcome[T], 1)
	select {
	case p.refetches <- reply:
	case <-p.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case out := <-reply:
		return out.resource, out.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// run is the session loop. It owns all fetches, so at most one is ever in
// flight, and it arms the next timer only after the previous fetch is applied.
func (p *Poller[T]) run(ctx context.Context) {
	defer p.finish()

	var timer clock.Timer
	disarm := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}
	defer disarm()

	next, _ := p.poll(ctx)
	for {
		disarm()
		var tick <-chan time.Time
		if next.armed {
			timer = p.clock.NewTimer(next.delay)
			tick = timer.C()
		}

		select {
		case <-ctx.Done():
			return
		case <-tick:
			timer = nil
			next = p.tick(ctx)
		case reply := <-p.refetches:
			next = p.refetch(ctx, reply)
		}
	}
}

// tick handles a timer firing.
func (p *Poller[T]) tick(ctx context.Context) schedule {
	p.mu.Lock()
	if p.stopped || p.session.State.Settled() {
		p.mu.Unlock()
		return schedule{}
	}
	// skipped, not queued: the in-flight fetch schedules the next tick
	if p.session.InFlight {
		p.mu.Unlock()
		return schedule{}
	}
	now := p.clock.Now()
	if now.Before(p.session.BlockedUntil) {
		wait := p.session.BlockedUntil.Sub(now)
		p.mu.Unlock()
		return schedule{armed: true, delay: wait}
	}
	p.mu.Unlock()

	next, _ := p.poll(ctx)
	return next
}

// refetch handles a manual refetch request.
func (p *Poller[T]) refetch(ctx context.Context, reply chan<- fetchOutcome[T]) schedule {
	p.mu.Lock()
	if !p.stopped {
		p.session.BlockedUntil = time.Time{}
	}
	p.mu.Unlock()

	next, out := p.poll(ctx)
	reply <- out
	return next
}

// poll runs one fetch and applies its result.
func (p *Poller[T]) poll(ctx context.Context) (schedule, fetchOutcome[T]) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return schedule{}, fetchOutcome[T]{err: ErrStopped}
	}
	p.session.InFlight = true
	p.mu.Unlock()

	resource, err := p.fetch(ctx)

	next, applied := p.apply(ctx, resource, err)
	if !applied {
		return schedule{}, fetchOutcome[T]{err: ErrStopped}
	}
	return next, fetchOutcome[T]{resource: resource, err: err}
}

// apply records a fetch result. Results arriving after teardown are dropped.
func (p *Poller[T]) apply(ctx context.Context, resource T, err error) (schedule, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || ctx.Err() != nil {
		return schedule{}, false
	}
	p.session.InFlight = false

	now := p.clock.Now()
	if err != nil {
		return p.applyErrorLocked(err, now), true
	}

	p.session.Resource = resource
	p.session.HasResource = true
	p.session.Err = nil
	p.session.LastFetchedAt = now

	// terminal is absorbing: a refetch refreshes the snapshot only
	if p.session.State != StateTerminal {
		cont, perr := p.safeContinue(resource)
		switch {
		case perr != nil:
			p.session.Err = perr
			p.session.State = StateError
		case cont:
			p.session.State = StatePolling
		default:
			p.session.State = StateTerminal
			p.logger.Debug("resource reached terminal status")
		}
	}
	p.publishLocked(now)

	if p.session.State != StatePolling {
		return schedule{}, true
	}
	return schedule{armed: true, delay: p.nextDelayLocked(now)}, true
}

func (p *Poller[T]) applyErrorLocked(err error, now time.Time) schedule {
	if IsRateLimited(err) {
		hint, ok := RetryHint(err)
		if !ok {
			hint = p.interval
		}
		p.session.BlockedUntil = now.Add(hint)

		// an errored session only leaves Error through a successful fetch
		if p.session.HasResource && p.session.State != StateError {
			p.logger.Warn("rate limited, backing off",
				"retry_after", hint.String(),
				"blocked_until", p.session.BlockedUntil,
			)
			if p.session.State == StateTerminal {
				return schedule{}
			}
			p.session.State = StateBackoff
			p.publishLocked(now)
			return schedule{armed: true, delay: p.nextDelayLocked(now)}
		}
	}

	p.session.Err = err
	if p.session.State != StateTerminal {
		p.session.State = StateError
	}
	p.logger.Warn("poll failed", "error", err.Error())
	p.publishLocked(now)
	return schedule{}
}

// nextDelayLocked returns the delay until the next tick: one interval, or
// longer if the backoff deadline is further away.
func (p *Poller[T]) nextDelayLocked(now time.Time) time.Duration {
	delay := p.interval
	if wait := p.session.BlockedUntil.Sub(now); wait > delay {
		delay = wait
	}
	return delay
}

func (p *Poller[T]) publishLocked(at time.Time) {
	update := Update[T]{
		Resource:    p.session.Resource,
		HasResource: p.session.HasResource,
		State:       p.session.State,
		Err:         p.session.Err,
		At:          at,
	}
	select {
	case p.updates <- update:
	default:
		p.logger.Debug("update dropped, consumer is slow")
	}
}

// safeContinue calls the continuation predicate with panic recovery.
func (p *Poller[T]) safeContinue(resource T) (cont bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			cont = false
			err = recoverPanic(p.logger, "continuation predicate", r)
		}
	}()
	return p.shouldContinue(resource), nil
}

func (p *Poller[T]) finish() {
	p.finishOnce.Do(func() {
		close(p.updates)
		close(p.done)
	})
}

// recoverPanic logs a recovered panic with a correlation ID and returns a
// user-facing error carrying the same ID.
func recoverPanic(logger *slog.Logger, what string, r any) error {
	correlationID := uuid.NewString()
	logger.Error(what+" panic",
		"correlation_id", correlationID,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()),
	)
	return fmt.Errorf("%s panic (correlation_id: %s)", what, correlationID)
}
