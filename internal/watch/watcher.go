package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpalmerr/jobwatch"
	"github.com/jpalmerr/jobwatch/internal/store"
	"k8s.io/utils/clock"
)

// KindBatch identifies a batch target. Batch members are still recorded
// individually as jobs.
const KindBatch = "batch"

const (
	sessionUpdateBuffer = 64
	eventBuffer         = 256
	recordTimeout       = 5 * time.Second
)

var (
	// ErrNotRunning is returned by Refetch when Run is not active.
	ErrNotRunning = errors.New("watcher is not running")

	// ErrUnknownTarget is returned by Refetch for a resource that is not watched.
	ErrUnknownTarget = errors.New("unknown target")

	// ErrNotRefetchable is returned by Refetch for batch targets.
	ErrNotRefetchable = errors.New("batch targets cannot be refetched")
)

// Target is one thing to watch: a job, a model version, or a named batch of jobs.
type Target struct {
	// Kind is store.KindJob, store.KindVersion or [KindBatch].
	Kind string

	// ID is the resource UUID, or the batch name for batches.
	ID string

	// Jobs lists the batch members. Only used for batches.
	Jobs []string
}

// JobTarget watches one inference job.
func JobTarget(id string) Target {
	return Target{Kind: store.KindJob, ID: id}
}

// VersionTarget watches one model version build.
func VersionTarget(id string) Target {
	return Target{Kind: store.KindVersion, ID: id}
}

// BatchTarget watches a set of jobs with one status request per tick.
func BatchTarget(name string, jobs []string) Target {
	return Target{Kind: KindBatch, ID: name, Jobs: jobs}
}

func (t Target) key() string {
	return store.Key(t.Kind, t.ID)
}

// normalize validates the target and returns a copy with IDs in canonical form.
func (t Target) normalize() (Target, error) {
	switch t.Kind {
	case store.KindJob, store.KindVersion:
		id, err := uuid.Parse(t.ID)
		if err != nil {
			return Target{}, fmt.Errorf("%s id %q: %w", t.Kind, t.ID, err)
		}
		return Target{Kind: t.Kind, ID: id.String()}, nil
	case KindBatch:
		if t.ID == "" {
			return Target{}, errors.New("batch name is required")
		}
		jobs := make([]string, 0, len(t.Jobs))
		for _, raw := range t.Jobs {
			id, err := uuid.Parse(raw)
			if err != nil {
				return Target{}, fmt.Errorf("batch %q: job id %q: %w", t.ID, raw, err)
			}
			jobs = append(jobs, id.String())
		}
		return Target{Kind: KindBatch, ID: t.ID, Jobs: jobs}, nil
	default:
		return Target{}, fmt.Errorf("unknown target kind %q", t.Kind)
	}
}

// recordKeys returns the store keys the target writes to.
func (t Target) recordKeys() []string {
	if t.Kind != KindBatch {
		return []string{t.key()}
	}
	keys := make([]string, len(t.Jobs))
	for i, id := range t.Jobs {
		keys[i] = store.Key(store.KindJob, id)
	}
	return keys
}

// Fetcher is the subset of the marketplace client the watcher needs.
type Fetcher interface {
	GetJob(ctx context.Context, id uuid.UUID) (jobwatch.Job, error)
	GetModelVersion(ctx context.Context, id uuid.UUID) (jobwatch.ModelVersion, error)
	BatchJobStatus(ctx context.Context, ids []string) ([]jobwatch.Job, error)
}

// Result is the outcome of [Watcher.Run].
type Result struct {
	// Records holds the final status of every watched resource, ordered by key.
	Records []store.StatusRecord

	// Batches holds the last job summary of every batch that was fetched at least once.
	Batches map[string]jobwatch.JobSummary

	// Errored counts sessions whose last state was an error.
	Errored int
}

// Watcher runs one polling session per target and feeds their updates into
// a status store.
//
// Jobs and model versions get a [jobwatch.Poller] each; batches get a
// [jobwatch.MultiPoller]. Every applied fetch becomes a [store.StatusRecord]
// that is written to the store, passed to recorders and status callbacks,
// and logged when the status changes.
type Watcher struct {
	fetcher Fetcher
	targets []Target
	cfg     *watchConfig

	mu      sync.Mutex
	running map[string]*session
}

// New creates a [Watcher].
//
// Target IDs must be UUIDs and each resource may be watched only once,
// whether on its own or as a batch member. Defaults:
//   - Interval: [jobwatch.DefaultInterval]
//   - Store: a new [store.MemoryStore]
//   - Logger: slog.Default()
func New(fetcher Fetcher, targets []Target, opts ...Option) (*Watcher, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if len(targets) == 0 {
		return nil, errors.New("at least one target is required")
	}

	cfg := &watchConfig{
		interval: jobwatch.DefaultInterval,
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.store == nil {
		cfg.store = store.NewMemoryStore()
	}

	normalized := make([]Target, 0, len(targets))
	sessionKeys := make(map[string]bool, len(targets))
	recordKeys := make(map[string]string)
	for i, t := range targets {
		nt, err := t.normalize()
		if err != nil {
			return nil, fmt.Errorf("targets[%d]: %w", i, err)
		}
		if sessionKeys[nt.key()] {
			return nil, fmt.Errorf("duplicate target: %q", nt.key())
		}
		sessionKeys[nt.key()] = true

		// a resource watched twice would race on its store record
		for _, rk := range nt.recordKeys() {
			if owner, ok := recordKeys[rk]; ok {
				return nil, fmt.Errorf("%s is watched by both %s and %s", rk, owner, nt.key())
			}
			recordKeys[rk] = nt.key()
		}
		normalized = append(normalized, nt)
	}

	return &Watcher{
		fetcher: fetcher,
		targets: normalized,
		cfg:     cfg,
	}, nil
}

// Store returns the status store the watcher writes to.
func (w *Watcher) Store() store.Store {
	return w.cfg.store
}

// Targets returns a copy of the normalized targets.
func (w *Watcher) Targets() []Target {
	cp := make([]Target, len(w.targets))
	for i, t := range w.targets {
		cp[i] = Target{Kind: t.Kind, ID: t.ID, Jobs: append([]string(nil), t.Jobs...)}
	}
	return cp
}

// Run starts every session and blocks until ctx is cancelled or, with
// [WithExitOnComplete], until every session has settled (terminal or
// error). All sessions are stopped before Run returns.
//
// Returns an error only if a session could not be created.
func (w *Watcher) Run(ctx context.Context) (Result, error) {
	logger := w.cfg.logger
	logger.Info("jobwatch starting",
		"targets", len(w.targets),
		"interval", w.cfg.interval.String(),
		"exit_on_complete", w.cfg.exitOnComplete,
	)

	if ctx.Err() != nil {
		return Result{Records: w.cfg.store.GetAll()}, nil
	}

	events := make(chan event, eventBuffer)
	quit := make(chan struct{})

	sessions := make(map[string]*session, len(w.targets))
	for _, t := range w.targets {
		s, err := w.newSession(t, events, quit)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", t.key(), err)
		}
		sessions[t.key()] = s
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.forward()
		}()
		s.start(ctx)
	}

	w.mu.Lock()
	w.running = sessions
	w.mu.Unlock()

	st := newRunState()
	w.loop(ctx, events, st, len(sessions))

	w.mu.Lock()
	w.running = nil
	w.mu.Unlock()

	close(quit)
	for _, s := range sessions {
		s.stop()
	}
	wg.Wait()

	result := st.result(w.cfg.store.GetAll())
	logger.Info("jobwatch stopped", "resources", len(result.Records), "errored", result.Errored)
	return result, nil
}

// Refetch triggers an immediate fetch for a watched job or model version,
// bypassing any rate-limit backoff. It is how a session halted by an error
// is resumed.
func (w *Watcher) Refetch(ctx context.Context, kind, id string) error {
	if parsed, err := uuid.Parse(id); err == nil {
		id = parsed.String()
	}
	key := store.Key(kind, id)

	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if running == nil {
		return ErrNotRunning
	}

	s, ok := running[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, key)
	}
	if s.refetch == nil {
		return ErrNotRefetchable
	}
	return s.refetch(ctx)
}

func (w *Watcher) loop(ctx context.Context, events <-chan event, st *runState, total int) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			w.handle(ctx, ev, st)
			if w.cfg.exitOnComplete && st.allSettled(total) {
				w.cfg.logger.Info("all sessions settled")
				return
			}
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev event, st *runState) {
	if ev.closed {
		st.settled[ev.key] = true
		return
	}
	st.states[ev.key] = ev.state
	st.settled[ev.key] = ev.state.Settled()

	for _, r := range ev.records {
		w.cfg.store.Update(r)
		w.record(ctx, r)
		for _, cb := range w.cfg.callbacks {
			invokeCallbackSafe(cb, r, w.cfg.logger)
		}
		w.logRecord(r, st)
	}

	if ev.summary != nil {
		prev, seen := st.batches[ev.batch]
		st.batches[ev.batch] = *ev.summary
		if !seen || prev.Succeeded != ev.summary.Succeeded || prev.Failed != ev.summary.Failed {
			w.cfg.logger.Info("batch progress",
				"batch", ev.batch,
				"total", ev.summary.Total,
				"succeeded", ev.summary.Succeeded,
				"failed", ev.summary.Failed,
				"in_progress", ev.summary.InProgress,
			)
		}
		if ev.state == jobwatch.StateTerminal && len(ev.summary.FailedIDs) > 0 {
			w.cfg.logger.Warn("batch finished with failed jobs",
				"batch", ev.batch,
				"failed_ids", ev.summary.FailedIDs,
			)
		}
	}
}

func (w *Watcher) record(ctx context.Context, r store.StatusRecord) {
	for _, rec := range w.cfg.recorders {
		rctx, cancel := context.WithTimeout(ctx, recordTimeout)
		err := rec.Record(rctx, r)
		cancel()
		if err != nil {
			w.cfg.logger.Warn("status mirror failed", "resource", r.Key(), "error", err.Error())
		}
	}
}

// logRecord logs status changes at INFO and every other poll at DEBUG.
func (w *Watcher) logRecord(r store.StatusRecord, st *runState) {
	attrs := []any{
		"kind", r.Kind,
		"id", r.ID,
		"status", r.Status,
		"state", r.State,
	}
	if r.Batch != "" {
		attrs = append(attrs, "batch", r.Batch)
	}

	if r.Error != nil {
		if st.lastError[r.Key()] != *r.Error {
			w.cfg.logger.Warn("poll failed", append(attrs, "error", *r.Error)...)
		}
		st.lastError[r.Key()] = *r.Error
		return
	}
	delete(st.lastError, r.Key())

	if prev, ok := st.lastStatus[r.Key()]; ok && prev == r.Status {
		w.cfg.logger.Debug("status unchanged", attrs...)
		return
	}
	st.lastStatus[r.Key()] = r.Status
	w.cfg.logger.Info("status changed", attrs...)
}

// invokeCallbackSafe calls a status callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(store.StatusRecord), r store.StatusRecord, logger *slog.Logger) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("status callback panicked",
				"panic", p,
				"resource", r.Key(),
			)
		}
	}()
	cb(r)
}

// runState is owned by the Run loop goroutine.
type runState struct {
	settled    map[string]bool
	states     map[string]jobwatch.State
	batches    map[string]jobwatch.JobSummary
	lastStatus map[string]string
	lastError  map[string]string
}

func newRunState() *runState {
	return &runState{
		settled:    make(map[string]bool),
		states:     make(map[string]jobwatch.State),
		batches:    make(map[string]jobwatch.JobSummary),
		lastStatus: make(map[string]string),
		lastError:  make(map[string]string),
	}
}

func (st *runState) allSettled(total int) bool {
	if len(st.settled) < total {
		return false
	}
	for _, s := range st.settled {
		if !s {
			return false
		}
	}
	return true
}

func (st *runState) result(records []store.StatusRecord) Result {
	res := Result{
		Records: records,
		Batches: make(map[string]jobwatch.JobSummary, len(st.batches)),
	}
	for name, summary := range st.batches {
		res.Batches[name] = summary
	}
	for _, state := range st.states {
		if state == jobwatch.StateError {
			res.Errored++
		}
	}
	return res
}
