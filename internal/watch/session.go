package watch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jpalmerr/jobwatch"
	"github.com/jpalmerr/jobwatch/internal/store"
)

// session adapts a Poller or MultiPoller to a uniform lifecycle.
type session struct {
	start   func(context.Context)
	stop    func()
	forward func()

	// nil for batches
	refetch func(context.Context) error
}

// event carries one applied fetch from a session to the Run loop.
type event struct {
	key     string
	batch   string
	state   jobwatch.State
	records []store.StatusRecord
	summary *jobwatch.JobSummary

	// closed marks the end of a session's update stream.
	closed bool
}

func (w *Watcher) newSession(t Target, events chan<- event, quit <-chan struct{}) (*session, error) {
	opts := w.cfg.pollOptions(t.key())

	switch t.Kind {
	case store.KindJob:
		id := uuid.MustParse(t.ID)
		p, err := jobwatch.NewPoller(func(ctx context.Context) (jobwatch.Job, error) {
			return w.fetcher.GetJob(ctx, id)
		}, jobwatch.JobInProgress, opts...)
		if err != nil {
			return nil, err
		}
		return &session{
			start:   p.Start,
			stop:    p.Stop,
			forward: func() { forwardPoller(t, p.Updates(), jobStatus, events, quit) },
			refetch: func(ctx context.Context) error {
				_, err := p.Refetch(ctx)
				return err
			},
		}, nil

	case store.KindVersion:
		id := uuid.MustParse(t.ID)
		p, err := jobwatch.NewPoller(func(ctx context.Context) (jobwatch.ModelVersion, error) {
			return w.fetcher.GetModelVersion(ctx, id)
		}, jobwatch.VersionInProgress, opts...)
		if err != nil {
			return nil, err
		}
		return &session{
			start:   p.Start,
			stop:    p.Stop,
			forward: func() { forwardPoller(t, p.Updates(), versionStatus, events, quit) },
			refetch: func(ctx context.Context) error {
				_, err := p.Refetch(ctx)
				return err
			},
		}, nil

	case KindBatch:
		m, err := jobwatch.NewMultiPoller(t.Jobs, w.fetcher.BatchJobStatus, jobwatch.JobKey, jobwatch.JobDone, opts...)
		if err != nil {
			return nil, err
		}
		return &session{
			start:   m.Start,
			stop:    m.Stop,
			forward: func() { forwardBatch(t, m.Updates(), events, quit) },
		}, nil
	}

	return nil, fmt.Errorf("unknown target kind %q", t.Kind)
}

func jobStatus(j jobwatch.Job) (string, bool) {
	return j.Status.String(), j.Status.IsTerminal()
}

func versionStatus(v jobwatch.ModelVersion) (string, bool) {
	return v.Status.String(), v.Status.IsTerminal()
}

// send delivers ev unless the Run loop has quit.
func send(events chan<- event, quit <-chan struct{}, ev event) bool {
	select {
	case events <- ev:
		return true
	case <-quit:
		return false
	}
}

func forwardPoller[T any](t Target, updates <-chan jobwatch.Update[T], status func(T) (string, bool), events chan<- event, quit <-chan struct{}) {
	for u := range updates {
		r := store.StatusRecord{
			Kind:      t.Kind,
			ID:        t.ID,
			State:     u.State.String(),
			CheckedAt: u.At,
			Error:     errString(u.Err),
		}
		if u.HasResource {
			r.Status, r.Terminal = status(u.Resource)
		}
		if !send(events, quit, event{key: t.key(), state: u.State, records: []store.StatusRecord{r}}) {
			return
		}
	}
	send(events, quit, event{key: t.key(), closed: true})
}

func forwardBatch(t Target, updates <-chan jobwatch.BatchUpdate[jobwatch.Job], events chan<- event, quit <-chan struct{}) {
	for u := range updates {
		state := jobwatch.StatePolling
		switch {
		case u.Err != nil:
			state = jobwatch.StateError
		case u.Complete:
			state = jobwatch.StateTerminal
		}

		summary := jobwatch.SummarizeJobs(u.Statuses)
		ev := event{
			key:     t.key(),
			batch:   t.ID,
			state:   state,
			records: batchRecords(t, u, state),
			summary: &summary,
		}
		if !send(events, quit, ev) {
			return
		}
	}
	send(events, quit, event{key: t.key(), batch: t.ID, closed: true})
}

// batchRecords builds one record per batch member. Members the server
// omitted keep an empty status.
func batchRecords(t Target, u jobwatch.BatchUpdate[jobwatch.Job], state jobwatch.State) []store.StatusRecord {
	errMsg := errString(u.Err)
	records := make([]store.StatusRecord, 0, len(t.Jobs))
	for _, id := range t.Jobs {
		r := store.StatusRecord{
			Kind:      store.KindJob,
			ID:        id,
			Batch:     t.ID,
			State:     state.String(),
			CheckedAt: u.At,
			Error:     errMsg,
		}
		if j, ok := u.Statuses[id]; ok {
			r.Status, r.Terminal = jobStatus(j)
			if r.Terminal && errMsg == nil {
				r.State = jobwatch.StateTerminal.String()
			}
		}
		records = append(records, r)
	}
	return records
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
