package watch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jpalmerr/jobwatch"
	"github.com/jpalmerr/jobwatch/internal/store"
	"k8s.io/utils/clock"
)

// Recorder receives every status record after it is stored, e.g. the Redis
// mirror in package cache.
type Recorder interface {
	Record(ctx context.Context, r store.StatusRecord) error
}

// watchConfig holds mutable state during watcher construction.
type watchConfig struct {
	interval       time.Duration
	clock          clock.Clock
	logger         *slog.Logger
	store          store.Store
	recorders      []Recorder
	callbacks      []func(store.StatusRecord)
	exitOnComplete bool
}

// Option configures a [Watcher].
type Option func(*watchConfig) error

// WithInterval sets the polling interval for every session.
func WithInterval(d time.Duration) Option {
	return func(cfg *watchConfig) error {
		if d <= 0 {
			return errors.New("polling interval must be positive")
		}
		cfg.interval = d
		return nil
	}
}

// WithClock sets the clock shared by all sessions.
func WithClock(c clock.Clock) Option {
	return func(cfg *watchConfig) error {
		if c == nil {
			return errors.New("clock cannot be nil")
		}
		cfg.clock = c
		return nil
	}
}

// WithLogger sets the logger. If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *watchConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithStore sets the status store. Defaults to a new [store.MemoryStore].
func WithStore(s store.Store) Option {
	return func(cfg *watchConfig) error {
		if s == nil {
			return errors.New("store cannot be nil")
		}
		cfg.store = s
		return nil
	}
}

// WithRecorder adds a [Recorder]. Recorder failures are logged and do not
// stop the watch.
func WithRecorder(r Recorder) Option {
	return func(cfg *watchConfig) error {
		if r == nil {
			return errors.New("recorder cannot be nil")
		}
		cfg.recorders = append(cfg.recorders, r)
		return nil
	}
}

// WithStatusCallback registers a function called with every status record.
//
// Callbacks run synchronously on the watcher's event loop, so they should
// return quickly. Panics are recovered and logged.
func WithStatusCallback(cb func(store.StatusRecord)) Option {
	return func(cfg *watchConfig) error {
		if cb == nil {
			return errors.New("status callback cannot be nil")
		}
		cfg.callbacks = append(cfg.callbacks, cb)
		return nil
	}
}

// WithExitOnComplete makes [Watcher.Run] return once every session has
// settled, instead of running until the context is cancelled.
func WithExitOnComplete(exit bool) Option {
	return func(cfg *watchConfig) error {
		cfg.exitOnComplete = exit
		return nil
	}
}

func (cfg *watchConfig) pollOptions(name string) []jobwatch.Option {
	return []jobwatch.Option{
		jobwatch.WithInterval(cfg.interval),
		jobwatch.WithClock(cfg.clock),
		jobwatch.WithLogger(cfg.logger),
		jobwatch.WithName(name),
		jobwatch.WithUpdateBuffer(sessionUpdateBuffer),
	}
}
