package jobwatch

import (
	"errors"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

const (
	// DefaultInterval is the delay between the completion of one fetch and
	// the start of the next.
	DefaultInterval = 5 * time.Second

	defaultUpdateBuffer = 16
)

// pollConfig holds mutable state during poller construction.
type pollConfig struct {
	interval     time.Duration
	logger       *slog.Logger
	clock        clock.Clock
	name         string
	updateBuffer int
}

func newPollConfig(opts []Option) (*pollConfig, error) {
	cfg := &pollConfig{
		interval:     DefaultInterval,
		clock:        clock.RealClock{},
		updateBuffer: defaultUpdateBuffer,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.name != "" {
		cfg.logger = cfg.logger.With("session", cfg.name)
	}
	return cfg, nil
}

// Option configures a [Poller] or [MultiPoller] during construction.
//
// Option implements the functional options pattern. Options return an
// error if validation fails, which is propagated by the constructor.
type Option func(*pollConfig) error

// WithInterval sets the delay between the end of one fetch and the start
// of the next. Defaults to [DefaultInterval].
//
// Returns an error if the duration is zero or negative.
func WithInterval(d time.Duration) Option {
	return func(cfg *pollConfig) error {
		if d <= 0 {
			return errors.New("polling interval must be positive")
		}
		cfg.interval = d
		return nil
	}
}

// WithLogger sets the logger for session events (rate limiting, failures,
// recovered panics). If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *pollConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithClock sets the clock used for scheduling ticks and computing backoff
// deadlines. Tests inject a fake clock to control time deterministically.
func WithClock(c clock.Clock) Option {
	return func(cfg *pollConfig) error {
		if c == nil {
			return errors.New("clock cannot be nil")
		}
		cfg.clock = c
		return nil
	}
}

// WithName labels the session in log output, e.g. "job/2f1c...".
func WithName(name string) Option {
	return func(cfg *pollConfig) error {
		cfg.name = name
		return nil
	}
}

// WithUpdateBuffer sets the capacity of the Updates channel. When the
// buffer is full, new updates are dropped rather than blocking the session.
func WithUpdateBuffer(n int) Option {
	return func(cfg *pollConfig) error {
		if n < 1 {
			return errors.New("update buffer must be at least 1")
		}
		cfg.updateBuffer = n
		return nil
	}
}
