package procpipe

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/panjf2000/ants/v2"
)

const (
	// DefaultKillGrace bounds how long Kill waits for a killed process to be reclaimed.
	DefaultKillGrace = 5 * time.Second
	// DefaultOutputLimit bounds the captured standard output (and standard error) of a process.
	DefaultOutputLimit = 4 << 20
)

// Option configures a Pool, or a Handle created with Spawn.
// WithWorkerOptions only applies to a Pool and is ignored by Spawn.
type Option func(*settings)

type settings struct {
	logger      *slog.Logger
	killGrace   time.Duration
	outputLimit int
	workerOpts  []ants.Option
	kill        func(*os.Process) error
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		killGrace:   DefaultKillGrace,
		outputLimit: DefaultOutputLimit,
		kill:        killProcess,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithLogger sets the logger. Nothing is logged by default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithKillGrace sets how long Kill waits before reporting a leaked process.
func WithKillGrace(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.killGrace = d
		}
	}
}

// WithOutputLimit sets the maximum number of captured output bytes per stream. Extra bytes are drained and dropped.
func WithOutputLimit(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.outputLimit = n
		}
	}
}

// WithWorkerOptions forwards options to the underlying ants pool (panic handler, expiry duration...).
// Pool size and blocking mode are owned by the Pool and cannot be overridden. Spawn ignores it.
func WithWorkerOptions(opts ...ants.Option) Option {
	return func(s *settings) {
		s.workerOpts = append(s.workerOpts, opts...)
	}
}
