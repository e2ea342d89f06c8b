package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// step is a named start/stop pair. Either func may be nil.
type step struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context) error
}

// Lifecycle manages the startup and shutdown of trainer components.
// Steps start in registration order and stop in reverse.
type Lifecycle struct {
	mu      sync.Mutex
	steps   []step
	started int // number of steps whose start has run
	running bool
	logger  *slog.Logger
}

// NewLifecycle creates a new lifecycle manager.
func NewLifecycle(logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{logger: logger}
}

// Add registers a named step.
func (l *Lifecycle) Add(name string, start, stop func(context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, step{name: name, start: start, stop: stop})
}

// OnStop registers a stop-only step.
func (l *Lifecycle) OnStop(name string, stop func(context.Context) error) {
	l.Add(name, nil, stop)
}

// RegisterCloser registers a closer to be closed on shutdown.
func (l *Lifecycle) RegisterCloser(name string, c io.Closer) {
	l.OnStop(name, func(context.Context) error {
		return c.Close()
	})
}

// Start runs every start func. When one fails, the steps already started
// are stopped in reverse order and the error is returned.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return errors.New("lifecycle already started")
	}

	for i, s := range l.steps {
		if s.start != nil {
			if err := s.start(ctx); err != nil {
				l.stopFrom(ctx, i)
				l.started = 0
				return fmt.Errorf("starting %s: %w", s.name, err)
			}
		}
		l.started = i + 1
	}

	l.running = true
	return nil
}

// stopFrom stops steps [0, n) in reverse and returns their errors.
func (l *Lifecycle) stopFrom(ctx context.Context, n int) []error {
	var errs []error
	for i := n - 1; i >= 0; i-- {
		s := l.steps[i]
		if s.stop == nil {
			continue
		}
		if err := s.stop(ctx); err != nil {
			l.logger.Warn("lifecycle: stop failed", "step", s.name, "error", err)
			errs = append(errs, fmt.Errorf("stopping %s: %w", s.name, err))
		}
	}
	return errs
}

// Stop runs all stop funcs in reverse order. Stopping a lifecycle that was
// never started is a no-op.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return nil
	}

	errs := l.stopFrom(ctx, l.started)
	l.running = false
	l.started = 0
	return errors.Join(errs...)
}

// IsStarted returns whether the lifecycle has been started.
func (l *Lifecycle) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
