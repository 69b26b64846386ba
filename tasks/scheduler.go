// Package tasks runs fire-and-forget background work that must finish before
// the process exits, such as writing responses into the edge cache.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/release-edge/report"
)

// Defaults for Scheduler.
const (
	DefaultConcurrency = 32
	DefaultTaskTimeout = 30 * time.Second
)

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("tasks: scheduler closed")

// ErrBusy is returned by Submit when every worker slot is taken.
var ErrBusy = errors.New("tasks: scheduler at capacity")

// Func is a unit of background work.
type Func func(ctx context.Context) error

// Submitter accepts background work.
type Submitter interface {
	Submit(name string, fn Func) error
}

// Scheduler runs submitted tasks with bounded concurrency. Tasks do not
// inherit the submitting request's context, so they outlive the response.
type Scheduler struct {
	group    errgroup.Group
	base     context.Context
	cancel   context.CancelFunc
	timeout  time.Duration
	reporter report.Reporter
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConcurrency bounds the number of tasks running at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.group.SetLimit(n)
		}
	}
}

// WithTaskTimeout bounds each task.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.timeout = d
	}
}

// WithReporter sets where failed tasks are reported.
func WithReporter(r report.Reporter) Option {
	return func(s *Scheduler) {
		s.reporter = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New creates a Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		timeout:  DefaultTaskTimeout,
		reporter: (*report.Sink)(nil),
		logger:   slog.Default(),
	}
	s.group.SetLimit(DefaultConcurrency)
	for _, opt := range opts {
		opt(s)
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	s.logger = s.logger.With("component", "tasks")
	return s
}

// Submit starts fn in the background. It never blocks: when all slots are
// busy the task is dropped and ErrBusy returned.
func (s *Scheduler) Submit(name string, fn Func) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	started := s.group.TryGo(func() error {
		s.run(name, fn)
		return nil
	})
	if !started {
		s.logger.Warn("dropping background task", "task", name)
		return ErrBusy
	}
	return nil
}

func (s *Scheduler) run(name string, fn Func) {
	ctx, cancel := context.WithTimeout(s.base, s.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.reporter.Report(ctx, "task", fmt.Errorf("task %s panicked: %v", name, r), slog.String("task", name))
		}
	}()

	if err := fn(ctx); err != nil {
		s.reporter.Report(ctx, "task", err, slog.String("task", name))
	}
}

// Close stops accepting tasks and waits for running ones to finish or for
// ctx to expire, whichever comes first. Tasks still running when ctx expires
// have their contexts cancelled.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

var _ Submitter = (*Scheduler)(nil)
