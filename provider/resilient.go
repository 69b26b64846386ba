package provider

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/release-edge/report"
	"github.com/wolfeidau/release-edge/telemetry"
)

// Defaults for Resilient.
const (
	DefaultRetryLimit       = 5
	DefaultOperationTimeout = 30 * time.Second
)

// Resilient retries a primary provider and fails over to a fallback once the
// retries are exhausted. Not-found, invalid key and unsatisfiable range
// results are returned straight away.
type Resilient struct {
	primary    Provider
	fallback   Provider
	retryLimit int
	timeout    time.Duration
	reporter   report.Reporter
	logger     *slog.Logger
}

// ResilientOption configures a Resilient provider.
type ResilientOption func(*Resilient)

// WithFallback sets the provider consulted after the primary gives up.
func WithFallback(p Provider) ResilientOption {
	return func(r *Resilient) {
		r.fallback = p
	}
}

// WithRetryLimit sets the number of attempts made against the primary.
func WithRetryLimit(n int) ResilientOption {
	return func(r *Resilient) {
		if n > 0 {
			r.retryLimit = n
		}
	}
}

// WithOperationTimeout bounds each attempt. For GetFile the deadline covers
// reading the body and is released when the body is closed.
func WithOperationTimeout(d time.Duration) ResilientOption {
	return func(r *Resilient) {
		r.timeout = d
	}
}

// WithReporter sets where exhausted retries are reported.
func WithReporter(rep report.Reporter) ResilientOption {
	return func(r *Resilient) {
		r.reporter = rep
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ResilientOption {
	return func(r *Resilient) {
		r.logger = logger
	}
}

// NewResilient wraps primary with retries and optional failover.
func NewResilient(primary Provider, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		primary:    primary,
		retryLimit: DefaultRetryLimit,
		timeout:    DefaultOperationTimeout,
		reporter:   (*report.Sink)(nil),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "resilient")
	return r
}

// HeadFile implements Provider.
func (r *Resilient) HeadFile(ctx context.Context, key string) (*File, error) {
	f, err := retry(ctx, r, "head_file", key, func(ctx context.Context) (*File, error) {
		return r.primary.HeadFile(ctx, key)
	}, fileItself)
	if !r.shouldFailover(ctx, err) {
		return f, err
	}
	telemetry.RecordFailover(ctx, "head_file")
	return r.fallback.HeadFile(ctx, key)
}

// GetFile implements Provider.
func (r *Resilient) GetFile(ctx context.Context, key string, cond Conditional) (*File, error) {
	f, err := retry(ctx, r, "get_file", key, func(ctx context.Context) (*File, error) {
		return r.primary.GetFile(ctx, key, cond)
	}, fileItself)
	if !r.shouldFailover(ctx, err) {
		return f, err
	}
	telemetry.RecordFailover(ctx, "get_file")
	return r.fallback.GetFile(ctx, key, cond)
}

// ReadDirectory implements Provider.
func (r *Resilient) ReadDirectory(ctx context.Context, key string) (*Directory, error) {
	dir, err := retry(ctx, r, "read_directory", key, func(ctx context.Context) (*Directory, error) {
		return r.primary.ReadDirectory(ctx, key)
	}, passthroughOf)
	if !r.shouldFailover(ctx, err) {
		return dir, err
	}
	telemetry.RecordFailover(ctx, "read_directory")
	return r.fallback.ReadDirectory(ctx, key)
}

func (r *Resilient) shouldFailover(ctx context.Context, err error) bool {
	return err != nil && r.fallback != nil && !isTerminal(err) && ctx.Err() == nil
}

// retry runs call up to retryLimit times, each under its own deadline.
// bodyOf exposes the streamed body of a result, if any, so the deadline can
// be held until it is closed.
func retry[T any](ctx context.Context, r *Resilient, op, key string, call func(context.Context) (T, error), bodyOf func(T) *File) (T, error) {
	var zero T
	var lastErr error

	attempts := 0
	for attempts < r.retryLimit {
		attempts++

		attemptCtx, cancel := r.attemptContext(ctx)
		res, err := call(attemptCtx)
		if err == nil {
			if f := bodyOf(res); f != nil && f.Body != nil {
				f.Body = &cancelOnClose{ReadCloser: f.Body, cancel: cancel}
			} else {
				cancel()
			}
			return res, nil
		}
		cancel()

		if isTerminal(err) {
			return zero, err
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, err
		}
		if attempts < r.retryLimit {
			telemetry.RecordRetry(ctx, op)
			r.logger.Debug("retrying storage operation",
				"op", op,
				"key", key,
				"attempt", attempts,
				"error", err,
			)
		}
	}

	r.reporter.Report(ctx, op, lastErr,
		slog.String("key", key),
		slog.Int("attempts", attempts),
	)
	return zero, lastErr
}

func (r *Resilient) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func fileItself(f *File) *File { return f }

func passthroughOf(d *Directory) *File {
	if d == nil {
		return nil
	}
	return d.Passthrough
}

// cancelOnClose releases an attempt's deadline once its body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}

var _ Provider = (*Resilient)(nil)
