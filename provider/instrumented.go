package provider

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/release-edge/telemetry"
)

// Instrumented wraps a Provider with metrics recording.
type Instrumented struct {
	provider Provider
	name     string
}

// NewInstrumented creates an instrumented provider wrapper. name labels the
// metrics, for example "s3" or "origin".
func NewInstrumented(p Provider, name string) *Instrumented {
	return &Instrumented{provider: p, name: name}
}

// HeadFile implements Provider.
func (ip *Instrumented) HeadFile(ctx context.Context, key string) (*File, error) {
	start := time.Now()
	f, err := ip.provider.HeadFile(ctx, key)
	telemetry.RecordBackendOp(ctx, ip.name, "head_file", outcomeFromError(err), time.Since(start), 0)
	return f, err
}

// GetFile implements Provider. Bytes are counted as the body is read and
// recorded when it is closed.
func (ip *Instrumented) GetFile(ctx context.Context, key string, cond Conditional) (*File, error) {
	start := time.Now()
	f, err := ip.provider.GetFile(ctx, key, cond)
	if err != nil || f.Body == nil {
		telemetry.RecordBackendOp(ctx, ip.name, "get_file", outcomeFromError(err), time.Since(start), 0)
		return f, err
	}
	f.Body = &countingBody{
		ReadCloser: f.Body,
		done: func(n int64) {
			telemetry.RecordBackendOp(ctx, ip.name, "get_file", "success", time.Since(start), n)
		},
	}
	return f, nil
}

// ReadDirectory implements Provider.
func (ip *Instrumented) ReadDirectory(ctx context.Context, key string) (*Directory, error) {
	start := time.Now()
	dir, err := ip.provider.ReadDirectory(ctx, key)
	telemetry.RecordBackendOp(ctx, ip.name, "read_directory", outcomeFromError(err), time.Since(start), 0)
	return dir, err
}

// Unwrap returns the underlying provider.
func (ip *Instrumented) Unwrap() Provider {
	return ip.provider
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// countingBody counts bytes read and reports the total once on close.
type countingBody struct {
	io.ReadCloser
	n      int64
	done   func(n int64)
	closed bool
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	if !b.closed {
		b.closed = true
		b.done(b.n)
	}
	return b.ReadCloser.Close()
}

var _ Provider = (*Instrumented)(nil)
