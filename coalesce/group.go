// Package coalesce deduplicates concurrent calls for the same key. When many
// requests ask for the same uncached listing or metadata at once, only one
// call reaches the store.
package coalesce

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Func produces the shared value. The context passed to it is detached from
// any single caller's cancellation so one caller giving up does not fail the
// call for the other waiters.
type Func[T any] func(ctx context.Context) (T, error)

// Group deduplicates concurrent calls by key using singleflight. It uses
// DoChan so each caller can respect its own context deadline.
type Group[T any] struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Group.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a Group.
func New[T any](opts ...Option) *Group[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group[T]{logger: o.logger}
}

// Do runs fn once for all concurrent callers with the same key. It returns
// the value, whether it was shared with another caller, and any error.
//
// If the caller's context ends first, Do returns the context error while the
// call carries on for the remaining waiters.
func (g *Group[T]) Do(ctx context.Context, key string, fn Func[T]) (T, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	var zero T
	select {
	case res := <-ch:
		if res.Shared {
			g.logger.Debug("coalesced call", "key", key)
		}
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Forget drops key so the next call starts a fresh one.
func (g *Group[T]) Forget(key string) {
	g.group.Forget(key)
}
