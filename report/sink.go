// Package report is the process-wide error sink. Every error that is
// recovered from locally (a deferred handler, an exhausted retry loop, a
// failed background task) is logged here and counted.
package report

import (
	"context"
	"log/slog"

	"github.com/wolfeidau/release-edge/telemetry"
)

// Reporter accepts errors for offline diagnosis.
type Reporter interface {
	Report(ctx context.Context, op string, err error, attrs ...slog.Attr)
}

// Sink logs reported errors at error level and increments
// release_edge_errors_total. A nil *Sink discards everything.
type Sink struct {
	logger *slog.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger for the sink.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

// New creates a Sink.
func New(opts ...Option) *Sink {
	s := &Sink{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "report")
	return s
}

// Report records err against op. attrs typically carry the storage key and
// attempt count.
func (s *Sink) Report(ctx context.Context, op string, err error, attrs ...slog.Attr) {
	if s == nil || err == nil {
		return
	}

	all := make([]slog.Attr, 0, len(attrs)+3)
	all = append(all, slog.String("op", op), slog.String("error", err.Error()))
	if id := telemetry.RequestIDFromContext(ctx); id != "" {
		all = append(all, slog.String("request_id", id))
	}
	all = append(all, attrs...)

	s.logger.LogAttrs(ctx, slog.LevelError, "error reported", all...)
	telemetry.RecordError(ctx, op)
}

var _ Reporter = (*Sink)(nil)
