package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// RequestIDHeader carries the edge request id to upstreams and back to clients.
const RequestIDHeader = "X-Request-ID"

// UpstreamTransport is the round tripper used for requests the edge makes to
// an upstream such as the origin mirror. It forwards the request id found in
// the request context and records fetch metrics once the body is closed.
type UpstreamTransport struct {
	base      http.RoundTripper
	upstream  string
	userAgent string
}

// NewUpstreamTransport wraps base for the named upstream. A nil base means
// http.DefaultTransport.
func NewUpstreamTransport(base http.RoundTripper, upstream, userAgent string) *UpstreamTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &UpstreamTransport{base: base, upstream: upstream, userAgent: userAgent}
}

func (t *UpstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	id := RequestIDFromContext(ctx)
	if id != "" || t.userAgent != "" {
		req = req.Clone(ctx)
		if id != "" && req.Header.Get(RequestIDHeader) == "" {
			req.Header.Set(RequestIDHeader, id)
		}
		if t.userAgent != "" {
			req.Header.Set("User-Agent", t.userAgent)
		}
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "canceled"
		}
		RecordUpstreamFetch(ctx, t.upstream, time.Since(start), 0, outcome)
		return nil, err
	}

	resp.Body = &countingBody{
		ReadCloser: resp.Body,
		ctx:        ctx,
		upstream:   t.upstream,
		start:      start,
		outcome:    fetchOutcome(resp.StatusCode),
	}
	return resp, nil
}

func fetchOutcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status == http.StatusNotFound:
		return "not_found"
	case status >= 400:
		return "4xx"
	case status == http.StatusNotModified:
		return "not_modified"
	case status == http.StatusPartialContent:
		return "partial"
	default:
		return "success"
	}
}

// countingBody records the fetch on the first Close.
type countingBody struct {
	io.ReadCloser
	ctx      context.Context
	upstream string
	start    time.Time
	bytes    int64
	outcome  string
	done     bool
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	if !b.done {
		b.done = true
		RecordUpstreamFetch(b.ctx, b.upstream, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
