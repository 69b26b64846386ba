package edgecache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wolfeidau/release-edge/provider"
	"github.com/wolfeidau/release-edge/router"
	"github.com/wolfeidau/release-edge/tasks"
	"github.com/wolfeidau/release-edge/telemetry"
)

// StatusHeader reports whether a response came from the edge cache.
const StatusHeader = "X-Cache-Status"

// Cached wraps a handler with the edge cache. Only 200 responses the handler
// produced itself are stored; anything it delegated to a later handler is
// returned untouched.
type Cached struct {
	name          string
	handler       router.Handler
	store         Store
	scheduler     tasks.Submitter
	enabled       bool
	maxEntryBytes int64
	now           func() time.Time
	logger        *slog.Logger
}

// CachedOption configures a Cached handler.
type CachedOption func(*Cached)

// WithMaxEntryBytes sets the largest body that will be stored.
func WithMaxEntryBytes(n int64) CachedOption {
	return func(c *Cached) {
		if n > 0 {
			c.maxEntryBytes = n
		}
	}
}

// WithCachedLogger sets the logger.
func WithCachedLogger(logger *slog.Logger) CachedOption {
	return func(c *Cached) {
		c.logger = logger
	}
}

// NewCached wraps handler. name selects the store partition and must be
// unique per wrapped handler.
func NewCached(name string, handler router.Handler, store Store, scheduler tasks.Submitter, enabled bool, opts ...CachedOption) *Cached {
	c := &Cached{
		name:          name,
		handler:       handler,
		store:         store,
		scheduler:     scheduler,
		enabled:       enabled,
		maxEntryBytes: DefaultMaxEntryBytes,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "edgecache", "partition", name)
	return c
}

// Key returns the cache key for a request.
func Key(req *router.Request) string {
	return req.URL.EscapedPath()
}

// Handle implements router.Handler.
func (c *Cached) Handle(req *router.Request, next router.Next) (*router.Response, error) {
	if !c.enabled || req.Method == http.MethodHead || !lookupAllowed(req.Header) || rendersClientPath(req) {
		telemetry.SetCacheResult(req.Request, telemetry.CacheBypass)
		return c.handler.Handle(req, next)
	}

	ctx := req.Context()
	key := Key(req)

	if e, ok := c.store.Get(ctx, c.name, key); ok {
		telemetry.RecordCacheLookup(ctx, c.name, telemetry.CacheHit)
		telemetry.SetCacheResult(req.Request, telemetry.CacheHit)
		if e.notModified(provider.ParseConditional(req.Header)) {
			return e.notModifiedResponse(), nil
		}
		return e.response("hit"), nil
	}
	telemetry.RecordCacheLookup(ctx, c.name, telemetry.CacheMiss)
	telemetry.SetCacheResult(req.Request, telemetry.CacheMiss)

	delegated := false
	tracked := func() (*router.Response, error) {
		delegated = true
		return next()
	}

	resp, err := c.handler.Handle(req, tracked)
	if err != nil || resp == nil || delegated || resp.StatusCode != http.StatusOK {
		return resp, err
	}
	if !storable(resp.Header) {
		telemetry.RecordCacheStore(ctx, c.name, "uncacheable")
		return resp, nil
	}
	return c.store200(ctx, key, resp)
}

// store200 buffers resp, schedules the write and returns a response reading
// from the buffer.
func (c *Cached) store200(ctx context.Context, key string, resp *router.Response) (*router.Response, error) {
	if resp.Body == nil {
		resp.Body = http.NoBody
	}
	if cl, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && cl > c.maxEntryBytes {
		telemetry.RecordCacheStore(ctx, c.name, "too_large")
		return resp, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxEntryBytes+1))
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("edgecache: buffering %s: %w", key, err)
	}
	if int64(len(data)) > c.maxEntryBytes {
		telemetry.RecordCacheStore(ctx, c.name, "too_large")
		resp.Body = &joinedBody{Reader: io.MultiReader(bytes.NewReader(data), resp.Body), closer: resp.Body}
		return resp, nil
	}
	_ = resp.Body.Close()

	entry := &Entry{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
		StoredAt:   c.now(),
	}
	route := telemetry.RouteFromContext(ctx)
	err = c.scheduler.Submit("edgecache.put", func(taskCtx context.Context) error {
		taskCtx = telemetry.WithRouteContext(taskCtx, route)
		if err := c.store.Put(taskCtx, c.name, key, entry); err != nil {
			telemetry.RecordCacheStore(taskCtx, c.name, "error")
			return fmt.Errorf("edgecache: storing %s: %w", key, err)
		}
		telemetry.RecordCacheStore(taskCtx, c.name, "success")
		return nil
	})
	if err != nil {
		telemetry.RecordCacheStore(ctx, c.name, "dropped")
		c.logger.Debug("cache write not scheduled", "key", key, "error", err)
	}

	resp.Header.Set(StatusHeader, "miss")
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

// lookupAllowed reports whether a stored 200 can answer a request with
// these headers. Ranges and preconditions that can fail with 412 always go
// to the handler.
func lookupAllowed(h http.Header) bool {
	return h.Get("Range") == "" && h.Get("If-Match") == "" && h.Get("If-Unmodified-Since") == ""
}

// rendersClientPath reports whether a substituted request asks for a
// directory. Listings link relative to the path the client sent, so the body
// for /dist/latest/ must never be shared with /dist/v22.1.0/.
func rendersClientPath(req *router.Request) bool {
	return req.UnsubstitutedURL != nil && strings.HasSuffix(req.URL.Path, "/")
}

// storable reports whether the Cache-Control on a response lets a shared
// cache keep it. Failover answers from the origin are marked private.
func storable(h http.Header) bool {
	for _, v := range h.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "private", "no-store", "no-cache":
				return false
			}
		}
	}
	return true
}

// notModified evaluates If-None-Match, or If-Modified-Since when no etag was
// sent, against the stored validators.
func (e *Entry) notModified(cond provider.Conditional) bool {
	if cond.IfNoneMatch != "" {
		etag := strings.Trim(strings.TrimPrefix(e.Header.Get("ETag"), "W/"), `"`)
		return cond.IfNoneMatch == "*" || (etag != "" && cond.IfNoneMatch == etag)
	}
	if cond.IfModifiedSince == nil {
		return false
	}
	modified, err := http.ParseTime(e.Header.Get("Last-Modified"))
	return err == nil && !modified.After(*cond.IfModifiedSince)
}

func (e *Entry) notModifiedResponse() *router.Response {
	resp := &router.Response{StatusCode: http.StatusNotModified, Header: e.Header.Clone()}
	resp.Header.Del("Content-Length")
	resp.Header.Set("Cache-Control", provider.CacheControl(http.StatusNotModified))
	resp.Header.Set(StatusHeader, "hit")
	return resp
}

func (e *Entry) response(status string) *router.Response {
	resp := &router.Response{
		StatusCode: e.StatusCode,
		Header:     e.Header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(e.Body)),
	}
	resp.Header.Set(StatusHeader, status)
	return resp
}

// joinedBody reads the buffered prefix followed by the rest of the original
// body and closes the original.
type joinedBody struct {
	io.Reader
	closer io.Closer
}

func (b *joinedBody) Close() error {
	return b.closer.Close()
}

var _ router.Handler = (*Cached)(nil)
