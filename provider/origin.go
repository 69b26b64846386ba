package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/release-edge/resolve"
	"github.com/wolfeidau/release-edge/telemetry"
)

const originUserAgent = "release-edge"

// forwardedHeaders are copied from origin responses.
var forwardedHeaders = []string{
	"ETag",
	"Accept-Ranges",
	"Access-Control-Allow-Origin",
	"Last-Modified",
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Content-Encoding",
	"Content-Language",
	"Content-Disposition",
	"Expires",
}

// Origin serves keys from a plain HTTP mirror of the public URL space. Its
// responses are never cacheable.
type Origin struct {
	base   *url.URL
	client *http.Client
	logger *slog.Logger
}

// OriginOption configures an Origin.
type OriginOption func(*Origin)

// WithHTTPClient sets the HTTP client used to reach the origin.
func WithHTTPClient(c *http.Client) OriginOption {
	return func(o *Origin) {
		o.client = c
	}
}

// WithOriginLogger sets the logger.
func WithOriginLogger(logger *slog.Logger) OriginOption {
	return func(o *Origin) {
		o.logger = logger
	}
}

// NewOrigin creates an origin provider for baseURL, e.g. "https://origin.example.org".
func NewOrigin(baseURL string, opts ...OriginOption) (*Origin, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("origin: parsing %q: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.New("origin: base URL must be absolute")
	}

	o := &Origin{
		base:   base,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	// Wrap a copy so a caller supplied client is left untouched.
	client := *o.client
	client.Transport = telemetry.NewUpstreamTransport(client.Transport, "origin", originUserAgent)
	o.client = &client
	o.logger = o.logger.With("component", "origin")
	return o, nil
}

// HeadFile implements Provider.
func (o *Origin) HeadFile(ctx context.Context, key string) (*File, error) {
	resp, err := o.do(ctx, http.MethodHead, key, nil)
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()
	return &File{StatusCode: resp.StatusCode, Header: originHeader(resp.Header)}, nil
}

// GetFile implements Provider.
func (o *Origin) GetFile(ctx context.Context, key string, cond Conditional) (*File, error) {
	h := http.Header{}
	if cond.IfMatch != "" {
		h.Set("If-Match", quoteETag(cond.IfMatch))
	}
	if cond.IfNoneMatch != "" {
		h.Set("If-None-Match", quoteETag(cond.IfNoneMatch))
	}
	if cond.IfModifiedSince != nil {
		h.Set("If-Modified-Since", cond.IfModifiedSince.UTC().Format(http.TimeFormat))
	}
	if cond.IfUnmodifiedSince != nil {
		h.Set("If-Unmodified-Since", cond.IfUnmodifiedSince.UTC().Format(http.TimeFormat))
	}
	if cond.Range != nil {
		h.Set("Range", cond.Range.Header())
	}

	resp, err := o.do(ctx, http.MethodGet, key, h)
	if err != nil {
		return nil, err
	}
	return &File{StatusCode: resp.StatusCode, Header: originHeader(resp.Header), Body: resp.Body}, nil
}

// ReadDirectory implements Provider. The origin renders its own listing,
// which is handed back as the directory's passthrough response.
func (o *Origin) ReadDirectory(ctx context.Context, key string) (*Directory, error) {
	resp, err := o.do(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}
	return &Directory{
		Passthrough: &File{StatusCode: resp.StatusCode, Header: originHeader(resp.Header), Body: resp.Body},
	}, nil
}

func (o *Origin) do(ctx context.Context, method, key string, h http.Header) (*http.Response, error) {
	target := o.urlFor(key)

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("origin: building request: %w", err)
	}
	for k, v := range h {
		req.Header[k] = v
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origin: %s %s: %w", method, target, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return nil, ErrNotFound
	}

	o.logger.Debug("origin response", "method", method, "url", target, "status", resp.StatusCode)
	return resp, nil
}

func (o *Origin) urlFor(key string) string {
	u := *o.base
	u.Path = strings.TrimSuffix(o.base.Path, "/") + resolve.CanonicalURLPath(key)
	u.RawPath = ""
	u.RawQuery = ""
	return u.String()
}

func originHeader(src http.Header) http.Header {
	h := http.Header{}
	for _, k := range forwardedHeaders {
		setIfNotEmpty(h, k, src.Get(k))
	}
	if h.Get("Accept-Ranges") == "" {
		h.Set("Accept-Ranges", "bytes")
	}
	h.Set("Cache-Control", CacheControlFailure)
	return h
}

var _ Provider = (*Origin)(nil)
