// Package provider fetches files and directory listings from the object
// store and from the fallback origin behind a single interface.
package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/release-edge/byterange"
)

var (
	// ErrNotFound is returned when a key or directory does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned when the store refuses the object name.
	ErrInvalidKey = errors.New("invalid object key")

	// ErrRangeNotSatisfiable is returned when a range lies outside the object.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// Cache-Control policies attached to responses.
const (
	CacheControlSuccess = "public, max-age=3600, s-maxage=14400"
	CacheControlFailure = "private, no-cache, no-store, max-age=0, must-revalidate"
)

// Provider reads files and directories by storage key.
// Implementations must be safe for concurrent use.
type Provider interface {
	// HeadFile returns the headers for key without a body.
	// Returns ErrNotFound if the key does not exist.
	HeadFile(ctx context.Context, key string) (*File, error)

	// GetFile returns key honouring the conditional headers in cond.
	// Returns ErrNotFound if the key does not exist. The caller must close
	// File.Body when it is not nil.
	GetFile(ctx context.Context, key string, cond Conditional) (*File, error)

	// ReadDirectory lists the directory key, which must end in "/".
	// Returns ErrNotFound when it holds no files or subdirectories.
	ReadDirectory(ctx context.Context, key string) (*Directory, error)
}

// File is the result of a head or get. Body is nil for HEAD requests and for
// 304 and 412 results.
type File struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Close closes the body if there is one.
func (f *File) Close() error {
	if f == nil || f.Body == nil {
		return nil
	}
	return f.Body.Close()
}

// FileEntry is a file in a directory listing.
type FileEntry struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Directory is a directory listing. When Passthrough is set the listing was
// rendered by the origin and is returned to the client unchanged; the other
// fields are then empty.
type Directory struct {
	Subdirectories []string    `json:"subdirectories"`
	Files          []FileEntry `json:"files"`
	HasIndexHTML   bool        `json:"hasIndexHtmlFile"`
	LastModified   time.Time   `json:"lastModified"`

	Passthrough *File `json:"-"`
}

// Conditional holds the parsed conditional request headers. Zero values mean
// the header was absent or could not be parsed.
type Conditional struct {
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   *time.Time
	IfUnmodifiedSince *time.Time
	Range             *byterange.Range
}

// ParseConditional extracts the conditional headers from h. Malformed dates
// and ranges are dropped rather than rejected.
func ParseConditional(h http.Header) Conditional {
	cond := Conditional{
		IfMatch:           firstETag(h.Get("If-Match")),
		IfNoneMatch:       firstETag(h.Get("If-None-Match")),
		IfModifiedSince:   parseHTTPTime(h.Get("If-Modified-Since")),
		IfUnmodifiedSince: parseHTTPTime(h.Get("If-Unmodified-Since")),
	}
	if v := h.Get("Range"); v != "" {
		if r, ok := byterange.Parse(v); ok {
			cond.Range = &r
		}
	}
	return cond
}

// IsZero reports whether no conditional header is set.
func (c Conditional) IsZero() bool {
	return c.IfMatch == "" && c.IfNoneMatch == "" &&
		c.IfModifiedSince == nil && c.IfUnmodifiedSince == nil && c.Range == nil
}

// hasPrecondition reports whether a header that can fail with 412 is set.
func (c Conditional) hasPrecondition() bool {
	return c.IfMatch != "" || c.IfUnmodifiedSince != nil
}

// StatusCode derives the response status once the store has answered.
// HEAD never yields 304 or 412.
func StatusCode(hasBody, isHead bool, cond Conditional) int {
	switch {
	case isHead:
		return http.StatusOK
	case hasBody && cond.Range != nil:
		return http.StatusPartialContent
	case hasBody:
		return http.StatusOK
	case cond.hasPrecondition():
		return http.StatusPreconditionFailed
	default:
		return http.StatusNotModified
	}
}

// CacheControl returns the policy for a response with the given status.
func CacheControl(status int) string {
	if status == http.StatusOK {
		return CacheControlSuccess
	}
	return CacheControlFailure
}

// firstETag returns the first entity tag of a list without its quotes or weak
// prefix. "*" is returned as is.
func firstETag(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || v == "*" {
		return v
	}
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, `"`)
}

func quoteETag(tag string) string {
	if tag == "*" {
		return tag
	}
	return `"` + tag + `"`
}

func parseHTTPTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return nil
	}
	return &t
}
