package provider

import (
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
)

const defaultContentType = "application/octet-stream"

// DefaultContentTypeOverrides maps file extensions to the content type served
// regardless of what the object was uploaded with.
var DefaultContentTypeOverrides = map[string]string{
	"asc":  "text/plain",
	"json": "application/json",
	"md":   "text/markdown",
	"sig":  "application/pgp-signature",
	"tab":  "text/plain",
	"txt":  "text/plain",
}

// objectMeta is the store's view of an object, independent of the SDK.
type objectMeta struct {
	Key                string
	Size               int64
	LastModified       time.Time
	ETag               string
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	ContentRange       string
	Expires            string
}

// header renders the response headers for status.
func (m objectMeta) header(status int, overrides map[string]string) http.Header {
	h := http.Header{}
	if m.ETag != "" {
		h.Set("ETag", quoteETag(strings.Trim(m.ETag, `"`)))
	}
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", CacheControl(status))
	if !m.LastModified.IsZero() {
		h.Set("Last-Modified", m.LastModified.UTC().Format(http.TimeFormat))
	}
	h.Set("Content-Type", contentType(m.Key, m.ContentType, overrides))
	h.Set("Content-Length", strconv.FormatInt(m.Size, 10))
	if status == http.StatusPartialContent && m.ContentRange != "" {
		h.Set("Content-Range", m.ContentRange)
	}
	setIfNotEmpty(h, "Content-Encoding", m.ContentEncoding)
	setIfNotEmpty(h, "Content-Language", m.ContentLanguage)
	setIfNotEmpty(h, "Content-Disposition", m.ContentDisposition)
	setIfNotEmpty(h, "Expires", m.Expires)
	if strings.HasSuffix(m.Key, ".json") {
		h.Set("Access-Control-Allow-Origin", "*")
	}
	return h
}

func contentType(key, stored string, overrides map[string]string) string {
	if ext := strings.TrimPrefix(path.Ext(key), "."); ext != "" {
		if ct, ok := overrides[ext]; ok {
			return ct
		}
	}
	if stored != "" {
		return stored
	}
	return defaultContentType
}

// lastModified prefers the mtime user metadata (unix seconds, as written by
// rclone) over the store's upload time.
func lastModified(metadata map[string]string, uploaded time.Time) time.Time {
	if v, ok := metadata["mtime"]; ok {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Unix(int64(secs), 0).UTC()
		}
	}
	return uploaded
}

func setIfNotEmpty(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}
