// Package resolve maps request URL paths onto object storage keys and back.
package resolve

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Storage key roots for each public URL prefix.
const (
	DistPrefix     = "nodejs/release"
	DownloadPrefix = "nodejs"
	DocsPrefix     = "nodejs/docs"

	latestDocsAlias = DocsPrefix + "/latest"
)

// ListingMode controls which paths may be served.
type ListingMode string

const (
	// ListingOn serves unknown prefixes from the raw path.
	ListingOn ListingMode = "on"
	// ListingRestricted rejects paths outside the known prefixes.
	ListingRestricted ListingMode = "restricted"
	// ListingOff only serves files, never directory listings.
	ListingOff ListingMode = "off"
)

// ErrRejected is returned when a path is outside the known prefixes in
// restricted mode.
var ErrRejected = errors.New("path rejected by listing mode")

// versionLikeExtension matches the part after the final "." of directory
// names such as v20.20.2 or latest-v20.x.
var versionLikeExtension = regexp.MustCompile(`(?i)^([a-z]|\d+)$`)

// Resolver maps URL paths to storage keys. It is read-only after construction
// and safe for concurrent use.
type Resolver struct {
	aliases   AliasMap
	mode      ListingMode
	apiPrefix string
}

// New creates a Resolver.
func New(aliases AliasMap, mode ListingMode) *Resolver {
	if aliases == nil {
		aliases = AliasMap{}
	}
	if mode == "" {
		mode = ListingOn
	}
	apiPrefix := latestDocsAlias + "/api"
	if target, ok := aliases[latestDocsAlias]; ok {
		apiPrefix = target + "/api"
	}
	return &Resolver{aliases: aliases, mode: mode, apiPrefix: apiPrefix}
}

// Mode returns the configured listing mode.
func (r *Resolver) Mode() ListingMode {
	return r.mode
}

// BucketPath maps an escaped URL path (as returned by url.URL.EscapedPath) to
// a storage key. It returns ErrRejected in restricted mode for unknown
// prefixes and an error when the path cannot be unescaped.
func (r *Resolver) BucketPath(urlPath string) (string, error) {
	segments := strings.Split(urlPath, "/")
	seg := func(i int) string {
		if i < len(segments) {
			return segments[i]
		}
		return ""
	}
	rest := func(from int) string {
		if from < len(segments) {
			return strings.Join(segments[from:], "/")
		}
		return ""
	}

	var key string
	if target, ok := r.aliases[DistPrefix+"/"+seg(2)]; ok && seg(1) == "dist" {
		key = target + "/" + rest(3)
	} else if target, ok := r.aliases[DocsPrefix+"/"+seg(2)]; ok && seg(1) == "docs" {
		key = target + "/" + rest(3)
	} else if target, ok := r.aliases[DistPrefix+"/"+seg(3)]; ok && seg(1) == "download" && seg(2) == "release" {
		key = target + "/" + rest(4)
	} else if mapped, ok := r.prefixTemplate(seg(1), urlPath); ok {
		key = mapped
	} else if r.mode != ListingRestricted {
		key = strings.TrimPrefix(urlPath, "/")
	} else {
		return "", ErrRejected
	}

	decoded, err := url.PathUnescape(key)
	if err != nil {
		return "", fmt.Errorf("decoding %q: %w", key, err)
	}
	return decoded, nil
}

func (r *Resolver) prefixTemplate(base, urlPath string) (string, bool) {
	orSlash := func(s string) string {
		if s == "" {
			return "/"
		}
		return s
	}
	switch base {
	case "dist":
		return DistPrefix + orSlash(strings.TrimPrefix(urlPath, "/dist")), true
	case "download":
		return DownloadPrefix + orSlash(strings.TrimPrefix(urlPath, "/download")), true
	case "docs":
		return DocsPrefix + orSlash(strings.TrimPrefix(urlPath, "/docs")), true
	case "api":
		return r.apiPrefix + orSlash(strings.TrimPrefix(urlPath, "/api")), true
	case "metrics":
		return strings.TrimPrefix(urlPath, "/"), true
	}
	return "", false
}

// HasTrailingSlash reports whether p ends in "/".
func HasTrailingSlash(p string) bool {
	return strings.HasSuffix(p, "/")
}

// IsDirectory reports whether a key names a directory. Keys ending in "/"
// and keys whose final segment has no extension are directories, as are
// version-like names such as v20.20.2 whose "extension" is a single letter
// or entirely digits.
func IsDirectory(key string) bool {
	if HasTrailingSlash(key) {
		return true
	}
	dot := strings.LastIndex(key, ".")
	if dot == -1 || dot < strings.LastIndex(key, "/") {
		return true
	}
	return versionLikeExtension.MatchString(key[dot+1:])
}

// VirtualSubdirectories returns the aliased directory names directly below
// the directory key, each with a trailing slash. These emulate symlinked
// directories that have no objects of their own in the store.
func (r *Resolver) VirtualSubdirectories(key string) []string {
	if !HasTrailingSlash(key) {
		key += "/"
	}
	var dirs []string
	for _, k := range r.aliases.Keys() {
		if path.Dir(k)+"/" == key {
			dirs = append(dirs, path.Base(k)+"/")
		}
	}
	return dirs
}

// CanonicalURLPath returns the URL path the public site serves key from.
func CanonicalURLPath(key string) string {
	switch {
	case hasKeyPrefix(key, DistPrefix):
		return "/dist" + orRoot(key[len(DistPrefix):])
	case hasKeyPrefix(key, DocsPrefix):
		return "/docs" + orRoot(key[len(DocsPrefix):])
	case hasKeyPrefix(key, DownloadPrefix):
		return "/download" + orRoot(key[len(DownloadPrefix):])
	}
	return "/" + key
}

// URLPaths expands a storage key into every URL path that can serve it, so
// that each can be evicted from the edge cache. It returns nil when the key
// is not reachable from any URL.
func (r *Resolver) URLPaths(key string) []string {
	paths := newOrderedSet()

	switch {
	case strings.HasPrefix(key, DistPrefix):
		p := key[len(DistPrefix):]
		paths.add("/dist/", "/download/release/", "/dist"+p, "/download/release"+p)
		for _, dir := range r.latestDirectories(DistPrefix) {
			paths.add("/dist"+dir, "/download/release"+dir)
		}
	case strings.HasPrefix(key, DocsPrefix):
		p := key[len(DocsPrefix):]
		paths.add("/docs/", "/download/docs/", "/docs"+p, "/download/docs"+p)
		if strings.Contains(key, "/api") && len(p) > 1 {
			if i := strings.Index(p[1:], "/"); i >= 0 {
				paths.add(p[1+i:])
			}
		}
		for _, dir := range r.latestDirectories(DocsPrefix) {
			paths.add("/docs"+dir, "/download/docs"+dir)
		}
	case strings.HasPrefix(key, DownloadPrefix):
		paths.add("/download" + key[len(DownloadPrefix):])
	case strings.HasPrefix(key, "metrics"):
		paths.add("/" + key)
	case r.mode == ListingRestricted:
		return nil
	default:
		paths.add("/" + key)
	}
	return paths.items
}

// latestDirectories returns the alias directories below prefix whose names
// start with "latest", relative to prefix and slash terminated.
func (r *Resolver) latestDirectories(prefix string) []string {
	var dirs []string
	for _, k := range r.aliases.Keys() {
		if strings.HasPrefix(k, prefix+"/latest") {
			dirs = append(dirs, k[len(prefix):]+"/")
		}
	}
	return dirs
}

func hasKeyPrefix(key, prefix string) bool {
	return key == prefix || strings.HasPrefix(key, prefix+"/")
}

func orRoot(s string) string {
	if s == "" {
		return "/"
	}
	return s
}

type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: map[string]struct{}{}}
}

func (s *orderedSet) add(values ...string) {
	for _, v := range values {
		if _, ok := s.seen[v]; ok {
			continue
		}
		s.seen[v] = struct{}{}
		s.items = append(s.items, v)
	}
}
