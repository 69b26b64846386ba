package edge

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wolfeidau/release-edge/listing"
	"github.com/wolfeidau/release-edge/provider"
	"github.com/wolfeidau/release-edge/resolve"
	"github.com/wolfeidau/release-edge/router"
	"github.com/wolfeidau/release-edge/telemetry"
)

var epoch = time.Unix(0, 0).UTC()

// Storage serves files and directory listings from a provider.
type Storage struct {
	resolver *resolve.Resolver
	provider provider.Provider
	endpoint string
	logger   *slog.Logger
}

// StorageOption configures a Storage handler.
type StorageOption func(*Storage)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StorageOption {
	return func(s *Storage) {
		s.logger = logger
	}
}

// WithEndpoint sets the name recorded in request tags when this handler
// answers. Defaults to "storage".
func WithEndpoint(name string) StorageOption {
	return func(s *Storage) {
		s.endpoint = name
	}
}

// NewStorage creates a Storage handler.
func NewStorage(resolver *resolve.Resolver, p provider.Provider, opts ...StorageOption) *Storage {
	s := &Storage{
		resolver: resolver,
		provider: p,
		endpoint: "storage",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", s.endpoint)
	return s
}

// Handle implements router.Handler. Storage errors other than a missing
// object are returned so the engine can fall through to the next handler.
func (s *Storage) Handle(req *router.Request, _ router.Next) (*router.Response, error) {
	key, err := s.resolver.BucketPath(req.URL.EscapedPath())
	if errors.Is(err, resolve.ErrRejected) {
		return Unauthorized(req.Method), nil
	}
	if err != nil {
		return status(http.StatusBadRequest), nil
	}

	telemetry.SetEndpoint(req.Request, s.endpoint)
	s.logger.Debug("resolved storage key", "path", req.URL.Path, "key", key)

	if resolve.IsDirectory(key) {
		return s.directory(req, key)
	}
	return s.file(req, key)
}

func (s *Storage) directory(req *router.Request, key string) (*router.Response, error) {
	if s.resolver.Mode() == resolve.ListingOff {
		return FileNotFound(req.Method), nil
	}
	if !resolve.HasTrailingSlash(req.URL.Path) {
		return redirectToDirectory(req), nil
	}
	if !resolve.HasTrailingSlash(key) {
		key += "/"
	}

	dir, err := s.readDirectory(req, key)
	if errors.Is(err, provider.ErrNotFound) {
		return DirectoryNotFound(req.Method), nil
	}
	if err != nil {
		return nil, err
	}

	if dir.Passthrough != nil {
		return fileResponse(dir.Passthrough), nil
	}
	if dir.HasIndexHTML {
		return s.file(req, key+"index.html")
	}

	resp := router.NewResponse(http.StatusOK)
	resp.Header.Set("Content-Type", "text/html")
	resp.Header.Set("Last-Modified", dir.LastModified.UTC().Format(http.TimeFormat))
	resp.Header.Set("Cache-Control", provider.CacheControlSuccess)
	if req.Method != http.MethodGet {
		return resp, nil
	}

	markup, err := listing.Render(req.OriginalURL().EscapedPath(), dir)
	if err != nil {
		return nil, err
	}
	resp.Header.Set("Content-Length", strconv.Itoa(len(markup)))
	resp.Body = io.NopCloser(strings.NewReader(markup))
	return resp, nil
}

// readDirectory lists key and adds the aliased directories that exist only
// as entries in the alias map.
func (s *Storage) readDirectory(req *router.Request, key string) (*provider.Directory, error) {
	virtual := s.resolver.VirtualSubdirectories(key)

	dir, err := s.provider.ReadDirectory(req.Context(), key)
	if errors.Is(err, provider.ErrNotFound) && len(virtual) > 0 {
		return mergeSubdirectories(emptyDirectory(), virtual), nil
	}
	if err != nil {
		return nil, err
	}
	if dir.Passthrough != nil || dir.HasIndexHTML {
		return dir, nil
	}
	return mergeSubdirectories(dir, virtual), nil
}

func (s *Storage) file(req *router.Request, key string) (*router.Response, error) {
	ctx := req.Context()

	var (
		f   *provider.File
		err error
	)
	if req.Method == http.MethodHead {
		f, err = s.provider.HeadFile(ctx, key)
	} else {
		f, err = s.provider.GetFile(ctx, key, provider.ParseConditional(req.Header))
	}

	switch {
	case errors.Is(err, provider.ErrNotFound):
		return FileNotFound(req.Method), nil
	case errors.Is(err, provider.ErrInvalidKey):
		return status(http.StatusBadRequest), nil
	case errors.Is(err, provider.ErrRangeNotSatisfiable):
		return status(http.StatusRequestedRangeNotSatisfiable), nil
	case err != nil:
		return nil, err
	}
	return fileResponse(f), nil
}

func fileResponse(f *provider.File) *router.Response {
	return &router.Response{StatusCode: f.StatusCode, Header: f.Header, Body: f.Body}
}

// redirectToDirectory sends the client to the slash terminated form of the
// URL it asked for, before any substitution.
func redirectToDirectory(req *router.Request) *router.Response {
	u := *req.OriginalURL()
	u.Path += "/"
	if u.RawPath != "" {
		u.RawPath += "/"
	}
	resp := router.NewResponse(http.StatusMovedPermanently)
	resp.Header.Set("Location", u.RequestURI())
	resp.Header.Set("Cache-Control", provider.CacheControlFailure)
	return resp
}

func emptyDirectory() *provider.Directory {
	return &provider.Directory{LastModified: epoch}
}

func mergeSubdirectories(dir *provider.Directory, extra []string) *provider.Directory {
	if len(extra) == 0 {
		return dir
	}
	seen := make(map[string]struct{}, len(dir.Subdirectories))
	for _, name := range dir.Subdirectories {
		seen[name] = struct{}{}
	}
	for _, name := range extra {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		dir.Subdirectories = append(dir.Subdirectories, name)
	}
	sort.Strings(dir.Subdirectories)
	return dir
}

var _ router.Handler = (*Storage)(nil)
