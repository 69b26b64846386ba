// Package server provides the HTTP server for the download site.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/release-edge/config"
	"github.com/wolfeidau/release-edge/edge"
	"github.com/wolfeidau/release-edge/edgecache"
	"github.com/wolfeidau/release-edge/provider"
	"github.com/wolfeidau/release-edge/report"
	"github.com/wolfeidau/release-edge/resolve"
	"github.com/wolfeidau/release-edge/router"
	"github.com/wolfeidau/release-edge/tasks"
	"github.com/wolfeidau/release-edge/telemetry"
)

// Paths served by the server itself rather than the route table.
const (
	HealthPath  = "/_edge/health"
	MetricsPath = "/_edge/metrics"
)

// Server is the HTTP server for the download site.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	engine    *router.Engine
	cache     *edgecache.LRUStore
	scheduler *tasks.Scheduler
	listings  *provider.ListingStore
}

// Option configures a Server.
type Option func(*options)

type options struct {
	logger *slog.Logger
	api    provider.API
}

// WithLogger sets the logger for the server and every component it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithS3API uses api instead of a client built from the storage
// configuration.
func WithS3API(api provider.API) Option {
	return func(o *options) {
		o.api = api
	}
}

// New creates a server from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	sink := report.New(report.WithLogger(logger))

	// Alias and latest version data
	aliases, err := resolve.LoadAliasMapFile(cfg.Data.AliasesFile)
	if err != nil {
		return nil, fmt.Errorf("loading aliases: %w", err)
	}
	latest, err := resolve.LoadLatestVersionsFile(cfg.Data.LatestVersionsFile)
	if err != nil {
		return nil, fmt.Errorf("loading latest versions: %w", err)
	}
	resolver := resolve.New(aliases, resolve.ListingMode(cfg.Listing.Mode))

	// Storage
	api := o.api
	if api == nil {
		client, err := provider.NewClient(ctx, provider.ClientConfig{
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			UsePathStyle:    cfg.Storage.UsePathStyle,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("creating s3 client: %w", err)
		}
		api = client
	}
	s3p, err := provider.NewS3(api, provider.S3Config{
		Bucket:  cfg.Storage.Bucket,
		MaxKeys: cfg.Storage.MaxKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 provider: %w", err)
	}

	var origin provider.Provider
	if cfg.Origin.Host != "" {
		op, err := provider.NewOrigin(cfg.Origin.Host, provider.WithOriginLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("creating origin provider: %w", err)
		}
		origin = provider.NewInstrumented(op, "origin")
	}

	resilientOpts := []provider.ResilientOption{
		provider.WithRetryLimit(cfg.Storage.RetryLimit),
		provider.WithOperationTimeout(cfg.Storage.OperationTimeout),
		provider.WithReporter(sink),
		provider.WithLogger(logger),
	}
	if origin != nil {
		resilientOpts = append(resilientOpts, provider.WithFallback(origin))
	}
	var storage provider.Provider = provider.NewResilient(provider.NewInstrumented(s3p, "s3"), resilientOpts...)

	var listings *provider.ListingStore
	if cfg.Listing.CachePath != "" {
		listings, err = provider.OpenListingStore(cfg.Listing.CachePath, provider.WithListingStoreLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("opening listing cache: %w", err)
		}
		storage = provider.NewListingCache(listings, storage, logger)
	}
	if cfg.Storage.Coalesce {
		storage = provider.NewCoalesced(storage, logger)
	}

	// Edge cache and background writes
	cache := edgecache.NewLRUStore(
		edgecache.WithMaxEntries(cfg.Cache.MaxEntries),
		edgecache.WithTTL(cfg.Cache.TTL),
		edgecache.WithLogger(logger),
	)
	scheduler := tasks.New(
		tasks.WithConcurrency(cfg.Tasks.Concurrency),
		tasks.WithTaskTimeout(cfg.Tasks.Timeout),
		tasks.WithReporter(sink),
		tasks.WithLogger(logger),
	)

	engine := router.New(
		router.WithReporter(sink),
		router.WithLogger(logger),
		router.WithDetailedErrors(cfg.DetailedErrors()),
	)
	edge.RegisterRoutes(engine, edge.Routes{
		Resolver:       resolver,
		LatestVersions: latest,
		Storage:        storage,
		Origin:         origin,
		Cache:          cache,
		CacheEnabled:   cfg.Cache.Enabled,
		MaxEntryBytes:  cfg.Cache.MaxEntryBytes,
		Scheduler:      scheduler,
		PurgeAPIKey:    cfg.Purge.APIKey,
		PurgeRateLimit: cfg.Purge.RateLimit,
		PurgeRateBurst: cfg.Purge.RateBurst,
		Logger:         logger,
	})

	s := &Server{
		config:    cfg,
		logger:    logger,
		engine:    engine,
		cache:     cache,
		scheduler: scheduler,
		listings:  listings,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           s.loggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // release tarballs are large
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("server configured",
		"environment", cfg.Environment,
		"bucket", cfg.Storage.Bucket,
		"listing_mode", cfg.Listing.Mode,
		"aliases", len(aliases),
		"latest_branches", len(latest),
		"origin", cfg.Origin.Host != "",
		"edge_cache", cfg.Cache.Enabled,
	)
	return s, nil
}

// registerRoutes sets up the HTTP routes. Everything outside /_edge/ goes to
// the route table.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+HealthPath, s.handleHealth)
	mux.Handle("GET "+MetricsPath, s.requireInternalToken(telemetry.PrometheusHandler()))
	mux.Handle("/", s.engine)
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", provider.CacheControlFailure)
	_, _ = fmt.Fprintf(w, `{"status":"ok","edge_cache_entries":%d}`, s.cache.Len())
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(telemetry.RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(telemetry.RequestIDHeader, requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		route := deriveRoute(r.URL.Path)
		telemetry.SetRoute(r, route)
		r = r.WithContext(telemetry.WithRequestID(telemetry.WithRouteContext(r.Context(), route), requestID))

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Server.Address)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then waits for background cache writes
// and closes the listing cache.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	if serr := s.scheduler.Close(ctx); serr != nil {
		err = errors.Join(err, fmt.Errorf("waiting for background tasks: %w", serr))
	}
	if s.listings != nil {
		if lerr := s.listings.Close(); lerr != nil {
			err = errors.Join(err, fmt.Errorf("closing listing cache: %w", lerr))
		}
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Server.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveRoute names the URL root a request was made under, for grouping.
func deriveRoute(path string) string {
	if strings.HasPrefix(path, "/_edge/") {
		return "internal"
	}
	root, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	switch root {
	case "dist", "download", "docs", "api", "metrics":
		return root
	case "_cf":
		return "purge"
	case "":
		return "root"
	default:
		return "other"
	}
}
