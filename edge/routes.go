package edge

import (
	"log/slog"

	"github.com/wolfeidau/release-edge/edgecache"
	"github.com/wolfeidau/release-edge/provider"
	"github.com/wolfeidau/release-edge/resolve"
	"github.com/wolfeidau/release-edge/router"
	"github.com/wolfeidau/release-edge/tasks"
)

// PurgePath is where cache purges are posted.
const PurgePath = "/_cf/cache-purge"

// servedPrefixes are the URL roots backed by the object store, in route
// order.
var servedPrefixes = []string{"/dist", "/download", "/api", "/docs"}

// substitutedPrefixes are the URL roots under which latest branch names are
// rewritten to concrete versions.
var substitutedPrefixes = []string{"/dist", "/download/release", "/docs"}

// Routes holds what RegisterRoutes wires together.
type Routes struct {
	Resolver       *resolve.Resolver
	LatestVersions resolve.LatestVersions

	// Storage is the primary provider.
	Storage provider.Provider

	// Origin serves requests the storage handler could not. Optional.
	Origin provider.Provider

	Cache         edgecache.Store
	CacheEnabled  bool
	MaxEntryBytes int64
	Scheduler     tasks.Submitter

	PurgeAPIKey    string
	PurgeRateLimit float64
	PurgeRateBurst int

	Logger *slog.Logger
}

// RegisterRoutes installs the download site's route table on engine.
func RegisterRoutes(engine *router.Engine, rt Routes) {
	logger := rt.Logger
	if logger == nil {
		logger = slog.Default()
	}

	storage := NewStorage(rt.Resolver, rt.Storage, WithLogger(logger))
	cached := edgecache.NewCached("storage", storage, rt.Cache, rt.Scheduler, rt.CacheEnabled,
		edgecache.WithMaxEntryBytes(rt.MaxEntryBytes),
		edgecache.WithCachedLogger(logger),
	)

	headChain := []router.Handler{storage}
	getChain := []router.Handler{cached}
	if rt.Origin != nil {
		origin := NewStorage(rt.Resolver, rt.Origin, WithLogger(logger), WithEndpoint("origin"))
		headChain = append(headChain, origin)
		getChain = append(getChain, origin)
	}

	engine.Options("*", Options)

	engine.Head("/metrics/:path*", headChain...)
	engine.Get("/metrics/:path*", getChain...)

	for _, branch := range rt.LatestVersions.Branches() {
		sub := router.NewSubstitution(engine, branch, rt.LatestVersions[branch])
		for _, prefix := range substitutedPrefixes {
			pat := prefix + "/" + branch + "/:path*"
			engine.Head(pat, sub)
			engine.Get(pat, sub)
		}
	}

	for _, prefix := range servedPrefixes {
		pat := prefix + "/:path*"
		engine.Head(pat, headChain...)
		engine.Get(pat, getChain...)
	}

	engine.Post(PurgePath, NewPurge(rt.PurgeAPIKey, rt.Resolver, rt.Cache,
		WithRateLimit(rt.PurgeRateLimit, rt.PurgeRateBurst),
		WithPurgeLogger(logger),
	))

	engine.Get("*", NotFound)
	engine.All("*", MethodNotAllowedHandler)
}
