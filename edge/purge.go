package edge

import (
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/wolfeidau/release-edge/edgecache"
	"github.com/wolfeidau/release-edge/resolve"
	"github.com/wolfeidau/release-edge/router"
	"github.com/wolfeidau/release-edge/telemetry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// APIKeyHeader carries the purge credential.
const APIKeyHeader = "X-Api-Key"

// maxPurgeBody bounds the request body of a purge.
const maxPurgeBody = 1 << 20

type purgeRequest struct {
	Paths *[]string `json:"paths"`
}

// Purge evicts storage keys from the edge cache under every URL they are
// served from.
type Purge struct {
	apiKey   []byte
	resolver *resolve.Resolver
	store    edgecache.Store
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// PurgeOption configures a Purge handler.
type PurgeOption func(*Purge)

// WithRateLimit limits accepted purges to r per second with the given burst.
// A zero r disables the limit.
func WithRateLimit(r float64, burst int) PurgeOption {
	return func(p *Purge) {
		if r <= 0 {
			p.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithPurgeLogger sets the logger.
func WithPurgeLogger(logger *slog.Logger) PurgeOption {
	return func(p *Purge) {
		p.logger = logger
	}
}

// NewPurge creates the purge handler. An empty apiKey rejects every request.
func NewPurge(apiKey string, resolver *resolve.Resolver, store edgecache.Store, opts ...PurgeOption) *Purge {
	p := &Purge{
		apiKey:   []byte(apiKey),
		resolver: resolver,
		store:    store,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "purge")
	return p
}

// Handle implements router.Handler.
func (p *Purge) Handle(req *router.Request, _ router.Next) (*router.Response, error) {
	telemetry.SetEndpoint(req.Request, "purge")

	if !p.authorized(req.Header.Get(APIKeyHeader)) {
		return status(http.StatusForbidden), nil
	}
	if p.limiter != nil && !p.limiter.Allow() {
		return status(http.StatusTooManyRequests), nil
	}
	if req.Header.Get("Content-Type") != "application/json" {
		return status(http.StatusUnsupportedMediaType), nil
	}

	var body purgeRequest
	data, err := io.ReadAll(io.LimitReader(req.Body, maxPurgeBody))
	if err != nil || json.Unmarshal(data, &body) != nil || body.Paths == nil {
		return status(http.StatusBadRequest), nil
	}

	ctx := req.Context()
	urls, evicted := 0, 0
	for _, key := range *body.Paths {
		for _, urlPath := range p.resolver.URLPaths(key) {
			urls++
			evicted += p.store.Purge(ctx, urlPath)
		}
	}
	telemetry.RecordCachePurge(ctx, urls)
	p.logger.Info("purged edge cache", "keys", len(*body.Paths), "urls", urls, "entries", evicted)

	return router.NewResponse(http.StatusNoContent), nil
}

func (p *Purge) authorized(provided string) bool {
	if len(p.apiKey) == 0 || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), p.apiKey) == 1
}

var _ router.Handler = (*Purge)(nil)
