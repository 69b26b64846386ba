package edgecache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/release-edge/provider"
	"github.com/wolfeidau/release-edge/router"
	"github.com/wolfeidau/release-edge/tasks"
)

// syncSubmitter runs tasks inline so tests can observe writes immediately.
type syncSubmitter struct{}

func (syncSubmitter) Submit(_ string, fn tasks.Func) error {
	return fn(context.Background())
}

type countingHandler struct {
	calls        int
	status       int
	body         string
	cacheControl string
	next         bool
}

func (h *countingHandler) Handle(_ *router.Request, next router.Next) (*router.Response, error) {
	h.calls++
	if h.next {
		return next()
	}
	resp := router.TextResponse(h.status, h.body)
	if h.cacheControl != "" {
		resp.Header.Set("Cache-Control", h.cacheControl)
	}
	return resp, nil
}

func request(method, target string) *router.Request {
	return router.NewRequest(httptest.NewRequest(method, target, nil))
}

func terminal() (*router.Response, error) {
	return router.TextResponse(http.StatusOK, "from later handler"), nil
}

func readAll(t *testing.T, resp *router.Response) string {
	t.Helper()
	defer func() { _ = resp.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestCached_MissThenHit(t *testing.T) {
	store := NewLRUStore()
	h := &countingHandler{status: http.StatusOK, body: `{"version":"v22.1.0"}`}
	c := NewCached("storage", h, store, syncSubmitter{}, true)

	resp, err := c.Handle(request(http.MethodGet, "/dist/index.json"), terminal)
	require.NoError(t, err)
	require.Equal(t, "miss", resp.Header.Get(StatusHeader))
	require.Equal(t, `{"version":"v22.1.0"}`, readAll(t, resp))
	require.Equal(t, 1, store.Len())

	resp, err = c.Handle(request(http.MethodGet, "/dist/index.json"), terminal)
	require.NoError(t, err)
	require.Equal(t, "hit", resp.Header.Get(StatusHeader))
	require.Equal(t, `{"version":"v22.1.0"}`, readAll(t, resp))
	require.Equal(t, 1, h.calls)
}

func TestCached_OnlyStores200(t *testing.T) {
	for _, status := range []int{http.StatusPartialContent, http.StatusNotModified, http.StatusNotFound, http.StatusInternalServerError} {
		store := NewLRUStore()
		h := &countingHandler{status: status, body: "x"}
		c := NewCached("storage", h, store, syncSubmitter{}, true)

		for range 2 {
			resp, err := c.Handle(request(http.MethodGet, "/dist/a.txt"), terminal)
			require.NoError(t, err)
			require.Equal(t, status, resp.StatusCode)
			_ = resp.Close()
		}
		require.Equal(t, 0, store.Len(), "status %d", status)
		require.Equal(t, 2, h.calls)
	}
}

func TestCached_HonoursCacheControl(t *testing.T) {
	for _, cc := range []string{provider.CacheControlFailure, "no-store", "max-age=0, No-Cache", "private"} {
		store := NewLRUStore()
		h := &countingHandler{status: http.StatusOK, body: "from origin", cacheControl: cc}
		c := NewCached("storage", h, store, syncSubmitter{}, true)

		for range 2 {
			resp, err := c.Handle(request(http.MethodGet, "/dist/index.json"), terminal)
			require.NoError(t, err)
			require.Equal(t, "from origin", readAll(t, resp))
			require.NotEqual(t, "hit", resp.Header.Get(StatusHeader), cc)
		}
		require.Equal(t, 0, store.Len(), cc)
		require.Equal(t, 2, h.calls, cc)
	}

	store := NewLRUStore()
	h := &countingHandler{status: http.StatusOK, body: "x", cacheControl: provider.CacheControlSuccess}
	c := NewCached("storage", h, store, syncSubmitter{}, true)
	resp, err := c.Handle(request(http.MethodGet, "/dist/index.json"), terminal)
	require.NoError(t, err)
	_ = resp.Close()
	require.Equal(t, 1, store.Len())
}

func TestCached_SubstitutedDirectoryBypasses(t *testing.T) {
	store := NewLRUStore()
	h := &countingHandler{status: http.StatusOK, body: "Index of /dist/latest/"}
	c := NewCached("storage", h, store, syncSubmitter{}, true)

	req := request(http.MethodGet, "/dist/v22.1.0/")
	req.UnsubstitutedURL = &url.URL{Path: "/dist/latest/"}
	resp, err := c.Handle(req, terminal)
	require.NoError(t, err)
	_ = resp.Close()
	require.Equal(t, 0, store.Len())

	req = request(http.MethodGet, "/dist/v22.1.0/SHASUMS256.txt")
	req.UnsubstitutedURL = &url.URL{Path: "/dist/latest/SHASUMS256.txt"}
	resp, err = c.Handle(req, terminal)
	require.NoError(t, err)
	_ = resp.Close()
	require.Equal(t, 1, store.Len())
}

func TestCached_DelegatedResponseNotStored(t *testing.T) {
	store := NewLRUStore()
	h := &countingHandler{next: true}
	c := NewCached("storage", h, store, syncSubmitter{}, true)

	resp, err := c.Handle(request(http.MethodGet, "/dist/a.txt"), terminal)
	require.NoError(t, err)
	require.Equal(t, "from later handler", readAll(t, resp))
	require.Equal(t, 0, store.Len())
}

func TestCached_HeadAndDisabledBypass(t *testing.T) {
	store := NewLRUStore()
	h := &countingHandler{status: http.StatusOK, body: "x"}

	c := NewCached("storage", h, store, syncSubmitter{}, true)
	resp, err := c.Handle(request(http.MethodHead, "/dist/a.txt"), terminal)
	require.NoError(t, err)
	require.Empty(t, resp.Header.Get(StatusHeader))
	require.Equal(t, 0, store.Len())

	disabled := NewCached("storage", h, store, syncSubmitter{}, false)
	for range 2 {
		resp, err = disabled.Handle(request(http.MethodGet, "/dist/a.txt"), terminal)
		require.NoError(t, err)
		_ = resp.Close()
	}
	require.Equal(t, 0, store.Len())
	require.Equal(t, 3, h.calls)
}

func TestCached_TooLargeNotStored(t *testing.T) {
	store := NewLRUStore()
	body := strings.Repeat("a", 64)
	h := &countingHandler{status: http.StatusOK, body: body}
	c := NewCached("storage", h, store, syncSubmitter{}, true, WithMaxEntryBytes(16))

	resp, err := c.Handle(request(http.MethodGet, "/dist/big.bin"), terminal)
	require.NoError(t, err)
	require.Equal(t, body, readAll(t, resp))
	require.Equal(t, 0, store.Len())
}

func TestCached_TooLargeWithoutContentLength(t *testing.T) {
	store := NewLRUStore()
	body := strings.Repeat("b", 64)
	h := router.HandlerFunc(func(*router.Request, router.Next) (*router.Response, error) {
		resp := router.NewResponse(http.StatusOK)
		resp.Body = io.NopCloser(strings.NewReader(body))
		return resp, nil
	})
	c := NewCached("storage", h, store, syncSubmitter{}, true, WithMaxEntryBytes(16))

	resp, err := c.Handle(request(http.MethodGet, "/dist/big.bin"), terminal)
	require.NoError(t, err)
	require.Equal(t, body, readAll(t, resp))
	require.Equal(t, 0, store.Len())
}

func TestCached_WritesOnScheduler(t *testing.T) {
	store := NewLRUStore()
	sched := tasks.New()
	h := &countingHandler{status: http.StatusOK, body: "scheduled"}
	c := NewCached("storage", h, store, sched, true)

	resp, err := c.Handle(request(http.MethodGet, "/dist/a.txt"), terminal)
	require.NoError(t, err)
	require.Equal(t, "scheduled", readAll(t, resp))

	require.NoError(t, sched.Close(context.Background()))
	require.Equal(t, 1, store.Len())
}

func TestLRUStore_PurgeAcrossPartitions(t *testing.T) {
	ctx := context.Background()
	store := NewLRUStore()
	e := &Entry{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte("x")}

	require.NoError(t, store.Put(ctx, "storage", "/dist/", e))
	require.NoError(t, store.Put(ctx, "metrics", "/dist/", e))
	require.NoError(t, store.Put(ctx, "storage", "/docs/", e))

	require.Equal(t, 2, store.Purge(ctx, "/dist/"))
	_, ok := store.Get(ctx, "storage", "/dist/")
	require.False(t, ok)
	_, ok = store.Get(ctx, "storage", "/docs/")
	require.True(t, ok)
	require.Equal(t, 0, store.Purge(ctx, "/dist/"))
}

func TestLRUStore_Expires(t *testing.T) {
	ctx := context.Background()
	store := NewLRUStore(WithTTL(20 * time.Millisecond))
	require.NoError(t, store.Put(ctx, "storage", "/dist/", &Entry{StatusCode: http.StatusOK}))

	require.Eventually(t, func() bool {
		_, ok := store.Get(ctx, "storage", "/dist/")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestLRUStore_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	store := NewLRUStore(WithMaxEntries(2))
	for _, k := range []string{"/a", "/b", "/c"} {
		require.NoError(t, store.Put(ctx, "storage", k, &Entry{StatusCode: http.StatusOK}))
	}
	require.Equal(t, 2, store.Len())
	_, ok := store.Get(ctx, "storage", "/a")
	require.False(t, ok)
}

func TestCached_ConditionalHit(t *testing.T) {
	store := NewLRUStore()
	modified := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := router.HandlerFunc(func(*router.Request, router.Next) (*router.Response, error) {
		resp := router.TextResponse(http.StatusOK, "body")
		resp.Header.Set("ETag", `"abc"`)
		resp.Header.Set("Last-Modified", modified.Format(http.TimeFormat))
		return resp, nil
	})
	c := NewCached("storage", h, store, syncSubmitter{}, true)

	resp, err := c.Handle(request(http.MethodGet, "/dist/a.txt"), terminal)
	require.NoError(t, err)
	_ = resp.Close()

	conditional := func(key, value string) *router.Response {
		req := request(http.MethodGet, "/dist/a.txt")
		req.Header.Set(key, value)
		resp, err := c.Handle(req, terminal)
		require.NoError(t, err)
		return resp
	}

	resp = conditional("If-None-Match", `"abc"`)
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
	require.Nil(t, resp.Body)
	require.Empty(t, resp.Header.Get("Content-Length"))

	resp = conditional("If-None-Match", `"other"`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = conditional("If-Modified-Since", modified.Format(http.TimeFormat))
	require.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp = conditional("If-Modified-Since", modified.Add(-time.Hour).Format(http.TimeFormat))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "body", readAll(t, resp))
}

func TestCached_RangeBypassesLookup(t *testing.T) {
	store := NewLRUStore()
	h := &countingHandler{status: http.StatusOK, body: "x"}
	c := NewCached("storage", h, store, syncSubmitter{}, true)

	req := request(http.MethodGet, "/dist/a.txt")
	resp, err := c.Handle(req, terminal)
	require.NoError(t, err)
	_ = resp.Close()

	req = request(http.MethodGet, "/dist/a.txt")
	req.Header.Set("Range", "bytes=0-0")
	resp, err = c.Handle(req, terminal)
	require.NoError(t, err)
	require.Empty(t, resp.Header.Get(StatusHeader))
	require.Equal(t, 2, h.calls)
}
