// Package edge holds the request handlers of the download site and the route
// table that wires them to the router.
package edge

import (
	"net/http"

	"github.com/wolfeidau/release-edge/provider"
	"github.com/wolfeidau/release-edge/router"
)

// AllowedMethods is advertised on OPTIONS and 405 responses.
const AllowedMethods = "GET, HEAD, POST, OPTIONS"

// failure builds a response that must not be cached downstream. The body is
// dropped for HEAD requests.
func failure(status int, method, body string) *router.Response {
	var resp *router.Response
	if body == "" || method == http.MethodHead {
		resp = router.NewResponse(status)
	} else {
		resp = router.TextResponse(status, body)
	}
	resp.Header.Set("Cache-Control", provider.CacheControlFailure)
	return resp
}

// FileNotFound is the 404 for a missing file.
func FileNotFound(method string) *router.Response {
	return failure(http.StatusNotFound, method, "File not found")
}

// DirectoryNotFound is the 404 for a missing directory.
func DirectoryNotFound(method string) *router.Response {
	return failure(http.StatusNotFound, method, "Directory not found")
}

// MethodNotAllowed is the 405 for any method outside AllowedMethods.
func MethodNotAllowed() *router.Response {
	resp := failure(http.StatusMethodNotAllowed, "", "")
	resp.Header.Set("Allow", AllowedMethods)
	return resp
}

// Unauthorized is returned for paths the listing mode refuses.
func Unauthorized(method string) *router.Response {
	return failure(http.StatusUnauthorized, method, "Unauthorized")
}

func status(code int) *router.Response {
	return failure(code, "", "")
}

// Options answers OPTIONS requests.
var Options = router.HandlerFunc(func(*router.Request, router.Next) (*router.Response, error) {
	resp := router.NewResponse(http.StatusOK)
	resp.Header.Set("Allow", AllowedMethods)
	resp.Header.Set("Cache-Control", provider.CacheControlFailure)
	return resp, nil
})

// NotFound answers every GET no other route claimed.
var NotFound = router.HandlerFunc(func(req *router.Request, _ router.Next) (*router.Response, error) {
	return FileNotFound(req.Method), nil
})

// MethodNotAllowedHandler answers requests with unsupported methods.
var MethodNotAllowedHandler = router.HandlerFunc(func(*router.Request, router.Next) (*router.Response, error) {
	return MethodNotAllowed(), nil
})
