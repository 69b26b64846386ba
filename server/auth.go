package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/wolfeidau/release-edge/provider"
	"github.com/wolfeidau/release-edge/telemetry"
)

// requireInternalToken guards the /_edge endpoints that expose operational
// detail. It is a no-op when server.internal_token is unset.
func (s *Server) requireInternalToken(next http.Handler) http.Handler {
	token := []byte(s.config.Server.InternalToken)
	if len(token) == 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok || subtle.ConstantTimeCompare([]byte(provided), token) != 1 {
			s.logger.Warn("internal endpoint denied",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"request_id", telemetry.RequestIDFromContext(r.Context()),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="release-edge"`)
			w.Header().Set("Cache-Control", provider.CacheControlFailure)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
