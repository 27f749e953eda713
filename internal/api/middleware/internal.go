package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// InternalAuthHeader carries the shared secret of service-to-service calls.
const InternalAuthHeader = "X-Internal-Auth"

// RequireInternalAuth admits requests whose X-Internal-Auth header equals
// secret. An empty secret rejects every request.
func RequireInternalAuth(secret string) func(http.Handler) http.Handler {
	want := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(InternalAuthHeader))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				slog.Warn("internal auth rejected", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
