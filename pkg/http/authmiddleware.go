// Package http provides HTTP middleware for the trainer's streamable MCP
// endpoint.
package http

import (
	"net/http"
	"strings"

	"github.com/txn2/mcp-coldcall-trainer/pkg/auth"
)

// APIKeyHeader is the header checked when no bearer token is present.
const APIKeyHeader = "X-API-Key"

// TokenFromRequest returns the bearer token, or the API key header when no
// bearer token is sent.
func TokenFromRequest(r *http.Request) string {
	if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if token := strings.TrimSpace(after); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}

// AuthMiddleware extracts authentication tokens from HTTP headers and adds
// them to the request context. Validation happens in the MCP middleware.
func AuthMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)

			if requireAuth && token == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "Unauthorized: missing authentication token", http.StatusUnauthorized)
				return
			}

			if token != "" {
				r = r.WithContext(auth.WithToken(r.Context(), token))
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth returns middleware that requires authentication.
func RequireAuth() func(http.Handler) http.Handler {
	return AuthMiddleware(true)
}

// OptionalAuth returns middleware that allows anonymous requests.
func OptionalAuth() func(http.Handler) http.Handler {
	return AuthMiddleware(false)
}
