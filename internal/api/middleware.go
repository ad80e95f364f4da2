package api

import (
	"net/http"
	"strings"

	"github.com/weftworks/weft/internal/auth"
	"github.com/weftworks/weft/internal/netutil"
)

// AuthMiddleware guards the admin surface: the Authorization header must
// carry exactly "Bearer <adminToken>". Failures get 401 with a JSON error
// body.
func AuthMiddleware(adminToken string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing Authorization header")
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid Authorization header format")
			return
		}

		token := header[len(prefix):]
		if token != adminToken {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NodeAuthMiddleware returns an http.Handler that validates the
// X-Node-Token header against the token service. A nil service means no
// JWT secret is configured and the fabric stays open.
func NodeAuthMiddleware(tokens *auth.Service, next http.Handler) http.Handler {
	if tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(netutil.HeaderNodeToken)
		if token == "" {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing "+netutil.HeaderNodeToken+" header")
			return
		}
		claims := tokens.ValidateToken(token)
		if claims == nil {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid node token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestBodyLimitMiddleware caps request body reads for everything below it.
// Oversized bodies surface as http.MaxBytesError from the handler's read.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r != nil && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
