/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

package auth

import (
	"context"
	"net/http"
	"strings"

	"pgedge-dynamic-api/internal/logging"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// PrincipalContextKey is the context key for the authenticated principal
	PrincipalContextKey contextKey = "principal"

	// HealthCheckPath is the path for the health check endpoint (bypasses authentication)
	HealthCheckPath = "/health"
)

// WithPrincipal returns a copy of ctx carrying p
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// PrincipalFromContext retrieves the principal from the request context.
// It returns nil for an unauthenticated request.
func PrincipalFromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(PrincipalContextKey).(*Principal); ok {
		return p
	}
	return nil
}

// GetTokenHashFromContext retrieves the token hash from the request context
// Returns empty string if no token hash is found (e.g., unauthenticated request)
func GetTokenHashFromContext(ctx context.Context) string {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.TokenHash
	}
	return ""
}

// AuthMiddleware creates an HTTP middleware that validates API tokens and
// stores the resulting principal in the request context. With
// authentication disabled every request runs as an admin without RLS.
func AuthMiddleware(tokenStore *TokenStore, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip authentication if disabled
			if !enabled {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), AnonymousAdmin())))
				return
			}

			// Skip authentication for health check endpoint
			if r.URL.Path == HealthCheckPath {
				next.ServeHTTP(w, r)
				return
			}

			// Get token from Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}

			// Parse Bearer token
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid Authorization header format. Expected: Bearer <token>", http.StatusUnauthorized)
				return
			}

			principal, err := tokenStore.Authenticate(parts[1])
			if err != nil {
				logging.Warn("token_rejected", "error", err, "remote_addr", r.RemoteAddr)
			}

			// Expired and unknown tokens get the same answer
			if principal == nil {
				http.Error(w, "Invalid or unknown token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireAdmin rejects requests whose principal is not an admin
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFromContext(r.Context())
		if p == nil || !p.Admin {
			http.Error(w, "Admin token required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
